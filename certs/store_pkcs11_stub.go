//go:build !pkcs11

package certs

import (
	"context"
	"crypto/tls"
	"errors"
)

// errPKCS11NotCompiled is returned by every PKCS11Store method when the
// binary was built without the pkcs11 tag.
var errPKCS11NotCompiled = errors.New("PKCS#11 support not compiled; rebuild with: go build -tags pkcs11")

// PKCS11Config holds the configuration for connecting to a PKCS#11 token.
// This is a placeholder when the pkcs11 build tag is not set.
type PKCS11Config struct {
	ModulePath string
	TokenLabel string
	PIN        string
	SlotNumber *int
}

// PKCS11Store is a placeholder type when the pkcs11 build tag is not set.
// It implements Store so that the CLI compiles without CGo, but all methods
// return errors directing the user to rebuild with -tags pkcs11.
type PKCS11Store struct{}

// Compile-time interface check.
var _ Store = (*PKCS11Store)(nil)

// NewPKCS11Store returns an error when compiled without the pkcs11 build tag.
func NewPKCS11Store(_ PKCS11Config) (*PKCS11Store, error) {
	return nil, errPKCS11NotCompiled
}

// Close is a no-op for the stub.
func (p *PKCS11Store) Close() error { return nil }

func (p *PKCS11Store) ClientCertificates(_ context.Context, _ *tls.CertificateRequestInfo) ([]Certificate, error) {
	return nil, errPKCS11NotCompiled
}

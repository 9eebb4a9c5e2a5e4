//go:build pkcs11

package certs

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/ThalesGroup/crypto11"
)

// PKCS11Config holds the configuration for connecting to a PKCS#11 token.
type PKCS11Config struct {
	// ModulePath is the path to the PKCS#11 shared library
	// (e.g., /usr/lib/softhsm/libsofthsm2.so).
	ModulePath string

	// TokenLabel identifies the HSM token/slot by label.
	TokenLabel string

	// PIN is the user PIN for the token.
	PIN string

	// SlotNumber optionally specifies a slot number. When non-nil,
	// it overrides TokenLabel for slot selection.
	SlotNumber *int
}

// PKCS11Store lists client certificates that have a paired private key on
// a PKCS#11 token. The private keys never leave the token; the handles it
// returns sign through the HSM.
type PKCS11Store struct {
	ctx *crypto11.Context
	mu  sync.Mutex
}

// Compile-time interface check.
var _ Store = (*PKCS11Store)(nil)

// NewPKCS11Store connects to the configured token. The caller must call
// Close() when finished.
func NewPKCS11Store(cfg PKCS11Config) (*PKCS11Store, error) {
	config := &crypto11.Config{
		Path:       cfg.ModulePath,
		TokenLabel: cfg.TokenLabel,
		Pin:        cfg.PIN,
	}
	if cfg.SlotNumber != nil {
		config.SlotNumber = cfg.SlotNumber
	}

	ctx, err := crypto11.Configure(config)
	if err != nil {
		return nil, fmt.Errorf("configuring PKCS#11: %w", err)
	}
	return &PKCS11Store{ctx: ctx}, nil
}

// Close releases the PKCS#11 context.
func (p *PKCS11Store) Close() error {
	if p.ctx != nil {
		return p.ctx.Close()
	}
	return nil
}

// ClientCertificates returns every paired certificate on the token that the
// requesting server would accept.
func (p *PKCS11Store) ClientCertificates(ctx context.Context, info *tls.CertificateRequestInfo) ([]Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	pairs, err := p.ctx.FindAllPairedCertificates()
	p.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("listing certificates on PKCS#11 token: %w", err)
	}

	out := make([]Certificate, 0, len(pairs))
	for i := range pairs {
		kp := &pairs[i]
		if !supportedBy(info, kp) {
			continue
		}
		c, err := FromTLS(kp)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

package certs

import (
	"context"
	"crypto/tls"
)

// Store supplies client certificate candidates when a validation service
// asks for mutual-TLS authentication. It abstracts where certificates live
// (in memory, in a bbolt file, on a PKCS#11 token) so the validation core
// never selects a store implementation itself.
//
// The returned Certificates, and the key pairs behind their Handles, remain
// owned by the store. Callers borrow them for one selection and must not
// modify or retain them.
type Store interface {
	// ClientCertificates returns the candidates for one certificate request.
	// info carries the server's hints (acceptable CAs, signature schemes)
	// and may be nil.
	ClientCertificates(ctx context.Context, info *tls.CertificateRequestInfo) ([]Certificate, error)
}

// StoreFunc adapts a function to the Store interface.
type StoreFunc func(ctx context.Context, info *tls.CertificateRequestInfo) ([]Certificate, error)

// ClientCertificates calls f.
func (f StoreFunc) ClientCertificates(ctx context.Context, info *tls.CertificateRequestInfo) ([]Certificate, error) {
	return f(ctx, info)
}

// MultiStore offers the candidates of several stores, in order.
type MultiStore []Store

// ClientCertificates concatenates the candidates of every store. It fails
// when any store fails.
func (m MultiStore) ClientCertificates(ctx context.Context, info *tls.CertificateRequestInfo) ([]Certificate, error) {
	var all []Certificate
	for _, s := range m {
		found, err := s.ClientCertificates(ctx, info)
		if err != nil {
			return nil, err
		}
		all = append(all, found...)
	}
	return all, nil
}

// supportedBy reports whether the server described by info would accept kp.
// A nil info or one without acceptable CAs accepts every key pair, which
// leaves the issuer decision to Rank.
func supportedBy(info *tls.CertificateRequestInfo, kp *tls.Certificate) bool {
	if info == nil || len(info.AcceptableCAs) == 0 {
		return true
	}
	return info.SupportsCertificate(kp) == nil
}

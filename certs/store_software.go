package certs

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	"golang.org/x/crypto/pkcs12"
)

// ---------------------------------------------------------------------------
// SoftwareStore: default implementation backed by in-memory key pairs
// ---------------------------------------------------------------------------

// SoftwareStore holds client key pairs in memory. It is the default Store
// used when no HSM is configured and is safe for concurrent use.
type SoftwareStore struct {
	mu    sync.RWMutex
	pairs []*tls.Certificate
}

// Compile-time interface check.
var _ Store = (*SoftwareStore)(nil)

// NewSoftwareStore returns an empty SoftwareStore ready for use.
func NewSoftwareStore() *SoftwareStore {
	return &SoftwareStore{}
}

// Add stores a key pair. The pair must carry at least one certificate.
func (s *SoftwareStore) Add(kp *tls.Certificate) error {
	if _, err := leafOf(kp); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs = append(s.pairs, kp)
	return nil
}

// AddPEM parses a PEM certificate chain and private key and stores them.
func (s *SoftwareStore) AddPEM(certPEM, keyPEM []byte) error {
	kp, err := ParseKeyPairPEM(certPEM, keyPEM)
	if err != nil {
		return err
	}
	return s.Add(kp)
}

// AddPKCS12 decodes a PKCS#12 (.p12/.pfx) bundle holding one certificate
// and its private key, and stores it.
func (s *SoftwareStore) AddPKCS12(data []byte, password string) error {
	key, cert, err := pkcs12.Decode(data, password)
	if err != nil {
		return fmt.Errorf("decoding PKCS#12 bundle: %w", err)
	}
	return s.Add(&tls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  key,
		Leaf:        cert,
	})
}

// Len returns the number of stored key pairs.
func (s *SoftwareStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pairs)
}

// ClientCertificates returns every stored pair the requesting server would
// accept.
func (s *SoftwareStore) ClientCertificates(ctx context.Context, info *tls.CertificateRequestInfo) ([]Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Certificate, 0, len(s.pairs))
	for _, kp := range s.pairs {
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

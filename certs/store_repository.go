package certs

import (
	"context"
	"crypto/tls"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/jmcleod/tokenvalidator/internal/util"
	"github.com/jmcleod/tokenvalidator/internal/uuid"
	"github.com/jmcleod/tokenvalidator/storage"
)

// DefaultNamespace is the namespace RepositoryStore uses when none is given.
const DefaultNamespace = "client-certificates"

// ErrKeySealed is returned when a stored private key is passphrase-protected
// and the store has no passphrase, or the passphrase does not open it.
var ErrKeySealed = errors.New("stored private key is sealed")

// RepositoryStore is a Store persisted in a storage.Repository, typically the
// bbolt backend. Records are parsed on every request so that imports made by
// another process are picked up without a restart.
type RepositoryStore struct {
	repo       storage.Repository
	namespace  string
	passphrase string
	kdf        util.Argon2idParams
	now        func() time.Time
}

// Compile-time interface check.
var _ Store = (*RepositoryStore)(nil)

// RepositoryOption configures a RepositoryStore.
type RepositoryOption func(*RepositoryStore)

// WithPassphrase seals private keys written by Import and opens sealed keys
// on read.
func WithPassphrase(passphrase string) RepositoryOption {
	return func(s *RepositoryStore) { s.passphrase = passphrase }
}

// WithKDFParams overrides the Argon2id parameters used for new seals.
func WithKDFParams(p util.Argon2idParams) RepositoryOption {
	return func(s *RepositoryStore) { s.kdf = p }
}

// NewRepositoryStore returns a store over repo. An empty namespace selects
// DefaultNamespace.
func NewRepositoryStore(repo storage.Repository, namespace string, opts ...RepositoryOption) *RepositoryStore {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	s := &RepositoryStore{
		repo:      repo,
		namespace: namespace,
		kdf:       util.DefaultArgon2idParams(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Import validates a PEM key pair and persists it. It returns the new
// record ID.
func (s *RepositoryStore) Import(label string, certPEM, keyPEM []byte) (string, error) {
	if _, err := ParseKeyPairPEM(certPEM, keyPEM); err != nil {
		return "", err
	}
	id := uuid.New()
	rec := &storage.Record{
		Label:     label,
		CertPEM:   certPEM,
		CreatedAt: s.now().UTC(),
	}
	if s.passphrase == "" {
		rec.KeyPEM = keyPEM
	} else {
		sealed, err := util.Seal(keyPEM, s.passphrase, s.aad(id), s.kdf)
		if err != nil {
			return "", fmt.Errorf("sealing private key: %w", err)
		}
		if rec.SealedKey, err = json.Marshal(sealed); err != nil {
			return "", fmt.Errorf("encoding sealed key: %w", err)
		}
	}
	if err := s.repo.Put(s.namespace, id, rec); err != nil {
		return "", fmt.Errorf("storing certificate: %w", err)
	}
	return id, nil
}

// Entry identifies a stored key pair.
type Entry struct {
	ID        string
	Label     string
	CreatedAt time.Time
	Sealed    bool
	Cert      Certificate
}

// Entries returns every stored key pair with its record metadata. Private
// keys are not opened; Cert.Handle carries the certificate chain only.
func (s *RepositoryStore) Entries() ([]Entry, error) {
	ids, err := s.repo.List(s.namespace)
	if err != nil {
		return nil, fmt.Errorf("listing certificates: %w", err)
	}
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		rec, err := s.repo.Get(s.namespace, id)
		if err != nil {
			return nil, fmt.Errorf("loading certificate %s: %w", id, err)
		}
		chain, err := parseChainPEM(rec.CertPEM)
		if err != nil {
			return nil, fmt.Errorf("certificate %s: %w", id, err)
		}
		c, err := FromTLS(chain)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{
			ID:        id,
			Label:     rec.Label,
			CreatedAt: rec.CreatedAt,
			Sealed:    len(rec.SealedKey) > 0,
			Cert:      c,
		})
	}
	return out, nil
}

// Remove deletes the record with the given ID.
func (s *RepositoryStore) Remove(id string) error {
	if err := s.repo.Delete(s.namespace, id); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNotFound, id, err)
	}
	return nil
}

// ClientCertificates loads and parses every stored record the requesting
// server would accept.
func (s *RepositoryStore) ClientCertificates(ctx context.Context, info *tls.CertificateRequestInfo) ([]Certificate, error) {
	ids, err := s.repo.List(s.namespace)
	if err != nil {
		return nil, fmt.Errorf("listing certificates: %w", err)
	}
	out := make([]Certificate, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := s.repo.Get(s.namespace, id)
		if err != nil {
			return nil, fmt.Errorf("loading certificate %s: %w", id, err)
		}
		kp, err := s.keyPair(id, rec)
		if err != nil {
			return nil, fmt.Errorf("certificate %s: %w", id, err)
		}
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

func (s *RepositoryStore) keyPair(id string, rec *storage.Record) (*tls.Certificate, error) {
	if len(rec.SealedKey) == 0 {
		return ParseKeyPairPEM(rec.CertPEM, rec.KeyPEM)
	}
	if s.passphrase == "" {
		return nil, ErrKeySealed
	}
	var sealed util.Sealed
	if err := json.Unmarshal(rec.SealedKey, &sealed); err != nil {
		return nil, fmt.Errorf("decoding sealed key: %w", err)
	}
	keyPEM, err := util.Open(&sealed, s.passphrase, s.aad(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeySealed, err)
	}
	defer util.WipeBytes(keyPEM)
	return ParseKeyPairPEM(rec.CertPEM, keyPEM)
}

// aad binds a sealed key to its record so it cannot be swapped into another.
func (s *RepositoryStore) aad(id string) []byte {
	return []byte(s.namespace + "/" + id)
}

// parseChainPEM decodes every CERTIFICATE block of certPEM.
func parseChainPEM(certPEM []byte) (*tls.Certificate, error) {
	var chain tls.Certificate
	for rest := certPEM; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			chain.Certificate = append(chain.Certificate, block.Bytes)
		}
	}
	if len(chain.Certificate) == 0 {
		return nil, fmt.Errorf("%w: no certificate block", ErrInvalidPEM)
	}
	return &chain, nil
}

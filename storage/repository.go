// Package storage provides the persistence abstraction for client
// certificate records.
package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrNamespaceNotFound is returned when a namespace has never been written.
	ErrNamespaceNotFound = errors.New("namespace not found")
)

// Record is a persisted client key pair in PEM form. When the key is
// passphrase-protected, KeyPEM is empty and SealedKey holds the encrypted
// key in an encoding owned by the writer.
type Record struct {
	Label     string    `json:"label,omitempty"`
	CertPEM   []byte    `json:"cert_pem"`
	KeyPEM    []byte    `json:"key_pem,omitempty"`
	SealedKey []byte    `json:"sealed_key,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{
		Label:     r.Label,
		CertPEM:   append([]byte(nil), r.CertPEM...),
		KeyPEM:    append([]byte(nil), r.KeyPEM...),
		SealedKey: append([]byte(nil), r.SealedKey...),
		CreatedAt: r.CreatedAt,
	}
}

// Repository defines the interface for certificate record storage. Records
// are grouped in namespaces so several stores can share one backend.
type Repository interface {
	Put(namespace string, recordID string, record *Record) error
	Get(namespace string, recordID string) (*Record, error)
	List(namespace string) ([]string, error)
	Delete(namespace string, recordID string) error
}

package util

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/text/unicode/norm"
)

const (
	// AESKeySize is the AES-256 key length used for sealing.
	AESKeySize = 32
	saltSize   = 16
)

// ErrOpenFailed is returned when sealed data cannot be authenticated, either
// because the passphrase is wrong or the data was tampered with.
var ErrOpenFailed = errors.New("sealed data failed authentication")

// Argon2idParams tunes passphrase key derivation.
type Argon2idParams struct {
	Time        uint32 `json:"time"`
	MemoryKiB   uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
}

// DefaultArgon2idParams returns the parameters used for new seals.
func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		Time:        3,
		MemoryKiB:   64 * 1024,
		Parallelism: 4,
	}
}

// NormalizePassphrase returns the NFKD form of s, so that a passphrase typed
// with composed or decomposed characters derives the same key.
func NormalizePassphrase(s string) string {
	return norm.NFKD.String(s)
}

// DeriveArgon2idKey stretches passphrase into an AES-256 key.
func DeriveArgon2idKey(passphrase string, salt []byte, params Argon2idParams) ([]byte, error) {
	if params.Time == 0 || params.MemoryKiB == 0 || params.Parallelism == 0 {
		return nil, fmt.Errorf("invalid argon2id params: %+v", params)
	}
	return argon2.IDKey([]byte(NormalizePassphrase(passphrase)), salt, params.Time, params.MemoryKiB, params.Parallelism, AESKeySize), nil
}

// Sealed is passphrase-encrypted data with everything needed to open it
// except the passphrase.
type Sealed struct {
	Params     Argon2idParams `json:"params"`
	Salt       []byte         `json:"salt"`
	Ciphertext []byte         `json:"ciphertext"` // nonce || AES-GCM output
}

// Seal encrypts plaintext under a key derived from passphrase. aad is
// authenticated but not stored; Open must be given the same value.
func Seal(plaintext []byte, passphrase string, aad []byte, params Argon2idParams) (*Sealed, error) {
	salt, err := RandomBytes(saltSize)
	if err != nil {
		return nil, err
	}
	key, err := DeriveArgon2idKey(passphrase, salt, params)
	if err != nil {
		return nil, err
	}
	defer WipeBytes(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce, err := RandomBytes(gcm.NonceSize())
	if err != nil {
		return nil, err
	}
	return &Sealed{
		Params:     params,
		Salt:       salt,
		Ciphertext: gcm.Seal(nonce, nonce, plaintext, aad),
	}, nil
}

// Open reverses Seal.
func Open(s *Sealed, passphrase string, aad []byte) ([]byte, error) {
	if s == nil {
		return nil, errors.New("nothing to open")
	}
	key, err := DeriveArgon2idKey(passphrase, s.Salt, s.Params)
	if err != nil {
		return nil, err
	}
	defer WipeBytes(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(s.Ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce size")
	}
	nonce, ct := s.Ciphertext[:gcm.NonceSize()], s.Ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

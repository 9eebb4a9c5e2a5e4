package util

import (
	"bytes"
	"errors"
	"testing"
)

func TestCopyBytes(t *testing.T) {
	src := []byte("shared-secret")
	dst := CopyBytes(src)
	if !bytes.Equal(src, dst) {
		t.Fatalf("expected %q, got %q", src, dst)
	}
	dst[0] = 'X'
	if src[0] == 'X' {
		t.Error("CopyBytes must not share the backing array")
	}
}

func TestWipeBytes(t *testing.T) {
	b := []byte("token")
	WipeBytes(b)
	for i, v := range b {
		if v != 0 {
			t.Errorf("byte %d not wiped: %v", i, v)
		}
	}
	WipeBytes(nil)
}

func TestRandomBytes(t *testing.T) {
	a, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes failed: %v", err)
	}
	b, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes failed: %v", err)
	}
	if len(a) != 32 || len(b) != 32 {
		t.Fatalf("unexpected lengths %d, %d", len(a), len(b))
	}
	if bytes.Equal(a, b) {
		t.Error("two random buffers should differ")
	}
}

func fastParams() Argon2idParams {
	return Argon2idParams{Time: 1, MemoryKiB: 1024, Parallelism: 1}
}

func TestSealOpen(t *testing.T) {
	aad := []byte("ns/id")
	s, err := Seal([]byte("private key"), "hunter2", aad, fastParams())
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if bytes.Contains(s.Ciphertext, []byte("private key")) {
		t.Fatal("ciphertext contains plaintext")
	}

	got, err := Open(s, "hunter2", aad)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if string(got) != "private key" {
		t.Errorf("expected %q, got %q", "private key", got)
	}

	if _, err := Open(s, "wrong", aad); !errors.Is(err, ErrOpenFailed) {
		t.Errorf("wrong passphrase: expected ErrOpenFailed, got %v", err)
	}
	if _, err := Open(s, "hunter2", []byte("ns/other")); !errors.Is(err, ErrOpenFailed) {
		t.Errorf("wrong aad: expected ErrOpenFailed, got %v", err)
	}
	if _, err := Open(&Sealed{Params: fastParams(), Ciphertext: []byte{1}}, "hunter2", aad); err == nil {
		t.Error("expected error for truncated ciphertext")
	}
}

func TestDeriveArgon2idKey_InvalidParams(t *testing.T) {
	if _, err := DeriveArgon2idKey("p", []byte("salt"), Argon2idParams{}); err == nil {
		t.Error("expected error for zero params")
	}
}

func TestSealOpen_NormalizedPassphrase(t *testing.T) {
	composed := "p\u00e4ss"    // ä as one code point
	decomposed := "pa\u0308ss" // a + combining diaeresis
	s, err := Seal([]byte("k"), composed, nil, fastParams())
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	got, err := Open(s, decomposed, nil)
	if err != nil {
		t.Fatalf("Open with decomposed passphrase failed: %v", err)
	}
	if string(got) != "k" {
		t.Errorf("expected %q, got %q", "k", got)
	}
}

package certs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// certExtensions are the file extensions LoadDir treats as certificate chains.
var certExtensions = []string{".crt", ".pem", ".cer"}

// LoadDir builds a SoftwareStore from a directory of PEM files. Every
// certificate file (*.crt, *.pem, *.cer) must have a private key next to it
// with the same base name and a .key extension; certificate files without a
// key are skipped. PKCS#12 bundles (*.p12, *.pfx) are loaded with password.
// Files are read in name order.
func LoadDir(dir, password string) (*SoftwareStore, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading certificate directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	store := NewSoftwareStore()
	for _, name := range names {
		ext := strings.ToLower(filepath.Ext(name))
		path := filepath.Join(dir, name)
		switch {
		case ext == ".p12" || ext == ".pfx":
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", name, err)
			}
			if err := store.AddPKCS12(data, password); err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
		case isCertExtension(ext):
			keyPath := strings.TrimSuffix(path, filepath.Ext(name)) + ".key"
			keyPEM, err := os.ReadFile(keyPath)
			if os.IsNotExist(err) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("reading key for %s: %w", name, err)
			}
			certPEM, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", name, err)
			}
			if err := store.AddPEM(certPEM, keyPEM); err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
		}
	}
	return store, nil
}

func isCertExtension(ext string) bool {
	for _, e := range certExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

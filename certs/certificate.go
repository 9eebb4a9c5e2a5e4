// Package certs selects the client certificate presented to a token
// validation service during a mutual-TLS handshake. Candidate certificates
// come from a [Store]; [Rank] picks the single best one for a required
// issuer at a given instant.
package certs

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrInvalidPEM is returned when PEM data cannot be decoded or parsed.
	ErrInvalidPEM = errors.New("invalid PEM data")

	// ErrNoLeaf is returned when a key pair carries no certificate.
	ErrNoLeaf = errors.New("key pair has no leaf certificate")

	// ErrNotFound is returned when the referenced certificate does not exist
	// in a store.
	ErrNotFound = errors.New("certificate not found")
)

// AnyIssuer is the issuer pattern that accepts certificates from every issuer.
const AnyIssuer = "*"

// Certificate is a ranking candidate. Only IssuerCommonName, NotBefore and
// NotAfter take part in ranking; Handle is the store-owned certificate chain
// and signing key handed to the TLS stack when the candidate wins.
type Certificate struct {
	IssuerCommonName string
	NotBefore        time.Time
	NotAfter         time.Time
	Handle           *tls.Certificate
}

// FromTLS builds a candidate from a key pair. The leaf is parsed from the
// first chain entry when tls.Certificate.Leaf is not populated.
func FromTLS(kp *tls.Certificate) (Certificate, error) {
	leaf, err := leafOf(kp)
	if err != nil {
		return Certificate{}, err
	}
	return Certificate{
		IssuerCommonName: leaf.Issuer.CommonName,
		NotBefore:        leaf.NotBefore,
		NotAfter:         leaf.NotAfter,
		Handle:           kp,
	}, nil
}

func leafOf(kp *tls.Certificate) (*x509.Certificate, error) {
	if kp == nil || len(kp.Certificate) == 0 {
		return nil, ErrNoLeaf
	}
	if kp.Leaf != nil {
		return kp.Leaf, nil
	}
	leaf, err := x509.ParseCertificate(kp.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	kp.Leaf = leaf
	return leaf, nil
}

// ParseKeyPairPEM parses a PEM certificate chain and its private key.
func ParseKeyPairPEM(certPEM, keyPEM []byte) (*tls.Certificate, error) {
	kp, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	if _, err := leafOf(&kp); err != nil {
		return nil, err
	}
	return &kp, nil
}

// Info is a printable summary of a candidate certificate.
type Info struct {
	Subject           string
	Issuer            string
	NotBefore         time.Time
	NotAfter          time.Time
	FingerprintSHA256 string
	KeyAlgorithm      string
}

// Describe returns a printable summary of the candidate's leaf certificate.
func Describe(c Certificate) (Info, error) {
	leaf, err := leafOf(c.Handle)
	if err != nil {
		return Info{}, err
	}
	fingerprint := sha256.Sum256(leaf.Raw)
	return Info{
		Subject:           subjectString(leaf.Subject),
		Issuer:            subjectString(leaf.Issuer),
		NotBefore:         leaf.NotBefore.UTC(),
		NotAfter:          leaf.NotAfter.UTC(),
		FingerprintSHA256: hex.EncodeToString(fingerprint[:]),
		KeyAlgorithm:      keyAlgorithmString(leaf),
	}, nil
}

// EncodeCertPEM encodes every certificate of the chain as PEM blocks.
func EncodeCertPEM(kp *tls.Certificate) []byte {
	var out []byte
	for _, der := range kp.Certificate {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	return out
}

// EncodeKeyPEM encodes the key pair's private key as PKCS8 PEM.
func EncodeKeyPEM(kp *tls.Certificate) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(kp.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("encoding private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// subjectString formats a pkix.Name as a readable DN string.
func subjectString(name pkix.Name) string {
	var parts []string
	if name.CommonName != "" {
		parts = append(parts, "CN="+name.CommonName)
	}
	for _, ou := range name.OrganizationalUnit {
		parts = append(parts, "OU="+ou)
	}
	for _, o := range name.Organization {
		parts = append(parts, "O="+o)
	}
	for _, c := range name.Country {
		parts = append(parts, "C="+c)
	}
	return strings.Join(parts, ", ")
}

// keyAlgorithmString returns a human-readable key algorithm description.
func keyAlgorithmString(cert *x509.Certificate) string {
	switch pub := cert.PublicKey.(type) {
	case *ecdsa.PublicKey:
		return fmt.Sprintf("ECDSA %s", pub.Curve.Params().Name)
	default:
		return cert.PublicKeyAlgorithm.String()
	}
}

package devpki

import (
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssue(t *testing.T) {
	ca, err := NewCA("Corp CA", time.Now().Add(-time.Hour), time.Now().AddDate(1, 0, 0))
	require.NoError(t, err)

	client, err := ca.Issue(IssueRequest{
		CommonName: "host-1",
		NotBefore:  time.Now().Add(-time.Minute),
		NotAfter:   time.Now().Add(time.Hour),
		Client:     true,
	})
	require.NoError(t, err)
	require.NotNil(t, client.Leaf)
	assert.Equal(t, "Corp CA", client.Leaf.Issuer.CommonName)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, client.Leaf.ExtKeyUsage)

	_, err = client.Leaf.Verify(x509.VerifyOptions{
		Roots:     ca.Pool(),
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	assert.NoError(t, err)

	other, err := ca.Issue(IssueRequest{CommonName: "host-2", NotBefore: time.Now(), NotAfter: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.NotEqual(t, client.Leaf.SerialNumber, other.Leaf.SerialNumber)
}

func TestIssueServer(t *testing.T) {
	ca, err := NewCA("Server CA", time.Now().Add(-time.Hour), time.Now().AddDate(2, 0, 0))
	require.NoError(t, err)

	srv, err := ca.IssueServer("validator.test", "10.0.0.1")
	require.NoError(t, err)
	for _, host := range []string{"localhost", "127.0.0.1", "validator.test", "10.0.0.1"} {
		assert.NoError(t, srv.Leaf.VerifyHostname(host), host)
	}

	block, _ := pem.Decode(ca.CertPEM())
	require.NotNil(t, block)
	assert.Equal(t, ca.Cert.Raw, block.Bytes)
}

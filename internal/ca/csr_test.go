package ca

import (
	"encoding/pem"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateRequest(t *testing.T) {
	req, err := CreateRequest(SubjectOptions{CommonName: "svc.ca.test"}, []string{"svc.ca.test", "10.1.2.3", "alt.ca.test"})
	require.NoError(t, err)

	parsed, err := ParseCertificateRequest(req.CSRPEM)
	require.NoError(t, err)
	assert.Equal(t, "svc.ca.test", parsed.Subject.CommonName)
	assert.Equal(t, []string{"svc.ca.test", "alt.ca.test"}, parsed.DNSNames)
	require.Len(t, parsed.IPAddresses, 1)
	assert.True(t, parsed.IPAddresses[0].Equal(net.ParseIP("10.1.2.3")))

	assert.True(t, publicKeysEqual(&req.PrivateKey.PublicKey, parsed.PublicKey))
	assert.Equal(t, 2048, req.PrivateKey.N.BitLen())

	key, err := ParsePrivateKey(req.PrivateKeyPEM)
	require.NoError(t, err)
	assert.True(t, publicKeysEqual(key.Public(), parsed.PublicKey))

	pub, err := ParsePublicKey(req.PublicKeyPEM)
	require.NoError(t, err)
	assert.True(t, publicKeysEqual(pub, parsed.PublicKey))
}

func TestClassifyAltNames(t *testing.T) {
	dns, ips, err := ClassifyAltNames([]string{"a.test", " a.test", "127.0.0.1", "", "b.test"}, "c.test")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.test", "b.test", "c.test"}, dns)
	require.Len(t, ips, 1)
	assert.Equal(t, "127.0.0.1", ips[0].String())

	// The common name is not repeated when already listed.
	dns, _, err = ClassifyAltNames([]string{"c.test"}, "c.test")
	require.NoError(t, err)
	assert.Equal(t, []string{"c.test"}, dns)

	_, _, err = ClassifyAltNames([]string{"999.1.1.1"}, "c.test")
	assert.ErrorIs(t, err, ErrInvalidAltName)
}

func TestParseCertificateRequest_Rejects(t *testing.T) {
	_, err := ParseCertificateRequest([]byte("not pem"))
	assert.ErrorIs(t, err, ErrInvalidCSR)

	req, err := CreateRequest(SubjectOptions{}, nil)
	require.NoError(t, err)

	// Flip a bit in the signature, which sits at the end of the DER.
	der := append([]byte(nil), req.Request.Raw...)
	der[len(der)-1] ^= 0x01
	_, err = ParseCertificateRequest(pem.EncodeToMemory(&pem.Block{Type: pemTypeRequest, Bytes: der}))
	assert.ErrorIs(t, err, ErrInvalidCSR)
}

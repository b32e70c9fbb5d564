package ca

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/localca/internal/storage"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func newTestAuthority(t *testing.T, store storage.Storage) *Authority {
	t.Helper()
	a, err := Initialize(context.Background(), Options{Domain: "ca.test", Store: store, Now: fixedClock})
	require.NoError(t, err)
	return a
}

func signRequest(t *testing.T, key any, template *x509.CertificateRequest) []byte {
	t.Helper()
	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
}

func verifyOptions(a *Authority, dnsName string) x509.VerifyOptions {
	roots := x509.NewCertPool()
	roots.AddCert(a.Certificate())
	return x509.VerifyOptions{Roots: roots, DNSName: dnsName, CurrentTime: testNow.Add(time.Hour)}
}

func TestInitialize_FreshRoot(t *testing.T) {
	store := storage.NewMemoryStorage()
	a := newTestAuthority(t, store)
	root := a.Certificate()

	assert.Equal(t, Fresh, a.Origin())
	assert.Equal(t, "ca.test", a.Domain())
	assert.True(t, root.IsCA)
	assert.True(t, root.BasicConstraintsValid)
	assert.Equal(t, int64(2), root.SerialNumber.Int64(), "root takes the first serial")
	assert.Equal(t, int64(2), a.Serial().Int64())
	assert.Equal(t, testNow, root.NotBefore.UTC())
	assert.Equal(t, testNow.AddDate(1, 0, 0), root.NotAfter.UTC())
	assert.Equal(t, x509.SHA256WithRSA, root.SignatureAlgorithm)
	assert.Equal(t, rootKeyUsage, root.KeyUsage)
	assert.ElementsMatch(t, rootExtKeyUsage, root.ExtKeyUsage)

	require.Len(t, root.URIs, 1)
	assert.Equal(t, "http://www.ca.test", root.URIs[0].String())
	require.Len(t, root.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", root.IPAddresses[0].String())

	wantSKI, err := computeSubjectKeyID(root.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, wantSKI, root.SubjectKeyId)

	var nsCertType []byte
	for _, ext := range root.Extensions {
		if ext.Id.Equal(oidExtensionNetscapeCertType) {
			nsCertType = ext.Value
		}
	}
	require.NotNil(t, nsCertType, "root should carry the netscape cert type extension")
	var bits asn1.BitString
	_, err = asn1.Unmarshal(nsCertType, &bits)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xF7}, bits.Bytes)

	// Subject is CN=domain then the configured defaults, in order.
	assert.Equal(t, BuildCASubject("ca.test", SubjectOptions{}), a.Subject())
	wantRaw, err := a.Subject().Marshal()
	require.NoError(t, err)
	assert.Equal(t, wantRaw, root.RawSubject)
	assert.Equal(t, root.RawSubject, root.RawIssuer, "root is self-signed")
	require.NoError(t, root.CheckSignatureFrom(root))

	// Persisted before Initialize returned.
	m, err := store.LoadMaterial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ca.test", m.Domain)
	assert.Equal(t, "2", m.Serial)
	assert.Equal(t, a.CertificatePEM(), m.CertificatePEM)
}

func TestInitialize_RequiresDomain(t *testing.T) {
	_, err := Initialize(context.Background(), Options{})
	assert.Error(t, err)
}

func TestIssue_EndToEnd(t *testing.T) {
	store := storage.NewMemoryStorage()
	a := newTestAuthority(t, store)

	req, err := CreateRequest(SubjectOptions{CommonName: "svc.ca.test"}, []string{"svc.ca.test"})
	require.NoError(t, err)

	issued, err := a.Issue(context.Background(), &req.PrivateKey.PublicKey, req.CSRPEM)
	require.NoError(t, err)
	leaf := issued.Certificate

	assert.Equal(t, int64(3), leaf.SerialNumber.Int64(), "first leaf follows the root")
	assert.Equal(t, req.Request.RawSubject, leaf.RawSubject, "subject is taken from the CSR unchanged")
	assert.Equal(t, a.Certificate().RawSubject, leaf.RawIssuer)
	assert.False(t, leaf.IsCA)
	assert.True(t, leaf.BasicConstraintsValid)
	assert.Equal(t, leafKeyUsage, leaf.KeyUsage)
	assert.Equal(t, []string{"svc.ca.test"}, leaf.DNSNames)
	assert.Equal(t, a.Certificate().SubjectKeyId, leaf.AuthorityKeyId)
	assert.Equal(t, testNow, leaf.NotBefore.UTC())
	assert.Equal(t, testNow.AddDate(1, 0, 0), leaf.NotAfter.UTC())
	assert.True(t, publicKeysEqual(leaf.PublicKey, &req.PrivateKey.PublicKey))

	chains, err := leaf.Verify(verifyOptions(a, "svc.ca.test"))
	require.NoError(t, err)
	require.NotEmpty(t, chains)

	assert.Equal(t, a.CertificatePEM(), issued.CACertificatePEM)
	assert.True(t, bytes.HasPrefix(issued.ChainPEM(), issued.CertificatePEM))

	m, err := store.LoadMaterial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "3", m.Serial)
}

func TestIssue_DropsRequestedCAConstraint(t *testing.T) {
	a := newTestAuthority(t, nil)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	bc, err := asn1.Marshal(struct {
		IsCA bool
	}{true})
	require.NoError(t, err)
	subject, err := BuildSubject(SubjectOptions{CommonName: "evil.ca.test"}).Marshal()
	require.NoError(t, err)

	csrPEM := signRequest(t, key, &x509.CertificateRequest{
		RawSubject: subject,
		DNSNames:   []string{"evil.ca.test"},
		ExtraExtensions: []pkix.Extension{
			{Id: oidExtensionBasicConstraints, Critical: true, Value: bc},
		},
	})

	issued, err := a.Issue(context.Background(), &key.PublicKey, csrPEM)
	require.NoError(t, err)
	assert.False(t, issued.Certificate.IsCA)
	assert.True(t, issued.Certificate.BasicConstraintsValid)
	assert.Equal(t, []string{"evil.ca.test"}, issued.Certificate.DNSNames)
}

func TestIssue_KeyTypes(t *testing.T) {
	a := newTestAuthority(t, nil)

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	smallRSA, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	tests := []struct {
		name    string
		key     any
		pub     any
		wantErr error
	}{
		{"ecdsa p256", ecKey, &ecKey.PublicKey, nil},
		{"ed25519", edKey, edKey.Public(), nil},
		{"rsa 1024", smallRSA, &smallRSA.PublicKey, ErrKeyPolicy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			csrPEM := signRequest(t, tt.key, &x509.CertificateRequest{DNSNames: []string{"k.ca.test"}})
			before := a.Serial().Int64()
			issued, err := a.Issue(context.Background(), tt.pub, csrPEM)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, before, a.Serial().Int64(), "rejected request must not consume a serial")
				return
			}
			require.NoError(t, err)
			_, err = issued.Certificate.Verify(verifyOptions(a, "k.ca.test"))
			assert.NoError(t, err)
		})
	}
}

func TestIssue_Rejections(t *testing.T) {
	a := newTestAuthority(t, nil)
	req, err := CreateRequest(SubjectOptions{CommonName: "svc.ca.test"}, nil)
	require.NoError(t, err)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	_, err = a.Issue(context.Background(), &other.PublicKey, req.CSRPEM)
	assert.ErrorIs(t, err, ErrKeyMismatch)

	_, err = a.Issue(context.Background(), nil, []byte("garbage"))
	assert.ErrorIs(t, err, ErrInvalidCSR)

	assert.Equal(t, int64(2), a.Serial().Int64())
}

type failingSerialStore struct {
	*storage.MemoryStorage
}

func (failingSerialStore) SaveSerial(context.Context, *big.Int) error {
	return errors.New("serial store unavailable")
}

func TestIssue_PersistFailureReturnsNoCertificate(t *testing.T) {
	mem := storage.NewMemoryStorage()
	newTestAuthority(t, mem)
	m, err := mem.LoadMaterial(context.Background())
	require.NoError(t, err)

	a, err := Initialize(context.Background(), Options{Reload: m, Store: failingSerialStore{mem}, Now: fixedClock})
	require.NoError(t, err)

	req, err := CreateRequest(SubjectOptions{CommonName: "svc.ca.test"}, nil)
	require.NoError(t, err)
	issued, err := a.Issue(context.Background(), nil, req.CSRPEM)
	assert.Nil(t, issued)
	assert.ErrorIs(t, err, ErrIssuanceFailed)
	assert.ErrorIs(t, err, ErrSerialPersist)
	assert.Equal(t, int64(2), a.Serial().Int64())
}

func TestIssue_ConcurrentSerialsAreDistinct(t *testing.T) {
	store := storage.NewMemoryStorage()
	a := newTestAuthority(t, store)
	req, err := CreateRequest(SubjectOptions{CommonName: "svc.ca.test"}, nil)
	require.NoError(t, err)

	const n = 16
	var wg sync.WaitGroup
	serials := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			issued, err := a.Issue(context.Background(), nil, req.CSRPEM)
			if assert.NoError(t, err) {
				serials <- issued.SerialNumber.Int64()
			}
		}()
	}
	wg.Wait()
	close(serials)

	seen := map[int64]bool{}
	for s := range serials {
		assert.False(t, seen[s], "serial %d issued twice", s)
		assert.Greater(t, s, int64(2))
		seen[s] = true
	}
	assert.Len(t, seen, n)

	m, err := store.LoadMaterial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(n+2).String(), m.Serial)
}

func TestReload(t *testing.T) {
	store := storage.NewMemoryStorage()
	fresh := newTestAuthority(t, store)
	require.NoError(t, store.SaveSerial(context.Background(), big.NewInt(42)))

	m, err := store.LoadMaterial(context.Background())
	require.NoError(t, err)
	a, err := Initialize(context.Background(), Options{Reload: m, Store: store, Now: fixedClock})
	require.NoError(t, err)

	assert.Equal(t, Reloaded, a.Origin())
	assert.Equal(t, "ca.test", a.Domain())
	assert.Equal(t, int64(42), a.Serial().Int64())
	assert.Equal(t, fresh.Subject(), a.Subject())
	assert.Equal(t, fresh.CertificatePEM(), a.CertificatePEM())

	req, err := CreateRequest(SubjectOptions{CommonName: "svc.ca.test"}, nil)
	require.NoError(t, err)
	issued, err := a.Issue(context.Background(), nil, req.CSRPEM)
	require.NoError(t, err)
	assert.Equal(t, int64(43), issued.SerialNumber.Int64())

	// Certificates from the reloaded CA chain to the original root.
	_, err = issued.Certificate.Verify(verifyOptions(fresh, "svc.ca.test"))
	assert.NoError(t, err)

	m, err = store.LoadMaterial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "43", m.Serial)
}

func TestReload_InconsistentMaterial(t *testing.T) {
	storeA := storage.NewMemoryStorage()
	newTestAuthority(t, storeA)
	storeB := storage.NewMemoryStorage()
	newTestAuthority(t, storeB)

	ma, err := storeA.LoadMaterial(context.Background())
	require.NoError(t, err)
	mb, err := storeB.LoadMaterial(context.Background())
	require.NoError(t, err)

	swapped := *ma
	swapped.CertificatePEM = mb.CertificatePEM
	_, err = Initialize(context.Background(), Options{Reload: &swapped})
	assert.ErrorIs(t, err, ErrInvalidMaterial)

	_, err = Initialize(context.Background(), Options{Domain: "other.test", Reload: ma})
	assert.ErrorIs(t, err, ErrInvalidMaterial)

	broken := *ma
	broken.Serial = "twelve"
	_, err = Initialize(context.Background(), Options{Reload: &broken})
	assert.ErrorIs(t, err, ErrInvalidMaterial)
}

func TestIssueServiceCertificate(t *testing.T) {
	a, err := Initialize(context.Background(), Options{Domain: "ca.test"})
	require.NoError(t, err)

	pair, err := IssueServiceCertificate(context.Background(), a, []string{"localhost", "127.0.0.1"})
	require.NoError(t, err)
	require.Len(t, pair.Certificate, 2, "leaf and CA")

	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, "localhost", leaf.Subject.CommonName)
	assert.Equal(t, []string{"localhost"}, leaf.DNSNames)
	require.Len(t, leaf.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", leaf.IPAddresses[0].String())

	roots := x509.NewCertPool()
	roots.AddCert(a.Certificate())
	_, err = leaf.Verify(x509.VerifyOptions{Roots: roots, DNSName: "127.0.0.1"})
	assert.NoError(t, err)

	_, err = IssueServiceCertificate(context.Background(), a, nil)
	assert.Error(t, err)
}

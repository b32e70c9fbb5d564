package server_test

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/localca/internal/api"
	"github.com/blockadesystems/localca/internal/auth"
	"github.com/blockadesystems/localca/internal/bundle"
	"github.com/blockadesystems/localca/internal/ca"
	"github.com/blockadesystems/localca/internal/model"
	"github.com/blockadesystems/localca/internal/testutils"
)

const peer = "127.0.0.1:51000"

func do(e *echo.Echo, method, target string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	req.RemoteAddr = peer
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) model.ProblemDetails {
	t.Helper()
	assert.Equal(t, "application/problem+json", rec.Header().Get(echo.HeaderContentType))
	var pd model.ProblemDetails
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pd))
	assert.Equal(t, rec.Code, pd.Status)
	return pd
}

func TestHTTP_CACertificate(t *testing.T) {
	ts := testutils.SetupTestServer(t)

	for _, path := range []string{"/", "/ca.pem"} {
		rec := do(ts.HTTP, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, string(ts.Authority.CertificatePEM()), rec.Body.String())
		assert.Equal(t, "https://example.com:10443", rec.Header().Get(echo.HeaderLocation))
	}

	rec := do(ts.HTTP, http.MethodGet, "/ca.crt", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pkix-cert", rec.Header().Get(echo.HeaderContentType))
	assert.Equal(t, ts.Authority.Certificate().Raw, rec.Body.Bytes())

	// Issuance is not served over plain HTTP.
	rec = do(ts.HTTP, http.MethodGet, "/certificates?domain=svc.ca.test", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPS_GetCertificateV1(t *testing.T) {
	ts := testutils.SetupTestServer(t)
	ts.Resolver.Set("svc.ca.test", "127.0.0.1")

	rec := do(ts.HTTPS, http.MethodGet, "/certificates?domain=svc.ca.test", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp model.CertificateResponseV1
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(ts.Authority.CertificatePEM()), resp.CA)

	leaf, err := ca.ParseCertificate([]byte(resp.Certificate))
	require.NoError(t, err)
	assert.Equal(t, "svc.ca.test", leaf.Subject.CommonName)
	require.NoError(t, leaf.CheckSignatureFrom(ts.Authority.Certificate()))

	key, err := ca.ParsePrivateKey([]byte(resp.PrivateKey))
	require.NoError(t, err)
	assert.NotEqual(t, ts.Authority.Certificate().PublicKey, key.Public(), "the CA key must never be returned")
}

func TestHTTPS_PostCertificateV2(t *testing.T) {
	ts := testutils.SetupTestServer(t)
	ts.Resolver.Set("svc.ca.test", "127.0.0.1")

	form := url.Values{"domain": {"svc.ca.test"}, "version": {"2"}}
	req := httptest.NewRequest(http.MethodPost, "/certificates", strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	req.RemoteAddr = peer
	rec := httptest.NewRecorder()
	ts.HTTPS.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Contains(t, resp, "pkcs12")
	assert.Equal(t, "changeit", resp["pkcs12password"])
	assert.Equal(t, string(ts.Authority.CertificatePEM()), resp["ca"])
	assert.NotContains(t, resp, "privateKey")

	pfx, err := base64.StdEncoding.DecodeString(resp["pkcs12"])
	require.NoError(t, err)
	_, leaf, _, err := bundle.Decode(pfx, resp["pkcs12password"])
	require.NoError(t, err)
	assert.Equal(t, []string{"svc.ca.test"}, leaf.DNSNames)
}

func TestHTTPS_CertificateFailures(t *testing.T) {
	ts := testutils.SetupTestServer(t)
	ts.Resolver.Set("far.ca.test", "10.0.0.5")
	ts.Resolver.Fail("broken.ca.test", errors.New("SERVFAIL"))

	tests := []struct {
		name   string
		target string
		status int
		typ    string
	}{
		{"resolves elsewhere", "/certificates?domain=far.ca.test", http.StatusForbidden, model.ProblemUnauthorized},
		{"lookup failure", "/certificates?domain=broken.ca.test", http.StatusServiceUnavailable, model.ProblemDNS},
		{"not in DNS", "/certificates?domain=nowhere.ca.test", http.StatusServiceUnavailable, model.ProblemDNS},
		{"missing domain", "/certificates", http.StatusBadRequest, model.ProblemMalformed},
		{"bad version", "/certificates?domain=svc.ca.test&version=two", http.StatusBadRequest, model.ProblemMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := ts.Authority.Serial().Int64()
			rec := do(ts.HTTPS, http.MethodGet, tt.target, nil)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			pd := decodeProblem(t, rec)
			assert.Equal(t, tt.typ, pd.Type)
			assert.Equal(t, before, ts.Authority.Serial().Int64())
			if tt.status == http.StatusServiceUnavailable {
				assert.Equal(t, "5", rec.Header().Get("Retry-After"))
			}
		})
	}
}

func submitCSR(t *testing.T, ts *testutils.TestServer, signer *ca.CertificateRequest, csr *ca.CertificateRequest, domain string) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(model.CSRPayload{Domain: domain, CSR: string(csr.CSRPEM)})
	require.NoError(t, err)
	body, err := auth.SignEmbeddedJWS(signer.PrivateKey, payload, "https://ca.test:10443"+api.CSRPath)
	require.NoError(t, err)
	return do(ts.HTTPS, http.MethodPost, api.CSRPath, strings.NewReader(body))
}

func TestHTTPS_SubmitCSR(t *testing.T) {
	ts := testutils.SetupTestServer(t)
	ts.Resolver.Set("svc.ca.test", "127.0.0.1")

	req, err := ca.CreateRequest(ca.SubjectOptions{CommonName: "svc.ca.test"}, nil)
	require.NoError(t, err)

	rec := submitCSR(t, ts, req, req, "svc.ca.test")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp model.CSRResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, ca.FormatSerial(big.NewInt(3)), resp.Serial)
	leaf, err := ca.ParseCertificate([]byte(resp.Certificate))
	require.NoError(t, err)
	assert.True(t, req.PrivateKey.PublicKey.Equal(leaf.PublicKey))

	t.Run("signed by another key", func(t *testing.T) {
		other, err := ca.CreateRequest(ca.SubjectOptions{CommonName: "svc.ca.test"}, nil)
		require.NoError(t, err)
		rec := submitCSR(t, ts, other, req, "svc.ca.test")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		decodeProblem(t, rec)
	})

	t.Run("csr for another domain", func(t *testing.T) {
		ts.Resolver.Set("mine.ca.test", "127.0.0.1")
		rec := submitCSR(t, ts, req, req, "mine.ca.test")
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("not a JWS", func(t *testing.T) {
		rec := do(ts.HTTPS, http.MethodPost, api.CSRPath, strings.NewReader(string(req.CSRPEM)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		pd := decodeProblem(t, rec)
		assert.Equal(t, model.ProblemMalformed, pd.Type)
	})
}

func TestHTTPS_CAInfo(t *testing.T) {
	ts := testutils.SetupTestServer(t)

	rec := do(ts.HTTPS, http.MethodGet, "/api/v1/ca", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var info model.CAInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, testutils.TestDomain, info.Domain)
	assert.Equal(t, ca.FormatSerial(big.NewInt(2)), info.Serial)
	assert.Equal(t, ts.Authority.Origin().String(), info.Origin)
	assert.True(t, info.NotAfter.After(info.NotBefore))
}

func TestHTTPS_OverTLS(t *testing.T) {
	ts := testutils.SetupTestServer(t)
	ts.Resolver.Set("svc.ca.test", "127.0.0.1")

	cert, err := ca.IssueServiceCertificate(context.Background(), ts.Authority, []string{"localhost", "127.0.0.1"})
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(ts.HTTPS)
	srv.TLS = &tls.Config{Certificates: []tls.Certificate{*cert}}
	srv.StartTLS()
	t.Cleanup(srv.Close)

	pool := x509.NewCertPool()
	pool.AddCert(ts.Authority.Certificate())
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool}}}

	resp, err := client.Get(srv.URL + "/certificates?domain=svc.ca.test")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var v1 model.CertificateResponseV1
	require.NoError(t, json.Unmarshal(body, &v1))
	assert.NotEmpty(t, v1.Certificate)
}

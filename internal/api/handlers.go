// Package api holds the certificate endpoints served on the HTTP and HTTPS listeners.
package api

import (
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/localca/internal/auth"
	"github.com/blockadesystems/localca/internal/bundle"
	"github.com/blockadesystems/localca/internal/ca"
	"github.com/blockadesystems/localca/internal/config"
	"github.com/blockadesystems/localca/internal/issuance"
	"github.com/blockadesystems/localca/internal/model"
)

// CSRPath is where caller-generated CSRs are posted. The JWS url header must point here.
const CSRPath = "/certificates/csr"

// maxJWSBody bounds the request body for CSR submissions.
const maxJWSBody = 64 << 10

// HandleCACertificate serves the CA certificate in PEM form on the plain HTTP listener and
// points clients at the HTTPS listener.
func HandleCACertificate(c echo.Context) error {
	authority := c.Get("caService").(ca.CertificateAuthority)
	cfg := c.Get("cfg").(*config.Config)

	if loc := httpsLocation(c.Request().Host, cfg.HTTPSAddress); loc != "" {
		c.Response().Header().Set(echo.HeaderLocation, loc)
	}
	return c.Blob(http.StatusOK, echo.MIMETextPlainCharsetUTF8, authority.CertificatePEM())
}

// HandleRoot describes how to ask for a certificate.
func HandleRoot(c echo.Context) error {
	return c.String(http.StatusOK, "GET /certificates?domain=<name>&version=2 for a certificate; POST a JWS-signed CSR to "+CSRPath+"\n")
}

// HandleGetCertificate issues a certificate with a server-generated key for ?domain=.
func HandleGetCertificate(c echo.Context) error {
	var req model.CertificateRequest
	if err := (&echo.DefaultBinder{}).BindQueryParams(c, &req); err != nil {
		return problem(c, fmt.Errorf("%w: %w", issuance.ErrInvalidRequest, err))
	}
	return issueForDomain(c, req)
}

// HandlePostCertificate is HandleGetCertificate with the parameters in a form or JSON body.
func HandlePostCertificate(c echo.Context) error {
	var req model.CertificateRequest
	if err := c.Bind(&req); err != nil {
		return problem(c, fmt.Errorf("%w: %w", issuance.ErrInvalidRequest, err))
	}
	return issueForDomain(c, req)
}

func issueForDomain(c echo.Context, req model.CertificateRequest) error {
	svc := c.Get("issuer").(*issuance.Service)
	cfg := c.Get("cfg").(*config.Config)
	reqLogger := c.Get("logger").(*zap.Logger).With(zap.String("handler", "issueForDomain"), zap.String("domain", req.Domain))

	v2 := req.Version == 2
	result, err := svc.Issue(c.Request().Context(), issuance.Request{
		Domain:          req.Domain,
		ObservedAddress: c.RealIP(),
		PKCS12:          v2,
		Password:        req.Password,
	})
	if err != nil {
		reqLogger.Warn("Certificate request failed", zap.Error(err))
		return problem(c, err)
	}

	if v2 {
		return c.JSON(http.StatusOK, model.CertificateResponseV2{
			PKCS12:         bundle.EncodeBase64(result.PKCS12),
			Password:       result.PKCS12Password,
			CA:             string(result.Certificate.CACertificatePEM),
			CertificateKey: cfg.ResponseKeys.Certificate,
			PasswordKey:    cfg.ResponseKeys.Password,
			CAKey:          cfg.ResponseKeys.CA,
		})
	}
	return c.JSON(http.StatusOK, model.CertificateResponseV1{
		PrivateKey:  string(result.PrivateKeyPEM),
		Certificate: string(result.Certificate.CertificatePEM),
		CA:          string(result.Certificate.CACertificatePEM),
	})
}

// HandleSubmitCSR signs a caller-generated CSR. The body is a JWS signed with the CSR's key.
func HandleSubmitCSR(c echo.Context) error {
	svc := c.Get("issuer").(*issuance.Service)
	reqLogger := c.Get("logger").(*zap.Logger).With(zap.String("handler", "HandleSubmitCSR"))

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxJWSBody))
	if err != nil {
		return problem(c, fmt.Errorf("%w: %w", issuance.ErrInvalidRequest, err))
	}
	verified, err := auth.VerifyEmbeddedJWS(body, CSRPath)
	if err != nil {
		reqLogger.Warn("Rejected JWS", zap.Error(err))
		return problem(c, err)
	}

	var payload model.CSRPayload
	if err := json.Unmarshal(verified.Payload, &payload); err != nil {
		return problem(c, fmt.Errorf("%w: payload: %w", issuance.ErrInvalidRequest, err))
	}
	csrPEM, err := csrToPEM(payload.CSR)
	if err != nil {
		return problem(c, err)
	}

	result, err := svc.Issue(c.Request().Context(), issuance.Request{
		Domain:          payload.Domain,
		ObservedAddress: c.RealIP(),
		CSRPEM:          csrPEM,
		RequesterKey:    verified.Key,
	})
	if err != nil {
		reqLogger.Warn("CSR submission failed", zap.String("domain", payload.Domain), zap.Error(err))
		return problem(c, err)
	}
	return c.JSON(http.StatusOK, model.CSRResponse{
		Certificate: string(result.Certificate.CertificatePEM),
		CA:          string(result.Certificate.CACertificatePEM),
		Serial:      ca.FormatSerial(result.Certificate.SerialNumber),
	})
}

// csrToPEM accepts a PEM CSR or base64url DER and returns PEM.
func csrToPEM(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: csr is required", issuance.ErrInvalidRequest)
	}
	if strings.HasPrefix(s, "-----BEGIN") {
		return []byte(s), nil
	}
	der, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: csr is neither PEM nor base64url DER", issuance.ErrInvalidRequest)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}), nil
}

// problem writes an RFC 7807 body with the status matching err.
func problem(c echo.Context, err error) error {
	pd := model.ProblemDetails{Detail: err.Error(), Instance: c.Response().Header().Get(echo.HeaderXRequestID)}
	switch {
	case errors.Is(err, issuance.ErrNotAuthorized):
		pd.Status, pd.Type, pd.Title = http.StatusForbidden, model.ProblemUnauthorized, "Not authorized for domain"
	case errors.Is(err, issuance.ErrValidationUnavailable):
		pd.Status, pd.Type, pd.Title = http.StatusServiceUnavailable, model.ProblemDNS, "Domain validation could not be performed"
	case errors.Is(err, issuance.ErrInvalidRequest), errors.Is(err, auth.ErrInvalidJWS):
		pd.Status, pd.Type, pd.Title = http.StatusBadRequest, model.ProblemMalformed, "Malformed request"
	default:
		pd.Status, pd.Type, pd.Title = http.StatusInternalServerError, model.ProblemServerInternal, "Issuance failed"
		pd.Detail = "the CA could not issue the certificate"
	}
	if pd.Status == http.StatusServiceUnavailable {
		c.Response().Header().Set("Retry-After", "5")
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	c.Response().WriteHeader(pd.Status)
	return json.NewEncoder(c.Response()).Encode(pd)
}

// httpsLocation builds https://<request host>:<https port>.
func httpsLocation(requestHost, httpsAddress string) string {
	_, port, err := net.SplitHostPort(httpsAddress)
	if err != nil || port == "" {
		return ""
	}
	host := requestHost
	if h, _, err := net.SplitHostPort(requestHost); err == nil {
		host = h
	}
	if host == "" {
		host = "localhost"
	}
	return "https://" + net.JoinHostPort(host, port)
}

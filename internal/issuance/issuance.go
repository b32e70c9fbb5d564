// Package issuance ties domain validation, request generation, signing and bundling together.
package issuance

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blockadesystems/localca/internal/bundle"
	"github.com/blockadesystems/localca/internal/ca"
	"github.com/blockadesystems/localca/internal/validation"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("issuance: failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "issuance"))
}

var (
	// ErrInvalidRequest is a caller fault: bad name, bad CSR, inconsistent options.
	ErrInvalidRequest = errors.New("issuance: invalid request")
	// ErrNotAuthorized means the claimed name does not resolve to the caller's address.
	ErrNotAuthorized = errors.New("issuance: not authorized for domain")
	// ErrValidationUnavailable means the name could not be resolved. Retryable.
	ErrValidationUnavailable = errors.New("issuance: domain validation could not be performed")
)

// DomainValidator is satisfied by *validation.Validator.
type DomainValidator interface {
	Validate(ctx context.Context, claimedName, observedAddress string) (*validation.Result, error)
}

// Request is one issuance. Without CSRPEM the service generates the key pair.
type Request struct {
	Domain          string
	ObservedAddress string
	CSRPEM          []byte
	RequesterKey    crypto.PublicKey
	PKCS12          bool
	Password        string
}

// Result is what the caller gets back.
type Result struct {
	Certificate    *ca.IssuedCertificate
	PrivateKeyPEM  []byte // only for generated keys
	PKCS12         []byte
	PKCS12Password string
	Validation     *validation.Result
}

// Service runs the issuance pipeline.
type Service struct {
	authority       ca.CertificateAuthority
	validator       DomainValidator
	exporter        *bundle.Exporter
	defaultPassword string
}

// NewService wires the pipeline. An empty defaultPassword uses bundle.DefaultPassword.
func NewService(authority ca.CertificateAuthority, validator DomainValidator, exporter *bundle.Exporter, defaultPassword string) *Service {
	if exporter == nil {
		exporter = bundle.NewExporter(bundle.AES256)
	}
	if defaultPassword == "" {
		defaultPassword = bundle.DefaultPassword
	}
	return &Service{
		authority:       authority,
		validator:       validator,
		exporter:        exporter,
		defaultPassword: defaultPassword,
	}
}

// Authority returns the CA behind the service.
func (s *Service) Authority() ca.CertificateAuthority { return s.authority }

// Issue validates the claimed domain and, if accepted, returns a certificate for it.
func (s *Service) Issue(ctx context.Context, req Request) (*Result, error) {
	domain := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(req.Domain)), ".")
	if domain == "" {
		return nil, fmt.Errorf("%w: domain is required", ErrInvalidRequest)
	}
	if req.PKCS12 && len(req.CSRPEM) > 0 {
		return nil, fmt.Errorf("%w: a PKCS#12 bundle needs a server-generated key", ErrInvalidRequest)
	}
	l := logger.With(zap.String("domain", domain), zap.String("observed", req.ObservedAddress))

	vr, err := s.validator.Validate(ctx, domain, req.ObservedAddress)
	switch {
	case errors.Is(err, validation.ErrLookupFailed):
		return nil, fmt.Errorf("%w: %w", ErrValidationUnavailable, err)
	case err != nil:
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	case !vr.Accepted():
		l.Warn("Domain validation rejected", zap.Strings("resolved", vr.ResolvedAddresses))
		return nil, fmt.Errorf("%w: %s does not resolve to %s", ErrNotAuthorized, domain, vr.ObservedAddress)
	}

	result := &Result{Validation: vr}
	var csrPEM []byte
	requesterKey := req.RequesterKey
	var generated *ca.CertificateRequest

	if len(req.CSRPEM) > 0 {
		csr, err := ca.ParseCertificateRequest(req.CSRPEM)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		if err := namesCovered(csr, domain, vr.ObservedAddress); err != nil {
			l.Warn("CSR names not covered by validation", zap.Error(err))
			return nil, err
		}
		csrPEM = req.CSRPEM
	} else {
		generated, err = ca.CreateRequest(ca.SubjectOptions{CommonName: domain}, []string{domain})
		if err != nil {
			return nil, fmt.Errorf("issuance: failed to create request: %w", err)
		}
		csrPEM = generated.CSRPEM
		requesterKey = &generated.PrivateKey.PublicKey
		result.PrivateKeyPEM = generated.PrivateKeyPEM
	}

	issued, err := s.authority.Issue(ctx, requesterKey, csrPEM)
	if err != nil {
		if errors.Is(err, ca.ErrInvalidCSR) || errors.Is(err, ca.ErrKeyMismatch) || errors.Is(err, ca.ErrKeyPolicy) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		return nil, err
	}
	result.Certificate = issued

	if req.PKCS12 {
		password := req.Password
		if password == "" {
			password = s.defaultPassword
		}
		pfx, err := s.exporter.Export(generated.PrivateKey, issued.Certificate, []*x509.Certificate{issued.CACertificate}, password)
		if err != nil {
			return nil, fmt.Errorf("issuance: %w", err)
		}
		result.PKCS12 = pfx
		result.PKCS12Password = password
	}

	l.Info("Certificate issued", zap.String("serial", ca.FormatSerial(issued.SerialNumber)), zap.Bool("pkcs12", req.PKCS12))
	return result, nil
}

// namesCovered requires every name in a caller-supplied CSR to be the validated domain or
// the validated address.
func namesCovered(csr *x509.CertificateRequest, domain, observed string) error {
	if len(csr.DNSNames) == 0 && len(csr.IPAddresses) == 0 {
		return fmt.Errorf("%w: CSR has no subject alternative names", ErrInvalidRequest)
	}
	if len(csr.EmailAddresses) > 0 || len(csr.URIs) > 0 {
		return fmt.Errorf("%w: CSR may only name DNS and IP identifiers", ErrInvalidRequest)
	}
	if cn := csr.Subject.CommonName; cn != "" && !strings.EqualFold(cn, domain) && cn != observed {
		return fmt.Errorf("%w: CSR common name %q, validated %q", ErrNotAuthorized, cn, domain)
	}
	for _, n := range csr.DNSNames {
		if !strings.EqualFold(strings.TrimSuffix(n, "."), domain) {
			return fmt.Errorf("%w: CSR names %q, validated %q", ErrNotAuthorized, n, domain)
		}
	}
	for _, ip := range csr.IPAddresses {
		if got, err := validation.NormalizeAddress(ip.String()); err != nil || got != observed {
			return fmt.Errorf("%w: CSR names address %s, validated %s", ErrNotAuthorized, ip, observed)
		}
	}
	return nil
}

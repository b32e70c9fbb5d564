package ca

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blockadesystems/localca/internal/storage"
)

const (
	caKeySize = 2048 // RSA key size for a fresh CA
)

var logger *zap.Logger

// Initialize package logger
func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("ca: failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "ca"))
}

var (
	// ErrInvalidCSR covers unparsable PEM, malformed requests and bad self-signatures.
	ErrInvalidCSR = errors.New("ca: invalid certificate signing request")
	// ErrKeyMismatch means the requester's key is not the key in the CSR.
	ErrKeyMismatch = errors.New("ca: requester public key does not match CSR")
	// ErrIssuanceFailed is a CA-internal fault while signing or recording the serial.
	ErrIssuanceFailed = errors.New("ca: issuance failed")
	// ErrInvalidMaterial means reloaded material is inconsistent or unparsable.
	ErrInvalidMaterial = errors.New("ca: invalid CA material")
)

// Origin says how the CA state came to be.
type Origin int

const (
	Fresh Origin = iota
	Reloaded
)

func (o Origin) String() string {
	switch o {
	case Fresh:
		return "fresh"
	case Reloaded:
		return "reloaded"
	default:
		return "unknown"
	}
}

// CertificateAuthority is what callers get. The signing key stays inside.
type CertificateAuthority interface {
	Issue(ctx context.Context, requesterKey crypto.PublicKey, csrPEM []byte) (*IssuedCertificate, error)
	Serial() *big.Int
	Certificate() *x509.Certificate
	CertificatePEM() []byte
	Subject() Subject
	Domain() string
	Origin() Origin
}

// Ensure Authority implements CertificateAuthority (compile-time check).
var _ CertificateAuthority = (*Authority)(nil)

// Options selects between a fresh CA and one reloaded from stored material.
type Options struct {
	// Domain the CA is bound to. Required for a fresh CA; must match Reload.Domain if both are set.
	Domain string
	// Subject overrides for a fresh CA's subject. The common name defaults to Domain.
	Subject SubjectOptions
	// Reload, when set, reconstructs the CA from stored material instead of minting a root.
	Reload *storage.Material
	// Store records every serial. A fresh CA also saves its material here before Initialize returns.
	Store storage.Storage
	// KeyPolicy applies to requester keys. Defaults to DefaultKeyPolicy.
	KeyPolicy *KeyPolicy
	// Now is the clock used for validity windows. Defaults to time.Now.
	Now func() time.Time
}

// Authority is the CA state: key, root certificate, subject and serial counter.
type Authority struct {
	domain       string
	subject      Subject
	key          crypto.Signer
	cert         *x509.Certificate
	certPEM      []byte
	publicKeyPEM []byte
	origin       Origin
	serials      *SerialAllocator
	policy       KeyPolicy
	now          func() time.Time
}

// IssuedCertificate is a signed leaf plus the CA certificate for chain building.
type IssuedCertificate struct {
	Certificate      *x509.Certificate
	CertificatePEM   []byte
	CACertificate    *x509.Certificate
	CACertificatePEM []byte
	SerialNumber     *big.Int
}

// ChainPEM is the leaf followed by the CA certificate.
func (ic *IssuedCertificate) ChainPEM() []byte {
	return append(append([]byte{}, ic.CertificatePEM...), ic.CACertificatePEM...)
}

// Initialize creates a fresh CA or reloads one, depending on opts.Reload.
func Initialize(ctx context.Context, opts Options) (*Authority, error) {
	a := &Authority{
		policy: DefaultKeyPolicy(),
		now:    time.Now,
	}
	if opts.KeyPolicy != nil {
		a.policy = *opts.KeyPolicy
	}
	if opts.Now != nil {
		a.now = opts.Now
	}

	if opts.Reload != nil {
		if err := a.reload(opts); err != nil {
			logger.Error("CA reload failed", zap.Error(err))
			return nil, err
		}
		logger.Info("CA reloaded",
			zap.String("domain", a.domain),
			zap.String("subject", a.subject.String()),
			zap.String("serial", FormatSerial(a.serials.Current())),
		)
		return a, nil
	}

	if err := a.generate(ctx, opts); err != nil {
		logger.Error("CA initialization failed", zap.Error(err))
		return nil, err
	}
	logger.Info("Fresh CA created",
		zap.String("domain", a.domain),
		zap.String("subject", a.subject.String()),
		zap.String("root_serial", FormatSerial(a.cert.SerialNumber)),
		zap.Time("not_after", a.cert.NotAfter),
	)
	return a, nil
}

func (a *Authority) generate(ctx context.Context, opts Options) error {
	domain := strings.TrimSpace(opts.Domain)
	if domain == "" {
		return errors.New("ca: a domain is required to create a CA")
	}
	a.domain = domain
	a.origin = Fresh
	a.subject = BuildCASubject(domain, opts.Subject)

	key, err := rsa.GenerateKey(rand.Reader, caKeySize)
	if err != nil {
		return fmt.Errorf("ca: failed to generate CA private key: %w", err)
	}
	a.key = key

	rawSubject, err := a.subject.Marshal()
	if err != nil {
		return err
	}
	ski, err := computeSubjectKeyID(key.Public())
	if err != nil {
		return fmt.Errorf("ca: failed to compute subject key identifier: %w", err)
	}
	nsCertType, err := netscapeCertTypeExtension()
	if err != nil {
		return err
	}
	caURI, err := url.Parse("http://www." + domain)
	if err != nil {
		return fmt.Errorf("ca: invalid domain %q: %w", domain, err)
	}

	notBefore := a.now()
	template := &x509.Certificate{
		RawSubject:            rawSubject,
		NotBefore:             notBefore,
		NotAfter:              notBefore.AddDate(1, 0, 0),
		KeyUsage:              rootKeyUsage,
		ExtKeyUsage:           rootExtKeyUsage,
		BasicConstraintsValid: true,
		IsCA:                  true,
		URIs:                  []*url.URL{caURI},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1).To4()},
		SubjectKeyId:          ski,
		ExtraExtensions:       []pkix.Extension{nsCertType},
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}

	// Counter starts at 1: the root is serial 2, the first leaf 3.
	a.serials = NewSerialAllocator(big.NewInt(1), nil)
	var der []byte
	if _, err := a.serials.Allocate(ctx, func(serial *big.Int) error {
		template.SerialNumber = serial
		var signErr error
		der, signErr = x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
		return signErr
	}); err != nil {
		return fmt.Errorf("ca: failed to create self-signed CA certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("ca: failed to parse generated CA certificate: %w", err)
	}
	a.cert = cert
	a.certPEM = EncodeCertificate(cert)
	if a.publicKeyPEM, err = EncodePublicKey(key.Public()); err != nil {
		return err
	}

	if opts.Store != nil {
		if err := a.persist(ctx, opts.Store); err != nil {
			return err
		}
		a.serials.setRecorder(opts.Store)
	}
	return nil
}

// persist saves the full material, serial included.
func (a *Authority) persist(ctx context.Context, store storage.Storage) error {
	keyPEM, err := EncodePrivateKey(a.key)
	if err != nil {
		return err
	}
	m := &storage.Material{
		Domain:         a.domain,
		PrivateKeyPEM:  keyPEM,
		PublicKeyPEM:   a.publicKeyPEM,
		CertificatePEM: a.certPEM,
		Serial:         a.serials.Current().String(),
	}
	if err := store.SaveMaterial(ctx, m); err != nil {
		return fmt.Errorf("ca: failed to save CA material: %w", err)
	}
	return nil
}

func (a *Authority) reload(opts Options) error {
	m := opts.Reload
	if err := m.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMaterial, err)
	}
	if d := strings.TrimSpace(opts.Domain); d != "" && !strings.EqualFold(d, m.Domain) {
		return fmt.Errorf("%w: stored CA is bound to %q, not %q", ErrInvalidMaterial, m.Domain, d)
	}

	key, err := ParsePrivateKey(m.PrivateKeyPEM)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMaterial, err)
	}
	pub, err := ParsePublicKey(m.PublicKeyPEM)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMaterial, err)
	}
	cert, err := ParseCertificate(m.CertificatePEM)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMaterial, err)
	}
	if !keyMatchesCertificate(key, cert) {
		return fmt.Errorf("%w: private key does not match CA certificate", ErrInvalidMaterial)
	}
	if !publicKeysEqual(pub, cert.PublicKey) {
		return fmt.Errorf("%w: public key does not match CA certificate", ErrInvalidMaterial)
	}
	if !cert.IsCA {
		return fmt.Errorf("%w: certificate is not a CA certificate", ErrInvalidMaterial)
	}
	serial, err := storage.ParseSerial(m.Serial)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMaterial, err)
	}

	a.domain = strings.TrimSpace(m.Domain)
	a.origin = Reloaded
	a.key = key
	a.cert = cert
	a.certPEM = EncodeCertificate(cert)
	a.publicKeyPEM = m.PublicKeyPEM
	a.subject = subjectFromName(cert.Subject)
	var recorder SerialRecorder
	if opts.Store != nil {
		recorder = opts.Store
	}
	a.serials = NewSerialAllocator(serial, recorder)

	if a.now().After(cert.NotAfter) {
		logger.Warn("Reloaded CA certificate has expired", zap.Time("not_after", cert.NotAfter))
	}
	return nil
}

// Issue turns a CSR into a leaf certificate signed by the CA. requesterKey, when non-nil,
// must be the key in the CSR. No serial is consumed unless a certificate is returned.
func (a *Authority) Issue(ctx context.Context, requesterKey crypto.PublicKey, csrPEM []byte) (*IssuedCertificate, error) {
	csr, err := ParseCertificateRequest(csrPEM)
	if err != nil {
		logger.Warn("Rejected certificate request", zap.Error(err))
		return nil, err
	}
	l := logger.With(zap.Strings("dns_names", csr.DNSNames), zap.String("subject", csr.Subject.String()))

	if requesterKey != nil && !publicKeysEqual(requesterKey, csr.PublicKey) {
		l.Warn("Requester key does not match CSR key")
		return nil, ErrKeyMismatch
	}
	if err := a.policy.Check(csr.PublicKey); err != nil {
		l.Warn("CSR public key rejected", zap.Error(err))
		return nil, err
	}

	extensions, err := requestedExtensions(csr)
	if err != nil {
		l.Warn("CSR extensions rejected", zap.Error(err))
		return nil, err
	}
	ski, err := computeSubjectKeyID(csr.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to compute subject key identifier: %w", ErrIssuanceFailed, err)
	}

	notBefore := a.now()
	notAfter := notBefore.AddDate(1, 0, 0)
	if notAfter.After(a.cert.NotAfter) {
		l.Warn("Certificate validity extends past the CA certificate", zap.Time("not_after", notAfter), zap.Time("ca_not_after", a.cert.NotAfter))
	}

	template := &x509.Certificate{
		RawSubject:            csr.RawSubject,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              leafKeyUsage,
		BasicConstraintsValid: true,
		IsCA:                  false,
		SubjectKeyId:          ski,
		AuthorityKeyId:        a.cert.SubjectKeyId,
		ExtraExtensions:       extensions,
		SignatureAlgorithm:    signatureAlgorithmFor(a.key),
	}

	var der []byte
	serial, err := a.serials.Allocate(ctx, func(serial *big.Int) error {
		template.SerialNumber = serial
		var signErr error
		der, signErr = x509.CreateCertificate(rand.Reader, template, a.cert, csr.PublicKey, a.key)
		return signErr
	})
	if err != nil {
		l.Error("Failed to issue certificate", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrIssuanceFailed, err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		// The serial is already recorded; it is burned, not reused.
		l.Error("Failed to parse newly created certificate", zap.Error(err), zap.String("serial", serial.String()))
		return nil, fmt.Errorf("%w: failed to parse created certificate: %w", ErrIssuanceFailed, err)
	}

	l.Info("Issued certificate", zap.String("serial", FormatSerial(serial)), zap.Time("not_after", cert.NotAfter))
	return &IssuedCertificate{
		Certificate:      cert,
		CertificatePEM:   EncodeCertificate(cert),
		CACertificate:    a.cert,
		CACertificatePEM: a.CertificatePEM(),
		SerialNumber:     serial,
	}, nil
}

// Serial returns the last serial handed out.
func (a *Authority) Serial() *big.Int { return a.serials.Current() }

// Certificate returns the CA root certificate.
func (a *Authority) Certificate() *x509.Certificate { return a.cert }

// CertificatePEM returns a copy of the CA root certificate in PEM form.
func (a *Authority) CertificatePEM() []byte { return bytes.Clone(a.certPEM) }

func (a *Authority) Subject() Subject { return a.subject }
func (a *Authority) Domain() string   { return a.domain }
func (a *Authority) Origin() Origin   { return a.origin }

// computeSubjectKeyID calculates the SKI according to RFC 5280 section 4.2.1.2 Method (1)
// (SHA-1 hash of the BIT STRING SubjectPublicKey (excluding tag, length, and unused bits))
func computeSubjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	derBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}

	var spki struct {
		Algorithm        pkix.AlgorithmIdentifier
		SubjectPublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(derBytes, &spki); err != nil {
		return nil, fmt.Errorf("failed to unmarshal SubjectPublicKeyInfo: %w", err)
	}

	hash := sha1.Sum(spki.SubjectPublicKey.Bytes)
	return hash[:], nil
}

// signatureAlgorithmFor picks an explicit digest for the CA key instead of the library default.
func signatureAlgorithmFor(key crypto.Signer) x509.SignatureAlgorithm {
	switch k := key.Public().(type) {
	case *rsa.PublicKey:
		return x509.SHA256WithRSA
	case *ecdsa.PublicKey:
		switch k.Curve {
		case elliptic.P384():
			return x509.ECDSAWithSHA384
		case elliptic.P521():
			return x509.ECDSAWithSHA512
		default:
			return x509.ECDSAWithSHA256
		}
	case ed25519.PublicKey:
		return x509.PureEd25519
	default:
		return x509.UnknownSignatureAlgorithm
	}
}

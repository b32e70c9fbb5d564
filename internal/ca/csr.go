package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// requestKeyBits is the size of keys generated for requesters.
const requestKeyBits = 2048

// ErrInvalidAltName is returned for an alt name that looks like an IPv4 literal but is not one.
var ErrInvalidAltName = errors.New("ca: invalid subject alternative name")

var dottedQuad = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)

// CertificateRequest is a freshly generated key pair and the CSR proving possession of it.
// Nothing in it is retained by this package.
type CertificateRequest struct {
	PrivateKey    *rsa.PrivateKey
	PrivateKeyPEM []byte
	PublicKeyPEM  []byte
	CSRPEM        []byte
	Request       *x509.CertificateRequest
	Subject       Subject
}

// CreateRequest generates a key pair and a CSR for it. The SAN list is altNames plus the
// subject's common name if it is not already there. Dotted-quad entries become IP SANs and
// everything else a DNS SAN.
func CreateRequest(opts SubjectOptions, altNames []string) (*CertificateRequest, error) {
	subject := BuildSubject(opts)
	rawSubject, err := subject.Marshal()
	if err != nil {
		return nil, err
	}

	dnsNames, ips, err := ClassifyAltNames(altNames, subject.CommonName)
	if err != nil {
		return nil, err
	}

	key, err := rsa.GenerateKey(rand.Reader, requestKeyBits)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to generate request key: %w", err)
	}

	template := &x509.CertificateRequest{
		RawSubject:         rawSubject,
		DNSNames:           dnsNames,
		IPAddresses:        ips,
		SignatureAlgorithm: x509.SHA256WithRSA,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to create certificate request: %w", err)
	}

	// Verify what we are about to hand out.
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, fmt.Errorf("ca: generated certificate request does not parse: %w", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("ca: generated certificate request does not verify: %w", err)
	}

	publicKeyPEM, err := EncodePublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}

	logger.Debug("Certificate request created",
		zap.String("subject", subject.String()),
		zap.Strings("dns_names", dnsNames),
		zap.Int("ip_addresses", len(ips)),
	)

	return &CertificateRequest{
		PrivateKey:    key,
		PrivateKeyPEM: pem.EncodeToMemory(&pem.Block{Type: pemTypeRSAPrivateKey, Bytes: x509.MarshalPKCS1PrivateKey(key)}),
		PublicKeyPEM:  publicKeyPEM,
		CSRPEM:        pem.EncodeToMemory(&pem.Block{Type: pemTypeRequest, Bytes: der}),
		Request:       csr,
		Subject:       subject,
	}, nil
}

// ClassifyAltNames splits names into DNS and IP SANs, appending commonName if absent.
// Order is preserved and duplicates are dropped.
func ClassifyAltNames(altNames []string, commonName string) ([]string, []net.IP, error) {
	names := make([]string, 0, len(altNames)+1)
	seen := make(map[string]bool, len(altNames)+1)
	for _, n := range append(append([]string{}, altNames...), commonName) {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		names = append(names, n)
	}

	var dnsNames []string
	var ips []net.IP
	for _, n := range names {
		if !dottedQuad.MatchString(n) {
			dnsNames = append(dnsNames, n)
			continue
		}
		ip := net.ParseIP(n)
		if ip == nil {
			return nil, nil, fmt.Errorf("%w: %q", ErrInvalidAltName, n)
		}
		ips = append(ips, ip.To4())
	}
	return dnsNames, ips, nil
}

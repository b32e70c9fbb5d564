package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// ErrKeyPolicy is returned when a requester key is of a disallowed type or strength.
var ErrKeyPolicy = errors.New("ca: public key rejected by policy")

var (
	oidExtensionSubjectKeyID     = asn1.ObjectIdentifier{2, 5, 29, 14}
	oidExtensionKeyUsage         = asn1.ObjectIdentifier{2, 5, 29, 15}
	oidExtensionBasicConstraints = asn1.ObjectIdentifier{2, 5, 29, 19}
	oidExtensionAuthorityKeyID   = asn1.ObjectIdentifier{2, 5, 29, 35}
	oidExtensionNetscapeCertType = asn1.ObjectIdentifier{2, 16, 840, 1, 113730, 1, 1}
)

// caControlledExtensions are set by the CA on every leaf. The request's versions are dropped.
var caControlledExtensions = []asn1.ObjectIdentifier{
	oidExtensionBasicConstraints,
	oidExtensionKeyUsage,
	oidExtensionSubjectKeyID,
	oidExtensionAuthorityKeyID,
}

// leafKeyUsage is what every issued certificate carries.
const leafKeyUsage = x509.KeyUsageCertSign |
	x509.KeyUsageDigitalSignature |
	x509.KeyUsageContentCommitment |
	x509.KeyUsageKeyEncipherment |
	x509.KeyUsageDataEncipherment

// rootKeyUsage is what the self-signed root carries.
const rootKeyUsage = x509.KeyUsageCertSign |
	x509.KeyUsageDigitalSignature |
	x509.KeyUsageKeyEncipherment |
	x509.KeyUsageDataEncipherment

var rootExtKeyUsage = []x509.ExtKeyUsage{
	x509.ExtKeyUsageServerAuth,
	x509.ExtKeyUsageClientAuth,
	x509.ExtKeyUsageCodeSigning,
	x509.ExtKeyUsageEmailProtection,
	x509.ExtKeyUsageTimeStamping,
}

// KeyPolicy restricts the requester keys the CA will certify.
type KeyPolicy struct {
	MinRSABits    int
	AllowedCurves []string // curve names as reported by elliptic.Curve.Params().Name
	AllowEd25519  bool
}

// DefaultKeyPolicy accepts RSA of at least 2048 bits, the NIST P curves and Ed25519.
func DefaultKeyPolicy() KeyPolicy {
	return KeyPolicy{
		MinRSABits:    2048,
		AllowedCurves: []string{"P-256", "P-384", "P-521"},
		AllowEd25519:  true,
	}
}

// Check validates pub against the policy.
func (p KeyPolicy) Check(pub crypto.PublicKey) error {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		if size := k.N.BitLen(); size < p.MinRSABits {
			return fmt.Errorf("%w: RSA key size (%d bits) is less than the minimum allowed (%d bits)", ErrKeyPolicy, size, p.MinRSABits)
		}
		return nil
	case *ecdsa.PublicKey:
		curveName := k.Curve.Params().Name
		for _, allowed := range p.AllowedCurves {
			if strings.EqualFold(curveName, allowed) {
				return nil
			}
		}
		return fmt.Errorf("%w: ECDSA curve '%s' is not allowed", ErrKeyPolicy, curveName)
	case ed25519.PublicKey:
		if !p.AllowEd25519 {
			return fmt.Errorf("%w: key type Ed25519 is not allowed", ErrKeyPolicy)
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported public key type %T", ErrKeyPolicy, pub)
	}
}

// requestedExtensions returns the request's extensions minus the CA-controlled ones.
// A request naming the same extension twice is rejected.
func requestedExtensions(csr *x509.CertificateRequest) ([]pkix.Extension, error) {
	seen := make(map[string]bool, len(csr.Extensions))
	out := make([]pkix.Extension, 0, len(csr.Extensions))
	for _, ext := range csr.Extensions {
		key := ext.Id.String()
		if seen[key] {
			return nil, fmt.Errorf("%w: extension %s requested more than once", ErrInvalidCSR, key)
		}
		seen[key] = true
		if isCAControlled(ext.Id) {
			logger.Debug("Dropping CA-controlled extension from request", zap.String("oid", key))
			continue
		}
		out = append(out, ext)
	}
	return out, nil
}

func isCAControlled(oid asn1.ObjectIdentifier) bool {
	for _, c := range caControlledExtensions {
		if oid.Equal(c) {
			return true
		}
	}
	return false
}

// netscapeCertTypeExtension marks the root for client, server, email and object signing,
// and as a CA for SSL, email and object signing.
func netscapeCertTypeExtension() (pkix.Extension, error) {
	// client, server, email, objsign, (reserved), sslCA, emailCA, objCA
	value, err := asn1.Marshal(asn1.BitString{Bytes: []byte{0xF7}, BitLength: 8})
	if err != nil {
		return pkix.Extension{}, fmt.Errorf("ca: failed to encode netscape cert type: %w", err)
	}
	return pkix.Extension{Id: oidExtensionNetscapeCertType, Value: value}, nil
}

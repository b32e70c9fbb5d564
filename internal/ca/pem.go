package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// PEM block types.
const (
	pemTypeCertificate   = "CERTIFICATE"
	pemTypeRequest       = "CERTIFICATE REQUEST"
	pemTypeLegacyRequest = "NEW CERTIFICATE REQUEST"
	pemTypeRSAPrivateKey = "RSA PRIVATE KEY"
	pemTypeECPrivateKey  = "EC PRIVATE KEY"
	pemTypePrivateKey    = "PRIVATE KEY"
	pemTypePublicKey     = "PUBLIC KEY"
	pemTypeRSAPublicKey  = "RSA PUBLIC KEY"
)

// EncodeCertificate encodes an x509 certificate into PEM format.
func EncodeCertificate(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: pemTypeCertificate, Bytes: cert.Raw})
}

// EncodePrivateKey encodes RSA keys as PKCS#1, ECDSA keys as SEC 1 and anything else as PKCS#8.
func EncodePrivateKey(key crypto.Signer) ([]byte, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return pem.EncodeToMemory(&pem.Block{Type: pemTypeRSAPrivateKey, Bytes: x509.MarshalPKCS1PrivateKey(k)}), nil
	case *ecdsa.PrivateKey:
		der, err := x509.MarshalECPrivateKey(k)
		if err != nil {
			return nil, fmt.Errorf("ca: unable to marshal ECDSA private key: %w", err)
		}
		return pem.EncodeToMemory(&pem.Block{Type: pemTypeECPrivateKey, Bytes: der}), nil
	default:
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("ca: unable to marshal private key: %w", err)
		}
		return pem.EncodeToMemory(&pem.Block{Type: pemTypePrivateKey, Bytes: der}), nil
	}
}

// EncodePublicKey encodes a public key as a PKIX "PUBLIC KEY" block.
func EncodePublicKey(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("ca: unable to marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypePublicKey, Bytes: der}), nil
}

// ParsePrivateKey accepts PKCS#1, SEC 1 and PKCS#8 PEM blocks.
func ParsePrivateKey(pemBytes []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("ca: failed to decode PEM block containing private key")
	}

	switch block.Type {
	case pemTypeRSAPrivateKey:
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("ca: failed to parse private key: %w", err)
		}
		return k, nil
	case pemTypeECPrivateKey:
		k, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("ca: failed to parse private key: %w", err)
		}
		return k, nil
	case pemTypePrivateKey:
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("ca: failed to parse private key: %w", err)
		}
		signer, ok := k.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("ca: private key of type %T cannot sign", k)
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("ca: unsupported private key type: %s", block.Type)
	}
}

// ParsePublicKey accepts PKIX and PKCS#1 PEM blocks.
func ParsePublicKey(pemBytes []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("ca: failed to decode PEM block containing public key")
	}
	switch block.Type {
	case pemTypePublicKey:
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("ca: failed to parse public key: %w", err)
		}
		return pub, nil
	case pemTypeRSAPublicKey:
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("ca: failed to parse public key: %w", err)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("ca: unsupported public key type: %s", block.Type)
	}
}

// ParseCertificate parses a PEM-encoded x509 certificate.
func ParseCertificate(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("ca: failed to decode PEM block containing certificate")
	}
	if block.Type != pemTypeCertificate {
		return nil, fmt.Errorf("ca: unexpected PEM block type: %s", block.Type)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to parse certificate: %w", err)
	}
	return cert, nil
}

// ParseCertificateRequest parses a PEM CSR and checks its self-signature.
func ParseCertificateRequest(pemBytes []byte) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidCSR)
	}
	if block.Type != pemTypeRequest && block.Type != pemTypeLegacyRequest {
		return nil, fmt.Errorf("%w: unexpected PEM block type %s", ErrInvalidCSR, block.Type)
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCSR, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: signature does not verify: %w", ErrInvalidCSR, err)
	}
	return csr, nil
}

// publicKeysEqual compares keys through the Equal method every stdlib key type has.
func publicKeysEqual(a, b crypto.PublicKey) bool {
	eq, ok := a.(interface{ Equal(crypto.PublicKey) bool })
	return ok && eq.Equal(b)
}

// keyMatchesCertificate reports whether signer is the private half of cert's key.
func keyMatchesCertificate(signer crypto.Signer, cert *x509.Certificate) bool {
	return publicKeysEqual(signer.Public(), cert.PublicKey)
}

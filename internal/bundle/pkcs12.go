// Package bundle exports issued key material as password-protected PKCS#12 containers.
package bundle

import (
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("bundle: failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "bundle"))
}

// DefaultPassword is for ephemeral and test CAs only. Callers override it per request or by configuration.
const DefaultPassword = "changeit"

// Cipher selects how the container protects the key.
type Cipher string

const (
	// AES256 uses PBES2 with PBKDF2-SHA256 and AES-256-CBC.
	AES256 Cipher = "aes256"
	// TripleDES uses PBE-SHA1-3DES for clients that predate PBES2.
	TripleDES Cipher = "3des"
)

// ParseCipher maps a configuration value to a Cipher.
func ParseCipher(s string) (Cipher, error) {
	switch Cipher(strings.ToLower(strings.TrimSpace(s))) {
	case "", AES256:
		return AES256, nil
	case TripleDES:
		return TripleDES, nil
	default:
		return "", fmt.Errorf("bundle: unknown PKCS#12 cipher %q", s)
	}
}

var (
	ErrNoCertificate = errors.New("bundle: leaf certificate is required")
	ErrNoPrivateKey  = errors.New("bundle: private key is required")
)

// Exporter produces PKCS#12 containers with a fixed cipher.
type Exporter struct {
	Cipher Cipher
}

// NewExporter returns an Exporter for cipher.
func NewExporter(cipher Cipher) *Exporter {
	return &Exporter{Cipher: cipher}
}

func (e *Exporter) encoder() (*pkcs12.Encoder, error) {
	switch e.Cipher {
	case "", AES256:
		return pkcs12.Modern, nil
	case TripleDES:
		return pkcs12.LegacyDES, nil
	default:
		return nil, fmt.Errorf("bundle: unknown PKCS#12 cipher %q", e.Cipher)
	}
}

// Export packs the key, the leaf and the chain (CA certificates) under password.
// An empty password falls back to DefaultPassword.
func (e *Exporter) Export(privateKey crypto.PrivateKey, leaf *x509.Certificate, chain []*x509.Certificate, password string) ([]byte, error) {
	if privateKey == nil {
		return nil, ErrNoPrivateKey
	}
	if leaf == nil {
		return nil, ErrNoCertificate
	}
	if password == "" {
		password = DefaultPassword
	}
	enc, err := e.encoder()
	if err != nil {
		return nil, err
	}
	pfx, err := enc.Encode(privateKey, leaf, chain, password)
	if err != nil {
		return nil, fmt.Errorf("bundle: failed to encode PKCS#12: %w", err)
	}
	logger.Debug("PKCS#12 container exported",
		zap.String("cipher", string(e.Cipher)),
		zap.String("subject", leaf.Subject.String()),
		zap.Int("chain_length", len(chain)),
	)
	return pfx, nil
}

// Decode opens a container produced by Export.
func Decode(pfx []byte, password string) (crypto.PrivateKey, *x509.Certificate, []*x509.Certificate, error) {
	key, cert, chain, err := pkcs12.DecodeChain(pfx, password)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("bundle: failed to decode PKCS#12: %w", err)
	}
	return key, cert, chain, nil
}

// EncodeBase64 is the transport form used inside JSON bodies.
func EncodeBase64(pfx []byte) string {
	return base64.StdEncoding.EncodeToString(pfx)
}

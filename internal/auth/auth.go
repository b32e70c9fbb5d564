// Package auth verifies that a caller holds the private key of the CSR it submits.
// Requests are JWS objects signed with that key and carrying its public half as an
// embedded JWK.
package auth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/url"
	"strings"

	jose "github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("auth: failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "auth"))
}

// ErrInvalidJWS covers malformed objects, missing keys and bad signatures.
var ErrInvalidJWS = errors.New("auth: invalid JWS")

// AllowedAlgorithms are the signature algorithms accepted on requests.
var AllowedAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.PS256,
	jose.ES256, jose.ES384, jose.ES512,
	jose.EdDSA,
}

// Verified is a JWS whose signature checked out against its embedded key.
type Verified struct {
	Payload []byte
	Key     crypto.PublicKey
	URL     string
}

// VerifyEmbeddedJWS parses a compact or JSON serialized JWS, verifies it against the JWK in its
// protected header and returns the payload with that key. When expectedPath is set, the
// protected "url" header must point at it.
func VerifyEmbeddedJWS(body []byte, expectedPath string) (*Verified, error) {
	jws, err := jose.ParseSigned(strings.TrimSpace(string(body)), AllowedAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidJWS, err)
	}
	if len(jws.Signatures) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one signature, got %d", ErrInvalidJWS, len(jws.Signatures))
	}
	header := jws.Signatures[0].Protected
	jwk := header.JSONWebKey
	if jwk == nil {
		return nil, fmt.Errorf("%w: protected header carries no jwk", ErrInvalidJWS)
	}
	if !jwk.Valid() || !jwk.IsPublic() {
		return nil, fmt.Errorf("%w: jwk is not a valid public key", ErrInvalidJWS)
	}

	payload, err := jws.Verify(jwk)
	if err != nil {
		logger.Warn("JWS signature verification failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrInvalidJWS, err)
	}

	v := &Verified{Payload: payload, Key: jwk.Key}
	if raw, ok := header.ExtraHeaders[jose.HeaderKey("url")]; ok {
		if s, ok := raw.(string); ok {
			v.URL = s
		}
	}
	if expectedPath != "" {
		u, err := url.Parse(v.URL)
		if v.URL == "" || err != nil || u.Path != expectedPath {
			return nil, fmt.Errorf("%w: url header %q does not target %s", ErrInvalidJWS, v.URL, expectedPath)
		}
	}
	return v, nil
}

// SignEmbeddedJWS signs payload with key, embedding the public key as a JWK and targetURL as the
// "url" header. The result is compact serialized.
func SignEmbeddedJWS(key crypto.Signer, payload []byte, targetURL string) (string, error) {
	alg, err := algorithmFor(key)
	if err != nil {
		return "", err
	}
	opts := (&jose.SignerOptions{EmbedJWK: true}).WithHeader(jose.HeaderKey("url"), targetURL)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: alg, Key: key}, opts)
	if err != nil {
		return "", fmt.Errorf("auth: failed to create signer: %w", err)
	}
	obj, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("auth: failed to sign: %w", err)
	}
	return obj.CompactSerialize()
}

func algorithmFor(key crypto.Signer) (jose.SignatureAlgorithm, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return jose.RS256, nil
	case *ecdsa.PrivateKey:
		switch k.Curve {
		case elliptic.P256():
			return jose.ES256, nil
		case elliptic.P384():
			return jose.ES384, nil
		case elliptic.P521():
			return jose.ES512, nil
		}
		return "", fmt.Errorf("auth: unsupported curve %s", k.Curve.Params().Name)
	case ed25519.PrivateKey:
		return jose.EdDSA, nil
	default:
		return "", fmt.Errorf("auth: unsupported key type %T", key)
	}
}

package model

import (
	"encoding/json"
	"time"
)

// CertificateResponseV1 is the version 1 response: the generated key, the leaf and the CA, all PEM.
type CertificateResponseV1 struct {
	PrivateKey  string `json:"privateKey"`
	Certificate string `json:"cert"`
	CA          string `json:"ca"`
}

// CertificateResponseV2 carries a base64 PKCS#12 container instead of loose PEM.
// The JSON field names are configurable, so it marshals itself.
type CertificateResponseV2 struct {
	PKCS12   string // base64
	Password string
	CA       string // PEM

	CertificateKey string
	PasswordKey    string
	CAKey          string
}

func (r CertificateResponseV2) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		keyOr(r.CertificateKey, "pkcs12"):       r.PKCS12,
		keyOr(r.PasswordKey, "pkcs12password"): r.Password,
		keyOr(r.CAKey, "ca"):                   r.CA,
	})
}

func keyOr(k, d string) string {
	if k == "" {
		return d
	}
	return k
}

// CertificateRequest is the body of POST /certificates.
type CertificateRequest struct {
	Domain   string `json:"domain" form:"domain" query:"domain"`
	Version  int    `json:"version" form:"version" query:"version"`
	Password string `json:"password" form:"password" query:"password"`
}

// CSRPayload is the JWS payload of POST /certificates/csr. CSR is PEM, or base64url DER.
type CSRPayload struct {
	Domain string `json:"domain"`
	CSR    string `json:"csr"`
}

// CSRResponse is returned for caller-supplied CSRs.
type CSRResponse struct {
	Certificate string `json:"cert"`
	CA          string `json:"ca"`
	Serial      string `json:"serial"`
}

// CAInfo describes the running CA.
type CAInfo struct {
	Domain    string    `json:"domain"`
	Subject   string    `json:"subject"`
	Serial    string    `json:"serial"`
	NotBefore time.Time `json:"notBefore"`
	NotAfter  time.Time `json:"notAfter"`
	Origin    string    `json:"origin"`
}

// ProblemDetails represents an error object (RFC 7807).
type ProblemDetails struct {
	Type     string `json:"type"`               // URI identifying the error type
	Title    string `json:"title,omitempty"`    // Short summary
	Detail   string `json:"detail"`             // Human-readable explanation
	Status   int    `json:"status,omitempty"`   // HTTP status code associated with this error
	Instance string `json:"instance,omitempty"` // Request ID of the failing request
}

// Problem types.
const (
	ProblemMalformed      = "urn:localca:error:malformed"
	ProblemUnauthorized   = "urn:localca:error:unauthorized"
	ProblemDNS            = "urn:localca:error:dns"
	ProblemServerInternal = "urn:localca:error:serverInternal"
)

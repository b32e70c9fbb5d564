package ca

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"strings"
)

var (
	oidCommonName         = asn1.ObjectIdentifier{2, 5, 4, 3}
	oidCountry            = asn1.ObjectIdentifier{2, 5, 4, 6}
	oidLocality           = asn1.ObjectIdentifier{2, 5, 4, 7}
	oidOrganization       = asn1.ObjectIdentifier{2, 5, 4, 10}
	oidOrganizationalUnit = asn1.ObjectIdentifier{2, 5, 4, 11}
)

// Requester defaults, used for every CSR the service builds.
const (
	DefaultCommonName         = "localhost"
	DefaultCountry            = "GB"
	DefaultLocality           = "GB"
	DefaultOrganization       = "Example"
	DefaultOrganizationalUnit = "Example"
)

// CA defaults. The common name is always the CA's domain unless overridden.
const (
	DefaultCAOrganization       = "Example CA"
	DefaultCAOrganizationalUnit = "test"
)

// SubjectOptions holds caller-supplied subject fields. Empty fields take the defaults.
type SubjectOptions struct {
	CommonName         string
	Country            string
	Locality           string
	Organization       string
	OrganizationalUnit string
}

// Subject is a fully populated distinguished name. It always encodes as
// CN, C, L, O, OU in that order, one attribute per RDN.
type Subject struct {
	CommonName         string
	Country            string
	Locality           string
	Organization       string
	OrganizationalUnit string
}

// BuildSubject fills any missing field from the requester defaults.
func BuildSubject(opts SubjectOptions) Subject {
	return buildSubject(opts, SubjectOptions{
		CommonName:         DefaultCommonName,
		Country:            DefaultCountry,
		Locality:           DefaultLocality,
		Organization:       DefaultOrganization,
		OrganizationalUnit: DefaultOrganizationalUnit,
	})
}

// BuildCASubject fills any missing field from the CA defaults for domain.
func BuildCASubject(domain string, opts SubjectOptions) Subject {
	return buildSubject(opts, SubjectOptions{
		CommonName:         domain,
		Country:            DefaultCountry,
		Locality:           DefaultLocality,
		Organization:       DefaultCAOrganization,
		OrganizationalUnit: DefaultCAOrganizationalUnit,
	})
}

func buildSubject(opts, defaults SubjectOptions) Subject {
	pick := func(v, d string) string {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
		return d
	}
	return Subject{
		CommonName:         pick(opts.CommonName, defaults.CommonName),
		Country:            pick(opts.Country, defaults.Country),
		Locality:           pick(opts.Locality, defaults.Locality),
		Organization:       pick(opts.Organization, defaults.Organization),
		OrganizationalUnit: pick(opts.OrganizationalUnit, defaults.OrganizationalUnit),
	}
}

// subjectFromName takes the first value of each attribute the Subject type knows about.
func subjectFromName(n pkix.Name) Subject {
	first := func(v []string) string {
		if len(v) == 0 {
			return ""
		}
		return v[0]
	}
	return Subject{
		CommonName:         n.CommonName,
		Country:            first(n.Country),
		Locality:           first(n.Locality),
		Organization:       first(n.Organization),
		OrganizationalUnit: first(n.OrganizationalUnit),
	}
}

// RDNSequence returns the ordered attribute sequence. Empty attributes are skipped.
func (s Subject) RDNSequence() pkix.RDNSequence {
	attrs := []struct {
		oid   asn1.ObjectIdentifier
		value string
	}{
		{oidCommonName, s.CommonName},
		{oidCountry, s.Country},
		{oidLocality, s.Locality},
		{oidOrganization, s.Organization},
		{oidOrganizationalUnit, s.OrganizationalUnit},
	}
	seq := make(pkix.RDNSequence, 0, len(attrs))
	for _, a := range attrs {
		if a.value == "" {
			continue
		}
		seq = append(seq, pkix.RelativeDistinguishedNameSET{{Type: a.oid, Value: a.value}})
	}
	return seq
}

// Marshal returns the DER encoding used as RawSubject.
func (s Subject) Marshal() ([]byte, error) {
	der, err := asn1.Marshal(s.RDNSequence())
	if err != nil {
		return nil, fmt.Errorf("ca: failed to encode subject: %w", err)
	}
	return der, nil
}

func (s Subject) String() string {
	return s.RDNSequence().String()
}

package ca

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// IssueServiceCertificate issues the TLS certificate the HTTPS listener presents, signed by
// the CA itself so clients that trust the root also trust the service. The first hostname
// becomes the common name.
func IssueServiceCertificate(ctx context.Context, authority CertificateAuthority, hostnames []string) (*tls.Certificate, error) {
	if len(hostnames) == 0 {
		return nil, errors.New("ca: at least one hostname is required for the service certificate")
	}

	req, err := CreateRequest(SubjectOptions{CommonName: hostnames[0]}, hostnames[1:])
	if err != nil {
		return nil, fmt.Errorf("ca: failed to create service certificate request: %w", err)
	}
	issued, err := authority.Issue(ctx, &req.PrivateKey.PublicKey, req.CSRPEM)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to issue service certificate: %w", err)
	}

	pair, err := tls.X509KeyPair(issued.ChainPEM(), req.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to build service key pair: %w", err)
	}
	logger.Info("Issued service certificate",
		zap.Strings("hostnames", hostnames),
		zap.String("serial", FormatSerial(issued.SerialNumber)),
	)
	return &pair, nil
}

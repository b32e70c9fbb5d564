// Package validation decides whether a caller may have a certificate for a name.
//
// The check resolves the claimed name's A records and accepts the request when the
// address the request came from is among them. It proves the caller is reachable at an
// address the name points to, which is weaker than proving control of the DNS zone.
package validation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("validation: failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "validation"))
}

// DefaultTimeout bounds a single lookup when none is configured.
const DefaultTimeout = 5 * time.Second

var (
	ErrInvalidName    = errors.New("validation: claimed name is empty or malformed")
	ErrInvalidAddress = errors.New("validation: observed address is not an IP address")
)

// Outcome of a validation.
type Outcome int

const (
	Rejected Outcome = iota
	Accepted
)

func (o Outcome) String() string {
	if o == Accepted {
		return "accepted"
	}
	return "rejected"
}

// Result records what was compared and the verdict.
type Result struct {
	ClaimedName       string
	ObservedAddress   string
	ResolvedAddresses []string
	Outcome           Outcome
}

// Accepted reports whether the caller may have a certificate for the name.
func (r *Result) Accepted() bool { return r != nil && r.Outcome == Accepted }

// Validator checks claimed names against the requester's address.
type Validator struct {
	resolver Resolver
	timeout  time.Duration
}

// NewValidator returns a Validator. A non-positive timeout uses DefaultTimeout.
func NewValidator(resolver Resolver, timeout time.Duration) *Validator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Validator{resolver: resolver, timeout: timeout}
}

// Validate resolves claimedName and compares its addresses with observedAddress.
// A mismatch is a Rejected result with a nil error. A resolver failure is an error
// wrapping ErrLookupFailed.
func (v *Validator) Validate(ctx context.Context, claimedName, observedAddress string) (*Result, error) {
	name := canonicalName(claimedName)
	if name == "" || strings.ContainsAny(name, " /\\@") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, claimedName)
	}
	observed, err := NormalizeAddress(observedAddress)
	if err != nil {
		return nil, err
	}

	l := logger.With(zap.String("name", name), zap.String("observed", observed))

	lookupCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	addrs, err := v.resolver.LookupA(lookupCtx, name)
	if err != nil {
		if !errors.Is(err, ErrLookupFailed) {
			err = fmt.Errorf("%w: %s: %w", ErrLookupFailed, name, err)
		}
		l.Warn("Domain validation could not be performed", zap.Error(err))
		return nil, err
	}

	result := &Result{ClaimedName: name, ObservedAddress: observed, Outcome: Rejected}
	for _, a := range addrs {
		resolved, err := NormalizeAddress(a)
		if err != nil {
			l.Debug("Ignoring unparsable resolver answer", zap.String("answer", a))
			continue
		}
		result.ResolvedAddresses = append(result.ResolvedAddresses, resolved)
		if resolved == observed {
			result.Outcome = Accepted
		}
	}

	l.Info("Domain validation complete",
		zap.Strings("resolved", result.ResolvedAddresses),
		zap.Stringer("outcome", result.Outcome),
	)
	return result, nil
}

// NormalizeAddress strips any port and zone, unmaps IPv4-mapped IPv6 addresses and
// treats the IPv6 loopback as 127.0.0.1.
func NormalizeAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	addr = addr.WithZone("").Unmap()
	if addr == netip.IPv6Loopback() {
		addr = netip.AddrFrom4([4]byte{127, 0, 0, 1})
	}
	return addr.String(), nil
}

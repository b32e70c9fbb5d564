package validation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

var (
	// ErrLookupFailed means validation could not be performed. It is retryable.
	ErrLookupFailed = errors.New("validation: DNS lookup failed")
	// ErrNameNotFound is the lookup failure for NXDOMAIN or a name with no A records.
	ErrNameNotFound = fmt.Errorf("%w: name not found", ErrLookupFailed)
)

// Resolver resolves a name's A records to IPv4 address strings.
type Resolver interface {
	LookupA(ctx context.Context, name string) ([]string, error)
}

// DNSResolver queries one DNS server directly.
type DNSResolver struct {
	Server  string // host:port
	Timeout time.Duration
}

var _ Resolver = (*DNSResolver)(nil)

// NewDNSResolver returns a resolver that sends queries to server. A missing port defaults to 53.
func NewDNSResolver(server string, timeout time.Duration) *DNSResolver {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return &DNSResolver{Server: server, Timeout: timeout}
}

func (r *DNSResolver) LookupA(ctx context.Context, name string) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeA)
	msg.RecursionDesired = true

	client := &dns.Client{Net: "udp", Timeout: r.Timeout}
	resp, _, err := client.ExchangeContext(ctx, msg, r.Server)
	if err == nil && resp.Truncated {
		client.Net = "tcp"
		resp, _, err = client.ExchangeContext(ctx, msg, r.Server)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLookupFailed, name, err)
	}

	switch resp.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, fmt.Errorf("%w: %s", ErrNameNotFound, name)
	default:
		return nil, fmt.Errorf("%w: %s: %s", ErrLookupFailed, name, dns.RcodeToString[resp.Rcode])
	}

	var addrs []string
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			addrs = append(addrs, a.A.String())
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s has no A records", ErrNameNotFound, name)
	}
	return addrs, nil
}

// SystemResolver uses the host's resolver configuration.
type SystemResolver struct {
	Resolver *net.Resolver
}

var _ Resolver = (*SystemResolver)(nil)

func (r *SystemResolver) LookupA(ctx context.Context, name string) ([]string, error) {
	res := r.Resolver
	if res == nil {
		res = net.DefaultResolver
	}
	ips, err := res.LookupIP(ctx, "ip4", name)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil, fmt.Errorf("%w: %s", ErrNameNotFound, name)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrLookupFailed, name, err)
	}
	addrs := make([]string, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, ip.String())
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s has no A records", ErrNameNotFound, name)
	}
	return addrs, nil
}

// StaticResolver answers from a fixed table. Names are matched case-insensitively.
type StaticResolver struct {
	mu      sync.RWMutex
	records map[string][]string
	errs    map[string]error
}

var _ Resolver = (*StaticResolver)(nil)

func NewStaticResolver(records map[string][]string) *StaticResolver {
	r := &StaticResolver{records: map[string][]string{}, errs: map[string]error{}}
	for name, addrs := range records {
		r.Set(name, addrs...)
	}
	return r
}

// Set replaces the addresses for name.
func (r *StaticResolver) Set(name string, addrs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := canonicalName(name)
	r.records[key] = append([]string(nil), addrs...)
	delete(r.errs, key)
}

// Fail makes lookups of name return err.
func (r *StaticResolver) Fail(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[canonicalName(name)] = err
}

func (r *StaticResolver) LookupA(ctx context.Context, name string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLookupFailed, name, err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	key := canonicalName(name)
	if err, ok := r.errs[key]; ok {
		return nil, err
	}
	addrs, ok := r.records[key]
	if !ok || len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNameNotFound, name)
	}
	return append([]string(nil), addrs...), nil
}

// NewResolver picks a DNSResolver when server is set and the system resolver otherwise.
func NewResolver(server string, timeout time.Duration) Resolver {
	if strings.TrimSpace(server) != "" {
		logger.Info("Using DNS server for validation", zap.String("server", server))
		return NewDNSResolver(server, timeout)
	}
	logger.Info("Using system resolver for validation")
	return &SystemResolver{}
}

func canonicalName(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
}

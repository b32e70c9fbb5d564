// Package dnsfixture runs a small authoritative DNS server for local and test setups.
// It answers A queries from a table and falls back to a single address for every other name.
package dnsfixture

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
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("dnsfixture: failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "dnsfixture"))
}

const defaultTTL = 60

// Server answers A queries. Unknown names get the fallback address, or NXDOMAIN if there is none.
type Server struct {
	addr     string
	fallback net.IP
	ttl      uint32

	mu      sync.RWMutex
	records map[string]net.IP

	srv  *dns.Server
	conn net.PacketConn
}

// New returns a server that will listen on addr (UDP). An empty fallback disables the catch-all answer.
func New(addr string, fallback string) (*Server, error) {
	s := &Server{addr: addr, ttl: defaultTTL, records: map[string]net.IP{}}
	if fallback != "" {
		ip := net.ParseIP(fallback).To4()
		if ip == nil {
			return nil, fmt.Errorf("dnsfixture: fallback %q is not an IPv4 address", fallback)
		}
		s.fallback = ip
	}
	return s, nil
}

// Set makes name resolve to addr.
func (s *Server) Set(name, addr string) error {
	ip := net.ParseIP(addr).To4()
	if ip == nil {
		return fmt.Errorf("dnsfixture: %q is not an IPv4 address", addr)
	}
	s.mu.Lock()
	s.records[dns.CanonicalName(name)] = ip
	s.mu.Unlock()
	return nil
}

// Start binds the socket and serves in the background until Shutdown.
func (s *Server) Start() error {
	pc, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		return fmt.Errorf("dnsfixture: listen %s: %w", s.addr, err)
	}
	started := make(chan struct{})
	s.conn = pc
	s.srv = &dns.Server{
		PacketConn:        pc,
		Handler:           s,
		NotifyStartedFunc: func() { close(started) },
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ActivateAndServe()
	}()

	select {
	case <-started:
		logger.Info("Fixture DNS server listening", zap.String("address", pc.LocalAddr().String()))
		return nil
	case err := <-errCh:
		pc.Close()
		return fmt.Errorf("dnsfixture: serve: %w", err)
	case <-time.After(5 * time.Second):
		pc.Close()
		return errors.New("dnsfixture: server did not start")
	}
}

// Addr is the bound address, useful when listening on port 0.
func (s *Server) Addr() string {
	if s.conn == nil {
		return s.addr
	}
	return s.conn.LocalAddr().String()
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.ShutdownContext(ctx)
}

// ServeDNS implements dns.Handler.
func (s *Server) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true

	for _, q := range r.Question {
		if q.Qtype != dns.TypeA || q.Qclass != dns.ClassINET {
			continue
		}
		ip := s.lookup(q.Name)
		if ip == nil {
			m.Rcode = dns.RcodeNameError
			continue
		}
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: s.ttl},
			A:   ip,
		})
	}

	if err := w.WriteMsg(m); err != nil {
		logger.Warn("Failed to write DNS response", zap.Error(err))
	}
}

func (s *Server) lookup(name string) net.IP {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ip, ok := s.records[dns.CanonicalName(strings.TrimSpace(name))]; ok {
		return ip
	}
	return s.fallback
}

package storage

import (
	"context"
	"math/big"
	"strings"
	"sync"
)

// MemoryStorage holds the material for the life of the process. Used by ephemeral CAs and tests.
type MemoryStorage struct {
	mu sync.Mutex
	m  *Material
}

var _ Storage = (*MemoryStorage)(nil)

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (s *MemoryStorage) LoadMaterial(ctx context.Context) (*Material, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		return nil, ErrNotFound
	}
	c := s.copy()
	return &c, nil
}

func (s *MemoryStorage) SaveMaterial(ctx context.Context, m *Material) error {
	if err := m.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = &Material{
		Domain:         m.Domain,
		PrivateKeyPEM:  append([]byte(nil), m.PrivateKeyPEM...),
		PublicKeyPEM:   append([]byte(nil), m.PublicKeyPEM...),
		CertificatePEM: append([]byte(nil), m.CertificatePEM...),
		Serial:         strings.TrimSpace(m.Serial),
	}
	return nil
}

func (s *MemoryStorage) SaveSerial(ctx context.Context, serial *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		return ErrNotFound
	}
	if err := checkAdvance(s.m.Serial, serial); err != nil {
		return err
	}
	s.m.Serial = serial.String()
	return nil
}

func (s *MemoryStorage) Close() error { return nil }

func (s *MemoryStorage) copy() Material {
	return Material{
		Domain:         s.m.Domain,
		PrivateKeyPEM:  append([]byte(nil), s.m.PrivateKeyPEM...),
		PublicKeyPEM:   append([]byte(nil), s.m.PublicKeyPEM...),
		CertificatePEM: append([]byte(nil), s.m.CertificatePEM...),
		Serial:         s.m.Serial,
	}
}

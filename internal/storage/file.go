package storage

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// File names inside the data directory.
const (
	DomainFile      = "cadomain.txt"
	PrivateKeyFile  = "caprivatekey.pem"
	PublicKeyFile   = "capublickey.pem"
	CertificateFile = "cacert.pem"
	SerialFile      = "serial.num"
)

// FileStorage keeps the CA material as plain files in one directory.
type FileStorage struct {
	dir string
	mu  sync.Mutex
}

var _ Storage = (*FileStorage)(nil)

// NewFileStorage creates the directory if needed.
func NewFileStorage(dir string) (*FileStorage, error) {
	if dir == "" {
		return nil, errors.New("storage: data directory is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("storage: failed to create data directory %s: %w", dir, err)
	}
	logger.Info("FileStorage initialized", zap.String("dir", dir))
	return &FileStorage{dir: dir}, nil
}

// Dir returns the data directory.
func (s *FileStorage) Dir() string { return s.dir }

func (s *FileStorage) path(name string) string { return filepath.Join(s.dir, name) }

func (s *FileStorage) LoadMaterial(ctx context.Context) (*Material, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *FileStorage) load() (*Material, error) {
	if _, err := os.Stat(s.path(CertificateFile)); errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	read := func(name string) ([]byte, error) {
		b, err := os.ReadFile(s.path(name))
		if err != nil {
			return nil, fmt.Errorf("storage: failed to read %s: %w", name, err)
		}
		return b, nil
	}

	var m Material
	domain, err := read(DomainFile)
	if err != nil {
		return nil, err
	}
	m.Domain = strings.TrimSpace(string(domain))
	if m.PrivateKeyPEM, err = read(PrivateKeyFile); err != nil {
		return nil, err
	}
	if m.PublicKeyPEM, err = read(PublicKeyFile); err != nil {
		return nil, err
	}
	if m.CertificatePEM, err = read(CertificateFile); err != nil {
		return nil, err
	}
	serial, err := read(SerialFile)
	if err != nil {
		return nil, err
	}
	m.Serial = strings.TrimSpace(string(serial))
	return &m, nil
}

// SaveMaterial writes the certificate last, so a partially written directory is never loadable.
func (s *FileStorage) SaveMaterial(ctx context.Context, m *Material) error {
	if err := m.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	files := []struct {
		name string
		data []byte
		perm os.FileMode
	}{
		{DomainFile, []byte(m.Domain), 0o644},
		{PrivateKeyFile, m.PrivateKeyPEM, 0o600},
		{PublicKeyFile, m.PublicKeyPEM, 0o644},
		{SerialFile, []byte(strings.TrimSpace(m.Serial)), 0o644},
		{CertificateFile, m.CertificatePEM, 0o644},
	}
	for _, f := range files {
		if err := writeFileAtomic(s.path(f.name), f.data, f.perm); err != nil {
			return fmt.Errorf("storage: %w", err)
		}
	}
	logger.Info("CA material saved", zap.String("dir", s.dir), zap.String("domain", m.Domain))
	return nil
}

func (s *FileStorage) SaveSerial(ctx context.Context, serial *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recorded, err := os.ReadFile(s.path(SerialFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("storage: failed to read %s: %w", SerialFile, err)
	}
	if err := checkAdvance(string(recorded), serial); err != nil {
		return err
	}
	if err := writeFileAtomic(s.path(SerialFile), []byte(serial.String()), 0o644); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	return nil
}

func (s *FileStorage) Close() error { return nil }

// writeFileAtomic writes to a temp file, syncs it and renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp) // best-effort cleanup
		return fmt.Errorf("rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}

package storage

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	caBucket = []byte("ca")

	keyDomain      = []byte("domain")
	keyPrivateKey  = []byte("private_key")
	keyPublicKey   = []byte("public_key")
	keyCertificate = []byte("certificate")
	keySerial      = []byte("serial")
)

// BoltStorage keeps the CA material in a single bbolt bucket.
type BoltStorage struct {
	db *bbolt.DB
}

var _ Storage = (*BoltStorage)(nil)

// NewBoltStorage opens (or creates) the database file at path.
func NewBoltStorage(path string) (*BoltStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("storage: failed to create directory for %s: %w", path, err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: opening bbolt db: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(caBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: creating bucket: %w", err)
	}
	logger.Info("BoltStorage initialized", zap.String("path", path))
	return &BoltStorage{db: db}, nil
}

func (s *BoltStorage) LoadMaterial(ctx context.Context) (*Material, error) {
	var m *Material
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(caBucket)
		if b == nil || b.Get(keyCertificate) == nil {
			return ErrNotFound
		}
		// Values are only valid for the life of the transaction.
		m = &Material{
			Domain:         string(b.Get(keyDomain)),
			PrivateKeyPEM:  append([]byte(nil), b.Get(keyPrivateKey)...),
			PublicKeyPEM:   append([]byte(nil), b.Get(keyPublicKey)...),
			CertificatePEM: append([]byte(nil), b.Get(keyCertificate)...),
			Serial:         string(b.Get(keySerial)),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *BoltStorage) SaveMaterial(ctx context.Context, m *Material) error {
	if err := m.Validate(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(caBucket)
		if err != nil {
			return err
		}
		puts := []struct {
			k, v []byte
		}{
			{keyDomain, []byte(m.Domain)},
			{keyPrivateKey, m.PrivateKeyPEM},
			{keyPublicKey, m.PublicKeyPEM},
			{keySerial, []byte(strings.TrimSpace(m.Serial))},
			{keyCertificate, m.CertificatePEM},
		}
		for _, p := range puts {
			if err := b.Put(p.k, p.v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage: failed to save CA material: %w", err)
	}
	logger.Info("CA material saved", zap.String("domain", m.Domain))
	return nil
}

func (s *BoltStorage) SaveSerial(ctx context.Context, serial *big.Int) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(caBucket)
		if b == nil {
			return ErrNotFound
		}
		recorded := b.Get(keySerial)
		if recorded == nil {
			return ErrNotFound
		}
		if err := checkAdvance(string(recorded), serial); err != nil {
			return err
		}
		if err := b.Put(keySerial, []byte(serial.String())); err != nil {
			return fmt.Errorf("storage: failed to save serial: %w", err)
		}
		return nil
	})
}

// Close closes the underlying bbolt database.
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

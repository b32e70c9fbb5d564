package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/lib/pq" // Import the PostgreSQL driver AND helpers like pq.Error
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

// init initializes the package logger.
func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "storage"))
}

var (
	// ErrNotFound is returned by LoadMaterial when no CA has been initialized in the backend.
	ErrNotFound = errors.New("storage: CA material not found")
	// ErrSerialRegression is returned when a serial at or below the recorded one is saved.
	ErrSerialRegression = errors.New("storage: serial number would not advance")
	// ErrInvalidMaterial is returned when material is incomplete or its serial is not decimal.
	ErrInvalidMaterial = errors.New("storage: invalid CA material")
)

// Material is everything needed to reconstruct a CA: four PEM/text blobs plus the bound domain.
type Material struct {
	Domain         string
	PrivateKeyPEM  []byte
	PublicKeyPEM   []byte
	CertificatePEM []byte
	Serial         string // decimal text
}

// Validate checks that all blobs are present and the serial is a non-negative decimal integer.
func (m *Material) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil material", ErrInvalidMaterial)
	}
	if strings.TrimSpace(m.Domain) == "" {
		return fmt.Errorf("%w: domain is empty", ErrInvalidMaterial)
	}
	if len(m.PrivateKeyPEM) == 0 || len(m.PublicKeyPEM) == 0 || len(m.CertificatePEM) == 0 {
		return fmt.Errorf("%w: missing key or certificate", ErrInvalidMaterial)
	}
	if _, err := ParseSerial(m.Serial); err != nil {
		return err
	}
	return nil
}

// ParseSerial parses decimal serial text as stored by every backend.
func ParseSerial(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("%w: serial %q is not a non-negative decimal integer", ErrInvalidMaterial, s)
	}
	return n, nil
}

// --- Interfaces ---

// Querier defines common methods implemented by *sql.DB and *sql.Tx.
// This allows storage methods to work with either a pool or a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Storage persists the CA material and its serial counter.
type Storage interface {
	// LoadMaterial returns ErrNotFound if no CA has been saved.
	LoadMaterial(ctx context.Context) (*Material, error)
	// SaveMaterial replaces the whole material, serial included.
	SaveMaterial(ctx context.Context, m *Material) error
	// SaveSerial records the last issued serial. It refuses values that do not advance the
	// recorded one with ErrSerialRegression.
	SaveSerial(ctx context.Context, serial *big.Int) error

	Close() error
}

// NewStorage is the factory function.
func NewStorage(storageType string, dataDir string, boltPath string, dbHost string, dbUser string, dbPassword string, dbName string, dbPort int, dbSSLMode string, dbCert string, dbKey string, dbRootCert string) (Storage, error) {
	switch strings.ToLower(storageType) {
	case "file":
		return NewFileStorage(dataDir)
	case "bbolt":
		return NewBoltStorage(boltPath)
	case "memory":
		return NewMemoryStorage(), nil
	case "postgres":
		return NewPostgreSQLStorage(dbHost, dbUser, dbPassword, dbName, dbPort, dbSSLMode, dbCert, dbKey, dbRootCert)
	default:
		logger.Error("Invalid storage type specified", zap.String("storage_type", storageType))
		return nil, fmt.Errorf("storage: invalid storage type: %s", storageType)
	}
}

// checkAdvance compares a proposed serial with the recorded decimal text.
func checkAdvance(recorded string, proposed *big.Int) error {
	if proposed == nil || proposed.Sign() < 0 {
		return fmt.Errorf("%w: serial must be non-negative", ErrInvalidMaterial)
	}
	current, err := ParseSerial(recorded)
	if err != nil {
		return err
	}
	if proposed.Cmp(current) <= 0 {
		return fmt.Errorf("%w: recorded %s, proposed %s", ErrSerialRegression, current, proposed)
	}
	return nil
}

// --- PostgreSQL Implementation ---

// PostgreSQLStorage holds the connection pool.
type PostgreSQLStorage struct {
	db *sql.DB
}

// postgresTxStore holds a transaction and implements the Storage interface.
type postgresTxStore struct {
	tx *sql.Tx
}

// Ensure PostgreSQLStorage implements Storage (compile-time check).
var _ Storage = (*PostgreSQLStorage)(nil)

// Ensure postgresTxStore implements Storage (compile-time check).
var _ Storage = (*postgresTxStore)(nil)

// NewPostgreSQLStorage creates a new PostgreSQLStorage instance and ensures schema exists.
func NewPostgreSQLStorage(dbHost string, dbUser string, dbPassword string, dbName string, dbPort int, dbSSLMode string, dbCert string, dbKey string, dbRootCert string) (*PostgreSQLStorage, error) {
	connStr := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		dbHost, dbUser, dbPassword, dbName, dbPort, dbSSLMode,
	)
	if dbCert != "" {
		connStr += " sslcert=" + dbCert
	}
	if dbKey != "" {
		connStr += " sslkey=" + dbKey
	}
	if dbRootCert != "" {
		connStr += " sslrootcert=" + dbRootCert
	}
	return NewPostgreSQLStorageFromDSN(connStr)
}

// NewPostgreSQLStorageFromDSN opens the pool from a ready connection string.
func NewPostgreSQLStorageFromDSN(connStr string) (*PostgreSQLStorage, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		logger.Error("Failed to open PostgreSQL connection", zap.Error(err))
		return nil, fmt.Errorf("storage: failed to open PostgreSQL database: %w", err)
	}

	// A single CA writer; a small pool is plenty.
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		logger.Error("Failed to ping PostgreSQL database", zap.Error(err))
		return nil, fmt.Errorf("storage: failed to connect to PostgreSQL database: %w", err)
	}
	logger.Info("Successfully connected to PostgreSQL database")

	schemaCtx, schemaCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer schemaCancel()
	if err := ensureSchema(schemaCtx, db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("PostgreSQLStorage initialized")
	return &PostgreSQLStorage{db: db}, nil
}

// ensureSchema creates tables if they don't exist.
func ensureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ca_material (
			id INTEGER PRIMARY KEY DEFAULT 1,
			domain TEXT NOT NULL,
			key_pem BYTEA NOT NULL,
			public_key_pem BYTEA NOT NULL,
			cert_pem BYTEA NOT NULL,
			serial TEXT NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			CONSTRAINT ca_material_single_row CHECK (id = 1)
		);`,
	}

	for i, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			if pqErr, ok := err.(*pq.Error); ok {
				logger.Error("Failed to execute schema statement", zap.Error(err),
					zap.Int("statement_index", i),
					zap.String("code", string(pqErr.Code)),
					zap.String("detail", pqErr.Detail),
				)
			} else {
				logger.Error("Failed to execute schema statement", zap.Error(err), zap.Int("statement_index", i))
			}
			return fmt.Errorf("storage: failed to initialize database schema: %w", err)
		}
	}
	logger.Info("Database schema initialization check complete.")
	return nil
}

// =============================================
// PostgreSQLStorage Method Implementations
// =============================================

// Close shuts down the database connection pool.
func (s *PostgreSQLStorage) Close() error {
	logger.Info("Closing database connection pool")
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// WithinTransaction executes the given function within a database transaction.
func (s *PostgreSQLStorage) WithinTransaction(ctx context.Context, fn func(ctx context.Context, txStorage Storage) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: failed to begin transaction: %w", err)
	}
	txStore := &postgresTxStore{tx: tx}
	err = fn(ctx, txStore)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Error("Transaction function failed and rollback failed", zap.Error(err), zap.NamedError("rollback_error", rbErr))
			return fmt.Errorf("storage: transaction function failed (%w) and rollback failed (%v)", err, rbErr)
		}
		logger.Warn("Transaction rolled back due to error", zap.Error(err))
		return err
	}
	if err := tx.Commit(); err != nil {
		logger.Error("Failed to commit transaction", zap.Error(err))
		return fmt.Errorf("storage: failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PostgreSQLStorage) LoadMaterial(ctx context.Context) (*Material, error) {
	return loadMaterial(ctx, s.db, false)
}
func (s *PostgreSQLStorage) SaveMaterial(ctx context.Context, m *Material) error {
	return saveMaterial(ctx, s.db, m)
}

// SaveSerial locks the material row so concurrent writers cannot both advance to the same value.
func (s *PostgreSQLStorage) SaveSerial(ctx context.Context, serial *big.Int) error {
	return s.WithinTransaction(ctx, func(ctx context.Context, txStorage Storage) error {
		return txStorage.SaveSerial(ctx, serial)
	})
}

// =============================================
// postgresTxStore Method Implementations
// =============================================

func (s *postgresTxStore) Close() error { return nil }

func (s *postgresTxStore) LoadMaterial(ctx context.Context) (*Material, error) {
	return loadMaterial(ctx, s.tx, true)
}
func (s *postgresTxStore) SaveMaterial(ctx context.Context, m *Material) error {
	return saveMaterial(ctx, s.tx, m)
}
func (s *postgresTxStore) SaveSerial(ctx context.Context, serial *big.Int) error {
	m, err := loadMaterial(ctx, s.tx, true)
	if err != nil {
		return err
	}
	if err := checkAdvance(m.Serial, serial); err != nil {
		return err
	}
	return updateSerial(ctx, s.tx, serial)
}

// =============================================
// Shared helpers (work with *sql.DB or *sql.Tx)
// =============================================

func loadMaterial(ctx context.Context, q Querier, forUpdate bool) (*Material, error) {
	query := `SELECT domain, key_pem, public_key_pem, cert_pem, serial FROM ca_material WHERE id = 1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var m Material
	err := q.QueryRowContext(ctx, query).Scan(&m.Domain, &m.PrivateKeyPEM, &m.PublicKeyPEM, &m.CertificatePEM, &m.Serial)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: failed to load CA material: %w", err)
	}
	return &m, nil
}

func saveMaterial(ctx context.Context, q Querier, m *Material) error {
	if err := m.Validate(); err != nil {
		return err
	}
	query := `
		INSERT INTO ca_material (id, domain, key_pem, public_key_pem, cert_pem, serial, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
			domain = EXCLUDED.domain,
			key_pem = EXCLUDED.key_pem,
			public_key_pem = EXCLUDED.public_key_pem,
			cert_pem = EXCLUDED.cert_pem,
			serial = EXCLUDED.serial,
			updated_at = NOW()`
	_, err := q.ExecContext(ctx, query, m.Domain, m.PrivateKeyPEM, m.PublicKeyPEM, m.CertificatePEM, strings.TrimSpace(m.Serial))
	if err != nil {
		return fmt.Errorf("storage: failed to save CA material: %w", err)
	}
	logger.Debug("CA material saved", zap.String("domain", m.Domain))
	return nil
}

func updateSerial(ctx context.Context, q Querier, serial *big.Int) error {
	res, err := q.ExecContext(ctx, `UPDATE ca_material SET serial = $1, updated_at = NOW() WHERE id = 1`, serial.String())
	if err != nil {
		return fmt.Errorf("storage: failed to save serial: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: failed to check serial update: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	logger.Debug("Serial saved", zap.String("serial", serial.String()))
	return nil
}

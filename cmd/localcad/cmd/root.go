package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blockadesystems/localca/internal/config"
	"github.com/blockadesystems/localca/internal/storage"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(l)
	logger = l.With(zap.String("package", "main"))
}

// Flags shared by every command. Empty values leave the environment configuration alone.
var (
	flagDataDir     string
	flagStorageType string
	flagDNSServer   string
)

var rootCmd = &cobra.Command{
	Use:   "localca",
	Short: "localca is a small certificate authority for local and test networks",
	Long: `A certificate authority that issues leaf certificates to any caller whose claimed
domain name resolves to the caller's own address.`,
	SilenceUsage: true,
}

// Execute runs the command line.
func Execute() {
	defer logger.Sync() //nolint:errcheck
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "Directory for CA material (overrides LOCALCA_DATA_DIR)")
	rootCmd.PersistentFlags().StringVar(&flagStorageType, "storage", "", "Storage backend: file, postgres, bbolt or memory (overrides LOCALCA_STORAGE_TYPE)")
	rootCmd.PersistentFlags().StringVar(&flagDNSServer, "dns-server", "", "host:port of the DNS server used for validation (overrides LOCALCA_DNS_SERVER)")
}

// loadConfig reads the environment and applies command line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
		if os.Getenv("LOCALCA_BBOLT_PATH") == "" {
			cfg.BoltPath = filepath.Join(flagDataDir, "localca.db")
		}
	}
	if flagStorageType != "" {
		cfg.StorageType = strings.ToLower(flagStorageType)
	}
	if flagDNSServer != "" {
		cfg.DNSServer = flagDNSServer
	}
	return cfg, nil
}

func openStorage(cfg *config.Config) (storage.Storage, error) {
	store, err := storage.NewStorage(
		cfg.StorageType,
		cfg.DataDir,
		cfg.BoltPath,
		cfg.DBHost,
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBName,
		cfg.DBPort,
		cfg.DBSSLMode,
		cfg.DBCert,
		cfg.DBKey,
		cfg.DBRootCert,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	logger.Info("storage initialized", zap.String("storage_type", cfg.StorageType))
	return store, nil
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/blockadesystems/localca/internal/ca"
	"github.com/blockadesystems/localca/internal/storage"
	"github.com/blockadesystems/localca/internal/validation"
)

var startCACmd = &cobra.Command{
	Use:   "start-ca",
	Short: "Reload the stored CA and serve certificates over HTTP and HTTPS",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStorage(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()

		material, err := store.LoadMaterial(ctx)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("no CA found in %s storage; run init-ca first", cfg.StorageType)
		}
		if err != nil {
			return fmt.Errorf("failed to load CA material: %w", err)
		}

		authority, err := ca.Initialize(ctx, ca.Options{
			Domain: cfg.CADomain,
			Reload: material,
			Store:  store,
		})
		if err != nil {
			return err
		}

		hostnames := append([]string{authority.Domain()}, cfg.ServiceHostnames...)
		serviceCert, err := ca.IssueServiceCertificate(ctx, authority, hostnames)
		if err != nil {
			return fmt.Errorf("failed to issue HTTPS certificate: %w", err)
		}

		svc, err := newIssuanceService(cfg, authority, validation.NewResolver(cfg.DNSServer, cfg.DNSTimeout))
		if err != nil {
			return err
		}
		httpInstance, httpsInstance := newRouters(cfg, svc)

		logger.Info("CA started",
			zap.String("domain", authority.Domain()),
			zap.String("origin", authority.Origin().String()),
			zap.String("serial", ca.FormatSerial(authority.Serial())),
		)
		return runListeners(
			plainListener("http", cfg.HTTPAddress, httpInstance),
			tlsListener("https", cfg.HTTPSAddress, httpsInstance, serviceCert),
		)
	},
}

func init() {
	rootCmd.AddCommand(startCACmd)
}

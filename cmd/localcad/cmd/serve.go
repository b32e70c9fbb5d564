package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/blockadesystems/localca/internal/ca"
	"github.com/blockadesystems/localca/internal/dnsfixture"
	"github.com/blockadesystems/localca/internal/storage"
	"github.com/blockadesystems/localca/internal/validation"
)

var serveDomain string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an ephemeral CA with its own DNS server, for tests and local development",
	Long: `Creates a throwaway CA in memory, starts a DNS server that answers every A query
with the configured fixture address, and serves certificates over HTTPS. Nothing is persisted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		fixture, err := dnsfixture.New(cfg.FixtureAddress, cfg.FixtureAnswer)
		if err != nil {
			return err
		}
		if err := fixture.Start(); err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := fixture.Shutdown(ctx); err != nil {
				logger.Warn("fixture DNS shutdown failed", zap.Error(err))
			}
		}()

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()

		store := storage.NewMemoryStorage()
		authority, err := ca.Initialize(ctx, ca.Options{
			Domain:  serveDomain,
			Subject: caSubjectOptions(cfg),
			Store:   store,
		})
		if err != nil {
			return err
		}

		serviceCert, err := ca.IssueServiceCertificate(ctx, authority, cfg.ServiceHostnames)
		if err != nil {
			return err
		}

		resolver := validation.NewDNSResolver(fixture.Addr(), cfg.DNSTimeout)
		svc, err := newIssuanceService(cfg, authority, resolver)
		if err != nil {
			return err
		}
		_, httpsInstance := newRouters(cfg, svc)

		logger.Info("ephemeral CA ready",
			zap.String("domain", authority.Domain()),
			zap.String("dns_fixture", fixture.Addr()),
			zap.String("answer", cfg.FixtureAnswer),
		)
		return runListeners(tlsListener("service", cfg.ServiceAddress, httpsInstance, serviceCert))
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveDomain, "domain", "localhost", "Domain the ephemeral CA is bound to")
}

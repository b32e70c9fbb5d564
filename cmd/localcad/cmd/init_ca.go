package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/blockadesystems/localca/internal/ca"
	"github.com/blockadesystems/localca/internal/config"
	"github.com/blockadesystems/localca/internal/storage"
)

var initForce bool

var initCACmd = &cobra.Command{
	Use:   "init-ca <domain>",
	Short: "Create a new CA bound to <domain> and persist it",
	Args:  cobra.ExactArgs(1),
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

		existing, err := store.LoadMaterial(ctx)
		switch {
		case err == nil && !initForce:
			return fmt.Errorf("a CA for %q already exists in %s storage; use --force to replace it", existing.Domain, cfg.StorageType)
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			return fmt.Errorf("failed to check for existing CA: %w", err)
		}

		authority, err := ca.Initialize(ctx, ca.Options{
			Domain:  args[0],
			Subject: caSubjectOptions(cfg),
			Store:   store,
		})
		if err != nil {
			return err
		}

		logger.Info("CA initialized",
			zap.String("domain", authority.Domain()),
			zap.String("subject", authority.Subject().String()),
			zap.String("serial", ca.FormatSerial(authority.Serial())),
			zap.Time("not_after", authority.Certificate().NotAfter),
		)
		fmt.Fprint(cmd.OutOrStdout(), string(authority.CertificatePEM()))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCACmd)
	initCACmd.Flags().BoolVar(&initForce, "force", false, "Replace an existing CA")
}

func caSubjectOptions(cfg *config.Config) ca.SubjectOptions {
	return ca.SubjectOptions{
		Country:            cfg.Country,
		Locality:           cfg.Locality,
		Organization:       cfg.Organization,
		OrganizationalUnit: cfg.OrganizationalUnit,
	}
}

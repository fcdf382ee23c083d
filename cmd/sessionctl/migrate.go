package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/sessiongate/internal/adapter/metrics"
	"github.com/pscheid92/sessiongate/internal/adapter/postgres"
	"github.com/pscheid92/sessiongate/internal/platform/config"
	"github.com/spf13/cobra"
)

const migrateTimeout = 2 * time.Minute

func newMigrateCmd(cfg *config.AdminConfig) *cobra.Command {
	var statusOnly bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending PostgreSQL schema migrations",
		Long: `Apply pending PostgreSQL schema migrations under an advisory lock.
The server also migrates on start; this command lets a deploy pipeline
migrate ahead of rolling out new instances.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), migrateTimeout)
			defer cancel()

			pool, err := postgres.Connect(ctx, cfg.DatabaseURL, metrics.NewStoreMetrics(prometheus.NewRegistry(), config.StoreBackendPostgres))
			if err != nil {
				return err
			}
			defer pool.Close()

			if !statusOnly {
				if err := postgres.RunMigrationsWithLock(ctx, pool); err != nil {
					return err
				}
			}

			current, latest, err := postgres.SchemaVersion(ctx, pool)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "schema version %d of %d\n", current, latest)
			return err
		},
	}

	cmd.Flags().BoolVar(&statusOnly, "status", false, "only print the current schema version")
	return cmd
}

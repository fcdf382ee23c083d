package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/sessiongate/internal/adapter/metrics"
	"github.com/pscheid92/sessiongate/internal/adapter/postgres"
	"github.com/pscheid92/sessiongate/internal/adapter/redis"
	"github.com/pscheid92/sessiongate/internal/domain"
	"github.com/pscheid92/sessiongate/internal/platform/config"
	"github.com/pscheid92/sessiongate/internal/platform/logging"
	"github.com/pscheid92/sessiongate/internal/platform/version"
	"github.com/spf13/cobra"
)

// deps are the seams the commands are built on, replaced in tests.
type deps struct {
	clock      clockwork.Clock
	loadConfig func() (*config.AdminConfig, error)
	openStore  func(ctx context.Context, cfg *config.AdminConfig, clock clockwork.Clock) (domain.SessionStore, func(), error)
}

func defaultDeps(clock clockwork.Clock) *deps {
	return &deps{
		clock:      clock,
		loadConfig: config.LoadAdmin,
		openStore:  openStore,
	}
}

type rootFlags struct {
	backend     string
	databaseURL string
	redisURL    string
}

func newRootCmd(d *deps) *cobra.Command {
	var (
		flags rootFlags
		cfg   config.AdminConfig
	)

	root := &cobra.Command{
		Use:           "sessionctl",
		Short:         "Administer sessiongate session records and credentials",
		Version:       version.Get().Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := d.loadConfig()
			if err != nil {
				return err
			}
			cfg = *loaded
			if flags.backend != "" {
				cfg.StoreBackend = flags.backend
			}
			if flags.databaseURL != "" {
				cfg.DatabaseURL = flags.databaseURL
			}
			if flags.redisURL != "" {
				cfg.RedisURL = flags.redisURL
			}

			slog.SetDefault(logging.New(cmd.ErrOrStderr(), cfg.LogLevel, "text"))
			return nil
		},
	}

	root.PersistentFlags().StringVar(&flags.backend, "backend", "", "store backend (postgres, redis); defaults to STORE_BACKEND")
	root.PersistentFlags().StringVar(&flags.databaseURL, "database-url", "", "PostgreSQL URL; defaults to DATABASE_URL")
	root.PersistentFlags().StringVar(&flags.redisURL, "redis-url", "", "Redis URL; defaults to REDIS_URL")

	root.AddCommand(newMigrateCmd(&cfg))
	root.AddCommand(newSessionsCmd(d, &cfg))
	root.AddCommand(newTokenCmd(d, &cfg))
	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		// Skip config loading.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.Get().String())
			return err
		},
	}
}

// openStore connects the durable backend named by cfg. The memory backend
// is rejected because it holds nothing outside a running server.
func openStore(ctx context.Context, cfg *config.AdminConfig, clock clockwork.Clock) (domain.SessionStore, func(), error) {
	// The CLI has no metrics endpoint; a throwaway registry satisfies the adapters.
	reg := prometheus.NewRegistry()

	switch cfg.StoreBackend {
	case config.StoreBackendPostgres:
		if cfg.DatabaseURL == "" {
			return nil, nil, errors.New("DATABASE_URL is required for the postgres backend")
		}
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL, metrics.NewStoreMetrics(reg, config.StoreBackendPostgres))
		if err != nil {
			return nil, nil, err
		}
		return postgres.NewSessionStore(pool), pool.Close, nil
	case config.StoreBackendRedis:
		if cfg.RedisURL == "" {
			return nil, nil, errors.New("REDIS_URL is required for the redis backend")
		}
		rdb, err := redis.NewClient(ctx, cfg.RedisURL, metrics.NewStoreMetrics(reg, config.StoreBackendRedis))
		if err != nil {
			return nil, nil, err
		}
		return redis.NewSessionStore(rdb, clock), func() { _ = rdb.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("backend %q holds no durable records", cfg.StoreBackend)
	}
}

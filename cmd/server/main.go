package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/sessiongate/internal/adapter/auth"
	"github.com/pscheid92/sessiongate/internal/adapter/bridge"
	"github.com/pscheid92/sessiongate/internal/adapter/callback"
	"github.com/pscheid92/sessiongate/internal/adapter/httpserver"
	"github.com/pscheid92/sessiongate/internal/adapter/memory"
	"github.com/pscheid92/sessiongate/internal/adapter/metrics"
	"github.com/pscheid92/sessiongate/internal/adapter/postgres"
	"github.com/pscheid92/sessiongate/internal/adapter/qrcode"
	"github.com/pscheid92/sessiongate/internal/adapter/redis"
	"github.com/pscheid92/sessiongate/internal/app"
	"github.com/pscheid92/sessiongate/internal/domain"
	"github.com/pscheid92/sessiongate/internal/lifecycle"
	"github.com/pscheid92/sessiongate/internal/platform/config"
	"github.com/pscheid92/sessiongate/internal/platform/logging"
	"github.com/pscheid92/sessiongate/internal/platform/retry"
	"github.com/pscheid92/sessiongate/internal/platform/version"
	"github.com/pscheid92/sessiongate/internal/registry"
	goredis "github.com/redis/go-redis/v9"
)

const (
	qrEvictionInterval = time.Minute
	shutdownTimeout    = 10 * time.Second
	connectTimeout     = 10 * time.Second
)

type storeSetup struct {
	store        domain.SessionStore
	redisClient  *goredis.Client
	healthChecks []httpserver.HealthCheck
	closers      []func()
}

func (s *storeSetup) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// setupStore connects the configured backend. Redis is also connected when
// REDIS_URL is set for another backend, for janitor leader election.
func setupStore(cfg *config.Config, reg prometheus.Registerer, clock clockwork.Clock) (*storeSetup, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	setup := &storeSetup{}

	if cfg.RedisURL != "" {
		rdb, err := redis.NewClient(ctx, cfg.RedisURL, metrics.NewStoreMetrics(reg, config.StoreBackendRedis))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		setup.redisClient = rdb
		setup.closers = append(setup.closers, func() { _ = rdb.Close() })
		setup.healthChecks = append(setup.healthChecks, httpserver.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	}

	switch cfg.StoreBackend {
	case config.StoreBackendPostgres:
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL, metrics.NewStoreMetrics(reg, config.StoreBackendPostgres))
		if err != nil {
			setup.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		setup.closers = append(setup.closers, pool.Close)

		if err := postgres.RunMigrationsWithLock(ctx, pool); err != nil {
			setup.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}

		setup.store = postgres.NewSessionStore(pool)
		setup.healthChecks = append(setup.healthChecks, httpserver.HealthCheck{
			Name:  "postgres",
			Check: pool.Ping,
		})
	case config.StoreBackendRedis:
		setup.store = redis.NewSessionStore(setup.redisClient, clock)
	case config.StoreBackendMemory:
		slog.Warn("Using in-memory session store; records are lost on restart")
		setup.store = memory.NewSessionStore(clock)
	}

	return setup, nil
}

func setupAuthenticator(cfg *config.Config, clock clockwork.Clock) domain.Authenticator {
	authenticator, err := auth.New(cfg.AuthMode, cfg.AuthSecret, clock)
	if err != nil {
		slog.Error("Failed to create authenticator", "error", err)
		os.Exit(1)
	}
	return authenticator
}

func setupTransport(cfg *config.Config, clock clockwork.Clock, m *metrics.BridgeMetrics) domain.Transport {
	var header http.Header
	if cfg.BridgeToken != "" {
		header = http.Header{"Authorization": []string{"Bearer " + cfg.BridgeToken}}
	}
	transport, err := bridge.NewTransport(cfg.BridgeURL, header, clock, m)
	if err != nil {
		slog.Error("Failed to create bridge transport", "error", err)
		os.Exit(1)
	}
	return transport
}

func setupRenderer(cfg *config.Config) domain.QRRenderer {
	var renderer domain.QRRenderer = qrcode.NewRenderer()
	if cfg.QRTerminal {
		renderer = qrcode.NewTerminalEcho(renderer, os.Stderr)
	}
	return renderer
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func runGracefulShutdown(srv *httpserver.Server, appSvc *app.Service, controller *lifecycle.Controller, stopEviction func()) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		appSvc.Stop()
		stopEviction()

		// Records stay open so the next process can resume them.
		if err := controller.Shutdown(shutdownCtx); err != nil {
			slog.Error("Session shutdown error", "error", err)
		}

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "store", cfg.StoreBackend, "version", version.Get().Version)

	reg := metrics.NewRegistry()

	stores, err := setupStore(cfg, reg, clock)
	if err != nil {
		slog.Error("Failed to set up session store", "error", err)
		os.Exit(1)
	}
	defer stores.Close()

	transport := setupTransport(cfg, clock, metrics.NewBridgeMetrics(reg))

	sessions := registry.New(transport, clock, cfg.QRTTL, cfg.MaxSessions, metrics.NewRegistryMetrics(reg))
	stopEviction := sessions.StartEvictionTimer(qrEvictionInterval)

	notifier := callback.NewNotifier(cfg.CallbackTimeout,
		callback.NewTargetPolicy(cfg.CallbackAllowedHosts, cfg.CallbackAllowPrivate),
		metrics.NewCallbackMetrics(reg))

	controller := lifecycle.NewController(sessions, stores.store, setupRenderer(cfg), notifier, clock, lifecycle.Config{
		MaxReconnectAttempts: cfg.ReconnectMaxAttempts,
		Backoff:              retry.Backoff{Initial: cfg.ReconnectInitialBackoff, Max: cfg.ReconnectMaxBackoff},
		BackupSyncInterval:   cfg.BackupSyncInterval,
		SendTimeout:          cfg.SendTimeout,
	}, metrics.NewSessionMetrics(reg), metrics.NewMessageMetrics(reg))

	// Pass nil explicitly to avoid a typed-nil interface.
	var leader *app.LeaderElector
	if stores.redisClient != nil {
		leader = app.NewLeaderElector(stores.redisClient, instanceID())
	}
	opts := app.Options{
		LoginTimeout:    cfg.LoginTimeout,
		JanitorInterval: cfg.JanitorInterval,
		ClosedRetention: cfg.ClosedRetention,
	}
	janitorMetrics := metrics.NewJanitorMetrics(reg)
	var appSvc *app.Service
	if leader != nil {
		appSvc = app.NewService(stores.store, controller, sessions, leader, clock, opts, janitorMetrics)
	} else {
		appSvc = app.NewService(stores.store, controller, sessions, nil, clock, opts, janitorMetrics)
	}

	resumeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := appSvc.ResumeAll(resumeCtx); err != nil {
		slog.Error("Failed to resume sessions", "error", err)
	}
	cancel()

	srv := httpserver.NewServer(cfg, appSvc, setupAuthenticator(cfg, clock), metrics.NewHTTPMetrics(reg), metrics.Handler(reg), stores.healthChecks)

	done := runGracefulShutdown(srv, appSvc, controller, stopEviction)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}

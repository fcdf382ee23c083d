package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/sessiongate/internal/adapter/callback"
	"github.com/pscheid92/sessiongate/internal/adapter/metrics"
	"github.com/pscheid92/sessiongate/internal/app"
	"github.com/pscheid92/sessiongate/internal/domain"
	"github.com/pscheid92/sessiongate/internal/platform/config"
)

type appService interface {
	StartSession(ctx context.Context, tenantID string, meta domain.SessionMetadata) (app.StartResult, error)
	FetchLoginArtifact(ctx context.Context, tenantID string, sessionID uuid.UUID) (*app.LoginArtifact, error)
	Dispatch(ctx context.Context, tenantID string, sessionID uuid.UUID, msg domain.Message) (*domain.DeliveryReceipt, error)
	SessionStatus(ctx context.Context, tenantID string, sessionID uuid.UUID) (*app.SessionStatus, error)
	CloseSession(ctx context.Context, tenantID string, sessionID uuid.UUID) error
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	app            appService
	auth           domain.Authenticator
	callbackPolicy callback.TargetPolicy

	metrics        *metrics.HTTPMetrics
	metricsHandler http.Handler

	healthChecks []HealthCheck
	startTime    time.Time
}

// NewServer wires the gateway routes. metricsHandler may be nil, in which
// case /metrics is not served.
func NewServer(cfg *config.Config, app appService, auth domain.Authenticator, m *metrics.HTTPMetrics, metricsHandler http.Handler, healthChecks []HealthCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:           e,
		config:         cfg,
		app:            app,
		auth:           auth,
		callbackPolicy: callback.NewTargetPolicy(cfg.CallbackAllowedHosts, cfg.CallbackAllowPrivate),
		metrics:        m,
		metricsHandler: metricsHandler,
		healthChecks:   healthChecks,
		startTime:      time.Now(),
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// ServeHTTP exposes the router, mainly for tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

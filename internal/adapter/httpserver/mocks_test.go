package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/sessiongate/internal/adapter/callback"
	"github.com/pscheid92/sessiongate/internal/app"
	"github.com/pscheid92/sessiongate/internal/domain"
	"github.com/pscheid92/sessiongate/internal/platform/config"
)

const testKey = "test-key-0123456789"

// --- Mock implementations ---

type mockAppService struct {
	startSessionFn  func(ctx context.Context, tenantID string, meta domain.SessionMetadata) (app.StartResult, error)
	fetchArtifactFn func(ctx context.Context, tenantID string, sessionID uuid.UUID) (*app.LoginArtifact, error)
	dispatchFn      func(ctx context.Context, tenantID string, sessionID uuid.UUID, msg domain.Message) (*domain.DeliveryReceipt, error)
	statusFn        func(ctx context.Context, tenantID string, sessionID uuid.UUID) (*app.SessionStatus, error)
	closeFn         func(ctx context.Context, tenantID string, sessionID uuid.UUID) error
}

func (m *mockAppService) StartSession(ctx context.Context, tenantID string, meta domain.SessionMetadata) (app.StartResult, error) {
	if m.startSessionFn != nil {
		return m.startSessionFn(ctx, tenantID, meta)
	}
	return app.StartResult{}, errors.New("not implemented")
}

func (m *mockAppService) FetchLoginArtifact(ctx context.Context, tenantID string, sessionID uuid.UUID) (*app.LoginArtifact, error) {
	if m.fetchArtifactFn != nil {
		return m.fetchArtifactFn(ctx, tenantID, sessionID)
	}
	return nil, domain.ErrLoginArtifactNotAvailable
}

func (m *mockAppService) Dispatch(ctx context.Context, tenantID string, sessionID uuid.UUID, msg domain.Message) (*domain.DeliveryReceipt, error) {
	if m.dispatchFn != nil {
		return m.dispatchFn(ctx, tenantID, sessionID, msg)
	}
	return nil, errors.New("not implemented")
}

func (m *mockAppService) SessionStatus(ctx context.Context, tenantID string, sessionID uuid.UUID) (*app.SessionStatus, error) {
	if m.statusFn != nil {
		return m.statusFn(ctx, tenantID, sessionID)
	}
	return nil, domain.ErrSessionNotFound
}

func (m *mockAppService) CloseSession(ctx context.Context, tenantID string, sessionID uuid.UUID) error {
	if m.closeFn != nil {
		return m.closeFn(ctx, tenantID, sessionID)
	}
	return nil
}

type mockAuthenticator struct {
	authenticateFn func(ctx context.Context, tenantID, credential string) error
}

func (m *mockAuthenticator) Authenticate(ctx context.Context, tenantID, credential string) error {
	if m.authenticateFn != nil {
		return m.authenticateFn(ctx, tenantID, credential)
	}
	if credential != testKey {
		return domain.ErrUnauthorized
	}
	return nil
}

// --- Test helpers ---

func testConfig() *config.Config {
	return &config.Config{
		Port:             "0",
		AuthHeader:       "X-Valid-Key",
		StartRateLimit:   100,
		StartRateBurst:   100,
		MaxRecipients:    3,
		MaxDocumentBytes: 16,
		BodyLimit:        "1M",
	}
}

func newTestServer(t *testing.T, app appService, opts ...func(*Server)) *Server {
	t.Helper()

	srv := &Server{
		echo:      echo.New(),
		config:    testConfig(),
		app:       app,
		auth:      &mockAuthenticator{},
		startTime: time.Now(),
	}

	for _, opt := range opts {
		opt(srv)
	}
	srv.callbackPolicy = callback.NewTargetPolicy(srv.config.CallbackAllowedHosts, srv.config.CallbackAllowPrivate)

	srv.registerRoutes()

	return srv
}

func withConfig(fn func(*config.Config)) func(*Server) {
	return func(s *Server) {
		fn(s.config)
	}
}

func withAuthenticator(a domain.Authenticator) func(*Server) {
	return func(s *Server) {
		s.auth = a
	}
}

func withHealthChecks(checks ...HealthCheck) func(*Server) {
	return func(s *Server) {
		s.healthChecks = checks
	}
}

// doRequest sends an authenticated JSON request through the full router.
func doRequest(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	return doRequestWithHeaders(srv, method, path, body, map[string]string{"X-Valid-Key": testKey})
}

func doRequestWithHeaders(srv *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func healthOK(_ context.Context) error { return nil }

func healthErr(msg string) func(context.Context) error {
	return func(_ context.Context) error { return errors.New(msg) }
}

var _ http.Handler = (*Server)(nil)

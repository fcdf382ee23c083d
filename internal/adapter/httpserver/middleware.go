package httpserver

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/sessiongate/internal/adapter/metrics"
	"github.com/pscheid92/sessiongate/internal/domain"
	"github.com/pscheid92/sessiongate/internal/platform/correlation"
	apperrors "github.com/pscheid92/sessiongate/internal/platform/errors"
)

const (
	tenantKey            = "tenantID"
	maxCorrelationLength = 64
	maxTenantIDLength    = 128
)

// correlationMiddleware reuses a caller-supplied correlation ID when it looks
// sane and generates one otherwise. The ID is echoed in the response.
func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Request().Header.Get(correlation.Header)
		if !validCorrelationID(id) {
			id = correlation.NewID()
		}
		ctx := correlation.WithID(c.Request().Context(), id)
		c.SetRequest(c.Request().WithContext(ctx))
		c.Response().Header().Set(correlation.Header, id)
		return next(c)
	}
}

func validCorrelationID(id string) bool {
	if id == "" || len(id) > maxCorrelationLength {
		return false
	}
	for _, r := range id {
		if r < '!' || r > '~' {
			return false
		}
	}
	return true
}

// requireTenantAuth validates the :tenantID path parameter and checks the
// caller credential for that tenant before any handler runs.
func (s *Server) requireTenantAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID := c.Param("tenantID")
		if tenantID == "" || len(tenantID) > maxTenantIDLength {
			return apperrors.ValidationError("invalid tenant ID")
		}

		credential := s.credential(c)
		if credential == "" {
			return apperrors.UnauthorizedError("missing credential")
		}
		if err := s.auth.Authenticate(c.Request().Context(), tenantID, credential); err != nil {
			if !errors.Is(err, domain.ErrUnauthorized) {
				slog.WarnContext(c.Request().Context(), "Authenticator failed", "tenant_id", tenantID, "error", err)
			}
			return apperrors.UnauthorizedError("unauthorized")
		}

		c.Set(tenantKey, tenantID)
		return next(c)
	}
}

func (s *Server) credential(c echo.Context) string {
	if v := c.Request().Header.Get(s.config.AuthHeader); v != "" {
		return v
	}
	const prefix = "Bearer "
	authz := c.Request().Header.Get(echo.HeaderAuthorization)
	if len(authz) > len(prefix) && strings.EqualFold(authz[:len(prefix)], prefix) {
		return strings.TrimSpace(authz[len(prefix):])
	}
	return ""
}

// ErrorHandlingMiddleware renders handler errors as JSON error bodies with a
// stable type. m may be nil.
func ErrorHandlingMiddleware(m *metrics.HTTPMetrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}

			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				return err
			}

			structuredErr := classify(err)
			logError(c, structuredErr)
			countError(m, structuredErr.Type)

			if err := c.JSON(structuredErr.HTTPStatus(), structuredErr.ToResponse()); err != nil {
				return fmt.Errorf("failed to write error response: %w", err)
			}
			return nil
		}
	}
}

// classify maps domain errors onto structured errors. Errors that are
// already structured pass through unchanged.
func classify(err error) *apperrors.Error {
	var structuredErr *apperrors.Error
	if errors.As(err, &structuredErr) {
		return structuredErr
	}

	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return apperrors.NotFoundError("session not found")
	case errors.Is(err, domain.ErrLoginArtifactNotAvailable):
		return apperrors.NotFoundError("QR code not available")
	case errors.Is(err, domain.ErrSessionNotReady):
		return apperrors.ConflictError("session is not authenticated")
	case errors.Is(err, domain.ErrTenantAlreadyActive), errors.Is(err, domain.ErrAlreadyExists):
		return apperrors.ConflictError("session already exists")
	case errors.Is(err, domain.ErrSessionClosed):
		return apperrors.GoneError("session is closed")
	case errors.Is(err, domain.ErrTransport):
		return apperrors.ExternalError("transport failure", err)
	case errors.Is(err, domain.ErrRegistryFull):
		return apperrors.UnavailableError("no session capacity left", err)
	case errors.Is(err, domain.ErrUnauthorized):
		return apperrors.UnauthorizedError("unauthorized")
	}

	var existsErr *domain.SessionExistsError
	if errors.As(err, &existsErr) {
		return apperrors.ConflictError("session already exists").
			WithField("session_id", existsErr.Record.SessionID.String())
	}

	return apperrors.InternalError("internal server error", err)
}

func countError(m *metrics.HTTPMetrics, errType apperrors.ErrorType) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(string(errType)).Inc()
}

func logError(c echo.Context, err *apperrors.Error) {
	ctx := c.Request().Context()
	attrs := []any{
		"error_type", err.Type,
		"message", err.Message,
		"path", c.Request().URL.Path,
		"method", c.Request().Method,
		"status", err.HTTPStatus(),
	}

	for k, v := range err.Context {
		attrs = append(attrs, k, v)
	}

	if tenantID := c.Get(tenantKey); tenantID != nil {
		attrs = append(attrs, "tenant_id", tenantID)
	}

	switch err.Type {
	case apperrors.TypeValidation, apperrors.TypeNotFound, apperrors.TypeUnauthorized, apperrors.TypeGone:
		slog.InfoContext(ctx, "Request rejected", attrs...)
	case apperrors.TypeConflict:
		slog.WarnContext(ctx, "Conflict", attrs...)
	case apperrors.TypeUnavailable:
		slog.WarnContext(ctx, "Capacity exhausted", attrs...)
	case apperrors.TypeInternal:
		if err.Cause != nil {
			attrs = append(attrs, "cause", err.Cause)
		}
		slog.ErrorContext(ctx, "Internal error", attrs...)
	case apperrors.TypeExternal:
		if err.Cause != nil {
			attrs = append(attrs, "cause", err.Cause)
		}
		slog.ErrorContext(ctx, "External service error", attrs...)
	default:
		slog.ErrorContext(ctx, "Unknown error type", attrs...)
	}
}

package httpserver

import (
	"encoding/base64"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/sessiongate/internal/domain"
	apperrors "github.com/pscheid92/sessiongate/internal/platform/errors"
)

const defaultMimeType = "application/octet-stream"

func (s *Server) registerSessionRoutes() {
	g := s.echo.Group("/sessions/:tenantID", s.requireTenantAuth)
	g.POST("", s.handleStartSession, newRateLimiter(s.config.StartRateLimit, s.config.StartRateBurst))
	g.GET("/:sessionID", s.handleSessionStatus)
	g.DELETE("/:sessionID", s.handleCloseSession)
	g.GET("/:sessionID/qr", s.handleFetchQR)
	g.POST("/:sessionID/messages", s.handleDispatch)
}

type startSessionRequest struct {
	SiteName    string `json:"siteName"`
	CallbackURL string `json:"callbackURL"`
}

type sessionRefResponse struct {
	SessionID     uuid.UUID `json:"sessionID"`
	AlreadyActive bool      `json:"alreadyActive,omitempty"`
}

func (s *Server) handleStartSession(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := c.Get(tenantKey).(string)

	var req startSessionRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	if err := s.validateCallbackURL(req.CallbackURL); err != nil {
		return err
	}

	res, err := s.app.StartSession(ctx, tenantID, domain.SessionMetadata{
		SiteName:    strings.TrimSpace(req.SiteName),
		CallbackURL: req.CallbackURL,
	})
	if err != nil {
		return err
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	if err := c.JSON(status, sessionRefResponse{SessionID: res.SessionID, AlreadyActive: res.AlreadyActive}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) validateCallbackURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return apperrors.ValidationError("callbackURL must be an absolute http(s) URL").WithField("callback_url", raw)
	}
	if err := s.callbackPolicy.CheckURL(raw); err != nil {
		return apperrors.ValidationError("callbackURL host is not allowed").WithField("callback_url", raw)
	}
	return nil
}

func (s *Server) handleFetchQR(c echo.Context) error {
	sessionID, err := sessionIDParam(c)
	if err != nil {
		return err
	}

	artifact, err := s.app.FetchLoginArtifact(c.Request().Context(), c.Get(tenantKey).(string), sessionID)
	if err != nil {
		return err
	}

	if artifact.AlreadyActive {
		if err := c.JSON(http.StatusOK, sessionRefResponse{SessionID: artifact.SessionID, AlreadyActive: true}); err != nil {
			return fmt.Errorf("failed to send JSON response: %w", err)
		}
		return nil
	}

	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	if err := c.Blob(http.StatusOK, "image/png", artifact.PNG); err != nil {
		return fmt.Errorf("failed to send QR image: %w", err)
	}
	return nil
}

type documentRequest struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
	Caption  string `json:"caption"`
}

type dispatchRequest struct {
	Recipients []string         `json:"recipients"`
	Text       string           `json:"text"`
	Document   *documentRequest `json:"document"`
}

type dispatchFailedResponse struct {
	Error   string                  `json:"error"`
	Type    apperrors.ErrorType     `json:"type"`
	Receipt *domain.DeliveryReceipt `json:"receipt"`
}

func (s *Server) handleDispatch(c echo.Context) error {
	ctx := c.Request().Context()

	sessionID, err := sessionIDParam(c)
	if err != nil {
		return err
	}

	var req dispatchRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	msg, err := s.toMessage(req)
	if err != nil {
		return err
	}

	receipt, err := s.app.Dispatch(ctx, c.Get(tenantKey).(string), sessionID, msg)
	if err != nil {
		return err
	}

	if !receipt.Success {
		countError(s.metrics, apperrors.TypeExternal)
		resp := dispatchFailedResponse{
			Error:   "delivery failed for one or more recipients",
			Type:    apperrors.TypeExternal,
			Receipt: receipt,
		}
		if err := c.JSON(http.StatusBadGateway, resp); err != nil {
			return fmt.Errorf("failed to send JSON response: %w", err)
		}
		return nil
	}

	if err := c.JSON(http.StatusOK, receipt); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

// toMessage validates a dispatch request and decodes its document payload.
func (s *Server) toMessage(req dispatchRequest) (domain.Message, error) {
	if len(req.Recipients) == 0 {
		return domain.Message{}, apperrors.ValidationError("recipients must not be empty")
	}
	if len(req.Recipients) > s.config.MaxRecipients {
		return domain.Message{}, apperrors.ValidationError("too many recipients").
			WithField("max_recipients", s.config.MaxRecipients)
	}

	recipients := make([]string, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		r = strings.TrimSpace(r)
		if r == "" {
			return domain.Message{}, apperrors.ValidationError("recipients must not contain empty entries")
		}
		recipients = append(recipients, r)
	}

	msg := domain.Message{Recipients: recipients, Content: domain.Content{Text: req.Text}}
	if req.Document == nil {
		if strings.TrimSpace(req.Text) == "" {
			return domain.Message{}, apperrors.ValidationError("either text or document is required")
		}
		return msg, nil
	}

	doc, err := s.toDocument(*req.Document)
	if err != nil {
		return domain.Message{}, err
	}
	msg.Document = doc
	return msg, nil
}

func (s *Server) toDocument(req documentRequest) (*domain.Document, error) {
	filename := filepath.Base(strings.TrimSpace(req.Filename))
	if filename == "." || filename == "/" || filename == "" {
		return nil, apperrors.ValidationError("document.filename is required")
	}
	if req.Data == "" {
		return nil, apperrors.ValidationError("document.data is required")
	}
	if base64.StdEncoding.DecodedLen(len(req.Data)) > s.config.MaxDocumentBytes+2 {
		return nil, apperrors.ValidationError("document is too large").
			WithField("max_bytes", s.config.MaxDocumentBytes)
	}

	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		return nil, apperrors.ValidationError("document.data must be base64")
	}
	if len(data) > s.config.MaxDocumentBytes {
		return nil, apperrors.ValidationError("document is too large").
			WithField("max_bytes", s.config.MaxDocumentBytes)
	}

	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = mimeTypeFor(filename)
	}

	return &domain.Document{
		Filename: filename,
		MimeType: mimeType,
		Data:     data,
		Caption:  req.Caption,
	}, nil
}

func mimeTypeFor(filename string) string {
	t := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename)))
	if t == "" {
		return defaultMimeType
	}
	if mediaType, _, err := mime.ParseMediaType(t); err == nil {
		return mediaType
	}
	return t
}

type sessionStatusResponse struct {
	SessionID         uuid.UUID               `json:"sessionID"`
	TenantID          string                  `json:"tenantID"`
	State             domain.State            `json:"state"`
	Active            bool                    `json:"active"`
	Live              bool                    `json:"live"`
	Durable           bool                    `json:"durable"`
	SiteName          string                  `json:"siteName,omitempty"`
	CreatedAt         time.Time               `json:"createdAt"`
	ClosedAt          *time.Time              `json:"closedAt,omitempty"`
	CloseReason       string                  `json:"closeReason,omitempty"`
	ReconnectAttempts int                     `json:"reconnectAttempts,omitempty"`
	LastDisconnect    domain.DisconnectReason `json:"lastDisconnect,omitempty"`
}

func (s *Server) handleSessionStatus(c echo.Context) error {
	sessionID, err := sessionIDParam(c)
	if err != nil {
		return err
	}

	st, err := s.app.SessionStatus(c.Request().Context(), c.Get(tenantKey).(string), sessionID)
	if err != nil {
		return err
	}

	resp := sessionStatusResponse{
		SessionID:         st.Record.SessionID,
		TenantID:          st.Record.TenantID,
		State:             st.State,
		Active:            st.Record.Active,
		Live:              st.Live,
		Durable:           st.Durable,
		SiteName:          st.Record.SiteName,
		CreatedAt:         st.Record.CreatedAt,
		ClosedAt:          st.Record.ClosedAt,
		CloseReason:       st.Record.CloseReason,
		ReconnectAttempts: st.ReconnectAttempts,
		LastDisconnect:    st.LastDisconnect,
	}
	if err := c.JSON(http.StatusOK, resp); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleCloseSession(c echo.Context) error {
	sessionID, err := sessionIDParam(c)
	if err != nil {
		return err
	}

	if err := s.app.CloseSession(c.Request().Context(), c.Get(tenantKey).(string), sessionID); err != nil {
		return err
	}
	if err := c.NoContent(http.StatusNoContent); err != nil {
		return fmt.Errorf("failed to send response: %w", err)
	}
	return nil
}

func sessionIDParam(c echo.Context) (uuid.UUID, error) {
	raw := c.Param("sessionID")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperrors.ValidationError("invalid session ID").WithField("session_id", raw)
	}
	return id, nil
}

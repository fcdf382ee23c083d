package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/sessiongate/internal/adapter/metrics"
	"github.com/pscheid92/sessiongate/internal/domain"
	"github.com/pscheid92/sessiongate/internal/lifecycle"
	"github.com/pscheid92/sessiongate/internal/platform/correlation"
	"golang.org/x/sync/singleflight"
)

// startTimeout bounds a collapsed start, which runs detached from any single
// caller's request.
const startTimeout = 30 * time.Second

type controller interface {
	Open(ctx context.Context, rec domain.SessionRecord) error
	IsLive(sessionID uuid.UUID) bool
	Snapshot(sessionID uuid.UUID) (lifecycle.Snapshot, bool)
	Snapshots() []lifecycle.Snapshot
	Dispatch(ctx context.Context, sessionID uuid.UUID, msg domain.Message) (*domain.DeliveryReceipt, error)
	Close(ctx context.Context, sessionID uuid.UUID, reason string) error
}

type qrSource interface {
	GetQR(sessionID uuid.UUID) ([]byte, bool)
}

// leaderLock gates cluster-wide janitor work. Nil means this instance always leads.
type leaderLock interface {
	TryAcquire(ctx context.Context) (bool, error)
}

type Options struct {
	LoginTimeout    time.Duration
	JanitorInterval time.Duration
	ClosedRetention time.Duration
}

// Service is the application layer. It is the only component that talks to
// both the store and the lifecycle controller.
type Service struct {
	store      domain.SessionStore
	controller controller
	qr         qrSource
	leader     leaderLock
	clock      clockwork.Clock
	opts       Options
	metrics    *metrics.JanitorMetrics

	startGroup    singleflight.Group
	janitorStopCh chan struct{}
	stopOnce      sync.Once
	janitorWg     sync.WaitGroup
}

type StartResult struct {
	SessionID     uuid.UUID
	AlreadyActive bool
	Created       bool
}

// LoginArtifact is either a QR image or, when the tenant is already
// authenticated, a reference to the active session.
type LoginArtifact struct {
	PNG           []byte
	AlreadyActive bool
	SessionID     uuid.UUID
}

type SessionStatus struct {
	Record            domain.SessionRecord
	State             domain.State
	Live              bool
	Durable           bool
	ReconnectAttempts int
	LastDisconnect    domain.DisconnectReason
}

// NewService creates the application service. leader may be nil.
// The janitor starts when opts.JanitorInterval is positive.
func NewService(store domain.SessionStore, ctrl controller, qr qrSource, leader leaderLock, clock clockwork.Clock, opts Options, m *metrics.JanitorMetrics) *Service {
	s := &Service{
		store:         store,
		controller:    ctrl,
		qr:            qr,
		leader:        leader,
		clock:         clock,
		opts:          opts,
		metrics:       m,
		janitorStopCh: make(chan struct{}),
	}

	if opts.JanitorInterval > 0 {
		s.startJanitor()
	}
	return s
}

// StartSession returns the tenant's active session or creates a new one.
// Concurrent calls for the same tenant are collapsed into one. A caller that
// gives up only abandons its wait; the shared start keeps running for the rest.
func (s *Service) StartSession(ctx context.Context, tenantID string, meta domain.SessionMetadata) (StartResult, error) {
	ch := s.startGroup.DoChan(tenantID, func() (any, error) {
		startCtx, cancel := context.WithTimeout(correlation.Detach(ctx), startTimeout)
		defer cancel()
		return s.startSession(startCtx, tenantID, meta)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return StartResult{}, res.Err
		}
		return res.Val.(StartResult), nil
	case <-ctx.Done():
		return StartResult{}, ctx.Err()
	}
}

func (s *Service) startSession(ctx context.Context, tenantID string, meta domain.SessionMetadata) (StartResult, error) {
	active, err := s.store.FindActive(ctx, tenantID)
	switch {
	case err == nil:
		s.resume(ctx, *active)
		return StartResult{SessionID: active.SessionID, AlreadyActive: true}, nil
	case !errors.Is(err, domain.ErrSessionNotFound):
		return StartResult{}, fmt.Errorf("failed to look up active session: %w", err)
	}

	rec, err := s.store.Create(ctx, tenantID, uuid.New(), meta)
	var exists *domain.SessionExistsError
	if errors.As(err, &exists) {
		existing := exists.Record
		if existing.Active {
			// Activated between FindActive and Create.
			s.resume(ctx, *existing)
			return StartResult{SessionID: existing.SessionID, AlreadyActive: true}, nil
		}
		if s.controller.IsLive(existing.SessionID) {
			return StartResult{SessionID: existing.SessionID}, nil
		}

		slog.InfoContext(ctx, "Closing stale session record", "session_id", existing.SessionID, "tenant_id", tenantID)
		if err := s.store.Close(ctx, existing.SessionID, domain.CloseStale); err != nil {
			return StartResult{}, fmt.Errorf("failed to close stale session: %w", err)
		}
		rec, err = s.store.Create(ctx, tenantID, uuid.New(), meta)
	}
	if err != nil {
		return StartResult{}, fmt.Errorf("failed to create session: %w", err)
	}

	if err := s.controller.Open(ctx, *rec); err != nil {
		if closeErr := s.store.Close(ctx, rec.SessionID, domain.CloseOpenFailed); closeErr != nil {
			slog.ErrorContext(ctx, "Failed to roll back session after open failure", "session_id", rec.SessionID, "error", closeErr)
		}
		return StartResult{}, err
	}

	slog.InfoContext(ctx, "Session started", "session_id", rec.SessionID, "tenant_id", tenantID, "site_name", rec.SiteName)
	return StartResult{SessionID: rec.SessionID, Created: true}, nil
}

// resume reattaches an authenticated record that has no live handle on this
// process, e.g. after a restart. Failures leave the record as is.
func (s *Service) resume(ctx context.Context, rec domain.SessionRecord) {
	if s.controller.IsLive(rec.SessionID) {
		return
	}
	if err := s.controller.Open(ctx, rec); err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
		slog.WarnContext(ctx, "Failed to resume active session", "session_id", rec.SessionID, "tenant_id", rec.TenantID, "error", err)
		return
	}
	slog.InfoContext(ctx, "Resumed active session", "session_id", rec.SessionID, "tenant_id", rec.TenantID)
}

// ResumeAll is run once at boot: authenticated records are reattached and
// unauthenticated open records left behind by a previous process are closed.
func (s *Service) ResumeAll(ctx context.Context) error {
	records, err := s.store.List(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	resumed, closed := 0, 0
	for _, rec := range records {
		if !rec.Open() || s.controller.IsLive(rec.SessionID) {
			continue
		}
		if rec.Active {
			s.resume(ctx, rec)
			resumed++
			continue
		}
		if err := s.store.Close(ctx, rec.SessionID, domain.CloseStale); err != nil {
			slog.WarnContext(ctx, "Failed to close stale session", "session_id", rec.SessionID, "error", err)
			continue
		}
		closed++
	}

	slog.InfoContext(ctx, "Session recovery finished", "resumed", resumed, "closed_stale", closed)
	return nil
}

// FetchLoginArtifact returns the QR image for sessionID, or a reference to the
// tenant's active session when login already happened.
func (s *Service) FetchLoginArtifact(ctx context.Context, tenantID string, sessionID uuid.UUID) (*LoginArtifact, error) {
	active, err := s.store.FindActive(ctx, tenantID)
	if err == nil {
		return &LoginArtifact{AlreadyActive: true, SessionID: active.SessionID}, nil
	}
	if !errors.Is(err, domain.ErrSessionNotFound) {
		return nil, fmt.Errorf("failed to look up active session: %w", err)
	}

	rec, err := s.ownedOpenRecord(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}

	png, ok := s.qr.GetQR(rec.SessionID)
	if !ok {
		return nil, domain.ErrLoginArtifactNotAvailable
	}
	return &LoginArtifact{PNG: png, SessionID: rec.SessionID}, nil
}

// Dispatch sends msg through the tenant's session.
func (s *Service) Dispatch(ctx context.Context, tenantID string, sessionID uuid.UUID, msg domain.Message) (*domain.DeliveryReceipt, error) {
	if _, err := s.ownedOpenRecord(ctx, tenantID, sessionID); err != nil {
		return nil, err
	}
	return s.controller.Dispatch(ctx, sessionID, msg)
}

// SessionStatus combines the stored record with the live state, if any.
func (s *Service) SessionStatus(ctx context.Context, tenantID string, sessionID uuid.UUID) (*SessionStatus, error) {
	rec, err := s.store.FindBySessionID(ctx, sessionID, tenantID)
	if err != nil {
		return nil, err
	}

	status := &SessionStatus{Record: *rec, State: domain.StateDisconnected, Durable: true}
	if !rec.Open() {
		status.State = domain.StateClosed
		return status, nil
	}
	if snap, ok := s.controller.Snapshot(sessionID); ok {
		status.Live = true
		status.State = snap.State
		status.Durable = snap.Durable
		status.ReconnectAttempts = snap.ReconnectAttempts
		status.LastDisconnect = snap.LastDisconnect
	}
	return status, nil
}

// CloseSession tears the session down. Closing an already closed session succeeds.
func (s *Service) CloseSession(ctx context.Context, tenantID string, sessionID uuid.UUID) error {
	rec, err := s.store.FindBySessionID(ctx, sessionID, tenantID)
	if err != nil {
		return err
	}
	if !rec.Open() {
		return nil
	}

	if err := s.controller.Close(ctx, sessionID, domain.CloseRequested); err == nil {
		return nil
	} else if !errors.Is(err, domain.ErrSessionNotFound) {
		return err
	}

	// No live handle on this process.
	return s.store.Close(ctx, sessionID, domain.CloseRequested)
}

func (s *Service) ownedOpenRecord(ctx context.Context, tenantID string, sessionID uuid.UUID) (*domain.SessionRecord, error) {
	rec, err := s.store.FindBySessionID(ctx, sessionID, tenantID)
	if err != nil {
		return nil, err
	}
	if !rec.Open() {
		return nil, domain.ErrSessionClosed
	}
	return rec, nil
}

// Stop stops the janitor and waits for an in-flight sweep to finish.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.janitorStopCh)
	})
	s.janitorWg.Wait()
}

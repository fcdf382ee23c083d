package lifecycle

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
	"github.com/pscheid92/sessiongate/internal/platform/correlation"
	"github.com/pscheid92/sessiongate/internal/platform/retry"
)

const (
	persistTimeout = 5 * time.Second
	cmdBuffer      = 16
)

// Registry is the subset of the session registry the controller needs.
type Registry interface {
	Create(ctx context.Context, cfg domain.SessionConfig) (domain.RemoteSession, error)
	CacheQR(sessionID uuid.UUID, png []byte)
	ClearQR(sessionID uuid.UUID)
	Release(sessionID uuid.UUID)
}

type Config struct {
	MaxReconnectAttempts int
	Backoff              retry.Backoff
	BackupSyncInterval   time.Duration
	SendTimeout          time.Duration
}

// Snapshot is a point-in-time view of one live session.
type Snapshot struct {
	SessionID         uuid.UUID
	TenantID          string
	State             domain.State
	StateSince        time.Time
	Durable           bool
	ReconnectAttempts int
	LastDisconnect    domain.DisconnectReason
	CloseReason       string
}

type Controller struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*session
	stopped  bool
	wg       sync.WaitGroup

	registry Registry
	store    domain.SessionStore
	renderer domain.QRRenderer
	notifier domain.DisconnectNotifier
	clock    clockwork.Clock
	cfg      Config

	metrics    *metrics.SessionMetrics
	msgMetrics *metrics.MessageMetrics
}

// NewController creates a controller. notifier may be nil.
func NewController(reg Registry, store domain.SessionStore, renderer domain.QRRenderer, notifier domain.DisconnectNotifier, clock clockwork.Clock, cfg Config, sm *metrics.SessionMetrics, mm *metrics.MessageMetrics) *Controller {
	return &Controller{
		sessions:   make(map[uuid.UUID]*session),
		registry:   reg,
		store:      store,
		renderer:   renderer,
		notifier:   notifier,
		clock:      clock,
		cfg:        cfg,
		metrics:    sm,
		msgMetrics: mm,
	}
}

// Open creates the remote handle for rec, connects it, and starts the
// session's actor. The record is expected to be open in the store.
func (c *Controller) Open(ctx context.Context, rec domain.SessionRecord) error {
	c.mu.RLock()
	stopped := c.stopped
	_, exists := c.sessions[rec.SessionID]
	c.mu.RUnlock()
	if stopped {
		return domain.ErrSessionClosed
	}
	if exists {
		return domain.ErrAlreadyExists
	}

	handle, err := c.registry.Create(ctx, domain.SessionConfig{
		SessionID:          rec.SessionID,
		TenantID:           rec.TenantID,
		BackupSyncInterval: c.cfg.BackupSyncInterval,
	})
	if err != nil {
		return err
	}

	if err := handle.Connect(ctx); err != nil {
		c.registry.Release(rec.SessionID)
		return fmt.Errorf("%w: connect: %w", domain.ErrTransport, err)
	}

	s := newSession(correlation.Detach(ctx), rec, handle, c.clock.Now())

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		s.cancel()
		c.registry.Release(rec.SessionID)
		return domain.ErrSessionClosed
	}
	c.sessions[rec.SessionID] = s
	c.wg.Add(1)
	c.mu.Unlock()

	c.metrics.LiveSessions.Inc()
	c.metrics.Transitions.WithLabelValues(string(domain.StatePending)).Inc()
	slog.InfoContext(s.ctx, "Session opened", "session_id", rec.SessionID, "tenant_id", rec.TenantID, "resumed", rec.Active)

	go c.run(s)
	return nil
}

// IsLive reports whether this process holds a running actor for sessionID.
func (c *Controller) IsLive(sessionID uuid.UUID) bool {
	_, ok := c.lookup(sessionID)
	return ok
}

// Snapshot returns the current view of a live session.
func (c *Controller) Snapshot(sessionID uuid.UUID) (Snapshot, bool) {
	s, ok := c.lookup(sessionID)
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

// Snapshots returns views of all live sessions.
func (c *Controller) Snapshots() []Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Snapshot, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s.snapshot())
	}
	return out
}

// Len returns the number of live sessions.
func (c *Controller) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

// Dispatch sends msg to every recipient over the session's handle, in order.
// It fails with ErrSessionNotReady unless the session is authenticated.
func (c *Controller) Dispatch(ctx context.Context, sessionID uuid.UUID, msg domain.Message) (*domain.DeliveryReceipt, error) {
	s, ok := c.lookup(sessionID)
	if !ok {
		return nil, domain.ErrSessionNotReady
	}

	reply := make(chan dispatchResult, 1)
	if err := s.post(ctx, dispatchCmd{ctx: ctx, msg: msg, reply: reply}); err != nil {
		return nil, err
	}

	select {
	case res := <-reply:
		return res.receipt, res.err
	case <-s.done:
		return nil, domain.ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears the session down: the session context is cancelled, the handle
// released, and the record closed with reason.
func (c *Controller) Close(ctx context.Context, sessionID uuid.UUID, reason string) error {
	s, ok := c.lookup(sessionID)
	if !ok {
		return domain.ErrSessionNotFound
	}
	return c.stopSession(ctx, s, reason, true)
}

// Shutdown stops every actor without closing the stored records, so that
// authenticated sessions can be resumed by the next process.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = true
	all := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		all = append(all, s)
	}
	c.mu.Unlock()

	for _, s := range all {
		if err := c.stopSession(ctx, s, domain.CloseShutdown, false); err != nil && !errors.Is(err, domain.ErrSessionClosed) {
			slog.Warn("Session did not stop cleanly", "session_id", s.rec.SessionID, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Lifecycle controller stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("lifecycle shutdown: %w", ctx.Err())
	}
}

func (c *Controller) stopSession(ctx context.Context, s *session, reason string, persist bool) error {
	// Cancel first so an in-flight send or reconnect wait returns promptly.
	s.cancel()
	if err := s.post(ctx, closeCmd{reason: reason, persist: persist}); err != nil {
		if errors.Is(err, domain.ErrSessionClosed) {
			return nil
		}
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) lookup(sessionID uuid.UUID) (*session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[sessionID]
	return s, ok
}

func (c *Controller) forget(sessionID uuid.UUID) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
	c.metrics.LiveSessions.Dec()
}

func (c *Controller) persistFailed(s *session, op string, err error) {
	s.setDurable(false)
	c.metrics.PersistenceFailures.WithLabelValues(op).Inc()
	slog.ErrorContext(s.ctx, "Failed to persist session state",
		"session_id", s.rec.SessionID,
		"tenant_id", s.rec.TenantID,
		"operation", op,
		"error", err,
	)
}

// persistCtx returns a context for store writes that must complete even while
// the session context is being cancelled.
func persistCtx(s *session) (context.Context, context.CancelFunc) {
	return context.WithTimeout(correlation.Detach(s.ctx), persistTimeout)
}

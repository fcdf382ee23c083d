package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/sessiongate/internal/adapter/metrics"
	"github.com/pscheid92/sessiongate/internal/domain"
)

type entry struct {
	handle      domain.RemoteSession
	qr          []byte
	qrExpiresAt time.Time
}

// Registry maps session IDs to live remote-session handles.
type Registry struct {
	mu          sync.RWMutex
	entries     map[uuid.UUID]*entry
	transport   domain.Transport
	clock       clockwork.Clock
	qrTTL       time.Duration
	maxSessions int
	metrics     *metrics.RegistryMetrics
}

// New creates a registry. maxSessions <= 0 means unlimited.
func New(transport domain.Transport, clock clockwork.Clock, qrTTL time.Duration, maxSessions int, m *metrics.RegistryMetrics) *Registry {
	return &Registry{
		entries:     make(map[uuid.UUID]*entry),
		transport:   transport,
		clock:       clock,
		qrTTL:       qrTTL,
		maxSessions: maxSessions,
		metrics:     m,
	}
}

// Create asks the transport for a new handle and registers it under cfg.SessionID.
func (r *Registry) Create(ctx context.Context, cfg domain.SessionConfig) (domain.RemoteSession, error) {
	if err := r.reserve(cfg.SessionID); err != nil {
		return nil, err
	}

	handle, err := r.transport.NewSession(ctx, cfg)
	if err != nil {
		r.mu.Lock()
		delete(r.entries, cfg.SessionID)
		r.mu.Unlock()
		return nil, fmt.Errorf("failed to create remote session: %w", err)
	}

	r.mu.Lock()
	e, ok := r.entries[cfg.SessionID]
	if ok {
		e.handle = handle
	}
	n := len(r.entries)
	r.mu.Unlock()

	if !ok {
		// Released while the transport was still creating the handle.
		_ = handle.Close()
		return nil, domain.ErrSessionClosed
	}

	r.metrics.Handles.Set(float64(n))
	return handle, nil
}

// reserve claims the slot before the transport is called so concurrent
// creates for the same ID cannot both succeed.
func (r *Registry) reserve(sessionID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[sessionID]; ok {
		r.metrics.Rejected.WithLabelValues("exists").Inc()
		return domain.ErrAlreadyExists
	}
	if r.maxSessions > 0 && len(r.entries) >= r.maxSessions {
		r.metrics.Rejected.WithLabelValues("full").Inc()
		return domain.ErrRegistryFull
	}
	r.entries[sessionID] = &entry{}
	return nil
}

// Get returns the handle registered for sessionID.
func (r *Registry) Get(sessionID uuid.UUID) (domain.RemoteSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[sessionID]
	if !ok || e.handle == nil {
		return nil, false
	}
	return e.handle, true
}

// CacheQR stores the latest rendered QR artifact, replacing any previous one.
// It is a no-op for unknown sessions.
func (r *Registry) CacheQR(sessionID uuid.UUID, png []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[sessionID]
	if !ok {
		return
	}
	e.qr = png
	e.qrExpiresAt = r.clock.Now().Add(r.qrTTL)
}

// GetQR returns the cached QR artifact if one exists and has not expired.
func (r *Registry) GetQR(sessionID uuid.UUID) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[sessionID]
	if !ok || e.qr == nil {
		r.metrics.QRLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	if r.clock.Now().After(e.qrExpiresAt) {
		r.metrics.QRLookups.WithLabelValues("expired").Inc()
		return nil, false
	}

	r.metrics.QRLookups.WithLabelValues("hit").Inc()
	return e.qr, true
}

// ClearQR drops the cached QR artifact, e.g. once the session authenticated.
func (r *Registry) ClearQR(sessionID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[sessionID]; ok {
		e.qr = nil
		e.qrExpiresAt = time.Time{}
	}
}

// Release closes the handle and removes the entry. Releasing an unknown
// session is a no-op.
func (r *Registry) Release(sessionID uuid.UUID) {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	if ok {
		delete(r.entries, sessionID)
	}
	n := len(r.entries)
	r.mu.Unlock()

	if !ok {
		return
	}
	r.metrics.Handles.Set(float64(n))

	if e.handle != nil {
		if err := e.handle.Close(); err != nil {
			slog.Warn("Failed to close remote session", "session_id", sessionID, "error", err)
		}
	}
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// EvictExpiredQR drops expired QR artifacts and returns how many were removed.
// Handles are untouched.
func (r *Registry) EvictExpiredQR() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	evicted := 0
	for _, e := range r.entries {
		if e.qr != nil && now.After(e.qrExpiresAt) {
			e.qr = nil
			evicted++
		}
	}
	return evicted
}

// StartEvictionTimer periodically runs EvictExpiredQR.
// Returns a stop function that should be called to clean up the goroutine.
func (r *Registry) StartEvictionTimer(interval time.Duration) func() {
	ticker := r.clock.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.Chan():
				if evicted := r.EvictExpiredQR(); evicted > 0 {
					slog.Debug("Evicted expired QR artifacts", "count", evicted)
				}
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

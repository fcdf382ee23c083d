// Package memory provides a process-local SessionStore for development and tests.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/sessiongate/internal/domain"
)

// SessionStore keeps session records in a map. Safe for concurrent use.
type SessionStore struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	records map[uuid.UUID]*domain.SessionRecord
}

var _ domain.SessionStore = (*SessionStore)(nil)

func NewSessionStore(clock clockwork.Clock) *SessionStore {
	return &SessionStore{
		clock:   clock,
		records: make(map[uuid.UUID]*domain.SessionRecord),
	}
}

func (s *SessionStore) FindActive(_ context.Context, tenantID string) (*domain.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.records {
		if rec.TenantID == tenantID && rec.Active && rec.Open() {
			return clone(rec), nil
		}
	}
	return nil, domain.ErrSessionNotFound
}

func (s *SessionStore) Create(_ context.Context, tenantID string, sessionID uuid.UUID, meta domain.SessionMetadata) (*domain.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.openLocked(tenantID); existing != nil {
		return nil, &domain.SessionExistsError{Record: clone(existing)}
	}

	rec := &domain.SessionRecord{
		TenantID:    tenantID,
		SessionID:   sessionID,
		SiteName:    meta.SiteName,
		CallbackURL: meta.CallbackURL,
		CreatedAt:   s.clock.Now().UTC(),
	}
	s.records[sessionID] = rec
	return clone(rec), nil
}

func (s *SessionStore) MarkActive(_ context.Context, sessionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	if !rec.Open() {
		return domain.ErrSessionClosed
	}
	for _, other := range s.records {
		if other.SessionID != sessionID && other.TenantID == rec.TenantID && other.Active && other.Open() {
			return domain.ErrTenantAlreadyActive
		}
	}
	rec.Active = true
	return nil
}

func (s *SessionStore) FindBySessionID(_ context.Context, sessionID uuid.UUID, tenantID string) (*domain.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[sessionID]
	if !ok || rec.TenantID != tenantID {
		return nil, domain.ErrSessionNotFound
	}
	return clone(rec), nil
}

func (s *SessionStore) MarkInactive(_ context.Context, sessionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	rec.Active = false
	return nil
}

func (s *SessionStore) Close(_ context.Context, sessionID uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	if !rec.Open() {
		return nil
	}
	now := s.clock.Now().UTC()
	rec.Active = false
	rec.ClosedAt = &now
	rec.CloseReason = reason
	return nil
}

func (s *SessionStore) List(_ context.Context, tenantID string) ([]domain.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.SessionRecord, 0)
	for _, rec := range s.records {
		if tenantID == "" || rec.TenantID == tenantID {
			out = append(out, *clone(rec))
		}
	}
	slices.SortFunc(out, func(a, b domain.SessionRecord) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

func (s *SessionStore) PruneClosed(_ context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clock.Now().Add(-olderThan)
	var pruned int64
	for id, rec := range s.records {
		if rec.ClosedAt != nil && !rec.ClosedAt.After(cutoff) {
			delete(s.records, id)
			pruned++
		}
	}
	return pruned, nil
}

func (s *SessionStore) openLocked(tenantID string) *domain.SessionRecord {
	for _, rec := range s.records {
		if rec.TenantID == tenantID && rec.Open() {
			return rec
		}
	}
	return nil
}

func clone(rec *domain.SessionRecord) *domain.SessionRecord {
	c := *rec
	if rec.ClosedAt != nil {
		t := *rec.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

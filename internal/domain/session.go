package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SessionMetadata is optional per-site data supplied when a session is started.
type SessionMetadata struct {
	SiteName    string
	CallbackURL string
}

// SessionRecord is the durable view of one tenant's attempt to connect.
type SessionRecord struct {
	TenantID    string
	SessionID   uuid.UUID
	Active      bool
	SiteName    string
	CallbackURL string
	CreatedAt   time.Time
	ClosedAt    *time.Time
	CloseReason string
}

// Open reports whether the record has not been closed yet.
func (r *SessionRecord) Open() bool {
	return r.ClosedAt == nil
}

// SessionStore persists session lifecycle state.
//
// Create is a conditional insert: a tenant holds at most one open record, and
// MarkActive refuses to activate a second record for the same tenant.
type SessionStore interface {
	FindActive(ctx context.Context, tenantID string) (*SessionRecord, error)
	Create(ctx context.Context, tenantID string, sessionID uuid.UUID, meta SessionMetadata) (*SessionRecord, error)
	MarkActive(ctx context.Context, sessionID uuid.UUID) error
	FindBySessionID(ctx context.Context, sessionID uuid.UUID, tenantID string) (*SessionRecord, error)

	MarkInactive(ctx context.Context, sessionID uuid.UUID) error
	Close(ctx context.Context, sessionID uuid.UUID, reason string) error

	List(ctx context.Context, tenantID string) ([]SessionRecord, error)
	PruneClosed(ctx context.Context, olderThan time.Duration) (int64, error)
}

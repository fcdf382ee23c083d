package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventKind identifies an event emitted by a RemoteSession.
type EventKind string

const (
	EventQR            EventKind = "qr"
	EventReady         EventKind = "ready"
	EventAuthenticated EventKind = "authenticated"
	EventDisconnected  EventKind = "disconnected"
)

// Event is delivered asynchronously on RemoteSession.Events.
type Event struct {
	Kind   EventKind
	QRCode string
	Reason DisconnectReason
}

// SessionConfig is handed to the transport when a handle is created.
type SessionConfig struct {
	SessionID          uuid.UUID
	TenantID           string
	BackupSyncInterval time.Duration
}

// RemoteSession is an opaque connection to the remote messaging network.
// Connect may be called again after a disconnect; the Events channel survives
// reconnects and is closed by Close.
type RemoteSession interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, recipient string, content Content) (messageID string, err error)
	Events() <-chan Event
	Close() error
}

// Transport creates RemoteSession handles.
type Transport interface {
	NewSession(ctx context.Context, cfg SessionConfig) (RemoteSession, error)
}

// QRRenderer turns a login code into an image.
type QRRenderer interface {
	Render(code string) ([]byte, error)
}

// DisconnectNotifier informs a tenant's site that a session dropped.
type DisconnectNotifier interface {
	NotifyDisconnected(ctx context.Context, rec SessionRecord, reason DisconnectReason) error
}

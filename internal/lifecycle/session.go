package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/pscheid92/sessiongate/internal/domain"
)

// command is the message interface for a session actor.
type command interface{ isCommand() }

type baseCommand struct{}

func (baseCommand) isCommand() {}

type dispatchCmd struct {
	baseCommand
	ctx   context.Context
	msg   domain.Message
	reply chan dispatchResult
}

type dispatchResult struct {
	receipt *domain.DeliveryReceipt
	err     error
}

type closeCmd struct {
	baseCommand
	reason  string
	persist bool
}

type connectResultCmd struct {
	baseCommand
	err error
}

// session is the state owned by one actor goroutine. Fields below mu are
// also read by other goroutines through snapshot.
type session struct {
	rec    domain.SessionRecord
	handle domain.RemoteSession
	ctx    context.Context
	cancel context.CancelFunc
	cmdCh  chan command
	done   chan struct{}

	// actor-only
	persistedActive bool
	connecting      bool
	reconnectQueued bool

	mu   sync.RWMutex
	snap Snapshot
}

func newSession(parent context.Context, rec domain.SessionRecord, handle domain.RemoteSession, now time.Time) *session {
	ctx, cancel := context.WithCancel(parent)
	return &session{
		rec:             rec,
		handle:          handle,
		ctx:             ctx,
		cancel:          cancel,
		cmdCh:           make(chan command, cmdBuffer),
		done:            make(chan struct{}),
		persistedActive: rec.Active,
		snap: Snapshot{
			SessionID:  rec.SessionID,
			TenantID:   rec.TenantID,
			State:      domain.StatePending,
			StateSince: now,
			Durable:    true,
		},
	}
}

// post delivers cmd to the actor unless it has already exited.
func (s *session) post(ctx context.Context, cmd command) error {
	select {
	case <-s.done:
		return domain.ErrSessionClosed
	default:
	}

	select {
	case s.cmdCh <- cmd:
		return nil
	case <-s.done:
		return domain.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func (s *session) state() domain.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.State
}

func (s *session) setState(st domain.State, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.State != st {
		s.snap.StateSince = now
	}
	s.snap.State = st
}

func (s *session) setDurable(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Durable = ok
}

func (s *session) update(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.snap)
}

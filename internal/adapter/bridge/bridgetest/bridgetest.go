// Package bridgetest provides an in-memory Transport for tests.
package bridgetest

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/pscheid92/sessiongate/internal/domain"
)

// Sent records one call to Session.Send.
type Sent struct {
	Recipient string
	Content   domain.Content
}

// Transport hands out fake sessions and remembers them by session ID.
type Transport struct {
	// NewSessionFn, when set, overrides session creation.
	NewSessionFn func(ctx context.Context, cfg domain.SessionConfig) (domain.RemoteSession, error)

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	created  int
}

func NewTransport() *Transport {
	return &Transport{sessions: make(map[uuid.UUID]*Session)}
}

func (t *Transport) NewSession(ctx context.Context, cfg domain.SessionConfig) (domain.RemoteSession, error) {
	if t.NewSessionFn != nil {
		return t.NewSessionFn(ctx, cfg)
	}

	s := NewSession(cfg)
	t.mu.Lock()
	t.sessions[cfg.SessionID] = s
	t.created++
	t.mu.Unlock()
	return s, nil
}

// Session returns the most recent fake created for sessionID, or nil.
func (t *Transport) Session(sessionID uuid.UUID) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[sessionID]
}

// Created returns how many sessions the transport has handed out.
func (t *Transport) Created() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.created
}

// Session is a scriptable RemoteSession. Tests drive it with Emit.
type Session struct {
	Config domain.SessionConfig

	mu        sync.Mutex
	connectFn func(ctx context.Context) error
	sendFn    func(ctx context.Context, recipient string, content domain.Content) (string, error)
	events    chan domain.Event
	connects  int
	closed    bool
	sent      []Sent
}

func NewSession(cfg domain.SessionConfig) *Session {
	return &Session{
		Config: cfg,
		events: make(chan domain.Event, 64),
	}
}

// OnConnect replaces the Connect behaviour.
func (s *Session) OnConnect(fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectFn = fn
}

// OnSend replaces the Send behaviour.
func (s *Session) OnSend(fn func(ctx context.Context, recipient string, content domain.Content) (string, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendFn = fn
}

func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	s.connects++
	fn := s.connectFn
	s.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	return nil
}

func (s *Session) Send(ctx context.Context, recipient string, content domain.Content) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", domain.ErrSessionClosed
	}
	s.sent = append(s.sent, Sent{Recipient: recipient, Content: content})
	fn := s.sendFn
	s.mu.Unlock()

	if fn != nil {
		return fn(ctx, recipient, content)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "msg-" + uuid.NewString(), nil
}

func (s *Session) Events() <-chan domain.Event {
	return s.events
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("already closed")
	}
	s.closed = true
	close(s.events)
	return nil
}

// Emit delivers an event to the consumer. It is dropped once the session is closed.
func (s *Session) Emit(ev domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

func (s *Session) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) Sent() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sent...)
}

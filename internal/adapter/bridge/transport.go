package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/sessiongate/internal/adapter/metrics"
	"github.com/pscheid92/sessiongate/internal/domain"
)

const (
	writeDeadline    = 5 * time.Second
	pingInterval     = 30 * time.Second
	pongDeadline     = 60 * time.Second
	handshakeTimeout = 10 * time.Second
	eventBufferSize  = 64
)

var errNotConnected = errors.New("bridge connection not established")

// Transport dials one bridge connection per session.
type Transport struct {
	baseURL *url.URL
	dialer  *websocket.Dialer
	header  http.Header
	clock   clockwork.Clock
	metrics *metrics.BridgeMetrics
}

var _ domain.Transport = (*Transport)(nil)

// NewTransport validates bridgeURL (ws or wss). header is sent with every dial
// and may be nil.
func NewTransport(bridgeURL string, header http.Header, clock clockwork.Clock, m *metrics.BridgeMetrics) (*Transport, error) {
	u, err := url.Parse(bridgeURL)
	if err != nil {
		return nil, fmt.Errorf("invalid bridge URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("invalid bridge URL scheme %q", u.Scheme)
	}

	return &Transport{
		baseURL: u,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		header:  header,
		clock:   clock,
		metrics: m,
	}, nil
}

// NewSession prepares a handle. Nothing is dialled until Connect.
func (t *Transport) NewSession(_ context.Context, cfg domain.SessionConfig) (domain.RemoteSession, error) {
	return &Session{
		transport: t,
		cfg:       cfg,
		events:    make(chan domain.Event, eventBufferSize),
		done:      make(chan struct{}),
	}, nil
}

func (t *Transport) sessionURL(cfg domain.SessionConfig) string {
	u := *t.baseURL
	q := u.Query()
	q.Set("session_id", cfg.SessionID.String())
	q.Set("tenant_id", cfg.TenantID)
	if cfg.BackupSyncInterval > 0 {
		q.Set("backup_sync_ms", strconv.FormatInt(cfg.BackupSyncInterval.Milliseconds(), 10))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Session is one bridge-backed RemoteSession. The events channel outlives
// individual connections and is closed by Close.
type Session struct {
	transport *Transport
	cfg       domain.SessionConfig

	mu      sync.Mutex
	current *conn
	closed  bool

	events    chan domain.Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ domain.RemoteSession = (*Session)(nil)

// Connect dials the bridge, replacing any previous connection.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	old := s.current
	s.current = nil
	s.mu.Unlock()

	if old != nil {
		old.shutdown()
	}

	ws, resp, err := s.transport.dialer.DialContext(ctx, s.transport.sessionURL(s.cfg), s.transport.header)
	if err != nil {
		s.transport.metrics.DialErrors.Inc()
		if resp != nil {
			return fmt.Errorf("bridge dial failed with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("bridge dial failed: %w", err)
	}

	s.transport.metrics.ActiveConnections.Inc()
	c := newConn(s, ws)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.shutdown()
		return domain.ErrSessionClosed
	}
	s.current = c
	s.wg.Add(2)
	s.mu.Unlock()

	c.start()
	slog.Debug("Bridge connected", "session_id", s.cfg.SessionID)
	return nil
}

// Send delivers content to recipient and waits for the bridge acknowledgement.
func (s *Session) Send(ctx context.Context, recipient string, content domain.Content) (string, error) {
	s.mu.Lock()
	c := s.current
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", domain.ErrSessionClosed
	}
	if c == nil {
		return "", errNotConnected
	}

	start := s.transport.clock.Now()
	id := uuid.NewString()
	ackCh := c.expectAck(id)
	defer c.forgetAck(id)

	if err := c.write(sendFrame(id, recipient, content)); err != nil {
		return "", fmt.Errorf("bridge write failed: %w", err)
	}

	select {
	case ack := <-ackCh:
		s.transport.metrics.SendLatency.Observe(s.transport.clock.Since(start).Seconds())
		if ack.Error != "" {
			return "", fmt.Errorf("bridge rejected message: %s", ack.Error)
		}
		return ack.MessageID, nil
	case <-c.lost:
		return "", errors.New("bridge connection lost before acknowledgement")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Session) Events() <-chan domain.Event {
	return s.events
}

// Close drops the connection and closes the events channel.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		c := s.current
		s.current = nil
		s.mu.Unlock()

		close(s.done)
		if c != nil {
			c.shutdown()
		}
		s.wg.Wait()
		close(s.events)
	})
	return nil
}

// emit delivers ev unless the session is closing.
func (s *Session) emit(ev domain.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// connectionLost is called by a reader whose connection dropped on its own.
func (s *Session) connectionLost(c *conn) {
	s.mu.Lock()
	if s.current == c {
		s.current = nil
	}
	s.mu.Unlock()

	s.emit(domain.Event{Kind: domain.EventDisconnected, Reason: domain.ReasonConnectionLost})
}

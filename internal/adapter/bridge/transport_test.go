package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/sessiongate/internal/adapter/metrics"
	"github.com/pscheid92/sessiongate/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// fakeBridge accepts WebSocket connections and hands the server side to the test.
type fakeBridge struct {
	server *httptest.Server
	conns  chan *bridgeConn
}

type bridgeConn struct {
	ws    *websocket.Conn
	query url.Values
}

func newFakeBridge(t *testing.T) *fakeBridge {
	t.Helper()
	fb := &fakeBridge{conns: make(chan *bridgeConn, 8)}
	upgrader := websocket.Upgrader{}

	fb.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fb.conns <- &bridgeConn{ws: ws, query: r.URL.Query()}
	}))
	t.Cleanup(fb.server.Close)
	return fb
}

func (fb *fakeBridge) url() string {
	return "ws" + strings.TrimPrefix(fb.server.URL, "http")
}

func (fb *fakeBridge) accept(t *testing.T) *bridgeConn {
	t.Helper()
	select {
	case c := <-fb.conns:
		t.Cleanup(func() { _ = c.ws.Close() })
		return c
	case <-time.After(waitFor):
		t.Fatal("bridge never received a connection")
		return nil
	}
}

func (c *bridgeConn) push(t *testing.T, f frame) {
	t.Helper()
	require.NoError(t, c.ws.WriteJSON(f))
}

func (c *bridgeConn) read(t *testing.T) frame {
	t.Helper()
	require.NoError(t, c.ws.SetReadDeadline(time.Now().Add(waitFor)))
	var f frame
	require.NoError(t, c.ws.ReadJSON(&f))
	return f
}

func newTestSession(t *testing.T, fb *fakeBridge) (*Session, *metrics.BridgeMetrics) {
	t.Helper()
	m := metrics.NewBridgeMetrics(prometheus.NewRegistry())
	tr, err := NewTransport(fb.url(), nil, clockwork.NewRealClock(), m)
	require.NoError(t, err)

	rs, err := tr.NewSession(context.Background(), domain.SessionConfig{
		SessionID:          uuid.New(),
		TenantID:           "alice",
		BackupSyncInterval: 5 * time.Minute,
	})
	require.NoError(t, err)
	s := rs.(*Session)
	t.Cleanup(func() { _ = s.Close() })
	return s, m
}

func nextEvent(t *testing.T, s *Session) domain.Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(waitFor):
		t.Fatal("no event received")
		return domain.Event{}
	}
}

func TestNewTransport_RejectsNonWebSocketURL(t *testing.T) {
	m := metrics.NewBridgeMetrics(prometheus.NewRegistry())
	_, err := NewTransport("http://bridge:8080", nil, clockwork.NewRealClock(), m)
	assert.Error(t, err)
}

func TestConnect_SendsSessionParameters(t *testing.T) {
	fb := newFakeBridge(t)
	s, m := newTestSession(t, fb)

	require.NoError(t, s.Connect(context.Background()))
	c := fb.accept(t)

	assert.Equal(t, s.cfg.SessionID.String(), c.query.Get("session_id"))
	assert.Equal(t, "alice", c.query.Get("tenant_id"))
	assert.Equal(t, "300000", c.query.Get("backup_sync_ms"))
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.ActiveConnections), 0)
}

func TestConnect_DialFailure(t *testing.T) {
	fb := newFakeBridge(t)
	s, m := newTestSession(t, fb)
	fb.server.Close()

	err := s.Connect(context.Background())
	assert.Error(t, err)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.DialErrors), 0)
}

func TestEvents_Forwarded(t *testing.T) {
	fb := newFakeBridge(t)
	s, m := newTestSession(t, fb)
	require.NoError(t, s.Connect(context.Background()))
	c := fb.accept(t)

	c.push(t, frame{Type: frameEvent, Event: "qr", QR: "code-1"})
	c.push(t, frame{Type: frameEvent, Event: "something_new"})
	c.push(t, frame{Type: frameEvent, Event: "authenticated"})
	c.push(t, frame{Type: frameEvent, Event: "disconnected", Reason: "logout"})

	assert.Equal(t, domain.Event{Kind: domain.EventQR, QRCode: "code-1"}, nextEvent(t, s))
	assert.Equal(t, domain.Event{Kind: domain.EventAuthenticated}, nextEvent(t, s))
	assert.Equal(t, domain.Event{Kind: domain.EventDisconnected, Reason: domain.ReasonLogout}, nextEvent(t, s))
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.EventsReceived.WithLabelValues("unknown")), 0)
}

func TestSend_WaitsForAck(t *testing.T) {
	fb := newFakeBridge(t)
	s, _ := newTestSession(t, fb)
	require.NoError(t, s.Connect(context.Background()))
	c := fb.accept(t)

	go func() {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			return
		}
		_ = c.ws.WriteJSON(frame{Type: frameAck, ID: f.ID, MessageID: "wa-" + f.Recipient})
	}()

	id, err := s.Send(context.Background(), "bob", domain.Content{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "wa-bob", id)
}

func TestSend_EncodesDocument(t *testing.T) {
	fb := newFakeBridge(t)
	s, _ := newTestSession(t, fb)
	require.NoError(t, s.Connect(context.Background()))
	c := fb.accept(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "bob", domain.Content{Document: &domain.Document{
			Filename: "invoice.pdf", MimeType: "application/pdf", Data: []byte("%PDF"), Caption: "March",
		}})
		errCh <- err
	}()

	f := c.read(t)
	assert.Equal(t, frameSend, f.Type)
	require.NotNil(t, f.Document)
	assert.Equal(t, "invoice.pdf", f.Document.Filename)
	assert.Equal(t, []byte("%PDF"), f.Document.Data)
	assert.Equal(t, "March", f.Document.Caption)

	c.push(t, frame{Type: frameAck, ID: f.ID, Error: "recipient not on network"})
	err := <-errCh
	assert.ErrorContains(t, err, "recipient not on network")
}

func TestSend_ContextCancelled(t *testing.T) {
	fb := newFakeBridge(t)
	s, _ := newTestSession(t, fb)
	require.NoError(t, s.Connect(context.Background()))
	_ = fb.accept(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := s.Send(ctx, "bob", domain.Content{Text: "hi"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSend_NotConnected(t *testing.T) {
	fb := newFakeBridge(t)
	s, _ := newTestSession(t, fb)

	_, err := s.Send(context.Background(), "bob", domain.Content{Text: "hi"})
	assert.ErrorIs(t, err, errNotConnected)
}

func TestConnectionDrop_EmitsConnectionLost(t *testing.T) {
	fb := newFakeBridge(t)
	s, m := newTestSession(t, fb)
	require.NoError(t, s.Connect(context.Background()))
	c := fb.accept(t)

	_ = c.ws.Close()

	assert.Equal(t, domain.Event{Kind: domain.EventDisconnected, Reason: domain.ReasonConnectionLost}, nextEvent(t, s))
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.ActiveConnections) == 0
	}, waitFor, 5*time.Millisecond)

	_, err := s.Send(context.Background(), "bob", domain.Content{Text: "hi"})
	assert.ErrorIs(t, err, errNotConnected)
}

func TestReconnect_ReplacesConnectionSilently(t *testing.T) {
	fb := newFakeBridge(t)
	s, m := newTestSession(t, fb)
	require.NoError(t, s.Connect(context.Background()))
	_ = fb.accept(t)

	require.NoError(t, s.Connect(context.Background()))
	second := fb.accept(t)

	second.push(t, frame{Type: frameEvent, Event: "ready"})
	assert.Equal(t, domain.Event{Kind: domain.EventReady}, nextEvent(t, s), "replacing the connection is not a disconnect")
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.ActiveConnections), 0)
}

func TestClose_ClosesEventsAndRejectsUse(t *testing.T) {
	fb := newFakeBridge(t)
	s, _ := newTestSession(t, fb)
	require.NoError(t, s.Connect(context.Background()))
	_ = fb.accept(t)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	select {
	case _, ok := <-s.Events():
		assert.False(t, ok)
	case <-time.After(waitFor):
		t.Fatal("events channel not closed")
	}

	assert.ErrorIs(t, s.Connect(context.Background()), domain.ErrSessionClosed)
	_, err := s.Send(context.Background(), "bob", domain.Content{Text: "hi"})
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
}

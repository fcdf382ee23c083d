package bridge

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// conn is a single WebSocket connection of a session. A reconnect replaces it.
type conn struct {
	session *Session
	ws      *websocket.Conn

	writeMu sync.Mutex

	ackMu sync.Mutex
	acks  map[string]chan frame

	// lost is closed when the connection ends for any reason.
	lost     chan struct{}
	lostOnce sync.Once
	// superseded is set when the session itself dropped the connection.
	superseded atomic.Bool
}

func newConn(s *Session, ws *websocket.Conn) *conn {
	return &conn{
		session: s,
		ws:      ws,
		acks:    make(map[string]chan frame),
		lost:    make(chan struct{}),
	}
}

// start runs the reader and the pinger. The caller has already added both to
// the session's wait group.
func (c *conn) start() {
	_ = c.ws.SetReadDeadline(time.Now().Add(pongDeadline))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongDeadline))
	})

	go c.readLoop()
	go c.pingLoop()
}

func (c *conn) readLoop() {
	defer c.session.wg.Done()
	defer c.markLost()
	defer c.ws.Close()

	m := c.session.transport.metrics
	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if c.superseded.Load() {
				return
			}
			slog.Warn("Bridge connection lost", "session_id", c.session.cfg.SessionID, "error", err)
			c.markLost()
			c.session.connectionLost(c)
			return
		}

		switch f.Type {
		case frameAck:
			c.deliverAck(f)
		case frameEvent:
			ev, ok := toEvent(f)
			if !ok {
				slog.Debug("Ignoring unknown bridge event", "session_id", c.session.cfg.SessionID, "event", f.Event)
				m.EventsReceived.WithLabelValues("unknown").Inc()
				continue
			}
			m.EventsReceived.WithLabelValues(string(ev.Kind)).Inc()
			c.session.emit(ev)
		default:
			slog.Debug("Ignoring bridge frame", "session_id", c.session.cfg.SessionID, "type", f.Type)
		}
	}
}

func (c *conn) pingLoop() {
	defer c.session.wg.Done()

	ticker := c.session.transport.clock.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			if err := c.writeMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.lost:
			return
		}
	}
}

func (c *conn) write(f frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return c.writeMessage(websocket.TextMessage, payload)
}

// writeMessage serializes writers; gorilla allows one concurrent writer.
// Deadlines are wall-clock since they are handed to the network stack.
func (c *conn) writeMessage(messageType int, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
	return c.ws.WriteMessage(messageType, payload)
}

func (c *conn) expectAck(id string) <-chan frame {
	ch := make(chan frame, 1)
	c.ackMu.Lock()
	c.acks[id] = ch
	c.ackMu.Unlock()
	return ch
}

func (c *conn) forgetAck(id string) {
	c.ackMu.Lock()
	delete(c.acks, id)
	c.ackMu.Unlock()
}

func (c *conn) deliverAck(f frame) {
	c.ackMu.Lock()
	ch, ok := c.acks[f.ID]
	c.ackMu.Unlock()
	if !ok {
		slog.Debug("Dropping unmatched bridge ack", "session_id", c.session.cfg.SessionID, "id", f.ID)
		return
	}

	select {
	case ch <- f:
	default:
	}
}

func (c *conn) markLost() {
	c.lostOnce.Do(func() {
		close(c.lost)
		c.session.transport.metrics.ActiveConnections.Dec()
	})
}

// shutdown closes the connection without reporting it as lost.
func (c *conn) shutdown() {
	c.superseded.Store(true)
	_ = c.writeMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing"))
	_ = c.ws.Close()
	c.markLost()
}

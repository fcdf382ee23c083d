package lifecycle

import (
	"errors"
	"log/slog"
	"time"

	"github.com/pscheid92/sessiongate/internal/domain"
	"github.com/pscheid92/sessiongate/internal/platform/retry"
)

const (
	qrRenderBackoff     = 50 * time.Millisecond
	persistRetryBackoff = 100 * time.Millisecond
)

func (c *Controller) qrRenderPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 2, InitialBackoff: qrRenderBackoff, Clock: c.clock}
}

// persistPolicy gives a failed store write one more attempt.
func (c *Controller) persistPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 2, InitialBackoff: persistRetryBackoff, Clock: c.clock}
}

func classifyPersist(err error) retry.Action {
	if errors.Is(err, domain.ErrSessionNotFound) {
		return retry.Stop
	}
	return retry.Retry
}

// run is the session actor. It is the only goroutine that mutates session
// state after Open returns.
func (c *Controller) run(s *session) {
	defer c.wg.Done()
	defer close(s.done)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Session actor panic recovered", "session_id", s.rec.SessionID, "panic", r)
			c.teardown(s, "panic", true)
		}
	}()

	events := s.handle.Events()
	var retryC <-chan time.Time

	for {
		select {
		case cmd := <-s.cmdCh:
			switch cmd := cmd.(type) {
			case dispatchCmd:
				receipt, err := c.dispatch(s, cmd.ctx, cmd.msg)
				cmd.reply <- dispatchResult{receipt: receipt, err: err}
			case connectResultCmd:
				s.connecting = false
				if s.reconnectQueued {
					s.reconnectQueued = false
					c.reconnect(s)
					continue
				}
				if cmd.err != nil && s.ctx.Err() == nil {
					slog.WarnContext(s.ctx, "Reconnect failed", "session_id", s.rec.SessionID, "error", cmd.err)
					var stop bool
					retryC, stop = c.onDisconnected(s, domain.ReasonConnectionLost)
					if stop {
						return
					}
				}
			case closeCmd:
				c.teardown(s, cmd.reason, cmd.persist)
				return
			}

		case ev, ok := <-events:
			if !ok {
				slog.WarnContext(s.ctx, "Remote session event stream ended", "session_id", s.rec.SessionID)
				c.teardown(s, domain.CloseReasonForDisconnect(domain.ReasonConnectionLost), true)
				return
			}
			var stop bool
			retryC, stop = c.onEvent(s, ev, retryC)
			if stop {
				return
			}

		case <-retryC:
			retryC = nil
			c.reconnect(s)
		}
	}
}

// onEvent applies one transport event. It returns the (possibly replaced)
// reconnect timer and whether the actor must exit.
func (c *Controller) onEvent(s *session, ev domain.Event, retryC <-chan time.Time) (<-chan time.Time, bool) {
	if s.state() == domain.StateClosed {
		return nil, true
	}

	switch ev.Kind {
	case domain.EventQR:
		c.onQR(s, ev.QRCode)
	case domain.EventReady:
		slog.InfoContext(s.ctx, "Remote session ready", "session_id", s.rec.SessionID)
	case domain.EventAuthenticated:
		return nil, c.onAuthenticated(s)
	case domain.EventDisconnected:
		return c.onDisconnected(s, ev.Reason)
	default:
		slog.WarnContext(s.ctx, "Ignoring unknown remote session event", "session_id", s.rec.SessionID, "kind", ev.Kind)
	}
	return retryC, false
}

func (c *Controller) onQR(s *session, code string) {
	if s.state() == domain.StateAuthenticated {
		slog.WarnContext(s.ctx, "Ignoring QR for authenticated session", "session_id", s.rec.SessionID)
		return
	}

	if s.persistedActive {
		// A new login code means the stored credentials no longer work.
		c.markInactive(s)
	}

	png, err := retry.Do(s.ctx, c.qrRenderPolicy(), retry.Always, func() ([]byte, error) {
		return c.renderer.Render(code)
	})
	if err != nil {
		c.metrics.QRRenderFailures.Inc()
		slog.ErrorContext(s.ctx, "Failed to render QR code", "session_id", s.rec.SessionID, "error", err)
		return
	}

	c.registry.CacheQR(s.rec.SessionID, png)
	c.metrics.QREmitted.Inc()
	c.transition(s, domain.StateAwaitingScan)
}

// onAuthenticated returns true when the actor must exit.
func (c *Controller) onAuthenticated(s *session) bool {
	c.registry.ClearQR(s.rec.SessionID)
	s.update(func(snap *Snapshot) { snap.ReconnectAttempts = 0 })
	c.transition(s, domain.StateAuthenticated)

	ctx, cancel := persistCtx(s)
	defer cancel()

	err := c.store.MarkActive(ctx, s.rec.SessionID)
	switch {
	case err == nil:
		s.persistedActive = true
		s.setDurable(true)
		slog.InfoContext(s.ctx, "Session authenticated", "session_id", s.rec.SessionID, "tenant_id", s.rec.TenantID)
	case errors.Is(err, domain.ErrTenantAlreadyActive):
		slog.WarnContext(s.ctx, "Tenant already has another active session, closing",
			"session_id", s.rec.SessionID,
			"tenant_id", s.rec.TenantID,
		)
		c.teardown(s, domain.CloseDuplicateActive, true)
		return true
	default:
		c.persistFailed(s, "mark_active", err)
	}
	return false
}

// onDisconnected returns the reconnect timer (nil if none) and whether the
// actor must exit.
func (c *Controller) onDisconnected(s *session, reason domain.DisconnectReason) (<-chan time.Time, bool) {
	c.registry.ClearQR(s.rec.SessionID)
	c.transition(s, domain.StateDisconnected)

	var attempts int
	s.update(func(snap *Snapshot) {
		snap.LastDisconnect = reason
		if reason.Recoverable() {
			snap.ReconnectAttempts++
		}
		attempts = snap.ReconnectAttempts
	})

	slog.InfoContext(s.ctx, "Session disconnected",
		"session_id", s.rec.SessionID,
		"tenant_id", s.rec.TenantID,
		"reason", reason,
		"attempt", attempts,
	)

	if s.persistedActive {
		c.markInactive(s)
	}
	c.notifyDisconnected(s, reason)

	if !reason.Recoverable() {
		c.teardown(s, domain.CloseReasonForDisconnect(reason), true)
		return nil, true
	}

	if attempts > c.cfg.MaxReconnectAttempts {
		c.metrics.ReconnectsExhausted.Inc()
		slog.WarnContext(s.ctx, "Reconnect attempts exhausted",
			"session_id", s.rec.SessionID,
			"max_attempts", c.cfg.MaxReconnectAttempts,
		)
		c.teardown(s, domain.CloseReconnectExhausted, true)
		return nil, true
	}

	delay := c.cfg.Backoff.Delay(attempts)
	c.metrics.ReconnectAttempts.Inc()
	slog.DebugContext(s.ctx, "Scheduling reconnect", "session_id", s.rec.SessionID, "delay", delay)
	return c.clock.After(delay), false
}

func (c *Controller) reconnect(s *session) {
	if s.connecting {
		s.reconnectQueued = true
		return
	}
	s.connecting = true
	c.transition(s, domain.StatePending)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := s.handle.Connect(s.ctx)
		_ = s.post(s.ctx, connectResultCmd{err: err})
	}()
}

func (c *Controller) markInactive(s *session) {
	ctx, cancel := persistCtx(s)
	defer cancel()

	err := retry.DoVoid(ctx, c.persistPolicy(), classifyPersist, func() error {
		return c.store.MarkInactive(ctx, s.rec.SessionID)
	})
	if err != nil {
		c.persistFailed(s, "mark_inactive", err)
		return
	}
	s.persistedActive = false
}

func (c *Controller) notifyDisconnected(s *session, reason domain.DisconnectReason) {
	if c.notifier == nil || s.rec.CallbackURL == "" {
		return
	}

	rec := s.rec
	ctx, cancel := persistCtx(s)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		if err := c.notifier.NotifyDisconnected(ctx, rec, reason); err != nil {
			slog.WarnContext(ctx, "Disconnect callback failed", "session_id", rec.SessionID, "error", err)
		}
	}()
}

// teardown closes the session for good. persist=false keeps the stored record
// untouched (process shutdown).
func (c *Controller) teardown(s *session, reason string, persist bool) {
	if s.state() == domain.StateClosed {
		return
	}

	s.cancel()
	c.registry.Release(s.rec.SessionID)
	s.update(func(snap *Snapshot) { snap.CloseReason = reason })
	c.transition(s, domain.StateClosed)
	c.forget(s.rec.SessionID)
	c.metrics.Closed.WithLabelValues(reason).Inc()

	if persist {
		ctx, cancel := persistCtx(s)
		defer cancel()
		err := retry.DoVoid(ctx, c.persistPolicy(), classifyPersist, func() error {
			return c.store.Close(ctx, s.rec.SessionID, reason)
		})
		if err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
			c.persistFailed(s, "close", err)
		}
	}

	slog.InfoContext(s.ctx, "Session closed",
		"session_id", s.rec.SessionID,
		"tenant_id", s.rec.TenantID,
		"reason", reason,
		"persisted", persist,
	)
}

func (c *Controller) transition(s *session, st domain.State) {
	prev := s.state()
	if prev == st {
		return
	}
	s.setState(st, c.clock.Now())
	c.metrics.Transitions.WithLabelValues(string(st)).Inc()
	slog.DebugContext(s.ctx, "Session state changed", "session_id", s.rec.SessionID, "from", prev, "to", st)
}

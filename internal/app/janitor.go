package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/pscheid92/sessiongate/internal/domain"
	"github.com/pscheid92/sessiongate/internal/platform/correlation"
)

const sweepTimeout = 30 * time.Second

// Sweep closes sessions whose login has been pending longer than the login
// timeout and, when this instance holds the janitor lock, prunes old closed
// records.
func (s *Service) Sweep(ctx context.Context) {
	start := s.clock.Now()
	defer func() {
		s.metrics.Sweeps.Inc()
		s.metrics.SweepDuration.Observe(s.clock.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	s.expireLogins(ctx)
	s.pruneClosed(ctx)
}

func (s *Service) expireLogins(ctx context.Context) {
	if s.opts.LoginTimeout <= 0 {
		return
	}

	for _, snap := range s.controller.Snapshots() {
		if snap.State != domain.StatePending && snap.State != domain.StateAwaitingScan {
			continue
		}
		if s.clock.Since(snap.StateSince) < s.opts.LoginTimeout {
			continue
		}

		if err := s.controller.Close(ctx, snap.SessionID, domain.CloseLoginTimeout); err != nil {
			slog.WarnContext(ctx, "Failed to close timed out login", "session_id", snap.SessionID, "error", err)
			s.metrics.Errors.WithLabelValues("login_timeout").Inc()
			continue
		}
		s.metrics.Expired.Inc()
		slog.InfoContext(ctx, "Closed session after login timeout",
			"session_id", snap.SessionID,
			"tenant_id", snap.TenantID,
			"state", snap.State,
		)
	}
}

func (s *Service) pruneClosed(ctx context.Context) {
	if s.opts.ClosedRetention <= 0 {
		return
	}

	if s.leader != nil {
		leading, err := s.leader.TryAcquire(ctx)
		if err != nil {
			slog.WarnContext(ctx, "Janitor leader election failed", "error", err)
			s.metrics.Errors.WithLabelValues("leader").Inc()
			return
		}
		if !leading {
			return
		}
	}

	n, err := s.store.PruneClosed(ctx, s.opts.ClosedRetention)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to prune closed sessions", "error", err)
		s.metrics.Errors.WithLabelValues("prune").Inc()
		return
	}
	if n > 0 {
		s.metrics.Pruned.Add(float64(n))
		slog.InfoContext(ctx, "Pruned closed sessions", "count", n, "retention", s.opts.ClosedRetention)
	}
}

func (s *Service) startJanitor() {
	ticker := s.clock.NewTicker(s.opts.JanitorInterval)
	s.janitorWg.Add(1)
	go func() {
		defer s.janitorWg.Done()
		for {
			select {
			case <-ticker.Chan():
				s.Sweep(correlation.WithID(context.Background(), correlation.NewID()))
			case <-s.janitorStopCh:
				ticker.Stop()
				return
			}
		}
	}()
	slog.Info("Janitor started", "interval", s.opts.JanitorInterval, "login_timeout", s.opts.LoginTimeout)
}

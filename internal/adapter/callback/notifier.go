// Package callback notifies a tenant's site when its session disconnects.
package callback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pscheid92/sessiongate/internal/adapter/metrics"
	"github.com/pscheid92/sessiongate/internal/domain"
	"github.com/sony/gobreaker"
)

const (
	breakerMinRequests  = 5
	breakerFailureRatio = 0.6
	breakerInterval     = 60 * time.Second
	breakerOpenTimeout  = 30 * time.Second
	maxRedirects        = 3
)

// Notifier sends GET <callbackURL>/<sessionID> through a circuit breaker, so
// a site that is down does not pile up requests from every disconnect.
type Notifier struct {
	client  *http.Client
	policy  TargetPolicy
	cb      *gobreaker.CircuitBreaker
	metrics *metrics.CallbackMetrics
}

var _ domain.DisconnectNotifier = (*Notifier)(nil)

// NewNotifier creates a notifier. timeout bounds each request; policy is
// enforced on the URL, on every redirect and on the dialled address.
func NewNotifier(timeout time.Duration, policy TargetPolicy, m *metrics.CallbackMetrics) *Notifier {
	dialer := &net.Dialer{Timeout: timeout, Control: policy.dialControl}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = dialer.DialContext

	n := &Notifier{
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return policy.CheckURL(req.URL.String())
			},
		},
		policy:  policy,
		metrics: m,
	}

	n.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "disconnect-callback",
		MaxRequests: 1,
		Interval:    breakerInterval,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < breakerMinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= breakerFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
			m.BreakerState.Set(stateToFloat(to))
		},
	})
	return n
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// NotifyDisconnected calls the record's callback URL. Records without one are skipped.
func (n *Notifier) NotifyDisconnected(ctx context.Context, rec domain.SessionRecord, reason domain.DisconnectReason) error {
	if rec.CallbackURL == "" {
		return nil
	}

	if err := n.policy.CheckURL(rec.CallbackURL); err != nil {
		n.metrics.Results.WithLabelValues("invalid").Inc()
		return err
	}
	target, err := callbackTarget(rec.CallbackURL, rec.SessionID.String())
	if err != nil {
		n.metrics.Results.WithLabelValues("invalid").Inc()
		return err
	}

	_, err = n.cb.Execute(func() (any, error) {
		return nil, n.get(ctx, target)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		n.metrics.Results.WithLabelValues("rejected").Inc()
		return fmt.Errorf("disconnect callback skipped: %w", err)
	case err != nil:
		n.metrics.Results.WithLabelValues("error").Inc()
		return err
	}

	n.metrics.Results.WithLabelValues("ok").Inc()
	slog.InfoContext(ctx, "Disconnect callback delivered", "session_id", rec.SessionID, "reason", reason)
	return nil
}

func (n *Notifier) get(ctx context.Context, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("failed to build callback request: %w", err)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("callback request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
	return nil
}

// callbackTarget appends sessionID as a path segment.
func callbackTarget(base, sessionID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid callback URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("invalid callback URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + url.PathEscape(sessionID)
	u.RawPath = ""
	return u.String(), nil
}

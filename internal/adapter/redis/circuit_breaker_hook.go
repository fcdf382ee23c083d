package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/pscheid92/sessiongate/internal/adapter/metrics"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

const (
	breakerMinRequests  = 5
	breakerFailureRatio = 0.6
	breakerInterval     = 10 * time.Second
	breakerOpenTimeout  = 30 * time.Second
)

// CircuitBreakerHook implements redis.Hook and fails Redis calls fast while
// the server is unreachable. goredis.Nil counts as success. Open-state errors
// wrap gobreaker.ErrOpenState.
//
// Session records are never served from a fallback cache: a stale record
// could resurrect a closed session.
type CircuitBreakerHook struct {
	cb *gobreaker.TwoStepCircuitBreaker
}

var _ goredis.Hook = (*CircuitBreakerHook)(nil)

// NewCircuitBreakerHook trips after 60% failures over at least 5 calls in a
// 10s window and probes again after 30s. m may be nil.
func NewCircuitBreakerHook(m *metrics.StoreMetrics) *CircuitBreakerHook {
	return &CircuitBreakerHook{cb: gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        "redis",
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
			if m != nil {
				m.BreakerState.Set(stateToFloat(to))
			}
		},
	})}
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

// State reports the breaker state.
func (h *CircuitBreakerHook) State() gobreaker.State {
	return h.cb.State()
}

func (h *CircuitBreakerHook) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		done, err := h.cb.Allow()
		if err != nil {
			return nil, fmt.Errorf("redis circuit breaker: %w", err)
		}
		conn, err := next(ctx, network, addr)
		done(err == nil)
		return conn, err
	}
}

func (h *CircuitBreakerHook) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		done, err := h.cb.Allow()
		if err != nil {
			err = fmt.Errorf("redis circuit breaker: %w", err)
			cmd.SetErr(err)
			return err
		}
		err = next(ctx, cmd)
		done(healthy(err))
		return err
	}
}

func (h *CircuitBreakerHook) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		done, err := h.cb.Allow()
		if err != nil {
			return fmt.Errorf("redis circuit breaker: %w", err)
		}
		err = next(ctx, cmds)
		done(healthy(err))
		return err
	}
}

// healthy treats a miss or a script-level error reply as a live server.
func healthy(err error) bool {
	if err == nil || errors.Is(err, goredis.Nil) {
		return true
	}
	var redisErr goredis.Error
	return errors.As(err, &redisErr)
}

package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/sessiongate/internal/adapter/metrics"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errConnRefused = errors.New("dial tcp: connection refused")

func process(h *CircuitBreakerHook, err error) (called bool, result error) {
	next := func(_ context.Context, _ goredis.Cmder) error {
		called = true
		return err
	}
	cmd := goredis.NewStringCmd(context.Background(), "get", "session:x")
	result = h.ProcessHook(next)(context.Background(), cmd)
	return called, result
}

func TestCircuitBreakerHook_OpensAfterFailures(t *testing.T) {
	m := metrics.NewStoreMetrics(prometheus.NewRegistry(), "redis")
	h := NewCircuitBreakerHook(m)

	for range breakerMinRequests {
		called, err := process(h, errConnRefused)
		require.ErrorIs(t, err, errConnRefused)
		require.True(t, called)
	}

	assert.Equal(t, gobreaker.StateOpen, h.State())
	assert.InDelta(t, 2, testutil.ToFloat64(m.BreakerState), 0)

	called, err := process(h, nil)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.False(t, called, "open breaker must not reach redis")
}

func TestCircuitBreakerHook_MissesAndReplyErrorsKeepItClosed(t *testing.T) {
	h := NewCircuitBreakerHook(nil)

	for range 2 * breakerMinRequests {
		_, err := process(h, goredis.Nil)
		assert.ErrorIs(t, err, goredis.Nil)
	}
	for range 2 * breakerMinRequests {
		_, _ = process(h, errScriptReply{})
	}

	assert.Equal(t, gobreaker.StateClosed, h.State())
}

func TestCircuitBreakerHook_PipelineCountsAsOneCall(t *testing.T) {
	h := NewCircuitBreakerHook(nil)
	calls := 0
	next := func(_ context.Context, _ []goredis.Cmder) error {
		calls++
		return errConnRefused
	}
	hook := h.ProcessPipelineHook(next)

	for range breakerMinRequests + 2 {
		_ = hook(context.Background(), nil)
	}

	assert.Equal(t, breakerMinRequests, calls)
	assert.Equal(t, gobreaker.StateOpen, h.State())
}

// errScriptReply mimics a server error reply such as a failed Lua assertion.
type errScriptReply struct{}

func (errScriptReply) Error() string { return "ERR script failed" }
func (errScriptReply) RedisError()   {}

package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/sessiongate/internal/adapter/bridge/bridgetest"
	"github.com/pscheid92/sessiongate/internal/adapter/memory"
	"github.com/pscheid92/sessiongate/internal/adapter/metrics"
	"github.com/pscheid92/sessiongate/internal/domain"
	"github.com/pscheid92/sessiongate/internal/platform/retry"
	"github.com/pscheid92/sessiongate/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// --- Mock implementations ---

type mockRenderer struct {
	renderFn func(code string) ([]byte, error)
}

func (m *mockRenderer) Render(code string) ([]byte, error) {
	if m.renderFn != nil {
		return m.renderFn(code)
	}
	return []byte("png:" + code), nil
}

type notification struct {
	rec    domain.SessionRecord
	reason domain.DisconnectReason
}

type mockNotifier struct {
	mu    sync.Mutex
	calls []notification
}

func (m *mockNotifier) NotifyDisconnected(_ context.Context, rec domain.SessionRecord, reason domain.DisconnectReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, notification{rec: rec, reason: reason})
	return nil
}

func (m *mockNotifier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// failingStore wraps a real store and lets tests inject write failures.
type failingStore struct {
	domain.SessionStore
	markActiveFn   func(ctx context.Context, sessionID uuid.UUID) error
	markInactiveFn func(ctx context.Context, sessionID uuid.UUID) error
	closeFn        func(ctx context.Context, sessionID uuid.UUID, reason string) error
}

func (s *failingStore) MarkActive(ctx context.Context, sessionID uuid.UUID) error {
	if s.markActiveFn != nil {
		return s.markActiveFn(ctx, sessionID)
	}
	return s.SessionStore.MarkActive(ctx, sessionID)
}

func (s *failingStore) MarkInactive(ctx context.Context, sessionID uuid.UUID) error {
	if s.markInactiveFn != nil {
		if err := s.markInactiveFn(ctx, sessionID); err != nil {
			return err
		}
	}
	return s.SessionStore.MarkInactive(ctx, sessionID)
}

func (s *failingStore) Close(ctx context.Context, sessionID uuid.UUID, reason string) error {
	if s.closeFn != nil {
		if err := s.closeFn(ctx, sessionID, reason); err != nil {
			return err
		}
	}
	return s.SessionStore.Close(ctx, sessionID, reason)
}

// --- Harness ---

type harness struct {
	ctrl      *Controller
	transport *bridgetest.Transport
	store     *failingStore
	registry  *registry.Registry
	clock     *clockwork.FakeClock
	renderer  *mockRenderer
	notifier  *mockNotifier
	metrics   *metrics.SessionMetrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	clock := clockwork.NewFakeClock()
	promReg := prometheus.NewRegistry()
	transport := bridgetest.NewTransport()
	reg := registry.New(transport, clock, 45*time.Second, 0, metrics.NewRegistryMetrics(promReg))
	store := &failingStore{SessionStore: memory.NewSessionStore(clock)}
	renderer := &mockRenderer{}
	notifier := &mockNotifier{}
	sm := metrics.NewSessionMetrics(promReg)

	cfg := Config{
		MaxReconnectAttempts: 3,
		Backoff:              retry.Backoff{Initial: 2 * time.Second, Max: 10 * time.Second},
		BackupSyncInterval:   5 * time.Minute,
		SendTimeout:          5 * time.Second,
	}
	ctrl := NewController(reg, store, renderer, notifier, clock, cfg, sm, metrics.NewMessageMetrics(promReg))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = ctrl.Shutdown(ctx)
	})

	return &harness{
		ctrl:      ctrl,
		transport: transport,
		store:     store,
		registry:  reg,
		clock:     clock,
		renderer:  renderer,
		notifier:  notifier,
		metrics:   sm,
	}
}

func (h *harness) open(t *testing.T, tenantID string, meta domain.SessionMetadata) (domain.SessionRecord, *bridgetest.Session) {
	t.Helper()
	rec, err := h.store.Create(context.Background(), tenantID, uuid.New(), meta)
	require.NoError(t, err)
	require.NoError(t, h.ctrl.Open(context.Background(), *rec))

	sess := h.transport.Session(rec.SessionID)
	require.NotNil(t, sess)
	return *rec, sess
}

func (h *harness) waitState(t *testing.T, id uuid.UUID, want domain.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, ok := h.ctrl.Snapshot(id)
		if want == domain.StateClosed {
			return !ok
		}
		return ok && snap.State == want
	}, waitFor, 5*time.Millisecond, "session never reached %s", want)
}

func (h *harness) authenticate(t *testing.T, sess *bridgetest.Session) {
	t.Helper()
	sess.Emit(domain.Event{Kind: domain.EventAuthenticated})
	h.waitState(t, sess.Config.SessionID, domain.StateAuthenticated)
	require.Eventually(t, func() bool {
		snap, _ := h.ctrl.Snapshot(sess.Config.SessionID)
		return snap.Durable
	}, waitFor, 5*time.Millisecond)
}

// waitTimer blocks until the actor has armed its reconnect timer.
func (h *harness) waitTimer(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
}

// advanceUntil steps the fake clock until cond holds, for actor waits that
// sit on the injected clock.
func (h *harness) advanceUntil(t *testing.T, step time.Duration, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		h.clock.Advance(step)
		return false
	}, waitFor, 5*time.Millisecond)
}

// --- Tests ---

func TestOpen_ConnectsAndStartsPending(t *testing.T) {
	h := newHarness(t)

	rec, sess := h.open(t, "alice", domain.SessionMetadata{})

	assert.Equal(t, 1, sess.Connects())
	assert.Equal(t, rec.TenantID, sess.Config.TenantID)
	assert.Equal(t, 5*time.Minute, sess.Config.BackupSyncInterval)

	snap, ok := h.ctrl.Snapshot(rec.SessionID)
	require.True(t, ok)
	assert.Equal(t, domain.StatePending, snap.State)
	assert.True(t, h.ctrl.IsLive(rec.SessionID))
	assert.InDelta(t, 1.0, testutil.ToFloat64(h.metrics.LiveSessions), 0)
}

func TestOpen_Twice(t *testing.T) {
	h := newHarness(t)
	rec, _ := h.open(t, "alice", domain.SessionMetadata{})

	err := h.ctrl.Open(context.Background(), rec)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestOpen_ConnectFailureReleasesHandle(t *testing.T) {
	h := newHarness(t)
	h.transport.NewSessionFn = func(_ context.Context, cfg domain.SessionConfig) (domain.RemoteSession, error) {
		s := bridgetest.NewSession(cfg)
		s.OnConnect(func(context.Context) error { return errors.New("bridge refused") })
		return s, nil
	}
	rec, err := h.store.Create(context.Background(), "alice", uuid.New(), domain.SessionMetadata{})
	require.NoError(t, err)

	err = h.ctrl.Open(context.Background(), *rec)

	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.False(t, h.ctrl.IsLive(rec.SessionID))
	assert.Equal(t, 0, h.registry.Len())
}

func TestQR_RenderedAndCached(t *testing.T) {
	h := newHarness(t)
	rec, sess := h.open(t, "alice", domain.SessionMetadata{})

	sess.Emit(domain.Event{Kind: domain.EventQR, QRCode: "2@abc"})
	h.waitState(t, rec.SessionID, domain.StateAwaitingScan)

	png, ok := h.registry.GetQR(rec.SessionID)
	require.True(t, ok)
	assert.Equal(t, []byte("png:2@abc"), png)
	assert.InDelta(t, 1.0, testutil.ToFloat64(h.metrics.QREmitted), 0)
}

func TestQR_RenderRetriedOnce(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	calls := 0
	h.renderer.renderFn = func(code string) ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return nil, errors.New("encoder busy")
		}
		return []byte("png"), nil
	}
	rec, sess := h.open(t, "alice", domain.SessionMetadata{})

	sess.Emit(domain.Event{Kind: domain.EventQR, QRCode: "code"})
	h.advanceUntil(t, qrRenderBackoff, func() bool {
		snap, _ := h.ctrl.Snapshot(rec.SessionID)
		return snap.State == domain.StateAwaitingScan
	})

	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()
}

func TestQR_RenderFailureLeavesNoArtifact(t *testing.T) {
	h := newHarness(t)
	h.renderer.renderFn = func(string) ([]byte, error) { return nil, errors.New("broken") }
	rec, sess := h.open(t, "alice", domain.SessionMetadata{})

	sess.Emit(domain.Event{Kind: domain.EventQR, QRCode: "code"})

	h.advanceUntil(t, qrRenderBackoff, func() bool {
		return testutil.ToFloat64(h.metrics.QRRenderFailures) == 1
	})
	_, ok := h.registry.GetQR(rec.SessionID)
	assert.False(t, ok)
	snap, _ := h.ctrl.Snapshot(rec.SessionID)
	assert.Equal(t, domain.StatePending, snap.State)
}

func TestAuthenticated_MarksActiveAndClearsQR(t *testing.T) {
	h := newHarness(t)
	rec, sess := h.open(t, "alice", domain.SessionMetadata{})
	sess.Emit(domain.Event{Kind: domain.EventQR, QRCode: "code"})
	h.waitState(t, rec.SessionID, domain.StateAwaitingScan)

	h.authenticate(t, sess)

	active, err := h.store.FindActive(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, rec.SessionID, active.SessionID)

	_, ok := h.registry.GetQR(rec.SessionID)
	assert.False(t, ok, "active sessions expose no QR")
}

func TestAuthenticated_PersistenceFailureIsMeteredNotFatal(t *testing.T) {
	h := newHarness(t)
	h.store.markActiveFn = func(context.Context, uuid.UUID) error { return errors.New("db down") }
	rec, sess := h.open(t, "alice", domain.SessionMetadata{})

	sess.Emit(domain.Event{Kind: domain.EventAuthenticated})
	h.waitState(t, rec.SessionID, domain.StateAuthenticated)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.PersistenceFailures.WithLabelValues("mark_active")) == 1
	}, waitFor, 5*time.Millisecond)
	snap, _ := h.ctrl.Snapshot(rec.SessionID)
	assert.False(t, snap.Durable)

	receipt, err := h.ctrl.Dispatch(context.Background(), rec.SessionID, domain.Message{
		Recipients: []string{"+4912345"},
		Content:    domain.Content{Text: "still works"},
	})
	require.NoError(t, err)
	assert.True(t, receipt.Success)
}

func TestAuthenticated_TenantAlreadyActiveClosesSession(t *testing.T) {
	h := newHarness(t)
	h.store.markActiveFn = func(context.Context, uuid.UUID) error { return domain.ErrTenantAlreadyActive }
	rec, sess := h.open(t, "alice", domain.SessionMetadata{})

	sess.Emit(domain.Event{Kind: domain.EventAuthenticated})
	h.waitState(t, rec.SessionID, domain.StateClosed)

	stored, err := h.store.FindBySessionID(context.Background(), rec.SessionID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.CloseDuplicateActive, stored.CloseReason)
	assert.True(t, sess.Closed())
}

func TestDisconnect_SessionReasonReconnectsExactlyOnce(t *testing.T) {
	h := newHarness(t)
	rec, sess := h.open(t, "alice", domain.SessionMetadata{})
	h.authenticate(t, sess)

	sess.Emit(domain.Event{Kind: domain.EventDisconnected, Reason: domain.ReasonSession})
	h.waitState(t, rec.SessionID, domain.StateDisconnected)
	h.waitTimer(t)

	_, err := h.store.FindActive(context.Background(), "alice")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound, "record marked inactive while disconnected")

	h.clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return sess.Connects() == 2 }, waitFor, 5*time.Millisecond)
	h.waitState(t, rec.SessionID, domain.StatePending)

	h.authenticate(t, sess)
	h.clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, sess.Connects())

	snap, _ := h.ctrl.Snapshot(rec.SessionID)
	assert.Equal(t, 0, snap.ReconnectAttempts, "counter resets on authentication")
}

func TestDisconnect_BackoffDoubles(t *testing.T) {
	h := newHarness(t)
	rec, sess := h.open(t, "alice", domain.SessionMetadata{})

	sess.Emit(domain.Event{Kind: domain.EventDisconnected, Reason: domain.ReasonQR})
	h.waitTimer(t)
	h.clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return sess.Connects() == 2 }, waitFor, 5*time.Millisecond)
	h.waitState(t, rec.SessionID, domain.StatePending)

	sess.Emit(domain.Event{Kind: domain.EventDisconnected, Reason: domain.ReasonQR})
	h.waitTimer(t)
	h.clock.Advance(3 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, sess.Connects(), "second wait is 4s")

	h.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return sess.Connects() == 3 }, waitFor, 5*time.Millisecond)
}

func TestDisconnect_AuthFailureBounded(t *testing.T) {
	h := newHarness(t)
	rec, sess := h.open(t, "alice", domain.SessionMetadata{})

	for i := 1; i <= h.ctrl.cfg.MaxReconnectAttempts; i++ {
		sess.Emit(domain.Event{Kind: domain.EventDisconnected, Reason: domain.ReasonAuthFailure})
		h.waitTimer(t)
		h.clock.Advance(10 * time.Second)
		want := i + 1
		require.Eventually(t, func() bool { return sess.Connects() == want }, waitFor, 5*time.Millisecond)
		h.waitState(t, rec.SessionID, domain.StatePending)
	}

	sess.Emit(domain.Event{Kind: domain.EventDisconnected, Reason: domain.ReasonAuthFailure})
	h.waitState(t, rec.SessionID, domain.StateClosed)

	stored, err := h.store.FindBySessionID(context.Background(), rec.SessionID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.CloseReconnectExhausted, stored.CloseReason)
	assert.Equal(t, h.ctrl.cfg.MaxReconnectAttempts+1, sess.Connects())
	assert.InDelta(t, 1.0, testutil.ToFloat64(h.metrics.ReconnectsExhausted), 0)
}

func TestDisconnect_FatalReasonsClose(t *testing.T) {
	for _, reason := range []domain.DisconnectReason{domain.ReasonLogout, domain.ReasonBanned, "something_new"} {
		t.Run(string(reason), func(t *testing.T) {
			h := newHarness(t)
			rec, sess := h.open(t, "alice", domain.SessionMetadata{})
			h.authenticate(t, sess)

			sess.Emit(domain.Event{Kind: domain.EventDisconnected, Reason: reason})
			h.waitState(t, rec.SessionID, domain.StateClosed)

			stored, err := h.store.FindBySessionID(context.Background(), rec.SessionID, "alice")
			require.NoError(t, err)
			assert.False(t, stored.Active)
			assert.Equal(t, domain.CloseReasonForDisconnect(reason), stored.CloseReason)
			assert.Equal(t, 1, sess.Connects())
		})
	}
}

func TestDisconnect_NotifiesCallback(t *testing.T) {
	h := newHarness(t)
	rec, sess := h.open(t, "alice", domain.SessionMetadata{CallbackURL: "https://shop.example/logout"})
	h.authenticate(t, sess)

	sess.Emit(domain.Event{Kind: domain.EventDisconnected, Reason: domain.ReasonLogout})
	h.waitState(t, rec.SessionID, domain.StateClosed)

	require.Eventually(t, func() bool { return h.notifier.count() == 1 }, waitFor, 5*time.Millisecond)
	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	assert.Equal(t, rec.SessionID, h.notifier.calls[0].rec.SessionID)
	assert.Equal(t, domain.ReasonLogout, h.notifier.calls[0].reason)
}

func TestDisconnect_NoCallbackWithoutURL(t *testing.T) {
	h := newHarness(t)
	rec, sess := h.open(t, "alice", domain.SessionMetadata{})

	sess.Emit(domain.Event{Kind: domain.EventDisconnected, Reason: domain.ReasonBanned})
	h.waitState(t, rec.SessionID, domain.StateClosed)

	assert.Equal(t, 0, h.notifier.count())
}

func TestReconnect_ConnectErrorCountsAsAttempt(t *testing.T) {
	h := newHarness(t)
	rec, sess := h.open(t, "alice", domain.SessionMetadata{})
	sess.OnConnect(func(context.Context) error { return errors.New("dial failed") })

	sess.Emit(domain.Event{Kind: domain.EventDisconnected, Reason: domain.ReasonConnectionLost})
	h.waitTimer(t)
	h.clock.Advance(2 * time.Second)

	require.Eventually(t, func() bool {
		snap, ok := h.ctrl.Snapshot(rec.SessionID)
		return ok && snap.ReconnectAttempts == 2
	}, waitFor, 5*time.Millisecond)
}

func TestDispatch_RequiresAuthenticated(t *testing.T) {
	h := newHarness(t)
	rec, _ := h.open(t, "alice", domain.SessionMetadata{})

	_, err := h.ctrl.Dispatch(context.Background(), rec.SessionID, domain.Message{Recipients: []string{"x"}})
	assert.ErrorIs(t, err, domain.ErrSessionNotReady)

	_, err = h.ctrl.Dispatch(context.Background(), uuid.New(), domain.Message{Recipients: []string{"x"}})
	assert.ErrorIs(t, err, domain.ErrSessionNotReady)
}

func TestDispatch_SendsInOrderWithReceipt(t *testing.T) {
	h := newHarness(t)
	rec, sess := h.open(t, "alice", domain.SessionMetadata{})
	h.authenticate(t, sess)
	sess.OnSend(func(_ context.Context, recipient string, _ domain.Content) (string, error) {
		if recipient == "bad" {
			return "", errors.New("recipient not on network")
		}
		return "id-" + recipient, nil
	})

	doc := &domain.Document{Filename: "invoice.pdf", MimeType: "application/pdf", Data: []byte("%PDF")}
	receipt, err := h.ctrl.Dispatch(context.Background(), rec.SessionID, domain.Message{
		Recipients: []string{"a", "bad", "c"},
		Content:    domain.Content{Document: doc},
	})
	require.NoError(t, err)

	assert.False(t, receipt.Success)
	require.Len(t, receipt.Results, 3)
	assert.Equal(t, domain.RecipientResult{Recipient: "a", Delivered: true, MessageID: "id-a"}, receipt.Results[0])
	assert.False(t, receipt.Results[1].Delivered)
	assert.Contains(t, receipt.Results[1].Error, "not on network")
	assert.True(t, receipt.Results[2].Delivered)

	sent := sess.Sent()
	require.Len(t, sent, 3)
	assert.Equal(t, []string{"a", "bad", "c"}, []string{sent[0].Recipient, sent[1].Recipient, sent[2].Recipient})
	assert.Same(t, doc, sent[0].Content.Document)
}

func TestClose_ReleasesAndPersists(t *testing.T) {
	h := newHarness(t)
	rec, sess := h.open(t, "alice", domain.SessionMetadata{})
	h.authenticate(t, sess)

	require.NoError(t, h.ctrl.Close(context.Background(), rec.SessionID, domain.CloseRequested))

	assert.False(t, h.ctrl.IsLive(rec.SessionID))
	assert.True(t, sess.Closed())
	assert.Equal(t, 0, h.registry.Len())
	stored, err := h.store.FindBySessionID(context.Background(), rec.SessionID, "alice")
	require.NoError(t, err)
	assert.False(t, stored.Open())
	assert.False(t, stored.Active)

	assert.ErrorIs(t, h.ctrl.Close(context.Background(), rec.SessionID, domain.CloseRequested), domain.ErrSessionNotFound)
}

func TestClose_InterruptsReconnectWait(t *testing.T) {
	h := newHarness(t)
	rec, sess := h.open(t, "alice", domain.SessionMetadata{})
	sess.Emit(domain.Event{Kind: domain.EventDisconnected, Reason: domain.ReasonSession})
	h.waitTimer(t)

	require.NoError(t, h.ctrl.Close(context.Background(), rec.SessionID, domain.CloseRequested))

	h.clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, sess.Connects())
}

func TestQR_RenderRetryWaitsOnInjectedClock(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	calls := 0
	h.renderer.renderFn = func(string) ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return nil, errors.New("encoder busy")
		}
		return []byte("png"), nil
	}
	rec, sess := h.open(t, "alice", domain.SessionMetadata{})

	sess.Emit(domain.Event{Kind: domain.EventQR, QRCode: "code"})
	h.waitTimer(t)

	time.Sleep(20 * time.Millisecond)
	snap, _ := h.ctrl.Snapshot(rec.SessionID)
	assert.Equal(t, domain.StatePending, snap.State, "retry must not fire before the clock moves")

	h.clock.Advance(qrRenderBackoff)
	h.waitState(t, rec.SessionID, domain.StateAwaitingScan)
}

func TestClose_InterruptsInFlightReconnect(t *testing.T) {
	h := newHarness(t)
	rec, sess := h.open(t, "alice", domain.SessionMetadata{})

	connecting := make(chan struct{})
	returned := make(chan error, 1)
	sess.OnConnect(func(ctx context.Context) error {
		close(connecting)
		<-ctx.Done()
		returned <- ctx.Err()
		return ctx.Err()
	})

	sess.Emit(domain.Event{Kind: domain.EventDisconnected, Reason: domain.ReasonSession})
	h.waitTimer(t)
	h.clock.Advance(10 * time.Second)
	<-connecting

	require.NoError(t, h.ctrl.Close(context.Background(), rec.SessionID, domain.CloseRequested))

	select {
	case err := <-returned:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("reconnect did not return after close")
	}
	assert.False(t, h.ctrl.IsLive(rec.SessionID))
	assert.Equal(t, 2, sess.Connects())
	stored, err := h.store.FindBySessionID(context.Background(), rec.SessionID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.CloseRequested, stored.CloseReason)
}

func TestPersistence_TransientWriteFailureRetriedOnce(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	inactiveCalls := 0
	h.store.markInactiveFn = func(context.Context, uuid.UUID) error {
		mu.Lock()
		defer mu.Unlock()
		inactiveCalls++
		if inactiveCalls == 1 {
			return errors.New("connection reset")
		}
		return nil
	}
	rec, sess := h.open(t, "alice", domain.SessionMetadata{})
	h.authenticate(t, sess)

	sess.Emit(domain.Event{Kind: domain.EventDisconnected, Reason: domain.ReasonLogout})
	h.advanceUntil(t, persistRetryBackoff, func() bool {
		stored, err := h.store.FindBySessionID(context.Background(), rec.SessionID, "alice")
		return err == nil && !stored.Open()
	})

	mu.Lock()
	assert.Equal(t, 2, inactiveCalls)
	mu.Unlock()
	assert.InDelta(t, 0, testutil.ToFloat64(h.metrics.PersistenceFailures.WithLabelValues("mark_inactive")), 0)
	stored, err := h.store.FindBySessionID(context.Background(), rec.SessionID, "alice")
	require.NoError(t, err)
	assert.False(t, stored.Active)
	assert.False(t, stored.Open())
}

func TestPersistence_CloseFailureMeteredAfterRetry(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	closeCalls := 0
	h.store.closeFn = func(context.Context, uuid.UUID, string) error {
		mu.Lock()
		defer mu.Unlock()
		closeCalls++
		return errors.New("db down")
	}
	rec, _ := h.open(t, "alice", domain.SessionMetadata{})

	closed := make(chan error, 1)
	go func() { closed <- h.ctrl.Close(context.Background(), rec.SessionID, domain.CloseRequested) }()
	h.advanceUntil(t, persistRetryBackoff, func() bool {
		return testutil.ToFloat64(h.metrics.PersistenceFailures.WithLabelValues("close")) == 1
	})
	require.NoError(t, <-closed)

	mu.Lock()
	assert.Equal(t, 2, closeCalls)
	mu.Unlock()
}

func TestClose_InterruptsInFlightSend(t *testing.T) {
	h := newHarness(t)
	rec, sess := h.open(t, "alice", domain.SessionMetadata{})
	h.authenticate(t, sess)

	started := make(chan struct{})
	sess.OnSend(func(ctx context.Context, _ string, _ domain.Content) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := h.ctrl.Dispatch(context.Background(), rec.SessionID, domain.Message{Recipients: []string{"a"}})
		errCh <- err
	}()
	<-started

	require.NoError(t, h.ctrl.Close(context.Background(), rec.SessionID, domain.CloseRequested))

	select {
	case <-errCh:
	case <-time.After(waitFor):
		t.Fatal("dispatch did not return after close")
	}
}

func TestEventsAfterCloseIgnored(t *testing.T) {
	h := newHarness(t)
	rec, sess := h.open(t, "alice", domain.SessionMetadata{})
	require.NoError(t, h.ctrl.Close(context.Background(), rec.SessionID, domain.CloseRequested))

	sess.Emit(domain.Event{Kind: domain.EventAuthenticated})

	_, err := h.store.FindActive(context.Background(), "alice")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestShutdown_KeepsRecordsOpen(t *testing.T) {
	h := newHarness(t)
	rec, sess := h.open(t, "alice", domain.SessionMetadata{})
	h.authenticate(t, sess)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.ctrl.Shutdown(ctx))

	assert.True(t, sess.Closed())
	active, err := h.store.FindActive(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, rec.SessionID, active.SessionID)

	rec2, err := h.store.Create(context.Background(), "bob", uuid.New(), domain.SessionMetadata{})
	require.NoError(t, err)
	assert.ErrorIs(t, h.ctrl.Open(context.Background(), *rec2), domain.ErrSessionClosed)
}

func TestResume_QRForActiveRecordMarksInactive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec, err := h.store.Create(ctx, "alice", uuid.New(), domain.SessionMetadata{})
	require.NoError(t, err)
	require.NoError(t, h.store.MarkActive(ctx, rec.SessionID))
	rec.Active = true

	require.NoError(t, h.ctrl.Open(ctx, *rec))
	sess := h.transport.Session(rec.SessionID)
	sess.Emit(domain.Event{Kind: domain.EventQR, QRCode: "again"})
	h.waitState(t, rec.SessionID, domain.StateAwaitingScan)

	_, err = h.store.FindActive(ctx, "alice")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestSnapshots(t *testing.T) {
	h := newHarness(t)
	h.open(t, "alice", domain.SessionMetadata{})
	h.open(t, "bob", domain.SessionMetadata{})

	snaps := h.ctrl.Snapshots()
	assert.Len(t, snaps, 2)
	assert.Equal(t, 2, h.ctrl.Len())
}

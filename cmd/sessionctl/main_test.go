package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/sessiongate/internal/adapter/auth"
	"github.com/pscheid92/sessiongate/internal/adapter/memory"
	"github.com/pscheid92/sessiongate/internal/domain"
	"github.com/pscheid92/sessiongate/internal/platform/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "admin-secret-0123456789"

type fixture struct {
	clock  *clockwork.FakeClock
	store  *memory.SessionStore
	cfg    config.AdminConfig
	opened *config.AdminConfig
}

func newFixture() *fixture {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return &fixture{
		clock: clock,
		store: memory.NewSessionStore(clock),
		cfg: config.AdminConfig{
			LogLevel:     "error",
			StoreBackend: config.StoreBackendPostgres,
			DatabaseURL:  "postgres://localhost/test",
			AuthMode:     config.AuthModeHMAC,
			AuthSecret:   testSecret,
		},
	}
}

func (f *fixture) deps() *deps {
	return &deps{
		clock: f.clock,
		loadConfig: func() (*config.AdminConfig, error) {
			cfg := f.cfg
			return &cfg, nil
		},
		openStore: func(_ context.Context, cfg *config.AdminConfig, _ clockwork.Clock) (domain.SessionStore, func(), error) {
			f.opened = cfg
			return f.store, func() {}, nil
		},
	}
}

func (f *fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(f.deps())
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (f *fixture) seed(t *testing.T, tenantID, site string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := f.store.Create(context.Background(), tenantID, id, domain.SessionMetadata{SiteName: site})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	return id
}

func TestTokenCmd_HMAC(t *testing.T) {
	f := newFixture()

	out, err := f.run(t, "token", "alice")

	require.NoError(t, err)
	credential := strings.TrimSpace(out)
	assert.Equal(t, auth.NewHMAC(testSecret).Sign("alice"), credential)
	assert.NoError(t, auth.NewHMAC(testSecret).Authenticate(context.Background(), "alice", credential))
}

func TestTokenCmd_JWT(t *testing.T) {
	f := newFixture()
	f.cfg.AuthMode = config.AuthModeJWT

	out, err := f.run(t, "token", "alice", "--ttl", "1h")

	require.NoError(t, err)
	token := strings.TrimSpace(out)
	verifier := auth.NewJWT(testSecret, f.clock)
	assert.NoError(t, verifier.Authenticate(context.Background(), "alice", token))
	assert.ErrorIs(t, verifier.Authenticate(context.Background(), "bob", token), domain.ErrUnauthorized)

	f.clock.Advance(2 * time.Hour)
	assert.ErrorIs(t, verifier.Authenticate(context.Background(), "alice", token), domain.ErrUnauthorized)
}

func TestTokenCmd_StaticModeRejected(t *testing.T) {
	f := newFixture()
	f.cfg.AuthMode = config.AuthModeStatic

	_, err := f.run(t, "token", "alice")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "static auth mode")
}

func TestTokenCmd_RequiresSecretAndTenant(t *testing.T) {
	f := newFixture()
	f.cfg.AuthSecret = ""

	_, err := f.run(t, "token", "alice")
	assert.ErrorContains(t, err, "AUTH_SECRET is required")

	_, err = f.run(t, "token")
	assert.Error(t, err)
}

func TestSessionsList_OpenOnlyByDefault(t *testing.T) {
	f := newFixture()
	alice := f.seed(t, "alice", "shop")
	bob := f.seed(t, "bob", "")
	require.NoError(t, f.store.Close(context.Background(), bob, domain.CloseRequested))

	out, err := f.run(t, "sessions", "list")

	require.NoError(t, err)
	assert.Contains(t, out, "SESSION ID")
	assert.Contains(t, out, alice.String())
	assert.Contains(t, out, "pending")
	assert.Contains(t, out, "shop")
	assert.NotContains(t, out, bob.String())
}

func TestSessionsList_AllAndTenantFilter(t *testing.T) {
	f := newFixture()
	alice := f.seed(t, "alice", "shop")
	bob := f.seed(t, "bob", "")
	require.NoError(t, f.store.MarkActive(context.Background(), alice))
	require.NoError(t, f.store.Close(context.Background(), bob, domain.CloseLoginTimeout))

	out, err := f.run(t, "sessions", "list", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, alice.String())
	assert.Contains(t, out, "active")
	assert.Contains(t, out, bob.String())
	assert.Contains(t, out, domain.CloseLoginTimeout)
	assert.Less(t, strings.Index(out, bob.String()), strings.Index(out, alice.String()), "newest first")

	out, err = f.run(t, "sessions", "list", "--all", "--tenant", "bob")
	require.NoError(t, err)
	assert.NotContains(t, out, alice.String())
	assert.Contains(t, out, bob.String())
}

func TestSessionsPrune(t *testing.T) {
	f := newFixture()
	old := f.seed(t, "alice", "")
	require.NoError(t, f.store.Close(context.Background(), old, domain.CloseRequested))
	f.clock.Advance(48 * time.Hour)
	recent := f.seed(t, "alice", "")
	require.NoError(t, f.store.Close(context.Background(), recent, domain.CloseRequested))
	open := f.seed(t, "alice", "")

	out, err := f.run(t, "sessions", "prune", "--older-than", "24h")

	require.NoError(t, err)
	assert.Equal(t, "pruned 1 closed session(s)\n", out)

	records, err := f.store.List(context.Background(), "alice")
	require.NoError(t, err)
	ids := make([]uuid.UUID, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.SessionID)
	}
	assert.ElementsMatch(t, []uuid.UUID{recent, open}, ids)
}

func TestSessionsPrune_RejectsNonPositiveRetention(t *testing.T) {
	f := newFixture()

	_, err := f.run(t, "sessions", "prune", "--older-than", "0s")

	assert.ErrorContains(t, err, "--older-than must be positive")
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	f := newFixture()

	_, err := f.run(t, "--backend", "redis", "--redis-url", "redis://cache:6379/1", "sessions", "list")

	require.NoError(t, err)
	require.NotNil(t, f.opened)
	assert.Equal(t, config.StoreBackendRedis, f.opened.StoreBackend)
	assert.Equal(t, "redis://cache:6379/1", f.opened.RedisURL)
	assert.Equal(t, "postgres://localhost/test", f.opened.DatabaseURL)
}

func TestOpenStore_RejectsMemoryBackend(t *testing.T) {
	_, _, err := openStore(context.Background(), &config.AdminConfig{StoreBackend: config.StoreBackendMemory}, clockwork.NewFakeClock())

	assert.ErrorContains(t, err, "holds no durable records")
}

func TestOpenStore_RequiresURL(t *testing.T) {
	_, _, err := openStore(context.Background(), &config.AdminConfig{StoreBackend: config.StoreBackendPostgres}, clockwork.NewFakeClock())
	assert.ErrorContains(t, err, "DATABASE_URL is required")

	_, _, err = openStore(context.Background(), &config.AdminConfig{StoreBackend: config.StoreBackendRedis}, clockwork.NewFakeClock())
	assert.ErrorContains(t, err, "REDIS_URL is required")
}

func TestVersionCmd(t *testing.T) {
	f := newFixture()

	out, err := f.run(t, "version")

	require.NoError(t, err)
	assert.Contains(t, out, "sessiongate")
}

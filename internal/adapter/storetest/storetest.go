// Package storetest holds behaviour tests shared by every SessionStore backend.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/pscheid92/sessiongate/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises store against the SessionStore contract. newStore must return
// an empty store.
func Run(t *testing.T, newStore func(t *testing.T) domain.SessionStore) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, store domain.SessionStore)
	}{
		{"CreateAndFind", testCreateAndFind},
		{"CreateRejectsSecondOpenRecord", testCreateRejectsSecondOpenRecord},
		{"ConcurrentCreateSingleWinner", testConcurrentCreateSingleWinner},
		{"FindActiveOnlyAfterMarkActive", testFindActiveOnlyAfterMarkActive},
		{"MarkActiveUnknown", testMarkActiveUnknown},
		{"MarkActiveRefusesSecondActive", testMarkActiveRefusesSecondActive},
		{"FindBySessionIDEnforcesTenant", testFindBySessionIDEnforcesTenant},
		{"MarkInactive", testMarkInactive},
		{"CloseFreesTenant", testCloseFreesTenant},
		{"CloseIsIdempotent", testCloseIsIdempotent},
		{"ListByTenant", testListByTenant},
		{"PruneClosed", testPruneClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func testCreateAndFind(t *testing.T, store domain.SessionStore) {
	ctx := context.Background()
	id := uuid.New()

	rec, err := store.Create(ctx, "alice", id, domain.SessionMetadata{SiteName: "shop", CallbackURL: "https://shop.example/logout"})
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.TenantID)
	assert.Equal(t, id, rec.SessionID)
	assert.False(t, rec.Active)
	assert.True(t, rec.Open())
	assert.False(t, rec.CreatedAt.IsZero())

	got, err := store.FindBySessionID(ctx, id, "alice")
	require.NoError(t, err)
	assert.Equal(t, "shop", got.SiteName)
	assert.Equal(t, "https://shop.example/logout", got.CallbackURL)
	assert.WithinDuration(t, rec.CreatedAt, got.CreatedAt, 0)
}

func testCreateRejectsSecondOpenRecord(t *testing.T, store domain.SessionStore) {
	ctx := context.Background()
	first := uuid.New()

	_, err := store.Create(ctx, "alice", first, domain.SessionMetadata{})
	require.NoError(t, err)

	_, err = store.Create(ctx, "alice", uuid.New(), domain.SessionMetadata{})
	var exists *domain.SessionExistsError
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, first, exists.Record.SessionID)

	// other tenants are unaffected
	_, err = store.Create(ctx, "bob", uuid.New(), domain.SessionMetadata{})
	assert.NoError(t, err)
}

func testConcurrentCreateSingleWinner(t *testing.T, store domain.SessionStore) {
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Create(ctx, "alice", uuid.New(), domain.SessionMetadata{})
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
				return
			}
			var exists *domain.SessionExistsError
			assert.ErrorAs(t, err, &exists)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}

func testFindActiveOnlyAfterMarkActive(t *testing.T, store domain.SessionStore) {
	ctx := context.Background()
	id := uuid.New()
	_, err := store.Create(ctx, "alice", id, domain.SessionMetadata{})
	require.NoError(t, err)

	_, err = store.FindActive(ctx, "alice")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	require.NoError(t, store.MarkActive(ctx, id))

	rec, err := store.FindActive(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, id, rec.SessionID)
	assert.True(t, rec.Active)

	// idempotent
	assert.NoError(t, store.MarkActive(ctx, id))
}

func testMarkActiveUnknown(t *testing.T, store domain.SessionStore) {
	err := store.MarkActive(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func testMarkActiveRefusesSecondActive(t *testing.T, store domain.SessionStore) {
	ctx := context.Background()
	first := uuid.New()
	_, err := store.Create(ctx, "alice", first, domain.SessionMetadata{})
	require.NoError(t, err)
	require.NoError(t, store.MarkActive(ctx, first))

	// A second open record can only exist once the first is closed, so close
	// and reopen, then re-activate the stale one directly.
	require.NoError(t, store.Close(ctx, first, domain.CloseRequested))
	second := uuid.New()
	_, err = store.Create(ctx, "alice", second, domain.SessionMetadata{})
	require.NoError(t, err)
	require.NoError(t, store.MarkActive(ctx, second))

	err = store.MarkActive(ctx, first)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrSessionClosed) || errors.Is(err, domain.ErrTenantAlreadyActive), "got %v", err)

	rec, err := store.FindActive(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, second, rec.SessionID)
}

func testFindBySessionIDEnforcesTenant(t *testing.T, store domain.SessionStore) {
	ctx := context.Background()
	id := uuid.New()
	_, err := store.Create(ctx, "alice", id, domain.SessionMetadata{})
	require.NoError(t, err)

	_, err = store.FindBySessionID(ctx, id, "mallory")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	_, err = store.FindBySessionID(ctx, uuid.New(), "alice")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func testMarkInactive(t *testing.T, store domain.SessionStore) {
	ctx := context.Background()
	id := uuid.New()
	_, err := store.Create(ctx, "alice", id, domain.SessionMetadata{})
	require.NoError(t, err)
	require.NoError(t, store.MarkActive(ctx, id))

	require.NoError(t, store.MarkInactive(ctx, id))

	_, err = store.FindActive(ctx, "alice")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	rec, err := store.FindBySessionID(ctx, id, "alice")
	require.NoError(t, err)
	assert.True(t, rec.Open(), "inactive records stay open")

	assert.ErrorIs(t, store.MarkInactive(ctx, uuid.New()), domain.ErrSessionNotFound)
}

func testCloseFreesTenant(t *testing.T, store domain.SessionStore) {
	ctx := context.Background()
	id := uuid.New()
	_, err := store.Create(ctx, "alice", id, domain.SessionMetadata{})
	require.NoError(t, err)
	require.NoError(t, store.MarkActive(ctx, id))

	require.NoError(t, store.Close(ctx, id, domain.CloseReconnectExhausted))

	rec, err := store.FindBySessionID(ctx, id, "alice")
	require.NoError(t, err)
	assert.False(t, rec.Open())
	assert.False(t, rec.Active)
	assert.Equal(t, domain.CloseReconnectExhausted, rec.CloseReason)

	_, err = store.FindActive(ctx, "alice")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	_, err = store.Create(ctx, "alice", uuid.New(), domain.SessionMetadata{})
	assert.NoError(t, err)
}

func testCloseIsIdempotent(t *testing.T, store domain.SessionStore) {
	ctx := context.Background()
	id := uuid.New()
	_, err := store.Create(ctx, "alice", id, domain.SessionMetadata{})
	require.NoError(t, err)

	require.NoError(t, store.Close(ctx, id, domain.CloseRequested))
	require.NoError(t, store.Close(ctx, id, domain.CloseStale))

	rec, err := store.FindBySessionID(ctx, id, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.CloseRequested, rec.CloseReason, "first reason wins")

	assert.ErrorIs(t, store.Close(ctx, uuid.New(), domain.CloseRequested), domain.ErrSessionNotFound)
}

func testListByTenant(t *testing.T, store domain.SessionStore) {
	ctx := context.Background()
	a1 := uuid.New()
	_, err := store.Create(ctx, "alice", a1, domain.SessionMetadata{})
	require.NoError(t, err)
	require.NoError(t, store.Close(ctx, a1, domain.CloseRequested))
	a2 := uuid.New()
	_, err = store.Create(ctx, "alice", a2, domain.SessionMetadata{})
	require.NoError(t, err)
	_, err = store.Create(ctx, "bob", uuid.New(), domain.SessionMetadata{})
	require.NoError(t, err)

	alice, err := store.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, alice, 2)
	ids := []uuid.UUID{alice[0].SessionID, alice[1].SessionID}
	assert.ElementsMatch(t, []uuid.UUID{a1, a2}, ids)

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := store.List(ctx, "carol")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testPruneClosed(t *testing.T, store domain.SessionStore) {
	ctx := context.Background()
	closed := uuid.New()
	_, err := store.Create(ctx, "alice", closed, domain.SessionMetadata{})
	require.NoError(t, err)
	require.NoError(t, store.Close(ctx, closed, domain.CloseRequested))
	open := uuid.New()
	_, err = store.Create(ctx, "alice", open, domain.SessionMetadata{})
	require.NoError(t, err)

	n, err := store.PruneClosed(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.FindBySessionID(ctx, closed, "alice")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	_, err = store.FindBySessionID(ctx, open, "alice")
	assert.NoError(t, err)
}

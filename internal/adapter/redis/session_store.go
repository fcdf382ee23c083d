package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/sessiongate/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const (
	keyPrefix      = "sessiongate:"
	globalIndexKey = keyPrefix + "sessions"
	closedIndexKey = keyPrefix + "sessions:closed"

	createAttempts = 3
)

func sessionKey(id uuid.UUID) string {
	return keyPrefix + "session:" + id.String()
}

func tenantOpenKey(tenant string) string {
	return keyPrefix + "tenant:" + tenant + ":open"
}

func tenantActiveKey(tenant string) string {
	return keyPrefix + "tenant:" + tenant + ":active"
}

func tenantIndexKey(tenant string) string {
	return keyPrefix + "tenant:" + tenant + ":sessions"
}

// SessionStore keeps session records in Redis hashes. Per-tenant pointer keys
// hold the open and the active session ID; Lua scripts update them together
// with the hash.
type SessionStore struct {
	rdb   *goredis.Client
	clock clockwork.Clock
}

var _ domain.SessionStore = (*SessionStore)(nil)

func NewSessionStore(rdb *goredis.Client, clock clockwork.Clock) *SessionStore {
	return &SessionStore{rdb: rdb, clock: clock}
}

func (s *SessionStore) FindActive(ctx context.Context, tenantID string) (*domain.SessionRecord, error) {
	id, err := s.pointer(ctx, tenantActiveKey(tenantID))
	if err != nil {
		return nil, err
	}
	rec, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.Active || !rec.Open() {
		return nil, domain.ErrSessionNotFound
	}
	return rec, nil
}

func (s *SessionStore) Create(ctx context.Context, tenantID string, sessionID uuid.UUID, meta domain.SessionMetadata) (*domain.SessionRecord, error) {
	for range createAttempts {
		now := s.clock.Now().UTC()
		existing, err := createScript.Run(ctx, s.rdb,
			[]string{tenantOpenKey(tenantID), sessionKey(sessionID), tenantIndexKey(tenantID), globalIndexKey},
			sessionID.String(), tenantID, meta.SiteName, meta.CallbackURL,
			strconv.FormatInt(now.UnixNano(), 10), strconv.FormatInt(now.UnixMilli(), 10),
		).Text()
		if err != nil {
			return nil, fmt.Errorf("create session script failed: %w", err)
		}

		if existing == "" {
			return &domain.SessionRecord{
				TenantID:    tenantID,
				SessionID:   sessionID,
				SiteName:    meta.SiteName,
				CallbackURL: meta.CallbackURL,
				CreatedAt:   time.Unix(0, now.UnixNano()).UTC(),
			}, nil
		}

		id, err := uuid.Parse(existing)
		if err != nil {
			return nil, fmt.Errorf("corrupt open session pointer for tenant %q: %w", tenantID, err)
		}
		rec, err := s.load(ctx, id)
		if errors.Is(err, domain.ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !rec.Open() {
			// Closed in between; try the insert again.
			continue
		}
		return nil, &domain.SessionExistsError{Record: rec}
	}
	return nil, fmt.Errorf("failed to create session for tenant %q: open record kept changing", tenantID)
}

func (s *SessionStore) MarkActive(ctx context.Context, sessionID uuid.UUID) error {
	tenantID, err := s.tenantOf(ctx, sessionID)
	if err != nil {
		return err
	}

	result, err := markActiveScript.Run(ctx, s.rdb,
		[]string{sessionKey(sessionID), tenantActiveKey(tenantID)},
		sessionID.String(),
	).Text()
	if err != nil {
		return fmt.Errorf("mark active script failed: %w", err)
	}

	switch result {
	case "ok":
		return nil
	case "not_found":
		return domain.ErrSessionNotFound
	case "closed":
		return domain.ErrSessionClosed
	case "conflict":
		return domain.ErrTenantAlreadyActive
	default:
		return fmt.Errorf("mark active script returned %q", result)
	}
}

func (s *SessionStore) FindBySessionID(ctx context.Context, sessionID uuid.UUID, tenantID string) (*domain.SessionRecord, error) {
	rec, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if rec.TenantID != tenantID {
		return nil, domain.ErrSessionNotFound
	}
	return rec, nil
}

func (s *SessionStore) MarkInactive(ctx context.Context, sessionID uuid.UUID) error {
	tenantID, err := s.tenantOf(ctx, sessionID)
	if err != nil {
		return err
	}

	n, err := markInactiveScript.Run(ctx, s.rdb,
		[]string{sessionKey(sessionID), tenantActiveKey(tenantID)},
		sessionID.String(),
	).Int()
	if err != nil {
		return fmt.Errorf("mark inactive script failed: %w", err)
	}
	if n == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

func (s *SessionStore) Close(ctx context.Context, sessionID uuid.UUID, reason string) error {
	tenantID, err := s.tenantOf(ctx, sessionID)
	if err != nil {
		return err
	}

	now := s.clock.Now().UTC()
	n, err := closeScript.Run(ctx, s.rdb,
		[]string{sessionKey(sessionID), tenantActiveKey(tenantID), tenantOpenKey(tenantID), closedIndexKey},
		sessionID.String(), reason,
		strconv.FormatInt(now.UnixNano(), 10), strconv.FormatInt(now.UnixMilli(), 10),
	).Int()
	if err != nil {
		return fmt.Errorf("close script failed: %w", err)
	}
	if n == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

func (s *SessionStore) List(ctx context.Context, tenantID string) ([]domain.SessionRecord, error) {
	index := globalIndexKey
	if tenantID != "" {
		index = tenantIndexKey(tenantID)
	}

	ids, err := s.rdb.ZRevRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(ids) == 0 {
		return []domain.SessionRecord{}, nil
	}

	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, keyPrefix+"session:"+id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	out := make([]domain.SessionRecord, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// Pruned between the index read and the load.
			continue
		}
		id, err := uuid.Parse(ids[i])
		if err != nil {
			return nil, fmt.Errorf("corrupt session index entry %q: %w", ids[i], err)
		}
		rec, err := decodeRecord(id, fields)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (s *SessionStore) PruneClosed(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.clock.Now().Add(-olderThan).UnixMilli()
	ids, err := s.rdb.ZRangeByScore(ctx, closedIndexKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to find closed sessions: %w", err)
	}

	var pruned int64
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			return pruned, fmt.Errorf("corrupt closed index entry %q: %w", raw, err)
		}
		tenantID, err := s.tenantOf(ctx, id)
		if err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
			return pruned, err
		}

		_, err = s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, sessionKey(id))
			pipe.ZRem(ctx, closedIndexKey, raw)
			pipe.ZRem(ctx, globalIndexKey, raw)
			if tenantID != "" {
				pipe.ZRem(ctx, tenantIndexKey(tenantID), raw)
			}
			return nil
		})
		if err != nil {
			return pruned, fmt.Errorf("failed to prune session %s: %w", id, err)
		}
		pruned++
	}
	return pruned, nil
}

func (s *SessionStore) pointer(ctx context.Context, key string) (uuid.UUID, error) {
	raw, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return uuid.Nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("corrupt session pointer %s: %w", key, err)
	}
	return id, nil
}

func (s *SessionStore) tenantOf(ctx context.Context, sessionID uuid.UUID) (string, error) {
	tenantID, err := s.rdb.HGet(ctx, sessionKey(sessionID), "tenant_id").Result()
	if errors.Is(err, goredis.Nil) {
		return "", domain.ErrSessionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read session tenant: %w", err)
	}
	return tenantID, nil
}

func (s *SessionStore) load(ctx context.Context, sessionID uuid.UUID) (*domain.SessionRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrSessionNotFound
	}
	return decodeRecord(sessionID, fields)
}

func decodeRecord(sessionID uuid.UUID, fields map[string]string) (*domain.SessionRecord, error) {
	created, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt created_at for session %s: %w", sessionID, err)
	}

	rec := &domain.SessionRecord{
		TenantID:    fields["tenant_id"],
		SessionID:   sessionID,
		Active:      fields["active"] == "1",
		SiteName:    fields["site_name"],
		CallbackURL: fields["callback_url"],
		CreatedAt:   time.Unix(0, created).UTC(),
		CloseReason: fields["close_reason"],
	}

	if raw := fields["closed_at"]; raw != "" {
		closed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt closed_at for session %s: %w", sessionID, err)
		}
		t := time.Unix(0, closed).UTC()
		rec.ClosedAt = &t
	}
	return rec, nil
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pscheid92/sessiongate/internal/domain"
)

const (
	uniqueViolation = "23505"
	activeIndex     = "sessions_one_active_per_tenant"

	// createAttempts bounds the insert/lookup loop in Create when the blocking
	// record is closed between the two statements.
	createAttempts = 3

	sessionColumns = `session_id, tenant_id, active, site_name, callback_url, created_at, closed_at, close_reason`
)

// SessionStore is the PostgreSQL SessionStore. The one-open and one-active
// rules per tenant are enforced by partial unique indexes.
type SessionStore struct {
	pool *pgxpool.Pool
}

var _ domain.SessionStore = (*SessionStore)(nil)

func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

func scanRecord(row pgx.Row) (*domain.SessionRecord, error) {
	var rec domain.SessionRecord
	err := row.Scan(
		&rec.SessionID,
		&rec.TenantID,
		&rec.Active,
		&rec.SiteName,
		&rec.CallbackURL,
		&rec.CreatedAt,
		&rec.ClosedAt,
		&rec.CloseReason,
	)
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	if rec.ClosedAt != nil {
		t := rec.ClosedAt.UTC()
		rec.ClosedAt = &t
	}
	return &rec, nil
}

func (s *SessionStore) FindActive(ctx context.Context, tenantID string) (*domain.SessionRecord, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE tenant_id = $1 AND active AND closed_at IS NULL`,
		tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active session: %w", err)
	}
	return rec, nil
}

func (s *SessionStore) Create(ctx context.Context, tenantID string, sessionID uuid.UUID, meta domain.SessionMetadata) (*domain.SessionRecord, error) {
	for range createAttempts {
		rec, err := scanRecord(s.pool.QueryRow(ctx, `
			INSERT INTO sessions (session_id, tenant_id, site_name, callback_url)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (tenant_id) WHERE closed_at IS NULL DO NOTHING
			RETURNING `+sessionColumns,
			sessionID, tenantID, meta.SiteName, meta.CallbackURL))
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}

		existing, err := scanRecord(s.pool.QueryRow(ctx,
			`SELECT `+sessionColumns+` FROM sessions WHERE tenant_id = $1 AND closed_at IS NULL`,
			tenantID))
		if errors.Is(err, pgx.ErrNoRows) {
			// Closed in between; try the insert again.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load open session: %w", err)
		}
		return nil, &domain.SessionExistsError{Record: existing}
	}
	return nil, fmt.Errorf("failed to create session for tenant %q: open record kept changing", tenantID)
}

func (s *SessionStore) MarkActive(ctx context.Context, sessionID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET active = TRUE WHERE session_id = $1 AND closed_at IS NULL`,
		sessionID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == activeIndex {
			return domain.ErrTenantAlreadyActive
		}
		return fmt.Errorf("failed to mark session active: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	open, err := s.openState(ctx, sessionID)
	if err != nil {
		return err
	}
	if !open {
		return domain.ErrSessionClosed
	}
	return nil
}

func (s *SessionStore) FindBySessionID(ctx context.Context, sessionID uuid.UUID, tenantID string) (*domain.SessionRecord, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = $1 AND tenant_id = $2`,
		sessionID, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return rec, nil
}

func (s *SessionStore) MarkInactive(ctx context.Context, sessionID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sessions SET active = FALSE WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to mark session inactive: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

func (s *SessionStore) Close(ctx context.Context, sessionID uuid.UUID, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET active = FALSE, closed_at = now(), close_reason = $2
		WHERE session_id = $1 AND closed_at IS NULL`,
		sessionID, reason)
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Already closed is fine; unknown is not.
	_, err = s.openState(ctx, sessionID)
	return err
}

func (s *SessionStore) List(ctx context.Context, tenantID string) ([]domain.SessionRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE $1 = '' OR tenant_id = $1
		ORDER BY created_at DESC`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]domain.SessionRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return out, nil
}

func (s *SessionStore) PruneClosed(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM sessions WHERE closed_at <= now() - make_interval(secs => $1)`,
		olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to prune closed sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// openState reports whether sessionID is open, or ErrSessionNotFound.
func (s *SessionStore) openState(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	var open bool
	err := s.pool.QueryRow(ctx, `SELECT closed_at IS NULL FROM sessions WHERE session_id = $1`, sessionID).Scan(&open)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, domain.ErrSessionNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up session: %w", err)
	}
	return open, nil
}

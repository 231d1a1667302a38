package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteStore mirrors PostgresStore on the local database, with timestamps in
// unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const sqliteReserveSQL = `
	INSERT INTO ai_quota_counters (user_id, service_type, tenant_id, used, last_reset_at)
	VALUES (?1, ?2, ?3, 1, ?4)
	ON CONFLICT (user_id, service_type) DO UPDATE SET
		used = CASE WHEN ai_quota_counters.last_reset_at <= ?5 THEN 1 ELSE ai_quota_counters.used + 1 END,
		last_reset_at = CASE WHEN ai_quota_counters.last_reset_at <= ?5 THEN ?4 ELSE ai_quota_counters.last_reset_at END,
		tenant_id = excluded.tenant_id
	WHERE ai_quota_counters.last_reset_at <= ?5 OR ai_quota_counters.used < ?6
	RETURNING used, last_reset_at
`

func (s *SQLiteStore) Reserve(ctx context.Context, key Key, tenantID string, limit int64, cutoff, now time.Time) (Counter, bool, error) {
	var tenant sql.NullString
	if tenantID != "" {
		tenant = sql.NullString{String: tenantID, Valid: true}
	}

	var (
		c       Counter
		resetMs int64
	)
	err := s.db.QueryRowContext(ctx, sqliteReserveSQL,
		key.UserID, string(key.Service), tenant, now.UnixMilli(), cutoff.UnixMilli(), limit,
	).Scan(&c.Used, &resetMs)
	if errors.Is(err, sql.ErrNoRows) {
		current, _, getErr := s.Get(ctx, key)
		if getErr != nil {
			return Counter{}, false, getErr
		}
		return current, false, nil
	}
	if err != nil {
		return Counter{}, false, fmt.Errorf("failed to reserve quota slot: %w", err)
	}
	c.LastResetAt = time.UnixMilli(resetMs).UTC()
	return c, true, nil
}

func (s *SQLiteStore) Release(ctx context.Context, key Key, periodStart time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE ai_quota_counters
		SET used = MAX(used - 1, 0)
		WHERE user_id = ? AND service_type = ? AND last_reset_at = ?`,
		key.UserID, string(key.Service), periodStart.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to release quota slot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key Key) (Counter, bool, error) {
	var (
		c       Counter
		resetMs int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT used, last_reset_at
		FROM ai_quota_counters
		WHERE user_id = ? AND service_type = ?`,
		key.UserID, string(key.Service),
	).Scan(&c.Used, &resetMs)
	if errors.Is(err, sql.ErrNoRows) {
		return Counter{}, false, nil
	}
	if err != nil {
		return Counter{}, false, fmt.Errorf("failed to get quota counter: %w", err)
	}
	c.LastResetAt = time.UnixMilli(resetMs).UTC()
	return c, true, nil
}

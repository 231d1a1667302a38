package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// The conflict branch only fires when the row is stale or under the limit, so a
// missing RETURNING row means the reservation was refused.
const reserveSQL = `
	INSERT INTO ai_quota_counters (user_id, service_type, tenant_id, used, last_reset_at)
	VALUES ($1, $2, $3, 1, $4)
	ON CONFLICT (user_id, service_type) DO UPDATE SET
		used = CASE WHEN ai_quota_counters.last_reset_at <= $5 THEN 1 ELSE ai_quota_counters.used + 1 END,
		last_reset_at = CASE WHEN ai_quota_counters.last_reset_at <= $5 THEN $4 ELSE ai_quota_counters.last_reset_at END,
		tenant_id = EXCLUDED.tenant_id
	WHERE ai_quota_counters.last_reset_at <= $5 OR ai_quota_counters.used < $6
	RETURNING used, last_reset_at
`

func (s *PostgresStore) Reserve(ctx context.Context, key Key, tenantID string, limit int64, cutoff, now time.Time) (Counter, bool, error) {
	var tenant *string
	if tenantID != "" {
		tenant = &tenantID
	}

	var c Counter
	err := s.db.QueryRow(ctx, reserveSQL,
		key.UserID, string(key.Service), tenant, now, cutoff, limit,
	).Scan(&c.Used, &c.LastResetAt)
	if errors.Is(err, pgx.ErrNoRows) {
		current, _, getErr := s.Get(ctx, key)
		if getErr != nil {
			return Counter{}, false, getErr
		}
		return current, false, nil
	}
	if err != nil {
		return Counter{}, false, fmt.Errorf("failed to reserve quota slot: %w", err)
	}
	return c, true, nil
}

func (s *PostgresStore) Release(ctx context.Context, key Key, periodStart time.Time) error {
	query := `
		UPDATE ai_quota_counters
		SET used = GREATEST(used - 1, 0)
		WHERE user_id = $1 AND service_type = $2 AND last_reset_at = $3
	`
	if _, err := s.db.Exec(ctx, query, key.UserID, string(key.Service), periodStart); err != nil {
		return fmt.Errorf("failed to release quota slot: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key Key) (Counter, bool, error) {
	query := `
		SELECT used, last_reset_at
		FROM ai_quota_counters
		WHERE user_id = $1 AND service_type = $2
	`
	var c Counter
	err := s.db.QueryRow(ctx, query, key.UserID, string(key.Service)).Scan(&c.Used, &c.LastResetAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Counter{}, false, nil
	}
	if err != nil {
		return Counter{}, false, fmt.Errorf("failed to get quota counter: %w", err)
	}
	return c, true, nil
}

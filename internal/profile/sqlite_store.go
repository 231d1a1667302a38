package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mckingz/edu-ai-gateway/internal/plan"
)

type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewSQLiteStore(db *sql.DB, logger *zap.Logger) *SQLiteStore {
	return &SQLiteStore{db: db, logger: logger}
}

func (s *SQLiteStore) Get(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	var userTier, tenantTier string
	err := s.db.QueryRowContext(ctx, `
		SELECT p.user_id, COALESCE(p.tenant_id, ''), p.tier, COALESCE(t.tier, '')
		FROM profiles p
		LEFT JOIN tenants t ON t.id = p.tenant_id
		WHERE p.user_id = ?`, userID,
	).Scan(&p.UserID, &p.TenantID, &userTier, &tenantTier)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	var degraded bool
	p.Tier, degraded = effectiveTier(userTier, tenantTier)
	if degraded {
		s.logger.Warn("unknown tier on profile, treating as free",
			zap.String("user_id", userID),
			zap.String("user_tier", userTier),
			zap.String("tenant_tier", tenantTier),
		)
	}
	return &p, nil
}

func (s *SQLiteStore) UpsertTenant(ctx context.Context, id, name string, tier plan.Tier) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, tier) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, tier = excluded.tier`,
		id, name, string(tier),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert tenant: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertProfile(ctx context.Context, userID, tenantID string, tier plan.Tier) error {
	var tenant sql.NullString
	if tenantID != "" {
		tenant = sql.NullString{String: tenantID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, tenant_id, tier) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET tenant_id = excluded.tenant_id, tier = excluded.tier`,
		userID, tenant, string(tier),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

package profile

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/mckingz/edu-ai-gateway/internal/plan"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db     DB
	logger *zap.Logger
}

func NewPostgresStore(db DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (*Profile, error) {
	query := `
		SELECT p.user_id, COALESCE(p.tenant_id, ''), p.tier, COALESCE(t.tier, '')
		FROM profiles p
		LEFT JOIN tenants t ON t.id = p.tenant_id
		WHERE p.user_id = $1
	`

	var p Profile
	var userTier, tenantTier string
	err := s.db.QueryRow(ctx, query, userID).Scan(&p.UserID, &p.TenantID, &userTier, &tenantTier)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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

func (s *PostgresStore) UpsertTenant(ctx context.Context, id, name string, tier plan.Tier) error {
	query := `
		INSERT INTO tenants (id, name, tier)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, tier = EXCLUDED.tier
	`
	if _, err := s.db.Exec(ctx, query, id, name, string(tier)); err != nil {
		return fmt.Errorf("failed to upsert tenant: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertProfile(ctx context.Context, userID, tenantID string, tier plan.Tier) error {
	var tenant *string
	if tenantID != "" {
		tenant = &tenantID
	}
	query := `
		INSERT INTO profiles (user_id, tenant_id, tier)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET tenant_id = EXCLUDED.tenant_id, tier = EXCLUDED.tier
	`
	if _, err := s.db.Exec(ctx, query, userID, tenant, string(tier)); err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

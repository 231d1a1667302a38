package seeder

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mckingz/edu-ai-gateway/internal/auth"
	"github.com/mckingz/edu-ai-gateway/internal/plan"
	"github.com/mckingz/edu-ai-gateway/internal/profile"
)

const (
	TestTenantID = "00000000-0000-0000-0000-000000000001"
	TestUserID   = "00000000-0000-0000-0000-000000000002"
)

// SeedDevProfile creates a development school and student and returns a session
// token for the student. The school is on the basic tier so the student gets
// more than the free allowance. cache may be nil.
func SeedDevProfile(ctx context.Context, store profile.Store, cache profile.Invalidator, secret []byte, logger *zap.Logger) (string, error) {
	if err := store.UpsertTenant(ctx, TestTenantID, "Development School", plan.TierBasic); err != nil {
		return "", fmt.Errorf("failed to seed tenant: %w", err)
	}
	if err := store.UpsertProfile(ctx, TestUserID, TestTenantID, plan.TierFree); err != nil {
		return "", fmt.Errorf("failed to seed profile: %w", err)
	}
	if cache != nil {
		if err := cache.Invalidate(ctx, TestUserID); err != nil {
			logger.Warn("failed to invalidate cached profile", zap.String("user_id", TestUserID), zap.Error(err))
		}
	}

	token, err := auth.IssueToken(secret, TestUserID, TestTenantID, 24*time.Hour)
	if err != nil {
		return "", err
	}
	logger.Info("seeded development profile",
		zap.String("tenant_id", TestTenantID),
		zap.String("user_id", TestUserID),
		zap.String("token", token),
	)
	return token, nil
}

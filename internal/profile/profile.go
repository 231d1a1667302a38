// Package profile resolves a user's subscription tier and tenant.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mckingz/edu-ai-gateway/internal/plan"
)

var ErrProfileNotFound = errors.New("profile not found")

// Profile is the routing view of a user. Tier is already merged with the
// tenant's tier.
type Profile struct {
	UserID   string    `json:"user_id"`
	TenantID string    `json:"tenant_id,omitempty"`
	Tier     plan.Tier `json:"tier"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (p *Profile) MarshalBinary() ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (p *Profile) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, p)
}

// Invalidator drops cached copies of a profile after it changes.
type Invalidator interface {
	Invalidate(ctx context.Context, userID string) error
}

type Lookup interface {
	Get(ctx context.Context, userID string) (*Profile, error)
}

// Store is a Lookup backed by a database that can also write profiles.
type Store interface {
	Lookup
	UpsertTenant(ctx context.Context, id, name string, tier plan.Tier) error
	UpsertProfile(ctx context.Context, userID, tenantID string, tier plan.Tier) error
}

// effectiveTier merges the stored user and tenant tiers. Unknown values degrade
// to free so a bad row never grants access.
func effectiveTier(userTier, tenantTier string) (tier plan.Tier, degraded bool) {
	u, err := plan.ParseTier(userTier)
	if err != nil {
		u, degraded = plan.TierFree, true
	}
	if tenantTier == "" {
		return u, degraded
	}
	t, err := plan.ParseTier(tenantTier)
	if err != nil {
		return u, true
	}
	return plan.Max(u, t), degraded
}

const cacheTTL = 5 * time.Minute

package profile

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var _ Invalidator = (*CachedLookup)(nil)

// CachedLookup fronts a Lookup with Redis. Redis errors fall through to the
// underlying lookup.
type CachedLookup struct {
	next   Lookup
	cache  *redis.Client
	logger *zap.Logger
}

func NewCachedLookup(next Lookup, cache *redis.Client, logger *zap.Logger) *CachedLookup {
	return &CachedLookup{next: next, cache: cache, logger: logger}
}

func cacheKey(userID string) string {
	return fmt.Sprintf("profile:%s", userID)
}

func (c *CachedLookup) Get(ctx context.Context, userID string) (*Profile, error) {
	key := cacheKey(userID)

	var p Profile
	err := c.cache.Get(ctx, key).Scan(&p)
	if err == nil {
		return &p, nil
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Warn("profile cache read failed", zap.String("user_id", userID), zap.Error(err))
	}

	found, err := c.next.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	if err := c.cache.Set(ctx, key, found, cacheTTL).Err(); err != nil {
		c.logger.Warn("profile cache write failed", zap.String("user_id", userID), zap.Error(err))
	}
	return found, nil
}

// Invalidate drops a cached profile after a tier change.
func (c *CachedLookup) Invalidate(ctx context.Context, userID string) error {
	return c.cache.Del(ctx, cacheKey(userID)).Err()
}

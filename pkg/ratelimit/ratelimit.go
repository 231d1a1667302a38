package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter caps how many AI requests one user can start per minute. It sits in
// front of quota accounting and never consumes quota itself.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, requestsPerMinute int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(requestsPerMinute)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func key(userID string) string {
	return fmt.Sprintf("ratelimit:user:%s", userID)
}

// Allow counts one request for userID. A nil Limiter allows everything.
func (l *Limiter) Allow(ctx context.Context, userID string) (bool, error) {
	if l == nil {
		return true, nil
	}
	res, err := l.store.Allow(ctx, key(userID))
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

// Status reports the user's burst headroom without counting a request. A nil
// Limiter returns nil.
func (l *Limiter) Status(ctx context.Context, userID string) (*extratelimit.Result, error) {
	if l == nil {
		return nil, nil
	}
	return l.store.Status(ctx, key(userID))
}

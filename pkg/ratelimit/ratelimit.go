package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter throttles usage queries per user, backed by github.com/vnmchuo/ratelimiter.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, perMinute int) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(perMinute),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

// Allow counts one usage query against userID's window.
func (l *Limiter) Allow(ctx context.Context, userID string) (bool, error) {
	res, err := l.store.Allow(ctx, queryKey(userID))
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func queryKey(userID string) string {
	return fmt.Sprintf("ratelimit:usage_query:%s", userID)
}

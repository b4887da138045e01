// Package ratelimiter implements a sliding-window counter for the
// webhook's public rate limit: a counter per named key, partitioned by
// window-start epoch, read as a weighted sum of the current and
// previous window. Backed by Redis for atomic increments under
// concurrent workers, with the logical rate-limit table mapped onto
// Redis keys.
package ratelimiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	appErrors "github.com/afoxnyc3/invoice-agent/internal/errors"
)

// Limiter enforces a fixed request budget per key per window.
type Limiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
}

// New builds a Limiter. limit is the max requests allowed per window
//; window is typically one minute.
func New(rdb *redis.Client, limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{rdb: rdb, limit: limit, window: window}
}

// Allow reports whether the caller identified by key may proceed,
// incrementing the current window's counter as a side effect.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now()
	windowID := now.UnixNano() / int64(l.window)
	elapsedFraction := float64(now.UnixNano()%int64(l.window)) / float64(l.window)

	currKey := fmt.Sprintf("ratelimit:%s:%d", key, windowID)
	prevKey := fmt.Sprintf("ratelimit:%s:%d", key, windowID-1)

	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, currKey)
	pipe.Expire(ctx, currKey, l.window*2)
	prevGet := pipe.Get(ctx, prevKey)
	_, err := pipe.Exec(ctx)
	if err != nil && err != redis.Nil {
		return false, appErrors.Wrap(err, appErrors.ErrorTypeTransient, "increment rate limit window")
	}

	currCount := incr.Val()
	prevCount, err := prevGet.Int64()
	if err != nil {
		if err != redis.Nil {
			return false, appErrors.Wrap(err, appErrors.ErrorTypeTransient, "read previous rate limit window")
		}
		prevCount = 0
	}

	// Weighted sliding-window estimate: the previous window's count
	// contributes proportionally to how much of it still overlaps the
	// trailing edge of the current sliding window.
	weighted := float64(prevCount)*(1-elapsedFraction) + float64(currCount)
	return weighted <= float64(l.limit), nil
}

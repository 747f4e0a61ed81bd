package redis

import (
	"context"
	"strconv"
	"time"

	"coinshop-payments/internal/domain/ports/adapter"
)

var _ adapter.AbuseLimiter = (*RateLimiter)(nil)

// RateLimiter is a fixed-window counter shared by all replicas. It guards the
// inbound webhook endpoint, not outbound gateway calls.
type RateLimiter struct {
	client RedisClient
	now    func() time.Time
}

func NewRateLimiter(client RedisClient) *RateLimiter {
	return &RateLimiter{client: client, now: time.Now}
}

// windowKey names the counter for the window containing now. Counters of
// past windows are never read again, so a failed EXPIRE only leaks one key.
func windowKey(key string, window time.Duration, now time.Time) string {
	return key + ":" + strconv.FormatInt(now.UnixNano()/int64(window), 10)
}

func (r *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window <= 0 {
		return true, nil
	}
	bucket := windowKey(key, window, r.now())
	count, err := r.client.Incr(ctx, bucket)
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := r.client.Expire(ctx, bucket, window); err != nil {
			return false, err
		}
	}
	return count <= int64(limit), nil
}

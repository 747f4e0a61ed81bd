package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"coinshop-payments/internal/domain"
	"coinshop-payments/internal/domain/ports/adapter"
)

var _ adapter.Locker = (*RedisLocker)(nil)

const (
	lockRetryMin = 25 * time.Millisecond
	lockRetryMax = 400 * time.Millisecond
)

// RedisLocker serializes work on one invoice across service replicas. A held
// lock expires after its ttl so a crashed replica cannot wedge an invoice.
type RedisLocker struct {
	cli     *redis.Client
	maxWait time.Duration
}

// NewLocker waits at most maxWait for a busy key; zero means 5s.
func NewLocker(c *Client, maxWait time.Duration) *RedisLocker {
	if maxWait <= 0 {
		maxWait = 5 * time.Second
	}
	return &RedisLocker{cli: c.cli, maxWait: maxWait}
}

// TryLock polls SETNX with doubling pauses until the key is free, ctx is done
// or maxWait runs out. The returned token is needed to unlock.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(l.maxWait)
	pause := lockRetryMin
	var lastErr error
	for {
		ok, err := l.cli.SetNX(ctx, key, token, ttl).Result()
		switch {
		case err == nil && ok:
			return token, nil
		case err != nil:
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			lastErr = err
		}
		if time.Now().Add(pause).After(deadline) {
			if lastErr != nil {
				return "", fmt.Errorf("%w: %s: %v", domain.ErrInvoiceBusy, key, lastErr)
			}
			return "", fmt.Errorf("%w: %s", domain.ErrInvoiceBusy, key)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(pause):
		}
		if pause *= 2; pause > lockRetryMax {
			pause = lockRetryMax
		}
	}
}

var luaUnlock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

// Unlock releases key only if token still owns it.
func (l *RedisLocker) Unlock(ctx context.Context, key, token string) error {
	n, err := luaUnlock.Run(ctx, l.cli, []string{key}, token).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: lock %s expired or taken over", domain.ErrInvalidArgument, key)
	}
	return nil
}

package credential

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tomentu/poicrawler/internal/store"
)

// RedisQPSLimiter advises whether a credential has headroom under its
// per-second quota for a kind, using a Redis INCR+EXPIRE counter keyed by
// credential, kind, and the current unix second. This is additive: a
// caller that ignores a Redis error (by treating this as absent) falls
// back exactly to quota-only selection, mirroring the Redis
// hot-path/no-op-fallback shape used elsewhere in the stack.
type RedisQPSLimiter struct {
	rdb *redis.Client
}

// NewRedisQPSLimiter creates a RedisQPSLimiter backed by rdb.
func NewRedisQPSLimiter(rdb *redis.Client) *RedisQPSLimiter {
	return &RedisQPSLimiter{rdb: rdb}
}

// Allow increments the current-second counter for (credentialID, kind) and
// reports whether the result is still within qps.
func (l *RedisQPSLimiter) Allow(ctx context.Context, credentialID int64, kind store.Kind, qps int) (bool, error) {
	key := fmt.Sprintf("qps:%d:%s:%d", credentialID, kind, time.Now().Unix())

	count, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("incrementing qps counter: %w", err)
	}
	if count == 1 {
		l.rdb.Expire(ctx, key, 2*time.Second)
	}

	return int(count) <= qps, nil
}

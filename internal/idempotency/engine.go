// Package idempotency maps client-chosen idempotency keys to job ids so a
// retried create call returns the original job instead of spawning a second.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a key stays bound to its job id.
const DefaultTTL = 24 * time.Hour

// Engine stores the key -> job id mapping in the shared store.
type Engine struct {
	rdb *redis.Client
	ttl time.Duration
}

// New creates an engine; ttl <= 0 uses DefaultTTL.
func New(rdb *redis.Client, ttl time.Duration) *Engine {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Engine{rdb: rdb, ttl: ttl}
}

func redisKey(key string) string {
	return "idempotency:" + key
}

// Check returns the job id bound to the key, or "" when the key is unknown
// or expired.
func (e *Engine) Check(ctx context.Context, key string) (string, error) {
	val, err := e.rdb.Get(ctx, redisKey(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("idempotency check: %w", err)
	}
	return val, nil
}

// Store binds the key to the job id for the TTL. First writer wins; the
// bound job id (existing or new) is returned.
func (e *Engine) Store(ctx context.Context, key, jobID string) (string, error) {
	ok, err := e.rdb.SetNX(ctx, redisKey(key), jobID, e.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("idempotency store: %w", err)
	}
	if ok {
		return jobID, nil
	}
	return e.Check(ctx, key)
}

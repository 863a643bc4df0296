package policy

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// decrScript decrements the counter but never below zero. A double decrement
// (which the state machine should prevent) must not poison the count.
var decrScript = redis.NewScript(`
local v = redis.call('DECR', KEYS[1])
if v < 0 then
  redis.call('SET', KEYS[1], 0)
  return 0
end
return v
`)

// ConcurrencyTracker counts in-flight jobs per domain in the shared store,
// so the ceiling holds across processes.
type ConcurrencyTracker struct {
	rdb *redis.Client
}

// NewConcurrencyTracker creates a tracker on the shared Redis client.
func NewConcurrencyTracker(rdb *redis.Client) *ConcurrencyTracker {
	return &ConcurrencyTracker{rdb: rdb}
}

func concurrencyKey(domain string) string {
	return "concurrency:" + domain
}

// Increment marks one more in-flight job for the domain. Called exactly once
// per dispatch.
func (c *ConcurrencyTracker) Increment(ctx context.Context, domain string) (int, error) {
	n, err := c.rdb.Incr(ctx, concurrencyKey(domain)).Result()
	if err != nil {
		return 0, fmt.Errorf("increment concurrency %s: %w", domain, err)
	}
	return int(n), nil
}

// Decrement marks one job as finished. Called exactly once per terminal
// transition; floors at zero.
func (c *ConcurrencyTracker) Decrement(ctx context.Context, domain string) (int, error) {
	n, err := decrScript.Run(ctx, c.rdb, []string{concurrencyKey(domain)}).Int64()
	if err != nil {
		return 0, fmt.Errorf("decrement concurrency %s: %w", domain, err)
	}
	return int(n), nil
}

// Current returns the in-flight count for the domain.
func (c *ConcurrencyTracker) Current(ctx context.Context, domain string) (int, error) {
	n, err := c.rdb.Get(ctx, concurrencyKey(domain)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read concurrency %s: %w", domain, err)
	}
	return n, nil
}

// Package ratelimit implements a Redis-backed token bucket. The whole
// read-modify-write of a bucket runs inside one server-side Lua script, so
// concurrent acquires across processes never over-grant.
//
// An absent bucket means a full bucket; keys carry a TTL of two refill
// horizons so idle buckets cost nothing.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
)

// acquireScript refills whole elapsed intervals, then either takes the
// requested tokens or reports how long the caller must wait.
//
// KEYS[1] bucket hash
// ARGV: tokens_per_interval, interval_seconds, max_tokens, requested, now_unix
// Returns {1, remaining} on success, {0, wait_seconds} on refusal.
var acquireScript = redis.NewScript(`
local rate = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local max_tokens = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])
local now = tonumber(ARGV[5])

local data = redis.call('HMGET', KEYS[1], 'tokens', 'last_refill')
local tokens = tonumber(data[1])
local last_refill = tonumber(data[2])

if tokens == nil then
  tokens = max_tokens
  last_refill = now
end

local elapsed = now - last_refill
if elapsed >= interval then
  local intervals = math.floor(elapsed / interval)
  tokens = math.min(max_tokens, tokens + intervals * rate)
  last_refill = last_refill + intervals * interval
end

local ttl = interval * 2

if tokens >= requested then
  tokens = tokens - requested
  redis.call('HSET', KEYS[1], 'tokens', tokens, 'last_refill', last_refill)
  redis.call('EXPIRE', KEYS[1], ttl)
  return {1, tokens}
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'last_refill', last_refill)
redis.call('EXPIRE', KEYS[1], ttl)

local deficit = requested - tokens
local wait = math.ceil(deficit / rate) * interval - (now - last_refill)
if wait < 0 then wait = 0 end
return {0, wait}
`)

// releaseScript returns tokens to a bucket, capped at max_tokens. Used when
// the per-minute window granted but the per-hour window refused.
var releaseScript = redis.NewScript(`
local max_tokens = tonumber(ARGV[1])
local amount = tonumber(ARGV[2])
local tokens = tonumber(redis.call('HGET', KEYS[1], 'tokens'))
if tokens == nil then
  return max_tokens
end
tokens = math.min(max_tokens, tokens + amount)
redis.call('HSET', KEYS[1], 'tokens', tokens)
return tokens
`)

// Window describes one bucket's static parameters.
type Window struct {
	TokensPerInterval int
	Interval          time.Duration
	MaxTokens         int
}

// PerMinute builds a window granting n tokens per minute.
func PerMinute(n int) Window {
	return Window{TokensPerInterval: n, Interval: time.Minute, MaxTokens: n}
}

// PerHour builds a window granting n tokens per hour.
func PerHour(n int) Window {
	return Window{TokensPerInterval: n, Interval: time.Hour, MaxTokens: n}
}

// Result is the outcome of a single-window acquire.
type Result struct {
	Allowed     bool
	Remaining   int
	WaitSeconds int
	// FailedOpen is set when the shared store was unreachable and the
	// limiter granted the request anyway.
	FailedOpen bool
}

// Limiter acquires tokens from Redis-backed buckets.
type Limiter struct {
	rdb    *redis.Client
	logger *log.Logger
	// now is swapped in tests to control refill arithmetic.
	now func() time.Time
}

// New creates a limiter on the shared Redis client.
func New(rdb *redis.Client) *Limiter {
	return &Limiter{
		rdb:    rdb,
		logger: log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
		now:    time.Now,
	}
}

// Acquire takes tokens from one bucket. Fails open when Redis is
// unreachable, per the availability-over-enforcement rule.
func (l *Limiter) Acquire(ctx context.Context, key string, tokens int, w Window) (Result, error) {
	vals, err := acquireScript.Run(ctx, l.rdb, []string{bucketKey(key, w)},
		w.TokensPerInterval, int(w.Interval.Seconds()), w.MaxTokens, tokens, l.now().Unix(),
	).Int64Slice()
	if err != nil {
		l.logger.Printf("store unreachable, failing open: key=%s err=%v", key, err)
		return Result{Allowed: true, FailedOpen: true}, fmt.Errorf("rate limit store: %w", err)
	}
	if len(vals) != 2 {
		return Result{Allowed: true, FailedOpen: true}, fmt.Errorf("rate limit script returned %d values", len(vals))
	}

	if vals[0] == 1 {
		return Result{Allowed: true, Remaining: int(vals[1])}, nil
	}
	return Result{Allowed: false, WaitSeconds: int(vals[1])}, nil
}

// Release returns tokens to a bucket, never exceeding its ceiling.
func (l *Limiter) Release(ctx context.Context, key string, tokens int, w Window) error {
	return releaseScript.Run(ctx, l.rdb, []string{bucketKey(key, w)}, w.MaxTokens, tokens).Err()
}

// AcquireDual acquires from the per-minute then the per-hour window. Both
// must grant; when the hour window refuses after the minute window granted,
// the minute tokens are put back.
func (l *Limiter) AcquireDual(ctx context.Context, key string, tokens int, minute, hour Window) (Result, error) {
	minRes, err := l.Acquire(ctx, key, tokens, minute)
	if err != nil {
		return minRes, err
	}
	if !minRes.Allowed {
		return minRes, nil
	}

	hourRes, err := l.Acquire(ctx, key, tokens, hour)
	if err != nil {
		return hourRes, err
	}
	if !hourRes.Allowed {
		if !minRes.FailedOpen {
			if relErr := l.Release(ctx, key, tokens, minute); relErr != nil {
				l.logger.Printf("release after hour refusal failed: key=%s err=%v", key, relErr)
			}
		}
		return hourRes, nil
	}
	return hourRes, nil
}

func bucketKey(key string, w Window) string {
	return fmt.Sprintf("ratelimit:%s:%ds", key, int(w.Interval.Seconds()))
}

// Backoff returns the retry delay for the given attempt: base times
// factor^(attempt-1) with +/-30%% jitter, capped at 60s.
func Backoff(attempt int, base time.Duration, factor float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if factor < 1 {
		factor = 2
	}
	d := float64(base) * math.Pow(factor, float64(attempt-1))
	jitter := 0.7 + rand.Float64()*0.6
	d *= jitter
	if max := float64(60 * time.Second); d > max {
		d = max
	}
	return time.Duration(d)
}

package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, ttl time.Duration) (*Engine, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, ttl), mr
}

func TestStoreThenCheck(t *testing.T) {
	e, _ := newTestEngine(t, 0)
	ctx := context.Background()

	bound, err := e.Store(ctx, "k-42", "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", bound)

	got, err := e.Check(ctx, "k-42")
	require.NoError(t, err)
	assert.Equal(t, "job-1", got)
}

func TestFirstWriterWins(t *testing.T) {
	e, _ := newTestEngine(t, 0)
	ctx := context.Background()

	bound, err := e.Store(ctx, "k-42", "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", bound)

	// Collision returns the prior job id, not the new one.
	bound, err = e.Store(ctx, "k-42", "job-2")
	require.NoError(t, err)
	assert.Equal(t, "job-1", bound)
}

func TestUnknownKey(t *testing.T) {
	e, _ := newTestEngine(t, 0)
	got, err := e.Check(context.Background(), "never-stored")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestExpiry(t *testing.T) {
	e, mr := newTestEngine(t, time.Minute)
	ctx := context.Background()

	_, err := e.Store(ctx, "k-ttl", "job-1")
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	got, err := e.Check(ctx, "k-ttl")
	require.NoError(t, err)
	assert.Empty(t, got)

	// A new job may claim the key after expiry.
	bound, err := e.Store(ctx, "k-ttl", "job-2")
	require.NoError(t, err)
	assert.Equal(t, "job-2", bound)
}

package browser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marionette/backend/internal/core"
)

func testPool(maxInstances, minInstances, maxPages int, idleTTL time.Duration) (*Pool, *FakeLauncher) {
	launcher := &FakeLauncher{}
	pool := NewPool(PoolConfig{
		MaxInstances:        maxInstances,
		MinInstances:        minInstances,
		MaxPagesPerInstance: maxPages,
		IdleTTL:             idleTTL,
		Launch:              DefaultLaunchOptions(),
	}, launcher)
	return pool, launcher
}

func TestAcquireLaunchesLazily(t *testing.T) {
	pool, launcher := testPool(2, 0, 2, time.Hour)
	ctx := context.Background()

	lease, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, launcher.Launched)
	assert.True(t, launcher.LastOpts.SuppressAutomationFlags)

	stats := pool.Stats()
	assert.Equal(t, 1, stats.Instances)
	assert.Equal(t, 1, stats.InUse)

	pool.Release(ctx, lease)
	assert.Equal(t, 0, pool.Stats().InUse)
}

func TestAcquireReusesParkedPage(t *testing.T) {
	pool, launcher := testPool(2, 0, 2, time.Hour)
	ctx := context.Background()

	lease, err := pool.Acquire(ctx)
	require.NoError(t, err)
	first := lease.Page.(*FakePage)
	pool.Release(ctx, lease)

	lease2, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, first, lease2.Page.(*FakePage))
	assert.Equal(t, 1, first.ResetCount, "reused page is reset")
	assert.Equal(t, 1, launcher.Launched, "no second browser needed")
	pool.Release(ctx, lease2)
}

func TestPoolExhausted(t *testing.T) {
	pool, _ := testPool(2, 0, 2, time.Hour)
	ctx := context.Background()

	l1, err := pool.Acquire(ctx)
	require.NoError(t, err)
	l2, err := pool.Acquire(ctx)
	require.NoError(t, err)

	_, err = pool.Acquire(ctx)
	assert.ErrorIs(t, err, core.ErrPoolExhausted)

	pool.Release(ctx, l1)
	l3, err := pool.Acquire(ctx)
	require.NoError(t, err)

	pool.Release(ctx, l2)
	pool.Release(ctx, l3)
}

func TestPageCeilingClosesExtraPages(t *testing.T) {
	pool, _ := testPool(1, 0, 1, time.Hour)
	ctx := context.Background()

	lease, err := pool.Acquire(ctx)
	require.NoError(t, err)
	first := lease.Page.(*FakePage)
	pool.Release(ctx, lease) // parks (1 <= ceiling)

	lease2, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.Same(t, first, lease2.Page.(*FakePage))
	pool.Release(ctx, lease2) // parks again

	assert.Equal(t, 1, pool.Stats().ParkedPages)
}

func TestIdleSweepRespectsFloor(t *testing.T) {
	pool, _ := testPool(3, 1, 2, 10*time.Millisecond)
	ctx := context.Background()

	var leases []*Lease
	for i := 0; i < 3; i++ {
		l, err := pool.Acquire(ctx)
		require.NoError(t, err)
		leases = append(leases, l)
	}
	for _, l := range leases {
		pool.Release(ctx, l)
	}
	require.Equal(t, 3, pool.Stats().Instances)

	time.Sleep(20 * time.Millisecond)

	// A release triggers the sweep; idle instances above the floor go away.
	l, err := pool.Acquire(ctx)
	require.NoError(t, err)
	pool.Release(ctx, l)

	assert.Equal(t, 1, pool.Stats().Instances)
}

func TestHealthCheck(t *testing.T) {
	pool, _ := testPool(2, 0, 2, time.Hour)
	require.NoError(t, pool.HealthCheck(context.Background()))
}

func TestShutdownClosesEverything(t *testing.T) {
	pool, _ := testPool(2, 0, 2, time.Hour)
	ctx := context.Background()

	lease, err := pool.Acquire(ctx)
	require.NoError(t, err)
	page := lease.Page.(*FakePage)
	pool.Release(ctx, lease)

	pool.Shutdown(ctx)
	assert.True(t, page.IsClosed)

	_, err = pool.Acquire(ctx)
	assert.ErrorIs(t, err, core.ErrPoolExhausted)
}

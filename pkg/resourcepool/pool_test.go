package resourcepool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npu-bridge/npu-bridge-go/pkg/models"
)

func testPool() *ResourcePool {
	return NewResourcePool(Capacities{
		models.ResourceDeviceMemory:  100,
		models.ResourceDeviceCompute: 10,
		models.ResourceHostCores:     8,
		models.ResourceHostMemory:    1024,
	})
}

func TestAllocateAndRelease(t *testing.T) {
	pool := testPool()
	ctx := context.Background()

	err := pool.Allocate(ctx, "op-1", models.ResourceDeviceMemory, 50, time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(50), pool.Available(models.ResourceDeviceMemory))

	pool.Release("op-1")
	assert.Equal(t, int64(100), pool.Available(models.ResourceDeviceMemory))
}

func TestAvailableNeverExceedsTotalOrGoesNegative(t *testing.T) {
	pool := testPool()
	ctx := context.Background()

	// Interleaved allocate/release across goroutines.
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n))
			for j := 0; j < 50; j++ {
				if err := pool.Allocate(ctx, id, models.ResourceDeviceCompute, 3, 50*time.Millisecond); err == nil {
					pool.Release(id)
				}
			}
		}(i)
	}
	wg.Wait()

	avail := pool.Available(models.ResourceDeviceCompute)
	assert.GreaterOrEqual(t, avail, int64(0))
	assert.LessOrEqual(t, avail, pool.Total(models.ResourceDeviceCompute))
	assert.Equal(t, pool.Total(models.ResourceDeviceCompute), avail)
}

func TestReleaseIsIdempotent(t *testing.T) {
	pool := testPool()
	ctx := context.Background()

	require.NoError(t, pool.Allocate(ctx, "op-1", models.ResourceDeviceMemory, 30, time.Second))

	pool.Release("op-1")
	pool.Release("op-1")

	// No double-credit.
	assert.Equal(t, int64(100), pool.Available(models.ResourceDeviceMemory))
}

func TestReleaseUnknownIDIsNoOp(t *testing.T) {
	pool := testPool()
	pool.Release("never-allocated")
	assert.Equal(t, int64(100), pool.Available(models.ResourceDeviceMemory))
}

func TestAllocationTimeoutBound(t *testing.T) {
	pool := testPool()
	ctx := context.Background()

	require.NoError(t, pool.Allocate(ctx, "holder", models.ResourceDeviceCompute, 10, time.Second))

	timeout := 80 * time.Millisecond
	start := time.Now()
	err := pool.Allocate(ctx, "blocked", models.ResourceDeviceCompute, 1, timeout)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrAllocationTimeout)
	// Neither instant nor unbounded.
	assert.GreaterOrEqual(t, elapsed, timeout-5*time.Millisecond)
	assert.Less(t, elapsed, timeout+500*time.Millisecond)

	// Nothing was held for the failed caller.
	pool.Release("holder")
	assert.Equal(t, int64(10), pool.Available(models.ResourceDeviceCompute))
}

func TestAllocateUnblocksOnRelease(t *testing.T) {
	pool := testPool()
	ctx := context.Background()

	require.NoError(t, pool.Allocate(ctx, "holder", models.ResourceDeviceCompute, 10, time.Second))

	done := make(chan error, 1)
	go func() {
		done <- pool.Allocate(ctx, "waiter", models.ResourceDeviceCompute, 5, 2*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	pool.Release("holder")

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by release")
	}
	assert.Equal(t, int64(5), pool.Available(models.ResourceDeviceCompute))
}

func TestUnboundedTypeAlwaysSucceeds(t *testing.T) {
	pool := testPool()
	ctx := context.Background()

	err := pool.Allocate(ctx, "op-1", models.ResourceNetworkBandwidth, 1<<40, time.Millisecond)
	assert.NoError(t, err)

	// No accounting for unbounded types.
	pool.Release("op-1")
	assert.Equal(t, float64(0), pool.Utilization()[models.ResourceNetworkBandwidth])
}

func TestAllocateAllRollsBackOnFailure(t *testing.T) {
	pool := testPool()
	ctx := context.Background()

	// Hold all compute so the second request in the batch must time out.
	require.NoError(t, pool.Allocate(ctx, "holder", models.ResourceDeviceCompute, 10, time.Second))

	reqs := []models.ResourceRequest{
		{Type: models.ResourceDeviceMemory, Amount: 40},
		{Type: models.ResourceDeviceCompute, Amount: 4},
	}
	err := pool.AllocateAll(ctx, "batch", reqs, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrAllocationTimeout)

	// The memory grant from the failed batch was rolled back.
	assert.Equal(t, int64(100), pool.Available(models.ResourceDeviceMemory))
}

func TestUtilization(t *testing.T) {
	pool := testPool()
	ctx := context.Background()

	require.NoError(t, pool.Allocate(ctx, "op-1", models.ResourceDeviceMemory, 25, time.Second))

	util := pool.Utilization()
	assert.InDelta(t, 0.25, util[models.ResourceDeviceMemory], 1e-9)
	assert.Equal(t, float64(0), util[models.ResourceDeviceCompute])
}

func TestAllocateContextCancel(t *testing.T) {
	pool := testPool()

	require.NoError(t, pool.Allocate(context.Background(), "holder", models.ResourceHostCores, 8, time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := pool.Allocate(ctx, "waiter", models.ResourceHostCores, 1, 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

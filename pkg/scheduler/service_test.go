package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npu-bridge/npu-bridge-go/pkg/bridge"
	"github.com/npu-bridge/npu-bridge-go/pkg/driver"
	"github.com/npu-bridge/npu-bridge-go/pkg/engine"
	"github.com/npu-bridge/npu-bridge-go/pkg/metrics"
	"github.com/npu-bridge/npu-bridge-go/pkg/models"
	"github.com/npu-bridge/npu-bridge-go/pkg/resourcepool"
	"github.com/npu-bridge/npu-bridge-go/utils"
)

func newTestService(t *testing.T, fake *driver.FakeDriver) *Service {
	t.Helper()
	config := bridge.DefaultConfig()
	config.Engine = engine.Config{WorkerCount: 1}
	pool := resourcepool.NewResourcePool(resourcepool.DefaultCapacities())
	b := bridge.New(config, pool, metrics.NewAggregator(100), fake, utils.NewEventBus())
	b.Start()
	t.Cleanup(func() { _ = b.Shutdown() })

	s := NewService(b)
	t.Cleanup(s.Stop)
	return s
}

func healthTask(name string) Task {
	return Task{
		Name:     name,
		Schedule: "@every 10ms",
		Request:  models.OperationRequest{Kind: models.OperationKindHealthCheck},
	}
}

func TestAddTaskValidation(t *testing.T) {
	s := newTestService(t, driver.NewFakeDriver())

	assert.Error(t, s.AddTask(Task{Schedule: "@every 1s"}))
	assert.Error(t, s.AddTask(Task{Name: "t", Schedule: "@every 1s", Request: models.OperationRequest{Kind: "defragment"}}))
	assert.Error(t, s.AddTask(Task{Name: "t", Schedule: "not a schedule", Request: models.OperationRequest{Kind: models.OperationKindHealthCheck}}))

	require.NoError(t, s.AddTask(healthTask("t")))
	assert.Error(t, s.AddTask(healthTask("t")), "duplicate names must be rejected")
	assert.Equal(t, []string{"t"}, s.TaskNames())
}

func TestRemoveTask(t *testing.T) {
	s := newTestService(t, driver.NewFakeDriver())

	require.NoError(t, s.AddTask(healthTask("t")))
	s.RemoveTask("t")
	assert.Empty(t, s.TaskNames())

	// Removing twice is a no-op.
	s.RemoveTask("t")
}

func TestScheduledHealthChecksReachTheDevice(t *testing.T) {
	fake := driver.NewFakeDriver()
	s := newTestService(t, fake)

	require.NoError(t, s.AddTask(healthTask("device-health")))
	s.Start()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Runs("device-health") >= 2 && fake.HealthCalls() >= 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected repeated health checks, got %d submissions and %d device calls",
		s.Runs("device-health"), fake.HealthCalls())
}

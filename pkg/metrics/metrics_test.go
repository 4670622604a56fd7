package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npu-bridge/npu-bridge-go/pkg/models"
)

func TestPercentileCorrectness(t *testing.T) {
	agg := NewAggregator(0)

	// Latencies 100us, 200us, ..., 10000us: 100 samples.
	for i := 1; i <= 100; i++ {
		agg.RecordCompletion(models.OperationKindInference, true, time.Duration(i*100)*time.Microsecond)
	}

	snap := agg.Snapshot()
	// p95 is the value at index 94 after ascending sort.
	assert.Equal(t, uint64(9500), snap.P95LatencyUs)
	assert.Equal(t, uint64(9900), snap.P99LatencyUs)
	assert.Equal(t, uint64(10000), snap.PeakLatencyUs)
	assert.InDelta(t, 5050.0, snap.AverageLatencyUs, 1e-6)
}

func TestPercentileIndex(t *testing.T) {
	assert.Equal(t, 94, percentileIndex(100, 0.95))
	assert.Equal(t, 98, percentileIndex(100, 0.99))
	assert.Equal(t, 0, percentileIndex(1, 0.95))
	assert.Equal(t, 0, percentileIndex(1, 0.99))
	assert.Equal(t, 8, percentileIndex(10, 0.95))
}

func TestCounters(t *testing.T) {
	agg := NewAggregator(0)

	agg.RecordStart(models.OperationKindHealthCheck)
	agg.RecordCompletion(models.OperationKindHealthCheck, true, time.Millisecond)
	agg.RecordCompletion(models.OperationKindHealthCheck, false, 2*time.Millisecond)
	agg.RecordDeadlineDrop(models.OperationKindInference)

	snap := agg.Snapshot()
	assert.Equal(t, uint64(2), snap.TotalOperations)
	assert.Equal(t, uint64(1), snap.SuccessfulOperations)
	assert.Equal(t, uint64(1), snap.FailedOperations)
	assert.Equal(t, uint64(1), snap.DroppedOperations)
	assert.InDelta(t, 50.0, snap.ErrorRatePercent, 1e-9)

	kind := snap.OperationBreakdown[models.OperationKindHealthCheck]
	assert.Equal(t, uint64(2), kind.Count)
	assert.Equal(t, uint64(1), kind.Started)
	assert.InDelta(t, 50.0, kind.SuccessRatePercent, 1e-9)
	assert.InDelta(t, 1500.0, kind.AverageLatencyUs, 1e-6)
}

func TestFailureCausesAreCountedSeparately(t *testing.T) {
	agg := NewAggregator(0)

	agg.RecordFailure(models.OperationKindInference, CauseAllocationTimeout, time.Millisecond)
	agg.RecordFailure(models.OperationKindInference, CauseExecutionError, time.Millisecond)
	// Cause-less failures count as execution errors.
	agg.RecordCompletion(models.OperationKindInference, false, time.Millisecond)

	snap := agg.Snapshot()
	assert.Equal(t, uint64(3), snap.FailedOperations)
	assert.Equal(t, uint64(1), snap.FailureCauses[CauseAllocationTimeout])
	assert.Equal(t, uint64(2), snap.FailureCauses[CauseExecutionError])
}

func TestRingEviction(t *testing.T) {
	agg := NewAggregator(100)

	// Overfill the ring; only the newest 100 samples survive.
	for i := 1; i <= 250; i++ {
		agg.RecordCompletion(models.OperationKindInference, true, time.Duration(i)*time.Microsecond)
	}

	snap := agg.Snapshot()
	assert.Equal(t, uint64(250), snap.TotalOperations)
	// Ring holds samples 151..250; average is 200.5us.
	assert.InDelta(t, 200.5, snap.AverageLatencyUs, 1e-6)
	// Peak is monotonic across evictions.
	assert.Equal(t, uint64(250), snap.PeakLatencyUs)
}

func TestRing(t *testing.T) {
	r := newRing(3)
	r.push(1)
	r.push(2)
	assert.Equal(t, []uint64{1, 2}, r.values())

	r.push(3)
	r.push(4)
	assert.Equal(t, []uint64{2, 3, 4}, r.values())
}

func TestThroughputWindow(t *testing.T) {
	agg := NewAggregator(0)

	for i := 0; i < 50; i++ {
		agg.RecordCompletion(models.OperationKindInference, true, time.Microsecond)
	}

	snap := agg.Snapshot()
	assert.Greater(t, snap.ThroughputOpsPerSec, 0.0)
}

func TestSnapshotPullsUtilizationAndDepth(t *testing.T) {
	agg := NewAggregator(0)
	agg.SetUtilizationSource(func() map[models.ResourceType]float64 {
		return map[models.ResourceType]float64{models.ResourceDeviceMemory: 0.5}
	})
	agg.SetQueueDepthSource(func() int { return 7 })

	snap := agg.Snapshot()
	assert.Equal(t, 7, snap.QueueDepth)
	assert.InDelta(t, 0.5, snap.ResourceUtilization[models.ResourceDeviceMemory], 1e-9)
}

func TestPromExporter(t *testing.T) {
	exporter := NewPromExporter("test")
	agg := NewAggregator(0)
	agg.AttachExporter(exporter)

	agg.RecordCompletion(models.OperationKindInference, true, time.Millisecond)
	agg.RecordCompletion(models.OperationKindInference, false, time.Millisecond)
	agg.RecordFailure(models.OperationKindInference, CauseAllocationTimeout, time.Millisecond)
	agg.RecordDeadlineDrop(models.OperationKindHealthCheck)
	exporter.UpdateFromSnapshot(agg.Snapshot())

	srv := httptest.NewServer(exporter.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "npu_bridge_operations_total")
	assert.Contains(t, text, `outcome="success"`)
	assert.Contains(t, text, `outcome="failure"`)
	assert.Contains(t, text, `cause="execution_error"`)
	assert.Contains(t, text, `cause="allocation_timeout"`)
	assert.Contains(t, text, "npu_bridge_deadline_drops_total")
	assert.Contains(t, text, "npu_bridge_latency_us")
}

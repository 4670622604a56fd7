package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/npu-bridge/npu-bridge-go/pkg/models"
)

// DefaultHistorySize is the default latency ring buffer capacity
const DefaultHistorySize = 10000

// throughputWindow is the trailing window used for the ops/sec estimate
const throughputWindow = 5 * time.Second

// FailureCause classifies why an execution attempt failed. Deadline drops are
// a separate outcome, not a failure cause.
type FailureCause string

const (
	// CauseExecutionError marks a failure returned by the device driver
	CauseExecutionError FailureCause = "execution_error"
	// CauseAllocationTimeout marks a failure to allocate resources in time
	CauseAllocationTimeout FailureCause = "allocation_timeout"
)

// Snapshot is a point-in-time view of aggregated performance metrics
type Snapshot struct {
	Timestamp            time.Time                            `json:"timestamp"`
	TotalOperations      uint64                               `json:"total_operations"`
	SuccessfulOperations uint64                               `json:"successful_operations"`
	FailedOperations     uint64                               `json:"failed_operations"`
	DroppedOperations    uint64                               `json:"dropped_operations"`
	FailureCauses        map[FailureCause]uint64              `json:"failure_causes"`
	AverageLatencyUs     float64                              `json:"average_latency_us"`
	P95LatencyUs         uint64                               `json:"p95_latency_us"`
	P99LatencyUs         uint64                               `json:"p99_latency_us"`
	PeakLatencyUs        uint64                               `json:"peak_latency_us"`
	ThroughputOpsPerSec  float64                              `json:"throughput_ops_per_sec"`
	ErrorRatePercent     float64                              `json:"error_rate_percent"`
	QueueDepth           int                                  `json:"queue_depth"`
	ResourceUtilization  map[models.ResourceType]float64      `json:"resource_utilization"`
	OperationBreakdown   map[models.OperationKind]KindMetrics `json:"operation_breakdown"`
}

// KindMetrics aggregates outcomes for a single operation kind
type KindMetrics struct {
	Count              uint64  `json:"count"`
	Started            uint64  `json:"started"`
	SuccessRatePercent float64 `json:"success_rate_percent"`
	AverageLatencyUs   float64 `json:"average_latency_us"`
}

// kindCounters tracks per-kind outcome counts and recent latencies
type kindCounters struct {
	started   uint64
	completed uint64
	succeeded uint64
	latencies *ring
}

// Aggregator maintains a bounded-memory rolling record of operation
// latencies and monotonic outcome counters. Mutated by the engine's
// completion and failure handlers plus the periodic sampler; read by anyone.
type Aggregator struct {
	mu          sync.RWMutex
	historySize int
	startedAt   time.Time

	totalOps      uint64
	successOps    uint64
	failedOps     uint64
	failedByCause map[FailureCause]uint64
	droppedOps    uint64
	peakUs        uint64

	latencies   *ring
	byKind      map[models.OperationKind]*kindCounters
	completions []time.Time

	// Read at snapshot time; both may be nil until wired by the engine.
	utilizationSource func() map[models.ResourceType]float64
	queueDepthSource  func() int

	exporter *PromExporter
}

// NewAggregator creates an aggregator with the given latency history size.
// Zero or negative means DefaultHistorySize.
func NewAggregator(historySize int) *Aggregator {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Aggregator{
		historySize:   historySize,
		startedAt:     time.Now(),
		latencies:     newRing(historySize),
		byKind:        make(map[models.OperationKind]*kindCounters),
		failedByCause: make(map[FailureCause]uint64),
	}
}

// SetUtilizationSource wires the resource pool utilization read used at
// snapshot time
func (a *Aggregator) SetUtilizationSource(fn func() map[models.ResourceType]float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.utilizationSource = fn
}

// SetQueueDepthSource wires the pending-queue depth read used at snapshot time
func (a *Aggregator) SetQueueDepthSource(fn func() int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queueDepthSource = fn
}

// AttachExporter mirrors recorded outcomes into a Prometheus exporter
func (a *Aggregator) AttachExporter(e *PromExporter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.exporter = e
}

// RecordStart notes that an execution attempt of the given kind began
func (a *Aggregator) RecordStart(kind models.OperationKind) {
	a.mu.Lock()
	a.forKind(kind).started++
	a.mu.Unlock()
}

// RecordCompletion records a terminal or retried attempt outcome with its
// observed latency. Failures recorded here count as execution errors; use
// RecordFailure to attribute a different cause.
func (a *Aggregator) RecordCompletion(kind models.OperationKind, success bool, latency time.Duration) {
	if !success {
		a.RecordFailure(kind, CauseExecutionError, latency)
		return
	}
	a.record(kind, true, "", latency)
}

// RecordFailure records a failed attempt with its cause, keeping allocation
// timeouts distinguishable from driver execution errors.
func (a *Aggregator) RecordFailure(kind models.OperationKind, cause FailureCause, latency time.Duration) {
	a.record(kind, false, cause, latency)
}

func (a *Aggregator) record(kind models.OperationKind, success bool, cause FailureCause, latency time.Duration) {
	us := uint64(latency.Microseconds())
	now := time.Now()

	a.mu.Lock()
	a.totalOps++
	if success {
		a.successOps++
	} else {
		a.failedOps++
		a.failedByCause[cause]++
	}
	if us > a.peakUs {
		a.peakUs = us
	}

	a.latencies.push(us)

	kc := a.forKind(kind)
	kc.completed++
	if success {
		kc.succeeded++
	}
	kc.latencies.push(us)

	a.completions = append(a.completions, now)
	a.pruneCompletionsLocked(now)

	exporter := a.exporter
	a.mu.Unlock()

	if exporter != nil {
		if success {
			exporter.ObserveCompletion(kind, true, us)
		} else {
			exporter.ObserveFailure(kind, cause, us)
		}
	}
}

// RecordDeadlineDrop counts an operation discarded at dequeue because its
// deadline elapsed before execution began. Drops are not failures.
func (a *Aggregator) RecordDeadlineDrop(kind models.OperationKind) {
	a.mu.Lock()
	a.droppedOps++
	exporter := a.exporter
	a.mu.Unlock()

	if exporter != nil {
		exporter.ObserveDrop(kind)
	}
}

// Snapshot computes current statistics over the ring buffer contents.
// Writers are only blocked for the time it takes to copy the buffer.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	now := time.Now()
	a.pruneCompletionsLocked(now)

	latencies := a.latencies.values()
	total, success, failed, dropped := a.totalOps, a.successOps, a.failedOps, a.droppedOps
	causes := make(map[FailureCause]uint64, len(a.failedByCause))
	for cause, n := range a.failedByCause {
		causes[cause] = n
	}
	peak := a.peakUs
	windowCount := len(a.completions)
	startedAt := a.startedAt
	utilSource := a.utilizationSource
	depthSource := a.queueDepthSource

	breakdown := make(map[models.OperationKind]KindMetrics, len(a.byKind))
	for kind, kc := range a.byKind {
		km := KindMetrics{Count: kc.completed, Started: kc.started}
		if kc.completed > 0 {
			km.SuccessRatePercent = float64(kc.succeeded) / float64(kc.completed) * 100
		}
		if vals := kc.latencies.values(); len(vals) > 0 {
			var sum uint64
			for _, v := range vals {
				sum += v
			}
			km.AverageLatencyUs = float64(sum) / float64(len(vals))
		}
		breakdown[kind] = km
	}
	a.mu.Unlock()

	snap := Snapshot{
		Timestamp:            now,
		TotalOperations:      total,
		SuccessfulOperations: success,
		FailedOperations:     failed,
		DroppedOperations:    dropped,
		FailureCauses:        causes,
		PeakLatencyUs:        peak,
		OperationBreakdown:   breakdown,
		ResourceUtilization:  map[models.ResourceType]float64{},
	}

	if len(latencies) > 0 {
		var sum uint64
		for _, v := range latencies {
			sum += v
		}
		snap.AverageLatencyUs = float64(sum) / float64(len(latencies))

		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		snap.P95LatencyUs = latencies[percentileIndex(len(latencies), 0.95)]
		snap.P99LatencyUs = latencies[percentileIndex(len(latencies), 0.99)]
	}

	if total > 0 {
		snap.ErrorRatePercent = float64(failed) / float64(total) * 100
	}

	window := throughputWindow
	if lived := now.Sub(startedAt); lived < window && lived > 0 {
		window = lived
	}
	if secs := window.Seconds(); secs > 0 {
		snap.ThroughputOpsPerSec = float64(windowCount) / secs
	}

	if utilSource != nil {
		snap.ResourceUtilization = utilSource()
	}
	if depthSource != nil {
		snap.QueueDepth = depthSource()
	}

	return snap
}

// forKind returns the counters for a kind, creating them on first use.
// Callers must hold a.mu.
func (a *Aggregator) forKind(kind models.OperationKind) *kindCounters {
	kc, ok := a.byKind[kind]
	if !ok {
		kc = &kindCounters{latencies: newRing(a.historySize)}
		a.byKind[kind] = kc
	}
	return kc
}

// pruneCompletionsLocked drops completion timestamps older than the trailing
// throughput window. Callers must hold a.mu.
func (a *Aggregator) pruneCompletionsLocked(now time.Time) {
	cutoff := now.Add(-throughputWindow)
	i := 0
	for i < len(a.completions) && a.completions[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		a.completions = append(a.completions[:0], a.completions[i:]...)
	}
}

// percentileIndex returns the index into an ascending-sorted slice of length
// n for the given percentile: floor(n * p) backed off one, clamped to the
// valid range. 100 samples at p95 selects index 94.
func percentileIndex(n int, p float64) int {
	idx := int(float64(n) * p)
	if idx > 0 {
		idx--
	}
	if idx >= n {
		idx = n - 1
	}
	return idx
}

// ring is a fixed-capacity circular buffer of latency samples with O(1)
// insert and eviction of the oldest entry when full
type ring struct {
	buf   []uint64
	start int
	n     int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]uint64, capacity)}
}

func (r *ring) push(v uint64) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = v
		r.n++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

// values returns a copy of the buffered samples in insertion order
func (r *ring) values() []uint64 {
	out := make([]uint64, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

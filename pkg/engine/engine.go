package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/npu-bridge/npu-bridge-go/pkg/driver"
	"github.com/npu-bridge/npu-bridge-go/pkg/metrics"
	"github.com/npu-bridge/npu-bridge-go/pkg/models"
	"github.com/npu-bridge/npu-bridge-go/pkg/queue"
	"github.com/npu-bridge/npu-bridge-go/pkg/resourcepool"
	"github.com/npu-bridge/npu-bridge-go/utils"
)

var (
	// ErrShutdownTimeout is returned when workers did not stop within the
	// configured shutdown bound
	ErrShutdownTimeout = errors.New("shutdown timed out waiting for workers")
	// ErrNotRunning is returned when submitting to an engine that has not
	// been started or has been shut down
	ErrNotRunning = errors.New("coordination engine is not running")
)

// pollInterval is how long an idle worker sleeps between queue checks when
// no enqueue wake signal arrives
const pollInterval = time.Millisecond

// Config holds coordination engine tunables
type Config struct {
	WorkerCount       int
	QueueCapacity     int
	MaxRetries        int
	AllocationTimeout time.Duration
	ShutdownTimeout   time.Duration
	SampleInterval    time.Duration
}

// DefaultConfig returns engine defaults sized for the host
func DefaultConfig() Config {
	return Config{
		WorkerCount:       runtime.NumCPU(),
		QueueCapacity:     8192,
		MaxRetries:        3,
		AllocationTimeout: resourcepool.DefaultAllocationTimeout,
		ShutdownTimeout:   5 * time.Second,
		SampleInterval:    time.Second,
	}
}

// TerminalFunc is invoked once when an operation reaches a terminal state
type TerminalFunc func(op *models.Operation, result *models.OperationResult)

// Engine is the central state machine tying queue, pool, workers, and
// metrics together. It exclusively owns the operation queue and routes every
// completion and failure back through itself.
type Engine struct {
	config   Config
	queue    *queue.OperationQueue
	pool     *resourcepool.ResourcePool
	metrics  *metrics.Aggregator
	driver   driver.Driver
	exporter *metrics.PromExporter
	logger   *utils.Logger

	// mu guards the active map, the running flag, and the mutable fields of
	// every tracked operation. Workers transition operations under mu so the
	// read API can copy them safely mid-flight.
	mu         sync.Mutex
	active     map[string]*models.Operation
	onTerminal TerminalFunc
	running    bool

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a coordination engine over the given collaborators
func New(config Config, pool *resourcepool.ResourcePool, agg *metrics.Aggregator, drv driver.Driver) *Engine {
	if config.WorkerCount <= 0 {
		config.WorkerCount = runtime.NumCPU()
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.AllocationTimeout <= 0 {
		config.AllocationTimeout = resourcepool.DefaultAllocationTimeout
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 5 * time.Second
	}
	if config.SampleInterval <= 0 {
		config.SampleInterval = time.Second
	}

	e := &Engine{
		config:  config,
		queue:   queue.NewOperationQueue(config.QueueCapacity),
		pool:    pool,
		metrics: agg,
		driver:  drv,
		logger:  utils.GetLogger(),
		active:  make(map[string]*models.Operation),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}

	agg.SetQueueDepthSource(e.queue.Len)
	agg.SetUtilizationSource(pool.Utilization)
	return e
}

// SetTerminalFunc registers the callback invoked for every terminal
// operation. Must be called before Start.
func (e *Engine) SetTerminalFunc(fn TerminalFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onTerminal = fn
}

// SetExporter wires a Prometheus exporter refreshed by the sampler
func (e *Engine) SetExporter(exp *metrics.PromExporter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exporter = exp
	e.metrics.AttachExporter(exp)
}

// Start launches the worker pool and the metrics sampler
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	for i := 0; i < e.config.WorkerCount; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}
	e.wg.Add(1)
	go e.sampler()

	e.logger.Info("coordination engine started",
		utils.Component("engine"),
		utils.Int("workers", e.config.WorkerCount),
		utils.Int("queue_capacity", e.config.QueueCapacity))
}

// Submit enqueues an operation for coordination. The operation becomes
// visible to workers on return. Typed errors: queue.ErrQueueFull when at
// capacity, queue.ErrDeadlinePassed when the deadline already elapsed.
func (e *Engine) Submit(op *models.Operation) error {
	if op.ID == "" {
		return fmt.Errorf("operation id is required")
	}
	if !op.Kind.Valid() {
		return fmt.Errorf("unknown operation kind: %q", op.Kind)
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now()
	}

	// Track before enqueueing: a worker may dequeue and finish the operation
	// before Submit returns, and OnComplete/OnFail only notify tracked
	// operations.
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrNotRunning
	}
	op.Status = models.OperationStatusQueued
	e.active[op.ID] = op
	e.mu.Unlock()

	if err := e.queue.Enqueue(op); err != nil {
		e.mu.Lock()
		delete(e.active, op.ID)
		e.mu.Unlock()
		return err
	}

	// Wake one idle worker without blocking the submitter.
	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

// OnComplete routes a successful execution back through the engine:
// resources are released, metrics updated, and the terminal callback fired.
func (e *Engine) OnComplete(opID string, result *models.OperationResult, execTime time.Duration) {
	now := time.Now()

	e.mu.Lock()
	op, ok := e.active[opID]
	if ok {
		delete(e.active, opID)
		op.Status = models.OperationStatusCompleted
		op.CompletedAt = &now
	}
	e.mu.Unlock()

	e.pool.Release(opID)
	if !ok {
		e.logger.Warn("completion for unknown operation", utils.Component("engine"), utils.String("operation_id", opID))
		return
	}

	e.metrics.RecordCompletion(op.Kind, true, execTime)
	e.notifyTerminal(op, result)
}

// OnFail routes a failed execution attempt back through the engine. Driver
// execution errors are retried by re-enqueueing with priority and created-at
// unchanged; allocation timeouts and elapsed deadlines are immediately
// terminal since retrying them without backoff worsens contention.
func (e *Engine) OnFail(opID string, execErr error, execTime time.Duration) {
	cause := metrics.CauseExecutionError
	if errors.Is(execErr, resourcepool.ErrAllocationTimeout) {
		cause = metrics.CauseAllocationTimeout
	}

	e.mu.Lock()
	op, ok := e.active[opID]
	if !ok {
		e.mu.Unlock()
		e.pool.Release(opID)
		e.logger.Warn("failure for unknown operation", utils.Component("engine"), utils.String("operation_id", opID))
		return
	}

	op.Attempts++
	attempts := op.Attempts
	retry := cause == metrics.CauseExecutionError &&
		attempts < e.config.MaxRetries &&
		(op.Deadline.IsZero() || op.Deadline.After(time.Now()))
	if retry {
		op.Status = models.OperationStatusQueued
	}
	e.mu.Unlock()

	e.metrics.RecordFailure(op.Kind, cause, execTime)

	if retry {
		// Resources from the failed attempt must not be held across the
		// requeue wait.
		e.pool.Release(opID)
		if err := e.queue.Enqueue(op); err == nil {
			e.logger.Debug("operation requeued for retry",
				utils.Component("engine"),
				utils.String("operation_id", opID),
				utils.Int("attempts", attempts))
			select {
			case e.wake <- struct{}{}:
			default:
			}
			return
		}
		// Queue full or deadline elapsed during requeue: fall through to
		// terminal failure.
	}

	now := time.Now()
	e.mu.Lock()
	delete(e.active, opID)
	op.Status = models.OperationStatusFailed
	op.CompletedAt = &now
	op.ErrorMessage = execErr.Error()
	e.mu.Unlock()

	e.pool.Release(opID)

	e.logger.Error("operation failed permanently", execErr,
		utils.Component("engine"),
		utils.String("operation_id", opID),
		utils.Int("attempts", attempts))

	e.notifyTerminal(op, &models.OperationResult{
		OperationID:     opID,
		Success:         false,
		ExecutionTimeUs: uint64(execTime.Microseconds()),
		Error:           execErr.Error(),
	})
}

// Shutdown signals all workers to stop after finishing their current
// operation and waits up to the configured bound. Queued but undispatched
// operations are abandoned.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.mu.Unlock()

	close(e.stop)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("coordination engine stopped", utils.Component("engine"))
		return nil
	case <-time.After(e.config.ShutdownTimeout):
		e.logger.Warn("shutdown timeout exceeded, abandoning workers", utils.Component("engine"))
		return ErrShutdownTimeout
	}
}

// Running reports whether workers are accepting operations
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// QueueDepth returns the number of pending operations
func (e *Engine) QueueDepth() int {
	return e.queue.Len()
}

// InFlight returns the number of operations submitted but not yet terminal
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Operations returns copies of every live (non-terminal) operation
func (e *Engine) Operations() []models.Operation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Operation, 0, len(e.active))
	for _, op := range e.active {
		out = append(out, *op)
	}
	return out
}

// GetOperation returns a copy of a live (non-terminal) operation
func (e *Engine) GetOperation(opID string) (models.Operation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	op, ok := e.active[opID]
	if !ok {
		return models.Operation{}, false
	}
	return *op, true
}

// Metrics returns a point-in-time metrics snapshot
func (e *Engine) Metrics() metrics.Snapshot {
	return e.metrics.Snapshot()
}

// worker is the dequeue-execute loop run by each pool goroutine
func (e *Engine) worker(id int) {
	defer e.wg.Done()

	for {
		select {
		case <-e.stop:
			return
		default:
		}

		op := e.queue.Dequeue()
		if op == nil {
			select {
			case <-e.wake:
			case <-time.After(pollInterval):
			case <-e.stop:
				return
			}
			continue
		}

		e.process(id, op)
	}
}

// process executes a single dequeued operation end to end
func (e *Engine) process(workerID int, op *models.Operation) {
	// Deadline check happens before any execution or allocation.
	if !op.Deadline.IsZero() && !op.Deadline.After(time.Now()) {
		e.dropDeadline(op)
		return
	}

	now := time.Now()
	e.mu.Lock()
	op.Status = models.OperationStatusDispatched
	if op.StartedAt == nil {
		op.StartedAt = &now
	}
	e.mu.Unlock()
	e.metrics.RecordStart(op.Kind)

	if demand := resourceDemand(op); len(demand) > 0 {
		if err := e.pool.AllocateAll(context.Background(), op.ID, demand, e.config.AllocationTimeout); err != nil {
			e.OnFail(op.ID, err, time.Since(now))
			return
		}
	}

	start := time.Now()
	result, items, err := e.execute(op)
	execTime := time.Since(start)

	if err != nil {
		e.OnFail(op.ID, err, execTime)
		return
	}

	result.OperationID = op.ID
	result.Success = true
	result.ExecutionTimeUs = uint64(execTime.Microseconds())
	result.MemoryUsageMB = e.driver.MemoryUsageMB()
	if result.ThroughputOpsPerSec == 0 && items > 0 {
		if secs := execTime.Seconds(); secs > 0 {
			result.ThroughputOpsPerSec = float64(items) / secs
		}
	}
	e.OnComplete(op.ID, result, execTime)
}

// dropDeadline discards an expired operation without executing it. Drops are
// reported through metrics as their own outcome, never as failures.
func (e *Engine) dropDeadline(op *models.Operation) {
	now := time.Now()

	e.mu.Lock()
	delete(e.active, op.ID)
	op.Status = models.OperationStatusDeadlineDropped
	op.CompletedAt = &now
	e.mu.Unlock()

	// An earlier attempt may have held resources.
	e.pool.Release(op.ID)

	e.metrics.RecordDeadlineDrop(op.Kind)

	e.logger.Debug("operation dropped at deadline",
		utils.Component("engine"),
		utils.String("operation_id", op.ID),
		utils.String("kind", string(op.Kind)))

	e.notifyTerminal(op, &models.OperationResult{
		OperationID: op.ID,
		Success:     false,
		Error:       "deadline elapsed before execution began",
	})
}

// execute dispatches on the operation kind, matched exhaustively. The items
// count feeds the throughput figure once execution time is known.
func (e *Engine) execute(op *models.Operation) (result *models.OperationResult, items int, err error) {
	ctx := context.Background()
	p := op.Payload

	switch op.Kind {
	case models.OperationKindInitialize:
		cfg := driver.DefaultDeviceConfig()
		if p.Device != nil {
			cfg = driver.DeviceConfig{
				DeviceID:      p.Device.DeviceID,
				MaxBatchSize:  p.Device.MaxBatchSize,
				Precision:     p.Device.Precision,
				MemoryLimitMB: p.Device.MemoryLimitMB,
				EnableCaching: p.Device.EnableCaching,
			}
		}
		if err := e.driver.Initialize(ctx, cfg); err != nil {
			return nil, 0, err
		}
		return &models.OperationResult{
			Data: map[string]interface{}{"status": "initialized", "device_id": cfg.DeviceID},
		}, 0, nil

	case models.OperationKindInference:
		batch := p.BatchSize
		if batch <= 0 {
			batch = 1
		}
		output, err := e.driver.RunInference(ctx, p.ModelID, p.Input, batch)
		if err != nil {
			return nil, 0, err
		}
		return &models.OperationResult{
			Data: map[string]interface{}{
				"output":     output,
				"batch_size": batch,
				"model_id":   p.ModelID,
			},
		}, batch, nil

	case models.OperationKindLoadModel:
		if err := e.driver.LoadModel(ctx, p.ModelPath, p.ModelID); err != nil {
			return nil, 0, err
		}
		return &models.OperationResult{
			Data: map[string]interface{}{
				"model_id":   p.ModelID,
				"model_path": p.ModelPath,
				"status":     "loaded",
			},
		}, 0, nil

	case models.OperationKindSignalProcessing:
		output, err := e.driver.ProcessSignal(ctx, p.SignalOp, p.SignalData, p.Parameters)
		if err != nil {
			return nil, 0, err
		}
		return &models.OperationResult{
			Data: map[string]interface{}{
				"output":     output,
				"operation":  p.SignalOp,
				"input_size": len(p.SignalData),
			},
		}, len(p.SignalData), nil

	case models.OperationKindBenchmark:
		result, err := e.runBenchmark(ctx, op)
		return result, 0, err

	case models.OperationKindHealthCheck:
		status, err := e.driver.HealthStatus(ctx)
		if err != nil {
			return nil, 0, err
		}
		return &models.OperationResult{
			Data: map[string]interface{}{
				"bridge_status":  "healthy",
				"device_status":  status,
				"worker_threads": e.config.WorkerCount,
			},
		}, 0, nil
	}

	return nil, 0, fmt.Errorf("unknown operation kind: %q", op.Kind)
}

// runBenchmark drives the named operation type in a timed loop and reports
// the achieved rate. Driver errors inside the loop are counted, not fatal.
func (e *Engine) runBenchmark(ctx context.Context, op *models.Operation) (*models.OperationResult, error) {
	durationMs := op.Payload.DurationMs
	if durationMs <= 0 {
		durationMs = 100
	}
	benchKind := op.Payload.BenchmarkKind
	if benchKind == "" {
		benchKind = "inference"
	}

	dummy := make([]float32, 64)
	start := time.Now()
	deadline := start.Add(time.Duration(durationMs) * time.Millisecond)

	var count, errCount uint64
	for time.Now().Before(deadline) {
		select {
		case <-e.stop:
			// Shutdown ends the benchmark early with the partial count.
			goto done
		default:
		}

		var err error
		switch benchKind {
		case "inference":
			_, err = e.driver.RunInference(ctx, "benchmark_model", dummy, 1)
		case "signal_processing":
			_, err = e.driver.ProcessSignal(ctx, "fft", dummy, nil)
		default:
			_, err = e.driver.HealthStatus(ctx)
		}
		if err != nil {
			errCount++
		}
		count++
	}

done:
	elapsed := time.Since(start)
	throughput := 0.0
	if secs := elapsed.Seconds(); secs > 0 {
		throughput = float64(count) / secs
	}

	return &models.OperationResult{
		ThroughputOpsPerSec: throughput,
		Data: map[string]interface{}{
			"operation_count": count,
			"error_count":     errCount,
			"duration_ms":     durationMs,
			"operation_type":  benchKind,
		},
	}, nil
}

// sampler refreshes the exporter gauges on the configured interval
func (e *Engine) sampler() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			snap := e.metrics.Snapshot()
			e.mu.Lock()
			exporter := e.exporter
			e.mu.Unlock()
			if exporter != nil {
				exporter.UpdateFromSnapshot(snap)
			}
		case <-e.stop:
			return
		}
	}
}

func (e *Engine) notifyTerminal(op *models.Operation, result *models.OperationResult) {
	e.mu.Lock()
	fn := e.onTerminal
	e.mu.Unlock()
	if fn != nil {
		fn(op, result)
	}
}

// resourceDemand maps an operation kind to the pool units it must hold while
// executing. Inference claims compute and memory scaled by batch size.
func resourceDemand(op *models.Operation) []models.ResourceRequest {
	switch op.Kind {
	case models.OperationKindInference:
		batch := int64(op.Payload.BatchSize)
		if batch <= 0 {
			batch = 1
		}
		return []models.ResourceRequest{
			{Type: models.ResourceDeviceCompute, Amount: batch},
			{Type: models.ResourceDeviceMemory, Amount: batch * 4},
			{Type: models.ResourceHostCores, Amount: 1},
		}
	case models.OperationKindLoadModel:
		return []models.ResourceRequest{
			{Type: models.ResourceDeviceMemory, Amount: 48},
			{Type: models.ResourceHostCores, Amount: 1},
		}
	case models.OperationKindSignalProcessing:
		mem := int64(len(op.Payload.SignalData)) * 4 / (1 << 20)
		if mem < 1 {
			mem = 1
		}
		return []models.ResourceRequest{
			{Type: models.ResourceHostCores, Amount: 2},
			{Type: models.ResourceHostMemory, Amount: mem},
		}
	case models.OperationKindInitialize, models.OperationKindBenchmark:
		return []models.ResourceRequest{
			{Type: models.ResourceHostCores, Amount: 1},
		}
	}
	// Health checks hold nothing.
	return nil
}

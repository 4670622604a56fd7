package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/npu-bridge/npu-bridge-go/pkg/driver"
	"github.com/npu-bridge/npu-bridge-go/pkg/engine"
	"github.com/npu-bridge/npu-bridge-go/pkg/metrics"
	"github.com/npu-bridge/npu-bridge-go/pkg/models"
	"github.com/npu-bridge/npu-bridge-go/pkg/resourcepool"
	"github.com/npu-bridge/npu-bridge-go/utils"
)

// ErrUnknownOperation is returned when looking up an operation id the bridge
// has no record of
var ErrUnknownOperation = errors.New("unknown operation")

// Config holds bridge-level tunables. DefaultDeadline applies when a request
// carries no explicit latency budget.
type Config struct {
	DefaultDeadline time.Duration
	Engine          engine.Config
}

// DefaultConfig returns bridge defaults with a 5s latency budget
func DefaultConfig() Config {
	return Config{
		DefaultDeadline: 5 * time.Second,
		Engine:          engine.DefaultConfig(),
	}
}

// Bridge is the facade over the coordination engine. It assigns ids and
// priorities, translates request envelopes into operations, and correlates
// terminal outcomes back to callers.
type Bridge struct {
	config  Config
	engine  *engine.Engine
	pool    *resourcepool.ResourcePool
	metrics *metrics.Aggregator
	driver  driver.Driver
	bus     *utils.EventBus
	logger  *utils.Logger

	mu      sync.Mutex
	waiters map[string]chan *models.OperationResult
}

// New builds a bridge and its engine over the given driver. The bridge owns
// the engine lifecycle: Start and Shutdown propagate.
func New(config Config, pool *resourcepool.ResourcePool, agg *metrics.Aggregator, drv driver.Driver, bus *utils.EventBus) *Bridge {
	if config.DefaultDeadline <= 0 {
		config.DefaultDeadline = 5 * time.Second
	}
	if bus == nil {
		bus = utils.NewEventBus()
	}

	b := &Bridge{
		config:  config,
		engine:  engine.New(config.Engine, pool, agg, drv),
		pool:    pool,
		metrics: agg,
		driver:  drv,
		bus:     bus,
		logger:  utils.GetLogger(),
		waiters: make(map[string]chan *models.OperationResult),
	}
	b.engine.SetTerminalFunc(b.onTerminal)
	return b
}

// Engine exposes the underlying coordination engine
func (b *Bridge) Engine() *engine.Engine { return b.engine }

// Bus exposes the event bus terminal outcomes are published on
func (b *Bridge) Bus() *utils.EventBus { return b.bus }

// SetExporter wires a Prometheus exporter into the engine sampler
func (b *Bridge) SetExporter(exp *metrics.PromExporter) {
	b.engine.SetExporter(exp)
}

// Start launches the engine workers
func (b *Bridge) Start() {
	b.engine.Start()
}

// Shutdown stops the engine and fails any callers still waiting
func (b *Bridge) Shutdown() error {
	err := b.engine.Shutdown()

	b.mu.Lock()
	for id, ch := range b.waiters {
		ch <- &models.OperationResult{
			OperationID: id,
			Success:     false,
			Error:       "bridge shut down before the operation finished",
		}
		delete(b.waiters, id)
	}
	b.mu.Unlock()
	return err
}

// Submit translates a request envelope into an operation and enqueues it.
// Returns the assigned operation id.
func (b *Bridge) Submit(req models.OperationRequest) (string, error) {
	op, err := b.buildOperation(req)
	if err != nil {
		return "", err
	}
	if err := b.engine.Submit(op); err != nil {
		return "", err
	}

	b.logger.Debug("operation submitted",
		utils.Component("bridge"),
		utils.String("operation_id", op.ID),
		utils.String("kind", string(op.Kind)),
		utils.String("priority", op.Priority.String()))
	return op.ID, nil
}

// Execute submits a request and blocks until the operation reaches a
// terminal state or the context is cancelled. On cancellation the operation
// keeps running; its deadline still bounds it.
func (b *Bridge) Execute(ctx context.Context, req models.OperationRequest) (*models.OperationResult, error) {
	op, err := b.buildOperation(req)
	if err != nil {
		return nil, err
	}

	done := make(chan *models.OperationResult, 1)
	b.mu.Lock()
	b.waiters[op.ID] = done
	b.mu.Unlock()

	if err := b.engine.Submit(op); err != nil {
		b.mu.Lock()
		delete(b.waiters, op.ID)
		b.mu.Unlock()
		return nil, err
	}

	select {
	case result := <-done:
		return result, nil
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.waiters, op.ID)
		b.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Status returns the live state of a submitted operation. Terminal
// operations age out of the bridge; consult the history store for those.
func (b *Bridge) Status(opID string) (models.Operation, error) {
	op, ok := b.engine.GetOperation(opID)
	if !ok {
		return models.Operation{}, fmt.Errorf("%w: %s", ErrUnknownOperation, opID)
	}
	return op, nil
}

// Ready reports whether the engine is accepting operations
func (b *Bridge) Ready() bool {
	return b.engine.Running()
}

// Operations lists every live operation, newest first not guaranteed
func (b *Bridge) Operations() []models.Operation {
	return b.engine.Operations()
}

// Statistics returns a combined metrics, capacity, and device view
func (b *Bridge) Statistics() Statistics {
	stats := Statistics{
		Metrics:      b.metrics.Snapshot(),
		QueueDepth:   b.engine.QueueDepth(),
		InFlight:     b.engine.InFlight(),
		Capabilities: b.driver.Capabilities(),
	}
	if status, err := b.driver.HealthStatus(context.Background()); err == nil {
		stats.Device = &status
	}
	return stats
}

// Statistics is the aggregate view served by the stats endpoint
type Statistics struct {
	Metrics      metrics.Snapshot    `json:"metrics"`
	QueueDepth   int                 `json:"queue_depth"`
	InFlight     int                 `json:"in_flight"`
	Capabilities driver.Capabilities `json:"capabilities"`
	Device       *driver.Status      `json:"device,omitempty"`
}

// buildOperation fills in id, priority, and deadline defaults
func (b *Bridge) buildOperation(req models.OperationRequest) (*models.Operation, error) {
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("unknown operation kind: %q", req.Kind)
	}

	id := req.OperationID
	if id == "" {
		id = uuid.New().String()
	}

	priority := defaultPriority(req.Kind)
	if req.Priority != "" {
		p, err := models.ParsePriority(req.Priority)
		if err != nil {
			return nil, err
		}
		priority = p
	}

	budget := b.config.DefaultDeadline
	if req.DeadlineUs > 0 {
		budget = time.Duration(req.DeadlineUs) * time.Microsecond
	}

	now := time.Now()
	return &models.Operation{
		ID:        id,
		Kind:      req.Kind,
		Priority:  priority,
		Payload:   req.Payload,
		Deadline:  now.Add(budget),
		CreatedAt: now,
	}, nil
}

// onTerminal resolves the waiting caller, if any, and publishes the outcome
// on the event bus
func (b *Bridge) onTerminal(op *models.Operation, result *models.OperationResult) {
	b.mu.Lock()
	done, ok := b.waiters[op.ID]
	if ok {
		delete(b.waiters, op.ID)
	}
	b.mu.Unlock()

	if ok {
		done <- result
	}

	eventType := utils.EventOperationCompleted
	switch op.Status {
	case models.OperationStatusFailed:
		eventType = utils.EventOperationFailed
	case models.OperationStatusDeadlineDropped:
		eventType = utils.EventOperationDropped
	}

	b.bus.Publish(utils.Event{
		Type:   eventType,
		Source: "bridge",
		Payload: map[string]any{
			"operation": *op,
			"result":    *result,
		},
	})
}

// defaultPriority maps each operation kind to its scheduling class.
// Initialization outranks everything since nothing runs without it; latency
// sensitive inference and model loading outrank maintenance traffic.
func defaultPriority(kind models.OperationKind) models.Priority {
	switch kind {
	case models.OperationKindInitialize:
		return models.PriorityCritical
	case models.OperationKindInference, models.OperationKindLoadModel:
		return models.PriorityHigh
	case models.OperationKindSignalProcessing:
		return models.PriorityNormal
	}
	// health_check, benchmark
	return models.PriorityLow
}

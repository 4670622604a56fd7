package models

import (
	"fmt"
	"time"
)

// OperationKind identifies the type of work an operation carries
type OperationKind string

const (
	OperationKindInitialize       OperationKind = "initialize"
	OperationKindInference        OperationKind = "inference"
	OperationKindLoadModel        OperationKind = "load_model"
	OperationKindSignalProcessing OperationKind = "signal_processing"
	OperationKindBenchmark        OperationKind = "benchmark"
	OperationKindHealthCheck      OperationKind = "health_check"
)

// Kinds lists every recognized operation kind
func Kinds() []OperationKind {
	return []OperationKind{
		OperationKindInitialize,
		OperationKindInference,
		OperationKindLoadModel,
		OperationKindSignalProcessing,
		OperationKindBenchmark,
		OperationKindHealthCheck,
	}
}

// Valid reports whether the kind is one of the recognized operation kinds
func (k OperationKind) Valid() bool {
	switch k {
	case OperationKindInitialize, OperationKindInference, OperationKindLoadModel,
		OperationKindSignalProcessing, OperationKindBenchmark, OperationKindHealthCheck:
		return true
	}
	return false
}

// Priority represents the scheduling priority of an operation.
// Higher values are serviced first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
	PriorityRealTime
)

// String returns the string representation of a priority level
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	case PriorityRealTime:
		return "realtime"
	default:
		return "unknown"
	}
}

// ParsePriority converts a priority name into a Priority value
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	case "realtime":
		return PriorityRealTime, nil
	}
	return PriorityLow, fmt.Errorf("unknown priority: %q", s)
}

// OperationStatus represents the lifecycle state of an operation
type OperationStatus string

const (
	OperationStatusQueued          OperationStatus = "queued"
	OperationStatusDispatched      OperationStatus = "dispatched"
	OperationStatusCompleted       OperationStatus = "completed"
	OperationStatusFailed          OperationStatus = "failed"
	OperationStatusDeadlineDropped OperationStatus = "deadline_dropped"
)

// Terminal reports whether the status is a terminal state
func (s OperationStatus) Terminal() bool {
	switch s {
	case OperationStatusCompleted, OperationStatusFailed, OperationStatusDeadlineDropped:
		return true
	}
	return false
}

// ResourceType names a category of constrained device or host capacity
type ResourceType string

const (
	ResourceDeviceMemory     ResourceType = "device_memory"
	ResourceDeviceCompute    ResourceType = "device_compute"
	ResourceHostCores        ResourceType = "host_cores"
	ResourceHostMemory       ResourceType = "host_memory"
	ResourceNetworkBandwidth ResourceType = "network_bandwidth"
)

// Bounded reports whether the resource type is capacity-tracked.
// Network bandwidth is never tracked; allocations for it always succeed.
func (r ResourceType) Bounded() bool {
	return r != ResourceNetworkBandwidth
}

// BoundedResourceTypes lists the resource types subject to pool accounting
func BoundedResourceTypes() []ResourceType {
	return []ResourceType{
		ResourceDeviceMemory,
		ResourceDeviceCompute,
		ResourceHostCores,
		ResourceHostMemory,
	}
}

// ResourceRequest is a demand for a quantity of one resource type
type ResourceRequest struct {
	Type   ResourceType `json:"type"`
	Amount int64        `json:"amount"`
}

// OperationPayload carries the kind-specific arguments of an operation.
// The engine passes it through to the driver without interpreting it.
type OperationPayload struct {
	// Inference
	ModelID   string    `json:"model_id,omitempty"`
	Input     []float32 `json:"input,omitempty"`
	BatchSize int       `json:"batch_size,omitempty"`

	// Model loading
	ModelPath string `json:"model_path,omitempty"`

	// Signal processing
	SignalOp   string                 `json:"signal_op,omitempty"`
	SignalData []float32              `json:"signal_data,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`

	// Benchmark
	DurationMs    int    `json:"duration_ms,omitempty"`
	BenchmarkKind string `json:"benchmark_kind,omitempty"`

	// Initialization
	Device *DeviceSettings `json:"device,omitempty"`
}

// DeviceSettings overrides the driver defaults for an initialize operation
type DeviceSettings struct {
	DeviceID      string `json:"device_id,omitempty"`
	MaxBatchSize  int    `json:"max_batch_size,omitempty"`
	Precision     string `json:"precision,omitempty"`
	MemoryLimitMB int    `json:"memory_limit_mb,omitempty"`
	EnableCaching bool   `json:"enable_caching,omitempty"`
}

// Operation represents a unit of work submitted to the coordination engine.
// Ownership transfers atomically between the queue and a single worker, so
// fields are never mutated by two goroutines at once.
type Operation struct {
	ID           string           `json:"operation_id"`
	Kind         OperationKind    `json:"kind"`
	Priority     Priority         `json:"priority"`
	Status       OperationStatus  `json:"status"`
	Payload      OperationPayload `json:"payload"`
	Deadline     time.Time        `json:"deadline"`
	CreatedAt    time.Time        `json:"created_at"`
	Attempts     int              `json:"attempts"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
}

package models

// OperationRequest is the envelope callers use to submit an operation.
// Priority is optional; when empty the bridge assigns a default for the kind.
// DeadlineUs is a relative budget in microseconds from submission time; zero
// means the configured default latency budget applies.
type OperationRequest struct {
	OperationID string           `json:"operation_id,omitempty"`
	Kind        OperationKind    `json:"kind"`
	Payload     OperationPayload `json:"payload"`
	Priority    string           `json:"priority,omitempty"`
	DeadlineUs  uint64           `json:"deadline_us,omitempty"`
}

// OperationResult is the envelope returned for a finished operation
type OperationResult struct {
	OperationID         string                 `json:"operation_id"`
	Success             bool                   `json:"success"`
	ExecutionTimeUs     uint64                 `json:"execution_time_us"`
	ThroughputOpsPerSec float64                `json:"throughput_ops_per_sec"`
	MemoryUsageMB       float64                `json:"memory_usage_mb"`
	Data                map[string]interface{} `json:"data,omitempty"`
	Error               string                 `json:"error,omitempty"`
}

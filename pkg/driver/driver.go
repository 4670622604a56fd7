package driver

import "context"

// DeviceConfig holds accelerator device configuration
type DeviceConfig struct {
	DeviceID      string `json:"device_id" yaml:"device_id"`
	MaxBatchSize  int    `json:"max_batch_size" yaml:"max_batch_size"`
	Precision     string `json:"precision" yaml:"precision"` // "FP32", "FP16", "INT8"
	MemoryLimitMB int    `json:"memory_limit_mb" yaml:"memory_limit_mb"`
	EnableCaching bool   `json:"enable_caching" yaml:"enable_caching"`
}

// DefaultDeviceConfig returns the configuration used when none is supplied
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		DeviceID:      "NPU",
		MaxBatchSize:  32,
		Precision:     "FP16",
		MemoryLimitMB: 256,
		EnableCaching: true,
	}
}

// Capabilities describes what the underlying device supports
type Capabilities struct {
	MaxTOPS          float64  `json:"max_tops"`
	MemoryMB         int      `json:"memory_mb"`
	Precisions       []string `json:"precisions"`
	MaxBatchSize     int      `json:"max_batch_size"`
	DriverVersion    string   `json:"driver_version"`
	HardwareRevision string   `json:"hardware_revision"`
}

// Status reports the device's current condition
type Status struct {
	Initialized        bool    `json:"initialized"`
	TemperatureCelsius float64 `json:"temperature_celsius"`
	PowerWatts         float64 `json:"power_watts"`
	UtilizationPercent float64 `json:"utilization_percent"`
	MemoryUsedMB       int     `json:"memory_used_mb"`
	MemoryTotalMB      int     `json:"memory_total_mb"`
	ActiveModels       int     `json:"active_models"`
	ErrorCount         uint64  `json:"error_count"`
}

// Driver is the narrow execution interface the coordination engine consumes.
// Every call may block; execution time is measured by the caller, not here.
type Driver interface {
	// Initialize prepares the device with the given configuration
	Initialize(ctx context.Context, config DeviceConfig) error

	// RunInference executes the named model over the input and returns the
	// output tensor
	RunInference(ctx context.Context, modelID string, input []float32, batchSize int) ([]float32, error)

	// LoadModel loads a model file onto the device under the given id
	LoadModel(ctx context.Context, path, modelID string) error

	// ProcessSignal runs a signal processing operation on the device DSP
	ProcessSignal(ctx context.Context, op string, data []float32, params map[string]interface{}) ([]float32, error)

	// HealthStatus reports the current device status
	HealthStatus(ctx context.Context) (Status, error)

	// Capabilities returns the device capability table
	Capabilities() Capabilities

	// MemoryUsageMB returns the device memory in use, for result envelopes
	MemoryUsageMB() float64
}

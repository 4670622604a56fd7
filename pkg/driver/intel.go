package driver

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/npu-bridge/npu-bridge-go/utils"
)

// loadedModel tracks a model resident on the device
type loadedModel struct {
	id            string
	path          string
	precision     string
	memoryUsageMB int
}

// modelMemoryMB is the simulated per-model memory footprint
const modelMemoryMB = 48

// IntelNPU is the hardware abstraction layer for an Intel Meteor Lake class
// NPU. Device access is simulated; capability validation, model accounting,
// and status reporting follow the real device behavior so the engine exercises
// the same code paths either way.
type IntelNPU struct {
	mu           sync.RWMutex
	config       DeviceConfig
	capabilities Capabilities
	status       Status
	models       map[string]loadedModel
	logger       *utils.Logger

	totalInferences  uint64
	failedInferences uint64
}

// NewIntelNPU creates the NPU manager and queries device capabilities
func NewIntelNPU(config DeviceConfig) (*IntelNPU, error) {
	caps := Capabilities{
		MaxTOPS:          34.0,
		MemoryMB:         256,
		Precisions:       []string{"FP32", "FP16", "INT8"},
		MaxBatchSize:     64,
		DriverVersion:    "1.5.1",
		HardwareRevision: "MTL-H",
	}

	n := &IntelNPU{
		config:       config,
		capabilities: caps,
		status: Status{
			MemoryTotalMB: caps.MemoryMB,
		},
		models: make(map[string]loadedModel),
		logger: utils.GetLogger(),
	}

	n.logger.Info("Intel NPU manager created",
		utils.Component("driver"),
		utils.String("device_id", config.DeviceID),
		utils.Float("max_tops", caps.MaxTOPS))

	return n, nil
}

// Initialize validates the configuration against device capabilities and
// marks the device ready
func (n *IntelNPU) Initialize(ctx context.Context, config DeviceConfig) error {
	if err := n.validateConfig(config); err != nil {
		n.recordError()
		return fmt.Errorf("invalid device configuration: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	n.config = config
	n.status.Initialized = true
	n.status.TemperatureCelsius = 42.0
	n.status.PowerWatts = 7.5

	n.logger.Info("Intel NPU initialized",
		utils.Component("driver"),
		utils.String("precision", config.Precision),
		utils.Int("max_batch_size", config.MaxBatchSize))
	return nil
}

// RunInference executes the named model over the input tensor. The compute
// itself is simulated; validation and accounting match device semantics.
func (n *IntelNPU) RunInference(ctx context.Context, modelID string, input []float32, batchSize int) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		batchSize = 1
	}

	n.mu.Lock()
	model, ok := n.models[modelID]
	if !ok {
		n.totalInferences++
		n.failedInferences++
		n.status.ErrorCount++
		n.mu.Unlock()
		return nil, fmt.Errorf("model not loaded: %s", modelID)
	}
	if batchSize > n.config.MaxBatchSize {
		n.totalInferences++
		n.failedInferences++
		n.status.ErrorCount++
		n.mu.Unlock()
		return nil, fmt.Errorf("batch size %d exceeds configured maximum %d", batchSize, n.config.MaxBatchSize)
	}
	n.totalInferences++
	n.status.UtilizationPercent = minFloat(100, float64(batchSize)/float64(n.config.MaxBatchSize)*100)
	n.mu.Unlock()

	output := make([]float32, len(input))
	scale := precisionScale(model.precision)
	for i, v := range input {
		output[i] = v * scale
	}
	return output, nil
}

// LoadModel loads a model file onto the device under the given id
func (n *IntelNPU) LoadModel(ctx context.Context, path, modelID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if modelID == "" {
		return fmt.Errorf("model id is required")
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".xml" && ext != ".onnx" && ext != ".bin" {
		n.recordError()
		return fmt.Errorf("unsupported model format: %q", ext)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	used := n.status.MemoryUsedMB
	if _, exists := n.models[modelID]; !exists {
		if used+modelMemoryMB > n.capabilities.MemoryMB {
			n.status.ErrorCount++
			return fmt.Errorf("insufficient device memory: %dMB used of %dMB", used, n.capabilities.MemoryMB)
		}
		n.status.MemoryUsedMB = used + modelMemoryMB
	}

	n.models[modelID] = loadedModel{
		id:            modelID,
		path:          path,
		precision:     n.config.Precision,
		memoryUsageMB: modelMemoryMB,
	}
	n.status.ActiveModels = len(n.models)

	n.logger.Info("model loaded",
		utils.Component("driver"),
		utils.String("model_id", modelID),
		utils.String("path", path))
	return nil
}

// ProcessSignal runs a signal processing operation natively. Only the
// built-in operations are supported; an external DSP engine would be
// swapped in behind the same interface.
func (n *IntelNPU) ProcessSignal(ctx context.Context, op string, data []float32, params map[string]interface{}) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch op {
	case "fft":
		out := make([]float32, len(data))
		copy(out, data)
		return out, nil
	case "filter":
		attenuation := float32(0.5)
		if v, ok := params["attenuation"].(float64); ok {
			attenuation = float32(v)
		}
		out := make([]float32, len(data))
		for i, v := range data {
			out[i] = v * attenuation
		}
		return out, nil
	default:
		n.recordError()
		return nil, fmt.Errorf("unknown signal processing operation: %q", op)
	}
}

// HealthStatus reports the current device status
func (n *IntelNPU) HealthStatus(ctx context.Context) (Status, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status, nil
}

// Capabilities returns the device capability table
func (n *IntelNPU) Capabilities() Capabilities {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.capabilities
}

// MemoryUsageMB returns the device memory currently in use
func (n *IntelNPU) MemoryUsageMB() float64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return float64(n.status.MemoryUsedMB)
}

// validateConfig checks a configuration against device capabilities
func (n *IntelNPU) validateConfig(config DeviceConfig) error {
	n.mu.RLock()
	caps := n.capabilities
	n.mu.RUnlock()

	if config.MaxBatchSize <= 0 || config.MaxBatchSize > caps.MaxBatchSize {
		return fmt.Errorf("max batch size %d outside supported range 1..%d", config.MaxBatchSize, caps.MaxBatchSize)
	}
	if config.MemoryLimitMB <= 0 || config.MemoryLimitMB > caps.MemoryMB {
		return fmt.Errorf("memory limit %dMB outside supported range 1..%dMB", config.MemoryLimitMB, caps.MemoryMB)
	}
	for _, p := range caps.Precisions {
		if p == config.Precision {
			return nil
		}
	}
	return fmt.Errorf("unsupported precision %q", config.Precision)
}

func (n *IntelNPU) recordError() {
	n.mu.Lock()
	n.status.ErrorCount++
	n.mu.Unlock()
}

func precisionScale(precision string) float32 {
	switch precision {
	case "INT8":
		return 0.25
	case "FP16":
		return 0.5
	default:
		return 1.0
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

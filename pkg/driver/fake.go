package driver

import (
	"context"
	"sync"
	"time"
)

// FakeDriver is a scriptable Driver implementation for tests. Calls are
// recorded so tests can assert what reached the device layer.
type FakeDriver struct {
	mu sync.Mutex

	// Errors returned by the corresponding calls; nil means success.
	InitializeErr error
	InferenceErr  error
	LoadModelErr  error
	SignalErr     error

	// ExecDelay is slept inside every call to simulate device latency.
	ExecDelay time.Duration

	inferenceCalls []string
	signalCalls    []string
	loadCalls      []string
	healthCalls    int
	initCalls      int
}

var _ Driver = (*FakeDriver)(nil)

// NewFakeDriver creates a fake driver that succeeds on every call
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{}
}

func (f *FakeDriver) delay() {
	if f.ExecDelay > 0 {
		time.Sleep(f.ExecDelay)
	}
}

// Initialize records the call and returns the scripted error
func (f *FakeDriver) Initialize(ctx context.Context, config DeviceConfig) error {
	f.delay()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	return f.InitializeErr
}

// RunInference records the model id and returns a copy of the input
func (f *FakeDriver) RunInference(ctx context.Context, modelID string, input []float32, batchSize int) ([]float32, error) {
	f.delay()
	f.mu.Lock()
	f.inferenceCalls = append(f.inferenceCalls, modelID)
	err := f.InferenceErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(input))
	copy(out, input)
	return out, nil
}

// LoadModel records the model id and returns the scripted error
func (f *FakeDriver) LoadModel(ctx context.Context, path, modelID string) error {
	f.delay()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadCalls = append(f.loadCalls, modelID)
	return f.LoadModelErr
}

// ProcessSignal records the operation and echoes the data back
func (f *FakeDriver) ProcessSignal(ctx context.Context, op string, data []float32, params map[string]interface{}) ([]float32, error) {
	f.delay()
	f.mu.Lock()
	f.signalCalls = append(f.signalCalls, op)
	err := f.SignalErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(data))
	copy(out, data)
	return out, nil
}

// HealthStatus reports a healthy initialized device
func (f *FakeDriver) HealthStatus(ctx context.Context) (Status, error) {
	f.delay()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthCalls++
	return Status{Initialized: true, MemoryTotalMB: 256}, nil
}

// Capabilities returns a fixed capability table
func (f *FakeDriver) Capabilities() Capabilities {
	return Capabilities{MaxTOPS: 34, MemoryMB: 256, MaxBatchSize: 64, Precisions: []string{"FP16"}}
}

// MemoryUsageMB returns zero
func (f *FakeDriver) MemoryUsageMB() float64 { return 0 }

// InferenceCalls returns the model ids passed to RunInference
func (f *FakeDriver) InferenceCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.inferenceCalls))
	copy(out, f.inferenceCalls)
	return out
}

// SignalCalls returns the operations passed to ProcessSignal
func (f *FakeDriver) SignalCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.signalCalls))
	copy(out, f.signalCalls)
	return out
}

// LoadCalls returns the model ids passed to LoadModel
func (f *FakeDriver) LoadCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.loadCalls))
	copy(out, f.loadCalls)
	return out
}

// HealthCalls returns how many times HealthStatus was called
func (f *FakeDriver) HealthCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthCalls
}

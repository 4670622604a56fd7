package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npu-bridge/npu-bridge-go/pkg/models"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.AllocationTimeout())
	assert.Equal(t, 5*time.Second, cfg.DefaultDeadline())
	assert.Equal(t, int64(256), cfg.PoolCapacities()[models.ResourceDeviceMemory])
	assert.Equal(t, int64(34), cfg.PoolCapacities()[models.ResourceDeviceCompute])
}

func TestLoadFromYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
port: "9090"
worker_threads: 8
queue_capacity: 512
device_memory_mb: 128
logging:
  level: debug
  format: text
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 8, cfg.WorkerThreads)
	assert.Equal(t, 512, cfg.QueueCapacity)
	assert.Equal(t, int64(128), cfg.DeviceMemoryMB)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched fields keep their defaults.
	assert.Equal(t, 3, cfg.MaxRetries)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: \"9090\"\n"), 0o644))

	t.Setenv("PORT", "7070")
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("WORKER_THREADS", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Port)
	assert.Equal(t, 5, cfg.MaxRetries)
	// Unparseable integers fall back to the prior value.
	assert.Equal(t, 0, cfg.WorkerThreads)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("QUEUE_CAPACITY", "-1")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [not closed"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEngineConfigConversion(t *testing.T) {
	cfg := Default()
	cfg.WorkerThreads = 6
	cfg.AllocationTimeoutMs = 250

	ec := cfg.EngineConfig()
	assert.Equal(t, 6, ec.WorkerCount)
	assert.Equal(t, 250*time.Millisecond, ec.AllocationTimeout)
	assert.Equal(t, cfg.QueueCapacity, ec.QueueCapacity)
}

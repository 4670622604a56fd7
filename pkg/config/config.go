package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/npu-bridge/npu-bridge-go/pkg/driver"
	"github.com/npu-bridge/npu-bridge-go/pkg/engine"
	"github.com/npu-bridge/npu-bridge-go/pkg/models"
	"github.com/npu-bridge/npu-bridge-go/pkg/resourcepool"
	"github.com/npu-bridge/npu-bridge-go/utils"
)

// Config holds the application configuration. Values come from an optional
// YAML file with environment variables taking precedence.
type Config struct {
	Environment string `yaml:"environment"`
	Port        string `yaml:"port"`

	// Performance targets
	TargetOpsPerSec int `yaml:"target_ops_per_sec"`
	MaxLatencyUs    int `yaml:"max_latency_us"`

	// Engine
	WorkerThreads       int `yaml:"worker_threads"`
	QueueCapacity       int `yaml:"queue_capacity"`
	MaxRetries          int `yaml:"max_retries"`
	AllocationTimeoutMs int `yaml:"allocation_timeout_ms"`
	ShutdownTimeoutSec  int `yaml:"shutdown_timeout_sec"`
	MetricsHistorySize  int `yaml:"metrics_history_size"`

	// Resource pool capacities
	DeviceMemoryMB     int64 `yaml:"device_memory_mb"`
	DeviceComputeUnits int64 `yaml:"device_compute_units"`
	HostCores          int64 `yaml:"host_cores"`
	HostMemoryMB       int64 `yaml:"host_memory_mb"`

	// Stores
	RedisURL      string `yaml:"redis_url"`
	HistoryDBPath string `yaml:"history_db_path"`

	// Maintenance scheduler
	HealthCheckSchedule string `yaml:"health_check_schedule"`

	Device  driver.DeviceConfig `yaml:"device"`
	Logging utils.LoggingConfig `yaml:"logging"`
}

// Default returns the configuration used when no file and no environment
// overrides are present
func Default() *Config {
	return &Config{
		Environment:         "development",
		Port:                "8080",
		TargetOpsPerSec:     1000,
		MaxLatencyUs:        5_000_000,
		WorkerThreads:       0, // 0 means one per CPU
		QueueCapacity:       8192,
		MaxRetries:          3,
		AllocationTimeoutMs: 100,
		ShutdownTimeoutSec:  5,
		MetricsHistorySize:  10000,
		DeviceMemoryMB:      256,
		DeviceComputeUnits:  34,
		HostCores:           22,
		HostMemoryMB:        8192,
		RedisURL:            "",
		HistoryDBPath:       "npu_bridge_history.db",
		HealthCheckSchedule: "@every 30s",
		Device:              driver.DefaultDeviceConfig(),
		Logging: utils.LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads configuration from the given YAML file (skipped when path is
// empty or missing) and applies environment variable overrides on top
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	config.applyEnv()

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyEnv() {
	c.Environment = getEnv("ENVIRONMENT", c.Environment)
	c.Port = getEnv("PORT", c.Port)
	c.TargetOpsPerSec = getEnvAsInt("TARGET_OPS_PER_SEC", c.TargetOpsPerSec)
	c.MaxLatencyUs = getEnvAsInt("MAX_LATENCY_US", c.MaxLatencyUs)
	c.WorkerThreads = getEnvAsInt("WORKER_THREADS", c.WorkerThreads)
	c.QueueCapacity = getEnvAsInt("QUEUE_CAPACITY", c.QueueCapacity)
	c.MaxRetries = getEnvAsInt("MAX_RETRIES", c.MaxRetries)
	c.AllocationTimeoutMs = getEnvAsInt("ALLOCATION_TIMEOUT_MS", c.AllocationTimeoutMs)
	c.ShutdownTimeoutSec = getEnvAsInt("SHUTDOWN_TIMEOUT_SEC", c.ShutdownTimeoutSec)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.HistoryDBPath = getEnv("HISTORY_DB_PATH", c.HistoryDBPath)
	c.HealthCheckSchedule = getEnv("HEALTH_CHECK_SCHEDULE", c.HealthCheckSchedule)
	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
}

func (c *Config) validate() error {
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue_capacity must be positive, got %d", c.QueueCapacity)
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be positive, got %d", c.MaxRetries)
	}
	if c.MaxLatencyUs <= 0 {
		return fmt.Errorf("max_latency_us must be positive, got %d", c.MaxLatencyUs)
	}
	if c.DeviceMemoryMB <= 0 || c.DeviceComputeUnits <= 0 || c.HostCores <= 0 || c.HostMemoryMB <= 0 {
		return fmt.Errorf("resource capacities must be positive")
	}
	return nil
}

// AllocationTimeout returns the allocation timeout as a duration
func (c *Config) AllocationTimeout() time.Duration {
	return time.Duration(c.AllocationTimeoutMs) * time.Millisecond
}

// ShutdownTimeout returns the shutdown bound as a duration
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSec) * time.Second
}

// DefaultDeadline returns the latency budget applied to operations that
// carry none
func (c *Config) DefaultDeadline() time.Duration {
	return time.Duration(c.MaxLatencyUs) * time.Microsecond
}

// PoolCapacities returns the configured resource pool sizes
func (c *Config) PoolCapacities() resourcepool.Capacities {
	return resourcepool.Capacities{
		models.ResourceDeviceMemory:  c.DeviceMemoryMB,
		models.ResourceDeviceCompute: c.DeviceComputeUnits,
		models.ResourceHostCores:     c.HostCores,
		models.ResourceHostMemory:    c.HostMemoryMB,
	}
}

// EngineConfig returns the engine tunables derived from this configuration
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		WorkerCount:       c.WorkerThreads,
		QueueCapacity:     c.QueueCapacity,
		MaxRetries:        c.MaxRetries,
		AllocationTimeout: c.AllocationTimeout(),
		ShutdownTimeout:   c.ShutdownTimeout(),
		SampleInterval:    time.Second,
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

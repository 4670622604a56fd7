package utils

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", DEBUG.String())
	assert.Equal(t, "INFO", INFO.String())
	assert.Equal(t, "WARN", WARN.String())
	assert.Equal(t, "ERROR", ERROR.String())
	assert.Equal(t, "FATAL", FATAL.String())
	assert.Equal(t, "UNKNOWN", LogLevel(42).String())
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger()
	logger.SetOutput(&buf)
	logger.SetLevel(WARN)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")

	out := buf.String()
	assert.NotContains(t, out, "debug message")
	assert.NotContains(t, out, "info message")
	assert.Contains(t, out, "warn message")
}

func TestLoggerTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger()
	logger.SetOutput(&buf)

	logger.Info("queue drained",
		Component("engine"),
		String("operation_id", "op-1"),
		Int("attempts", 2))

	out := buf.String()
	assert.Contains(t, out, "[INFO] queue drained")
	assert.Contains(t, out, "component=engine")
	assert.Contains(t, out, "operation_id=op-1")
	assert.Contains(t, out, "attempts=2")
}

func TestLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger()
	logger.SetOutput(&buf)
	logger.SetFormat("json")

	logger.Error("allocation failed", errors.New("timeout"),
		Component("pool"),
		Float("utilization", 0.93),
		Bool("retryable", false))

	var entry LogEntry
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry))
	assert.Equal(t, "ERROR", entry.Level)
	assert.Equal(t, "allocation failed", entry.Message)
	assert.Equal(t, "timeout", entry.Error)
	assert.Equal(t, "pool", entry.Component)
	assert.Equal(t, "npu-bridge", entry.Service)
	assert.Equal(t, 0.93, entry.Fields["utilization"])
	assert.Equal(t, false, entry.Fields["retryable"])
}

func TestGetLoggerSingleton(t *testing.T) {
	assert.Same(t, GetLogger(), GetLogger())
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LoggingConfig{
		Level:  "debug",
		Format: "json",
		Output: "stderr",
	}))
	assert.Equal(t, DEBUG, GetLogger().level)
	assert.Equal(t, "json", GetLogger().format)

	// Unknown level falls back to INFO.
	require.NoError(t, InitLogger(LoggingConfig{Level: "verbose"}))
	assert.Equal(t, INFO, GetLogger().level)
}

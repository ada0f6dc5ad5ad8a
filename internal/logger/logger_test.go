package logger

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("console only", func(t *testing.T) {
		logger, err := New(Config{Level: "info", Console: true})
		require.NoError(t, err)
		assert.Nil(t, logger.file)
		require.NoError(t, logger.Close())
	})

	t.Run("plain file without rotation", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "ranya.log")

		logger, err := New(Config{Level: "debug", File: logFile})
		require.NoError(t, err)
		_, isRotating := logger.file.(*RotatingWriter)
		assert.False(t, isRotating)

		logger.Info().Msg("test message")
		require.NoError(t, logger.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), "test message")
	})

	t.Run("unknown level falls back to info", func(t *testing.T) {
		logger, err := New(Config{Level: "chatty"})
		require.NoError(t, err)
		defer logger.Close()
		assert.Equal(t, zerolog.InfoLevel, logger.GetZerolog().GetLevel())
	})
}

func TestLogger_Component(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "ranya.log")
	logger, err := New(Config{Level: "info", File: logFile})
	require.NoError(t, err)

	jobsLog := logger.Component("job-manager")
	jobsLog.Info().Str("job_id", "j1").Msg("Job started")
	jobsLog.Debug().Msg("filtered")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "job-manager", entry["component"])
	assert.Equal(t, "j1", entry["job_id"])
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, 100, cfg.MaxSize)
	assert.Equal(t, 7, cfg.MaxAge)
	assert.Equal(t, 5, cfg.MaxBackups)
	assert.True(t, cfg.Compress)
}

func TestNew_FileIsRotatedAndRedacted(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "ranya.log")

	logger, err := New(Config{
		Level:     "info",
		File:      logFile,
		MaxSize:   1,
		MaxAge:    7,
		Redaction: true,
		Secrets:   []string{"gateway-shared-secret"},
	})
	require.NoError(t, err)

	_, isRotating := logger.file.(*RotatingWriter)
	assert.True(t, isRotating)

	logger.Info().Str("api_key", "sk-ant-REDACTED").Msg("profile loaded")
	logger.Warn().Str("header", "gateway-shared-secret").Msg("client rejected")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "profile loaded")
	assert.Contains(t, string(data), "[REDACTED]")
	assert.NotContains(t, string(data), "abcdefghijklmnopqrstuvwxyz")
	assert.NotContains(t, string(data), "gateway-shared-secret")

	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		assert.True(t, json.Valid([]byte(line)), "line stays JSON: %s", line)
	}
}

func TestRedactingWriter_ReportsInputLength(t *testing.T) {
	w := NewRedactor().Wrap(io.Discard)
	input := []byte("key sk-test123456789abcdefghijklmnopqrstuvwxyz\n")
	n, err := w.Write(input)
	require.NoError(t, err)
	assert.Equal(t, len(input), n)
}

package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("console only", func(t *testing.T) {
		l, err := New(Config{Level: "info", Console: true})
		require.NoError(t, err)
		assert.Nil(t, l.sink)
		assert.NoError(t, l.Close())
	})

	t.Run("file output", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "runtime.log")

		l, err := New(Config{Level: "debug", File: logFile})
		require.NoError(t, err)

		l.Info().Str("step", "0").Msg("step completed")
		require.NoError(t, l.Close())

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), "step completed")
	})

	t.Run("redacts keys written to file", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "runtime.log")

		l, err := New(Config{Level: "info", File: logFile, Redaction: true})
		require.NoError(t, err)
		require.NotNil(t, l.redactor)

		l.Info().Msg("using key sk-ant-REDACTED")
		require.NoError(t, l.Close())

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.NotContains(t, string(content), "sk-ant-REDACTED")
		assert.Contains(t, string(content), redactedMarker)
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "runtime.log")

		l, err := New(Config{Level: "loud", File: logFile})
		require.NoError(t, err)
		l.Debug().Msg("hidden")
		l.Info().Msg("visible")
		require.NoError(t, l.Close())

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.NotContains(t, string(content), "hidden")
		assert.Contains(t, string(content), "visible")
	})
}

func TestComponent(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "runtime.log")
	l, err := New(Config{Level: "info", File: logFile})
	require.NoError(t, err)

	c := l.Component("taskqueue")
	c.Info().Msg("dispatch")
	require.NoError(t, l.Close())

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(content), `"component":"taskqueue"`)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, 50, cfg.MaxSizeMB)
}

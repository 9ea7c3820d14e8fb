package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/riskcheck/riskcheck/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogLevelDebug, slog.LevelDebug},
		{config.LogLevelInfo, slog.LevelInfo},
		{config.LogLevelWarn, slog.LevelWarn},
		{config.LogLevelError, slog.LevelError},
		{"", slog.LevelInfo},
		{"trace", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(string(tt.in), func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestNewLogger(t *testing.T) {
	t.Run("creates JSON logger", func(t *testing.T) {
		var buf bytes.Buffer
		l, _ := NewLoggerTo(&buf, config.LoggingConfig{Level: config.LogLevelInfo, Format: config.LogFormatJSON})
		l.Info("hello", "source", "aa")

		var rec map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
		assert.Equal(t, "hello", rec["msg"])
		assert.Equal(t, "aa", rec["source"])
	})

	t.Run("creates text logger", func(t *testing.T) {
		var buf bytes.Buffer
		l, _ := NewLoggerTo(&buf, config.LoggingConfig{Level: config.LogLevelDebug, Format: config.LogFormatText})
		l.Debug("hello")
		assert.Contains(t, buf.String(), "msg=hello")
	})

	t.Run("defaults to JSON format for unknown format", func(t *testing.T) {
		var buf bytes.Buffer
		l, _ := NewLoggerTo(&buf, config.LoggingConfig{Format: "xml"})
		l.Info("hello")
		assert.True(t, json.Valid(buf.Bytes()))
	})

	t.Run("level can be changed after creation", func(t *testing.T) {
		var buf bytes.Buffer
		l, lvl := NewLoggerTo(&buf, config.LoggingConfig{Level: config.LogLevelWarn})
		l.Info("dropped")
		assert.Zero(t, buf.Len())

		lvl.Set(slog.LevelDebug)
		l.Info("kept")
		assert.Contains(t, buf.String(), "kept")
	})

	t.Run("stdout logger", func(t *testing.T) {
		l, lvl := NewLogger(config.LoggingConfig{Level: config.LogLevelError})
		assert.NotNil(t, l)
		assert.Equal(t, slog.LevelError, lvl.Level())
	})
}

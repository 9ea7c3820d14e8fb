package observability

import (
	"io"
	"log/slog"
	"os"

	"github.com/riskcheck/riskcheck/internal/config"
)

// ParseLevel maps a configured level to slog. Unknown values mean info.
func ParseLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured logger writing to stdout. The returned
// LevelVar lets a config reload change the level without rebuilding
// loggers already handed out.
func NewLogger(cfg config.LoggingConfig) (*slog.Logger, *slog.LevelVar) {
	return NewLoggerTo(os.Stdout, cfg)
}

// NewLoggerTo is NewLogger with an explicit destination.
func NewLoggerTo(w io.Writer, cfg config.LoggingConfig) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(ParseLevel(cfg.Level))

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if cfg.Format == config.LogFormatText {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler), lvl
}

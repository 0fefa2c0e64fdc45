package app

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the app-wide logger type (slog).
type Logger = *slog.Logger

// LoggerConfig selects level, output format and colour.
type LoggerConfig struct {
	Level  string
	Format string // json | pretty
	Color  bool
}

// NewLogger builds the process logger, installs it as slog's default and returns it.
// JSON is the production format; pretty is a single-line key=value rendering for terminals.
func NewLogger(cfg LoggerConfig) *slog.Logger {
	log := slog.New(newLogHandler(os.Stdout, cfg))
	slog.SetDefault(log)
	return log
}

func newLogHandler(w io.Writer, cfg LoggerConfig) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     parseLogLevel(cfg.Level),
		AddSource: true,
	}
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "pretty") {
		return newPrettyHandler(w, opts, cfg.Color)
	}
	return slog.NewJSONHandler(w, opts)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Package telemetry sets up structured logging for the antfarm binary.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogLevel reads ANTFARM_LOG_LEVEL (DEBUG, INFO, WARN, ERROR). Default INFO.
func LogLevel() slog.Level {
	switch strings.ToUpper(os.Getenv("ANTFARM_LOG_LEVEL")) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogger builds the process logger and installs it as the slog default.
// verbose forces DEBUG regardless of ANTFARM_LOG_LEVEL.
//
// ANTFARM_LOG_FORMAT selects the handler:
//   - "text" (default) for terminals
//   - "json" for log shippers
func SetupLogger(w io.Writer, verbose bool) *slog.Logger {
	level := LogLevel()
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if os.Getenv("ANTFARM_LOG_FORMAT") == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// Discard returns a logger that drops everything. Used by tests and by
// commands that must keep stdout clean.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// WithRunID returns a logger with run_id attached.
func WithRunID(logger *slog.Logger, runID string) *slog.Logger {
	return logger.With("run_id", runID)
}

// WithEntryID returns a logger with entry_id attached.
func WithEntryID(logger *slog.Logger, entryID string) *slog.Logger {
	return logger.With("entry_id", entryID)
}

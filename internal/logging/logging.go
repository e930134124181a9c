package logging

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger returns a structured logger writing JSON to stderr.
// If verbose == true, level = Debug, else Info.
func NewLogger(verbose bool) *slog.Logger {
	return NewLoggerTo(os.Stderr, verbose)
}

// NewLoggerTo is NewLogger with an explicit destination, for tests.
func NewLoggerTo(w io.Writer, verbose bool) *slog.Logger {
	level := new(slog.LevelVar)
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler)
}

// With tags a logger with the component emitting the records.
func With(log *slog.Logger, component string) *slog.Logger {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return log.With("component", component)
}

// Package logger builds the process-wide structured logger. Every package
// logs through *slog.Logger handles it receives at construction; this
// package only decides handler, format, and level once at startup.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options describe the logger to build.
type Options struct {
	// Level is the minimum level: debug, info, warn, error.
	Level string

	// Format selects the handler: "json" or "text".
	Format string

	// Debug forces the debug level regardless of Level.
	Debug bool

	// Output defaults to os.Stdout.
	Output io.Writer
}

// New builds the root logger and installs it as the slog default, so that
// packages constructed without an explicit logger land in the same stream.
func New(opts Options) *slog.Logger {
	level := ParseLevel(opts.Level)
	if opts.Debug {
		level = slog.LevelDebug
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if opts.Format == "json" {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}

// ParseLevel maps a configuration string onto a slog level. Unknown values
// fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Package klog is the allocator's logger. It wraps log/slog with a global
// logger that discards output until Init is called or the KMEMKIT_LOG
// environment variable selects a level.
package klog

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// EnvVar enables stderr logging at the named level (debug, info, warn, error).
const EnvVar = "KMEMKIT_LOG"

// current is the global logger. It discards output unless EnvVar is set.
var current atomic.Pointer[slog.Logger]

func init() { current.Store(fromEnv()) }

// Logger returns the global logger. It is safe to call concurrently with Init.
func Logger() *slog.Logger { return current.Load() }

// Options configures the logger initialization.
type Options struct {
	Enabled bool       // If false, all logging is discarded
	Output  io.Writer  // Destination. Default: os.Stderr
	JSON    bool       // Use the JSON handler instead of text
	Level   slog.Level // Minimum log level. Default: LevelInfo when enabled
}

// Init configures logging. Later calls replace the previous logger.
func Init(opts Options) { current.Store(newLogger(opts)) }

func newLogger(opts Options) *slog.Logger {
	if !opts.Enabled {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	hopts := &slog.HandlerOptions{Level: opts.Level}
	if opts.JSON {
		return slog.New(slog.NewJSONHandler(out, hopts))
	}
	return slog.New(slog.NewTextHandler(out, hopts))
}

func fromEnv() *slog.Logger {
	v := strings.ToLower(os.Getenv(EnvVar))
	if v == "" {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// Debug logs a debug message with optional key-value pairs.
func Debug(msg string, args ...any) { Logger().Debug(msg, args...) }

// Info logs an info message with optional key-value pairs.
func Info(msg string, args ...any) { Logger().Info(msg, args...) }

// Warn logs a warning message with optional key-value pairs.
func Warn(msg string, args ...any) { Logger().Warn(msg, args...) }

// Error logs an error message with optional key-value pairs.
func Error(msg string, args ...any) { Logger().Error(msg, args...) }

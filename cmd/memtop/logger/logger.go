// Package logger writes memtop's own log and hands the same file to the
// allocator so both end up in one place. A terminal UI cannot log to
// stderr without corrupting the screen.
package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// L is the global logger. It discards everything until Init enables it.
var L = slog.New(slog.NewTextHandler(io.Discard, nil))

// Output is the destination of L, io.Discard when logging is off.
var Output io.Writer = io.Discard

const (
	logPrefix     = "memtop-"
	logSuffix     = ".log"
	retentionDays = 7
)

// Options configures the logger.
type Options struct {
	Enabled bool       // If false, all logging is discarded
	LogDir  string     // Default: ~/.memtop/logs
	Level   slog.Level // Default: LevelInfo
}

var file *os.File

// Init opens today's log file and points L at it.
func Init(opts Options) error {
	Close()
	if !opts.Enabled {
		L = slog.New(slog.NewTextHandler(io.Discard, nil))
		Output = io.Discard
		return nil
	}

	logDir := opts.LogDir
	if logDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		logDir = filepath.Join(home, ".memtop", "logs")
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	cleanOldLogs(logDir, time.Now())

	name := filepath.Join(logDir, logPrefix+time.Now().Format("2006-01-02")+logSuffix)
	f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	Output = f

	level := opts.Level
	if level == 0 {
		level = slog.LevelInfo
	}
	L = slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
	return nil
}

// Close closes the log file, if any, and discards further output.
func Close() {
	if file == nil {
		return
	}
	_ = file.Close()
	file = nil
	Output = io.Discard
	L = slog.New(slog.NewTextHandler(io.Discard, nil))
}

// cleanOldLogs removes memtop logs dated before the retention window.
func cleanOldLogs(logDir string, now time.Time) {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		return
	}
	cutoff := now.AddDate(0, 0, -retentionDays)
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, logPrefix) || !strings.HasSuffix(name, logSuffix) {
			continue
		}
		day, err := time.Parse("2006-01-02", strings.TrimSuffix(strings.TrimPrefix(name, logPrefix), logSuffix))
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			_ = os.Remove(filepath.Join(logDir, name))
		}
	}
}

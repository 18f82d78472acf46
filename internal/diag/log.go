package diag

import (
	"fmt"
	"sync"

	"github.com/joshuapare/kmemkit/internal/klog"
)

// DefaultCapacity is the number of diagnostics a Log retains.
const DefaultCapacity = 256

// Log is a bounded, concurrency-safe record of diagnostics. When full the
// oldest entries are overwritten; Dropped counts them.
type Log struct {
	mu      sync.Mutex
	entries []Diagnostic
	next    int
	full    bool
	dropped int
}

// NewLog creates a log retaining up to capacity diagnostics.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{entries: make([]Diagnostic, capacity)}
}

// Report logs d and records it. A nil Log only logs.
func (l *Log) Report(d Diagnostic) {
	args := []any{
		"category", d.Category.String(),
		"pfn", fmt.Sprintf("%#x", d.PFN),
		"action", d.Action.String(),
	}
	if d.Addr != 0 {
		args = append(args, "addr", fmt.Sprintf("%#x", d.Addr))
	}
	if d.Cache != "" {
		args = append(args, "cache", d.Cache)
	}
	if d.Expected != nil || d.Actual != nil {
		args = append(args, "expected", d.Expected, "actual", d.Actual)
	}
	if d.Severity >= SevError {
		klog.Error(d.Issue, args...)
	} else {
		klog.Warn(d.Issue, args...)
	}

	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		l.dropped++
	}
	l.entries[l.next] = d
	l.next++
	if l.next == len(l.entries) {
		l.next = 0
		l.full = true
	}
}

// Entries returns the retained diagnostics, oldest first.
func (l *Log) Entries() []Diagnostic {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		return append([]Diagnostic(nil), l.entries[:l.next]...)
	}
	out := make([]Diagnostic, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	return append(out, l.entries[:l.next]...)
}

// Len returns the number of retained diagnostics.
func (l *Log) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return len(l.entries)
	}
	return l.next
}

// Dropped returns how many diagnostics were overwritten.
func (l *Log) Dropped() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

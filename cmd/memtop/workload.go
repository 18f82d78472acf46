package main

import (
	"context"
	"sync"

	"github.com/joshuapare/kmemkit/cmd/memtop/logger"
	"github.com/joshuapare/kmemkit/pkg/kmem"
)

// roundOps is the number of operations per CPU in one stress round.
// Totals are published between rounds.
const roundOps = 1000

// workload runs stress rounds in the background until stopped. It is
// shared by pointer because bubbletea copies the Model on every update.
type workload struct {
	sys  *kmem.System
	opts kmem.StressOptions

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	total  kmem.StressResult
	rounds int
	err    error
}

// workloadStats is a consistent copy of the workload's counters.
type workloadStats struct {
	Running bool
	Rounds  int
	Total   kmem.StressResult
	Err     error
}

func newWorkload(sys *kmem.System, opts kmem.StressOptions) *workload {
	opts.Ops = roundOps
	return &workload{sys: sys, opts: opts}
}

// Start launches the workload. It returns false if it was already running.
func (w *workload) Start() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.runningLocked() {
		return false
	}
	if w.cancel != nil {
		w.cancel() // left over from a round that failed
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	w.err = nil
	go w.loop(ctx, w.done)
	logger.L.Info("workload started")
	return true
}

// Stop cancels the workload and waits for the current round to finish.
// It returns false if the workload was not running.
func (w *workload) Stop() bool {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel = nil
	w.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	<-done
	logger.L.Info("workload stopped")
	return true
}

// Stats returns the accumulated counters.
func (w *workload) Stats() workloadStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return workloadStats{
		Running: w.runningLocked(),
		Rounds:  w.rounds,
		Total:   w.total,
		Err:     w.err,
	}
}

func (w *workload) runningLocked() bool {
	if w.cancel == nil {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

func (w *workload) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	opts := w.opts
	for ctx.Err() == nil {
		res, err := w.sys.RunStress(ctx, opts)
		opts.Seed++

		w.mu.Lock()
		w.rounds++
		w.total.Ops += res.Ops
		w.total.Allocs += res.Allocs
		w.total.Frees += res.Frees
		w.total.RemoteFrees += res.RemoteFrees
		w.total.OutOfMemory += res.OutOfMemory
		w.total.Corruptions += res.Corruptions
		w.total.Errors += res.Errors
		w.total.Duration += res.Duration
		if err != nil {
			w.err = err
		}
		w.mu.Unlock()

		if err != nil {
			logger.L.Error("workload round failed", "error", err, "seed", opts.Seed-1)
			return
		}
	}
}

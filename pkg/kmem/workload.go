package kmem

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joshuapare/kmemkit/internal/format"
	"github.com/joshuapare/kmemkit/internal/klog"
	"github.com/joshuapare/kmemkit/mm"
)

// StressOptions tunes RunStress.
type StressOptions struct {
	// Ops is the number of operations each CPU performs. 0 runs until ctx
	// is done.
	Ops int

	// Seed makes the operation mix reproducible per CPU.
	Seed uint64

	// CacheSizes are the object sizes of the caches created for the run.
	// Default 32, 200 and 1500 bytes.
	CacheSizes []int

	// MaxKmalloc bounds kmalloc request sizes. Sizes above the largest
	// kmalloc cache exercise the page allocator. Default 16 KiB.
	MaxKmalloc int

	// MaxPageOrder bounds direct page allocations. Default 3.
	MaxPageOrder int

	// MaxHeld bounds the allocations each CPU keeps live. Default 512.
	MaxHeld int
}

func (o *StressOptions) setDefaults() {
	if len(o.CacheSizes) == 0 {
		o.CacheSizes = []int{32, 200, 1500}
	}
	if o.MaxKmalloc == 0 {
		o.MaxKmalloc = 16 * format.KiB
	}
	o.MaxKmalloc = max(o.MaxKmalloc, 8)
	if o.MaxPageOrder == 0 {
		o.MaxPageOrder = 3
	}
	if o.MaxHeld == 0 {
		o.MaxHeld = 512
	}
}

// StressResult counts what a stress run did.
type StressResult struct {
	Ops         int64         `json:"ops"`
	Allocs      int64         `json:"allocs"`
	Frees       int64         `json:"frees"`
	RemoteFrees int64         `json:"remote_frees"`
	OutOfMemory int64         `json:"out_of_memory"`
	Corruptions int64         `json:"corruptions"` // live allocations whose contents changed
	Errors      int64         `json:"errors"`      // unexpected allocator errors
	Duration    time.Duration `json:"duration"`
}

type heldKind uint8

const (
	heldKmalloc heldKind = iota
	heldCache
	heldPages
)

type held struct {
	kind  heldKind
	addr  VirtAddr
	order int
	cache *Cache
	tag   uint64
}

// orphans hands allocations from one CPU to another so that they are freed
// remotely.
type orphans struct {
	mu    sync.Mutex
	items []held
}

func (o *orphans) put(h held) {
	o.mu.Lock()
	o.items = append(o.items, h)
	o.mu.Unlock()
}

func (o *orphans) take() (held, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) == 0 {
		return held{}, false
	}
	h := o.items[len(o.items)-1]
	o.items = o.items[:len(o.items)-1]
	return h, true
}

type stressCounters struct {
	ops, allocs, frees, remote, oom, corrupt, errs atomic.Int64
}

// RunStress drives every CPU from its own goroutine with a random mix of
// kmalloc, cache and page allocations and frees. Each allocation carries a
// tag that is checked when it is freed. Some allocations are freed by
// another CPU. Everything is freed and the run's caches are destroyed
// before RunStress returns.
func (s *System) RunStress(ctx context.Context, opts StressOptions) (StressResult, error) {
	if s.closed.Load() {
		return StressResult{}, ErrClosed
	}
	opts.setDefaults()
	start := time.Now()

	caches := make([]*Cache, 0, len(opts.CacheSizes))
	defer func() {
		for _, c := range caches {
			if err := s.slab.Destroy(nil, c); err != nil {
				klog.Warn("kmem: stress cache not destroyed", "cache", c.Name(), "err", err)
			}
		}
	}()
	for i, size := range opts.CacheSizes {
		c, err := s.slab.Create(fmt.Sprintf("stress-%d-%d", i, size), size, 0, SlabNoMerge, nil)
		if err != nil {
			return StressResult{}, err
		}
		caches = append(caches, c)
	}

	var (
		cnt  stressCounters
		orph orphans
		wg   sync.WaitGroup
	)
	for _, cpu := range s.cpus.All() {
		w := &stressWorker{
			sys:    s,
			cpu:    cpu,
			opts:   &opts,
			caches: caches,
			orph:   &orph,
			cnt:    &cnt,
			rng:    rand.New(rand.NewPCG(opts.Seed, uint64(cpu.ID())+1)),
		}
		wg.Go(func() { w.run(ctx) })
	}
	wg.Wait()

	for {
		h, ok := orph.take()
		if !ok {
			break
		}
		(&stressWorker{sys: s, cnt: &cnt}).release(h)
	}

	res := StressResult{
		Ops:         cnt.ops.Load(),
		Allocs:      cnt.allocs.Load(),
		Frees:       cnt.frees.Load(),
		RemoteFrees: cnt.remote.Load(),
		OutOfMemory: cnt.oom.Load(),
		Corruptions: cnt.corrupt.Load(),
		Errors:      cnt.errs.Load(),
		Duration:    time.Since(start),
	}
	klog.Info("kmem: stress done", "ops", res.Ops, "allocs", res.Allocs, "frees", res.Frees,
		"remote_frees", res.RemoteFrees, "oom", res.OutOfMemory, "corruptions", res.Corruptions)
	if res.Corruptions > 0 || res.Errors > 0 {
		return res, fmt.Errorf("kmem: stress saw %d corruptions and %d errors", res.Corruptions, res.Errors)
	}
	return res, nil
}

type stressWorker struct {
	sys    *System
	cpu    *CPU
	opts   *StressOptions
	caches []*Cache
	orph   *orphans
	cnt    *stressCounters
	rng    *rand.Rand
	held   []held
}

func (w *stressWorker) run(ctx context.Context) {
	defer func() {
		for _, h := range w.held {
			w.release(h)
		}
	}()
	for op := 0; w.opts.Ops == 0 || op < w.opts.Ops; op++ {
		if op%64 == 0 && ctx.Err() != nil {
			return
		}
		w.cnt.ops.Add(1)

		r := w.rng.IntN(100)
		if r < 10 {
			if h, ok := w.orph.take(); ok {
				w.release(h)
				w.cnt.remote.Add(1)
				continue
			}
		}
		switch {
		case r < 55 && len(w.held) < w.opts.MaxHeld:
			w.allocate(uint64(w.cpu.ID())<<48 | uint64(op))
		case r < 60 && len(w.held) > 0:
			w.orph.put(w.pop())
		default:
			if len(w.held) > 0 {
				w.release(w.pop())
			}
		}
	}
}

func (w *stressWorker) pop() held {
	i := w.rng.IntN(len(w.held))
	h := w.held[i]
	w.held[i] = w.held[len(w.held)-1]
	w.held = w.held[:len(w.held)-1]
	return h
}

func (w *stressWorker) allocate(tag uint64) {
	s := w.sys
	h := held{tag: tag}
	var err error
	switch r := w.rng.IntN(10); {
	case r < 5:
		h.kind = heldKmalloc
		size := 8 + w.rng.IntN(w.opts.MaxKmalloc-7)
		h.addr, err = s.slab.Kmalloc(w.cpu, size, GFPKernel|GFPNoWarn)
	case r < 9:
		h.kind = heldCache
		h.cache = w.caches[w.rng.IntN(len(w.caches))]
		h.addr, err = h.cache.Alloc(w.cpu, GFPKernel|GFPNoWarn)
	default:
		h.kind = heldPages
		h.order = w.rng.IntN(w.opts.MaxPageOrder + 1)
		gfp := GFPKernel | GFPNoWarn
		if w.rng.IntN(2) == 0 {
			gfp |= GFPMovable
		}
		h.addr, err = s.mm.GetFreePages(w.cpu, gfp, h.order)
	}
	switch {
	case errors.Is(err, mm.ErrNoMemory):
		w.cnt.oom.Add(1)
		return
	case err != nil:
		klog.Error("kmem: stress allocation failed", "cpu", w.cpu.ID(), "err", err)
		w.cnt.errs.Add(1)
		return
	}
	b, err := s.region.VirtBytes(h.addr, 8)
	if err != nil {
		w.cnt.errs.Add(1)
		return
	}
	format.PutU64(b, 0, tag)
	w.held = append(w.held, h)
	w.cnt.allocs.Add(1)
}

// release checks h's tag and frees it on the worker's CPU, or remotely for
// a worker without one.
func (w *stressWorker) release(h held) {
	s := w.sys
	if b, err := s.region.VirtBytes(h.addr, 8); err != nil || format.ReadU64(b, 0) != h.tag {
		klog.Error("kmem: stress allocation changed while live", "addr", fmt.Sprintf("%#x", uint64(h.addr)))
		w.cnt.corrupt.Add(1)
	}
	var err error
	switch h.kind {
	case heldKmalloc:
		err = s.slab.Kfree(w.cpu, h.addr)
	case heldCache:
		err = h.cache.Free(w.cpu, h.addr)
	case heldPages:
		err = s.mm.FreePagesAddr(w.cpu, h.addr, h.order)
	}
	if err != nil {
		klog.Error("kmem: stress free failed", "addr", fmt.Sprintf("%#x", uint64(h.addr)), "err", err)
		w.cnt.errs.Add(1)
		return
	}
	w.cnt.frees.Add(1)
}

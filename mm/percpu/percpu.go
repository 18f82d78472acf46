// Package percpu is the early per-CPU variable allocator. Each CPU owns a
// unit of identical layout: a static section, carved out at boot for
// variables known up front, followed by a dynamic window served by a bump
// pointer. A per-CPU pointer (Ptr) is an offset valid in every unit.
//
// Nothing is ever reused. Free only reports the misuse and leaks the area;
// callers that need to release per-CPU memory do not belong on this
// allocator.
package percpu

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/kmemkit/internal/diag"
	"github.com/joshuapare/kmemkit/internal/format"
	"github.com/joshuapare/kmemkit/internal/klog"
	"github.com/joshuapare/kmemkit/internal/physmem"
	"github.com/joshuapare/kmemkit/mm/memblock"
	"github.com/joshuapare/kmemkit/mm/smp"
)

var (
	// ErrNoSpace indicates the static section or dynamic window is exhausted.
	ErrNoSpace = errors.New("percpu: area exhausted")

	// ErrBadRequest indicates a zero size or an invalid alignment.
	ErrBadRequest = errors.New("percpu: invalid size or alignment")

	// ErrBadPtr indicates an access outside the allocated part of a unit.
	ErrBadPtr = errors.New("percpu: invalid pointer")
)

// Ptr is a per-CPU pointer: an offset into every CPU's unit.
type Ptr uint64

// NilPtr is the zero-value replacement for a failed allocation.
const NilPtr = Ptr(^uint64(0))

// Config sizes the area.
type Config struct {
	StaticSize  int // bytes reserved for AllocStatic
	DynamicSize int // bytes in the dynamic window
	Diag        *diag.Log
}

// Area is the per-CPU memory of every CPU.
type Area struct {
	region     *physmem.Region
	units      []physmem.PhysAddr // unit base per CPU id
	unitSize   int
	staticSize int
	diag       *diag.Log

	mu         sync.Mutex
	staticUsed int
	dyAddr     int // offset of the next dynamic allocation
	dySize     int // bytes left in the dynamic window

	leaked atomic.Int64
}

// Setup reserves one unit per CPU from mb, each on its CPU's node, and
// zeroes them. It must run before mb is retired.
func Setup(region *physmem.Region, mb *memblock.Memblock, cpus *smp.Set, cfg Config) (*Area, error) {
	if cfg.StaticSize < 0 || cfg.DynamicSize <= 0 {
		return nil, fmt.Errorf("%w: static %d dynamic %d", ErrBadRequest, cfg.StaticSize, cfg.DynamicSize)
	}
	staticSize := format.AlignUp(cfg.StaticSize, format.CacheLineSize)
	unitSize := format.AlignUp(staticSize+cfg.DynamicSize, format.PageSize)
	a := &Area{
		region:     region,
		units:      make([]physmem.PhysAddr, cpus.Len()),
		unitSize:   unitSize,
		staticSize: staticSize,
		diag:       cfg.Diag,
		dyAddr:     staticSize,
		dySize:     unitSize - staticSize,
	}
	for _, c := range cpus.All() {
		base, err := mb.AllocNode(c.Node(), unitSize, format.PageSize)
		if err != nil {
			base, err = mb.Alloc(unitSize, format.PageSize)
		}
		if err != nil {
			return nil, fmt.Errorf("percpu: unit for %v: %w", c, err)
		}
		if err := region.Zero(base, unitSize); err != nil {
			return nil, fmt.Errorf("percpu: unit for %v: %w", c, err)
		}
		a.units[c.ID()] = base
	}
	klog.Info("percpu: embedded units", "units", len(a.units), "unit_size", unitSize,
		"static", staticSize, "dynamic", a.dySize)
	return a, nil
}

// AllocStatic carves size bytes out of the static section.
func (a *Area) AllocStatic(size, align int) (Ptr, error) {
	if err := checkRequest(size, align); err != nil {
		return NilPtr, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	start := format.AlignUp(a.staticUsed, align)
	if start+size > a.staticSize {
		return NilPtr, fmt.Errorf("%w: static section needs %d more bytes", ErrNoSpace, start+size-a.staticSize)
	}
	a.staticUsed = start + size
	return Ptr(start), nil
}

// Alloc bumps size bytes off the dynamic window. Sizes and alignments are
// rounded up to the cache line so that no two allocations share a line.
// Memory comes back zeroed in every unit.
func (a *Area) Alloc(size, align int) (Ptr, error) {
	if err := checkRequest(size, align); err != nil {
		return NilPtr, err
	}
	size = format.AlignUp(size, format.CacheLineSize)
	align = max(align, format.CacheLineSize)

	a.mu.Lock()
	defer a.mu.Unlock()
	start := format.AlignUp(a.dyAddr, align)
	need := start - a.dyAddr + size
	if need > a.dySize {
		klog.Warn("percpu: dynamic area exhausted", "size", size, "left", a.dySize)
		return NilPtr, fmt.Errorf("%w: want %d bytes, %d left", ErrNoSpace, need, a.dySize)
	}
	a.dyAddr = start + size
	a.dySize -= need
	return Ptr(start), nil
}

// Free reports the release of a per-CPU area. The memory is leaked.
func (a *Area) Free(p Ptr) {
	if p == NilPtr {
		return
	}
	a.leaked.Add(1)
	a.diag.Report(diag.Diagnostic{
		Severity: diag.SevWarning,
		Category: diag.CatPerCPU,
		Addr:     uint64(p),
		Issue:    "free of early per-cpu area is not supported, leaking",
		Action:   diag.ActionLeaked,
	})
}

// Bytes returns CPU cpu's copy of the n bytes at p.
func (a *Area) Bytes(p Ptr, cpu smp.CPUID, n int) ([]byte, error) {
	pa, err := a.Addr(p, cpu, n)
	if err != nil {
		return nil, err
	}
	return a.region.Bytes(pa, n)
}

// Addr returns the physical address of CPU cpu's copy of the n bytes at p.
func (a *Area) Addr(p Ptr, cpu smp.CPUID, n int) (physmem.PhysAddr, error) {
	if cpu < 0 || int(cpu) >= len(a.units) {
		return 0, fmt.Errorf("%w: %v", smp.ErrBadCPU, cpu)
	}
	if !a.allocated(p, n) {
		return 0, fmt.Errorf("%w: %#x+%d", ErrBadPtr, uint64(p), n)
	}
	return a.units[cpu] + physmem.PhysAddr(p), nil
}

func (a *Area) allocated(p Ptr, n int) bool {
	if n <= 0 || p == NilPtr {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	end := uint64(p) + uint64(n)
	if uint64(p) < uint64(a.staticSize) {
		return end <= uint64(a.staticUsed)
	}
	return end <= uint64(a.dyAddr)
}

// Info describes the area's usage.
type Info struct {
	Units       int
	UnitSize    int
	StaticSize  int
	StaticUsed  int
	DynamicUsed int
	DynamicFree int
	Leaked      int64
}

// Info returns the area's usage.
func (a *Area) Info() Info {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Info{
		Units:       len(a.units),
		UnitSize:    a.unitSize,
		StaticSize:  a.staticSize,
		StaticUsed:  a.staticUsed,
		DynamicUsed: a.dyAddr - a.staticSize,
		DynamicFree: a.dySize,
		Leaked:      a.leaked.Load(),
	}
}

func checkRequest(size, align int) error {
	if size <= 0 || align <= 0 || align > format.PageSize || !format.IsPowerOfTwo(align) {
		return fmt.Errorf("%w: size %d align %d", ErrBadRequest, size, align)
	}
	return nil
}

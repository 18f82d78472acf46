package kmem

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/joshuapare/kmemkit/internal/diag"
	"github.com/joshuapare/kmemkit/internal/format"
	"github.com/joshuapare/kmemkit/internal/klog"
	"github.com/joshuapare/kmemkit/internal/physmem"
	"github.com/joshuapare/kmemkit/mm"
	"github.com/joshuapare/kmemkit/mm/memblock"
	"github.com/joshuapare/kmemkit/mm/percpu"
	"github.com/joshuapare/kmemkit/mm/slub"
	"github.com/joshuapare/kmemkit/mm/smp"
	"github.com/joshuapare/kmemkit/pkg/types"
)

// ErrClosed indicates use of a System after Close.
var ErrClosed = errors.New("kmem: system closed")

// Allocator errors (re-exported for convenience).
var (
	ErrNoMemory   = mm.ErrNoMemory
	ErrOrderRange = mm.ErrOrderRange
	ErrBadPage    = mm.ErrBadPage
	ErrCacheBusy  = slub.ErrCacheBusy
	ErrCacheDead  = slub.ErrCacheDead
	ErrDoubleFree = slub.ErrDoubleFree
	ErrNotKmalloc = slub.ErrNotKmalloc
	ErrNoSpace    = percpu.ErrNoSpace
)

// Allocator types (re-exported for convenience).
type (
	CPU       = smp.CPU
	GFP       = mm.GFP
	PFN       = mm.PFN
	PhysAddr  = mm.PhysAddr
	VirtAddr  = mm.VirtAddr
	Cache     = slub.Cache
	SlabFlags = slub.Flags
	PerCPUPtr = percpu.Ptr
)

// GFP flags (re-exported for convenience).
const (
	GFPKernel          = mm.GFPKernel
	GFPAtomic          = mm.GFPAtomic
	GFPDMA             = mm.GFPDMA
	GFPMovable         = mm.GFPMovable
	GFPReclaimable     = mm.GFPReclaimable
	GFPZero            = mm.GFPZero
	GFPComp            = mm.GFPComp
	GFPThisNode        = mm.GFPThisNode
	GFPNoWarn          = mm.GFPNoWarn
	GFPHighUserMovable = mm.GFPHighUserMovable
)

// Slab cache flags (re-exported for convenience).
const (
	SlabHWCacheAlign   = slub.SlabHWCacheAlign
	SlabPanic          = slub.SlabPanic
	SlabCacheDMA       = slub.SlabCacheDMA
	SlabReclaimAccount = slub.SlabReclaimAccount
	SlabNoMerge        = slub.SlabNoMerge
)

// ZeroSizePtr is what Kmalloc returns for a zero-byte request.
const ZeroSizePtr = slub.ZeroSizePtr

// PageSize is the size of one page frame in bytes.
const PageSize = format.PageSize

// System is one booted machine: its physical memory, CPUs and the
// allocator stack on top of them.
//
// Operations that run on behalf of a CPU take that CPU and must be called
// from the goroutine currently driving it. A nil CPU is accepted where the
// caller is not a CPU (a monitor or a test harness) and costs remote calls.
type System struct {
	opts   Options
	region *physmem.Region
	cpus   *smp.Set
	mm     *mm.Allocator
	pcpu   *percpu.Area
	slab   *slub.Allocator
	diag   *diag.Log
	closed atomic.Bool
}

// Boot maps the machine described by opts and brings up the allocators in
// boot order: the boot reserve allocator, per-CPU units, the page
// allocator, and the slab allocator with its kmalloc caches.
//
// Example:
//
//	sys, err := kmem.Boot(kmem.SMPOptions(2, 4, 64))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sys.Close()
//
//	cpu := sys.CPU(0)
//	obj, err := sys.Kmalloc(cpu, 100, kmem.GFPKernel)
func Boot(opts Options) (*System, error) {
	if opts.Log != nil {
		klog.Init(*opts.Log)
	}
	if err := opts.setDefaults(); err != nil {
		return nil, err
	}
	t := opts.Tunables

	total := opts.Nodes * opts.NodeMemory
	region, err := physmem.Map(0, total)
	if err != nil {
		return nil, fmt.Errorf("kmem: map %d bytes: %w", total, err)
	}
	sys := &System{opts: opts, region: region, diag: diag.NewLog(opts.DiagCapacity)}
	fail := func(err error) (*System, error) {
		_ = region.Close()
		return nil, err
	}

	mb := memblock.New()
	for n := range opts.Nodes {
		start := physmem.PhysAddr(n * opts.NodeMemory)
		if err := mb.AddMemory(smp.NodeID(n), start, start+physmem.PhysAddr(opts.NodeMemory)); err != nil {
			return fail(fmt.Errorf("kmem: node %d: %w", n, err))
		}
	}
	if opts.KernelReserve > 0 {
		if _, err := mb.Reserve(0, physmem.PhysAddr(opts.KernelReserve)); err != nil {
			return fail(fmt.Errorf("kmem: kernel reserve: %w", err))
		}
	}

	sys.cpus, err = smp.NewSet(opts.CPUs, func(id smp.CPUID) smp.NodeID {
		return smp.NodeID(int(id) % opts.Nodes)
	})
	if err != nil {
		return fail(err)
	}

	sys.pcpu, err = percpu.Setup(region, mb, sys.cpus, percpu.Config{
		StaticSize:  opts.PerCPUStatic,
		DynamicSize: opts.PerCPUDynamic,
		Diag:        sys.diag,
	})
	if err != nil {
		return fail(err)
	}

	sys.mm, err = mm.New(region, mb, sys.cpus, mm.Config{
		MaxOrder:       t.MaxOrder,
		DMALimit:       mm.PhysAddr(opts.DMALimit),
		MovablePercent: opts.MovablePercent,
		PCPBatch:       t.PCPBatch,
		PCPHigh:        t.PCPHigh,
		MinFreeKbytes:  t.MinFreeKbytes,
		Diag:           sys.diag,
	})
	if err != nil {
		return fail(err)
	}

	sys.slab, err = slub.New(sys.mm, sys.pcpu, slub.Config{
		MinOrder:         t.SlubMinOrder,
		MaxOrder:         t.SlubMaxOrder,
		MinObjects:       t.SlubMinObjects,
		FreelistRandom:   t.FreelistRandom,
		FreelistHardened: t.FreelistHardened,
		NoDoubleCAS:      t.NoDoubleCAS,
		TrackFullSlabs:   t.TrackFullSlabs,
		Merge:            t.SlabMerge,
		Seed:             opts.Seed,
		Diag:             sys.diag,
	})
	if err != nil {
		return fail(err)
	}

	managed, free, _ := sys.mm.Totals()
	klog.Info("kmem: booted", "nodes", opts.Nodes, "cpus", opts.CPUs,
		"memory", total, "managed_pages", managed, "free_pages", free)
	return sys, nil
}

// Close releases the machine's memory. Every address handed out becomes
// invalid. Close is idempotent.
//
// After Close every operation that reaches allocator memory returns
// ErrClosed. Options, the CPU accessors, LookupCache, FreePercpu and
// Diagnostics only touch bookkeeping and keep working. Close must not race
// with other calls on the System.
func (s *System) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.region.Close()
}

// Options returns the options the system was booted with, defaults filled in.
func (s *System) Options() Options { return s.opts }

// NumCPUs returns the number of CPUs.
func (s *System) NumCPUs() int { return s.cpus.Len() }

// CPU returns CPU id, or nil if there is no such CPU.
func (s *System) CPU(id int) *CPU { return s.cpus.CPU(smp.CPUID(id)) }

// CPUs returns every CPU in id order.
func (s *System) CPUs() []*CPU { return s.cpus.All() }

// Pages returns the page allocator.
func (s *System) Pages() *mm.Allocator { return s.mm }

// Slab returns the slab allocator.
func (s *System) Slab() *slub.Allocator { return s.slab }

// PerCPU returns the per-CPU area.
func (s *System) PerCPU() *percpu.Area { return s.pcpu }

// ============================================================================
// Pages
// ============================================================================

// AllocPages allocates 2^order contiguous pages and returns the first frame.
func (s *System) AllocPages(cpu *CPU, gfp GFP, order int) (PFN, error) {
	if s.closed.Load() {
		return mm.NoPFN, ErrClosed
	}
	return s.mm.AllocPages(cpu, gfp, order)
}

// AllocPagesNode is AllocPages preferring node nid.
func (s *System) AllocPagesNode(cpu *CPU, nid int, gfp GFP, order int) (PFN, error) {
	if s.closed.Load() {
		return mm.NoPFN, ErrClosed
	}
	return s.mm.AllocPagesNode(cpu, mm.NodeID(nid), gfp, order)
}

// FreePages frees a block returned by AllocPages with the same order.
func (s *System) FreePages(cpu *CPU, pfn PFN, order int) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.mm.FreePages(cpu, pfn, order)
}

// GetFreePages is AllocPages returning the block's virtual address.
func (s *System) GetFreePages(cpu *CPU, gfp GFP, order int) (VirtAddr, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	return s.mm.GetFreePages(cpu, gfp, order)
}

// FreePagesAddr frees a block returned by GetFreePages.
func (s *System) FreePagesAddr(cpu *CPU, va VirtAddr, order int) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.mm.FreePagesAddr(cpu, va, order)
}

// DrainPages returns every CPU's cached pages to the buddy lists.
func (s *System) DrainPages(cpu *CPU) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.mm.DrainAllPages(cpu)
	return nil
}

// ============================================================================
// Slab caches
// ============================================================================

// KmemCacheCreate creates a cache of size-byte objects. A non-nil ctor
// initializes every object once, when its slab is created.
func (s *System) KmemCacheCreate(name string, size, align int, flags SlabFlags, ctor func(obj []byte)) (*Cache, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.slab.Create(name, size, align, flags, ctor)
}

// KmemCacheAlloc allocates one object from c.
func (s *System) KmemCacheAlloc(cpu *CPU, c *Cache, gfp GFP) (VirtAddr, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	return c.Alloc(cpu, gfp)
}

// KmemCacheFree returns obj to c.
func (s *System) KmemCacheFree(cpu *CPU, c *Cache, obj VirtAddr) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return c.Free(cpu, obj)
}

// KmemCacheDestroy destroys c. It fails, leaving c usable, while objects
// remain allocated.
func (s *System) KmemCacheDestroy(cpu *CPU, c *Cache) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.slab.Destroy(cpu, c)
}

// KmemCacheDestroyName drops the reference KmemCacheCreate returned under
// name. For a merged cache only that alias goes away.
func (s *System) KmemCacheDestroyName(cpu *CPU, name string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.slab.DestroyName(cpu, name)
}

// KmemCacheShrink releases c's empty slabs and returns how many it released.
func (s *System) KmemCacheShrink(cpu *CPU, c *Cache) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	return c.Shrink(cpu), nil
}

// LookupCache returns the live cache with name or alias name.
func (s *System) LookupCache(name string) (*Cache, bool) { return s.slab.Lookup(name) }

// ============================================================================
// kmalloc
// ============================================================================

// Kmalloc allocates size bytes from the smallest fitting kmalloc cache, or
// from the page allocator beyond the largest cache.
func (s *System) Kmalloc(cpu *CPU, size int, gfp GFP) (VirtAddr, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	return s.slab.Kmalloc(cpu, size, gfp)
}

// Kzalloc is Kmalloc returning zeroed memory.
func (s *System) Kzalloc(cpu *CPU, size int, gfp GFP) (VirtAddr, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	return s.slab.Kzalloc(cpu, size, gfp)
}

// Kfree frees memory returned by Kmalloc.
func (s *System) Kfree(cpu *CPU, ptr VirtAddr) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.slab.Kfree(cpu, ptr)
}

// Ksize returns the usable size of a kmalloc allocation.
func (s *System) Ksize(ptr VirtAddr) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	return s.slab.Ksize(ptr)
}

// Krealloc resizes a kmalloc allocation, moving it when it does not fit.
func (s *System) Krealloc(cpu *CPU, ptr VirtAddr, size int, gfp GFP) (VirtAddr, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	return s.slab.Krealloc(cpu, ptr, size, gfp)
}

// ============================================================================
// Per-CPU memory
// ============================================================================

// AllocPercpu allocates size bytes in every CPU's unit.
func (s *System) AllocPercpu(size, align int) (PerCPUPtr, error) {
	if s.closed.Load() {
		return percpu.NilPtr, ErrClosed
	}
	return s.pcpu.Alloc(size, align)
}

// FreePercpu reports the free and leaks the memory; per-CPU memory is
// never reused.
func (s *System) FreePercpu(p PerCPUPtr) { s.pcpu.Free(p) }

// PercpuBytes returns cpu's n bytes of the per-CPU allocation p.
func (s *System) PercpuBytes(p PerCPUPtr, cpu *CPU, n int) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.pcpu.Bytes(p, cpu.ID(), n)
}

// ============================================================================
// Addresses
// ============================================================================

// PhysToVirt returns the direct-map address of pa.
func PhysToVirt(pa PhysAddr) VirtAddr { return physmem.PhysToVirt(pa) }

// VirtToPhys returns the physical address behind a direct-map address.
func VirtToPhys(va VirtAddr) PhysAddr { return physmem.VirtToPhys(va) }

// Bytes returns the n bytes of memory at va.
func (s *System) Bytes(va VirtAddr, n int) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.region.VirtBytes(va, n)
}

// ============================================================================
// Consistency
// ============================================================================

// Shrink releases the empty slabs of every cache and drains every CPU's
// page cache, and returns the number of slabs released.
func (s *System) Shrink(cpu *CPU) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	n := s.slab.ShrinkAll(cpu)
	s.mm.DrainAllPages(cpu)
	return n, nil
}

// Verify checks the slab caches and then the page allocator. Corrupt slabs
// are quarantined and reported; the returned error joins every violation.
func (s *System) Verify(cpu *CPU) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return errors.Join(s.slab.ValidateAll(cpu), s.mm.CheckInvariants(cpu))
}

// Diagnostics returns the consistency violations recorded since boot.
func (s *System) Diagnostics() *types.DiagnosticReport {
	r := types.NewDiagnosticReport()
	for _, d := range s.diag.Entries() {
		r.Add(d)
	}
	r.Dropped = s.diag.Dropped()
	r.Finalize()
	return r
}

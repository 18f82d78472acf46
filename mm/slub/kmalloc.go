package slub

import (
	"fmt"

	"github.com/joshuapare/kmemkit/internal/diag"
	"github.com/joshuapare/kmemkit/internal/format"
	"github.com/joshuapare/kmemkit/mm"
	"github.com/joshuapare/kmemkit/mm/smp"
)

const (
	// ZeroSizePtr is returned for zero-byte requests. It is never a valid
	// object and Kfree ignores it like 0.
	ZeroSizePtr mm.VirtAddr = 16

	// KmallocMaxCacheSize is the largest request served from a cache;
	// bigger ones get whole compound pages.
	KmallocMaxCacheSize = 2 * format.PageSize
)

// KmallocType selects a kmalloc family by page source.
type KmallocType uint8

const (
	KmallocNormal KmallocType = iota
	KmallocReclaim
	KmallocDMA

	NumKmallocTypes
)

var kmallocPrefix = [NumKmallocTypes]string{
	KmallocNormal:  "kmalloc-",
	KmallocReclaim: "kmalloc-rcl-",
	KmallocDMA:     "dma-kmalloc-",
}

var kmallocFlags = [NumKmallocTypes]Flags{
	KmallocReclaim: SlabReclaimAccount,
	KmallocDMA:     SlabCacheDMA,
}

var kmallocClasses = newSizeClassTable(DefaultSizeClasses)

type kmallocCaches [NumKmallocTypes][]*Cache

func kmallocTypeOf(gfp mm.GFP) KmallocType {
	switch {
	case gfp&mm.GFPDMA != 0:
		return KmallocDMA
	case gfp&mm.GFPReclaimable != 0:
		return KmallocReclaim
	}
	return KmallocNormal
}

// kmallocMaxSize is the largest allocation kmalloc can satisfy at all.
func (sa *Allocator) kmallocMaxSize() int {
	return format.PageSize << (sa.mm.MaxOrder() - 1)
}

// createKmallocCaches builds one cache per size class and family.
// Power-of-two classes are naturally aligned up to a page.
func (sa *Allocator) createKmallocCaches() error {
	for t := range NumKmallocTypes {
		caches := make([]*Cache, kmallocClasses.NumClasses())
		for i := range caches {
			size := kmallocClasses.Size(i)
			align := format.WordSize
			if format.IsPowerOfTwo(size) {
				align = min(size, format.PageSize)
			}
			s, err := sa.create(kmallocPrefix[t]+sizeName(size), size, align, kmallocFlags[t], nil)
			if err != nil {
				return fmt.Errorf("slub: kmalloc caches: %w", err)
			}
			s.kmalloc = true
			caches[i] = s
		}
		sa.kmalloc[t] = caches
	}
	return nil
}

// KmallocCache returns the cache serving size-byte requests with gfp, or
// nil when the request is too large for any cache.
func (sa *Allocator) KmallocCache(size int, gfp mm.GFP) *Cache {
	i := kmallocClasses.class(size)
	if size <= 0 || i == kmallocClasses.NumClasses() {
		return nil
	}
	return sa.kmalloc[kmallocTypeOf(gfp)][i]
}

// Kmalloc allocates size bytes.
func (sa *Allocator) Kmalloc(cpu *smp.CPU, size int, gfp mm.GFP) (mm.VirtAddr, error) {
	return sa.KmallocNode(cpu, size, gfp, mm.NumaNoNode)
}

// Kzalloc allocates size zeroed bytes.
func (sa *Allocator) Kzalloc(cpu *smp.CPU, size int, gfp mm.GFP) (mm.VirtAddr, error) {
	return sa.KmallocNode(cpu, size, gfp|mm.GFPZero, mm.NumaNoNode)
}

// KmallocNode allocates size bytes preferring node. Zero-byte requests
// return ZeroSizePtr.
func (sa *Allocator) KmallocNode(cpu *smp.CPU, size int, gfp mm.GFP, node mm.NodeID) (mm.VirtAddr, error) {
	switch {
	case size < 0:
		return 0, fmt.Errorf("%w: kmalloc of %d bytes", ErrBadObject, size)
	case size == 0:
		return ZeroSizePtr, nil
	case size > KmallocMaxCacheSize:
		return sa.kmallocLarge(cpu, size, gfp, node)
	}
	return sa.KmallocCache(size, gfp).AllocNode(cpu, gfp, node)
}

func (sa *Allocator) kmallocLarge(cpu *smp.CPU, size int, gfp mm.GFP, node mm.NodeID) (mm.VirtAddr, error) {
	if size > sa.kmallocMaxSize() {
		if gfp&mm.GFPNoWarn == 0 {
			sa.report(diag.Diagnostic{
				Severity: diag.SevWarning,
				Category: diag.CatContract,
				Issue:    "kmalloc request above the largest order",
				Expected: sa.kmallocMaxSize(),
				Actual:   size,
				Action:   diag.ActionRejected,
			})
		}
		return 0, fmt.Errorf("%w: kmalloc of %d bytes", mm.ErrOrderRange, size)
	}
	pfn, err := sa.mm.AllocPagesNode(cpu, node, gfp|mm.GFPComp, format.GetOrder(size))
	if err != nil {
		return 0, err
	}
	return pfn.Virt(), nil
}

// Kfree frees memory from Kmalloc, or any slab object. 0 and ZeroSizePtr
// are ignored.
func (sa *Allocator) Kfree(cpu *smp.CPU, ptr mm.VirtAddr) error {
	if ptr <= ZeroSizePtr {
		return nil
	}
	if sl := sa.slabOf(ptr); sl != nil {
		s := sl.cache
		if sl.index(ptr) == 0 {
			sa.reportObject(s, diag.SevWarning, ptr, "kfree of pointer into the middle of an object", diag.ActionRejected)
			return fmt.Errorf("%w: %#x", ErrBadObject, uint64(ptr))
		}
		return s.slabFree(cpu, sl, ptr, ptr, 1)
	}
	pfn, order, err := sa.largeHead(ptr)
	if err != nil {
		sa.report(diag.Diagnostic{
			Severity: diag.SevWarning,
			Category: diag.CatContract,
			PFN:      uint64(mm.VirtToPFN(ptr)),
			Addr:     uint64(ptr),
			Issue:    "kfree of memory kmalloc did not hand out",
			Action:   diag.ActionRejected,
		})
		return err
	}
	return sa.mm.FreePages(cpu, pfn, order)
}

// largeHead checks that ptr is the start of a large kmalloc allocation.
func (sa *Allocator) largeHead(ptr mm.VirtAddr) (mm.PFN, int, error) {
	pfn := mm.VirtToPFN(ptr)
	p := sa.mm.Page(pfn)
	if p == nil || p.State() != mm.StateCompoundHead || pfn.Virt() != ptr {
		return 0, 0, fmt.Errorf("%w: %#x", ErrNotKmalloc, uint64(ptr))
	}
	return pfn, p.Order(), nil
}

// Ksize returns the usable size of the allocation at ptr, which may exceed
// the size requested.
func (sa *Allocator) Ksize(ptr mm.VirtAddr) (int, error) {
	if ptr <= ZeroSizePtr {
		return 0, nil
	}
	if sl := sa.slabOf(ptr); sl != nil {
		if sl.index(ptr) == 0 {
			return 0, fmt.Errorf("%w: %#x", ErrBadObject, uint64(ptr))
		}
		return sl.cache.size, nil
	}
	_, order, err := sa.largeHead(ptr)
	if err != nil {
		return 0, err
	}
	return format.PageSize << order, nil
}

// Krealloc resizes the allocation at ptr to size bytes. It returns ptr
// itself when the allocation already holds size bytes; otherwise the
// contents move to a new allocation and ptr is freed. A size of 0 frees
// ptr and returns ZeroSizePtr.
func (sa *Allocator) Krealloc(cpu *smp.CPU, ptr mm.VirtAddr, size int, gfp mm.GFP) (mm.VirtAddr, error) {
	if size == 0 {
		return ZeroSizePtr, sa.Kfree(cpu, ptr)
	}
	if ptr <= ZeroSizePtr {
		return sa.Kmalloc(cpu, size, gfp)
	}
	have, err := sa.Ksize(ptr)
	if err != nil {
		return 0, err
	}
	if size <= have {
		return ptr, nil
	}
	moved, err := sa.Kmalloc(cpu, size, gfp&^mm.GFPZero)
	if err != nil {
		return 0, err
	}
	dst, err := sa.Bytes(moved, size)
	if err != nil {
		return 0, err
	}
	src, err := sa.Bytes(ptr, have)
	if err != nil {
		return 0, err
	}
	n := copy(dst, src)
	if gfp&mm.GFPZero != 0 {
		clear(dst[n:])
	}
	return moved, sa.Kfree(cpu, ptr)
}

package slub

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/kmemkit/internal/diag"
	"github.com/joshuapare/kmemkit/internal/format"
	"github.com/joshuapare/kmemkit/internal/klog"
	"github.com/joshuapare/kmemkit/mm"
	"github.com/joshuapare/kmemkit/mm/percpu"
	"github.com/joshuapare/kmemkit/mm/smp"
)

// Cache hands out objects of one size.
type Cache struct {
	sa    *Allocator
	name  string
	flags Flags

	objectSize int // bytes the caller asked for
	size       int // stride between objects
	align      int
	offset     int // free pointer offset within an object
	inuse      int // object bytes before any trailing free pointer
	ctor       func(obj []byte)

	oo, min, max orderObjects
	minPartial   int
	allocGFP     mm.GFP

	random    uint64 // free pointer obfuscation key
	randomSeq []int  // shuffled object order for new slabs
	rngMu     sync.Mutex
	rng       *rand.Rand

	cpuPtr   percpu.Ptr
	cpuSlots []cpuSlot
	nodes    []*cacheNode

	kmalloc bool
	dead    atomic.Bool

	// Guarded by Allocator.mu.
	refcount int
	aliases  []string
}

// Name returns the cache name.
func (s *Cache) Name() string { return s.name }

// ObjectSize returns the size objects were requested with.
func (s *Cache) ObjectSize() int { return s.objectSize }

// Size returns the stride of objects in a slab.
func (s *Cache) Size() int { return s.size }

func (s *Cache) String() string { return s.name }

func (s *Cache) node(id mm.NodeID) *cacheNode {
	if id < 0 || int(id) >= len(s.nodes) {
		return nil
	}
	return s.nodes[id]
}

// Create makes a cache of objects of size bytes aligned to align (0 for
// the default). ctor, when set, runs once on every object of a new slab.
// A cache created with SlabPanic panics instead of returning an error.
func (sa *Allocator) Create(name string, size, align int, flags Flags, ctor func(obj []byte)) (*Cache, error) {
	s, err := sa.create(name, size, align, flags, ctor)
	if err != nil {
		if flags&SlabPanic != 0 {
			panic(fmt.Sprintf("slub: cannot create cache %q: %v", name, err))
		}
		klog.Warn("slub: cache creation failed", "name", name, "size", size, "error", err)
		return nil, err
	}
	return s, nil
}

func (sa *Allocator) create(name string, size, align int, flags Flags, ctor func([]byte)) (*Cache, error) {
	switch {
	case name == "":
		return nil, fmt.Errorf("%w: empty name", ErrBadCache)
	case size < format.WordSize || size > sa.kmallocMaxSize():
		return nil, fmt.Errorf("%w: %s: size %d (want %d..%d)", ErrBadCache, name, size, format.WordSize, sa.kmallocMaxSize())
	case align < 0 || align > format.PageSize || (align != 0 && !format.IsPowerOfTwo(align)):
		return nil, fmt.Errorf("%w: %s: align %d", ErrBadCache, name, align)
	case flags&SlabCacheDMA != 0 && flags&SlabReclaimAccount != 0:
		return nil, fmt.Errorf("%w: %s: %v", ErrBadCache, name, flags)
	}

	sa.mu.Lock()
	defer sa.mu.Unlock()
	for _, s := range sa.caches {
		if s.name == name || slices.Contains(s.aliases, name) {
			return nil, fmt.Errorf("%w: %s", ErrCacheExists, name)
		}
	}
	if s := sa.findMergeable(size, align, flags, ctor); s != nil {
		s.refcount++
		s.aliases = append(s.aliases, name)
		klog.Debug("slub: cache merged", "name", name, "into", s.name)
		return s, nil
	}

	s := &Cache{
		sa:         sa,
		name:       name,
		flags:      flags,
		objectSize: size,
		align:      align,
		ctor:       ctor,
		refcount:   1,
	}
	if err := s.calculateSizes(); err != nil {
		return nil, err
	}
	if err := sa.initCPUSlots(s); err != nil {
		return nil, err
	}
	s.nodes = make([]*cacheNode, len(sa.mm.Nodes()))
	for i := range s.nodes {
		s.nodes[i] = &cacheNode{id: mm.NodeID(i)}
	}
	s.rng = rand.New(rand.NewPCG(sa.rng.Uint64(), sa.rng.Uint64()))
	s.random = sa.rng.Uint64()
	if sa.cfg.FreelistRandom && s.oo.objects > 1 {
		s.randomSeq = s.rng.Perm(s.oo.objects)
	}
	sa.caches = append(sa.caches, s)
	klog.Debug("slub: cache created", "name", name, "object_size", s.objectSize, "size", s.size,
		"align", s.align, "order", s.oo.order, "objects", s.oo.objects, "min_partial", s.minPartial)
	return s, nil
}

// initCPUSlots gives s a per-CPU control block, reusing one left behind
// by a destroyed cache when possible.
func (sa *Allocator) initCPUSlots(s *Cache) error {
	p := percpu.NilPtr
	if n := len(sa.spare); n > 0 {
		p, sa.spare = sa.spare[n-1], sa.spare[:n-1]
	} else {
		var err error
		if p, err = sa.pcpu.Alloc(cpuSlotSize, format.CacheLineSize); err != nil {
			return fmt.Errorf("slub: %s: cpu slots: %w", s.name, err)
		}
	}
	slots, err := sa.bindSlots(p)
	if err != nil {
		sa.spare = append(sa.spare, p)
		return err
	}
	s.cpuPtr, s.cpuSlots = p, slots
	return nil
}

// calculateSizes lays out an object and picks the slab geometry.
func (s *Cache) calculateSizes() error {
	size := format.AlignUp(s.objectSize, format.WordSize)
	s.inuse = size
	if s.ctor != nil {
		// Constructed objects must keep their contents while free.
		s.offset = size
		size += format.WordSize
	} else {
		s.offset = format.AlignDown(s.objectSize/2, format.WordSize)
	}
	s.align = calculateAlignment(s.flags, s.align, s.objectSize)
	s.size = format.AlignUp(size, s.align)

	order, err := s.sa.calculateOrder(s.size)
	if err != nil {
		return fmt.Errorf("%s: %w", s.name, err)
	}
	s.oo = makeOO(order, s.size)
	s.min = makeOO(format.GetOrder(s.size), s.size)
	s.max = s.oo
	if s.min.objects > s.max.objects {
		s.max = s.min
	}
	if s.oo.objects > MaxObjsPerSlab {
		return fmt.Errorf("%w: %s: %d objects per slab", ErrBadCache, s.name, s.oo.objects)
	}

	if order > 0 {
		s.allocGFP |= mm.GFPComp
	}
	if s.flags&SlabCacheDMA != 0 {
		s.allocGFP |= mm.GFPDMA
	}
	if s.flags&SlabReclaimAccount != 0 {
		s.allocGFP |= mm.GFPReclaimable
	}
	s.minPartial = min(MaxPartial, max(MinPartial, format.Ilog2(uint(s.size))/2))
	return nil
}

// calculateAlignment returns the object alignment: at least a word, and
// for SlabHWCacheAlign the cache line or the smallest power-of-two
// fraction of it the object still fills more than half of.
func calculateAlignment(flags Flags, align, size int) int {
	if flags&SlabHWCacheAlign != 0 {
		ralign := format.CacheLineSize
		for size <= ralign/2 {
			ralign /= 2
		}
		align = max(align, ralign)
	}
	align = max(align, format.WordSize)
	return format.AlignUp(align, format.WordSize)
}

// findMergeable returns a live cache that can serve objects of size bytes
// in place of a new one. Called with sa.mu held.
func (sa *Allocator) findMergeable(size, align int, flags Flags, ctor func([]byte)) *Cache {
	if !sa.cfg.Merge || ctor != nil || flags&SlabNoMerge != 0 {
		return nil
	}
	want := calculateAlignment(flags, align, size)
	for _, s := range sa.caches {
		switch {
		case s.ctor != nil || s.flags&SlabNoMerge != 0 || s.dead.Load():
		case s.flags&mergeSameFlags != flags&mergeSameFlags:
		case size > s.objectSize || s.objectSize-size >= format.WordSize:
		case s.size%want != 0:
		default:
			return s
		}
	}
	return nil
}

// Destroy drops a reference to s and, with the last one, tears it down.
// A cache that still has objects is left intact and ErrCacheBusy returned.
// The handle does not say which name the reference was created under, so
// alias names of a merged cache are kept; DestroyName releases one.
func (sa *Allocator) Destroy(self *smp.CPU, s *Cache) error {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	return sa.destroyLocked(self, s, "")
}

// DestroyName drops the reference created under name, which may be the
// alias of a merged cache.
func (sa *Allocator) DestroyName(self *smp.CPU, name string) error {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	s := sa.lookupLocked(name)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNoCache, name)
	}
	return sa.destroyLocked(self, s, name)
}

func (sa *Allocator) destroyLocked(self *smp.CPU, s *Cache, name string) error {
	if s.dead.Load() {
		return fmt.Errorf("%w: %s", ErrCacheDead, s.name)
	}
	if s.refcount > 1 {
		s.refcount--
		if i := slices.Index(s.aliases, name); i >= 0 {
			s.aliases = slices.Delete(s.aliases, i, i+1)
		}
		return nil
	}
	if s.kmalloc {
		return fmt.Errorf("%w: %s is a kmalloc cache", ErrBadCache, s.name)
	}
	if remaining := s.shutdown(self); remaining > 0 {
		sa.report(diag.Diagnostic{
			Severity: diag.SevWarning,
			Category: diag.CatContract,
			Cache:    s.name,
			Issue:    "cache destroyed with objects remaining",
			Actual:   remaining,
			Action:   diag.ActionRejected,
		})
		return fmt.Errorf("%w: %s: %d slabs", ErrCacheBusy, s.name, remaining)
	}
	s.dead.Store(true)
	s.refcount = 0
	sa.caches = slices.DeleteFunc(sa.caches, func(c *Cache) bool { return c == s })
	sa.spare = append(sa.spare, s.cpuPtr)
	klog.Debug("slub: cache destroyed", "name", s.name)
	return nil
}

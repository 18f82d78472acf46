package slub

import (
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/kmemkit/internal/format"
	"github.com/joshuapare/kmemkit/internal/physmem"
	"github.com/joshuapare/kmemkit/mm"
)

// ============================================================================
// Slab word
// ============================================================================

// counters is the slab word: the slab's freelist head together with its
// counts, updated as one unit so that a slab can move between the per-CPU
// fast path and the shared node lists without a lock.
//
//	bits  0-15  freelist head (object index + 1, 0 when empty)
//	bits 16-31  inuse
//	bits 32-47  objects
//	bit     48  frozen
type counters uint64

const (
	fieldBits  = 16
	fieldMask  = 1<<fieldBits - 1
	inuseShift = fieldBits
	objsShift  = 2 * fieldBits
	frozenBit  = 1 << (3 * fieldBits)
)

func makeCounters(freelist, inuse, objects int, frozen bool) counters {
	c := counters(freelist) | counters(inuse)<<inuseShift | counters(objects)<<objsShift
	if frozen {
		c |= frozenBit
	}
	return c
}

func (c counters) freelist() int { return int(c & fieldMask) }
func (c counters) inuse() int    { return int(c >> inuseShift & fieldMask) }
func (c counters) objects() int  { return int(c >> objsShift & fieldMask) }
func (c counters) frozen() bool  { return c&frozenBit != 0 }

func (c counters) withFreelist(idx int) counters { return c&^fieldMask | counters(idx) }
func (c counters) withInuse(n int) counters {
	return c&^(fieldMask<<inuseShift) | counters(n)<<inuseShift
}
func (c counters) withFrozen(f bool) counters {
	if f {
		return c | frozenBit
	}
	return c &^ frozenBit
}

func (c counters) String() string {
	return fmt.Sprintf("free=%d inuse=%d objects=%d frozen=%t", c.freelist(), c.inuse(), c.objects(), c.frozen())
}

// ============================================================================
// Slab
// ============================================================================

type listKind uint8

const (
	onNoList listKind = iota
	onPartial
	onFull
	quarantined
)

// slab is the bookkeeping of one slab page run, attached to its head page.
type slab struct {
	cache   *Cache
	pfn     mm.PFN
	order   int
	objects int
	node    mm.NodeID
	base    mm.VirtAddr

	word atomic.Uint64 // counters
	lock sync.Mutex    // guards word when double-word CAS is disabled

	// Node list linkage, guarded by the node's listLock.
	list       listKind
	prev, next *slab
}

func (sl *slab) load() counters { return counters(sl.word.Load()) }

func (sl *slab) String() string {
	return fmt.Sprintf("slab %v (%s) %v", sl.pfn, sl.cache.name, sl.load())
}

// objAddr returns the address of the object with freelist index idx.
func (sl *slab) objAddr(idx int) mm.VirtAddr {
	return sl.base + mm.VirtAddr((idx-1)*sl.cache.size)
}

// index returns the freelist index of the object at va, or 0 when va is
// not the start of one of the slab's objects.
func (sl *slab) index(va mm.VirtAddr) int {
	if va < sl.base {
		return 0
	}
	off := uint64(va - sl.base)
	size := uint64(sl.cache.size)
	if off%size != 0 || off/size >= uint64(sl.objects) {
		return 0
	}
	return int(off/size) + 1
}

// cmpxchg replaces the slab word old with new. Without double-word CAS the
// compare and store happen under the slab lock.
func (s *Cache) cmpxchg(sl *slab, old, new counters) bool {
	if !s.sa.cfg.NoDoubleCAS {
		if sl.word.CompareAndSwap(uint64(old), uint64(new)) {
			return true
		}
	} else {
		sl.lock.Lock()
		ok := sl.word.Load() == uint64(old)
		if ok {
			sl.word.Store(uint64(new))
		}
		sl.lock.Unlock()
		if ok {
			return true
		}
	}
	s.stat(nil, StatCmpxchgDoubleFail)
	return false
}

// ============================================================================
// Free pointers
// ============================================================================

// freePointer decodes the free pointer stored in obj.
func (s *Cache) freePointer(obj mm.VirtAddr) mm.VirtAddr {
	ptrAddr := obj + mm.VirtAddr(s.offset)
	v := s.sa.word(ptrAddr).Load()
	if s.sa.cfg.FreelistHardened {
		v ^= s.random ^ bits.ReverseBytes64(uint64(ptrAddr))
	}
	return mm.VirtAddr(v)
}

// setFreePointer stores next as obj's free pointer.
func (s *Cache) setFreePointer(obj, next mm.VirtAddr) {
	ptrAddr := obj + mm.VirtAddr(s.offset)
	v := uint64(next)
	if s.sa.cfg.FreelistHardened {
		v ^= s.random ^ bits.ReverseBytes64(uint64(ptrAddr))
	}
	s.sa.word(ptrAddr).Store(v)
}

// nextIndex decodes the free pointer of the object with index idx into a
// freelist index. ok is false when the pointer does not name an object of
// the same slab.
func (s *Cache) nextIndex(sl *slab, idx int) (next int, ok bool) {
	fp := s.freePointer(sl.objAddr(idx))
	if fp == 0 {
		return 0, true
	}
	next = sl.index(fp)
	return next, next != 0
}

// addrOf converts a freelist index into an address, 0 for an empty list.
func (sl *slab) addrOf(idx int) mm.VirtAddr {
	if idx == 0 {
		return 0
	}
	return sl.objAddr(idx)
}

// ============================================================================
// Node lists
// ============================================================================

// slabList is an intrusive doubly linked list of slabs.
type slabList struct {
	head, tail *slab
	n          int
}

func (l *slabList) pushHead(sl *slab) {
	sl.prev, sl.next = nil, l.head
	if l.head != nil {
		l.head.prev = sl
	} else {
		l.tail = sl
	}
	l.head = sl
	l.n++
}

func (l *slabList) pushTail(sl *slab) {
	sl.prev, sl.next = l.tail, nil
	if l.tail != nil {
		l.tail.next = sl
	} else {
		l.head = sl
	}
	l.tail = sl
	l.n++
}

func (l *slabList) remove(sl *slab) {
	if sl.prev != nil {
		sl.prev.next = sl.next
	} else {
		l.head = sl.next
	}
	if sl.next != nil {
		sl.next.prev = sl.prev
	} else {
		l.tail = sl.prev
	}
	sl.prev, sl.next = nil, nil
	l.n--
}

// cacheNode is a cache's per-node state.
type cacheNode struct {
	id       mm.NodeID
	listLock sync.Mutex
	partial  slabList
	full     slabList

	nrPartial    atomic.Int64 // written under listLock
	nrSlabs      atomic.Int64
	totalObjects atomic.Int64
}

func (n *cacheNode) addPartial(sl *slab, tail bool) {
	if tail {
		n.partial.pushTail(sl)
	} else {
		n.partial.pushHead(sl)
	}
	sl.list = onPartial
	n.nrPartial.Add(1)
}

func (n *cacheNode) removePartial(sl *slab) {
	if sl.list != onPartial {
		return
	}
	n.partial.remove(sl)
	sl.list = onNoList
	n.nrPartial.Add(-1)
}

func (n *cacheNode) addFull(sl *slab) {
	n.full.pushTail(sl)
	sl.list = onFull
}

func (n *cacheNode) removeFull(sl *slab) {
	if sl.list != onFull {
		return
	}
	n.full.remove(sl)
	sl.list = onNoList
}

// ============================================================================
// Arena access
// ============================================================================

// word returns the arena word at va.
func (sa *Allocator) word(va mm.VirtAddr) *atomic.Uint64 {
	off := sa.region.Offset(physmem.VirtToPhys(va))
	return format.Word(sa.mem[off : off+format.WordSize])
}

// slabAt resolves a cpu slot page word (pfn + 1) to its slab.
func (sa *Allocator) slabAt(w uint64) *slab {
	if w == 0 {
		return nil
	}
	p := sa.mm.Page(mm.PFN(w - 1))
	if p == nil {
		return nil
	}
	sl, _ := p.Slab().(*slab)
	return sl
}

// slabOf returns the slab holding the object at va.
func (sa *Allocator) slabOf(va mm.VirtAddr) *slab {
	v, ok := sa.mm.SlabOf(va)
	if !ok {
		return nil
	}
	sl, _ := v.(*slab)
	return sl
}

package mm

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// freeList is an intrusive doubly linked list of page heads, threaded
// through Page.prev/next.
type freeList struct {
	head, tail PFN
	n          int
}

func (l *freeList) init() { l.head, l.tail, l.n = NoPFN, NoPFN, 0 }

func (l *freeList) empty() bool { return l.head == NoPFN }

// freeArea holds the free blocks of one order.
type freeArea struct {
	lists  [NumMigrateTypes]freeList
	nrFree int
}

// watermark indexes Zone.wmark.
type watermark int

const (
	wmarkMin watermark = iota
	wmarkLow
	wmarkHigh
	numWmarks
)

// Zone is a range of frames on one node with its own buddy free lists,
// pageblock types and per-CPU page caches.
type Zone struct {
	a    *Allocator
	node NodeID
	typ  ZoneType
	name string

	startPFN     PFN // first frame of the span
	spanned      int // frames in the span, holes included
	present      int // frames backed by memory
	managed      atomic.Int64
	freePages    atomic.Int64
	wmark        [numWmarks]int64
	pageblockMTs []atomic.Uint32 // MigrateType per pageblock; written under lock

	// lock protects freeArea, page links of Buddy pages and pageblockMTs.
	lock     sync.Mutex
	freeArea []freeArea

	// pcp is indexed by CPU id and guarded by that CPU's interrupt lock.
	pcp []perCPUPages

	stats zoneStats
}

type zoneStats struct {
	allocs        atomic.Int64 // successful allocations served by this zone
	frees         atomic.Int64 // blocks returned to the buddy lists
	fallbacks     atomic.Int64 // blocks borrowed from another migrate type
	claimed       atomic.Int64 // pageblocks whose type was converted by fallback
	pcpRefills    atomic.Int64
	pcpDrained    atomic.Int64 // pages flushed from pcp lists to the buddy lists
	watermarkFail atomic.Int64
	quarantined   atomic.Int64 // pages removed from circulation
}

// Node returns the zone's node.
func (z *Zone) Node() NodeID { return z.node }

// Type returns the zone type.
func (z *Zone) Type() ZoneType { return z.typ }

// Name returns the zone name ("DMA", "Normal", "Movable").
func (z *Zone) Name() string { return z.name }

// StartPFN returns the first frame of the zone span.
func (z *Zone) StartPFN() PFN { return z.startPFN }

// EndPFN returns the frame past the zone span.
func (z *Zone) EndPFN() PFN { return z.startPFN + PFN(z.spanned) }

// Managed returns the number of frames handed to the buddy allocator.
func (z *Zone) Managed() int { return int(z.managed.Load()) }

// FreePages returns the number of frames on the buddy free lists.
func (z *Zone) FreePages() int { return int(z.freePages.Load()) }

func (z *Zone) populated() bool { return z.present > 0 }

func (z *Zone) contains(pfn PFN) bool {
	return pfn >= z.startPFN && pfn < z.EndPFN()
}

func (z *Zone) String() string {
	return fmt.Sprintf("node%d/%s", z.node, z.name)
}

func (z *Zone) pageblockIndex(pfn PFN) int {
	shift := uint(z.a.pageblockOrder)
	return int(pfn>>shift) - int(z.startPFN>>shift)
}

func (z *Zone) pageblockMT(pfn PFN) MigrateType {
	return MigrateType(z.pageblockMTs[z.pageblockIndex(pfn)].Load())
}

// setPageblockMT retypes the pageblock containing pfn. Caller holds z.lock.
func (z *Zone) setPageblockMT(pfn PFN, mt MigrateType) {
	z.pageblockMTs[z.pageblockIndex(pfn)].Store(uint32(mt))
}

// pageblockStart returns the first frame of the pageblock containing pfn.
func (z *Zone) pageblockStart(pfn PFN) PFN {
	return pfn &^ (PFN(1)<<z.a.pageblockOrder - 1)
}

// addToFreeList links the Buddy head p into the order/mt list. Caller holds z.lock.
func (z *Zone) addToFreeList(p *Page, order int, mt MigrateType, tail bool) {
	area := &z.freeArea[order]
	p.mt = mt
	p.order = uint8(order)
	z.a.listAdd(&area.lists[mt], p, tail)
	area.nrFree++
}

// delFromFreeList unlinks the Buddy head p. Caller holds z.lock.
func (z *Zone) delFromFreeList(p *Page, order int) {
	area := &z.freeArea[order]
	z.a.listDel(&area.lists[p.mt], p)
	area.nrFree--
}

// moveToFreeList moves the Buddy head p to the head of the mt list. Caller holds z.lock.
func (z *Zone) moveToFreeList(p *Page, order int, mt MigrateType) {
	z.delFromFreeList(p, order)
	z.addToFreeList(p, order, mt, false)
}

// listAdd links p at the head (or tail) of l.
func (a *Allocator) listAdd(l *freeList, p *Page, tail bool) {
	switch {
	case l.empty():
		p.prev, p.next = NoPFN, NoPFN
		l.head, l.tail = p.pfn, p.pfn
	case tail:
		a.page(l.tail).next = p.pfn
		p.prev, p.next = l.tail, NoPFN
		l.tail = p.pfn
	default:
		a.page(l.head).prev = p.pfn
		p.prev, p.next = NoPFN, l.head
		l.head = p.pfn
	}
	l.n++
}

// listDel unlinks p from l.
func (a *Allocator) listDel(l *freeList, p *Page) {
	if p.prev == NoPFN {
		l.head = p.next
	} else {
		a.page(p.prev).next = p.next
	}
	if p.next == NoPFN {
		l.tail = p.prev
	} else {
		a.page(p.next).prev = p.prev
	}
	p.prev, p.next = NoPFN, NoPFN
	l.n--
}

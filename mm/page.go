package mm

import (
	"fmt"
	"sync/atomic"
)

// PageState is the role a page frame currently plays. Every frame is in
// exactly one state and only the transitions listed in pageTransitions are
// legal; an illegal transition is an allocator bug and panics.
type PageState uint32

const (
	// StateReserved frames belong to nobody the allocator manages: holes,
	// memblock reservations, the per-CPU area.
	StateReserved PageState = iota
	// StateNone frames are the interior of a larger block: a free buddy
	// block or a non-compound high-order allocation. Only the head carries
	// the block's state.
	StateNone
	// StateBuddy is the head of a free block on a zone free list.
	StateBuddy
	// StatePCP is an order-0 page cached on a per-CPU list.
	StatePCP
	// StateAllocated is the head of a page or non-compound block handed out.
	StateAllocated
	// StateCompoundHead is the head of a compound allocation.
	StateCompoundHead
	// StateCompoundTail is a non-head page of a compound allocation.
	StateCompoundTail
	// StateSlab is the head of a page (or compound) owned by a slab cache.
	StateSlab
	// StateQuarantined frames failed a consistency check and are never reused.
	StateQuarantined

	numPageStates
)

var pageStateNames = [numPageStates]string{
	StateReserved:     "reserved",
	StateNone:         "none",
	StateBuddy:        "buddy",
	StatePCP:          "pcp",
	StateAllocated:    "allocated",
	StateCompoundHead: "compound-head",
	StateCompoundTail: "compound-tail",
	StateSlab:         "slab",
	StateQuarantined:  "quarantined",
}

func (s PageState) String() string {
	if s < numPageStates {
		return pageStateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

// pageTransitions[from] is the set of states reachable from from.
var pageTransitions = [numPageStates]uint32{
	StateReserved: bit(StateNone),
	StateNone: bit(StateBuddy) | bit(StateAllocated) | bit(StateCompoundHead) |
		bit(StateCompoundTail) | bit(StatePCP),
	StateBuddy: bit(StateNone),
	StatePCP:   bit(StateNone),
	StateAllocated: bit(StateNone) | bit(StateSlab) | bit(StateQuarantined),
	StateCompoundHead: bit(StateNone) | bit(StateSlab) | bit(StateQuarantined),
	StateCompoundTail: bit(StateNone) | bit(StateQuarantined),
	StateSlab:         bit(StateAllocated) | bit(StateCompoundHead),
	StateQuarantined:  0,
}

func bit(s PageState) uint32 { return 1 << s }

// Page is the descriptor of one physical page frame.
type Page struct {
	pfn  PFN
	zone *Zone // nil for frames outside every zone

	state    atomic.Uint32
	refcount atomic.Int32

	// order is the block order of a Buddy head, or the compound order of a
	// CompoundHead/Slab head.
	order uint8
	// mt is the free-list class of a Buddy or PCP page.
	mt MigrateType

	// prev and next link the page into a zone free list or a pcp list.
	prev, next PFN

	// head is the head frame of a CompoundTail page.
	head PFN

	// mapping is the owner address space of an allocated page. A page must
	// be unmapped (zero) when freed.
	mapping atomic.Uint64

	// slab is the slab cache bookkeeping for a Slab head.
	slab atomic.Pointer[any]
}

// PFN returns the frame number.
func (p *Page) PFN() PFN { return p.pfn }

// State returns the current state.
func (p *Page) State() PageState { return PageState(p.state.Load()) }

// Zone returns the zone the frame belongs to, or nil.
func (p *Page) Zone() *Zone { return p.zone }

// Node returns the node of the frame's zone, or NumaNoNode.
func (p *Page) Node() NodeID {
	if p.zone == nil {
		return NumaNoNode
	}
	return p.zone.node
}

// Order returns the block or compound order recorded on a head page.
func (p *Page) Order() int { return int(p.order) }

// Refcount returns the reference count.
func (p *Page) Refcount() int { return int(p.refcount.Load()) }

// MigrateType returns the free-list class of a free page.
func (p *Page) MigrateType() MigrateType { return p.mt }

// CompoundHead returns the head frame of a compound tail, or the page itself.
func (p *Page) CompoundHead() PFN {
	if p.State() == StateCompoundTail {
		return p.head
	}
	return p.pfn
}

// Mapping returns the recorded owner address space.
func (p *Page) Mapping() uint64 { return p.mapping.Load() }

// SetMapping records an owner address space. Freeing a mapped page is a
// bad-page condition.
func (p *Page) SetMapping(m uint64) { p.mapping.Store(m) }

// Slab returns the slab bookkeeping attached with SetSlab, or nil.
func (p *Page) Slab() any {
	if v := p.slab.Load(); v != nil {
		return *v
	}
	return nil
}

func (p *Page) String() string {
	return fmt.Sprintf("%v state=%v order=%d ref=%d", p.pfn, p.State(), p.order, p.Refcount())
}

// setState moves p to state to, panicking on an illegal transition.
func (p *Page) setState(to PageState) {
	from := p.State()
	if pageTransitions[from]&bit(to) == 0 {
		panic(fmt.Sprintf("mm: illegal page transition %v: %v -> %v", p.pfn, from, to))
	}
	p.state.Store(uint32(to))
}

// claimState moves p from from to to only if p is currently in from.
func (p *Page) claimState(from, to PageState) bool {
	if pageTransitions[from]&bit(to) == 0 {
		panic(fmt.Sprintf("mm: illegal page transition %v: %v -> %v", p.pfn, from, to))
	}
	return p.state.CompareAndSwap(uint32(from), uint32(to))
}

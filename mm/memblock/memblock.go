// Package memblock is the boot-time physical memory map and reserve
// allocator. It records which physical ranges exist (per node) and which are
// reserved, serves a handful of early allocations top-down, and is retired
// once the page allocator has taken over every free range.
//
// Freeing is not supported: reservations made here are permanent, and the
// ranges never reserved are handed to the buddy allocator in one pass.
package memblock

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/joshuapare/kmemkit/internal/format"
	"github.com/joshuapare/kmemkit/internal/klog"
	"github.com/joshuapare/kmemkit/internal/physmem"
	"github.com/joshuapare/kmemkit/mm/smp"
)

var (
	// ErrRetired indicates use of memblock after the page allocator took over.
	ErrRetired = errors.New("memblock: retired")

	// ErrOverlap indicates a memory range overlapping an existing one.
	ErrOverlap = errors.New("memblock: overlapping memory range")

	// ErrOutOfRange indicates a reservation outside known memory.
	ErrOutOfRange = errors.New("memblock: range outside memory")

	// ErrNoSpace indicates no free range can satisfy an allocation.
	ErrNoSpace = errors.New("memblock: no free range large enough")

	// ErrBadRange indicates an empty or inverted range.
	ErrBadRange = errors.New("memblock: invalid range")
)

// Range is a physical range [Start, End) on a node.
type Range struct {
	Start physmem.PhysAddr
	End   physmem.PhysAddr
	Node  smp.NodeID
}

// Size returns the range length in bytes.
func (r Range) Size() uint64 { return uint64(r.End - r.Start) }

// Pages returns the number of whole pages in the range.
func (r Range) Pages() int { return int(r.Size() >> format.PageShift) }

func (r Range) String() string {
	return fmt.Sprintf("[%#012x-%#012x] node%d", uint64(r.Start), uint64(r.End)-1, r.Node)
}

// Memblock holds the boot memory map.
type Memblock struct {
	mu       sync.Mutex
	memory   []Range // sorted, non-overlapping
	reserved []Range // sorted, merged; Node is meaningless here
	retired  bool
}

// New returns an empty memory map.
func New() *Memblock {
	return &Memblock{}
}

// AddMemory registers [start, end) as present memory on node. The range is
// shrunk inwards to page boundaries.
func (m *Memblock) AddMemory(node smp.NodeID, start, end physmem.PhysAddr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retired {
		return ErrRetired
	}
	start = physmem.PhysAddr(format.AlignUp64(uint64(start), format.PageSize))
	end = physmem.PhysAddr(format.AlignDown64(uint64(end), format.PageSize))
	if end <= start {
		return fmt.Errorf("%w: [%#x, %#x)", ErrBadRange, uint64(start), uint64(end))
	}
	for _, r := range m.memory {
		if start < r.End && r.Start < end {
			return fmt.Errorf("%w: %v", ErrOverlap, r)
		}
	}
	m.memory = append(m.memory, Range{Start: start, End: end, Node: node})
	sort.Slice(m.memory, func(i, j int) bool { return m.memory[i].Start < m.memory[j].Start })
	klog.Debug("memblock: add memory", "range", Range{Start: start, End: end, Node: node}.String())
	return nil
}

// Reserve marks [start, end) as reserved and returns the page-aligned range
// actually reserved. This is the one-shot reserve_memory contract: it is
// only valid before Retire.
func (m *Memblock) Reserve(start, end physmem.PhysAddr) (Range, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retired {
		return Range{}, ErrRetired
	}
	if end <= start {
		return Range{}, fmt.Errorf("%w: [%#x, %#x)", ErrBadRange, uint64(start), uint64(end))
	}
	r := Range{
		Start: physmem.PhysAddr(format.AlignDown64(uint64(start), format.PageSize)),
		End:   physmem.PhysAddr(format.AlignUp64(uint64(end), format.PageSize)),
	}
	if !m.coveredLocked(r) {
		return Range{}, fmt.Errorf("%w: %v", ErrOutOfRange, r)
	}
	r.Node = m.nodeOfLocked(r.Start)
	m.reserveLocked(r)
	return r, nil
}

// Alloc reserves size bytes aligned to align, searching from the top of
// memory downwards, and returns the start address.
func (m *Memblock) Alloc(size, align int) (physmem.PhysAddr, error) {
	return m.alloc(size, align, -1)
}

// AllocNode is Alloc restricted to memory on node.
func (m *Memblock) AllocNode(node smp.NodeID, size, align int) (physmem.PhysAddr, error) {
	return m.alloc(size, align, node)
}

func (m *Memblock) alloc(size, align int, node smp.NodeID) (physmem.PhysAddr, error) {
	if size <= 0 {
		return 0, fmt.Errorf("%w: size %d", ErrBadRange, size)
	}
	if align < format.PageSize {
		align = format.PageSize
	}
	if err := format.CheckPowerOfTwo(align); err != nil {
		return 0, fmt.Errorf("memblock: align %d: %w", align, err)
	}
	size = format.AlignUp(size, format.PageSize)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retired {
		return 0, ErrRetired
	}
	free := m.freeRangesLocked()
	for i := len(free) - 1; i >= 0; i-- {
		f := free[i]
		if node >= 0 && f.Node != node {
			continue
		}
		if f.Size() < uint64(size) {
			continue
		}
		start := format.AlignDown64(uint64(f.End)-uint64(size), uint64(align))
		if start < uint64(f.Start) {
			continue
		}
		r := Range{Start: physmem.PhysAddr(start), End: physmem.PhysAddr(start + uint64(size)), Node: f.Node}
		m.reserveLocked(r)
		klog.Debug("memblock: alloc", "range", r.String())
		return r.Start, nil
	}
	return 0, fmt.Errorf("%w: %d bytes", ErrNoSpace, size)
}

// ForEachFree calls fn for every memory range not reserved, in address order.
func (m *Memblock) ForEachFree(fn func(Range)) error {
	m.mu.Lock()
	if m.retired {
		m.mu.Unlock()
		return ErrRetired
	}
	free := m.freeRangesLocked()
	m.mu.Unlock()
	for _, r := range free {
		fn(r)
	}
	return nil
}

// Memory returns a copy of the registered memory ranges.
func (m *Memblock) Memory() []Range {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Range(nil), m.memory...)
}

// Reserved returns a copy of the reserved ranges.
func (m *Memblock) Reserved() []Range {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Range(nil), m.reserved...)
}

// ReservedPages returns the number of reserved pages.
func (m *Memblock) ReservedPages() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.reserved {
		n += r.Pages()
	}
	return n
}

// Retire ends the boot phase. Every later call fails with ErrRetired.
func (m *Memblock) Retire() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retired = true
}

func (m *Memblock) coveredLocked(r Range) bool {
	cur := r.Start
	for _, mem := range m.memory {
		if mem.End <= cur {
			continue
		}
		if mem.Start > cur {
			return false
		}
		cur = mem.End
		if cur >= r.End {
			return true
		}
	}
	return cur >= r.End
}

func (m *Memblock) nodeOfLocked(pa physmem.PhysAddr) smp.NodeID {
	for _, mem := range m.memory {
		if pa >= mem.Start && pa < mem.End {
			return mem.Node
		}
	}
	return 0
}

// reserveLocked inserts r into the reserved list, merging overlapping and
// adjacent ranges.
func (m *Memblock) reserveLocked(r Range) {
	out := make([]Range, 0, len(m.reserved)+1)
	for _, res := range m.reserved {
		if res.End < r.Start || r.End < res.Start {
			out = append(out, res)
			continue
		}
		r.Start = min(r.Start, res.Start)
		r.End = max(r.End, res.End)
	}
	out = append(out, r)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	m.reserved = out
}

// freeRangesLocked returns memory minus reserved, split at node boundaries.
func (m *Memblock) freeRangesLocked() []Range {
	var free []Range
	for _, mem := range m.memory {
		cur := mem.Start
		for _, res := range m.reserved {
			if res.End <= cur || res.Start >= mem.End {
				continue
			}
			if res.Start > cur {
				free = append(free, Range{Start: cur, End: res.Start, Node: mem.Node})
			}
			cur = max(cur, res.End)
		}
		if cur < mem.End {
			free = append(free, Range{Start: cur, End: mem.End, Node: mem.Node})
		}
	}
	return free
}

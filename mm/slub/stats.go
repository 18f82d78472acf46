package slub

import (
	"github.com/joshuapare/kmemkit/internal/format"
	"github.com/joshuapare/kmemkit/mm/smp"
)

// Stat names a per-CPU slab event counter.
type Stat int

const (
	StatAllocFastpath       Stat = iota // allocation from the cpu freelist
	StatAllocSlowpath                   // allocation through the slow path
	StatFreeFastpath                    // free to the cpu freelist
	StatFreeSlowpath                    // free to a slab's own freelist
	StatFreeFrozen                      // slow free to a frozen slab
	StatFreeAddPartial                  // free moved a full slab to the partial list
	StatFreeRemovePartial               // free emptied a partial slab
	StatAllocFromPartial                // cpu slab taken from a partial list
	StatAllocSlab                       // cpu slab freshly allocated
	StatAllocRefill                     // cpu freelist refilled from its slab
	StatAllocNodeMismatch               // cpu slab dropped for another node
	StatFreeSlab                        // slab returned to the page allocator
	StatCPUSlabFlush                    // cpu slab flushed
	StatDeactivateFull                  // deactivated slab was full
	StatDeactivateEmpty                 // deactivated slab was empty
	StatDeactivateToHead                // deactivated slab added to list head
	StatDeactivateToTail                // deactivated slab added to list tail
	StatDeactivateRemoteFrees           // deactivated slab had remote frees
	StatDeactivateBypass                // cpu slab dropped as full
	StatOrderFallback                   // slab allocated at the minimum order
	StatCmpxchgDoubleFail               // slab word update retried
	NumStats
)

var statNames = [NumStats]string{
	"alloc_fastpath", "alloc_slowpath", "free_fastpath", "free_slowpath",
	"free_frozen", "free_add_partial", "free_remove_partial", "alloc_from_partial",
	"alloc_slab", "alloc_refill", "alloc_node_mismatch", "free_slab",
	"cpuslab_flush", "deactivate_full", "deactivate_empty", "deactivate_to_head",
	"deactivate_to_tail", "deactivate_remote_frees", "deactivate_bypass",
	"order_fallback", "cmpxchg_double_fail",
}

func (st Stat) String() string {
	if st < 0 || st >= NumStats {
		return "unknown"
	}
	return statNames[st]
}

// stat counts an event on cpu. Events outside any CPU are counted on CPU 0.
func (s *Cache) stat(cpu *smp.CPU, st Stat) {
	id := smp.CPUID(0)
	if cpu != nil {
		id = cpu.ID()
	}
	format.Word(s.cpuSlots[id].stats[int(st)*format.WordSize:]).Add(1)
}

// Stats holds a cache's event counters summed over all CPUs.
type Stats [NumStats]int64

// Stats returns the cache's event counters.
func (s *Cache) Stats() Stats {
	var out Stats
	for _, c := range s.cpuSlots {
		for st := range NumStats {
			out[st] += int64(format.LoadWord(c.stats, int(st)*format.WordSize))
		}
	}
	return out
}

// Info describes a cache's geometry and occupancy.
type Info struct {
	Name        string
	Aliases     []string
	Flags       Flags
	ObjectSize  int
	Size        int
	Align       int
	Offset      int
	Order       int
	ObjsPerSlab int
	MinPartial  int
	Refcount    int

	Slabs         int
	PartialSlabs  int
	FullSlabs     int // tracked full slabs only
	CPUSlabs      int
	Objects       int
	ActiveObjects int
}

// Info returns the cache's geometry and occupancy. Objects on per-CPU
// slabs count as active.
func (s *Cache) Info() Info {
	s.sa.mu.Lock()
	info := Info{
		Name:        s.name,
		Aliases:     append([]string(nil), s.aliases...),
		Flags:       s.flags,
		ObjectSize:  s.objectSize,
		Size:        s.size,
		Align:       s.align,
		Offset:      s.offset,
		Order:       s.oo.order,
		ObjsPerSlab: s.oo.objects,
		MinPartial:  s.minPartial,
		Refcount:    s.refcount,
	}
	s.sa.mu.Unlock()

	free := 0
	for _, n := range s.nodes {
		info.Slabs += int(n.nrSlabs.Load())
		info.Objects += int(n.totalObjects.Load())
		n.listLock.Lock()
		info.PartialSlabs += n.partial.n
		info.FullSlabs += n.full.n
		for sl := n.partial.head; sl != nil; sl = sl.next {
			c := sl.load()
			free += c.objects() - c.inuse()
		}
		n.listLock.Unlock()
	}
	for i := range s.cpuSlots {
		if s.cpuSlots[i].page.Load() != 0 {
			info.CPUSlabs++
		}
	}
	info.ActiveObjects = info.Objects - free
	return info
}

package slub

import (
	"fmt"
	"sync/atomic"

	"github.com/joshuapare/kmemkit/internal/format"
	"github.com/joshuapare/kmemkit/mm/percpu"
	"github.com/joshuapare/kmemkit/mm/smp"
)

// A cache's per-CPU control block lives in per-CPU memory:
//
//	word 0      freelist|tid  (see packCPU)
//	word 1      current slab head pfn + 1, 0 when the CPU has no slab
//	word 2...   event counters, one per Stat
const (
	cpuFreeWord  = 0
	cpuPageWord  = 1
	cpuStatsWord = 2
	cpuSlotSize  = (cpuStatsWord + int(NumStats)) * format.WordSize
)

// The freelist|tid word packs the index of the first free object of the
// CPU's slab with a transaction id that changes on every update. A fast
// path CAS on this word fails whenever anything else touched the slot in
// between, including a switch to another slab.
const (
	tidShift = fieldBits
	tidMask  = 1<<(64-tidShift) - 1
)

func packCPU(idx int, tid uint64) uint64 { return tid<<tidShift | uint64(idx) }

func unpackCPU(w uint64) (idx int, tid uint64) {
	return int(w & fieldMask), w >> tidShift & tidMask
}

// cpuSlot is one CPU's view of a cache's control block.
type cpuSlot struct {
	free  *atomic.Uint64
	page  *atomic.Uint64
	stats []byte
}

// bindSlots resolves every CPU's copy of the control block at p and
// resets it. Transaction ids start at the CPU id and advance by tidStep so
// that no two CPUs ever share one.
func (sa *Allocator) bindSlots(p percpu.Ptr) ([]cpuSlot, error) {
	slots := make([]cpuSlot, sa.cpus.Len())
	for _, c := range sa.cpus.All() {
		b, err := sa.pcpu.Bytes(p, c.ID(), cpuSlotSize)
		if err != nil {
			return nil, fmt.Errorf("slub: cpu slot for %v: %w", c, err)
		}
		clear(b)
		slots[c.ID()] = cpuSlot{
			free:  format.Word(b[cpuFreeWord*format.WordSize:]),
			page:  format.Word(b[cpuPageWord*format.WordSize:]),
			stats: b[cpuStatsWord*format.WordSize:],
		}
		slots[c.ID()].free.Store(packCPU(0, uint64(c.ID())))
	}
	return slots, nil
}

func (s *Cache) slot(cpu *smp.CPU) *cpuSlot { return &s.cpuSlots[cpu.ID()] }

// takeFreelist empties the CPU freelist and returns what it held.
func (s *Cache) takeFreelist(c *cpuSlot) int {
	for {
		w := c.free.Load()
		idx, tid := unpackCPU(w)
		if c.free.CompareAndSwap(w, packCPU(0, tid+s.sa.tidStep)) {
			return idx
		}
	}
}

// install makes sl the CPU's slab with freelist idx. The transaction id is
// advanced before the slab changes so that a fast path that read the old
// slot cannot commit against the new slab.
func (s *Cache) install(c *cpuSlot, sl *slab, idx int) {
	_, tid := unpackCPU(c.free.Load())
	c.free.Store(packCPU(0, tid+s.sa.tidStep))
	c.page.Store(uint64(sl.pfn) + 1)
	c.free.Store(packCPU(idx, tid+2*s.sa.tidStep))
}

// detach drops the CPU's slab and returns it with the freelist it held.
// The slab is cleared before the freelist is taken: a remote detach can
// race with the owner's lock-free paths, and a fast path that still saw
// the slab fails its CAS once the tid moves.
func (s *Cache) detach(c *cpuSlot) (*slab, int) {
	sl := s.sa.slabAt(c.page.Swap(0))
	idx := s.takeFreelist(c)
	return sl, idx
}

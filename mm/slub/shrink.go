package slub

import (
	"cmp"
	"slices"

	"github.com/joshuapare/kmemkit/mm/smp"
)

// Shrink flushes every CPU slab, releases all empty slabs on the partial
// lists and reorders the rest fullest first, so that allocations drain
// nearly full slabs before sparse ones. It returns the number of slabs
// released.
func (s *Cache) Shrink(self *smp.CPU) int {
	s.flushAll(self)

	type ranked struct {
		sl   *slab
		free int
	}
	released := 0
	for _, n := range s.nodes {
		var discard []*slab
		var keep []ranked

		n.listLock.Lock()
		for sl := n.partial.head; sl != nil; sl = sl.next {
			c := sl.load()
			if c.inuse() == 0 {
				discard = append(discard, sl)
				continue
			}
			keep = append(keep, ranked{sl, c.objects() - c.inuse()})
		}
		for _, sl := range discard {
			n.removePartial(sl)
		}
		slices.SortStableFunc(keep, func(a, b ranked) int { return cmp.Compare(a.free, b.free) })
		for _, r := range keep {
			n.partial.remove(r.sl)
			n.partial.pushTail(r.sl)
		}
		n.listLock.Unlock()

		for _, sl := range discard {
			s.discardSlab(self, sl)
		}
		released += len(discard)
	}
	return released
}

// shutdown releases everything it can and returns the number of slabs
// still holding objects.
func (s *Cache) shutdown(self *smp.CPU) int {
	s.Shrink(self)
	remaining := 0
	for _, n := range s.nodes {
		remaining += int(n.nrSlabs.Load())
	}
	return remaining
}

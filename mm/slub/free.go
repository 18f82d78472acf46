package slub

import (
	"fmt"

	"github.com/joshuapare/kmemkit/internal/diag"
	"github.com/joshuapare/kmemkit/mm"
	"github.com/joshuapare/kmemkit/mm/smp"
)

// Free returns obj to s. cpu may be nil for callers outside any CPU; their
// frees always take the slow path. Freeing 0 does nothing.
func (s *Cache) Free(cpu *smp.CPU, obj mm.VirtAddr) error {
	if obj == 0 {
		return nil
	}
	sl, err := s.checkObject(obj)
	if err != nil {
		return err
	}
	return s.slabFree(cpu, sl, obj, obj, 1)
}

// checkObject resolves obj to its slab and checks that it is an object of s.
func (s *Cache) checkObject(obj mm.VirtAddr) (*slab, error) {
	sl := s.sa.slabOf(obj)
	switch {
	case sl == nil:
		s.sa.reportObject(s, diag.SevWarning, obj, "free of address outside any slab", diag.ActionRejected)
		return nil, fmt.Errorf("%w: %#x", ErrNotSlab, uint64(obj))
	case sl.cache != s:
		s.sa.reportObject(s, diag.SevWarning, obj, "free to wrong cache, object belongs to "+sl.cache.name, diag.ActionRejected)
		return nil, fmt.Errorf("%w: %#x is in %s, not %s", ErrWrongCache, uint64(obj), sl.cache.name, s.name)
	case sl.index(obj) == 0:
		s.sa.reportObject(s, diag.SevWarning, obj, "free of pointer into the middle of an object", diag.ActionRejected)
		return nil, fmt.Errorf("%w: %#x", ErrBadObject, uint64(obj))
	}
	return sl, nil
}

func (s *Cache) doubleFree(sl *slab, obj mm.VirtAddr) error {
	s.sa.reportObject(s, diag.SevError, obj, "double free", diag.ActionRejected)
	return fmt.Errorf("%w: %#x in %v", ErrDoubleFree, uint64(obj), sl.pfn)
}

// slabFree frees the cnt objects chained from head to tail, all from sl.
// When sl is the CPU's slab the chain is pushed onto the CPU freelist with
// one CAS; otherwise it goes to the slab itself.
func (s *Cache) slabFree(cpu *smp.CPU, sl *slab, head, tail mm.VirtAddr, cnt int) error {
	if cpu != nil {
		c := s.slot(cpu)
		want := uint64(sl.pfn) + 1
		for {
			w := c.free.Load()
			idx, tid := unpackCPU(w)
			if c.page.Load() != want {
				break
			}
			cur := sl.addrOf(idx)
			if cur == head {
				return s.doubleFree(sl, head)
			}
			s.setFreePointer(tail, cur)
			if c.free.CompareAndSwap(w, packCPU(sl.index(head), tid+s.sa.tidStep)) {
				s.stat(cpu, StatFreeFastpath)
				return nil
			}
		}
	}
	return s.slabFreeSlow(cpu, sl, head, tail, cnt)
}

// slabFreeSlow pushes the chain onto the slab's own freelist. A slab that
// was full moves to the partial list; one that becomes empty is released
// once the node keeps min_partial partial slabs.
func (s *Cache) slabFreeSlow(cpu *smp.CPU, sl *slab, head, tail mm.VirtAddr, cnt int) error {
	s.stat(cpu, StatFreeSlowpath)
	var (
		n        *cacheNode
		old, new counters
	)
	for {
		if n != nil {
			n.listLock.Unlock()
			n = nil
		}
		old = sl.load()
		prior := sl.addrOf(old.freelist())
		if prior == head {
			return s.doubleFree(sl, head)
		}
		if old.inuse() < cnt {
			s.sa.reportObject(s, diag.SevError, head, "free of more objects than in use", diag.ActionRejected)
			return fmt.Errorf("%w: %v inuse %d, freeing %d", ErrCorrupt, sl.pfn, old.inuse(), cnt)
		}
		s.setFreePointer(tail, prior)
		new = old.withFreelist(sl.index(head)).withInuse(old.inuse() - cnt)
		if (new.inuse() == 0 || prior == 0) && !old.frozen() {
			n = s.node(sl.node)
			n.listLock.Lock()
		}
		if s.cmpxchg(sl, old, new) {
			break
		}
	}

	if n == nil {
		// Frozen slabs belong to a CPU, which sees the free when it next
		// refills or deactivates.
		if old.frozen() {
			s.stat(cpu, StatFreeFrozen)
		}
		return nil
	}

	if new.inuse() == 0 && n.nrPartial.Load() >= int64(s.minPartial) {
		if old.freelist() != 0 {
			n.removePartial(sl)
			s.stat(cpu, StatFreeRemovePartial)
		} else {
			n.removeFull(sl)
		}
		n.listLock.Unlock()
		s.discardSlab(cpu, sl)
		return nil
	}
	if old.freelist() == 0 {
		n.removeFull(sl)
		n.addPartial(sl, true)
		s.stat(cpu, StatFreeAddPartial)
	}
	n.listLock.Unlock()
	return nil
}

// discardSlab returns an empty slab that is on no list to the page
// allocator. self is the CPU whose context the caller runs in, or nil.
func (s *Cache) discardSlab(self *smp.CPU, sl *slab) {
	n := s.node(sl.node)
	n.nrSlabs.Add(-1)
	n.totalObjects.Add(-int64(sl.objects))
	s.stat(self, StatFreeSlab)
	if err := s.sa.mm.ClearSlab(sl.pfn); err != nil {
		s.sa.report(diag.Diagnostic{
			Severity: diag.SevError, Category: diag.CatSlab, PFN: uint64(sl.pfn),
			Cache: s.name, Issue: "slab page lost its slab state", Action: diag.ActionLeaked,
		})
		return
	}
	// The page allocator reports and quarantines a bad page itself.
	_ = s.sa.mm.FreePages(self, sl.pfn, sl.order)
}

// Deactivation targets.
type listTarget uint8

const (
	targetNone listTarget = iota
	targetPartial
	targetFull
	targetFree
)

// deactivateSlab hands a CPU's slab and its CPU freelist back to the node.
// self is the CPU whose context the caller runs in, or nil.
func (s *Cache) deactivateSlab(self *smp.CPU, sl *slab, freelist int) {
	if sl == nil {
		return
	}
	n := s.node(sl.node)
	tail := false
	if sl.load().freelist() != 0 {
		// Remote frees arrived while the slab was frozen; it is less hot.
		s.stat(self, StatDeactivateRemoteFrees)
		tail = true
	}

	// Stage one: move every CPU freelist object but the last to the slab
	// freelist. The slab stays frozen, so only frees race with this.
	for freelist != 0 {
		next, ok := s.nextIndex(sl, freelist)
		if !ok {
			s.sa.reportObject(s, diag.SevError, sl.objAddr(freelist), "corrupt free pointer on deactivation", diag.ActionLeaked)
			next = 0
		}
		if next == 0 {
			break
		}
		for {
			old := sl.load()
			s.setFreePointer(sl.objAddr(freelist), sl.addrOf(old.freelist()))
			if s.cmpxchg(sl, old, old.withFreelist(freelist).withInuse(old.inuse()-1)) {
				break
			}
		}
		freelist = next
	}

	// Stage two: put back the last object and unfreeze with one update,
	// moving the slab to the list its state calls for. The list is
	// changed before the update and corrected if the update has to be
	// retried with a different outcome.
	var (
		locked bool
		onList = targetNone
		target listTarget
	)
	for {
		old := sl.load()
		new := old
		if freelist != 0 {
			s.setFreePointer(sl.objAddr(freelist), sl.addrOf(old.freelist()))
			new = new.withFreelist(freelist).withInuse(old.inuse() - 1)
		}
		new = new.withFrozen(false)

		switch {
		case new.inuse() == 0 && n.nrPartial.Load() >= int64(s.minPartial):
			target = targetFree
		case new.freelist() != 0:
			target = targetPartial
		default:
			target = targetFull
		}
		if !locked && (target == targetPartial || target == targetFull && s.sa.cfg.TrackFullSlabs) {
			n.listLock.Lock()
			locked = true
		}
		if onList != target {
			switch onList {
			case targetPartial:
				n.removePartial(sl)
			case targetFull:
				n.removeFull(sl)
			}
			switch target {
			case targetPartial:
				n.addPartial(sl, tail)
				if tail {
					s.stat(self, StatDeactivateToTail)
				} else {
					s.stat(self, StatDeactivateToHead)
				}
			case targetFull:
				if s.sa.cfg.TrackFullSlabs {
					n.addFull(sl)
				}
				s.stat(self, StatDeactivateFull)
			}
			onList = target
		}
		if s.cmpxchg(sl, old, new) {
			break
		}
	}
	if locked {
		n.listLock.Unlock()
	}
	if target == targetFree {
		s.stat(self, StatDeactivateEmpty)
		s.discardSlab(self, sl)
	}
}

// flushCPU deactivates target's slab. self is the CPU whose context the
// caller runs in, or nil when acting on a remote CPU.
func (s *Cache) flushCPU(self, target *smp.CPU) {
	c := s.slot(target)
	if c.page.Load() == 0 {
		return
	}
	sl, idx := s.detach(c)
	s.stat(target, StatCPUSlabFlush)
	s.deactivateSlab(self, sl, idx)
}

// flushAll deactivates the slab of every CPU that has one, reaching other
// CPUs through their interrupt path.
func (s *Cache) flushAll(self *smp.CPU) {
	for _, c := range s.sa.cpus.All() {
		if s.slot(c).page.Load() == 0 {
			continue
		}
		smp.RunOn(self, c, func() {
			if c == self {
				s.flushCPU(self, c)
			} else {
				s.flushCPU(nil, c)
			}
		})
	}
}

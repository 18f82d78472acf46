package slub

import (
	"errors"
	"fmt"

	"github.com/joshuapare/kmemkit/internal/diag"
	"github.com/joshuapare/kmemkit/mm"
	"github.com/joshuapare/kmemkit/mm/smp"
)

// Validate flushes the CPU slabs of s and checks every slab on its node
// lists: the page is a slab page of s, the freelist stays inside the slab
// without cycles, and inuse equals objects minus the free objects. Slabs
// failing a check are quarantined. The cache should be quiescent.
func (s *Cache) Validate(self *smp.CPU) error {
	s.flushAll(self)
	var errs []error
	for _, n := range s.nodes {
		n.listLock.Lock()
		var bad []*slab
		count := 0
		for sl := n.partial.head; sl != nil; sl = sl.next {
			count++
			if err := s.validateSlab(sl, onPartial); err != nil {
				errs = append(errs, err)
				bad = append(bad, sl)
			}
		}
		if want := int(n.nrPartial.Load()); count != want || n.partial.n != want {
			errs = append(errs, fmt.Errorf("%w: node %d: %d partial slabs listed, %d counted",
				ErrCorrupt, n.id, count, want))
		}
		for sl := n.full.head; sl != nil; sl = sl.next {
			if err := s.validateSlab(sl, onFull); err != nil {
				errs = append(errs, err)
				bad = append(bad, sl)
			}
		}
		if s.sa.cfg.TrackFullSlabs && len(bad) == 0 {
			if listed, want := n.partial.n+n.full.n, int(n.nrSlabs.Load()); listed != want {
				errs = append(errs, fmt.Errorf("%w: node %d: %d slabs listed, %d allocated",
					ErrCorrupt, n.id, listed, want))
			}
		}
		for _, sl := range bad {
			s.quarantineSlab(n, sl)
		}
		n.listLock.Unlock()
	}
	return errors.Join(errs...)
}

// validateSlab checks one listed slab. Called with the node's listLock held.
func (s *Cache) validateSlab(sl *slab, list listKind) error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s: %v: %s", ErrCorrupt, s.name, sl.pfn, fmt.Sprintf(format, args...))
	}
	p := s.sa.mm.Page(sl.pfn)
	if p == nil || p.State() != mm.StateSlab || p.Slab() != any(sl) {
		return bad("page is not this slab's head")
	}
	if sl.list != list {
		return bad("on list %d, marked %d", list, sl.list)
	}
	c := sl.load()
	if c.frozen() {
		return bad("frozen slab on a node list")
	}
	if c.objects() != sl.objects {
		return bad("objects %d, slab holds %d", c.objects(), sl.objects)
	}

	seen := make([]bool, sl.objects+1)
	free := 0
	for idx := c.freelist(); idx != 0; {
		if idx > sl.objects {
			return bad("freelist index %d out of range", idx)
		}
		if seen[idx] {
			return bad("freelist cycle at object %d", idx)
		}
		seen[idx] = true
		free++
		next, ok := s.nextIndex(sl, idx)
		if !ok {
			return bad("free pointer of object %d leaves the slab", idx)
		}
		idx = next
	}
	if c.inuse() != sl.objects-free {
		return bad("inuse %d, %d objects with %d free", c.inuse(), sl.objects, free)
	}
	switch {
	case list == onPartial && free == 0:
		return bad("full slab on partial list")
	case list == onFull && free != 0:
		return bad("slab with %d free objects on full list", free)
	}
	return nil
}

// quarantineSlab takes a corrupt slab out of circulation for good. It is
// frozen without an owner, so frees to it never touch the node lists and
// it is never allocated from or released. Called with n.listLock held.
func (s *Cache) quarantineSlab(n *cacheNode, sl *slab) {
	for {
		old := sl.load()
		if s.cmpxchg(sl, old, old.withFrozen(true)) {
			break
		}
	}
	n.removePartial(sl)
	n.removeFull(sl)
	sl.list = quarantined
	s.sa.report(diag.Diagnostic{
		Severity: diag.SevError,
		Category: diag.CatSlab,
		PFN:      uint64(sl.pfn),
		Addr:     uint64(sl.base),
		Cache:    s.name,
		Issue:    "corrupt slab",
		Action:   diag.ActionQuarantine,
	})
}

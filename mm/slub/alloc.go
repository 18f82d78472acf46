package slub

import (
	"fmt"
	"slices"

	"github.com/joshuapare/kmemkit/internal/diag"
	"github.com/joshuapare/kmemkit/internal/klog"
	"github.com/joshuapare/kmemkit/mm"
	"github.com/joshuapare/kmemkit/mm/smp"
)

// Alloc returns an object from s, preferring cpu's node.
func (s *Cache) Alloc(cpu *smp.CPU, gfp mm.GFP) (mm.VirtAddr, error) {
	return s.AllocNode(cpu, gfp, mm.NumaNoNode)
}

// AllocNode returns an object from a slab on node, or from any node for
// mm.NumaNoNode. GFPZero clears the object.
func (s *Cache) AllocNode(cpu *smp.CPU, gfp mm.GFP, node mm.NodeID) (mm.VirtAddr, error) {
	if cpu == nil {
		return 0, ErrNoCPU
	}
	if s.dead.Load() {
		return 0, fmt.Errorf("%w: %s", ErrCacheDead, s.name)
	}
	if node != mm.NumaNoNode && s.node(node) == nil {
		return 0, fmt.Errorf("%w: %d", mm.ErrBadNode, node)
	}
	obj, err := s.slabAlloc(cpu, gfp, node)
	if err != nil {
		return 0, err
	}
	if gfp&mm.GFPZero != 0 {
		b, err := s.sa.Bytes(obj, s.objectSize)
		if err != nil {
			return 0, err
		}
		clear(b)
	}
	return obj, nil
}

func nodeMatch(sl *slab, node mm.NodeID) bool {
	return node == mm.NumaNoNode || sl.node == node
}

// slabAlloc is the lock-free fast path: pop the first object of the CPU
// freelist with a CAS on the freelist|tid word.
func (s *Cache) slabAlloc(cpu *smp.CPU, gfp mm.GFP, node mm.NodeID) (mm.VirtAddr, error) {
	c := s.slot(cpu)
	for {
		// The tid must be read before the slab: a slab switch always
		// advances it first.
		w := c.free.Load()
		idx, tid := unpackCPU(w)
		sl := s.sa.slabAt(c.page.Load())
		if idx == 0 || sl == nil || !nodeMatch(sl, node) {
			return s.slabAllocSlow(cpu, gfp, node)
		}
		if sl.cache != s || idx > sl.objects {
			continue // slot changed under us
		}
		next, ok := s.nextIndex(sl, idx)
		if !ok {
			if c.free.Load() != w {
				continue
			}
			s.corruptFreelist(c, sl, idx, w)
			continue
		}
		if c.free.CompareAndSwap(w, packCPU(next, tid+s.sa.tidStep)) {
			s.stat(cpu, StatAllocFastpath)
			return sl.objAddr(idx), nil
		}
	}
}

// corruptFreelist handles a free pointer that names no object of the slab.
// The CPU freelist is cut before the broken object; the objects behind it
// stay counted as in use so the slab never returns to the page allocator.
func (s *Cache) corruptFreelist(c *cpuSlot, sl *slab, idx int, w uint64) {
	_, tid := unpackCPU(w)
	if !c.free.CompareAndSwap(w, packCPU(0, tid+s.sa.tidStep)) {
		return
	}
	s.sa.reportObject(s, diag.SevError, sl.objAddr(idx), "corrupt free pointer on cpu freelist", diag.ActionLeaked)
}

// slabAllocSlow refills the CPU slot from its own slab, a partial slab or
// a new slab. It runs with cpu's interrupts disabled.
func (s *Cache) slabAllocSlow(cpu *smp.CPU, gfp mm.GFP, node mm.NodeID) (mm.VirtAddr, error) {
	flags := cpu.LocalIRQSave()
	defer cpu.LocalIRQRestore(flags)
	s.stat(cpu, StatAllocSlowpath)
	c := s.slot(cpu)

	if sl := s.sa.slabAt(c.page.Load()); sl != nil {
		if !nodeMatch(sl, node) {
			s.stat(cpu, StatAllocNodeMismatch)
			sl, idx := s.detach(c)
			s.deactivateSlab(cpu, sl, idx)
		} else {
			// Frees may have refilled the CPU freelist since the fast path
			// gave up.
			idx := s.takeFreelist(c)
			if idx == 0 {
				idx = s.getFreelist(sl)
			}
			if idx != 0 {
				s.stat(cpu, StatAllocRefill)
				return s.loadFreelist(c, sl, idx)
			}
			s.stat(cpu, StatDeactivateBypass)
			s.detach(c)
		}
	}

	sl, idx, err := s.newSlabObjects(cpu, gfp, node)
	if err != nil {
		return 0, err
	}
	return s.loadFreelist(c, sl, idx)
}

// loadFreelist hands out object idx of the CPU's slab sl and keeps the
// rest of the chain as the CPU freelist.
func (s *Cache) loadFreelist(c *cpuSlot, sl *slab, idx int) (mm.VirtAddr, error) {
	next, ok := s.nextIndex(sl, idx)
	if !ok {
		s.sa.reportObject(s, diag.SevError, sl.objAddr(idx), "corrupt free pointer in slab freelist", diag.ActionLeaked)
		next = 0
	}
	s.install(c, sl, next)
	return sl.objAddr(idx), nil
}

// getFreelist takes the whole freelist of the CPU's frozen slab. A slab
// found empty is unfrozen on the spot; it is full and on no list.
func (s *Cache) getFreelist(sl *slab) int {
	var n *cacheNode
	if s.sa.cfg.TrackFullSlabs {
		n = s.node(sl.node)
		n.listLock.Lock()
		defer n.listLock.Unlock()
	}
	for {
		old := sl.load()
		free := old.freelist()
		new := old.withFreelist(0).withInuse(old.objects()).withFrozen(free != 0)
		if s.cmpxchg(sl, old, new) {
			if free == 0 && n != nil {
				n.addFull(sl)
			}
			return free
		}
	}
}

// newSlabObjects installs a partial or new slab and returns its freelist.
func (s *Cache) newSlabObjects(cpu *smp.CPU, gfp mm.GFP, node mm.NodeID) (*slab, int, error) {
	if sl, idx := s.getPartial(cpu, gfp, node); sl != nil {
		s.stat(cpu, StatAllocFromPartial)
		return sl, idx, nil
	}
	sl, err := s.newSlab(cpu, gfp, node)
	if err != nil {
		return nil, 0, err
	}
	s.stat(cpu, StatAllocSlab)
	idx := sl.load().freelist()
	sl.word.Store(uint64(makeCounters(0, sl.objects, sl.objects, true)))
	return sl, idx, nil
}

// getPartial takes a slab from the partial list of node (cpu's node for
// NumaNoNode) and, for NumaNoNode requests, from the nearest other nodes
// that hold more than min_partial slabs.
func (s *Cache) getPartial(cpu *smp.CPU, gfp mm.GFP, node mm.NodeID) (*slab, int) {
	search := node
	if search == mm.NumaNoNode {
		search = cpu.Node()
	}
	if sl, idx := s.getPartialNode(s.node(search)); sl != nil || node != mm.NumaNoNode {
		return sl, idx
	}
	if gfp&mm.GFPThisNode != 0 {
		return nil, 0
	}
	for _, id := range s.sa.nodesByDistance(search) {
		n := s.node(id)
		if n.nrPartial.Load() <= int64(s.minPartial) {
			continue
		}
		if sl, idx := s.getPartialNode(n); sl != nil {
			return sl, idx
		}
	}
	return nil, 0
}

func (s *Cache) getPartialNode(n *cacheNode) (*slab, int) {
	if n == nil || n.nrPartial.Load() == 0 {
		return nil, 0
	}
	n.listLock.Lock()
	defer n.listLock.Unlock()
	for sl := n.partial.head; sl != nil; sl = sl.next {
		if idx, ok := s.acquireSlab(n, sl); ok {
			return sl, idx
		}
	}
	return nil, 0
}

// acquireSlab freezes a partial slab for a CPU and takes its freelist.
// Called with n.listLock held.
func (s *Cache) acquireSlab(n *cacheNode, sl *slab) (int, bool) {
	for {
		old := sl.load()
		if old.frozen() {
			return 0, false
		}
		new := old.withFreelist(0).withInuse(old.objects()).withFrozen(true)
		if s.cmpxchg(sl, old, new) {
			n.removePartial(sl)
			return old.freelist(), true
		}
	}
}

// nodesByDistance returns the nodes other than from, nearest first.
func (sa *Allocator) nodesByDistance(from mm.NodeID) []mm.NodeID {
	var out []mm.NodeID
	if n := sa.mm.Node(from); n != nil {
		for _, z := range n.Zonelist() {
			if id := z.Node(); id != from && !slices.Contains(out, id) {
				out = append(out, id)
			}
		}
	}
	return out
}

// newSlab allocates and formats a slab. The result is frozen with every
// object in use except those on its freelist, which holds all of them.
func (s *Cache) newSlab(cpu *smp.CPU, gfp mm.GFP, node mm.NodeID) (*slab, error) {
	const callerMask = mm.GFPHigh | mm.GFPAtomic | mm.GFPThisNode
	base := gfp&callerMask | s.allocGFP

	oo := s.oo
	pfn, err := s.sa.mm.AllocPagesNode(cpu, node, base|mm.GFPNoWarn, oo.order)
	if err != nil && s.min.order < oo.order {
		oo = s.min
		pfn, err = s.sa.mm.AllocPagesNode(cpu, node, base&^mm.GFPComp|compFor(oo.order)|gfp&mm.GFPNoWarn, oo.order)
		if err == nil {
			s.stat(cpu, StatOrderFallback)
		}
	}
	if err != nil {
		if gfp&mm.GFPNoWarn == 0 {
			klog.Warn("slub: unable to allocate slab", "cache", s.name, "order", s.oo.order, "node", node)
		}
		return nil, fmt.Errorf("slub: %s: %w", s.name, err)
	}

	p := s.sa.mm.Page(pfn)
	sl := &slab{
		cache:   s,
		pfn:     pfn,
		order:   oo.order,
		objects: oo.objects,
		node:    p.Node(),
		base:    pfn.Virt(),
	}
	if err := s.sa.mm.SetSlab(pfn, sl); err != nil {
		_ = s.sa.mm.FreePages(cpu, pfn, oo.order)
		return nil, fmt.Errorf("slub: %s: %w", s.name, err)
	}

	// The pages go back if object setup fails or a constructor panics.
	built := false
	defer func() {
		if !built {
			s.discardUnbuilt(cpu, sl)
		}
	}()
	if s.ctor != nil {
		for i := 1; i <= sl.objects; i++ {
			b, err := s.sa.Bytes(sl.objAddr(i), s.objectSize)
			if err != nil {
				return nil, fmt.Errorf("slub: %s: %w", s.name, err)
			}
			s.ctor(b)
		}
	}
	first := s.buildFreelist(sl)
	sl.word.Store(uint64(makeCounters(first, sl.objects, sl.objects, true)))

	n := s.node(sl.node)
	n.nrSlabs.Add(1)
	n.totalObjects.Add(int64(sl.objects))
	built = true
	return sl, nil
}

// discardUnbuilt returns the pages of a slab that never reached a list.
func (s *Cache) discardUnbuilt(cpu *smp.CPU, sl *slab) {
	if err := s.sa.mm.ClearSlab(sl.pfn); err != nil {
		klog.Warn("slub: discarding slab", "cache", s.name, "pfn", sl.pfn, "err", err)
		return
	}
	if err := s.sa.mm.FreePages(cpu, sl.pfn, sl.order); err != nil {
		klog.Warn("slub: discarding slab", "cache", s.name, "pfn", sl.pfn, "err", err)
	}
}

func compFor(order int) mm.GFP {
	if order > 0 {
		return mm.GFPComp
	}
	return 0
}

// buildFreelist links every object of a new slab, in address order or in
// the cache's shuffled order, and returns the index of the first.
func (s *Cache) buildFreelist(sl *slab) int {
	order := s.freelistOrder(sl)
	for i, idx := range order {
		next := mm.VirtAddr(0)
		if i+1 < len(order) {
			next = sl.objAddr(order[i+1])
		}
		s.setFreePointer(sl.objAddr(idx), next)
	}
	return order[0]
}

// freelistOrder returns the object indexes of sl in freelist order. With
// a random sequence the walk starts at a random position and skips the
// entries a smaller fallback slab does not have.
func (s *Cache) freelistOrder(sl *slab) []int {
	order := make([]int, 0, sl.objects)
	if s.randomSeq == nil || sl.objects < 2 {
		for i := 1; i <= sl.objects; i++ {
			order = append(order, i)
		}
		return order
	}
	s.rngMu.Lock()
	pos := s.rng.IntN(len(s.randomSeq))
	s.rngMu.Unlock()
	for range s.randomSeq {
		if obj := s.randomSeq[pos]; obj < sl.objects {
			order = append(order, obj+1)
		}
		pos = (pos + 1) % len(s.randomSeq)
	}
	return order
}

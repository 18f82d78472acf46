package mm

import (
	"fmt"

	"github.com/joshuapare/kmemkit/internal/diag"
	"github.com/joshuapare/kmemkit/internal/format"
	"github.com/joshuapare/kmemkit/internal/klog"
	"github.com/joshuapare/kmemkit/mm/smp"
)

// AllocPages allocates 2^order contiguous frames, starting the zone search
// on cpu's node. cpu may be nil for callers outside any CPU; their order-0
// requests bypass the per-CPU lists.
func (a *Allocator) AllocPages(cpu *smp.CPU, gfp GFP, order int) (PFN, error) {
	nid := NodeID(0)
	if cpu != nil {
		nid = cpu.Node()
	}
	return a.AllocPagesNode(cpu, nid, gfp, order)
}

// AllocPagesNode is AllocPages starting on node nid. NumaNoNode means the
// caller's node.
func (a *Allocator) AllocPagesNode(cpu *smp.CPU, nid NodeID, gfp GFP, order int) (PFN, error) {
	if order < 0 || order >= a.maxOrder {
		if gfp&GFPNoWarn == 0 {
			klog.Warn("mm: allocation order out of range", "order", order, "max", a.maxOrder-1)
		}
		return NoPFN, fmt.Errorf("%w: order %d (max %d)", ErrOrderRange, order, a.maxOrder-1)
	}
	highest, err := gfpZone(gfp)
	if err != nil {
		return NoPFN, err
	}
	if nid == NumaNoNode {
		nid = 0
		if cpu != nil {
			nid = cpu.Node()
		}
	}
	n := a.Node(nid)
	if n == nil {
		return NoPFN, fmt.Errorf("%w: %d", ErrBadNode, nid)
	}
	zonelist := n.zonelist
	if gfp&GFPThisNode != 0 {
		zonelist = n.zonelistThisNode
	}
	mt := gfpMigrateType(gfp)

	pfn := a.getPageFromFreelist(cpu, order, allocWmarkLow, zonelist, highest, mt)
	if pfn == NoPFN {
		pfn = a.getPageFromFreelist(cpu, order, gfpToAllocFlags(gfp), zonelist, highest, mt)
	}
	if pfn == NoPFN {
		if gfp&GFPNoWarn == 0 {
			klog.Warn("mm: page allocation failure", "order", order, "gfp", gfp.String(), "node", nid)
		}
		return NoPFN, fmt.Errorf("%w: order %d %v", ErrNoMemory, order, gfp)
	}
	if err := a.prepNewPage(pfn, order, gfp); err != nil {
		return NoPFN, err
	}
	return pfn, nil
}

// getPageFromFreelist walks zonelist for the first eligible zone above its
// watermark that can provide the block.
func (a *Allocator) getPageFromFreelist(cpu *smp.CPU, order int, flags allocFlags, zonelist []*Zone, highest ZoneType, mt MigrateType) PFN {
	for _, z := range zonelist {
		if z.typ > highest {
			continue
		}
		if !z.watermarkOK(order, z.wmark[flags&allocWmarkMask], flags) {
			z.stats.watermarkFail.Add(1)
			continue
		}
		if pfn := a.rmqueue(cpu, z, order, mt); pfn != NoPFN {
			z.stats.allocs.Add(1)
			return pfn
		}
	}
	return NoPFN
}

// watermarkOK reports whether z would keep more than mark free pages after
// handing out 2^order of them, with the reserve discounts flags allow.
func (z *Zone) watermarkOK(order int, mark int64, flags allocFlags) bool {
	limit := mark
	if flags&allocHigh != 0 {
		limit -= limit / 2
	}
	if flags&allocHarder != 0 {
		limit -= limit / 4
	}
	free := z.freePages.Load() - (int64(1)<<order - 1)
	return free > limit
}

func (a *Allocator) rmqueue(cpu *smp.CPU, z *Zone, order int, mt MigrateType) PFN {
	if order == 0 && cpu != nil {
		return a.rmqueuePCP(cpu, z, mt)
	}
	z.lock.Lock()
	defer z.lock.Unlock()
	return a.rmqueueLocked(z, order, mt)
}

// prepNewPage turns the StateNone head at pfn into an allocation.
func (a *Allocator) prepNewPage(pfn PFN, order int, gfp GFP) error {
	p := a.page(pfn)
	p.refcount.Store(1)
	p.mapping.Store(0)
	p.order = uint8(order)
	if gfp&GFPComp != 0 && order > 0 {
		for i := PFN(1); i < PFN(1)<<order; i++ {
			t := a.page(pfn + i)
			t.head = pfn
			t.setState(StateCompoundTail)
		}
		p.setState(StateCompoundHead)
	} else {
		p.setState(StateAllocated)
	}
	if gfp&GFPZero != 0 {
		if err := a.region.Zero(pfn.Phys(), format.PageSize<<order); err != nil {
			return fmt.Errorf("mm: zero %v: %w", pfn, err)
		}
	}
	return nil
}

// FreePages drops a reference to the allocation headed by pfn and returns
// the 2^order frames to the allocator when it was the last one. Frees of
// pages that are not allocated are refused; allocations that fail their
// consistency checks are quarantined.
func (a *Allocator) FreePages(cpu *smp.CPU, pfn PFN, order int) error {
	p := a.page(pfn)
	if p == nil || p.zone == nil {
		a.report(diag.Diagnostic{
			Severity: diag.SevWarning, Category: diag.CatContract, PFN: uint64(pfn),
			Issue: "free of unmanaged page frame", Action: diag.ActionRejected,
		})
		return fmt.Errorf("%w: %v", ErrBadPFN, pfn)
	}
	if order < 0 || order >= a.maxOrder {
		return fmt.Errorf("%w: order %d (max %d)", ErrOrderRange, order, a.maxOrder-1)
	}
	switch st := p.State(); st {
	case StateAllocated, StateCompoundHead:
	default:
		a.report(diag.Diagnostic{
			Severity: diag.SevWarning, Category: diag.CatContract, PFN: uint64(pfn),
			Issue: "free of page that is not allocated", Expected: StateAllocated.String(),
			Actual: st.String(), Action: diag.ActionRejected,
		})
		return fmt.Errorf("%w: %v is %v", ErrNotAllocated, pfn, st)
	}

	switch ref := p.refcount.Add(-1); {
	case ref > 0:
		return nil
	case ref < 0:
		p.refcount.Add(1)
		a.report(diag.Diagnostic{
			Severity: diag.SevError, Category: diag.CatPage, PFN: uint64(pfn),
			Issue: "page refcount underflow", Expected: 1, Actual: 0, Action: diag.ActionRejected,
		})
		return fmt.Errorf("%w: %v refcount underflow", ErrBadPage, pfn)
	}

	if err := a.freePagesPrepare(p, order); err != nil {
		return err
	}
	a.freeBlock(cpu, p, order)
	return nil
}

// freePagesPrepare checks an allocation whose last reference is gone and
// moves its pages to StateNone. A page failing the checks is quarantined.
func (a *Allocator) freePagesPrepare(p *Page, order int) error {
	compound := p.State() == StateCompoundHead
	var issue string
	var expected, actual any
	switch {
	case p.Mapping() != 0:
		issue, expected, actual = "freeing mapped page", uint64(0), p.Mapping()
	case int(p.order) != order:
		issue, expected, actual = "free order differs from allocation order", int(p.order), order
	case compound:
		for i := PFN(1); i < PFN(1)<<order; i++ {
			if t := a.page(p.pfn + i); t.State() != StateCompoundTail || t.head != p.pfn {
				issue, expected, actual = "corrupt compound tail", p.pfn.String(), t.String()
				break
			}
		}
	}
	if issue != "" {
		a.quarantine(p, issue, expected, actual)
		return fmt.Errorf("%w: %v: %s", ErrBadPage, p.pfn, issue)
	}

	if compound {
		for i := PFN(1); i < PFN(1)<<order; i++ {
			t := a.page(p.pfn + i)
			t.head = NoPFN
			t.setState(StateNone)
		}
	}
	p.setState(StateNone)
	return nil
}

func (a *Allocator) freeBlock(cpu *smp.CPU, p *Page, order int) {
	z := p.zone
	if order == 0 {
		a.freeUnrefPage(cpu, z, p)
		return
	}
	z.lock.Lock()
	a.freeOneBlock(z, p.pfn, order, z.pageblockMT(p.pfn))
	z.lock.Unlock()
}

// quarantine removes the allocation headed by p from circulation for good.
func (a *Allocator) quarantine(p *Page, issue string, expected, actual any) {
	n := 1 << p.order
	p.setState(StateQuarantined)
	p.zone.stats.quarantined.Add(int64(n))
	a.report(diag.Diagnostic{
		Severity: diag.SevError, Category: diag.CatPage, PFN: uint64(p.pfn),
		Addr: uint64(p.pfn.Virt()), Issue: issue, Expected: expected, Actual: actual,
		Action: diag.ActionQuarantine,
	})
}

// GetPage takes an extra reference on the allocation headed by pfn.
func (a *Allocator) GetPage(pfn PFN) error {
	p := a.page(pfn)
	if p == nil {
		return fmt.Errorf("%w: %v", ErrBadPFN, pfn)
	}
	switch st := p.State(); st {
	case StateAllocated, StateCompoundHead, StateSlab:
		p.refcount.Add(1)
		return nil
	default:
		return fmt.Errorf("%w: %v is %v", ErrNotAllocated, pfn, st)
	}
}

// GetFreePages is AllocPages returning the direct-map address.
func (a *Allocator) GetFreePages(cpu *smp.CPU, gfp GFP, order int) (VirtAddr, error) {
	pfn, err := a.AllocPages(cpu, gfp, order)
	if err != nil {
		return 0, err
	}
	return pfn.Virt(), nil
}

// GetZeroedPage returns one zeroed page.
func (a *Allocator) GetZeroedPage(cpu *smp.CPU, gfp GFP) (VirtAddr, error) {
	return a.GetFreePages(cpu, gfp|GFPZero, 0)
}

// FreePagesAddr frees the allocation at direct-map address va.
func (a *Allocator) FreePagesAddr(cpu *smp.CPU, va VirtAddr, order int) error {
	if va == 0 {
		return nil
	}
	if err := format.CheckPageAligned(uint64(va)); err != nil {
		return fmt.Errorf("%w: %#x: %w", ErrBadPFN, uint64(va), err)
	}
	return a.FreePages(cpu, VirtToPFN(va), order)
}

// CompoundHead returns the head frame of the allocation containing pfn.
func (a *Allocator) CompoundHead(pfn PFN) PFN {
	p := a.page(pfn)
	if p == nil {
		return NoPFN
	}
	return p.CompoundHead()
}

// SetSlab hands the allocation headed by pfn to a slab cache, attaching its
// bookkeeping s.
func (a *Allocator) SetSlab(pfn PFN, s any) error {
	p := a.page(pfn)
	if p == nil {
		return fmt.Errorf("%w: %v", ErrBadPFN, pfn)
	}
	switch st := p.State(); st {
	case StateAllocated, StateCompoundHead:
	default:
		return fmt.Errorf("%w: %v is %v", ErrNotAllocated, pfn, st)
	}
	p.slab.Store(&s)
	p.setState(StateSlab)
	return nil
}

// ClearSlab takes the slab page at pfn back from its cache so that it can
// be freed with FreePages.
func (a *Allocator) ClearSlab(pfn PFN) error {
	p := a.page(pfn)
	if p == nil || p.State() != StateSlab {
		return fmt.Errorf("%w: %v is not a slab page", ErrNotAllocated, pfn)
	}
	to := StateAllocated
	if p.order > 0 {
		if t := a.page(pfn + 1); t != nil && t.State() == StateCompoundTail && t.head == pfn {
			to = StateCompoundHead
		}
	}
	p.slab.Store(nil)
	p.setState(to)
	return nil
}

// SlabOf returns the slab bookkeeping of the slab page containing va.
func (a *Allocator) SlabOf(va VirtAddr) (any, bool) {
	p := a.page(VirtToPFN(va))
	if p == nil {
		return nil, false
	}
	if p.State() == StateCompoundTail {
		p = a.page(p.head)
	}
	if p.State() != StateSlab {
		return nil, false
	}
	s := p.Slab()
	return s, s != nil
}

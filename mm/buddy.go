package mm

// The buddy core. A free block of order n starts at a frame aligned to 2^n;
// its buddy is the block at pfn ^ 2^n. All functions here run with the zone
// lock held.

// isBuddy reports whether the frame at pfn heads a free block of exactly
// order in zone z that may merge with its buddy.
func (a *Allocator) isBuddy(z *Zone, pfn PFN, order int) bool {
	p := a.page(pfn)
	return p != nil && p.zone == z && p.State() == StateBuddy && int(p.order) == order
}

// freeOneBlock returns the block [pfn, pfn+2^order) to z, merging with free
// buddies as far as possible. The head page must be in StateNone.
func (a *Allocator) freeOneBlock(z *Zone, pfn PFN, order int, mt MigrateType) {
	z.freePages.Add(int64(1) << order)
	z.stats.frees.Add(1)

	for order < a.maxOrder-1 {
		buddyPFN := pfn ^ PFN(1)<<order
		if !a.isBuddy(z, buddyPFN, order) {
			break
		}
		buddy := a.page(buddyPFN)
		// An isolated pageblock keeps its free pages to itself.
		if (buddy.mt == MigrateIsolate) != (mt == MigrateIsolate) {
			break
		}
		z.delFromFreeList(buddy, order)
		buddy.setState(StateNone)
		pfn &= buddyPFN
		order++
	}

	head := a.page(pfn)
	head.setState(StateBuddy)

	// If the block one order up is also free, this block is likely to merge
	// soon; queue it at the tail so it is allocated last.
	tail := false
	if order < a.maxOrder-2 {
		combined := pfn &^ (PFN(1) << order)
		higherBuddy := combined ^ PFN(1)<<(order+1)
		tail = a.isBuddy(z, higherBuddy, order+1)
	}
	z.addToFreeList(head, order, mt, tail)
}

// expand splits the block of order high at pfn down to order low, putting
// the upper halves back on the mt lists. The caller keeps [pfn, pfn+2^low).
func (a *Allocator) expand(z *Zone, pfn PFN, low, high int, mt MigrateType) {
	for high > low {
		high--
		half := a.page(pfn + PFN(1)<<high)
		half.setState(StateBuddy)
		z.addToFreeList(half, high, mt, false)
	}
}

// rmqueueSmallest takes the smallest free block of at least order from the
// mt lists and splits it. Returns the head in StateNone, or NoPFN.
func (a *Allocator) rmqueueSmallest(z *Zone, order int, mt MigrateType) PFN {
	for cur := order; cur < a.maxOrder; cur++ {
		l := &z.freeArea[cur].lists[mt]
		if l.empty() {
			continue
		}
		p := a.page(l.head)
		z.delFromFreeList(p, cur)
		p.setState(StateNone)
		a.expand(z, p.pfn, order, cur, mt)
		z.freePages.Add(-(int64(1) << order))
		return p.pfn
	}
	return NoPFN
}

// rmqueueLocked allocates a block of order for mt, borrowing from another
// migrate type when mt has nothing.
func (a *Allocator) rmqueueLocked(z *Zone, order int, mt MigrateType) PFN {
	pfn := a.rmqueueSmallest(z, order, mt)
	if pfn == NoPFN && a.stealFallback(z, order, mt) {
		pfn = a.rmqueueSmallest(z, order, mt)
	}
	return pfn
}

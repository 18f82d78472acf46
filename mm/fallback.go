package mm

import "github.com/joshuapare/kmemkit/internal/klog"

// findFallback returns the first fallback type of start with a free block at
// order, and whether the caller may try to claim that block's whole pageblock.
func (a *Allocator) findFallback(z *Zone, order int, start MigrateType) (MigrateType, bool, bool) {
	area := &z.freeArea[order]
	if area.nrFree == 0 {
		return 0, false, false
	}
	for _, fb := range fallbacks[start] {
		if area.lists[fb].empty() {
			continue
		}
		canSteal := order >= a.pageblockOrder/2 ||
			start == MigrateReclaimable || start == MigrateUnmovable
		return fb, canSteal, true
	}
	return 0, false, false
}

// stealFallback moves a block from a fallback migrate type onto the start
// lists so that rmqueueSmallest can find it. The largest block is taken so
// that foreign pageblocks are broken up as rarely as possible; a movable
// request that could not claim the pageblock takes the smallest block
// instead, since movable pages polluting another type's block is the cheap
// direction to undo.
func (a *Allocator) stealFallback(z *Zone, order int, start MigrateType) bool {
	if start >= MigrateType(PCPTypes) {
		return false
	}
	found := -1
	var fbType MigrateType
	var canSteal bool
	for cur := a.maxOrder - 1; cur >= order; cur-- {
		mt, steal, ok := a.findFallback(z, cur, start)
		if !ok {
			continue
		}
		found, fbType, canSteal = cur, mt, steal
		break
	}
	if found < 0 {
		return false
	}
	if !canSteal && start == MigrateMovable && found > order {
		for cur := order; cur < a.maxOrder; cur++ {
			if mt, steal, ok := a.findFallback(z, cur, start); ok {
				found, fbType, canSteal = cur, mt, steal
				break
			}
		}
	}

	p := a.page(z.freeArea[found].lists[fbType].head)
	z.stats.fallbacks.Add(1)
	a.stealSuitableFallback(z, p, found, start, canSteal)
	klog.Debug("mm: migratetype fallback", "zone", z.String(), "order", found,
		"from", fbType.String(), "to", start.String(), "claim", canSteal)
	return true
}

// stealSuitableFallback moves the block at p to start. When allowed, the
// rest of its pageblock's free pages follow and the pageblock is retyped if
// at least half of it was free.
func (a *Allocator) stealSuitableFallback(z *Zone, p *Page, order int, start MigrateType, whole bool) {
	if !whole {
		z.moveToFreeList(p, order, start)
		return
	}
	pbStart := z.pageblockStart(p.pfn)
	if order >= a.pageblockOrder {
		for pb := pbStart; pb < p.pfn+PFN(1)<<order; pb += PFN(1) << a.pageblockOrder {
			z.setPageblockMT(pb, start)
		}
		z.moveToFreeList(p, order, start)
		z.stats.claimed.Add(1)
		return
	}
	moved := a.movePagesBlock(z, pbStart, start)
	if 2*moved >= 1<<a.pageblockOrder {
		z.setPageblockMT(pbStart, start)
		z.stats.claimed.Add(1)
	}
}

// movePagesBlock moves every free block inside the pageblock starting at
// pbStart to the mt lists and returns the number of pages moved.
func (a *Allocator) movePagesBlock(z *Zone, pbStart PFN, mt MigrateType) int {
	end := min(pbStart+PFN(1)<<a.pageblockOrder, z.EndPFN())
	moved := 0
	for pfn := max(pbStart, z.startPFN); pfn < end; {
		p := a.page(pfn)
		if p.State() != StateBuddy {
			pfn++
			continue
		}
		order := int(p.order)
		z.moveToFreeList(p, order, mt)
		moved += 1 << order
		pfn += PFN(1) << order
	}
	return moved
}

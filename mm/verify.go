package mm

import (
	"errors"
	"fmt"

	"github.com/joshuapare/kmemkit/mm/smp"
)

// CheckInvariants walks every free list and pcp list and reports all
// violations of the buddy structure:
//
//   - every listed block is a Buddy head of the list's order and type,
//     aligned to its order and inside its zone
//   - no two free blocks overlap
//   - no free block has a free buddy of the same order it should have
//     merged with
//   - list lengths, per-order counts and the zone free page count agree
//   - pcp pages are order-0 PCP pages of the list's type
//
// self is the caller's CPU or nil. The zones are checked one at a time; the
// result is only exact when no other CPU is allocating.
func (a *Allocator) CheckInvariants(self *smp.CPU) error {
	var errs []error
	for _, z := range a.Zones() {
		errs = append(errs, a.checkZone(z)...)
	}
	a.cpus.OnEach(self, func(c *smp.CPU) {
		for _, z := range a.Zones() {
			errs = append(errs, a.checkPCP(z, c)...)
		}
	})
	return errors.Join(errs...)
}

func corrupt(z *Zone, format string, args ...any) error {
	return fmt.Errorf("%w: %v: %s", ErrCorrupt, z, fmt.Sprintf(format, args...))
}

func (a *Allocator) checkZone(z *Zone) []error {
	z.lock.Lock()
	defer z.lock.Unlock()

	var errs []error
	covered := make(map[PFN]PFN) // frame -> head of the free block covering it
	var free int64
	for order := range z.freeArea {
		area := &z.freeArea[order]
		count := 0
		for mt := range area.lists {
			l := &area.lists[mt]
			n := 0
			prev := NoPFN
			for pfn := l.head; pfn != NoPFN; pfn = a.page(pfn).next {
				p := a.page(pfn)
				if p == nil {
					errs = append(errs, corrupt(z, "order %d %v list links to invalid %v", order, MigrateType(mt), pfn))
					break
				}
				if p.prev != prev {
					errs = append(errs, corrupt(z, "%v prev link %v, want %v", pfn, p.prev, prev))
				}
				if n > len(a.pages) {
					errs = append(errs, corrupt(z, "order %d %v list loops", order, MigrateType(mt)))
					break
				}
				errs = append(errs, a.checkFreeBlock(z, p, order, MigrateType(mt), covered)...)
				prev = pfn
				n++
			}
			if l.tail != prev {
				errs = append(errs, corrupt(z, "order %d %v list tail %v, want %v", order, MigrateType(mt), l.tail, prev))
			}
			if l.n != n {
				errs = append(errs, corrupt(z, "order %d %v list count %d, walked %d", order, MigrateType(mt), l.n, n))
			}
			count += n
			free += int64(n) << order
		}
		if area.nrFree != count {
			errs = append(errs, corrupt(z, "order %d nr_free %d, listed %d", order, area.nrFree, count))
		}
	}
	if got := z.freePages.Load(); got != free {
		errs = append(errs, corrupt(z, "free pages %d, listed %d", got, free))
	}
	return errs
}

func (a *Allocator) checkFreeBlock(z *Zone, p *Page, order int, mt MigrateType, covered map[PFN]PFN) []error {
	var errs []error
	pfn := p.pfn
	if st := p.State(); st != StateBuddy {
		errs = append(errs, corrupt(z, "%v on free list in state %v", pfn, st))
	}
	if int(p.order) != order || p.mt != mt {
		errs = append(errs, corrupt(z, "%v on order %d %v list records order %d %v", pfn, order, mt, p.order, p.mt))
	}
	if pfn&(PFN(1)<<order-1) != 0 {
		errs = append(errs, corrupt(z, "%v misaligned for order %d", pfn, order))
	}
	if p.zone != z || !z.contains(pfn+PFN(1)<<order-1) {
		errs = append(errs, corrupt(z, "%v order %d outside zone", pfn, order))
	}
	for i := range PFN(1) << order {
		if other, dup := covered[pfn+i]; dup {
			errs = append(errs, corrupt(z, "free blocks %v and %v overlap", other, pfn))
			break
		}
		covered[pfn+i] = pfn
	}
	if order < a.maxOrder-1 {
		buddy := pfn ^ PFN(1)<<order
		if a.isBuddy(z, buddy, order) {
			b := a.page(buddy)
			if (b.mt == MigrateIsolate) == (mt == MigrateIsolate) {
				errs = append(errs, corrupt(z, "%v and buddy %v both free at order %d", pfn, buddy, order))
			}
		}
	}
	return errs
}

func (a *Allocator) checkPCP(z *Zone, c *smp.CPU) []error {
	var errs []error
	pcp := &z.pcp[c.ID()]
	total := 0
	for mt := range pcp.lists {
		l := &pcp.lists[mt]
		n := 0
		for pfn := l.head; pfn != NoPFN; pfn = a.page(pfn).next {
			p := a.page(pfn)
			if st := p.State(); st != StatePCP || p.mt != MigrateType(mt) || p.zone != z {
				errs = append(errs, corrupt(z, "%v on %v pcp %v list: state %v type %v", pfn, c, MigrateType(mt), st, p.mt))
			}
			n++
			if n > len(a.pages) {
				errs = append(errs, corrupt(z, "%v pcp list loops", c))
				break
			}
		}
		if l.n != n {
			errs = append(errs, corrupt(z, "%v pcp %v count %d, walked %d", c, MigrateType(mt), l.n, n))
		}
		total += n
	}
	if pcp.count != total {
		errs = append(errs, corrupt(z, "%v pcp count %d, listed %d", c, pcp.count, total))
	}
	return errs
}

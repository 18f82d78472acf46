package mm

import (
	"fmt"

	"github.com/joshuapare/kmemkit/mm/smp"
)

// IsolatePageblock takes the pageblock containing pfn out of allocation:
// its free pages move to the isolate lists and pages freed into it later
// stay there, without merging with non-isolated neighbours. self is the
// caller's CPU (or nil); every CPU's cached pages are drained so that none
// of the block's pages hide on a pcp list.
func (a *Allocator) IsolatePageblock(self *smp.CPU, pfn PFN) error {
	z, err := a.pageblockZone(pfn)
	if err != nil {
		return err
	}
	pb := z.pageblockStart(pfn)
	z.lock.Lock()
	if z.pageblockMT(pb) == MigrateIsolate {
		z.lock.Unlock()
		return nil
	}
	z.setPageblockMT(pb, MigrateIsolate)
	a.movePagesBlock(z, pb, MigrateIsolate)
	z.lock.Unlock()

	a.DrainAllPages(self)
	return nil
}

// UnisolatePageblock returns an isolated pageblock to service as mt.
func (a *Allocator) UnisolatePageblock(pfn PFN, mt MigrateType) error {
	if mt >= MigrateType(PCPTypes) {
		return fmt.Errorf("%w: cannot unisolate to %v", ErrBadGFP, mt)
	}
	z, err := a.pageblockZone(pfn)
	if err != nil {
		return err
	}
	pb := z.pageblockStart(pfn)
	z.lock.Lock()
	defer z.lock.Unlock()
	if z.pageblockMT(pb) != MigrateIsolate {
		return nil
	}
	z.setPageblockMT(pb, mt)
	a.movePagesBlock(z, pb, mt)
	return nil
}

// PageblockMigrateType returns the type of the pageblock containing pfn.
func (a *Allocator) PageblockMigrateType(pfn PFN) (MigrateType, error) {
	z, err := a.pageblockZone(pfn)
	if err != nil {
		return 0, err
	}
	return z.pageblockMT(pfn), nil
}

func (a *Allocator) pageblockZone(pfn PFN) (*Zone, error) {
	p := a.page(pfn)
	if p == nil || p.zone == nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPFN, pfn)
	}
	return p.zone, nil
}

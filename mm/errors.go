package mm

import "errors"

var (
	// ErrNoMemory indicates no eligible zone could satisfy an allocation.
	ErrNoMemory = errors.New("mm: out of memory")

	// ErrOrderRange indicates an order at or above the allocator's MaxOrder.
	ErrOrderRange = errors.New("mm: order out of range")

	// ErrBadGFP indicates a contradictory flag combination.
	ErrBadGFP = errors.New("mm: invalid gfp flags")

	// ErrBadPFN indicates a frame the allocator does not manage.
	ErrBadPFN = errors.New("mm: invalid page frame")

	// ErrBadNode indicates an unknown node id.
	ErrBadNode = errors.New("mm: invalid node")

	// ErrNotAllocated indicates a free (or get) of a page that is not allocated.
	ErrNotAllocated = errors.New("mm: page not allocated")

	// ErrBadPage indicates a page that failed its free-time checks. The page
	// has been quarantined or the free was refused.
	ErrBadPage = errors.New("mm: bad page state")

	// ErrBadTopology indicates an unusable memory or CPU layout.
	ErrBadTopology = errors.New("mm: invalid topology")

	// ErrCorrupt indicates a violated allocator invariant.
	ErrCorrupt = errors.New("mm: allocator state corrupt")
)

package mm

import (
	"fmt"
	"strings"
)

// GFP ("get free pages") flags describe where an allocation may come from
// and how hard the allocator may try.
type GFP uint32

const (
	// GFPDMA restricts the allocation to ZoneDMA.
	GFPDMA GFP = 1 << iota
	// GFPMovable marks the allocation movable: it may use ZoneMovable and
	// comes from movable pageblocks.
	GFPMovable
	// GFPReclaimable marks the allocation reclaimable (e.g. caches).
	GFPReclaimable
	// GFPHigh allows dipping further below the min watermark.
	GFPHigh
	// gfpAtomicBit marks a caller that cannot sleep; it may dip below min.
	gfpAtomicBit
	// GFPZero zeroes the returned memory.
	GFPZero
	// GFPComp builds a compound page (head + tails) for order > 0.
	GFPComp
	// GFPThisNode forbids falling back to other nodes.
	GFPThisNode
	// GFPNoWarn suppresses the allocation failure report.
	GFPNoWarn

	gfpLastBit
)

const (
	// GFPKernel is the default for kernel-internal allocations.
	GFPKernel GFP = 0
	// GFPAtomic is for callers that cannot wait; it may use reserves.
	GFPAtomic = GFPHigh | gfpAtomicBit
	// GFPHighUserMovable is for user pages that can be migrated.
	GFPHighUserMovable = GFPMovable
)

var gfpNames = []struct {
	flag GFP
	name string
}{
	{GFPDMA, "DMA"},
	{GFPMovable, "MOVABLE"},
	{GFPReclaimable, "RECLAIMABLE"},
	{GFPHigh, "HIGH"},
	{gfpAtomicBit, "ATOMIC"},
	{GFPZero, "ZERO"},
	{GFPComp, "COMP"},
	{GFPThisNode, "THISNODE"},
	{GFPNoWarn, "NOWARN"},
}

func (g GFP) String() string {
	if g == 0 {
		return "GFP_KERNEL"
	}
	var parts []string
	for _, n := range gfpNames {
		if g&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	if rest := g &^ (gfpLastBit - 1); rest != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// gfpZone returns the highest zone type the allocation may use.
func gfpZone(gfp GFP) (ZoneType, error) {
	switch {
	case gfp&GFPDMA != 0 && gfp&GFPMovable != 0:
		return 0, fmt.Errorf("%w: %v", ErrBadGFP, gfp)
	case gfp&GFPDMA != 0:
		return ZoneDMA, nil
	case gfp&GFPMovable != 0:
		return ZoneMovable, nil
	default:
		return ZoneNormal, nil
	}
}

// gfpMigrateType returns the free-list class the allocation prefers.
func gfpMigrateType(gfp GFP) MigrateType {
	switch {
	case gfp&GFPMovable != 0:
		return MigrateMovable
	case gfp&GFPReclaimable != 0:
		return MigrateReclaimable
	default:
		return MigrateUnmovable
	}
}

// allocFlags select the watermark and reserve access of one allocation attempt.
type allocFlags uint8

const (
	allocWmarkMin allocFlags = iota
	allocWmarkLow
	allocWmarkHigh
	allocWmarkMask allocFlags = 0x3

	allocHarder allocFlags = 1 << 2
	allocHigh   allocFlags = 1 << 3
)

// gfpToAllocFlags returns the flags of the second, more permissive attempt.
func gfpToAllocFlags(gfp GFP) allocFlags {
	f := allocWmarkMin
	if gfp&GFPHigh != 0 {
		f |= allocHigh
	}
	if gfp&gfpAtomicBit != 0 {
		f |= allocHarder
	}
	return f
}

package mm

import (
	"fmt"
	"math"

	"github.com/joshuapare/kmemkit/internal/format"
	"github.com/joshuapare/kmemkit/internal/physmem"
	"github.com/joshuapare/kmemkit/mm/smp"
)

// PhysAddr is a physical address.
type PhysAddr = physmem.PhysAddr

// VirtAddr is a kernel (direct-map) virtual address.
type VirtAddr = physmem.VirtAddr

// NodeID identifies a memory node.
type NodeID = smp.NodeID

// NumaNoNode requests no particular node.
const NumaNoNode NodeID = -1

// PFN is a physical page frame number.
type PFN uint64

// NoPFN is the nil page frame, used as list terminator and failed-allocation result.
const NoPFN PFN = math.MaxUint64

// Phys returns the physical address of the first byte of the frame.
func (p PFN) Phys() PhysAddr { return PhysAddr(uint64(p) << format.PageShift) }

// Virt returns the direct-map address of the frame.
func (p PFN) Virt() VirtAddr { return physmem.PhysToVirt(p.Phys()) }

func (p PFN) String() string {
	if p == NoPFN {
		return "pfn:none"
	}
	return fmt.Sprintf("pfn:%#x", uint64(p))
}

// PhysToPFN returns the frame containing pa.
func PhysToPFN(pa PhysAddr) PFN { return PFN(uint64(pa) >> format.PageShift) }

// VirtToPFN returns the frame containing the direct-map address va.
func VirtToPFN(va VirtAddr) PFN { return PhysToPFN(physmem.VirtToPhys(va)) }

// ZoneType is the class of a zone within a node.
type ZoneType int

const (
	// ZoneDMA holds memory below the DMA limit, for devices with narrow addressing.
	ZoneDMA ZoneType = iota
	// ZoneNormal holds regular kernel memory.
	ZoneNormal
	// ZoneMovable holds memory reserved for movable allocations only.
	ZoneMovable

	// NumZoneTypes is the number of zone types per node.
	NumZoneTypes
)

func (z ZoneType) String() string {
	switch z {
	case ZoneDMA:
		return "DMA"
	case ZoneNormal:
		return "Normal"
	case ZoneMovable:
		return "Movable"
	default:
		return "UNKNOWN"
	}
}

// MigrateType groups pages by expected lifetime/mobility to limit fragmentation.
type MigrateType uint8

const (
	MigrateUnmovable MigrateType = iota
	MigrateMovable
	MigrateReclaimable
	// MigrateIsolate marks pageblocks whose free pages must not be handed out.
	MigrateIsolate

	// NumMigrateTypes is the number of free lists per order.
	NumMigrateTypes
)

// PCPTypes is the number of migrate types cached on per-CPU lists.
const PCPTypes = int(MigrateIsolate)

func (m MigrateType) String() string {
	switch m {
	case MigrateUnmovable:
		return "Unmovable"
	case MigrateMovable:
		return "Movable"
	case MigrateReclaimable:
		return "Reclaimable"
	case MigrateIsolate:
		return "Isolate"
	default:
		return "UNKNOWN"
	}
}

// fallbacks lists, per migrate type, the types a block may be borrowed from
// when the preferred type has nothing at any order.
var fallbacks = [PCPTypes][PCPTypes - 1]MigrateType{
	MigrateUnmovable:   {MigrateReclaimable, MigrateMovable},
	MigrateMovable:     {MigrateReclaimable, MigrateUnmovable},
	MigrateReclaimable: {MigrateUnmovable, MigrateMovable},
}

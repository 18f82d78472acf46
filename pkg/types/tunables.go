package types

import (
	"errors"
	"fmt"
)

// ============================================================================
// Tunable Limits
// ============================================================================

const (
	// DefaultMaxOrder is the default number of buddy orders (blocks of up
	// to 4 MiB with 4 KiB pages).
	DefaultMaxOrder = 11

	// MaxOrderLimit bounds MaxOrder.
	MaxOrderLimit = 16

	// DefaultSlubMaxOrder is the default highest preferred slab order.
	DefaultSlubMaxOrder = 3

	// MaxSlubMinObjects is the most objects a slab can be asked to hold;
	// slab counts are 16-bit.
	MaxSlubMinObjects = 32767

	// DebugSlubMaxOrder keeps debug slabs small so that corruption stays
	// contained to few objects.
	DebugSlubMaxOrder = 1
)

// ErrInvalidTunable indicates a tunable outside its range or contradicting
// another one.
var ErrInvalidTunable = errors.New("types: invalid tunable")

// Tunables are the allocator knobs fixed at boot. Zero values select the
// allocator's own defaults.
type Tunables struct {
	// MaxOrder is the number of buddy orders; blocks range from order 0 to
	// MaxOrder-1.
	MaxOrder int

	// SlubMinOrder and SlubMaxOrder bound the preferred slab order.
	// SlubMaxOrder is capped below MaxOrder.
	SlubMinOrder int
	SlubMaxOrder int

	// SlubMinObjects is the number of objects a slab should hold. 0 derives
	// it from the CPU count: 4 * (fls(nrCPUs) + 1).
	SlubMinObjects int

	// PCPHigh and PCPBatch size the per-CPU page lists. 0 derives them
	// from the zone size.
	PCPHigh  int
	PCPBatch int

	// MinFreeKbytes sets the min watermark, spread over zones by size.
	MinFreeKbytes int

	// FreelistRandom shuffles the initial freelist of new slabs.
	FreelistRandom bool

	// FreelistHardened obfuscates free pointers stored in objects.
	FreelistHardened bool

	// NoDoubleCAS updates slab words under a per-slab lock instead of CAS.
	NoDoubleCAS bool

	// TrackFullSlabs keeps full slabs on a per-node list for validation.
	TrackFullSlabs bool

	// SlabMerge lets compatible caches share one cache.
	SlabMerge bool
}

// DefaultTunables returns the allocator defaults.
func DefaultTunables() Tunables {
	return Tunables{
		MaxOrder:     DefaultMaxOrder,
		SlubMaxOrder: DefaultSlubMaxOrder,
	}
}

// DebugTunables returns defaults with every consistency aid enabled:
// hardened and shuffled freelists, locked slab updates, full-slab
// tracking and small slabs.
func DebugTunables() Tunables {
	t := DefaultTunables()
	t.SlubMaxOrder = DebugSlubMaxOrder
	t.FreelistRandom = true
	t.FreelistHardened = true
	t.NoDoubleCAS = true
	t.TrackFullSlabs = true
	return t
}

// Validate checks every tunable against its range.
func (t Tunables) Validate() error {
	switch {
	case t.MaxOrder < 0 || t.MaxOrder > MaxOrderLimit:
		return fmt.Errorf("%w: MaxOrder %d (want 1..%d)", ErrInvalidTunable, t.MaxOrder, MaxOrderLimit)
	case t.SlubMinOrder < 0 || t.SlubMaxOrder < 0:
		return fmt.Errorf("%w: negative slab order", ErrInvalidTunable)
	case t.SlubMaxOrder != 0 && t.SlubMinOrder > t.SlubMaxOrder:
		return fmt.Errorf("%w: SlubMinOrder %d above SlubMaxOrder %d", ErrInvalidTunable, t.SlubMinOrder, t.SlubMaxOrder)
	case t.MaxOrder != 0 && t.SlubMinOrder >= t.MaxOrder:
		return fmt.Errorf("%w: SlubMinOrder %d not below MaxOrder %d", ErrInvalidTunable, t.SlubMinOrder, t.MaxOrder)
	case t.SlubMinObjects < 0 || t.SlubMinObjects > MaxSlubMinObjects:
		return fmt.Errorf("%w: SlubMinObjects %d (want 0..%d)", ErrInvalidTunable, t.SlubMinObjects, MaxSlubMinObjects)
	case t.PCPHigh < 0 || t.PCPBatch < 0:
		return fmt.Errorf("%w: negative pcp sizing", ErrInvalidTunable)
	case t.PCPHigh > 0 && t.PCPBatch > 0 && t.PCPHigh < t.PCPBatch:
		return fmt.Errorf("%w: PCPHigh %d below PCPBatch %d", ErrInvalidTunable, t.PCPHigh, t.PCPBatch)
	case t.MinFreeKbytes < 0:
		return fmt.Errorf("%w: MinFreeKbytes %d", ErrInvalidTunable, t.MinFreeKbytes)
	}
	return nil
}

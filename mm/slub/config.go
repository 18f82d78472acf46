package slub

import (
	"fmt"
	"strings"

	"github.com/joshuapare/kmemkit/internal/diag"
)

// Flags modify a cache's layout and page source.
type Flags uint32

const (
	// SlabHWCacheAlign aligns objects to the cache line, or a fraction of
	// it for small objects.
	SlabHWCacheAlign Flags = 1 << iota
	// SlabPanic panics when the cache cannot be created.
	SlabPanic
	// SlabCacheDMA takes slab pages from ZoneDMA.
	SlabCacheDMA
	// SlabReclaimAccount takes slab pages from reclaimable pageblocks.
	SlabReclaimAccount
	// SlabNoMerge keeps the cache from being merged with a compatible one.
	SlabNoMerge
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{SlabHWCacheAlign, "HWCACHE_ALIGN"},
	{SlabPanic, "PANIC"},
	{SlabCacheDMA, "CACHE_DMA"},
	{SlabReclaimAccount, "RECLAIM_ACCOUNT"},
	{SlabNoMerge, "NO_MERGE"},
}

func (f Flags) String() string {
	if f == 0 {
		return "0"
	}
	var parts []string
	for _, n := range flagNames {
		if f&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// flags that change the page source or layout; caches differing in them
// never merge.
const mergeSameFlags = SlabHWCacheAlign | SlabCacheDMA | SlabReclaimAccount

const (
	// DefaultMaxOrder is the default highest preferred slab order.
	DefaultMaxOrder = 3

	// MaxObjsPerSlab bounds the objects of one slab; counts and freelist
	// indexes are 16-bit fields of the slab word.
	MaxObjsPerSlab = 32767

	// MinPartial and MaxPartial bound a cache's min_partial.
	MinPartial = 5
	MaxPartial = 10
)

// Config holds the slab allocator tunables. They are fixed once the
// allocator is created.
type Config struct {
	MinOrder   int // lowest slab order considered
	MaxOrder   int // highest preferred slab order; 0 selects DefaultMaxOrder
	MinObjects int // objects a slab should hold; 0 derives it from the CPU count

	FreelistRandom   bool // shuffle the initial freelist of new slabs
	FreelistHardened bool // obfuscate free pointers stored in objects
	NoDoubleCAS      bool // update slab words under a lock instead of CAS
	TrackFullSlabs   bool // keep full slabs on a per-node list
	Merge            bool // let compatible caches share one cache

	Seed uint64 // seeds freelist shuffling and pointer obfuscation
	Diag *diag.Log
}

func (c *Config) setDefaults(pageMaxOrder int) error {
	if c.MinOrder < 0 || c.MaxOrder < 0 || c.MinObjects < 0 {
		return fmt.Errorf("%w: negative tunable", ErrBadConfig)
	}
	if c.MaxOrder == 0 {
		c.MaxOrder = DefaultMaxOrder
	}
	if c.MaxOrder >= pageMaxOrder {
		c.MaxOrder = pageMaxOrder - 1
	}
	if c.MinOrder > c.MaxOrder {
		return fmt.Errorf("%w: min order %d above max order %d", ErrBadConfig, c.MinOrder, c.MaxOrder)
	}
	if c.MinObjects > MaxObjsPerSlab {
		return fmt.Errorf("%w: min objects %d (max %d)", ErrBadConfig, c.MinObjects, MaxObjsPerSlab)
	}
	if c.Seed == 0 {
		c.Seed = 0x5eed_51ab
	}
	return nil
}

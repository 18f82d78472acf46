// Package format houses the low-level geometry of the simulated machine:
// page and cache-line sizes, the direct-map layout, and the arithmetic
// helpers every allocator layer shares. It has no dependencies on the
// allocator packages so they can all import it.
package format

const (
	// PageShift is log2 of the page size.
	PageShift = 12

	// PageSize is the size of one physical page frame in bytes.
	PageSize = 1 << PageShift

	// PageMask masks off the in-page offset of an address.
	PageMask = ^(PageSize - 1)

	// CacheLineSize is the L1 cache line size used for hardware cache
	// alignment of slab objects and per-CPU allocations.
	CacheLineSize = 64

	// WordSize is the size of a machine word (pointer) in bytes.
	WordSize = 8

	// DefaultMaxOrder is the default number of buddy orders. Blocks of order
	// DefaultMaxOrder-1 (4 MiB with 4 KiB pages) are the largest the buddy
	// allocator hands out.
	DefaultMaxOrder = 11

	// MaxOrderLimit bounds MaxOrder tunables; a pfn must still fit the free
	// area tables.
	MaxOrderLimit = 16

	// DirectMapBase is the kernel virtual address at which physical address 0
	// is linearly mapped. Every kernel virtual address handed out by the
	// allocators is DirectMapBase + physical address.
	DirectMapBase uint64 = 0xffff_8880_0000_0000
)

const (
	// MiB and KiB are byte-size helpers for configuration values.
	KiB = 1 << 10
	MiB = 1 << 20
	GiB = 1 << 30
)

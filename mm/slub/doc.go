// Package slub is the slab allocator: caches of equally sized objects carved
// out of pages from the mm page allocator, and the kmalloc families built on
// them.
//
// # Slabs
//
// A slab is one page or compound page owned by a cache. Free objects are
// chained through a free pointer stored inside the object itself, at
// Cache.offset. Each slab packs its freelist head, in-use count, object
// count and frozen bit into a single word updated by compare-and-swap (or
// under a per-slab lock with Config.NoDoubleCAS).
//
// A frozen slab belongs to a CPU. Everything else lives on its node's
// partial list (some objects free) or, with Config.TrackFullSlabs, its full
// list. Empty slabs are released to the page allocator once the node keeps
// min_partial partial slabs.
//
// # Fast path
//
// Every cache has a control block per CPU in per-CPU memory: the CPU's
// freelist head packed with a transaction id, and the CPU's slab. Alloc and
// Free on that slab are a single CAS on the freelist word, without
// disabling interrupts. The transaction id advances on every update and the
// slot's slab is only replaced after the id has moved, so a fast path that
// raced with anything fails its CAS and retries.
//
// # Slow path
//
// The slow path runs with the CPU's interrupts disabled. It refills the CPU
// freelist from the CPU slab's own freelist (remote frees), then from a
// partial slab of the wanted node, then from a new slab. A CPU slab that is
// dropped is deactivated: its CPU freelist is merged back into the slab and
// the slab is unfrozen onto the list its state calls for.
//
// Lock order is CPU interrupts, then a cache node's listLock, then the page
// allocator's zone lock.
package slub

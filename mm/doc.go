// Package mm is the physical page allocator: nodes and zones, a binary
// buddy allocator per zone with migrate-type free lists, and per-CPU page
// caches for order-0 traffic.
//
// # Frames and descriptors
//
// Every frame of the physical region has a Page descriptor (the memmap).
// A descriptor is in exactly one PageState at a time and only moves along
// the transitions in pageTransitions; free blocks are represented by their
// head page alone, interior frames sit in StateNone.
//
// # Allocation
//
// AllocPages picks the zone list of the requesting CPU's node, filters it by
// the highest zone the GFP flags permit and takes the first zone above its
// low watermark. If no zone qualifies the search is repeated against the
// min watermark, discounted for GFPHigh/GFPAtomic. Within a zone, order-0
// requests are served from the CPU's pcp list (refilled in batches), larger
// ones by splitting the smallest free block of the wanted migrate type.
// When that type is exhausted a block is borrowed from a fallback type,
// possibly converting its whole pageblock.
//
// # Freeing
//
// FreePages drops a reference; the last one runs the free-time checks
// (mapping cleared, order and compound structure intact). A page failing
// them is quarantined and reported to the diagnostics log. Good blocks
// merge with their buddy (pfn ^ 2^order) while it is free at the same
// order, in the same zone and on the same side of an isolation boundary.
//
// # Concurrency
//
// Zone free lists are guarded by the zone lock. A CPU's pcp lists are
// guarded by that CPU's interrupt lock (smp.CPU.LocalIRQSave), so the
// owner touches them without contention and other CPUs reach them only
// through smp.CPU.Interrupt. Lock order is CPU interrupts, then zone lock.
package mm

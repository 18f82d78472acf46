// Package kmem boots a simulated machine and exposes its kernel memory
// allocators: the zoned buddy page allocator with per-CPU page lists, the
// SLUB slab allocator with its kmalloc caches, and the per-CPU variable
// allocator.
//
// # Quick Start
//
// Boot a two-node, four-CPU machine with 64 MiB per node:
//
//	sys, err := kmem.Boot(kmem.SMPOptions(2, 4, 64))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sys.Close()
//
// Allocate and free on CPU 0:
//
//	cpu := sys.CPU(0)
//	pfn, err := sys.AllocPages(cpu, kmem.GFPKernel, 2)
//	...
//	sys.FreePages(cpu, pfn, 2)
//
//	cache, err := sys.KmemCacheCreate("inode", 600, 0, kmem.SlabHWCacheAlign, nil)
//	obj, err := sys.KmemCacheAlloc(cpu, cache, kmem.GFPKernel)
//	...
//	sys.KmemCacheFree(cpu, cache, obj)
//
//	buf, err := sys.Kmalloc(cpu, 100, kmem.GFPKernel)
//	...
//	sys.Kfree(cpu, buf)
//
// # CPUs
//
// A CPU is driven by one goroutine at a time; operations taking a *CPU must
// be called from it. Different CPUs may run concurrently. Callers that are
// not a CPU pass nil, which turns per-CPU work into remote calls on every
// CPU.
//
// # Memory
//
// Every address is a direct-map virtual address into the machine's
// physical memory. Bytes returns the memory behind an address; nothing is
// zeroed unless GFPZero (or Kzalloc) asks for it.
//
// # Reports
//
// WriteBuddyInfo, WriteZoneInfo and WriteSlabInfo print the allocator
// state in the layout of the matching /proc files. Snapshot collects the
// same data for JSON output. Diagnostics returns the consistency
// violations found so far: bad pages, corrupt slabs, double frees and
// other misuse that was rejected rather than trusted.
//
// # Tunables
//
// Options.Tunables fixes the allocator knobs at boot. DebugTunables turns
// on every consistency aid.
package kmem

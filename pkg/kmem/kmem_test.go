package kmem

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/kmemkit/internal/format"
	"github.com/joshuapare/kmemkit/mm"
	"github.com/joshuapare/kmemkit/pkg/types"
)

// ============================================================================
// Helpers
// ============================================================================

func bootTest(t *testing.T, opts Options) *System {
	t.Helper()
	sys, err := Boot(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sys.Close() })
	return sys
}

func smallSMP() Options {
	opts := SMPOptions(2, 4, 16)
	opts.DMALimit = 4 * format.MiB
	return opts
}

// requireAllReturned shrinks everything and checks that every managed page
// is back on the buddy lists.
func requireAllReturned(t *testing.T, sys *System) {
	t.Helper()
	require.NoError(t, sys.Verify(nil))
	_, err := sys.Shrink(nil)
	require.NoError(t, err)
	for _, z := range sys.Pages().BuddyInfo() {
		// kmalloc caches keep their CPU slabs until shrunk; Shrink released them.
		assert.Equal(t, z.Managed, z.Free, "node %d zone %s", z.Node, z.Zone)
	}
}

// ============================================================================
// Boot
// ============================================================================

func Test_Kmem_BootLayout(t *testing.T) {
	sys := bootTest(t, smallSMP())

	assert.Equal(t, 4, sys.NumCPUs())
	for i, c := range sys.CPUs() {
		assert.Equal(t, mm.NodeID(i%2), c.Node())
	}
	assert.Nil(t, sys.CPU(4))
	assert.Len(t, sys.Pages().Nodes(), 2)

	snap, err := sys.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Nodes)
	assert.Equal(t, types.DefaultMaxOrder, snap.MaxOrder)
	total := 2 * 16 * format.MiB / format.PageSize
	reserved := DefaultKernelReserve/format.PageSize + 4*snap.PerCPU.UnitSize/format.PageSize
	assert.Equal(t, total-reserved, snap.ManagedPages, "kernel image and per-CPU units are not managed")
	assert.Equal(t, 4, snap.PerCPU.Units)

	_, ok := sys.LookupCache("kmalloc-64")
	assert.True(t, ok, "kmalloc caches exist at boot")

	// The kernel reserve stays out of the page allocator.
	assert.Equal(t, mm.StateReserved, sys.Pages().Page(0).State())
}

func Test_Kmem_BootRejectsBadOptions(t *testing.T) {
	cases := []struct {
		name string
		edit func(*Options)
		err  error
	}{
		{"cpus below nodes", func(o *Options) { o.Nodes, o.CPUs = 4, 2 }, ErrBadOptions},
		{"unaligned node", func(o *Options) { o.NodeMemory = 5 * format.MiB }, ErrBadOptions},
		{"reserve fills node", func(o *Options) { o.KernelReserve = o.NodeMemory }, ErrBadOptions},
		{"bad tunables", func(o *Options) { o.Tunables.MaxOrder = 40 }, types.ErrInvalidTunable},
		{"negative percpu", func(o *Options) { o.PerCPUDynamic = -1 }, ErrBadOptions},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.NodeMemory = 16 * format.MiB
			tc.edit(&opts)
			_, err := Boot(opts)
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func Test_Kmem_BootWithDebugTunables(t *testing.T) {
	opts := smallSMP()
	opts.Tunables = DebugTunables()
	sys := bootTest(t, opts)

	info := sys.Slab().KmallocCache(4096, GFPKernel).Info()
	assert.LessOrEqual(t, info.Order, types.DebugSlubMaxOrder)

	c, err := sys.KmemCacheCreate("debug", 100, 0, 0, nil)
	require.NoError(t, err)
	obj, err := sys.KmemCacheAlloc(sys.CPU(1), c, GFPKernel)
	require.NoError(t, err)
	require.NoError(t, sys.KmemCacheFree(sys.CPU(1), c, obj))
	require.NoError(t, sys.KmemCacheDestroy(sys.CPU(1), c))
	requireAllReturned(t, sys)
}

func Test_Kmem_Close(t *testing.T) {
	sys, err := Boot(smallSMP())
	require.NoError(t, err)
	require.NoError(t, sys.Close())
	require.NoError(t, sys.Close(), "Close is idempotent")

	_, err = sys.AllocPages(sys.CPU(0), GFPKernel, 0)
	require.ErrorIs(t, err, ErrClosed)
	_, err = sys.Kmalloc(sys.CPU(0), 10, GFPKernel)
	require.ErrorIs(t, err, ErrClosed)
	_, err = sys.Bytes(PhysToVirt(0), 1)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, sys.Verify(nil), ErrClosed)
}

// Test_Kmem_AfterClose runs every operation that reaches allocator memory on
// a closed system holding live objects, CPU slabs and per-CPU page lists.
func Test_Kmem_AfterClose(t *testing.T) {
	sys, err := Boot(smallSMP())
	require.NoError(t, err)
	cpu := sys.CPU(0)
	obj, err := sys.Kmalloc(cpu, 64, GFPKernel)
	require.NoError(t, err)
	c, err := sys.KmemCacheCreate("after-close", 48, 0, 0, nil)
	require.NoError(t, err)
	cobj, err := sys.KmemCacheAlloc(cpu, c, GFPKernel)
	require.NoError(t, err)
	pfn, err := sys.AllocPages(cpu, GFPKernel, 0)
	require.NoError(t, err)
	pcp, err := sys.AllocPercpu(16, 8)
	require.NoError(t, err)
	require.NoError(t, sys.Close())

	tests := []struct {
		name string
		call func() error
	}{
		{"AllocPages", func() error { _, err := sys.AllocPages(cpu, GFPKernel, 0); return err }},
		{"AllocPagesNode", func() error { _, err := sys.AllocPagesNode(cpu, 1, GFPKernel, 0); return err }},
		{"FreePages", func() error { return sys.FreePages(cpu, pfn, 0) }},
		{"GetFreePages", func() error { _, err := sys.GetFreePages(cpu, GFPKernel, 0); return err }},
		{"FreePagesAddr", func() error { return sys.FreePagesAddr(cpu, PhysToVirt(0), 0) }},
		{"DrainPages", func() error { return sys.DrainPages(cpu) }},
		{"KmemCacheCreate", func() error { _, err := sys.KmemCacheCreate("late", 32, 0, 0, nil); return err }},
		{"KmemCacheAlloc", func() error { _, err := sys.KmemCacheAlloc(cpu, c, GFPKernel); return err }},
		{"KmemCacheFree", func() error { return sys.KmemCacheFree(cpu, c, cobj) }},
		{"KmemCacheShrink", func() error { _, err := sys.KmemCacheShrink(cpu, c); return err }},
		{"KmemCacheDestroy", func() error { return sys.KmemCacheDestroy(cpu, c) }},
		{"KmemCacheDestroyName", func() error { return sys.KmemCacheDestroyName(cpu, "after-close") }},
		{"Kmalloc", func() error { _, err := sys.Kmalloc(cpu, 64, GFPKernel); return err }},
		{"Kzalloc", func() error { _, err := sys.Kzalloc(cpu, 64, GFPKernel); return err }},
		{"Kfree", func() error { return sys.Kfree(cpu, obj) }},
		{"Ksize", func() error { _, err := sys.Ksize(obj); return err }},
		{"Krealloc", func() error { _, err := sys.Krealloc(cpu, obj, 256, GFPKernel); return err }},
		{"AllocPercpu", func() error { _, err := sys.AllocPercpu(16, 8); return err }},
		{"PercpuBytes", func() error { _, err := sys.PercpuBytes(pcp, cpu, 16); return err }},
		{"Bytes", func() error { _, err := sys.Bytes(obj, 64); return err }},
		{"Shrink", func() error { _, err := sys.Shrink(nil); return err }},
		{"Verify", func() error { return sys.Verify(nil) }},
		{"Snapshot", func() error { _, err := sys.Snapshot(); return err }},
		{"WriteBuddyInfo", func() error { return sys.WriteBuddyInfo(io.Discard) }},
		{"WriteZoneInfo", func() error { return sys.WriteZoneInfo(io.Discard) }},
		{"WriteSlabInfo", func() error { return sys.WriteSlabInfo(io.Discard) }},
		{"WriteSummary", func() error { return sys.WriteSummary(io.Discard) }},
		{"RunStress", func() error {
			_, err := sys.RunStress(context.Background(), StressOptions{Ops: 10})
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, tt.call(), ErrClosed)
		})
	}

	// Bookkeeping-only calls stay usable.
	sys.FreePercpu(pcp)
	_, ok := sys.LookupCache("after-close")
	assert.True(t, ok)
	assert.NotNil(t, sys.Diagnostics())
}

// ============================================================================
// Scenarios
// ============================================================================

// Test_Kmem_ScenarioA: a freed page may come back with its old contents;
// only GFPZero promises zeroes.
func Test_Kmem_ScenarioA(t *testing.T) {
	sys := bootTest(t, smallSMP())
	cpu := sys.CPU(0)

	pfn, err := sys.AllocPages(cpu, GFPKernel, 0)
	require.NoError(t, err)
	b, err := sys.Bytes(pfn.Virt(), format.PageSize)
	require.NoError(t, err)
	b[0], b[format.PageSize-1] = 0x5a, 0xa5
	require.NoError(t, sys.FreePages(cpu, pfn, 0))

	again, err := sys.AllocPages(cpu, GFPKernel, 0)
	require.NoError(t, err)
	assert.Equal(t, pfn, again, "the page comes back hot from the CPU's list")
	require.NoError(t, sys.FreePages(cpu, again, 0))

	zeroed, err := sys.GetFreePages(cpu, GFPKernel|GFPZero, 0)
	require.NoError(t, err)
	zb, err := sys.Bytes(zeroed, format.PageSize)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, format.PageSize), zb)
	require.NoError(t, sys.FreePagesAddr(cpu, zeroed, 0))
	requireAllReturned(t, sys)
}

// Test_Kmem_ScenarioB: after freeing all but one of 1000 objects and
// shrinking, only the slab holding the survivor remains.
func Test_Kmem_ScenarioB(t *testing.T) {
	sys := bootTest(t, smallSMP())
	cpu := sys.CPU(2)

	c, err := sys.KmemCacheCreate("scenario-b", 64, 0, 0, nil)
	require.NoError(t, err)
	objs := make([]VirtAddr, 1000)
	for i := range objs {
		objs[i], err = sys.KmemCacheAlloc(cpu, c, GFPKernel)
		require.NoError(t, err)
	}
	for i, obj := range objs {
		if i != 500 {
			require.NoError(t, sys.KmemCacheFree(cpu, c, obj))
		}
	}
	released, err := sys.KmemCacheShrink(cpu, c)
	require.NoError(t, err)
	assert.Positive(t, released)

	info := c.Info()
	assert.Equal(t, 1, info.Slabs)
	assert.Equal(t, 1, info.PartialSlabs)
	assert.Equal(t, 0, info.CPUSlabs)
	assert.Equal(t, 1, info.ActiveObjects)

	// The survivor's slab is the only one left.
	head := sys.Pages().CompoundHead(mm.VirtToPFN(objs[500]))
	assert.Equal(t, mm.StateSlab, sys.Pages().Page(head).State())

	require.ErrorIs(t, sys.KmemCacheDestroy(cpu, c), ErrCacheBusy)
	require.NoError(t, sys.KmemCacheFree(cpu, c, objs[500]))
	require.NoError(t, sys.KmemCacheDestroy(cpu, c))
	requireAllReturned(t, sys)
}

// Test_Kmem_ScenarioC: order MaxOrder fails whatever is free.
func Test_Kmem_ScenarioC(t *testing.T) {
	sys := bootTest(t, smallSMP())
	maxOrder := sys.Pages().MaxOrder()

	_, err := sys.AllocPages(sys.CPU(0), GFPKernel|GFPNoWarn, maxOrder)
	require.ErrorIs(t, err, mm.ErrOrderRange)

	pfn, err := sys.AllocPages(sys.CPU(0), GFPMovable, maxOrder-1)
	require.NoError(t, err)
	require.NoError(t, sys.FreePages(sys.CPU(0), pfn, maxOrder-1))
}

// Test_Kmem_ScenarioD: two freed order-k buddies never stay two order-k
// free blocks.
func Test_Kmem_ScenarioD(t *testing.T) {
	const k = 2
	for _, highFirst := range []bool{false, true} {
		sys := bootTest(t, smallSMP())
		cpu := sys.CPU(1)
		a := sys.Pages()

		var held []PFN
		var lo, hi PFN
		for range 64 {
			pfn, err := sys.AllocPages(cpu, GFPMovable, k)
			require.NoError(t, err)
			if n := len(held); n > 0 && held[n-1]^pfn == PFN(1)<<k {
				lo, hi = min(held[n-1], pfn), max(held[n-1], pfn)
				held = held[:n-1]
				break
			}
			held = append(held, pfn)
		}
		require.NotEqual(t, lo, hi, "found two buddies")

		if highFirst {
			require.NoError(t, sys.FreePages(cpu, hi, k))
			require.NoError(t, sys.FreePages(cpu, lo, k))
		} else {
			require.NoError(t, sys.FreePages(cpu, lo, k))
			require.NoError(t, sys.FreePages(cpu, hi, k))
		}

		assert.Equal(t, mm.StateNone, a.Page(hi).State(), "the high half is inside a larger block")
		if p := a.Page(lo); p.State() == mm.StateBuddy {
			assert.Greater(t, p.Order(), k)
		} else {
			assert.Equal(t, mm.StateNone, p.State(), "merged further up")
		}
		require.NoError(t, sys.Verify(cpu))

		for _, pfn := range held {
			require.NoError(t, sys.FreePages(cpu, pfn, k))
		}
		requireAllReturned(t, sys)
	}
}

// ============================================================================
// kmalloc and per-CPU memory
// ============================================================================

func Test_Kmem_Kmalloc(t *testing.T) {
	sys := bootTest(t, smallSMP())
	cpu := sys.CPU(3)

	zero, err := sys.Kmalloc(cpu, 0, GFPKernel)
	require.NoError(t, err)
	assert.Equal(t, ZeroSizePtr, zero)

	small, err := sys.Kzalloc(cpu, 40, GFPKernel)
	require.NoError(t, err)
	size, err := sys.Ksize(small)
	require.NoError(t, err)
	assert.Equal(t, 64, size)

	grown, err := sys.Krealloc(cpu, small, 5000, GFPKernel)
	require.NoError(t, err)
	size, err = sys.Ksize(grown)
	require.NoError(t, err)
	assert.Equal(t, 8192, size)

	large, err := sys.Kmalloc(cpu, 100*format.KiB, GFPKernel)
	require.NoError(t, err)
	assert.Equal(t, mm.StateCompoundHead, sys.Pages().Page(mm.VirtToPFN(large)).State())

	require.NoError(t, sys.Kfree(cpu, grown))
	require.NoError(t, sys.Kfree(cpu, large))
	require.NoError(t, sys.Kfree(cpu, zero))
	require.ErrorIs(t, sys.Kfree(cpu, large), ErrNotKmalloc)

	report := sys.Diagnostics()
	assert.True(t, report.HasAnyIssues())
	assert.Len(t, report.ByCategory[types.DiagContract], 1)
	requireAllReturned(t, sys)
}

func Test_Kmem_Percpu(t *testing.T) {
	sys := bootTest(t, smallSMP())

	p, err := sys.AllocPercpu(24, 8)
	require.NoError(t, err)
	for _, c := range sys.CPUs() {
		b, err := sys.PercpuBytes(p, c, 24)
		require.NoError(t, err)
		assert.Equal(t, make([]byte, 24), b)
		b[0] = byte(c.ID()) + 1
	}
	for _, c := range sys.CPUs() {
		b, err := sys.PercpuBytes(p, c, 1)
		require.NoError(t, err)
		assert.Equal(t, byte(c.ID())+1, b[0], "every CPU has its own copy")
	}

	sys.FreePercpu(p)
	assert.Equal(t, 1, sys.Diagnostics().Summary.Leaked)
	assert.EqualValues(t, 1, sys.PerCPU().Info().Leaked)
}

func Test_Kmem_AddressTranslation(t *testing.T) {
	sys := bootTest(t, smallSMP())
	va, err := sys.GetFreePages(sys.CPU(0), GFPKernel, 1)
	require.NoError(t, err)

	pa := VirtToPhys(va)
	assert.Equal(t, va, PhysToVirt(pa))
	assert.Equal(t, mm.VirtToPFN(va).Phys(), pa)
	require.NoError(t, sys.FreePagesAddr(sys.CPU(0), va, 1))
}

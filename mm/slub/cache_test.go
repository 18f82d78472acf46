package slub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/kmemkit/internal/diag"
	"github.com/joshuapare/kmemkit/internal/format"
	"github.com/joshuapare/kmemkit/mm"
)

// ============================================================================
// Destroy
// ============================================================================

func Test_Cache_DestroyBusyKeepsCacheUsable(t *testing.T) {
	m := newTestMachine(t, 2, Config{})
	s := m.newCache(t, "busy", 64, 0)
	cpu := m.cpu(0)

	a, err := s.Alloc(cpu, mm.GFPKernel)
	require.NoError(t, err)

	err = m.sa.Destroy(cpu, s)
	require.ErrorIs(t, err, ErrCacheBusy)
	assert.True(t, hasIssue(m.log, "cache destroyed with objects remaining"))

	b, err := s.Alloc(cpu, mm.GFPKernel)
	require.NoError(t, err, "a busy cache stays usable")
	require.NoError(t, s.Free(cpu, a))
	require.NoError(t, s.Free(cpu, b))

	require.NoError(t, m.sa.Destroy(cpu, s))
	_, ok := m.sa.Lookup("busy")
	assert.False(t, ok)
	_, err = s.Alloc(cpu, mm.GFPKernel)
	require.ErrorIs(t, err, ErrCacheDead)
	require.ErrorIs(t, m.sa.Destroy(cpu, s), ErrCacheDead)

	// The name is free again.
	m.newCache(t, "busy", 64, 0)
	requireConsistent(t, m)
}

// Test_Cache_DestroyRecyclesCPUSlots: per-CPU memory is never returned,
// so a new cache takes over the control block of a destroyed one.
func Test_Cache_DestroyRecyclesCPUSlots(t *testing.T) {
	m := newTestMachine(t, 4, Config{})
	s := m.newCache(t, "first", 128, 0)
	cpu := m.cpu(2)

	obj, err := s.Alloc(cpu, mm.GFPKernel)
	require.NoError(t, err)
	require.NoError(t, s.Free(cpu, obj))
	oldPtr := s.cpuPtr
	used := m.pcpu.Info().DynamicUsed
	require.NoError(t, m.sa.Destroy(cpu, s))

	next := m.newCache(t, "second", 256, 0)
	assert.Equal(t, oldPtr, next.cpuPtr)
	assert.Equal(t, used, m.pcpu.Info().DynamicUsed)
	assert.Equal(t, Stats{}, next.Stats(), "recycled counters start from zero")
	for i := range 4 {
		assert.Zero(t, next.slot(m.cpu(i)).page.Load())
	}

	obj, err = next.Alloc(cpu, mm.GFPKernel)
	require.NoError(t, err)
	require.NoError(t, next.Free(cpu, obj))
}

func Test_Cache_KmallocCachesCannotBeDestroyed(t *testing.T) {
	m := newTestMachine(t, 2, Config{})
	s := m.sa.KmallocCache(64, mm.GFPKernel)
	require.NotNil(t, s)
	require.ErrorIs(t, m.sa.Destroy(nil, s), ErrBadCache)
}

// ============================================================================
// Merging
// ============================================================================

func Test_Cache_Merge(t *testing.T) {
	m := newTestMachine(t, 2, Config{Merge: true})
	k64 := m.sa.KmallocCache(64, mm.GFPKernel)

	alias, err := m.sa.Create("sixty", 60, 0, 0, nil)
	require.NoError(t, err)
	require.Same(t, k64, alias)
	info := alias.Info()
	assert.Equal(t, 2, info.Refcount)
	assert.Contains(t, info.Aliases, "sixty")

	_, err = m.sa.Create("sixty", 60, 0, 0, nil)
	require.ErrorIs(t, err, ErrCacheExists, "alias names are taken")

	own, err := m.sa.Create("nomerge", 60, 0, SlabNoMerge, nil)
	require.NoError(t, err)
	assert.NotSame(t, k64, own)

	ctor, err := m.sa.Create("ctor60", 60, 0, 0, func([]byte) {})
	require.NoError(t, err)
	assert.NotSame(t, k64, ctor)

	dma, err := m.sa.Create("dma60", 60, 0, SlabCacheDMA, nil)
	require.NoError(t, err)
	assert.Same(t, m.sa.KmallocCache(64, mm.GFPDMA), dma)

	require.NoError(t, m.sa.DestroyName(nil, "sixty"))
	info = k64.Info()
	assert.Equal(t, 1, info.Refcount)
	assert.Empty(t, info.Aliases)
	assert.False(t, k64.dead.Load())
}

// Test_Cache_DestroyAlias: destroying one alias of a merged cache removes
// that name only, whatever order the aliases were created in.
func Test_Cache_DestroyAlias(t *testing.T) {
	m := newTestMachine(t, 2, Config{Merge: true})
	k64 := m.sa.KmallocCache(64, mm.GFPKernel)

	for _, name := range []string{"first", "second", "third"} {
		s, err := m.sa.Create(name, 60, 0, 0, nil)
		require.NoError(t, err)
		require.Same(t, k64, s)
	}
	found, ok := m.sa.Lookup("second")
	require.True(t, ok)
	assert.Same(t, k64, found)

	require.NoError(t, m.sa.DestroyName(nil, "first"))
	info := k64.Info()
	assert.Equal(t, 3, info.Refcount)
	assert.Equal(t, []string{"second", "third"}, info.Aliases)
	_, ok = m.sa.Lookup("first")
	assert.False(t, ok)

	_, err := m.sa.Create("first", 60, 0, 0, nil)
	require.NoError(t, err, "a released alias name can be reused")
	assert.Equal(t, []string{"second", "third", "first"}, k64.Info().Aliases)

	require.ErrorIs(t, m.sa.DestroyName(nil, "missing"), ErrNoCache)

	// A bare handle drops a reference but cannot name an alias.
	require.NoError(t, m.sa.Destroy(nil, k64))
	info = k64.Info()
	assert.Equal(t, 3, info.Refcount)
	assert.Len(t, info.Aliases, 3)
	assert.False(t, k64.dead.Load())
}

func Test_Cache_NoMergeByDefault(t *testing.T) {
	m := newTestMachine(t, 2, Config{})
	s := m.newCache(t, "sixty", 60, 0)
	assert.NotSame(t, m.sa.KmallocCache(64, mm.GFPKernel), s)
}

// ============================================================================
// Misuse
// ============================================================================

func Test_Cache_FreeMisuse(t *testing.T) {
	m := newTestMachine(t, 2, Config{})
	s := m.newCache(t, "victim", 64, 0)
	other := m.newCache(t, "other", 64, 0)
	cpu := m.cpu(0)

	obj, err := s.Alloc(cpu, mm.GFPKernel)
	require.NoError(t, err)

	t.Run("wrong cache", func(t *testing.T) {
		require.ErrorIs(t, other.Free(cpu, obj), ErrWrongCache)
	})
	t.Run("middle of an object", func(t *testing.T) {
		require.ErrorIs(t, s.Free(cpu, obj+8), ErrBadObject)
	})
	t.Run("not a slab", func(t *testing.T) {
		page, err := m.mm.GetFreePages(cpu, mm.GFPKernel, 0)
		require.NoError(t, err)
		require.ErrorIs(t, s.Free(cpu, page), ErrNotSlab)
		require.NoError(t, m.mm.FreePagesAddr(cpu, page, 0))
	})
	t.Run("double free on the fast path", func(t *testing.T) {
		require.NoError(t, s.Free(cpu, obj))
		require.ErrorIs(t, s.Free(cpu, obj), ErrDoubleFree)
	})
	t.Run("double free on the slow path", func(t *testing.T) {
		remote, err := s.Alloc(cpu, mm.GFPKernel)
		require.NoError(t, err)
		s.flushAll(cpu)
		require.NoError(t, s.Free(m.cpu(1), remote))
		require.ErrorIs(t, s.Free(m.cpu(1), remote), ErrDoubleFree)
	})
	t.Run("zero is ignored", func(t *testing.T) {
		require.NoError(t, s.Free(cpu, 0))
	})

	for _, d := range m.log.Entries() {
		assert.Equal(t, diag.CatSlab, d.Category)
		assert.Equal(t, diag.ActionRejected, d.Action)
	}
	assert.True(t, hasIssue(m.log, "double free"))
	requireConsistent(t, m)
}

// ============================================================================
// Validation
// ============================================================================

// Test_Cache_ValidateQuarantinesCorruptSlab: a slab whose freelist was
// scribbled on is detected and taken out of circulation for good.
func Test_Cache_ValidateQuarantinesCorruptSlab(t *testing.T) {
	m := newTestMachine(t, 2, Config{})
	s := m.newCache(t, "validated", 64, 0)
	cpu := m.cpu(0)

	objs := make([]mm.VirtAddr, 4)
	for i := range objs {
		obj, err := s.Alloc(cpu, mm.GFPKernel)
		require.NoError(t, err)
		objs[i] = obj
	}
	require.NoError(t, s.Validate(cpu))

	sl := m.sa.slabOf(objs[0])
	require.Equal(t, onPartial, sl.list)
	// Point the first free object back at itself.
	first := sl.objAddr(sl.load().freelist())
	s.setFreePointer(first, first)

	err := s.Validate(cpu)
	require.ErrorIs(t, err, ErrCorrupt)
	assert.Equal(t, quarantined, sl.list)
	assert.True(t, sl.load().frozen())
	assert.Equal(t, 0, s.Info().PartialSlabs)

	var found bool
	for _, d := range m.log.Entries() {
		if d.Action == diag.ActionQuarantine {
			found = true
			assert.Equal(t, uint64(sl.pfn), d.PFN)
			assert.Equal(t, "validated", d.Cache)
		}
	}
	assert.True(t, found)

	// Frees to a quarantined slab are absorbed; allocations use new slabs.
	require.NoError(t, s.Free(cpu, objs[1]))
	obj, err := s.Alloc(cpu, mm.GFPKernel)
	require.NoError(t, err)
	assert.NotSame(t, sl, m.sa.slabOf(obj))
	require.NoError(t, s.Validate(cpu))
}

func Test_Cache_InfoAndFlags(t *testing.T) {
	m := newTestMachine(t, 2, Config{})
	s := m.newCache(t, "described", 100, SlabHWCacheAlign|SlabReclaimAccount)

	info := s.Info()
	assert.Equal(t, "described", info.Name)
	assert.Equal(t, 100, info.ObjectSize)
	assert.Equal(t, 128, info.Size)
	assert.Equal(t, format.CacheLineSize, info.Align)
	assert.Equal(t, "HWCACHE_ALIGN|RECLAIM_ACCOUNT", info.Flags.String())
	assert.Equal(t, mm.GFPReclaimable, s.allocGFP&mm.GFPReclaimable)

	obj, err := s.Alloc(m.cpu(0), mm.GFPKernel)
	require.NoError(t, err)
	mt, err := m.mm.PageblockMigrateType(mm.VirtToPFN(obj))
	require.NoError(t, err)
	assert.Equal(t, mm.MigrateReclaimable, mt)
}

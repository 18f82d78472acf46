package slub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/kmemkit/internal/format"
	"github.com/joshuapare/kmemkit/mm"
)

func Test_SizeClasses(t *testing.T) {
	table := newSizeClassTable(DefaultSizeClasses)
	require.Equal(t, []int{8, 16, 32, 64, 96, 128, 192, 256, 512, 1024, 2048, 4096, 8192}, table.sizes)

	cases := []struct {
		size int
		want int
	}{
		{1, 8}, {8, 8}, {9, 16}, {33, 64}, {65, 96}, {96, 96}, {97, 128},
		{129, 192}, {193, 256}, {1000, 1024}, {4097, 8192}, {8192, 8192},
	}
	for _, tc := range cases {
		i := table.class(tc.size)
		require.Less(t, i, table.NumClasses(), "size %d", tc.size)
		assert.Equal(t, tc.want, table.Size(i), "size %d", tc.size)
	}
	assert.Equal(t, table.NumClasses(), table.class(8193))

	assert.Equal(t, "96", sizeName(96))
	assert.Equal(t, "8k", sizeName(8192))
}

func Test_Kmalloc_Caches(t *testing.T) {
	m := newTestMachine(t, 2, Config{})

	for _, name := range []string{"kmalloc-8", "kmalloc-96", "kmalloc-1k", "kmalloc-8k",
		"kmalloc-rcl-64", "dma-kmalloc-192"} {
		_, ok := m.sa.Lookup(name)
		assert.True(t, ok, name)
	}
	assert.Equal(t, "kmalloc-128", m.sa.KmallocCache(100, mm.GFPKernel).Name())
	assert.Equal(t, "kmalloc-rcl-128", m.sa.KmallocCache(100, mm.GFPKernel|mm.GFPReclaimable).Name())
	assert.Equal(t, "dma-kmalloc-128", m.sa.KmallocCache(100, mm.GFPDMA).Name())
	assert.Nil(t, m.sa.KmallocCache(KmallocMaxCacheSize+1, mm.GFPKernel))

	// Power-of-two classes are naturally aligned.
	assert.Equal(t, 256, m.sa.KmallocCache(256, mm.GFPKernel).Info().Align)
	assert.Equal(t, format.PageSize, m.sa.KmallocCache(8192, mm.GFPKernel).Info().Align)
	assert.Equal(t, format.WordSize, m.sa.KmallocCache(96, mm.GFPKernel).Info().Align)
}

func Test_Kmalloc_SmallAllocations(t *testing.T) {
	m := newTestMachine(t, 2, Config{})
	cpu := m.cpu(0)

	zero, err := m.sa.Kmalloc(cpu, 0, mm.GFPKernel)
	require.NoError(t, err)
	assert.Equal(t, ZeroSizePtr, zero)
	require.NoError(t, m.sa.Kfree(cpu, zero))
	require.NoError(t, m.sa.Kfree(cpu, 0))

	obj, err := m.sa.Kmalloc(cpu, 100, mm.GFPKernel)
	require.NoError(t, err)
	size, err := m.sa.Ksize(obj)
	require.NoError(t, err)
	assert.Equal(t, 128, size)
	assert.Zero(t, uint64(obj)%128)

	odd, err := m.sa.Kmalloc(cpu, 90, mm.GFPKernel)
	require.NoError(t, err)
	size, err = m.sa.Ksize(odd)
	require.NoError(t, err)
	assert.Equal(t, 96, size)

	require.NoError(t, m.sa.Kfree(cpu, obj))
	require.NoError(t, m.sa.Kfree(cpu, odd))
	require.ErrorIs(t, m.sa.Kfree(cpu, odd), ErrDoubleFree)

	_, err = m.sa.Kmalloc(cpu, -1, mm.GFPKernel)
	require.ErrorIs(t, err, ErrBadObject)
	requireConsistent(t, m)
}

func Test_Kmalloc_DMA(t *testing.T) {
	m := newTestMachine(t, 2, Config{})
	cpu := m.cpu(1)

	obj, err := m.sa.Kmalloc(cpu, 200, mm.GFPKernel|mm.GFPDMA)
	require.NoError(t, err)
	p := m.mm.Page(mm.VirtToPFN(obj))
	assert.Equal(t, mm.ZoneDMA, p.Zone().Type())
	assert.Same(t, m.sa.KmallocCache(200, mm.GFPDMA), m.sa.slabOf(obj).cache)
	require.NoError(t, m.sa.Kfree(cpu, obj))
}

func Test_Kmalloc_Zeroing(t *testing.T) {
	m := newTestMachine(t, 2, Config{})
	cpu := m.cpu(0)

	obj, err := m.sa.Kmalloc(cpu, 64, mm.GFPKernel)
	require.NoError(t, err)
	stamp(t, m, obj, 64, 0xaa)
	require.NoError(t, m.sa.Kfree(cpu, obj))

	again, err := m.sa.Kzalloc(cpu, 64, mm.GFPKernel)
	require.NoError(t, err)
	require.Equal(t, obj, again)
	assert.Equal(t, make([]byte, 64), objBytes(t, m, again, 64))
}

func Test_Kmalloc_LargeAllocations(t *testing.T) {
	m := newTestMachine(t, 2, Config{})
	cpu := m.cpu(0)

	obj, err := m.sa.Kmalloc(cpu, 10000, mm.GFPKernel)
	require.NoError(t, err)
	pfn := mm.VirtToPFN(obj)
	assert.Equal(t, obj, pfn.Virt(), "large allocations are page aligned")
	assert.Equal(t, mm.StateCompoundHead, m.mm.Page(pfn).State())

	size, err := m.sa.Ksize(obj)
	require.NoError(t, err)
	assert.Equal(t, 4*format.PageSize, size)

	require.ErrorIs(t, m.sa.Kfree(cpu, obj+format.PageSize), ErrNotKmalloc)
	require.NoError(t, m.sa.Kfree(cpu, obj))
	require.ErrorIs(t, m.sa.Kfree(cpu, obj), ErrNotKmalloc)

	_, err = m.sa.Kmalloc(cpu, 8*format.MiB, mm.GFPKernel)
	require.ErrorIs(t, err, mm.ErrOrderRange)

	// Plain page allocations are not kmalloc memory.
	page, err := m.mm.GetFreePages(cpu, mm.GFPKernel, 0)
	require.NoError(t, err)
	require.ErrorIs(t, m.sa.Kfree(cpu, page), ErrNotKmalloc)
	require.NoError(t, m.mm.FreePagesAddr(cpu, page, 0))

	requireConsistent(t, m)
	requireNoSlabPages(t, m)
}

func Test_Kmalloc_Krealloc(t *testing.T) {
	m := newTestMachine(t, 2, Config{})
	cpu := m.cpu(0)

	obj, err := m.sa.Kmalloc(cpu, 20, mm.GFPKernel)
	require.NoError(t, err)
	b := objBytes(t, m, obj, 32)
	for i := range b {
		b[i] = byte(i)
	}

	same, err := m.sa.Krealloc(cpu, obj, 30, mm.GFPKernel)
	require.NoError(t, err)
	assert.Equal(t, obj, same, "fits the current object")

	moved, err := m.sa.Krealloc(cpu, obj, 200, mm.GFPKernel|mm.GFPZero)
	require.NoError(t, err)
	assert.NotEqual(t, obj, moved)
	got := objBytes(t, m, moved, 200)
	for i := range 32 {
		require.Equal(t, byte(i), got[i])
	}
	assert.Equal(t, make([]byte, 200-32), got[32:])
	require.ErrorIs(t, m.sa.Kfree(cpu, obj), ErrDoubleFree, "old object was freed")

	big, err := m.sa.Krealloc(cpu, moved, 3*format.PageSize, mm.GFPKernel)
	require.NoError(t, err)
	assert.Equal(t, mm.StateCompoundHead, m.mm.Page(mm.VirtToPFN(big)).State())

	gone, err := m.sa.Krealloc(cpu, big, 0, mm.GFPKernel)
	require.NoError(t, err)
	assert.Equal(t, ZeroSizePtr, gone)

	fresh, err := m.sa.Krealloc(cpu, 0, 50, mm.GFPKernel)
	require.NoError(t, err)
	require.NoError(t, m.sa.Kfree(cpu, fresh))
	requireConsistent(t, m)
}

// Test_Kmalloc_FreesAnySlabObject: Kfree resolves the cache from the slab,
// so it also frees objects of ordinary caches.
func Test_Kmalloc_FreesAnySlabObject(t *testing.T) {
	m := newTestMachine(t, 2, Config{})
	s := m.newCache(t, "plain", 72, 0)
	cpu := m.cpu(0)

	obj, err := s.Alloc(cpu, mm.GFPKernel)
	require.NoError(t, err)
	size, err := m.sa.Ksize(obj)
	require.NoError(t, err)
	assert.Equal(t, 72, size)
	require.NoError(t, m.sa.Kfree(cpu, obj))
	require.ErrorIs(t, m.sa.Kfree(cpu, obj+1), ErrBadObject)
}

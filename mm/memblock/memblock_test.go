package memblock

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/kmemkit/internal/format"
	"github.com/joshuapare/kmemkit/internal/physmem"
)

const mib = physmem.PhysAddr(format.MiB)

func newTwoNodeMap(t *testing.T) *Memblock {
	t.Helper()
	m := New()
	require.NoError(t, m.AddMemory(0, 0, 8*mib))
	require.NoError(t, m.AddMemory(1, 8*mib, 16*mib))
	return m
}

func Test_Memblock_AddMemoryOverlap(t *testing.T) {
	m := newTwoNodeMap(t)
	err := m.AddMemory(2, 4*mib, 12*mib)
	require.ErrorIs(t, err, ErrOverlap)

	err = m.AddMemory(2, 100, 200)
	require.ErrorIs(t, err, ErrBadRange, "range smaller than a page collapses to nothing")
}

func Test_Memblock_ReserveRoundsOutAndMerges(t *testing.T) {
	m := newTwoNodeMap(t)

	r, err := m.Reserve(0x1010, 0x2001)
	require.NoError(t, err)
	require.Equal(t, physmem.PhysAddr(0x1000), r.Start)
	require.Equal(t, physmem.PhysAddr(0x3000), r.End)

	_, err = m.Reserve(0x3000, 0x4000)
	require.NoError(t, err)

	res := m.Reserved()
	require.Len(t, res, 1, "adjacent reservations merge")
	require.Equal(t, physmem.PhysAddr(0x4000), res[0].End)
	require.Equal(t, 3, m.ReservedPages())

	_, err = m.Reserve(15*mib, 17*mib)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func Test_Memblock_AllocTopDown(t *testing.T) {
	m := newTwoNodeMap(t)

	pa, err := m.Alloc(3*format.PageSize, format.PageSize)
	require.NoError(t, err)
	require.Equal(t, 16*mib-3*format.PageSize, pa)

	pa, err = m.AllocNode(0, format.PageSize, 64*format.KiB)
	require.NoError(t, err)
	require.Equal(t, 8*mib-64*format.KiB, pa)
	require.Zero(t, uint64(pa)%(64*format.KiB))

	_, err = m.Alloc(64*format.MiB, format.PageSize)
	require.ErrorIs(t, err, ErrNoSpace)
}

func Test_Memblock_ForEachFree(t *testing.T) {
	m := newTwoNodeMap(t)
	_, err := m.Reserve(0, format.PageSize)
	require.NoError(t, err)
	_, err = m.Reserve(8*mib-format.PageSize, 8*mib+format.PageSize)
	require.NoError(t, err)

	var free []Range
	require.NoError(t, m.ForEachFree(func(r Range) { free = append(free, r) }))
	require.Len(t, free, 2)
	require.Equal(t, physmem.PhysAddr(format.PageSize), free[0].Start)
	require.Equal(t, 8*mib-format.PageSize, free[0].End)
	require.Equal(t, 8*mib+format.PageSize, free[1].Start)
	require.EqualValues(t, 1, free[1].Node)

	total := 0
	for _, r := range free {
		total += r.Pages()
	}
	require.Equal(t, 4096-3, total)
}

func Test_Memblock_Retire(t *testing.T) {
	m := newTwoNodeMap(t)
	m.Retire()

	_, err := m.Reserve(0, format.PageSize)
	require.ErrorIs(t, err, ErrRetired)
	_, err = m.Alloc(format.PageSize, format.PageSize)
	require.ErrorIs(t, err, ErrRetired)
	require.ErrorIs(t, m.ForEachFree(func(Range) {}), ErrRetired)
	require.ErrorIs(t, m.AddMemory(3, 32*mib, 33*mib), ErrRetired)
}

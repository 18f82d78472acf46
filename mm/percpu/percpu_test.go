package percpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/kmemkit/internal/diag"
	"github.com/joshuapare/kmemkit/internal/format"
	"github.com/joshuapare/kmemkit/internal/physmem"
	"github.com/joshuapare/kmemkit/mm/memblock"
	"github.com/joshuapare/kmemkit/mm/smp"
)

type fixture struct {
	area   *Area
	mb     *memblock.Memblock
	region *physmem.Region
	log    *diag.Log
}

// newFixture builds a two-node, four-CPU machine of 4 MiB per node.
func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	const nodeBytes = 4 * format.MiB
	region, err := physmem.Map(0, 2*nodeBytes)
	require.NoError(t, err)
	t.Cleanup(func() { _ = region.Close() })

	mb := memblock.New()
	require.NoError(t, mb.AddMemory(0, 0, nodeBytes))
	require.NoError(t, mb.AddMemory(1, nodeBytes, 2*nodeBytes))

	cpus, err := smp.NewSet(4, func(id smp.CPUID) smp.NodeID { return smp.NodeID(int(id) % 2) })
	require.NoError(t, err)

	log := diag.NewLog(16)
	cfg.Diag = log
	area, err := Setup(region, mb, cpus, cfg)
	require.NoError(t, err)
	return &fixture{area: area, mb: mb, region: region, log: log}
}

func Test_PerCPU_UnitsAreNodeLocalAndReserved(t *testing.T) {
	f := newFixture(t, Config{StaticSize: 100, DynamicSize: 3000})
	info := f.area.Info()
	require.Equal(t, 4, info.Units)
	require.Equal(t, format.PageSize, info.UnitSize)
	require.Equal(t, 128, info.StaticSize, "static section is cache-line rounded")
	require.Equal(t, format.PageSize-128, info.DynamicFree)

	for id, base := range f.area.units {
		node := id % 2
		lo := physmem.PhysAddr(node) * 4 * format.MiB
		assert.True(t, base >= lo && base < lo+4*format.MiB, "cpu%d unit %#x off node %d", id, base, node)
	}
	require.Equal(t, 4, f.mb.ReservedPages())
}

func Test_PerCPU_BumpAllocation(t *testing.T) {
	f := newFixture(t, Config{StaticSize: 0, DynamicSize: format.PageSize})
	a := f.area

	p1, err := a.Alloc(8, 8)
	require.NoError(t, err)
	p2, err := a.Alloc(100, 8)
	require.NoError(t, err)
	p3, err := a.Alloc(8, 256)
	require.NoError(t, err)

	require.Equal(t, Ptr(0), p1)
	require.Equal(t, Ptr(64), p2, "sizes round to the cache line")
	require.Equal(t, Ptr(256), p3, "stronger alignment pads the bump pointer")

	info := a.Info()
	require.Equal(t, 320, info.DynamicUsed)
	require.Equal(t, format.PageSize-320, info.DynamicFree)

	_, err = a.Alloc(format.PageSize, 8)
	require.ErrorIs(t, err, ErrNoSpace)
	require.Equal(t, format.PageSize-320, a.Info().DynamicFree, "failed allocation does not move the pointer")
}

func Test_PerCPU_CopiesAreIndependent(t *testing.T) {
	f := newFixture(t, Config{DynamicSize: format.PageSize})
	a := f.area

	p, err := a.Alloc(16, 8)
	require.NoError(t, err)
	for cpu := range smp.CPUID(4) {
		b, err := a.Bytes(p, cpu, 16)
		require.NoError(t, err)
		require.Equal(t, make([]byte, 16), b, "fresh area is zeroed")
		format.Fill(b, byte(cpu)+1)
	}
	for cpu := range smp.CPUID(4) {
		b, err := a.Bytes(p, cpu, 16)
		require.NoError(t, err)
		require.Equal(t, byte(cpu)+1, b[0])
		require.Equal(t, byte(cpu)+1, b[15])
	}
}

func Test_PerCPU_StaticSection(t *testing.T) {
	f := newFixture(t, Config{StaticSize: 64, DynamicSize: 64})
	a := f.area

	s1, err := a.AllocStatic(8, 8)
	require.NoError(t, err)
	s2, err := a.AllocStatic(4, 4)
	require.NoError(t, err)
	require.Equal(t, Ptr(0), s1)
	require.Equal(t, Ptr(8), s2)

	_, err = a.AllocStatic(64, 8)
	require.ErrorIs(t, err, ErrNoSpace)

	d, err := a.Alloc(8, 8)
	require.NoError(t, err)
	require.Equal(t, Ptr(64), d, "dynamic window follows the static section")
}

func Test_PerCPU_BadAccess(t *testing.T) {
	f := newFixture(t, Config{StaticSize: 64, DynamicSize: 256})
	a := f.area

	_, err := a.Alloc(0, 8)
	require.ErrorIs(t, err, ErrBadRequest)
	_, err = a.Alloc(8, 3)
	require.ErrorIs(t, err, ErrBadRequest)

	p, err := a.Alloc(8, 8)
	require.NoError(t, err)
	_, err = a.Bytes(p, 4, 8)
	require.ErrorIs(t, err, smp.ErrBadCPU)
	_, err = a.Bytes(p+64, 0, 8)
	require.ErrorIs(t, err, ErrBadPtr, "past the bump pointer")
	_, err = a.Bytes(0, 0, 8)
	require.ErrorIs(t, err, ErrBadPtr, "unused static bytes")
	_, err = a.Bytes(NilPtr, 0, 8)
	require.ErrorIs(t, err, ErrBadPtr)
}

func Test_PerCPU_FreeLeaks(t *testing.T) {
	f := newFixture(t, Config{DynamicSize: format.PageSize})
	a := f.area

	p, err := a.Alloc(64, 64)
	require.NoError(t, err)
	a.Free(p)
	a.Free(NilPtr)

	info := a.Info()
	require.Equal(t, int64(1), info.Leaked)
	require.Equal(t, 64, info.DynamicUsed, "freed area is never handed out again")

	q, err := a.Alloc(64, 64)
	require.NoError(t, err)
	require.NotEqual(t, p, q)

	entries := f.log.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, diag.CatPerCPU, entries[0].Category)
	require.Equal(t, diag.ActionLeaked, entries[0].Action)
}

func Test_PerCPU_BadConfig(t *testing.T) {
	region, err := physmem.Map(0, format.MiB)
	require.NoError(t, err)
	t.Cleanup(func() { _ = region.Close() })
	mb := memblock.New()
	require.NoError(t, mb.AddMemory(0, 0, format.MiB))
	cpus, err := smp.NewSet(1, nil)
	require.NoError(t, err)

	_, err = Setup(region, mb, cpus, Config{DynamicSize: 0})
	require.ErrorIs(t, err, ErrBadRequest)

	_, err = Setup(region, mb, cpus, Config{DynamicSize: 2 * format.MiB})
	require.ErrorIs(t, err, memblock.ErrNoSpace)
}

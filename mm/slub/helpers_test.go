package slub

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/kmemkit/internal/diag"
	"github.com/joshuapare/kmemkit/internal/format"
	"github.com/joshuapare/kmemkit/internal/physmem"
	"github.com/joshuapare/kmemkit/mm"
	"github.com/joshuapare/kmemkit/mm/memblock"
	"github.com/joshuapare/kmemkit/mm/percpu"
	"github.com/joshuapare/kmemkit/mm/smp"
)

// ============================================================================
// Machine Construction
// ============================================================================

// testMachine is a booted two-node machine with the slab layer on top.
type testMachine struct {
	sa     *Allocator
	mm     *mm.Allocator
	pcpu   *percpu.Area
	cpus   *smp.Set
	region *physmem.Region
	log    *diag.Log
}

func (m *testMachine) cpu(i int) *smp.CPU { return m.cpus.CPU(smp.CPUID(i)) }

// newTestMachine boots nodes of 8 MiB each with nrCPUs CPUs spread
// round-robin over two nodes. ZoneDMA covers the first 2 MiB of node 0.
func newTestMachine(t testing.TB, nrCPUs int, cfg Config) *testMachine {
	t.Helper()
	const nodeBytes = 8 * format.MiB
	region, err := physmem.Map(0, 2*nodeBytes)
	require.NoError(t, err)
	t.Cleanup(func() { _ = region.Close() })

	mb := memblock.New()
	require.NoError(t, mb.AddMemory(0, 0, nodeBytes))
	require.NoError(t, mb.AddMemory(1, nodeBytes, 2*nodeBytes))

	cpus, err := smp.NewSet(nrCPUs, func(id smp.CPUID) smp.NodeID { return smp.NodeID(int(id) % 2) })
	require.NoError(t, err)

	log := diag.NewLog(256)
	area, err := percpu.Setup(region, mb, cpus, percpu.Config{DynamicSize: 32 * format.KiB, Diag: log})
	require.NoError(t, err)

	m, err := mm.New(region, mb, cpus, mm.Config{DMALimit: 2 * format.MiB, Diag: log})
	require.NoError(t, err)

	cfg.Diag = log
	sa, err := New(m, area, cfg)
	require.NoError(t, err)
	return &testMachine{sa: sa, mm: m, pcpu: area, cpus: cpus, region: region, log: log}
}

func (m *testMachine) newCache(t testing.TB, name string, size int, flags Flags) *Cache {
	t.Helper()
	s, err := m.sa.Create(name, size, 0, flags, nil)
	require.NoError(t, err)
	return s
}

// ============================================================================
// Assertions
// ============================================================================

// requireConsistent validates every cache and the page allocator beneath.
func requireConsistent(t testing.TB, m *testMachine) {
	t.Helper()
	require.NoError(t, m.sa.ValidateAll(nil))
	require.NoError(t, m.mm.CheckInvariants(nil))
}

// requireNoSlabPages checks that every zone has all of its managed pages
// back once the caches are shrunk and the pcp lists drained.
func requireNoSlabPages(t testing.TB, m *testMachine) {
	t.Helper()
	m.sa.ShrinkAll(nil)
	m.mm.DrainAllPages(nil)
	for _, z := range m.mm.Zones() {
		require.Equal(t, z.Managed(), z.FreePages(), "zone %v", z)
	}
}

func objBytes(t testing.TB, m *testMachine, obj mm.VirtAddr, n int) []byte {
	t.Helper()
	b, err := m.sa.Bytes(obj, n)
	require.NoError(t, err)
	return b
}

// stamp writes v over the first n bytes of obj.
func stamp(t testing.TB, m *testMachine, obj mm.VirtAddr, n int, v byte) {
	t.Helper()
	format.Fill(objBytes(t, m, obj, n), v)
}

func hasIssue(log *diag.Log, issue string) bool {
	for _, d := range log.Entries() {
		if d.Issue == issue {
			return true
		}
	}
	return false
}

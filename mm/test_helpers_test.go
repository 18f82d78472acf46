package mm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/kmemkit/internal/diag"
	"github.com/joshuapare/kmemkit/internal/format"
	"github.com/joshuapare/kmemkit/internal/physmem"
	"github.com/joshuapare/kmemkit/mm/memblock"
	"github.com/joshuapare/kmemkit/mm/smp"
)

// ============================================================================
// Machine Construction
// ============================================================================

const testMiB = PhysAddr(format.MiB)

// machineConfig describes a simulated machine: nodes of equal size laid out
// back to back from physical address 0, one CPU per node unless CPUs says
// otherwise (CPUs are spread round-robin over nodes).
type machineConfig struct {
	Nodes   int
	NodeMiB int
	CPUs    int
	Reserve [][2]PhysAddr
	MM      Config
}

func defaultMachine() machineConfig {
	return machineConfig{
		Nodes:   2,
		NodeMiB: 8,
		MM:      Config{DMALimit: 2 * testMiB},
	}
}

type testMachine struct {
	a      *Allocator
	cpus   *smp.Set
	region *physmem.Region
	log    *diag.Log
}

func (m *testMachine) cpu(i int) *smp.CPU { return m.cpus.CPU(smp.CPUID(i)) }

func newTestMachine(t testing.TB, cfg machineConfig) *testMachine {
	t.Helper()
	if cfg.CPUs == 0 {
		cfg.CPUs = cfg.Nodes
	}
	nodeBytes := PhysAddr(cfg.NodeMiB) * testMiB
	region, err := physmem.Map(0, cfg.Nodes*cfg.NodeMiB*format.MiB)
	require.NoError(t, err)
	t.Cleanup(func() { _ = region.Close() })

	mb := memblock.New()
	for n := range cfg.Nodes {
		start := PhysAddr(n) * nodeBytes
		require.NoError(t, mb.AddMemory(NodeID(n), start, start+nodeBytes))
	}
	for _, r := range cfg.Reserve {
		_, err := mb.Reserve(r[0], r[1])
		require.NoError(t, err)
	}

	nodes := cfg.Nodes
	cpus, err := smp.NewSet(cfg.CPUs, func(id smp.CPUID) smp.NodeID { return smp.NodeID(int(id) % nodes) })
	require.NoError(t, err)

	log := diag.NewLog(64)
	mmCfg := cfg.MM
	mmCfg.Diag = log
	a, err := New(region, mb, cpus, mmCfg)
	require.NoError(t, err)
	return &testMachine{a: a, cpus: cpus, region: region, log: log}
}

// ============================================================================
// Assertions
// ============================================================================

func requireInvariants(t testing.TB, a *Allocator) {
	t.Helper()
	require.NoError(t, a.CheckInvariants(nil))
}

// requireAllFree drains every pcp list and checks that each zone has all
// of its managed pages back on the buddy lists.
func requireAllFree(t testing.TB, a *Allocator) {
	t.Helper()
	a.DrainAllPages(nil)
	requireInvariants(t, a)
	for _, z := range a.Zones() {
		require.Equal(t, z.Managed(), z.FreePages(), "zone %v", z)
	}
}

func nrFreeSnapshot(a *Allocator) map[string][]int {
	out := make(map[string][]int)
	for _, info := range a.BuddyInfo() {
		out[fmt.Sprintf("node%d/%s", info.Node, info.Zone)] = info.NrFree
	}
	return out
}

func writeMarker(t testing.TB, r *physmem.Region, pfn PFN, v byte) {
	t.Helper()
	b, err := r.Bytes(pfn.Phys(), format.PageSize)
	require.NoError(t, err)
	format.Fill(b, v)
}

func pageBytes(t testing.TB, r *physmem.Region, pfn PFN, order int) []byte {
	t.Helper()
	b, err := r.Bytes(pfn.Phys(), format.PageSize<<order)
	require.NoError(t, err)
	return b
}

package mm

// ZoneInfo is a point-in-time summary of one zone.
type ZoneInfo struct {
	Node    NodeID
	Zone    string
	Start   PFN
	Spanned int
	Present int
	Managed int
	Free    int
	PCP     int // pages cached on per-CPU lists

	WmarkMin, WmarkLow, WmarkHigh int
	PCPBatch, PCPHigh             int

	// NrFree[order] is the number of free blocks of each order.
	NrFree []int
	// FreeByType[mt][order] splits NrFree by migrate type.
	FreeByType [NumMigrateTypes][]int
	// Pageblocks counts pageblocks by migrate type.
	Pageblocks [NumMigrateTypes]int

	Allocs        int64
	Frees         int64
	Fallbacks     int64
	Claimed       int64
	PCPRefills    int64
	PCPDrained    int64
	WatermarkFail int64
	Quarantined   int64
}

// ZoneInfo snapshots z. The pcp count is read without stopping the CPUs and
// is approximate while they run.
func (a *Allocator) ZoneInfo(z *Zone) ZoneInfo {
	info := ZoneInfo{
		Node:          z.node,
		Zone:          z.name,
		Start:         z.startPFN,
		Spanned:       z.spanned,
		Present:       z.present,
		Managed:       z.Managed(),
		WmarkMin:      int(z.wmark[wmarkMin]),
		WmarkLow:      int(z.wmark[wmarkLow]),
		WmarkHigh:     int(z.wmark[wmarkHigh]),
		NrFree:        make([]int, a.maxOrder),
		Allocs:        z.stats.allocs.Load(),
		Frees:         z.stats.frees.Load(),
		Fallbacks:     z.stats.fallbacks.Load(),
		Claimed:       z.stats.claimed.Load(),
		PCPRefills:    z.stats.pcpRefills.Load(),
		PCPDrained:    z.stats.pcpDrained.Load(),
		WatermarkFail: z.stats.watermarkFail.Load(),
		Quarantined:   z.stats.quarantined.Load(),
	}
	if len(z.pcp) > 0 {
		info.PCPBatch, info.PCPHigh = z.pcp[0].batch, z.pcp[0].high
	}
	for mt := range info.FreeByType {
		info.FreeByType[mt] = make([]int, a.maxOrder)
	}
	for i := range z.pageblockMTs {
		info.Pageblocks[z.pageblockMTs[i].Load()]++
	}

	z.lock.Lock()
	for order := range z.freeArea {
		area := &z.freeArea[order]
		info.NrFree[order] = area.nrFree
		for mt := range area.lists {
			info.FreeByType[mt][order] = area.lists[mt].n
		}
	}
	info.Free = int(z.freePages.Load())
	z.lock.Unlock()

	for _, c := range a.cpus.All() {
		c.Interrupt(func() { info.PCP += z.pcp[c.ID()].count })
	}
	return info
}

// BuddyInfo returns the free block count per order of every populated zone.
func (a *Allocator) BuddyInfo() []ZoneInfo {
	zones := a.Zones()
	out := make([]ZoneInfo, 0, len(zones))
	for _, z := range zones {
		out = append(out, a.ZoneInfo(z))
	}
	return out
}

// Totals sums managed, free and pcp-cached pages over every zone.
func (a *Allocator) Totals() (managed, free, pcp int) {
	for _, info := range a.BuddyInfo() {
		managed += info.Managed
		free += info.Free
		pcp += info.PCP
	}
	return managed, free, pcp
}

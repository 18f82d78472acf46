package mm

import (
	"github.com/joshuapare/kmemkit/internal/format"
	"github.com/joshuapare/kmemkit/mm/smp"
)

// perCPUPages caches order-0 pages of one zone for one CPU. It is only
// touched with that CPU's interrupts disabled.
type perCPUPages struct {
	count int // pages on all lists
	high  int // drain batch pages back when count reaches this
	batch int // pages moved to or from the buddy lists at once
	lists [PCPTypes]freeList
}

// zoneBatchSize sizes the pcp batch at about a thousandth of the zone,
// capped at half a megabyte, and kept one below a power of two so that
// consecutive batches do not map onto the same cache colors.
func zoneBatchSize(managed int) int {
	batch := managed / 1024
	if batch*format.PageSize > 512*format.KiB {
		batch = 512 * format.KiB / format.PageSize
	}
	batch /= 4
	if batch < 1 {
		batch = 1
	}
	return max(int(format.RoundDownPowerOfTwo(uint(batch+batch/2)))-1, 1)
}

func (a *Allocator) setupPCP() {
	for _, z := range a.Zones() {
		batch := a.cfg.PCPBatch
		if batch == 0 {
			batch = zoneBatchSize(z.Managed())
		}
		high := a.cfg.PCPHigh
		if high == 0 {
			high = 6 * batch
		}
		for i := range z.pcp {
			z.pcp[i].batch = batch
			z.pcp[i].high = high
		}
	}
}

// rmqueuePCP takes an order-0 page from cpu's list for z, refilling the list
// with a batch from the buddy lists when empty.
func (a *Allocator) rmqueuePCP(cpu *smp.CPU, z *Zone, mt MigrateType) PFN {
	flags := cpu.LocalIRQSave()
	defer cpu.LocalIRQRestore(flags)

	pcp := &z.pcp[cpu.ID()]
	l := &pcp.lists[mt]
	if l.empty() {
		pcp.count += a.rmqueueBulk(z, pcp.batch, mt, l)
		if l.empty() {
			return NoPFN
		}
	}
	p := a.page(l.head)
	a.listDel(l, p)
	pcp.count--
	p.setState(StateNone)
	return p.pfn
}

// rmqueueBulk moves up to count order-0 pages of mt from the buddy lists to l.
func (a *Allocator) rmqueueBulk(z *Zone, count int, mt MigrateType, l *freeList) int {
	z.lock.Lock()
	defer z.lock.Unlock()
	n := 0
	for ; n < count; n++ {
		pfn := a.rmqueueLocked(z, 0, mt)
		if pfn == NoPFN {
			break
		}
		p := a.page(pfn)
		p.setState(StatePCP)
		p.mt = mt
		a.listAdd(l, p, true)
	}
	if n > 0 {
		z.stats.pcpRefills.Add(1)
	}
	return n
}

// freeUnrefPage frees an order-0 page (in StateNone) through cpu's pcp list.
// Pages of isolated pageblocks, and frees from outside any CPU, go straight
// to the buddy lists.
func (a *Allocator) freeUnrefPage(cpu *smp.CPU, z *Zone, p *Page) {
	mt := z.pageblockMT(p.pfn)
	if cpu == nil || mt == MigrateIsolate {
		z.lock.Lock()
		a.freeOneBlock(z, p.pfn, 0, z.pageblockMT(p.pfn))
		z.lock.Unlock()
		return
	}

	flags := cpu.LocalIRQSave()
	defer cpu.LocalIRQRestore(flags)

	pcp := &z.pcp[cpu.ID()]
	p.setState(StatePCP)
	p.mt = mt
	a.listAdd(&pcp.lists[mt], p, false)
	pcp.count++
	if pcp.count >= pcp.high {
		a.freePCPBulk(z, pcp, pcp.batch)
	}
}

// freePCPBulk returns up to count pages from pcp to the buddy lists, taking
// the coldest page of each list in turn. The caller owns pcp.
func (a *Allocator) freePCPBulk(z *Zone, pcp *perCPUPages, count int) {
	z.lock.Lock()
	defer z.lock.Unlock()
	mt := 0
	freed := 0
	for count > 0 && pcp.count > 0 {
		l := &pcp.lists[mt]
		mt = (mt + 1) % PCPTypes
		if l.empty() {
			continue
		}
		p := a.page(l.tail)
		a.listDel(l, p)
		pcp.count--
		count--
		freed++
		p.setState(StateNone)
		target := p.mt
		if pbmt := z.pageblockMT(p.pfn); pbmt == MigrateIsolate {
			target = pbmt
		}
		a.freeOneBlock(z, p.pfn, 0, target)
	}
	z.stats.pcpDrained.Add(int64(freed))
}

// DrainLocalPages returns every page cached on cpu's lists to the buddy
// lists. It must be called by the goroutine driving cpu.
func (a *Allocator) DrainLocalPages(cpu *smp.CPU) {
	flags := cpu.LocalIRQSave()
	defer cpu.LocalIRQRestore(flags)
	a.drainCPU(cpu)
}

// DrainAllPages drains the lists of every CPU. self is the caller's CPU, or
// nil when the caller is not a CPU.
func (a *Allocator) DrainAllPages(self *smp.CPU) {
	a.cpus.OnEach(self, a.drainCPU)
}

// drainCPU runs with cpu's interrupts disabled.
func (a *Allocator) drainCPU(cpu *smp.CPU) {
	for _, z := range a.Zones() {
		pcp := &z.pcp[cpu.ID()]
		if pcp.count > 0 {
			a.freePCPBulk(z, pcp, pcp.count)
		}
	}
}

// PCPCount returns the pages cached for z on cpu.
func (a *Allocator) PCPCount(self, cpu *smp.CPU, z *Zone) int {
	n := 0
	smp.RunOn(self, cpu, func() { n = z.pcp[cpu.ID()].count })
	return n
}

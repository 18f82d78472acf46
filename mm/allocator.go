package mm

import (
	"fmt"
	"sync/atomic"

	"github.com/joshuapare/kmemkit/internal/diag"
	"github.com/joshuapare/kmemkit/internal/format"
	"github.com/joshuapare/kmemkit/internal/klog"
	"github.com/joshuapare/kmemkit/internal/physmem"
	"github.com/joshuapare/kmemkit/mm/memblock"
	"github.com/joshuapare/kmemkit/mm/smp"
)

// DefaultDMALimit is the end of ZoneDMA on every node.
const DefaultDMALimit = PhysAddr(16 * format.MiB)

// Config tunes the page allocator. Zero fields take defaults.
type Config struct {
	// MaxOrder is the number of buddy orders; blocks range from order 0 to
	// MaxOrder-1. Default format.DefaultMaxOrder.
	MaxOrder int

	// DMALimit is the physical address below which frames belong to ZoneDMA.
	// Default DefaultDMALimit.
	DMALimit PhysAddr

	// MovablePercent places this share of each node's highest memory in
	// ZoneMovable. 0 leaves ZoneMovable empty.
	MovablePercent int

	// PCPBatch and PCPHigh override the per-CPU page list sizing. 0 derives
	// them from the zone size.
	PCPBatch int
	PCPHigh  int

	// MinFreeKbytes sets the min watermark, spread over zones by size.
	MinFreeKbytes int

	// Diag receives bad-page reports. nil only logs them.
	Diag *diag.Log
}

func (c *Config) setDefaults() error {
	if c.MaxOrder == 0 {
		c.MaxOrder = format.DefaultMaxOrder
	}
	if c.MaxOrder < 1 || c.MaxOrder > format.MaxOrderLimit {
		return fmt.Errorf("%w: MaxOrder %d (want 1..%d)", ErrOrderRange, c.MaxOrder, format.MaxOrderLimit)
	}
	if c.DMALimit == 0 {
		c.DMALimit = DefaultDMALimit
	}
	if c.MovablePercent < 0 || c.MovablePercent > 90 {
		return fmt.Errorf("%w: MovablePercent %d (want 0..90)", ErrBadTopology, c.MovablePercent)
	}
	if c.PCPBatch < 0 || c.PCPHigh < 0 || c.MinFreeKbytes < 0 {
		return fmt.Errorf("%w: negative pcp or watermark tunable", ErrBadTopology)
	}
	if c.PCPHigh > 0 && c.PCPBatch > 0 && c.PCPHigh < c.PCPBatch {
		return fmt.Errorf("%w: PCPHigh %d below PCPBatch %d", ErrBadTopology, c.PCPHigh, c.PCPBatch)
	}
	return nil
}

// Allocator is the zoned buddy page allocator of one machine.
type Allocator struct {
	cfg            Config
	region         *physmem.Region
	cpus           *smp.Set
	maxOrder       int
	pageblockOrder int

	basePFN PFN
	pages   []Page // memmap, indexed by pfn - basePFN

	nodes []*Node
	diag  *diag.Log
}

// New builds the page allocator over region. Node layout comes from the
// memory ranges registered in mb; every range mb has not reserved is handed
// to the buddy lists and mb is retired. Every CPU's node must have memory.
func New(region *physmem.Region, mb *memblock.Memblock, cpus *smp.Set, cfg Config) (*Allocator, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	a := &Allocator{
		cfg:            cfg,
		region:         region,
		cpus:           cpus,
		maxOrder:       cfg.MaxOrder,
		pageblockOrder: cfg.MaxOrder - 1,
		basePFN:        PhysToPFN(region.Base()),
		diag:           cfg.Diag,
	}
	a.pages = make([]Page, region.Size()>>format.PageShift)
	for i := range a.pages {
		p := &a.pages[i]
		p.pfn = a.basePFN + PFN(i)
		p.prev, p.next, p.head = NoPFN, NoPFN, NoPFN
	}

	mem := mb.Memory()
	if len(mem) == 0 {
		return nil, fmt.Errorf("%w: no memory registered", ErrBadTopology)
	}
	if err := a.initNodes(mem); err != nil {
		return nil, err
	}
	for _, c := range cpus.All() {
		if int(c.Node()) < 0 || int(c.Node()) >= len(a.nodes) {
			return nil, fmt.Errorf("%w: %v on node %d without memory", ErrBadTopology, c, c.Node())
		}
	}
	buildZonelists(a.nodes)

	if err := mb.ForEachFree(a.freeBootRange); err != nil {
		return nil, fmt.Errorf("mm: hand over boot memory: %w", err)
	}
	mb.Retire()

	a.setupWatermarks()
	a.setupPCP()
	for _, z := range a.Zones() {
		klog.Info("mm: zone online", "zone", z.String(),
			"start", z.startPFN.String(), "spanned", z.spanned,
			"present", z.present, "managed", z.Managed())
	}
	return a, nil
}

func (a *Allocator) initNodes(mem []memblock.Range) error {
	maxNode := smp.NodeID(-1)
	for _, r := range mem {
		if !a.region.Contains(r.Start, int(r.Size())) {
			return fmt.Errorf("%w: %v outside physical region", ErrBadTopology, r)
		}
		if r.Node < 0 {
			return fmt.Errorf("%w: %v has negative node", ErrBadTopology, r)
		}
		maxNode = max(maxNode, r.Node)
	}
	a.nodes = make([]*Node, maxNode+1)
	for id := range a.nodes {
		var ranges []memblock.Range
		for _, r := range mem {
			if r.Node == smp.NodeID(id) {
				ranges = append(ranges, r)
			}
		}
		if len(ranges) == 0 {
			return fmt.Errorf("%w: node %d has no memory", ErrBadTopology, id)
		}
		a.nodes[id] = a.initNode(smp.NodeID(id), ranges)
	}
	for i, n := range a.nodes {
		for _, m := range a.nodes[i+1:] {
			if n.startPFN < m.startPFN+PFN(m.spanned) && m.startPFN < n.startPFN+PFN(n.spanned) {
				return fmt.Errorf("%w: %v and %v spans interleave", ErrBadTopology, n, m)
			}
		}
	}
	return nil
}

func (a *Allocator) initNode(id NodeID, ranges []memblock.Range) *Node {
	start := PhysToPFN(ranges[0].Start)
	end := PhysToPFN(ranges[len(ranges)-1].End)
	n := &Node{id: id, startPFN: start, spanned: int(end - start)}

	present := 0
	for _, r := range ranges {
		present += r.Pages()
	}
	dmaEnd := min(max(PhysToPFN(a.cfg.DMALimit), start), end)
	movableStart := end
	if a.cfg.MovablePercent > 0 {
		want := PFN(present * a.cfg.MovablePercent / 100)
		pbPages := PFN(1) << a.pageblockOrder
		if end-start > want {
			movableStart = max((end-want)&^(pbPages-1), dmaEnd)
		}
	}

	spans := [NumZoneTypes][2]PFN{
		ZoneDMA:     {start, dmaEnd},
		ZoneNormal:  {dmaEnd, movableStart},
		ZoneMovable: {movableStart, end},
	}
	for t := range NumZoneTypes {
		n.zones[t] = a.initZone(id, t, spans[t][0], spans[t][1], ranges)
	}
	return n
}

func (a *Allocator) initZone(node NodeID, t ZoneType, start, end PFN, ranges []memblock.Range) *Zone {
	z := &Zone{
		a:        a,
		node:     node,
		typ:      t,
		name:     t.String(),
		startPFN: start,
		spanned:  int(end - start),
		freeArea: make([]freeArea, a.maxOrder),
		pcp:      make([]perCPUPages, a.cpus.Len()),
	}
	for o := range z.freeArea {
		for mt := range z.freeArea[o].lists {
			z.freeArea[o].lists[mt].init()
		}
	}
	for i := range z.pcp {
		for mt := range z.pcp[i].lists {
			z.pcp[i].lists[mt].init()
		}
	}
	if end <= start {
		return z
	}
	for _, r := range ranges {
		lo := max(PhysToPFN(r.Start), start)
		hi := min(PhysToPFN(r.End), end)
		if hi > lo {
			z.present += int(hi - lo)
		}
	}
	shift := uint(a.pageblockOrder)
	z.pageblockMTs = make([]atomic.Uint32, int((end-1)>>shift-start>>shift)+1)
	for i := range z.pageblockMTs {
		z.pageblockMTs[i].Store(uint32(MigrateMovable))
	}
	for pfn := start; pfn < end; pfn++ {
		a.page(pfn).zone = z
	}
	return z
}

// freeBootRange releases one memblock free range to the buddy lists, split
// at zone boundaries and into the largest aligned blocks that fit.
func (a *Allocator) freeBootRange(r memblock.Range) {
	n := a.nodes[r.Node]
	lo, hi := PhysToPFN(r.Start), PhysToPFN(r.End)
	for _, z := range n.zones {
		start, end := max(lo, z.startPFN), min(hi, z.EndPFN())
		for start < end {
			order := a.maxOrder - 1
			for order > 0 && (start&(PFN(1)<<order-1) != 0 || start+PFN(1)<<order > end) {
				order--
			}
			a.freeBootBlock(z, start, order)
			start += PFN(1) << order
		}
	}
}

func (a *Allocator) freeBootBlock(z *Zone, pfn PFN, order int) {
	nr := PFN(1) << order
	for i := range nr {
		a.page(pfn + i).setState(StateNone)
	}
	z.managed.Add(int64(nr))
	z.lock.Lock()
	a.freeOneBlock(z, pfn, order, z.pageblockMT(pfn))
	z.lock.Unlock()
}

// setupWatermarks spreads MinFreeKbytes over the zones by managed size and
// derives the low/high marks from it.
func (a *Allocator) setupWatermarks() {
	pagesMin := int64(a.cfg.MinFreeKbytes) >> (format.PageShift - 10)
	var total int64
	for _, z := range a.Zones() {
		total += z.managed.Load()
	}
	for _, z := range a.Zones() {
		managed := z.managed.Load()
		var tmp int64
		if total > 0 {
			tmp = pagesMin * managed / total
		}
		scale := max(tmp/4, managed*10/10000)
		z.wmark[wmarkMin] = tmp
		z.wmark[wmarkLow] = tmp + scale
		z.wmark[wmarkHigh] = tmp + 2*scale
	}
}

func (a *Allocator) page(pfn PFN) *Page {
	if pfn < a.basePFN || pfn-a.basePFN >= PFN(len(a.pages)) {
		return nil
	}
	return &a.pages[pfn-a.basePFN]
}

// Page returns the descriptor of pfn, or nil outside the physical region.
func (a *Allocator) Page(pfn PFN) *Page { return a.page(pfn) }

// Region returns the physical memory the allocator manages.
func (a *Allocator) Region() *physmem.Region { return a.region }

// CPUs returns the machine's CPUs.
func (a *Allocator) CPUs() *smp.Set { return a.cpus }

// MaxOrder returns the number of buddy orders.
func (a *Allocator) MaxOrder() int { return a.maxOrder }

// PageblockOrder returns the order of a pageblock.
func (a *Allocator) PageblockOrder() int { return a.pageblockOrder }

// Nodes returns the memory nodes in id order.
func (a *Allocator) Nodes() []*Node { return a.nodes }

// Node returns the node with the given id, or nil.
func (a *Allocator) Node(id NodeID) *Node {
	if id < 0 || int(id) >= len(a.nodes) {
		return nil
	}
	return a.nodes[id]
}

// Zones returns every populated zone, by node then zone type.
func (a *Allocator) Zones() []*Zone {
	var out []*Zone
	for _, n := range a.nodes {
		for _, z := range n.zones {
			if z.populated() {
				out = append(out, z)
			}
		}
	}
	return out
}

// Diag returns the diagnostics log (possibly nil).
func (a *Allocator) Diag() *diag.Log { return a.diag }

func (a *Allocator) report(d diag.Diagnostic) { a.diag.Report(d) }

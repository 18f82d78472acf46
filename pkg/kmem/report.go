package kmem

import (
	"encoding/json"
	"io"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/joshuapare/kmemkit/internal/format"
	"github.com/joshuapare/kmemkit/mm"
	"github.com/joshuapare/kmemkit/mm/percpu"
	"github.com/joshuapare/kmemkit/mm/slub"
	"github.com/joshuapare/kmemkit/pkg/types"
)

// CacheSnapshot is one cache's geometry, occupancy and event counters.
type CacheSnapshot struct {
	slub.Info
	Stats map[string]int64 `json:"stats,omitempty"`
}

// Snapshot is a point-in-time view of the whole allocator stack. Counts
// read while other CPUs run are approximate.
type Snapshot struct {
	Nodes    int `json:"nodes"`
	CPUs     int `json:"cpus"`
	MaxOrder int `json:"max_order"`

	ManagedPages int `json:"managed_pages"`
	FreePages    int `json:"free_pages"`
	PCPPages     int `json:"pcp_pages"`

	Zones       []mm.ZoneInfo     `json:"zones"`
	Caches      []CacheSnapshot   `json:"caches"`
	PerCPU      percpu.Info       `json:"percpu"`
	Diagnostics types.DiagSummary `json:"diagnostics"`
}

// Snapshot collects zone, cache and per-CPU statistics.
func (s *System) Snapshot() (Snapshot, error) {
	if s.closed.Load() {
		return Snapshot{}, ErrClosed
	}
	snap := Snapshot{
		Nodes:    s.opts.Nodes,
		CPUs:     s.cpus.Len(),
		MaxOrder: s.mm.MaxOrder(),
		Zones:    s.mm.BuddyInfo(),
		PerCPU:   s.pcpu.Info(),
	}
	for _, z := range snap.Zones {
		snap.ManagedPages += z.Managed
		snap.FreePages += z.Free
		snap.PCPPages += z.PCP
	}
	for _, c := range s.slab.Caches() {
		cs := CacheSnapshot{Info: c.Info(), Stats: make(map[string]int64)}
		for st, v := range c.Stats() {
			if v != 0 {
				cs.Stats[slub.Stat(st).String()] = v
			}
		}
		snap.Caches = append(snap.Caches, cs)
	}
	snap.Diagnostics = s.Diagnostics().Summary
	return snap, nil
}

// WriteJSON writes the snapshot as indented JSON.
func (snap Snapshot) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

func newPrinter() *message.Printer { return message.NewPrinter(language.English) }

// WriteBuddyInfo writes the free block count per order of every zone, one
// line per zone, in the layout of /proc/buddyinfo.
func (s *System) WriteBuddyInfo(w io.Writer) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return writeBuddyInfo(w, s.mm.BuddyInfo())
}

func writeBuddyInfo(w io.Writer, zones []mm.ZoneInfo) error {
	p := newPrinter()
	for _, z := range zones {
		if _, err := p.Fprintf(w, "Node %d, zone %8s", z.Node, z.Zone); err != nil {
			return err
		}
		for _, n := range z.NrFree {
			p.Fprintf(w, " %6d", n)
		}
		if _, err := io.WriteString(w, "\n"); err != nil {
			return err
		}
	}
	return nil
}

// WriteZoneInfo writes each zone's sizes, watermarks, per-CPU list sizing,
// pageblock types and event counters.
func (s *System) WriteZoneInfo(w io.Writer) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return writeZoneInfo(w, s.mm.BuddyInfo())
}

func writeZoneInfo(w io.Writer, zones []mm.ZoneInfo) error {
	p := newPrinter()
	for _, z := range zones {
		p.Fprintf(w, "Node %d, zone %s\n", z.Node, z.Zone)
		p.Fprintf(w, "  pages free     %d\n", z.Free)
		p.Fprintf(w, "        min      %d\n", z.WmarkMin)
		p.Fprintf(w, "        low      %d\n", z.WmarkLow)
		p.Fprintf(w, "        high     %d\n", z.WmarkHigh)
		p.Fprintf(w, "        spanned  %d\n", z.Spanned)
		p.Fprintf(w, "        present  %d\n", z.Present)
		p.Fprintf(w, "        managed  %d\n", z.Managed)
		p.Fprintf(w, "  start_pfn      %#x\n", uint64(z.Start))
		p.Fprintf(w, "  pcp            count %d high %d batch %d\n", z.PCP, z.PCPHigh, z.PCPBatch)

		var blocks []string
		for mt, n := range z.Pageblocks {
			if n > 0 {
				blocks = append(blocks, p.Sprintf("%s %d", mm.MigrateType(mt), n))
			}
		}
		p.Fprintf(w, "  pageblocks     %s\n", strings.Join(blocks, ", "))

		p.Fprintf(w, "  allocs         %d\n", z.Allocs)
		p.Fprintf(w, "  frees          %d\n", z.Frees)
		p.Fprintf(w, "  fallbacks      %d (claimed %d)\n", z.Fallbacks, z.Claimed)
		p.Fprintf(w, "  pcp refills    %d\n", z.PCPRefills)
		p.Fprintf(w, "  pcp drained    %d\n", z.PCPDrained)
		p.Fprintf(w, "  wmark fails    %d\n", z.WatermarkFail)
		if _, err := p.Fprintf(w, "  quarantined    %d\n", z.Quarantined); err != nil {
			return err
		}
	}
	return nil
}

// WriteSlabInfo writes one line per cache in the layout of /proc/slabinfo.
func (s *System) WriteSlabInfo(w io.Writer) error {
	if s.closed.Load() {
		return ErrClosed
	}
	var infos []slub.Info
	for _, c := range s.slab.Caches() {
		infos = append(infos, c.Info())
	}
	return writeSlabInfo(w, infos)
}

func writeSlabInfo(w io.Writer, infos []slub.Info) error {
	p := newPrinter()
	if _, err := p.Fprintf(w, "# %-17s %10s %10s %8s %10s %12s : slabdata %10s %10s\n",
		"name", "<active_objs>", "<num_objs>", "<objsize>", "<objperslab>", "<pagesperslab>",
		"<active_slabs>", "<num_slabs>"); err != nil {
		return err
	}
	for _, info := range infos {
		name := info.Name
		if len(info.Aliases) > 0 {
			name += "*"
		}
		if _, err := p.Fprintf(w, "%-19s %13d %10d %9d %12d %15d : slabdata %14d %11d\n",
			name, info.ActiveObjects, info.Objects, info.Size, info.ObjsPerSlab,
			1<<info.Order, info.Slabs, info.Slabs); err != nil {
			return err
		}
	}
	return nil
}

// WriteSummary writes a short overview of memory and caches.
func (s *System) WriteSummary(w io.Writer) error {
	snap, err := s.Snapshot()
	if err != nil {
		return err
	}
	p := newPrinter()
	p.Fprintf(w, "nodes %d, cpus %d, max order %d\n", snap.Nodes, snap.CPUs, snap.MaxOrder)
	p.Fprintf(w, "memory   %d KiB managed, %d KiB free, %d KiB on per-CPU lists\n",
		snap.ManagedPages*format.PageSize/format.KiB, snap.FreePages*format.PageSize/format.KiB,
		snap.PCPPages*format.PageSize/format.KiB)
	objects, active, slabPages := 0, 0, 0
	for _, c := range snap.Caches {
		objects += c.Objects
		active += c.ActiveObjects
		slabPages += c.Slabs << c.Order
	}
	p.Fprintf(w, "slab     %d caches, %d/%d objects active, %d pages\n",
		len(snap.Caches), active, objects, slabPages)
	p.Fprintf(w, "percpu   %d units of %d bytes, %d dynamic bytes used, %d free\n",
		snap.PerCPU.Units, snap.PerCPU.UnitSize, snap.PerCPU.DynamicUsed, snap.PerCPU.DynamicFree)
	_, err = p.Fprintf(w, "issues   %d errors, %d warnings, %d quarantined, %d leaked\n",
		snap.Diagnostics.Errors+snap.Diagnostics.Critical, snap.Diagnostics.Warnings,
		snap.Diagnostics.Quarantined, snap.Diagnostics.Leaked)
	return err
}

package main

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/joshuapare/kmemkit/pkg/kmem"
)

var printer = message.NewPrinter(language.English)

// usageBar draws a fixed-width bar filled in proportion to used/total.
func usageBar(used, total, width int) string {
	if width <= 0 {
		return ""
	}
	filled := 0
	if total > 0 {
		filled = max(0, min(width, used*width/total))
	}
	return barFullStyle.Render(strings.Repeat("█", filled)) +
		barEmptyStyle.Render(strings.Repeat("░", width-filled))
}

func percent(part, whole int) int {
	if whole <= 0 {
		return 0
	}
	return part * 100 / whole
}

// renderBuddy lays out one block per zone: occupancy, watermarks and the
// number of free blocks of each order.
func renderBuddy(snap kmem.Snapshot) string {
	var b strings.Builder
	orders := tableHeaderStyle.Render(fmt.Sprintf("%-8s", "order"))
	for o := range snap.MaxOrder {
		orders += tableHeaderStyle.Render(fmt.Sprintf("%7d", o))
	}

	for i, z := range snap.Zones {
		if i > 0 {
			b.WriteString("\n")
		}
		used := z.Managed - z.Free - z.PCP
		b.WriteString(paneTitleStyle.Render(fmt.Sprintf("Node %d, zone %-8s", z.Node, z.Zone)))
		b.WriteString(" ")
		b.WriteString(usageBar(used, z.Managed, 20))
		b.WriteString(printer.Sprintf(" %3d%% used\n", percent(used, z.Managed)))
		b.WriteString(printer.Sprintf("  free %d  pcp %d  managed %d pages\n", z.Free, z.PCP, z.Managed))
		b.WriteString(printer.Sprintf("  wmark min %d  low %d  high %d  fallbacks %d\n",
			z.WmarkMin, z.WmarkLow, z.WmarkHigh, z.Fallbacks))
		b.WriteString("  ")
		b.WriteString(orders)
		b.WriteString("\n  ")
		b.WriteString(fmt.Sprintf("%-8s", "free"))
		for _, n := range z.NrFree {
			b.WriteString(printer.Sprintf("%7d", n))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// cacheFootprint is the memory held by a cache's slabs in bytes.
func cacheFootprint(c kmem.CacheSnapshot) int {
	return c.Slabs * (kmem.PageSize << c.Order)
}

// sortedCaches orders caches by footprint, largest first, then by name.
func sortedCaches(caches []kmem.CacheSnapshot) []kmem.CacheSnapshot {
	out := slices.Clone(caches)
	slices.SortStableFunc(out, func(a, b kmem.CacheSnapshot) int {
		if c := cmp.Compare(cacheFootprint(b), cacheFootprint(a)); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

const slabNameWidth = 22

// renderSlabs lays out one row per cache, largest footprint first.
func renderSlabs(snap kmem.Snapshot) string {
	var b strings.Builder
	b.WriteString(tableHeaderStyle.Render(fmt.Sprintf("%-*s %9s %9s %6s %6s %5s %9s %5s",
		slabNameWidth, "name", "active", "objs", "size", "slabs", "order", "memory", "use")))
	b.WriteString("\n")
	for _, c := range sortedCaches(snap.Caches) {
		name := c.Name
		if len(c.Aliases) > 0 {
			name += "*"
		}
		b.WriteString(fmt.Sprintf("%-*s", slabNameWidth, truncate(name, slabNameWidth)))
		b.WriteString(printer.Sprintf(" %9d %9d %6d %6d %5d %8dK %4d%%\n",
			c.ActiveObjects, c.Objects, c.Size, c.Slabs, c.Order,
			cacheFootprint(c)>>10, percent(c.ActiveObjects, c.Objects)))
	}
	return b.String()
}

// renderSummary is the one-line machine overview under the header.
func renderSummary(snap kmem.Snapshot) string {
	used := snap.ManagedPages - snap.FreePages - snap.PCPPages
	issues := snap.Diagnostics.Errors + snap.Diagnostics.Critical
	line := printer.Sprintf("mem %s %d%%  free %d pages  pcp %d  percpu %d/%d B  leaked %d",
		usageBar(used, snap.ManagedPages, 16), percent(used, snap.ManagedPages),
		snap.FreePages, snap.PCPPages,
		snap.PerCPU.DynamicUsed, snap.PerCPU.DynamicUsed+snap.PerCPU.DynamicFree,
		snap.PerCPU.Leaked)
	if issues > 0 || snap.Diagnostics.Quarantined > 0 {
		line += "  " + errorStyle.Render(printer.Sprintf("issues %d, quarantined %d", issues, snap.Diagnostics.Quarantined))
	}
	return line
}

// renderWorkload describes the background workload for the header.
func renderWorkload(st workloadStats) string {
	var state string
	switch {
	case st.Err != nil:
		state = errorStyle.Render("FAILED")
	case st.Running:
		state = runningStyle.Render("RUNNING")
	default:
		state = pausedStyle.Render("PAUSED")
	}
	rate := 0.0
	if secs := st.Total.Duration.Seconds(); secs > 0 {
		rate = float64(st.Total.Ops) / secs
	}
	return printer.Sprintf("workload %s  ops %d (%.0f/s)  allocs %d  remote frees %d  oom %d",
		state, st.Total.Ops, rate, st.Total.Allocs, st.Total.RemoteFrees, st.Total.OutOfMemory)
}

// snapshotText is the plain-text form copied to the clipboard.
func snapshotText(sys *kmem.System) (string, error) {
	var b strings.Builder
	if err := sys.WriteSummary(&b); err != nil {
		return "", err
	}
	b.WriteString("\n")
	if err := sys.WriteBuddyInfo(&b); err != nil {
		return "", err
	}
	b.WriteString("\n")
	if err := sys.WriteSlabInfo(&b); err != nil {
		return "", err
	}
	return b.String(), nil
}

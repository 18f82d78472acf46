package mm

import (
	"fmt"
	"sort"
)

// Node is one memory node ("pgdat"): its zones and the zone search order
// used for allocations that start on it.
type Node struct {
	id       NodeID
	startPFN PFN
	spanned  int
	zones    [NumZoneTypes]*Zone

	// zonelist is every populated zone in preference order: this node
	// first, then others by distance, highest zone type first within a node.
	zonelist []*Zone
	// zonelistThisNode holds only this node's zones.
	zonelistThisNode []*Zone
}

// ID returns the node id.
func (n *Node) ID() NodeID { return n.id }

// Zone returns the zone of the given type (possibly unpopulated).
func (n *Node) Zone(t ZoneType) *Zone {
	if t < 0 || t >= NumZoneTypes {
		return nil
	}
	return n.zones[t]
}

// Zonelist returns the fallback zone order of the node.
func (n *Node) Zonelist() []*Zone { return n.zonelist }

func (n *Node) String() string { return fmt.Sprintf("node%d", n.id) }

// nodeDistance is the simulated NUMA distance: 10 local, 20 + hop count otherwise.
func nodeDistance(a, b NodeID) int {
	if a == b {
		return 10
	}
	d := int(a - b)
	if d < 0 {
		d = -d
	}
	return 20 + d
}

// buildZonelists fills every node's zonelists. Nodes are ordered by
// distance, then id; within a node the highest zone type comes first so
// that scarce low zones are used last.
func buildZonelists(nodes []*Node) {
	for _, n := range nodes {
		order := make([]*Node, len(nodes))
		copy(order, nodes)
		sort.SliceStable(order, func(i, j int) bool {
			di, dj := nodeDistance(n.id, order[i].id), nodeDistance(n.id, order[j].id)
			if di != dj {
				return di < dj
			}
			return order[i].id < order[j].id
		})
		n.zonelist = n.zonelist[:0]
		for _, m := range order {
			n.zonelist = appendNodeZones(n.zonelist, m)
		}
		n.zonelistThisNode = appendNodeZones(nil, n)
	}
}

func appendNodeZones(list []*Zone, n *Node) []*Zone {
	for t := NumZoneTypes - 1; t >= 0; t-- {
		if z := n.zones[t]; z != nil && z.populated() {
			list = append(list, z)
		}
	}
	return list
}

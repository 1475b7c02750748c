package sim

import (
	"fmt"
	"strings"
)

// Topology decides which nodes connect and in which role.
type Topology string

const (
	// TopologyLine connects neighbours in both directions.
	TopologyLine Topology = "line"
	// TopologyRing connects every node as central to the next one only, so
	// items travel around the ring through re-announcements.
	TopologyRing Topology = "ring"
	// TopologyStar connects node 0 to every other node in both directions.
	TopologyStar Topology = "star"
	// TopologyFull connects every ordered pair.
	TopologyFull Topology = "full"
)

// Edge is one connection, by node position.
type Edge struct {
	Central    int
	Peripheral int
}

func (e Edge) String() string {
	return fmt.Sprintf("%d->%d", e.Central, e.Peripheral)
}

// ParseTopology accepts the names of the topologies, case-insensitively.
func ParseTopology(s string) (Topology, error) {
	switch t := Topology(strings.ToLower(strings.TrimSpace(s))); t {
	case TopologyLine, TopologyRing, TopologyStar, TopologyFull:
		return t, nil
	default:
		return "", fmt.Errorf("sim: unknown topology %q", s)
	}
}

// Edges lists the connections of n nodes.
func (t Topology) Edges(n int) ([]Edge, error) {
	if n < 1 {
		return nil, fmt.Errorf("sim: need at least one node, got %d", n)
	}
	var edges []Edge
	switch t {
	case TopologyLine:
		for i := 0; i+1 < n; i++ {
			edges = append(edges, Edge{i, i + 1}, Edge{i + 1, i})
		}
	case TopologyRing:
		if n == 1 {
			return nil, nil
		}
		for i := 0; i < n; i++ {
			edges = append(edges, Edge{i, (i + 1) % n})
		}
	case TopologyStar:
		for i := 1; i < n; i++ {
			edges = append(edges, Edge{0, i}, Edge{i, 0})
		}
	case TopologyFull:
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				if i != j {
					edges = append(edges, Edge{i, j})
				}
			}
		}
	default:
		return nil, fmt.Errorf("sim: unknown topology %q", t)
	}
	return edges, nil
}

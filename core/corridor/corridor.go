// Package corridor models the three-level corridor address and the read-only
// corridor graph oracle consulted by parity checks and anomaly scans.
package corridor

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const districtPrefix = "DISTRICT_"

// Address is a hierarchical position: major phase (district), sub-phase
// (chamber) and unit (node).
type Address struct {
	District int
	Chamber  string
	Node     string
}

// Parse reads the dotted textual form, e.g. "DISTRICT_1.CHAMBER_0.NODE_START".
// Only the canonical spelling is accepted: "DISTRICT_01" or "DISTRICT_+1"
// would name the same address under a different hash.
func Parse(raw string) (Address, error) {
	text := strings.TrimSpace(raw)
	parts := strings.Split(text, ".")
	if len(parts) != 3 {
		return Address{}, fmt.Errorf("corridor %q must have three dot-separated levels", raw)
	}
	if !strings.HasPrefix(parts[0], districtPrefix) {
		return Address{}, fmt.Errorf("corridor %q must start with %s<n>", raw, districtPrefix)
	}
	district, err := strconv.Atoi(strings.TrimPrefix(parts[0], districtPrefix))
	if err != nil || district < 0 {
		return Address{}, fmt.Errorf("corridor %q has invalid district", raw)
	}
	chamber, node := parts[1], parts[2]
	if strings.TrimSpace(chamber) == "" || strings.TrimSpace(node) == "" {
		return Address{}, fmt.Errorf("corridor %q has empty chamber or node", raw)
	}
	address := Address{District: district, Chamber: chamber, Node: node}
	if canonical := address.String(); canonical != text {
		return Address{}, fmt.Errorf("corridor %q is not canonical, want %q", raw, canonical)
	}
	return address, nil
}

// MustParse is Parse for fixtures and static tables.
func MustParse(raw string) Address {
	address, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return address
}

func (a Address) String() string {
	return fmt.Sprintf("%s%d.%s.%s", districtPrefix, a.District, a.Chamber, a.Node)
}

func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Graph is the read-only corridor oracle supplied by the caller.
type Graph interface {
	Exists(address Address) bool
	Neighbors(address Address) []Address
}

// StaticGraph is an immutable adjacency table. Every address that appears as a
// key or as a neighbor exists.
type StaticGraph struct {
	adjacency map[Address][]Address
}

// NewStaticGraph builds a graph from textual adjacency.
func NewStaticGraph(adjacency map[string][]string) (*StaticGraph, error) {
	graph := &StaticGraph{adjacency: make(map[Address][]Address, len(adjacency))}
	for from, targets := range adjacency {
		source, err := Parse(from)
		if err != nil {
			return nil, err
		}
		if _, ok := graph.adjacency[source]; !ok {
			graph.adjacency[source] = nil
		}
		for _, to := range targets {
			target, err := Parse(to)
			if err != nil {
				return nil, err
			}
			graph.adjacency[source] = append(graph.adjacency[source], target)
			if _, ok := graph.adjacency[target]; !ok {
				graph.adjacency[target] = nil
			}
		}
	}
	for source := range graph.adjacency {
		sortAddresses(graph.adjacency[source])
	}
	return graph, nil
}

// DefaultAdjacency is the reference corridor layout used when no graph is configured.
func DefaultAdjacency() map[string][]string {
	return map[string][]string{
		"DISTRICT_1.CHAMBER_0.NODE_START":   {"DISTRICT_1.CHAMBER_0.NODE_PROCESS"},
		"DISTRICT_1.CHAMBER_0.NODE_PROCESS": {"DISTRICT_2.CHAMBER_LORA.NODE_PRE"},
	}
}

func (g *StaticGraph) Exists(address Address) bool {
	if g == nil {
		return false
	}
	_, ok := g.adjacency[address]
	return ok
}

func (g *StaticGraph) Neighbors(address Address) []Address {
	if g == nil {
		return nil
	}
	return append([]Address(nil), g.adjacency[address]...)
}

// Adjacent reports whether to is a direct neighbor of from.
func Adjacent(graph Graph, from, to Address) bool {
	for _, neighbor := range graph.Neighbors(from) {
		if neighbor == to {
			return true
		}
	}
	return false
}

func sortAddresses(addresses []Address) {
	sort.Slice(addresses, func(i, j int) bool {
		return addresses[i].String() < addresses[j].String()
	})
}

// Package graph builds the dependency DAG implied by an execution plan: one
// node per computation or communication step, edges along activation and
// collective dependencies. The graph is a pure structural artifact — node
// costs are analytic estimates, nothing here is learned — and exists only
// long enough to be encoded for the predictor.
package graph

import (
	"fmt"

	"github.com/planlens/planlens/pkg/plan"
)

// NodeKind separates computation from communication steps.
type NodeKind string

const (
	KindCompute    NodeKind = "compute"
	KindCollective NodeKind = "collective"
	KindSink       NodeKind = "sink"
)

// Collective names the communication pattern a node performs.
type Collective string

const (
	CollNone          Collective = ""
	CollAllReduce     Collective = "all-reduce"
	CollAllToAll      Collective = "all-to-all"
	CollP2P           Collective = "p2p"
	CollGradAllReduce Collective = "grad-all-reduce"
)

// Node is one step of the plan's execution.
type Node struct {
	ID         int
	Name       string
	Kind       NodeKind
	Op         plan.OpKind // set for compute nodes
	Collective Collective  // set for collective nodes
	Stage      int
	Data       int     // data-parallel degree of the owning stage
	Tensor     int     // tensor-parallel degree of the owning stage
	FLOPs      float64 // analytic compute cost, zero for collectives
	CommBytes  float64 // analytic communication volume, zero for compute
}

// Edge is a dependency: To cannot start before From completes.
type Edge struct {
	From, To int
	Bytes    float64
}

// PlanGraph is the DAG for one execution plan. Nodes are stored in a
// topological construction order (edges always point from a lower to a
// higher ID), which makes downstream encoding deterministic.
type PlanGraph struct {
	PlanKey string
	Stages  int
	Nodes   []Node
	Edges   []Edge

	out [][]int // adjacency, indexed by node ID
	in  [][]int
}

// Succ returns the IDs of the direct successors of node id.
func (g *PlanGraph) Succ(id int) []int { return g.out[id] }

// Pred returns the IDs of the direct predecessors of node id.
func (g *PlanGraph) Pred(id int) []int { return g.in[id] }

// Root returns the single sink node representing plan completion.
func (g *PlanGraph) Root() Node { return g.Nodes[len(g.Nodes)-1] }

// Depths returns, per node, the longest-path distance from any source node.
// Node order is topological by construction so a single forward sweep works.
func (g *PlanGraph) Depths() []int {
	depths := make([]int, len(g.Nodes))
	for id := range g.Nodes {
		for _, p := range g.in[id] {
			if depths[p]+1 > depths[id] {
				depths[id] = depths[p] + 1
			}
		}
	}
	return depths
}

// TotalCommBytes sums the communication volume over all collective nodes.
// Used by search as the structural tiebreaker between equal predictions.
func (g *PlanGraph) TotalCommBytes() float64 {
	var total float64
	for _, n := range g.Nodes {
		total += n.CommBytes
	}
	return total
}

// TotalFLOPs sums the analytic compute cost over all nodes.
func (g *PlanGraph) TotalFLOPs() float64 {
	var total float64
	for _, n := range g.Nodes {
		total += n.FLOPs
	}
	return total
}

// CheckInvariants verifies the structural contract: acyclicity (edges only
// point forward), a single sink, and sink reachability from every node.
// Build constructs graphs that satisfy this; the check exists for tests.
func (g *PlanGraph) CheckInvariants() error {
	sinks := 0
	for id := range g.Nodes {
		if len(g.out[id]) == 0 {
			sinks++
		}
	}
	if sinks != 1 {
		return fmt.Errorf("graph has %d sinks, want exactly 1", sinks)
	}
	for _, e := range g.Edges {
		if e.From >= e.To {
			return fmt.Errorf("edge %d->%d violates topological node order", e.From, e.To)
		}
	}
	// every node must reach the sink
	reaches := make([]bool, len(g.Nodes))
	reaches[len(g.Nodes)-1] = true
	for id := len(g.Nodes) - 2; id >= 0; id-- {
		for _, s := range g.out[id] {
			if reaches[s] {
				reaches[id] = true
				break
			}
		}
	}
	for id, ok := range reaches {
		if !ok {
			return fmt.Errorf("node %d (%s) cannot reach the sink", id, g.Nodes[id].Name)
		}
	}
	return nil
}

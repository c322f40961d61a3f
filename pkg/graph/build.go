package graph

import (
	"fmt"

	"github.com/planlens/planlens/pkg/plan"
)

// backwardFactor scales forward FLOPs to a full training step (forward plus
// backward, which costs roughly twice the forward pass).
const backwardFactor = 3.0

// ringFactor returns the per-device traffic multiplier of a ring all-reduce
// over n ranks: 2(n-1)/n of the payload crosses the wire.
func ringFactor(n int) float64 {
	if n <= 1 {
		return 0
	}
	return 2 * float64(n-1) / float64(n)
}

// Build converts an execution plan into its dependency DAG. The plan is
// validated first; a structural violation returns the wrapped InvalidPlan
// error unchanged. Identical inputs always produce an identical graph:
// nodes are emitted in a fixed stage-major order and IDs are assigned
// sequentially, so two builds of the same plan agree node for node.
func Build(p plan.ExecutionPlan, spec plan.ModelSpec) (*PlanGraph, error) {
	if err := p.Validate(spec); err != nil {
		return nil, err
	}

	g := &PlanGraph{PlanKey: p.Key(), Stages: len(p.Stages)}

	addNode := func(n Node) int {
		n.ID = len(g.Nodes)
		g.Nodes = append(g.Nodes, n)
		return n.ID
	}

	var edges []Edge
	addEdge := func(from, to int, bytes float64) {
		edges = append(edges, Edge{From: from, To: to, Bytes: bytes})
	}

	// Per-stage forward/backward chain: compute nodes interleaved with the
	// tensor-parallel collectives they imply, stages linked by point-to-point
	// activation transfers, and each stage's gradient all-reduce feeding the
	// completion sink.
	gradNodes := make([]int, 0, len(p.Stages))
	prev := -1 // chain tail of the previous node, -1 before the first op
	for si, st := range p.Stages {
		if si > 0 {
			// Activation handoff between pipeline stages. Each data-parallel
			// replica ships its own microbatch share, so the degree does not
			// scale the per-link volume.
			boundary := spec.Ops[st.OpStart-1]
			id := addNode(Node{
				Name:       fmt.Sprintf("stage%d/recv", si),
				Kind:       KindCollective,
				Collective: CollP2P,
				Stage:      si,
				Data:       st.Data,
				Tensor:     st.Tensor,
				CommBytes:  boundary.ActivationBytes,
			})
			addEdge(prev, id, boundary.ActivationBytes)
			prev = id
		}

		var stageParamBytes float64
		for oi := st.OpStart; oi < st.OpEnd; oi++ {
			op := spec.Ops[oi]
			stageParamBytes += op.ParamBytes

			id := addNode(Node{
				Name:   fmt.Sprintf("stage%d/%s", si, op.Name),
				Kind:   KindCompute,
				Op:     op.Kind,
				Stage:  si,
				Data:   st.Data,
				Tensor: st.Tensor,
				FLOPs:  op.FLOPs * backwardFactor / float64(st.Data*st.Tensor),
			})
			if prev >= 0 {
				addEdge(prev, id, spec.Ops[oi-1].ActivationBytes)
			}
			prev = id

			if coll, bytes := tensorCollective(op, st.Tensor); coll != CollNone {
				cid := addNode(Node{
					Name:       fmt.Sprintf("stage%d/%s/%s", si, op.Name, coll),
					Kind:       KindCollective,
					Collective: coll,
					Stage:      si,
					Data:       st.Data,
					Tensor:     st.Tensor,
					CommBytes:  bytes,
				})
				addEdge(prev, cid, bytes)
				prev = cid
			}
		}

		if st.Data > 1 {
			// Gradient synchronization across the stage's data-parallel
			// replicas. Parameters are already sharded across the tensor
			// group, hence the division by the tensor degree.
			payload := stageParamBytes / float64(st.Tensor)
			gid := addNode(Node{
				Name:       fmt.Sprintf("stage%d/grad-sync", si),
				Kind:       KindCollective,
				Collective: CollGradAllReduce,
				Stage:      si,
				Data:       st.Data,
				Tensor:     st.Tensor,
				CommBytes:  payload * ringFactor(st.Data),
			})
			addEdge(prev, gid, payload)
			gradNodes = append(gradNodes, gid)
		}
	}

	sink := addNode(Node{Name: "completion", Kind: KindSink, Stage: len(p.Stages) - 1})
	addEdge(prev, sink, 0)
	for _, gid := range gradNodes {
		addEdge(gid, sink, 0)
	}

	g.Edges = edges
	g.out = make([][]int, len(g.Nodes))
	g.in = make([][]int, len(g.Nodes))
	for _, e := range edges {
		g.out[e.From] = append(g.out[e.From], e.To)
		g.in[e.To] = append(g.in[e.To], e.From)
	}
	return g, nil
}

// tensorCollective returns the collective pattern a tensor-parallel split of
// op implies, with its per-device wire volume. Attention and MLP blocks
// partition their matmuls and all-reduce the partial activations; an MoE
// block routes tokens between experts with an all-to-all; everything else
// is replicated and needs no collective.
func tensorCollective(op plan.OpSpec, tensor int) (Collective, float64) {
	if tensor <= 1 {
		return CollNone, 0
	}
	switch op.Kind {
	case plan.OpAttention, plan.OpMLP, plan.OpOutput:
		return CollAllReduce, op.ActivationBytes * ringFactor(tensor)
	case plan.OpMoE:
		return CollAllToAll, op.ActivationBytes * float64(tensor-1) / float64(tensor)
	default:
		return CollNone, 0
	}
}

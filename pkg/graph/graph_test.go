package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planlens/planlens/pkg/plan"
)

func testSpec() plan.ModelSpec {
	return plan.ModelSpec{
		Name: "tiny",
		Ops: []plan.OpSpec{
			{Name: "embed", Kind: plan.OpEmbedding, FLOPs: 100, ParamBytes: 400, ActivationBytes: 50},
			{Name: "attn.0", Kind: plan.OpAttention, FLOPs: 200, ParamBytes: 800, ActivationBytes: 50},
			{Name: "moe.0", Kind: plan.OpMoE, FLOPs: 300, ParamBytes: 1600, ActivationBytes: 50},
			{Name: "lm_head", Kind: plan.OpOutput, FLOPs: 150, ParamBytes: 400, ActivationBytes: 25},
		},
		MicroBatches:    4,
		GlobalBatchSize: 16,
	}
}

func TestBuildInvalidPlan(t *testing.T) {
	t.Parallel()

	_, err := Build(plan.ExecutionPlan{}, testSpec())
	require.Error(t, err)
	assert.ErrorIs(t, err, plan.ErrInvalidPlan)
}

func TestBuildSingleStage(t *testing.T) {
	t.Parallel()

	p := plan.ExecutionPlan{
		Mesh:   plan.DeviceMesh{Hosts: 1, DevicesPerHost: 4},
		Stages: []plan.Stage{{OpStart: 0, OpEnd: 4, Data: 1, Tensor: 4}},
	}
	g, err := Build(p, testSpec())
	require.NoError(t, err)
	require.NoError(t, g.CheckInvariants())

	// 4 compute nodes, collectives for attention, moe and output, one sink.
	// dp=1 means no gradient sync.
	assert.Len(t, g.Nodes, 8)
	assert.Equal(t, p.Key(), g.PlanKey)

	var colls []Collective
	for _, n := range g.Nodes {
		if n.Kind == KindCollective {
			colls = append(colls, n.Collective)
		}
	}
	assert.Equal(t, []Collective{CollAllReduce, CollAllToAll, CollAllReduce}, colls)

	// tp=4 splits every op's FLOPs four ways and triples them for backward.
	for _, n := range g.Nodes {
		if n.Kind == KindCompute && n.Op == plan.OpEmbedding {
			assert.InDelta(t, 100*3.0/4, n.FLOPs, 1e-9)
		}
	}
}

func TestBuildPipelineAndDataParallel(t *testing.T) {
	t.Parallel()

	p := plan.ExecutionPlan{
		Mesh: plan.DeviceMesh{Hosts: 2, DevicesPerHost: 2},
		Stages: []plan.Stage{
			{OpStart: 0, OpEnd: 2, Data: 2, Tensor: 1},
			{OpStart: 2, OpEnd: 4, Data: 2, Tensor: 1},
		},
	}
	g, err := Build(p, testSpec())
	require.NoError(t, err)
	require.NoError(t, g.CheckInvariants())

	var p2p, gradSync, sinks int
	for _, n := range g.Nodes {
		switch {
		case n.Collective == CollP2P:
			p2p++
			assert.Equal(t, 1, n.Stage)
			// Boundary activation of the last op of stage 0.
			assert.InDelta(t, 50, n.CommBytes, 1e-9)
		case n.Collective == CollGradAllReduce:
			gradSync++
			// ringFactor(2) = 1, payload is the stage's parameter bytes.
			assert.InDelta(t, stageParams(testSpec(), p.Stages[n.Stage]), n.CommBytes, 1e-9)
		case n.Kind == KindSink:
			sinks++
		}
	}
	assert.Equal(t, 1, p2p)
	assert.Equal(t, 2, gradSync)
	assert.Equal(t, 1, sinks)

	// Both gradient syncs must reach the sink directly.
	sink := len(g.Nodes) - 1
	assert.Equal(t, KindSink, g.Nodes[sink].Kind)
	assert.GreaterOrEqual(t, len(g.Pred(sink)), 3)
}

func stageParams(spec plan.ModelSpec, st plan.Stage) float64 {
	var sum float64
	for i := st.OpStart; i < st.OpEnd; i++ {
		sum += spec.Ops[i].ParamBytes
	}
	return sum
}

func TestBuildDeterministic(t *testing.T) {
	t.Parallel()

	p := plan.ExecutionPlan{
		Mesh: plan.DeviceMesh{Hosts: 2, DevicesPerHost: 2},
		Stages: []plan.Stage{
			{OpStart: 0, OpEnd: 2, Data: 1, Tensor: 2},
			{OpStart: 2, OpEnd: 4, Data: 1, Tensor: 2},
		},
	}
	a, err := Build(p, testSpec())
	require.NoError(t, err)
	b, err := Build(p, testSpec())
	require.NoError(t, err)

	require.Equal(t, len(a.Nodes), len(b.Nodes))
	for i := range a.Nodes {
		assert.Equal(t, a.Nodes[i], b.Nodes[i])
	}
	assert.Equal(t, a.Edges, b.Edges)
}

func TestDepths(t *testing.T) {
	t.Parallel()

	p := plan.ExecutionPlan{
		Mesh: plan.DeviceMesh{Hosts: 1, DevicesPerHost: 2},
		Stages: []plan.Stage{
			{OpStart: 0, OpEnd: 2, Data: 1, Tensor: 1},
			{OpStart: 2, OpEnd: 4, Data: 1, Tensor: 1},
		},
	}
	g, err := Build(p, testSpec())
	require.NoError(t, err)

	depths := g.Depths()
	require.Len(t, depths, len(g.Nodes))
	assert.Equal(t, 0, depths[0])
	// Depth must strictly increase along the forward chain.
	for _, e := range g.Edges {
		assert.Greater(t, depths[e.To], depths[e.From],
			"edge %d->%d must increase depth", e.From, e.To)
	}
}

func TestTotals(t *testing.T) {
	t.Parallel()

	p := plan.ExecutionPlan{
		Mesh:   plan.DeviceMesh{Hosts: 1, DevicesPerHost: 2},
		Stages: []plan.Stage{{OpStart: 0, OpEnd: 4, Data: 2, Tensor: 1}},
	}
	g, err := Build(p, testSpec())
	require.NoError(t, err)

	// dp=2, tp=1: compute split two ways, one grad-sync collective.
	wantFLOPs := (100 + 200 + 300 + 150) * 3.0 / 2
	assert.InDelta(t, wantFLOPs, g.TotalFLOPs(), 1e-9)
	assert.InDelta(t, 3200.0, g.TotalCommBytes(), 1e-9) // params * ringFactor(2)
}

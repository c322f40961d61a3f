// Package encode turns a plan graph into the numeric representation the
// predictor consumes: a per-node feature matrix plus an additive attention
// bias derived from the DAG's partial order.
//
// Attention policy: the predictor attends bidirectionally over all nodes,
// with a structural bias that decays with topological-depth distance. A
// plan's latency depends on all of its stages jointly, so no causal mask is
// needed; the bias is what carries the partial order into the model.
package encode

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/planlens/planlens/pkg/graph"
	"github.com/planlens/planlens/pkg/plan"
)

// SchemaVersion identifies the feature layout below. Any change to the
// feature columns must bump this; artifact loads compare it against the
// version recorded at save time and refuse to mix the two.
const SchemaVersion = "v2"

// Feature column layout. One-hot operator class, one-hot collective
// pattern, then the scalar structural features.
const (
	featOpOffset   = 0 // 7 operator classes (incl. "none" for collectives/sink)
	featCollOffset = 7 // 5 collective patterns (incl. "none")
	featScalars    = 12
	FeatureWidth   = featCollOffset + 5 + featScalars
)

// depthBiasScale controls how fast attention bias decays with topological
// distance. Matches the scale the predictor was calibrated with.
const depthBiasScale = 0.1

// Config bounds the encoder.
type Config struct {
	// MaxNodes is the largest graph the encoder accepts. Larger graphs fail
	// with GraphTooLarge rather than being truncated.
	MaxNodes int
}

// DefaultConfig returns the encoder limits used in production runs.
func DefaultConfig() Config { return Config{MaxNodes: 512} }

// Encoded is the model input for one plan graph: node features, the
// structural attention bias, and enough metadata for schema checks.
type Encoded struct {
	Features *mat.Dense // n x FeatureWidth
	Bias     *mat.Dense // n x n additive attention bias
	Depths   []int

	PlanKey       string
	NodeCount     int
	FeatureWidth  int
	SchemaVersion string
	CommBytes     float64 // structural total, carried through for tiebreaks
}

// Encoder converts plan graphs into Encoded inputs.
type Encoder struct {
	cfg Config
}

// New returns an encoder with the given limits.
func New(cfg Config) *Encoder {
	if cfg.MaxNodes <= 0 {
		cfg = DefaultConfig()
	}
	return &Encoder{cfg: cfg}
}

// MaxNodes exposes the configured node limit.
func (e *Encoder) MaxNodes() int { return e.cfg.MaxNodes }

// Encode produces the numeric representation of g. Encoding is a pure
// function of the graph: repeated calls yield numerically identical
// matrices. Graphs above the node limit fail with GraphTooLarge.
func (e *Encoder) Encode(g *graph.PlanGraph) (*Encoded, error) {
	n := len(g.Nodes)
	if n > e.cfg.MaxNodes {
		return nil, &GraphTooLargeError{PlanKey: g.PlanKey, Nodes: n, Limit: e.cfg.MaxNodes}
	}

	depths := g.Depths()
	maxDepth := 1
	for _, d := range depths {
		if d > maxDepth {
			maxDepth = d
		}
	}

	feats := mat.NewDense(n, FeatureWidth, nil)
	for _, node := range g.Nodes {
		row := feats.RawRowView(node.ID)
		row[featOpOffset+opClass(node)] = 1
		row[featCollOffset+collClass(node.Collective)] = 1

		s := featCollOffset + 5
		row[s+0] = math.Log1p(node.FLOPs) / 40 // log-GFLOP scale keeps features O(1)
		row[s+1] = math.Log1p(node.CommBytes) / 40
		row[s+2] = float64(node.Data) / 64
		row[s+3] = float64(node.Tensor) / 64
		row[s+4] = float64(g.Stages) / 64
		row[s+5] = float64(node.Stage) / float64(g.Stages)
		row[s+6] = float64(depths[node.ID]) / float64(maxDepth)
		row[s+7] = float64(len(g.Pred(node.ID))) / 8
		row[s+8] = float64(len(g.Succ(node.ID))) / 8
		row[s+9] = boolFeat(node.Kind == graph.KindCompute)
		row[s+10] = boolFeat(node.Kind == graph.KindCollective)
		row[s+11] = boolFeat(node.Kind == graph.KindSink)
	}

	bias := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			d := depths[i] - depths[j]
			if d < 0 {
				d = -d
			}
			bias.Set(i, j, -depthBiasScale*float64(d))
		}
	}

	return &Encoded{
		Features:      feats,
		Bias:          bias,
		Depths:        depths,
		PlanKey:       g.PlanKey,
		NodeCount:     n,
		FeatureWidth:  FeatureWidth,
		SchemaVersion: SchemaVersion,
		CommBytes:     g.TotalCommBytes(),
	}, nil
}

func opClass(n graph.Node) int {
	switch n.Op {
	case plan.OpEmbedding:
		return 1
	case plan.OpAttention:
		return 2
	case plan.OpMLP:
		return 3
	case plan.OpMoE:
		return 4
	case plan.OpNorm:
		return 5
	case plan.OpOutput:
		return 6
	default:
		return 0
	}
}

func collClass(c graph.Collective) int {
	switch c {
	case graph.CollAllReduce:
		return 1
	case graph.CollAllToAll:
		return 2
	case graph.CollP2P:
		return 3
	case graph.CollGradAllReduce:
		return 4
	default:
		return 0
	}
}

func boolFeat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

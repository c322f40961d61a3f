// Package plan defines parallel execution plans: the choice of data, tensor,
// and pipeline parallelism degrees and device-mesh mapping for one training
// run of a model. Plans are immutable value objects compared by structural
// equality; validation enforces the mesh-divisibility invariants before a
// plan is ever turned into a graph.
package plan

import (
	"fmt"
	"strings"
)

// OpKind classifies an operator in the model's forward sequence. The kind
// decides which collective a tensor-parallel split of the operator implies.
type OpKind string

const (
	OpEmbedding OpKind = "embedding"
	OpAttention OpKind = "attention"
	OpMLP       OpKind = "mlp"
	OpMoE       OpKind = "moe"
	OpNorm      OpKind = "norm"
	OpOutput    OpKind = "output"
)

// OpSpec describes one operator of the model: its structural cost inputs,
// not anything learned.
type OpSpec struct {
	Name            string  `json:"name"`
	Kind            OpKind  `json:"kind"`
	FLOPs           float64 `json:"flops"`            // forward FLOPs per microbatch
	ParamBytes      float64 `json:"param_bytes"`      // parameter bytes held by the operator
	ActivationBytes float64 `json:"activation_bytes"` // output activation bytes per microbatch
}

// ModelSpec is the operator sequence of one benchmark model plus the batch
// configuration every plan for it shares.
type ModelSpec struct {
	Name            string   `json:"name"`
	Ops             []OpSpec `json:"ops"`
	MicroBatches    int      `json:"micro_batches"`
	GlobalBatchSize int      `json:"global_batch_size"`
}

// DeviceMesh is the logical accelerator grid a plan partitions work across.
type DeviceMesh struct {
	Hosts          int `json:"hosts"`
	DevicesPerHost int `json:"devices_per_host"`
}

// Devices returns the total device count of the mesh.
func (m DeviceMesh) Devices() int { return m.Hosts * m.DevicesPerHost }

// Stage assigns a contiguous operator span [OpStart, OpEnd) to one pipeline
// stage, with the data- and tensor-parallel degrees used inside the stage.
type Stage struct {
	OpStart int `json:"op_start"`
	OpEnd   int `json:"op_end"`
	Data    int `json:"data"`
	Tensor  int `json:"tensor"`
}

// Ops returns the number of operators in the stage.
func (s Stage) Ops() int { return s.OpEnd - s.OpStart }

// ExecutionPlan is one candidate parallelization of a model: the mesh shape
// and the per-stage degree assignment. The pipeline-parallel degree is the
// stage count. Plans are value objects; Key gives the structural identity
// used for dedup, caching, and measurement replay.
type ExecutionPlan struct {
	Mesh   DeviceMesh `json:"mesh"`
	Stages []Stage    `json:"stages"`
}

// PipelineDegree returns the number of pipeline stages.
func (p ExecutionPlan) PipelineDegree() int { return len(p.Stages) }

// Key returns a canonical string identity for the plan: equal plans produce
// equal keys and vice versa.
func (p ExecutionPlan) Key() string {
	var b strings.Builder
	fmt.Fprintf(&b, "mesh=%dx%d", p.Mesh.Hosts, p.Mesh.DevicesPerHost)
	for _, s := range p.Stages {
		fmt.Fprintf(&b, "|%d-%d:dp%d,tp%d", s.OpStart, s.OpEnd, s.Data, s.Tensor)
	}
	return b.String()
}

// Equal reports structural equality with other.
func (p ExecutionPlan) Equal(other ExecutionPlan) bool {
	if p.Mesh != other.Mesh || len(p.Stages) != len(other.Stages) {
		return false
	}
	for i := range p.Stages {
		if p.Stages[i] != other.Stages[i] {
			return false
		}
	}
	return true
}

// Validate checks the plan against spec and the mesh-divisibility
// invariants. A violation returns an InvalidPlanError wrapping
// ErrInvalidPlan; nothing is clamped or repaired.
//
// Invariants enforced:
//   - at least one stage, and stages cover spec's operators exactly once,
//     contiguously and in order
//   - every degree >= 1
//   - the stage count divides the mesh device total
//   - within each stage, data*tensor equals the per-stage device share
//   - the tensor degree divides the devices available per host, so a
//     tensor group never spans hosts
func (p ExecutionPlan) Validate(spec ModelSpec) error {
	if len(p.Stages) == 0 {
		return invalid(p, "plan has no stages")
	}
	if p.Mesh.Hosts < 1 || p.Mesh.DevicesPerHost < 1 {
		return invalid(p, fmt.Sprintf("mesh %dx%d has empty dimension", p.Mesh.Hosts, p.Mesh.DevicesPerHost))
	}
	devices := p.Mesh.Devices()
	if devices%len(p.Stages) != 0 {
		return invalid(p, fmt.Sprintf("pipeline degree %d does not divide mesh size %d", len(p.Stages), devices))
	}
	perStage := devices / len(p.Stages)

	next := 0
	for i, s := range p.Stages {
		if s.OpStart != next {
			return invalid(p, fmt.Sprintf("stage %d starts at op %d, want %d (stages must be contiguous)", i, s.OpStart, next))
		}
		if s.OpEnd <= s.OpStart {
			return invalid(p, fmt.Sprintf("stage %d is empty (%d-%d)", i, s.OpStart, s.OpEnd))
		}
		if s.Data < 1 || s.Tensor < 1 {
			return invalid(p, fmt.Sprintf("stage %d has degree below 1 (dp=%d tp=%d)", i, s.Data, s.Tensor))
		}
		if s.Data*s.Tensor != perStage {
			return invalid(p, fmt.Sprintf("stage %d dp*tp=%d, want %d devices per stage", i, s.Data*s.Tensor, perStage))
		}
		if s.Tensor > p.Mesh.DevicesPerHost || p.Mesh.DevicesPerHost%s.Tensor != 0 {
			return invalid(p, fmt.Sprintf("stage %d tensor degree %d does not divide %d devices per host", i, s.Tensor, p.Mesh.DevicesPerHost))
		}
		next = s.OpEnd
	}
	if next != len(spec.Ops) {
		return invalid(p, fmt.Sprintf("stages cover %d ops, model has %d", next, len(spec.Ops)))
	}
	return nil
}

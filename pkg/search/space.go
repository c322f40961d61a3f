package search

import (
	"github.com/planlens/planlens/pkg/plan"
)

// Space describes the candidate plans a search considers.
//
// When Plans is non-empty it is used verbatim — the manual-plan query path
// and tests use this. Otherwise candidates are enumerated from the mesh:
// every (data, tensor, pipeline) degree combination whose product covers
// the mesh, with operators split into balanced contiguous stage spans.
// Enumerated plans are uniform across stages; only combinations satisfying
// the mesh-divisibility invariants are emitted, so infeasible degree
// combinations never reach the predictor.
type Space struct {
	Mesh        plan.DeviceMesh
	MaxPipeline int // 0 means no cap beyond mesh and operator count

	Plans []plan.ExecutionPlan
}

// Candidates returns the feasible candidate plans for spec.
func (s Space) Candidates(spec plan.ModelSpec) []plan.ExecutionPlan {
	if len(s.Plans) > 0 {
		out := make([]plan.ExecutionPlan, len(s.Plans))
		copy(out, s.Plans)
		return out
	}

	devices := s.Mesh.Devices()
	maxPP := s.MaxPipeline
	if maxPP <= 0 || maxPP > devices {
		maxPP = devices
	}
	if maxPP > len(spec.Ops) {
		maxPP = len(spec.Ops)
	}

	var out []plan.ExecutionPlan
	for pp := 1; pp <= maxPP; pp++ {
		if devices%pp != 0 {
			continue
		}
		perStage := devices / pp
		for tp := 1; tp <= perStage; tp++ {
			if perStage%tp != 0 {
				continue
			}
			if tp > s.Mesh.DevicesPerHost || s.Mesh.DevicesPerHost%tp != 0 {
				continue
			}
			dp := perStage / tp
			p := plan.ExecutionPlan{Mesh: s.Mesh, Stages: stageSplit(len(spec.Ops), pp, dp, tp)}
			if err := p.Validate(spec); err != nil {
				continue
			}
			out = append(out, p)
		}
	}
	return out
}

// stageSplit divides ops operators into pp balanced contiguous spans, the
// remainder going to the earliest stages.
func stageSplit(ops, pp, dp, tp int) []plan.Stage {
	base := ops / pp
	rem := ops % pp
	stages := make([]plan.Stage, 0, pp)
	start := 0
	for i := 0; i < pp; i++ {
		size := base
		if i < rem {
			size++
		}
		stages = append(stages, plan.Stage{OpStart: start, OpEnd: start + size, Data: dp, Tensor: tp})
		start += size
	}
	return stages
}

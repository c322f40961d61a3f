package train

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/planlens/planlens/pkg/plan"
)

// Measurement is one recorded plan execution.
type Measurement struct {
	PlanKey        string  `json:"plan_key"`
	LatencySeconds float64 `json:"latency_seconds"`
}

// ReplayMeasurer serves latencies from a recorded measurement set instead
// of running jobs. It lets a model be retrained offline, for example after
// a feature schema change, without touching the cluster.
type ReplayMeasurer struct {
	byKey map[string]float64
}

// NewReplayMeasurer builds a measurer over recorded measurements.
func NewReplayMeasurer(ms []Measurement) *ReplayMeasurer {
	byKey := make(map[string]float64, len(ms))
	for _, m := range ms {
		byKey[m.PlanKey] = m.LatencySeconds
	}
	return &ReplayMeasurer{byKey: byKey}
}

// LoadReplayMeasurer reads a JSON measurement set from path.
func LoadReplayMeasurer(path string) (*ReplayMeasurer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading measurement set: %w", err)
	}
	var ms []Measurement
	if err := json.Unmarshal(raw, &ms); err != nil {
		return nil, fmt.Errorf("parsing measurement set %s: %w", path, err)
	}
	return NewReplayMeasurer(ms), nil
}

// Len returns how many plans the measurement set covers.
func (r *ReplayMeasurer) Len() int { return len(r.byKey) }

// Measure returns the recorded latency for p. A plan absent from the set
// fails, and the pipeline skips it like any other measurement failure.
func (r *ReplayMeasurer) Measure(ctx context.Context, p plan.ExecutionPlan, spec plan.ModelSpec) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	sec, ok := r.byKey[p.Key()]
	if !ok {
		return 0, fmt.Errorf("no recorded measurement for plan %s", p.Key())
	}
	return sec, nil
}

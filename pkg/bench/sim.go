package bench

import (
	"context"
	"math/rand"
	"sync"

	"github.com/planlens/planlens/pkg/graph"
	"github.com/planlens/planlens/pkg/plan"
)

// SimConfig holds the hardware model behind the simulation measurer.
type SimConfig struct {
	// DeviceFLOPS is per-device sustained throughput in FLOP/s.
	DeviceFLOPS float64
	// IntraBW is per-device bandwidth within a host in bytes/s, used for
	// tensor-parallel collectives.
	IntraBW float64
	// InterBW is per-device cross-host bandwidth in bytes/s, used for
	// pipeline transfers and gradient synchronization.
	InterBW float64
	// Noise is the relative jitter applied to each measurement. Zero makes
	// the measurer deterministic.
	Noise float64
	Seed  int64
}

// DefaultSimConfig models an A100-class device on a 200 Gb/s fabric.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		DeviceFLOPS: 140e12,
		IntraBW:     300e9,
		InterBW:     25e9,
		Noise:       0,
		Seed:        1,
	}
}

// SimMeasurer produces analytic latencies instead of running cluster jobs.
// It costs each plan graph node from the hardware model and folds the
// per-stage times through the pipeline schedule, so training and tests can
// run anywhere.
type SimMeasurer struct {
	cfg SimConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimMeasurer returns a measurer over the given hardware model.
func NewSimMeasurer(cfg SimConfig) *SimMeasurer {
	return &SimMeasurer{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}
}

// Measure returns the simulated iteration latency for p in seconds.
func (s *SimMeasurer) Measure(ctx context.Context, p plan.ExecutionPlan, spec plan.ModelSpec) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	g, err := graph.Build(p, spec)
	if err != nil {
		return 0, err
	}

	// Per-microbatch time of each stage, plus the once-per-iteration
	// gradient synchronization cost.
	stageSec := make([]float64, len(p.Stages))
	var gradSec float64
	for _, n := range g.Nodes {
		switch {
		case n.Kind == graph.KindCompute:
			stageSec[n.Stage] += n.FLOPs / s.cfg.DeviceFLOPS
		case n.Collective == graph.CollGradAllReduce:
			gradSec += n.CommBytes / s.cfg.InterBW
		case n.Collective == graph.CollP2P:
			stageSec[n.Stage] += n.CommBytes / s.cfg.InterBW
		case n.Kind == graph.KindCollective:
			stageSec[n.Stage] += n.CommBytes / s.cfg.IntraBW
		}
	}

	// 1F1B schedule: the slowest stage paces the steady state while every
	// stage contributes once to fill and drain.
	slowest, total := 0.0, 0.0
	for _, sec := range stageSec {
		if sec > slowest {
			slowest = sec
		}
		total += sec
	}
	iter := slowest*float64(spec.MicroBatches-1) + total + gradSec

	if s.cfg.Noise > 0 {
		s.mu.Lock()
		iter *= 1 + s.cfg.Noise*(2*s.rng.Float64()-1)
		s.mu.Unlock()
	}
	return iter, nil
}

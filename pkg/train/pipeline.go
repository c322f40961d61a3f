// Package train builds latency models from measured plan executions: it
// samples candidate plans, measures each on the benchmark harness, fits the
// predictor on the measurements, and persists the result as an artifact.
package train

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/planlens/planlens/pkg/encode"
	"github.com/planlens/planlens/pkg/graph"
	"github.com/planlens/planlens/pkg/metrics"
	"github.com/planlens/planlens/pkg/plan"
	"github.com/planlens/planlens/pkg/predict"
	"github.com/planlens/planlens/pkg/store"
)

// Measurer executes a plan and reports its observed iteration latency in
// seconds. Implementations run real cluster jobs or replay recorded data;
// they must honor ctx cancellation.
type Measurer interface {
	Measure(ctx context.Context, p plan.ExecutionPlan, spec plan.ModelSpec) (float64, error)
}

// MeasurerFunc adapts a function to the Measurer interface.
type MeasurerFunc func(ctx context.Context, p plan.ExecutionPlan, spec plan.ModelSpec) (float64, error)

func (f MeasurerFunc) Measure(ctx context.Context, p plan.ExecutionPlan, spec plan.ModelSpec) (float64, error) {
	return f(ctx, p, spec)
}

// Config controls the training pipeline.
type Config struct {
	// MeasureTimeout bounds each measurement attempt. Zero disables the
	// per-attempt deadline.
	MeasureTimeout time.Duration
	// MeasureRetries is how many additional attempts a failed measurement
	// gets before the candidate is skipped.
	MeasureRetries int
	// SampleFraction is the probability each candidate is measured. Values
	// outside (0,1) keep every candidate.
	SampleFraction float64
	// Seed drives candidate sampling.
	Seed int64
	// Overwrite replaces an existing artifact for the key, including one
	// written under an older feature schema.
	Overwrite bool

	Predictor predict.Config
	Encoder   encode.Config
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		MeasureTimeout: 10 * time.Minute,
		MeasureRetries: 1,
		SampleFraction: 0.3,
		Seed:           1,
		Predictor:      predict.DefaultConfig(),
		Encoder:        encode.DefaultConfig(),
	}
}

// Report summarizes one TrainOrLoad run.
type Report struct {
	Loaded bool `json:"loaded"`

	Candidates int `json:"candidates"`
	Sampled    int `json:"sampled"`
	Measured   int `json:"measured"`
	Skipped    int `json:"skipped"`

	Fit predict.Report `json:"fit,omitempty"`
}

// Pipeline trains or loads a latency model for one artifact key.
type Pipeline struct {
	store  *store.Store
	meas   Measurer
	cfg    Config
	logger *slog.Logger
}

// New returns a Pipeline backed by the given artifact store and measurer.
func New(st *store.Store, meas Measurer, cfg Config) *Pipeline {
	return &Pipeline{store: st, meas: meas, cfg: cfg, logger: slog.Default()}
}

// WithLogger replaces the pipeline's logger.
func (pl *Pipeline) WithLogger(l *slog.Logger) *Pipeline {
	pl.logger = l
	return pl
}

// TrainOrLoad returns a model for key, loading the persisted artifact when
// one exists and training from scratch otherwise. An artifact saved under a
// different feature schema is an error unless Overwrite is set, in which
// case it is retrained and replaced. Training holds the store's per-key
// lock so two pipelines cannot train the same key concurrently.
func (pl *Pipeline) TrainOrLoad(ctx context.Context, key store.Key, spec plan.ModelSpec, candidates []plan.ExecutionPlan) (*predict.Model, *Report, error) {
	snap, err := pl.store.Load(key)
	switch {
	case err == nil:
		m, err := predict.FromSnapshot(snap)
		if err != nil {
			return nil, nil, err
		}
		pl.logger.Info("loaded model artifact", "key", key.String())
		return m, &Report{Loaded: true}, nil
	case errors.Is(err, store.ErrNotFound):
		// No artifact yet, train below.
	case errors.Is(err, predict.ErrSchemaMismatch) && pl.cfg.Overwrite:
		pl.logger.Warn("replacing artifact with stale schema", "key", key.String())
	default:
		return nil, nil, err
	}

	release, err := pl.store.Lock(key)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	model, rep, err := pl.train(ctx, key, spec, candidates)
	if err != nil {
		return nil, rep, err
	}
	if err := pl.store.Save(key, model.Snapshot(), pl.cfg.Overwrite); err != nil {
		return nil, rep, err
	}
	pl.logger.Info("trained and saved model",
		"key", key.String(),
		"measured", rep.Measured,
		"skipped", rep.Skipped,
		"final_loss", rep.Fit.FinalLoss)
	return model, rep, nil
}

func (pl *Pipeline) train(ctx context.Context, key store.Key, spec plan.ModelSpec, candidates []plan.ExecutionPlan) (*predict.Model, *Report, error) {
	rep := &Report{Candidates: len(candidates)}
	sampled := pl.sample(candidates)
	rep.Sampled = len(sampled)

	enc := encode.New(pl.cfg.Encoder)
	var examples []predict.Example
	for _, p := range sampled {
		if err := ctx.Err(); err != nil {
			return nil, rep, err
		}
		g, err := graph.Build(p, spec)
		if err != nil {
			pl.logger.Warn("skipping candidate, graph build failed", "plan", p.Key(), "error", err)
			rep.Skipped++
			continue
		}
		encoded, err := enc.Encode(g)
		if err != nil {
			pl.logger.Warn("skipping candidate, encoding failed", "plan", p.Key(), "error", err)
			rep.Skipped++
			continue
		}
		sec, err := pl.measure(ctx, p, spec)
		if err != nil {
			if ctx.Err() != nil {
				return nil, rep, ctx.Err()
			}
			pl.logger.Warn("skipping candidate, measurement failed", "plan", p.Key(), "error", err)
			rep.Skipped++
			continue
		}
		rep.Measured++
		examples = append(examples, predict.Example{Encoded: encoded, LatencySeconds: sec})
	}

	model := predict.New(pl.cfg.Predictor, encode.FeatureWidth)
	fit, err := model.Fit(ctx, examples, pl.cfg.Predictor)
	if err != nil {
		return nil, rep, err
	}
	rep.Fit = fit
	metrics.TrainingLoss.WithLabelValues(key.String()).Set(fit.FinalLoss)
	return model, rep, nil
}

// sample keeps each candidate with probability SampleFraction. Selection is
// seeded so a rerun measures the same subset.
func (pl *Pipeline) sample(candidates []plan.ExecutionPlan) []plan.ExecutionPlan {
	frac := pl.cfg.SampleFraction
	if frac <= 0 || frac >= 1 {
		out := make([]plan.ExecutionPlan, len(candidates))
		copy(out, candidates)
		return out
	}
	rng := rand.New(rand.NewSource(pl.cfg.Seed))
	var out []plan.ExecutionPlan
	for _, p := range candidates {
		if rng.Float64() < frac {
			out = append(out, p)
		}
	}
	return out
}

// measure runs one candidate with the per-attempt timeout, retrying up to
// MeasureRetries extra times before giving up.
func (pl *Pipeline) measure(ctx context.Context, p plan.ExecutionPlan, spec plan.ModelSpec) (float64, error) {
	var last error
	attempts := pl.cfg.MeasureRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		actx := ctx
		cancel := context.CancelFunc(func() {})
		if pl.cfg.MeasureTimeout > 0 {
			actx, cancel = context.WithTimeout(ctx, pl.cfg.MeasureTimeout)
		}
		sec, err := pl.meas.Measure(actx, p, spec)
		cancel()
		if err == nil {
			return sec, nil
		}
		last = err
		reason := "error"
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			reason = "timeout"
		case errors.Is(err, context.Canceled):
			reason = "cancelled"
		}
		metrics.MeasurementFailures.WithLabelValues(reason).Inc()
		pl.logger.Warn("measurement attempt failed",
			"plan", p.Key(), "attempt", attempt, "of", attempts, "error", err)
	}
	return 0, &MeasurementError{PlanKey: p.Key(), Attempts: attempts, Cause: last}
}

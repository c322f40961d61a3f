// Package search ranks candidate execution plans by predicted latency.
package search

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/planlens/planlens/pkg/encode"
	"github.com/planlens/planlens/pkg/graph"
	"github.com/planlens/planlens/pkg/metrics"
	"github.com/planlens/planlens/pkg/plan"
)

// ErrNoCandidates is returned when a search evaluates every candidate and
// none produced a usable prediction.
var ErrNoCandidates = errors.New("search: no candidate produced a prediction")

// Predictor scores an encoded plan graph. *predict.Model satisfies it.
type Predictor interface {
	Predict(enc *encode.Encoded) (float64, error)
}

// Config controls search concurrency and budget.
type Config struct {
	// Workers is the number of concurrent evaluation goroutines.
	Workers int
	// Budget caps how many candidates are scored. Zero means no cap. When
	// the space exceeds the budget a seeded uniform random subset is taken.
	Budget int
	// Seed drives the budget subset selection.
	Seed int64
}

// DefaultConfig returns the search defaults.
func DefaultConfig() Config {
	return Config{Workers: 4, Budget: 0, Seed: 1}
}

// Candidate is one scored plan.
type Candidate struct {
	Plan             plan.ExecutionPlan `json:"plan"`
	PredictedSeconds float64            `json:"predicted_seconds"`
	CommBytes        float64            `json:"comm_bytes"`
}

// Result summarizes one search run.
type Result struct {
	// Best is Ranked[0].
	Best Candidate `json:"best"`
	// Ranked holds every scored candidate, fastest first. Ties on predicted
	// latency break toward lower total collective traffic, then plan key.
	Ranked []Candidate `json:"ranked"`

	Evaluated  int `json:"evaluated"`
	Infeasible int `json:"infeasible"`
	TooLarge   int `json:"too_large"`
	Errors     int `json:"errors"`

	// BudgetLimited reports that the candidate space exceeded the budget
	// and only a random subset was scored.
	BudgetLimited bool `json:"budget_limited"`
}

// Optimizer evaluates candidate plans against a trained predictor.
type Optimizer struct {
	enc    *encode.Encoder
	pred   Predictor
	cfg    Config
	logger *slog.Logger
}

// New returns an Optimizer. Zero or negative Workers falls back to 1.
func New(enc *encode.Encoder, pred Predictor, cfg Config) *Optimizer {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Optimizer{enc: enc, pred: pred, cfg: cfg, logger: slog.Default()}
}

// WithLogger replaces the optimizer's logger.
func (o *Optimizer) WithLogger(l *slog.Logger) *Optimizer {
	o.logger = l
	return o
}

type outcome struct {
	cand   Candidate
	scored bool

	infeasible bool
	tooLarge   bool
	failed     bool
}

// Search scores the space's candidates for spec and returns them ranked by
// predicted latency. Cancelling ctx stops new evaluations; the partial
// result is returned alongside the context error.
func (o *Optimizer) Search(ctx context.Context, spec plan.ModelSpec, space Space) (*Result, error) {
	start := time.Now()
	cands := space.Candidates(spec)

	res := &Result{}
	if o.cfg.Budget > 0 && len(cands) > o.cfg.Budget {
		rng := rand.New(rand.NewSource(o.cfg.Seed))
		rng.Shuffle(len(cands), func(i, j int) { cands[i], cands[j] = cands[j], cands[i] })
		cands = cands[:o.cfg.Budget]
		res.BudgetLimited = true
	}

	outcomes := make([]outcome, len(cands))
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < o.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				outcomes[i] = o.evaluate(spec, cands[i])
			}
		}()
	}

	var ctxErr error
dispatch:
	for i := range cands {
		if ctxErr = ctx.Err(); ctxErr != nil {
			break
		}
		select {
		case jobs <- i:
		case <-ctx.Done():
			ctxErr = ctx.Err()
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	for _, out := range outcomes {
		switch {
		case out.scored:
			res.Evaluated++
			res.Ranked = append(res.Ranked, out.cand)
		case out.infeasible:
			res.Infeasible++
		case out.tooLarge:
			res.TooLarge++
		case out.failed:
			res.Errors++
		}
	}

	sort.Slice(res.Ranked, func(i, j int) bool {
		a, b := res.Ranked[i], res.Ranked[j]
		if a.PredictedSeconds != b.PredictedSeconds {
			return a.PredictedSeconds < b.PredictedSeconds
		}
		if a.CommBytes != b.CommBytes {
			return a.CommBytes < b.CommBytes
		}
		return a.Plan.Key() < b.Plan.Key()
	})

	metrics.SearchDuration.Observe(time.Since(start).Seconds())
	if ctxErr != nil {
		return res, ctxErr
	}
	if len(res.Ranked) == 0 {
		return res, ErrNoCandidates
	}
	res.Best = res.Ranked[0]
	o.logger.Info("search complete",
		"candidates", len(cands),
		"scored", res.Evaluated,
		"infeasible", res.Infeasible,
		"best_plan", res.Best.Plan.Key(),
		"best_seconds", res.Best.PredictedSeconds,
		"elapsed", time.Since(start))
	return res, nil
}

func (o *Optimizer) evaluate(spec plan.ModelSpec, p plan.ExecutionPlan) outcome {
	g, err := graph.Build(p, spec)
	if err != nil {
		if errors.Is(err, plan.ErrInvalidPlan) {
			metrics.CandidatesEvaluated.WithLabelValues("infeasible").Inc()
			return outcome{infeasible: true}
		}
		o.logger.Warn("graph build failed", "plan", p.Key(), "error", err)
		metrics.CandidatesEvaluated.WithLabelValues("error").Inc()
		return outcome{failed: true}
	}
	enc, err := o.enc.Encode(g)
	if err != nil {
		if errors.Is(err, encode.ErrGraphTooLarge) {
			o.logger.Warn("plan graph over node limit", "plan", p.Key(), "nodes", len(g.Nodes))
			metrics.CandidatesEvaluated.WithLabelValues("too_large").Inc()
			return outcome{tooLarge: true}
		}
		metrics.CandidatesEvaluated.WithLabelValues("error").Inc()
		return outcome{failed: true}
	}
	sec, err := o.pred.Predict(enc)
	if err != nil {
		o.logger.Warn("prediction failed", "plan", p.Key(), "error", err)
		metrics.CandidatesEvaluated.WithLabelValues("error").Inc()
		return outcome{failed: true}
	}
	metrics.CandidatesEvaluated.WithLabelValues("scored").Inc()
	metrics.PredictedLatency.Observe(sec)
	return outcome{scored: true, cand: Candidate{Plan: p, PredictedSeconds: sec, CommBytes: g.TotalCommBytes()}}
}

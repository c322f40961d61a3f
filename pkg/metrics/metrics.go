// Package metrics registers the Prometheus collectors for the plan latency
// predictor. Import this package anywhere in the binary to ensure collectors
// are registered with the default registry before promhttp.Handler is called.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CandidatesEvaluated counts plans processed during search, labelled by
	// outcome.
	//
	// Observed outcome values:
	//   scored       — built, encoded, and scored by the predictor
	//   infeasible   — rejected by plan validation before any predictor call
	//   too_large    — graph exceeded the encoder node limit
	//   error        — prediction failed for another reason
	CandidatesEvaluated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planlens_search_candidates_total",
			Help: "Total candidate plans processed by search, by outcome.",
		},
		[]string{"outcome"},
	)

	// PredictedLatency is a histogram of predictor outputs. Buckets span
	// 10ms → ~1.5h to cover toy single-microbatch plans through full
	// multi-host training steps without underflow or overflow.
	PredictedLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "planlens_predicted_latency_seconds",
			Help:    "Predicted plan latencies in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 20),
		},
	)

	// MeasurementFailures counts failed measurement attempts, by reason.
	// A candidate that exhausts its retry budget contributes one increment
	// per attempt.
	//
	// Observed reason values:
	//   timeout    — the attempt exceeded its per-call deadline
	//   error      — the measurement harness returned an error
	//   cancelled  — the run was cancelled mid-measurement
	MeasurementFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planlens_measurement_failures_total",
			Help: "Failed measurement attempts, by reason.",
		},
		[]string{"reason"},
	)

	// TrainingLoss is the final regression loss (MSE in log1p-seconds space)
	// of the most recent Fit per artifact key.
	TrainingLoss = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "planlens_training_final_loss",
			Help: "Final MSE (log1p seconds) of the most recent predictor training run, per artifact key.",
		},
		[]string{"key"},
	)

	// ArtifactOps counts artifact store operations by op ("save", "load")
	// and outcome ("ok", "miss", "conflict", "schema_mismatch", "error").
	ArtifactOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planlens_artifact_ops_total",
			Help: "Artifact store operations by op and outcome.",
		},
		[]string{"op", "outcome"},
	)

	// SearchDuration times complete search runs end to end.
	SearchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "planlens_search_duration_seconds",
			Help:    "Wall-clock duration of complete plan searches.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
	)
)

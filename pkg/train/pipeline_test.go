package train

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planlens/planlens/pkg/encode"
	"github.com/planlens/planlens/pkg/plan"
	"github.com/planlens/planlens/pkg/predict"
	"github.com/planlens/planlens/pkg/search"
	"github.com/planlens/planlens/pkg/store"
)

func testSpec() plan.ModelSpec {
	spec := plan.ModelSpec{Name: "tiny", MicroBatches: 4, GlobalBatchSize: 16}
	kinds := []plan.OpKind{plan.OpEmbedding, plan.OpAttention, plan.OpMLP, plan.OpOutput}
	for i := 0; i < 8; i++ {
		spec.Ops = append(spec.Ops, plan.OpSpec{
			Name:            fmt.Sprintf("op.%d", i),
			Kind:            kinds[i%len(kinds)],
			FLOPs:           1e9,
			ParamBytes:      1e6,
			ActivationBytes: 1e5,
		})
	}
	return spec
}

func testCandidates(t *testing.T, spec plan.ModelSpec) []plan.ExecutionPlan {
	t.Helper()
	cands := search.Space{Mesh: plan.DeviceMesh{Hosts: 1, DevicesPerHost: 8}}.Candidates(spec)
	require.Len(t, cands, 10)
	return cands
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SampleFraction = 1 // measure everything, the candidate sets are tiny
	cfg.MeasureTimeout = time.Second
	cfg.Predictor.Epochs = 10
	cfg.Predictor.MinExamples = 3
	return cfg
}

func testKey() store.Key {
	return store.Key{Benchmark: "tiny", Hardware: "1x8-test", Schema: encode.SchemaVersion}
}

// countingMeasurer returns a fixed latency and records per-plan call counts.
type countingMeasurer struct {
	mu    sync.Mutex
	calls map[string]int

	failFirst map[string]bool // plans whose first attempt fails
	failAll   map[string]bool // plans that never succeed
}

func newCountingMeasurer() *countingMeasurer {
	return &countingMeasurer{
		calls:     map[string]int{},
		failFirst: map[string]bool{},
		failAll:   map[string]bool{},
	}
}

func (m *countingMeasurer) Measure(ctx context.Context, p plan.ExecutionPlan, spec plan.ModelSpec) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := p.Key()
	m.calls[key]++
	if m.failAll[key] {
		return 0, errors.New("device lost")
	}
	if m.failFirst[key] && m.calls[key] == 1 {
		return 0, errors.New("transient launch failure")
	}
	return 0.5 + 0.01*float64(len(key)%7), nil
}

func TestTrainOrLoadTrainsThenLoads(t *testing.T) {
	t.Parallel()

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	spec := testSpec()
	cands := testCandidates(t, spec)

	meas := newCountingMeasurer()
	pipeline := New(st, meas, testConfig())

	model, rep, err := pipeline.TrainOrLoad(context.Background(), testKey(), spec, cands)
	require.NoError(t, err)
	assert.True(t, model.Fresh())
	assert.False(t, rep.Loaded)
	assert.Equal(t, 10, rep.Candidates)
	assert.Equal(t, 10, rep.Measured)
	assert.Zero(t, rep.Skipped)
	assert.Equal(t, 10, rep.Fit.Examples)

	// Second run finds the artifact and never measures.
	before := len(meas.calls)
	loaded, rep2, err := pipeline.TrainOrLoad(context.Background(), testKey(), spec, cands)
	require.NoError(t, err)
	assert.False(t, loaded.Fresh())
	assert.True(t, rep2.Loaded)
	assert.Len(t, meas.calls, before)
}

func TestTrainRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	spec := testSpec()
	cands := testCandidates(t, spec)

	meas := newCountingMeasurer()
	meas.failFirst[cands[0].Key()] = true

	cfg := testConfig()
	cfg.MeasureRetries = 1
	_, rep, err := New(st, meas, cfg).TrainOrLoad(context.Background(), testKey(), spec, cands)
	require.NoError(t, err)

	assert.Equal(t, 10, rep.Measured)
	assert.Zero(t, rep.Skipped)
	assert.Equal(t, 2, meas.calls[cands[0].Key()])
}

func TestTrainSkipsPersistentFailures(t *testing.T) {
	t.Parallel()

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	spec := testSpec()
	cands := testCandidates(t, spec)

	meas := newCountingMeasurer()
	meas.failAll[cands[0].Key()] = true
	meas.failAll[cands[1].Key()] = true

	cfg := testConfig()
	cfg.MeasureRetries = 1
	_, rep, err := New(st, meas, cfg).TrainOrLoad(context.Background(), testKey(), spec, cands)
	require.NoError(t, err)

	assert.Equal(t, 8, rep.Measured)
	assert.Equal(t, 2, rep.Skipped)
	// Exhausted candidates got the initial attempt plus one retry.
	assert.Equal(t, 2, meas.calls[cands[0].Key()])
}

func TestTrainInsufficientDataWritesNothing(t *testing.T) {
	t.Parallel()

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	spec := testSpec()
	cands := testCandidates(t, spec)[:2]

	cfg := testConfig()
	cfg.Predictor.MinExamples = 10
	_, _, err = New(st, newCountingMeasurer(), cfg).TrainOrLoad(context.Background(), testKey(), spec, cands)
	require.Error(t, err)
	assert.ErrorIs(t, err, predict.ErrInsufficientData)

	// The failed run must not leave a partial artifact behind.
	_, err = st.Load(testKey())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTrainRespectsArtifactLock(t *testing.T) {
	t.Parallel()

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	spec := testSpec()

	release, err := st.Lock(testKey())
	require.NoError(t, err)
	defer release()

	_, _, err = New(st, newCountingMeasurer(), testConfig()).
		TrainOrLoad(context.Background(), testKey(), spec, testCandidates(t, spec))
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrLocked)
}

func TestTrainCancellation(t *testing.T) {
	t.Parallel()

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	spec := testSpec()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = New(st, newCountingMeasurer(), testConfig()).
		TrainOrLoad(ctx, testKey(), spec, testCandidates(t, spec))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSampleFraction(t *testing.T) {
	t.Parallel()

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)

	cfg := testConfig()
	cfg.SampleFraction = 0.5
	cfg.Seed = 3
	pl := New(st, newCountingMeasurer(), cfg)

	cands := testCandidates(t, testSpec())
	a := pl.sample(cands)
	assert.Less(t, len(a), len(cands))
	assert.NotEmpty(t, a)

	// Seeded sampling is reproducible.
	b := pl.sample(cands)
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.True(t, a[i].Equal(b[i]))
	}
}

func TestMeasurementErrorUnwraps(t *testing.T) {
	t.Parallel()

	err := &MeasurementError{PlanKey: "k", Attempts: 2, Cause: errors.New("boom")}
	assert.ErrorIs(t, err, ErrMeasurementFailed)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

package predict

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/planlens/planlens/pkg/encode"
)

// synthEncoded fabricates one model input with n nodes. The feature values
// are uniform noise; the latency assigned by synthLatency is a smooth
// function of them so the model has something learnable.
func synthEncoded(rng *rand.Rand, n int) *encode.Encoded {
	data := make([]float64, n*encode.FeatureWidth)
	for i := range data {
		data[i] = rng.Float64()
	}
	depths := make([]int, n)
	for i := range depths {
		depths[i] = i
	}
	return &encode.Encoded{
		Features:      mat.NewDense(n, encode.FeatureWidth, data),
		Bias:          mat.NewDense(n, n, nil),
		Depths:        depths,
		NodeCount:     n,
		FeatureWidth:  encode.FeatureWidth,
		SchemaVersion: encode.SchemaVersion,
		CommBytes:     1e6,
	}
}

func synthLatency(e *encode.Encoded) float64 {
	var sum float64
	n, _ := e.Features.Dims()
	for i := 0; i < n; i++ {
		sum += e.Features.At(i, 0)
	}
	return 0.1 + sum/float64(n)
}

func synthExamples(seed int64, count int) []Example {
	rng := rand.New(rand.NewSource(seed))
	out := make([]Example, count)
	for i := range out {
		enc := synthEncoded(rng, 6+rng.Intn(6))
		out[i] = Example{Encoded: enc, LatencySeconds: synthLatency(enc)}
	}
	return out
}

func TestPredictBeforeAndAfterFit(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	m := New(cfg, encode.FeatureWidth)
	assert.True(t, m.Fresh())

	examples := synthExamples(7, 16)
	sec, err := m.Predict(examples[0].Encoded)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, sec, 0.0)

	rep, err := m.Fit(context.Background(), examples, cfg)
	require.NoError(t, err)
	assert.Equal(t, cfg.Epochs, rep.Epochs)
	assert.Equal(t, 16, rep.Examples)

	sec, err = m.Predict(examples[0].Encoded)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, sec, 0.0)
}

func TestFitReducesLoss(t *testing.T) {
	t.Parallel()

	examples := synthExamples(11, 20)

	short := DefaultConfig()
	short.Epochs = 1
	early, err := New(short, encode.FeatureWidth).Fit(context.Background(), examples, short)
	require.NoError(t, err)

	long := DefaultConfig()
	trained, err := New(long, encode.FeatureWidth).Fit(context.Background(), examples, long)
	require.NoError(t, err)

	assert.Less(t, trained.FinalLoss, early.FinalLoss)
}

func TestFitInsufficientData(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	m := New(cfg, encode.FeatureWidth)
	_, err := m.Fit(context.Background(), synthExamples(3, 2), cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientData)

	var detail *InsufficientDataError
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, 2, detail.Have)
	assert.Equal(t, cfg.MinExamples, detail.Need)
}

func TestFitCancellation(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	m := New(cfg, encode.FeatureWidth)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Fit(ctx, synthExamples(5, 12), cfg)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPredictSchemaMismatch(t *testing.T) {
	t.Parallel()

	m := New(DefaultConfig(), encode.FeatureWidth)
	enc := synthEncoded(rand.New(rand.NewSource(1)), 5)
	enc.SchemaVersion = "v1"

	_, err := m.Predict(enc)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
	var detail *SchemaMismatchError
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, "v1", detail.GotVersion)
	assert.Equal(t, encode.SchemaVersion, detail.WantVersion)
}

func TestSeededInitIsDeterministic(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	a := New(cfg, encode.FeatureWidth)
	b := New(cfg, encode.FeatureWidth)
	enc := synthEncoded(rand.New(rand.NewSource(2)), 8)

	pa, err := a.Predict(enc)
	require.NoError(t, err)
	pb, err := b.Predict(enc)
	require.NoError(t, err)
	assert.Equal(t, pa, pb)
}

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Epochs = 20
	m := New(cfg, encode.FeatureWidth)
	examples := synthExamples(13, 12)
	_, err := m.Fit(context.Background(), examples, cfg)
	require.NoError(t, err)

	restored, err := FromSnapshot(m.Snapshot())
	require.NoError(t, err)
	assert.False(t, restored.Fresh(), "a loaded model is not freshly trained")
	assert.Equal(t, m.SchemaVersion(), restored.SchemaVersion())

	for _, ex := range examples[:4] {
		want, err := m.Predict(ex.Encoded)
		require.NoError(t, err)
		got, err := restored.Predict(ex.Encoded)
		require.NoError(t, err)
		assert.InDelta(t, want, got, 1e-12)
	}
}

func TestFromSnapshotRejectsTornWeights(t *testing.T) {
	t.Parallel()

	snap := New(DefaultConfig(), encode.FeatureWidth).Snapshot()
	block := snap.Weights["w0"]
	block.Data = block.Data[:len(block.Data)-1]
	snap.Weights["w0"] = block

	_, err := FromSnapshot(snap)
	assert.Error(t, err)
}

// Package predict implements the learned latency model: a single-head
// attention block over the encoded plan graph followed by a pooled MLP
// readout. The model regresses log-scaled latency — plan latencies span
// orders of magnitude across mesh and model sizes, and training directly in
// seconds lets the large plans drown out the small ones. Predictions are
// de-scaled back to seconds before being returned.
package predict

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/planlens/planlens/pkg/encode"
)

// Config holds the model architecture and training hyperparameters.
type Config struct {
	HiddenDim    int     // attention width
	ReadoutDim   int     // MLP hidden width
	Epochs       int     // full-batch gradient steps
	LearningRate float64 // Adam step size
	MinExamples  int     // Fit refuses below this corpus size
	Seed         int64   // weight init and anything sampled during training
}

// DefaultConfig returns the hyperparameters used for production artifacts.
func DefaultConfig() Config {
	return Config{
		HiddenDim:    32,
		ReadoutDim:   16,
		Epochs:       300,
		LearningRate: 3e-3,
		MinExamples:  10,
		Seed:         1,
	}
}

// Model is the predictor for one (benchmark, hardware) key. Parameters are
// owned exclusively by the model; once loaded for inference it is never
// mutated, so concurrent Predict calls are safe. Fit mutates and must not
// race with Predict — the training pipeline serializes per key.
type Model struct {
	schemaVersion string
	featureWidth  int
	hidden        int
	readout       int

	w0 *mat.Dense // featureWidth x hidden, node embedding
	b0 *mat.Dense // 1 x hidden
	wq *mat.Dense // hidden x hidden
	wk *mat.Dense // hidden x hidden
	wv *mat.Dense // hidden x hidden
	w1 *mat.Dense // hidden x readout
	b1 *mat.Dense // 1 x readout
	w2 *mat.Dense // readout x 1
	b2 *mat.Dense // 1 x 1

	fresh bool // trained this process vs loaded from an artifact
}

// New returns a randomly initialized model for the given feature width.
// Initialization is seeded: two models built with the same config start
// from identical weights.
func New(cfg Config, featureWidth int) *Model {
	rng := rand.New(rand.NewSource(cfg.Seed))
	xavier := func(rows, cols int) *mat.Dense {
		scale := math.Sqrt(2 / float64(rows+cols))
		data := make([]float64, rows*cols)
		for i := range data {
			data[i] = rng.NormFloat64() * scale
		}
		return mat.NewDense(rows, cols, data)
	}
	return &Model{
		schemaVersion: encode.SchemaVersion,
		featureWidth:  featureWidth,
		hidden:        cfg.HiddenDim,
		readout:       cfg.ReadoutDim,
		w0:            xavier(featureWidth, cfg.HiddenDim),
		b0:            mat.NewDense(1, cfg.HiddenDim, nil),
		wq:            xavier(cfg.HiddenDim, cfg.HiddenDim),
		wk:            xavier(cfg.HiddenDim, cfg.HiddenDim),
		wv:            xavier(cfg.HiddenDim, cfg.HiddenDim),
		w1:            xavier(cfg.HiddenDim, cfg.ReadoutDim),
		b1:            mat.NewDense(1, cfg.ReadoutDim, nil),
		w2:            xavier(cfg.ReadoutDim, 1),
		b2:            mat.NewDense(1, 1, nil),
		fresh:         true,
	}
}

// Fresh reports whether the model was trained in this process rather than
// loaded from a persisted artifact.
func (m *Model) Fresh() bool { return m.fresh }

// SchemaVersion returns the feature schema the model expects.
func (m *Model) SchemaVersion() string { return m.schemaVersion }

// FeatureWidth returns the input width the model expects.
func (m *Model) FeatureWidth() int { return m.featureWidth }

// Predict returns the estimated latency in seconds for one encoded plan
// graph. Stateless given the parameters: no history is kept across calls.
// An input whose feature layout differs from the model's training schema
// fails with SchemaMismatch.
func (m *Model) Predict(enc *encode.Encoded) (float64, error) {
	if err := m.checkSchema(enc); err != nil {
		return 0, err
	}
	c := m.forward(enc)
	lat := math.Expm1(c.yhat)
	if math.IsNaN(lat) || math.IsInf(lat, 0) {
		return 0, fmt.Errorf("prediction diverged for %d-node input", enc.NodeCount)
	}
	if lat < 0 {
		lat = 0
	}
	return lat, nil
}

func (m *Model) checkSchema(enc *encode.Encoded) error {
	if enc.SchemaVersion != m.schemaVersion || enc.FeatureWidth != m.featureWidth {
		return &SchemaMismatchError{
			WantVersion: m.schemaVersion,
			WantWidth:   m.featureWidth,
			GotVersion:  enc.SchemaVersion,
			GotWidth:    enc.FeatureWidth,
		}
	}
	return nil
}

// forwardCache keeps every intermediate activation the backward pass needs.
type forwardCache struct {
	x          *mat.Dense // n x F
	z0, h0     *mat.Dense // n x D
	q, k, v    *mat.Dense // n x D
	a          *mat.Dense // n x n, post-softmax
	h1         *mat.Dense // n x D
	g          *mat.Dense // 1 x D, mean-pooled
	z1, r      *mat.Dense // 1 x P
	yhat       float64    // log1p(seconds)
	n          int
	scaleQK    float64
}

func (m *Model) forward(enc *encode.Encoded) *forwardCache {
	n := enc.NodeCount
	c := &forwardCache{x: enc.Features, n: n, scaleQK: 1 / math.Sqrt(float64(m.hidden))}

	c.z0 = mat.NewDense(n, m.hidden, nil)
	c.z0.Mul(c.x, m.w0)
	addRowVec(c.z0, m.b0)
	c.h0 = reluOf(c.z0)

	c.q = mat.NewDense(n, m.hidden, nil)
	c.q.Mul(c.h0, m.wq)
	c.k = mat.NewDense(n, m.hidden, nil)
	c.k.Mul(c.h0, m.wk)
	c.v = mat.NewDense(n, m.hidden, nil)
	c.v.Mul(c.h0, m.wv)

	s := mat.NewDense(n, n, nil)
	s.Mul(c.q, c.k.T())
	s.Scale(c.scaleQK, s)
	s.Add(s, enc.Bias)
	c.a = rowSoftmax(s)

	attn := mat.NewDense(n, m.hidden, nil)
	attn.Mul(c.a, c.v)
	c.h1 = mat.NewDense(n, m.hidden, nil)
	c.h1.Add(c.h0, attn) // residual keeps raw node features in the pool

	c.g = meanRows(c.h1)

	c.z1 = mat.NewDense(1, m.readout, nil)
	c.z1.Mul(c.g, m.w1)
	addRowVec(c.z1, m.b1)
	c.r = reluOf(c.z1)

	out := mat.NewDense(1, 1, nil)
	out.Mul(c.r, m.w2)
	c.yhat = out.At(0, 0) + m.b2.At(0, 0)
	return c
}

// addRowVec adds the 1 x k row vector vec to every row of dst in place.
func addRowVec(dst, vec *mat.Dense) {
	rows, cols := dst.Dims()
	v := vec.RawRowView(0)
	for i := 0; i < rows; i++ {
		row := dst.RawRowView(i)
		for j := 0; j < cols; j++ {
			row[j] += v[j]
		}
	}
}

func reluOf(src *mat.Dense) *mat.Dense {
	rows, cols := src.Dims()
	out := mat.NewDense(rows, cols, nil)
	out.Apply(func(_, _ int, v float64) float64 { return math.Max(0, v) }, src)
	return out
}

// rowSoftmax computes a numerically stable softmax over each row of s.
func rowSoftmax(s *mat.Dense) *mat.Dense {
	rows, cols := s.Dims()
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		in := s.RawRowView(i)
		o := out.RawRowView(i)
		maxV := math.Inf(-1)
		for _, v := range in {
			if v > maxV {
				maxV = v
			}
		}
		var sum float64
		for j, v := range in {
			o[j] = math.Exp(v - maxV)
			sum += o[j]
		}
		for j := range o {
			o[j] /= sum
		}
	}
	return out
}

// meanRows pools an n x d matrix into its 1 x d column mean.
func meanRows(m *mat.Dense) *mat.Dense {
	rows, cols := m.Dims()
	out := mat.NewDense(1, cols, nil)
	o := out.RawRowView(0)
	for i := 0; i < rows; i++ {
		row := m.RawRowView(i)
		for j := 0; j < cols; j++ {
			o[j] += row[j]
		}
	}
	for j := range o {
		o[j] /= float64(rows)
	}
	return out
}

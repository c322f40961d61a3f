package predict

import (
	"context"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/planlens/planlens/pkg/encode"
)

// Example pairs one encoded plan graph with its observed latency.
type Example struct {
	Encoded        *encode.Encoded
	LatencySeconds float64
}

// Report summarizes a completed Fit call.
type Report struct {
	Examples  int     `json:"examples"`
	Epochs    int     `json:"epochs"`
	FinalLoss float64 `json:"final_loss"` // MSE in log1p(seconds) space
}

// Fit trains the model on examples by full-batch gradient descent with Adam
// for cfg.Epochs steps, minimizing squared error on log-scaled latency.
// Calling Fit on a freshly constructed model trains from scratch; calling
// it on a model restored from an artifact fine-tunes the loaded weights
// (warm start) — selecting between the two is the pipeline's job.
//
// Fewer than cfg.MinExamples examples fail with InsufficientData before any
// weight is touched. Cancellation is honored between epochs: the weights of
// the last completed epoch remain, nothing is left mid-step.
func (m *Model) Fit(ctx context.Context, examples []Example, cfg Config) (Report, error) {
	if len(examples) < cfg.MinExamples {
		return Report{}, &InsufficientDataError{Have: len(examples), Need: cfg.MinExamples}
	}
	for _, ex := range examples {
		if err := m.checkSchema(ex.Encoded); err != nil {
			return Report{}, err
		}
	}

	targets := make([]float64, len(examples))
	for i, ex := range examples {
		targets[i] = math.Log1p(ex.LatencySeconds)
	}

	opt := newAdam(m.params(), cfg.LearningRate)
	report := Report{Examples: len(examples)}

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		g := m.zeroGrads()
		var loss float64
		invN := 1 / float64(len(examples))
		for i, ex := range examples {
			c := m.forward(ex.Encoded)
			diff := c.yhat - targets[i]
			loss += diff * diff * invN
			m.backward(c, 2*diff*invN, g)
		}

		opt.step(g.list())
		report.Epochs = epoch + 1
		report.FinalLoss = loss
	}

	m.fresh = true
	return report, nil
}

// grads mirrors the parameter set, same shapes, accumulated over the batch.
type grads struct {
	w0, b0, wq, wk, wv, w1, b1, w2, b2 *mat.Dense
}

func (m *Model) params() []*mat.Dense {
	return []*mat.Dense{m.w0, m.b0, m.wq, m.wk, m.wv, m.w1, m.b1, m.w2, m.b2}
}

func (m *Model) zeroGrads() *grads {
	like := func(p *mat.Dense) *mat.Dense {
		r, c := p.Dims()
		return mat.NewDense(r, c, nil)
	}
	return &grads{
		w0: like(m.w0), b0: like(m.b0),
		wq: like(m.wq), wk: like(m.wk), wv: like(m.wv),
		w1: like(m.w1), b1: like(m.b1),
		w2: like(m.w2), b2: like(m.b2),
	}
}

func (g *grads) list() []*mat.Dense {
	return []*mat.Dense{g.w0, g.b0, g.wq, g.wk, g.wv, g.w1, g.b1, g.w2, g.b2}
}

// backward accumulates dLoss/dParams for one example into g, given
// dLoss/dyhat = dy. Mirrors forward step by step in reverse.
func (m *Model) backward(c *forwardCache, dy float64, g *grads) {
	n, d := c.n, m.hidden

	// readout head
	{
		var dw2 mat.Dense
		dw2.Scale(dy, c.r.T())
		g.w2.Add(g.w2, &dw2)
	}
	g.b2.Set(0, 0, g.b2.At(0, 0)+dy)

	dz1 := mat.NewDense(1, m.readout, nil)
	for j := 0; j < m.readout; j++ {
		if c.z1.At(0, j) > 0 {
			dz1.Set(0, j, dy*m.w2.At(j, 0))
		}
	}
	{
		var dw1 mat.Dense
		dw1.Mul(c.g.T(), dz1)
		g.w1.Add(g.w1, &dw1)
	}
	g.b1.Add(g.b1, dz1)

	dg := mat.NewDense(1, d, nil)
	dg.Mul(dz1, m.w1.T())

	// mean pool: every row of h1 receives dg/n
	dh1 := mat.NewDense(n, d, nil)
	dgRow := dg.RawRowView(0)
	for i := 0; i < n; i++ {
		row := dh1.RawRowView(i)
		for j := 0; j < d; j++ {
			row[j] = dgRow[j] / float64(n)
		}
	}

	// residual: h1 = h0 + a·v
	dh0 := mat.NewDense(n, d, nil)
	dh0.Copy(dh1)

	dv := mat.NewDense(n, d, nil)
	dv.Mul(c.a.T(), dh1)

	da := mat.NewDense(n, n, nil)
	da.Mul(dh1, c.v.T())

	// softmax backward, row-wise: ds_ij = a_ij (da_ij - sum_k da_ik a_ik)
	ds := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		aRow := c.a.RawRowView(i)
		daRow := da.RawRowView(i)
		var dot float64
		for k := 0; k < n; k++ {
			dot += daRow[k] * aRow[k]
		}
		dsRow := ds.RawRowView(i)
		for j := 0; j < n; j++ {
			dsRow[j] = aRow[j] * (daRow[j] - dot)
		}
	}

	dq := mat.NewDense(n, d, nil)
	dq.Mul(ds, c.k)
	dq.Scale(c.scaleQK, dq)

	dk := mat.NewDense(n, d, nil)
	dk.Mul(ds.T(), c.q)
	dk.Scale(c.scaleQK, dk)

	accumMul := func(dst *mat.Dense, a, b mat.Matrix) {
		var tmp mat.Dense
		tmp.Mul(a, b)
		dst.Add(dst, &tmp)
	}
	accumMul(g.wq, c.h0.T(), dq)
	accumMul(g.wk, c.h0.T(), dk)
	accumMul(g.wv, c.h0.T(), dv)

	accumMul(dh0, dq, m.wq.T())
	accumMul(dh0, dk, m.wk.T())
	accumMul(dh0, dv, m.wv.T())

	// embedding layer
	dz0 := mat.NewDense(n, d, nil)
	for i := 0; i < n; i++ {
		z0Row := c.z0.RawRowView(i)
		dh0Row := dh0.RawRowView(i)
		dz0Row := dz0.RawRowView(i)
		for j := 0; j < d; j++ {
			if z0Row[j] > 0 {
				dz0Row[j] = dh0Row[j]
			}
		}
	}
	accumMul(g.w0, c.x.T(), dz0)
	{
		b0Row := g.b0.RawRowView(0)
		for i := 0; i < n; i++ {
			row := dz0.RawRowView(i)
			for j := 0; j < d; j++ {
				b0Row[j] += row[j]
			}
		}
	}
}

// adam is a standard Adam optimizer over a fixed parameter list.
type adam struct {
	params []*mat.Dense
	m, v   []*mat.Dense
	lr     float64
	beta1  float64
	beta2  float64
	eps    float64
	t      int
}

func newAdam(params []*mat.Dense, lr float64) *adam {
	a := &adam{params: params, lr: lr, beta1: 0.9, beta2: 0.999, eps: 1e-8}
	for _, p := range params {
		r, c := p.Dims()
		a.m = append(a.m, mat.NewDense(r, c, nil))
		a.v = append(a.v, mat.NewDense(r, c, nil))
	}
	return a
}

func (a *adam) step(grads []*mat.Dense) {
	a.t++
	c1 := 1 - math.Pow(a.beta1, float64(a.t))
	c2 := 1 - math.Pow(a.beta2, float64(a.t))
	for i, p := range a.params {
		gd := grads[i].RawMatrix().Data
		md := a.m[i].RawMatrix().Data
		vd := a.v[i].RawMatrix().Data
		pd := p.RawMatrix().Data
		for j := range pd {
			md[j] = a.beta1*md[j] + (1-a.beta1)*gd[j]
			vd[j] = a.beta2*vd[j] + (1-a.beta2)*gd[j]*gd[j]
			mHat := md[j] / c1
			vHat := vd[j] / c2
			pd[j] -= a.lr * mHat / (math.Sqrt(vHat) + a.eps)
		}
	}
}

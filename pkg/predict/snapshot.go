package predict

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Snapshot is the serializable form of a trained model: every weight matrix
// plus the schema metadata an artifact load must verify. JSON float64
// encoding round-trips exactly, so a restored model predicts bit-identically
// to the one that was saved.
type Snapshot struct {
	SchemaVersion string                 `json:"schema_version"`
	FeatureWidth  int                    `json:"feature_width"`
	HiddenDim     int                    `json:"hidden_dim"`
	ReadoutDim    int                    `json:"readout_dim"`
	Weights       map[string]WeightBlock `json:"weights"`
}

// WeightBlock is one dense matrix in row-major order.
type WeightBlock struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
}

// Snapshot captures the model's current parameters.
func (m *Model) Snapshot() *Snapshot {
	block := func(p *mat.Dense) WeightBlock {
		r, c := p.Dims()
		data := make([]float64, r*c)
		copy(data, p.RawMatrix().Data)
		return WeightBlock{Rows: r, Cols: c, Data: data}
	}
	return &Snapshot{
		SchemaVersion: m.schemaVersion,
		FeatureWidth:  m.featureWidth,
		HiddenDim:     m.hidden,
		ReadoutDim:    m.readout,
		Weights: map[string]WeightBlock{
			"w0": block(m.w0), "b0": block(m.b0),
			"wq": block(m.wq), "wk": block(m.wk), "wv": block(m.wv),
			"w1": block(m.w1), "b1": block(m.b1),
			"w2": block(m.w2), "b2": block(m.b2),
		},
	}
}

// FromSnapshot reconstructs a model from persisted weights. The restored
// model is marked as loaded (not fresh); dimension inconsistencies fail
// loudly rather than producing a mis-shaped model.
func FromSnapshot(s *Snapshot) (*Model, error) {
	restore := func(name string, wantRows, wantCols int) (*mat.Dense, error) {
		b, ok := s.Weights[name]
		if !ok {
			return nil, fmt.Errorf("snapshot missing weight %q", name)
		}
		if b.Rows != wantRows || b.Cols != wantCols || len(b.Data) != b.Rows*b.Cols {
			return nil, fmt.Errorf("weight %q has shape %dx%d (len %d), want %dx%d",
				name, b.Rows, b.Cols, len(b.Data), wantRows, wantCols)
		}
		data := make([]float64, len(b.Data))
		copy(data, b.Data)
		return mat.NewDense(b.Rows, b.Cols, data), nil
	}

	m := &Model{
		schemaVersion: s.SchemaVersion,
		featureWidth:  s.FeatureWidth,
		hidden:        s.HiddenDim,
		readout:       s.ReadoutDim,
		fresh:         false,
	}
	var err error
	if m.w0, err = restore("w0", s.FeatureWidth, s.HiddenDim); err != nil {
		return nil, err
	}
	if m.b0, err = restore("b0", 1, s.HiddenDim); err != nil {
		return nil, err
	}
	if m.wq, err = restore("wq", s.HiddenDim, s.HiddenDim); err != nil {
		return nil, err
	}
	if m.wk, err = restore("wk", s.HiddenDim, s.HiddenDim); err != nil {
		return nil, err
	}
	if m.wv, err = restore("wv", s.HiddenDim, s.HiddenDim); err != nil {
		return nil, err
	}
	if m.w1, err = restore("w1", s.HiddenDim, s.ReadoutDim); err != nil {
		return nil, err
	}
	if m.b1, err = restore("b1", 1, s.ReadoutDim); err != nil {
		return nil, err
	}
	if m.w2, err = restore("w2", s.ReadoutDim, 1); err != nil {
		return nil, err
	}
	if m.b2, err = restore("b2", 1, 1); err != nil {
		return nil, err
	}
	return m, nil
}

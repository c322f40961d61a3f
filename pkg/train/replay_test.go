package train

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planlens/planlens/pkg/plan"
	"github.com/planlens/planlens/pkg/store"
)

func TestReplayMeasurer(t *testing.T) {
	t.Parallel()

	spec := testSpec()
	cands := testCandidates(t, spec)

	ms := make([]Measurement, 0, len(cands))
	for i, p := range cands {
		ms = append(ms, Measurement{PlanKey: p.Key(), LatencySeconds: 0.1 * float64(i+1)})
	}
	rm := NewReplayMeasurer(ms)
	assert.Equal(t, len(cands), rm.Len())

	sec, err := rm.Measure(context.Background(), cands[2], spec)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, sec, 1e-9)

	// A plan outside the recorded set is a measurement failure.
	unknown := plan.ExecutionPlan{
		Mesh:   plan.DeviceMesh{Hosts: 1, DevicesPerHost: 2},
		Stages: []plan.Stage{{OpStart: 0, OpEnd: 8, Data: 2, Tensor: 1}},
	}
	_, err = rm.Measure(context.Background(), unknown, spec)
	assert.Error(t, err)
}

func TestLoadReplayMeasurer(t *testing.T) {
	t.Parallel()

	ms := []Measurement{{PlanKey: "a", LatencySeconds: 1.5}, {PlanKey: "b", LatencySeconds: 2.5}}
	raw, err := json.Marshal(ms)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "measurements.json")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	rm, err := LoadReplayMeasurer(path)
	require.NoError(t, err)
	assert.Equal(t, 2, rm.Len())

	_, err = LoadReplayMeasurer(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestReplayTrainsModel(t *testing.T) {
	t.Parallel()

	spec := testSpec()
	cands := testCandidates(t, spec)
	ms := make([]Measurement, 0, len(cands))
	for i, p := range cands {
		ms = append(ms, Measurement{PlanKey: p.Key(), LatencySeconds: 0.2 + 0.05*float64(i)})
	}

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	model, rep, err := New(st, NewReplayMeasurer(ms), testConfig()).
		TrainOrLoad(context.Background(), testKey(), spec, cands)
	require.NoError(t, err)
	assert.True(t, model.Fresh())
	assert.Equal(t, len(cands), rep.Measured)
}

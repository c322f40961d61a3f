// Package bench defines the benchmark model families used to train and
// evaluate latency predictors, plus a simulation measurer for offline runs.
package bench

import (
	"fmt"
	"sort"

	"github.com/planlens/planlens/pkg/plan"
	"github.com/planlens/planlens/pkg/search"
)

// Family names a benchmark model family.
type Family string

const (
	FamilyGPT Family = "gpt"
	FamilyMoE Family = "moe"
)

// shape holds the architecture knobs for one benchmark size.
type shape struct {
	layers  int
	hidden  int
	seqLen  int
	experts int // 0 for dense families
}

var sizes = map[Family]map[string]shape{
	FamilyGPT: {
		"350M": {layers: 24, hidden: 1024, seqLen: 1024},
		"760M": {layers: 24, hidden: 1536, seqLen: 1024},
		"1.3B": {layers: 24, hidden: 2048, seqLen: 1024},
	},
	FamilyMoE: {
		"380M": {layers: 8, hidden: 768, seqLen: 1024, experts: 8},
		"690M": {layers: 8, hidden: 768, seqLen: 1024, experts: 16},
		"1.3B": {layers: 16, hidden: 768, seqLen: 1024, experts: 16},
	},
}

const (
	defaultMicroBatches = 64
	defaultGlobalBatch  = 1024
	bytesPerParam       = 2 // fp16
)

// Families lists the supported family names.
func Families() []string {
	out := make([]string, 0, len(sizes))
	for f := range sizes {
		out = append(out, string(f))
	}
	sort.Strings(out)
	return out
}

// Sizes lists the supported sizes for a family.
func Sizes(f Family) []string {
	out := make([]string, 0, len(sizes[f]))
	for s := range sizes[f] {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Spec builds the operator sequence and batch settings for one benchmark.
func Spec(f Family, size string) (plan.ModelSpec, error) {
	sh, ok := sizes[f][size]
	if !ok {
		return plan.ModelSpec{}, fmt.Errorf("bench: unknown benchmark %s-%s", f, size)
	}
	tokens := float64(defaultGlobalBatch / defaultMicroBatches * sh.seqLen)
	h := float64(sh.hidden)
	actBytes := tokens * h * bytesPerParam

	ops := make([]plan.OpSpec, 0, 2*sh.layers+2)
	ops = append(ops, plan.OpSpec{
		Name:            "embed",
		Kind:            plan.OpEmbedding,
		FLOPs:           2 * tokens * h,
		ParamBytes:      51200 * h * bytesPerParam,
		ActivationBytes: actBytes,
	})
	for l := 0; l < sh.layers; l++ {
		ops = append(ops, plan.OpSpec{
			Name:            fmt.Sprintf("attn.%d", l),
			Kind:            plan.OpAttention,
			FLOPs:           8*tokens*h*h + 4*tokens*float64(sh.seqLen)*h,
			ParamBytes:      4 * h * h * bytesPerParam,
			ActivationBytes: actBytes,
		})
		ffn := plan.OpSpec{
			Name:            fmt.Sprintf("mlp.%d", l),
			Kind:            plan.OpMLP,
			FLOPs:           16 * tokens * h * h,
			ParamBytes:      8 * h * h * bytesPerParam,
			ActivationBytes: actBytes,
		}
		if sh.experts > 0 {
			ffn.Name = fmt.Sprintf("moe.%d", l)
			ffn.Kind = plan.OpMoE
			ffn.ParamBytes *= float64(sh.experts)
		}
		ops = append(ops, ffn)
	}
	ops = append(ops, plan.OpSpec{
		Name:            "lm_head",
		Kind:            plan.OpOutput,
		FLOPs:           2 * tokens * h * 51200,
		ParamBytes:      51200 * h * bytesPerParam,
		ActivationBytes: tokens * 51200 * bytesPerParam / 16,
	})

	return plan.ModelSpec{
		Name:            fmt.Sprintf("%s-%s", f, size),
		Ops:             ops,
		MicroBatches:    defaultMicroBatches,
		GlobalBatchSize: defaultGlobalBatch,
	}, nil
}

// DefaultSpace returns the standard candidate space: a 2x2 mesh with
// pipeline depth capped at the device count.
func DefaultSpace() search.Space {
	return search.Space{Mesh: plan.DeviceMesh{Hosts: 2, DevicesPerHost: 2}}
}

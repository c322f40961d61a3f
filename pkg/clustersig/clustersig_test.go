package clustersig

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
)

func gpuNode(name string, gpus int64, product string) *corev1.Node {
	node := &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: name, Labels: map[string]string{}},
		Status: corev1.NodeStatus{
			Allocatable: corev1.ResourceList{
				gpuResource: *resource.NewQuantity(gpus, resource.DecimalSI),
			},
		},
	}
	if product != "" {
		node.Labels[gpuProductLabel] = product
	}
	return node
}

func cpuNode(name string) *corev1.Node {
	return &corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: name}}
}

func TestDetect(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		nodes   []*corev1.Node
		want    Signature
		wantErr error
	}{
		{
			name: "uniform GPU cluster",
			nodes: []*corev1.Node{
				gpuNode("gpu-0", 2, "NVIDIA-A100-SXM4-40GB"),
				gpuNode("gpu-1", 2, "NVIDIA-A100-SXM4-40GB"),
				cpuNode("control-plane"),
			},
			want: Signature{Hosts: 2, DevicesPerHost: 2, Accelerator: "nvidia-a100"},
		},
		{
			name: "uneven hosts use the smallest device count",
			nodes: []*corev1.Node{
				gpuNode("gpu-0", 8, "NVIDIA-H100-80GB-HBM3"),
				gpuNode("gpu-1", 4, "NVIDIA-H100-80GB-HBM3"),
			},
			want: Signature{Hosts: 2, DevicesPerHost: 4, Accelerator: "nvidia-h100"},
		},
		{
			name: "unschedulable node excluded",
			nodes: []*corev1.Node{
				gpuNode("gpu-0", 4, "NVIDIA-A100-SXM4-40GB"),
				func() *corev1.Node {
					n := gpuNode("gpu-1", 4, "NVIDIA-A100-SXM4-40GB")
					n.Spec.Unschedulable = true
					return n
				}(),
			},
			want: Signature{Hosts: 1, DevicesPerHost: 4, Accelerator: "nvidia-a100"},
		},
		{
			name: "missing product label",
			nodes: []*corev1.Node{
				gpuNode("gpu-0", 2, ""),
			},
			want: Signature{Hosts: 1, DevicesPerHost: 2, Accelerator: "unknown"},
		},
		{
			name:    "no GPU nodes",
			nodes:   []*corev1.Node{cpuNode("cpu-0"), cpuNode("cpu-1")},
			wantErr: ErrNoGPUNodes,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			objs := make([]runtime.Object, 0, len(tc.nodes))
			for _, n := range tc.nodes {
				objs = append(objs, n)
			}
			client := fake.NewSimpleClientset(objs...)

			sig, err := NewDetector(client).Detect(context.Background())
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, sig)
		})
	}
}

func TestSignatureString(t *testing.T) {
	t.Parallel()

	sig := Static(2, 2, "NVIDIA A100-SXM4-40GB")
	assert.Equal(t, "2x2-nvidia-a100", sig.String())
	assert.Equal(t, 4, sig.Mesh().Devices())
}

func TestParse(t *testing.T) {
	t.Parallel()

	sig, err := Parse("2x4-nvidia-h100")
	require.NoError(t, err)
	assert.Equal(t, Signature{Hosts: 2, DevicesPerHost: 4, Accelerator: "nvidia-h100"}, sig)

	for _, bad := range []string{"", "2x4", "axb-gpu", "0x4-gpu"} {
		_, err := Parse(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"NVIDIA-A100-SXM4-40GB": "nvidia-a100",
		"NVIDIA H100 80GB HBM3": "nvidia-h100",
		"tpu_v4":                "tpu-v4",
		"":                      "unknown",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalize(in), "input %q", in)
	}
}

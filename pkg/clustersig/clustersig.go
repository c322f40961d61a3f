// Package clustersig derives the hardware signature of the cluster a model
// artifact was trained on. Predictions are only valid on matching hardware,
// so the signature is part of every artifact key.
package clustersig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/planlens/planlens/pkg/plan"
)

const (
	gpuResource     = corev1.ResourceName("nvidia.com/gpu")
	gpuProductLabel = "nvidia.com/gpu.product"
)

// ErrNoGPUNodes is returned when the cluster has no schedulable GPU nodes.
var ErrNoGPUNodes = errors.New("clustersig: no GPU nodes found")

// Signature identifies a training substrate: mesh shape plus accelerator.
type Signature struct {
	Hosts          int
	DevicesPerHost int
	Accelerator    string
}

// String renders the signature in the form used inside artifact keys,
// for example "2x2-nvidia-a100".
func (s Signature) String() string {
	return fmt.Sprintf("%dx%d-%s", s.Hosts, s.DevicesPerHost, s.Accelerator)
}

// Mesh returns the device mesh the signature describes.
func (s Signature) Mesh() plan.DeviceMesh {
	return plan.DeviceMesh{Hosts: s.Hosts, DevicesPerHost: s.DevicesPerHost}
}

// Static builds a signature without touching a cluster. Used when the mesh
// is configured explicitly or no kubeconfig is available.
func Static(hosts, devicesPerHost int, accelerator string) Signature {
	return Signature{Hosts: hosts, DevicesPerHost: devicesPerHost, Accelerator: normalize(accelerator)}
}

// Parse reads a signature back from its String form.
func Parse(s string) (Signature, error) {
	mesh, accel, ok := strings.Cut(s, "-")
	var hosts, devices int
	if _, err := fmt.Sscanf(mesh, "%dx%d", &hosts, &devices); !ok || err != nil || hosts < 1 || devices < 1 || accel == "" {
		return Signature{}, fmt.Errorf("clustersig: malformed signature %q, want HxD-accelerator", s)
	}
	return Signature{Hosts: hosts, DevicesPerHost: devices, Accelerator: accel}, nil
}

// Detector reads the hardware signature from a Kubernetes cluster.
type Detector struct {
	client kubernetes.Interface
	logger *slog.Logger
}

// NewDetector returns a Detector over the given client.
func NewDetector(client kubernetes.Interface) *Detector {
	return &Detector{client: client, logger: slog.Default()}
}

// WithLogger swaps the detector's logger.
func (d *Detector) WithLogger(l *slog.Logger) *Detector {
	d.logger = l
	return d
}

// Detect lists the cluster's nodes and derives the signature from the GPU
// nodes: host count, allocatable GPUs per host, and the device product
// label. Unschedulable nodes are skipped. A cluster with uneven GPU counts
// per host uses the smallest count, since that is what a mesh can use
// uniformly.
func (d *Detector) Detect(ctx context.Context) (Signature, error) {
	nodes, err := d.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return Signature{}, fmt.Errorf("listing nodes: %w", err)
	}

	sig := Signature{Accelerator: "unknown"}
	for _, node := range nodes.Items {
		if node.Spec.Unschedulable {
			continue
		}
		gpus, ok := node.Status.Allocatable[gpuResource]
		if !ok || gpus.IsZero() {
			continue
		}
		count := int(gpus.Value())
		sig.Hosts++
		if sig.DevicesPerHost == 0 || count < sig.DevicesPerHost {
			sig.DevicesPerHost = count
		}
		if product := node.Labels[gpuProductLabel]; product != "" {
			sig.Accelerator = normalize(product)
		}
	}
	if sig.Hosts == 0 {
		return Signature{}, ErrNoGPUNodes
	}
	d.logger.Info("detected cluster signature",
		"hosts", sig.Hosts,
		"devices_per_host", sig.DevicesPerHost,
		"accelerator", sig.Accelerator)
	return sig, nil
}

// normalize lowercases an accelerator product name and collapses it to the
// key-safe form, e.g. "NVIDIA-A100-SXM4-40GB" becomes "nvidia-a100".
func normalize(product string) string {
	s := strings.ToLower(strings.TrimSpace(product))
	s = strings.ReplaceAll(s, "_", "-")
	s = strings.ReplaceAll(s, " ", "-")
	parts := strings.Split(s, "-")
	if len(parts) > 2 {
		parts = parts[:2]
	}
	out := strings.Join(parts, "-")
	if out == "" {
		return "unknown"
	}
	return out
}

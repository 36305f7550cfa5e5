package bench

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/example/go-convkit/internal/runtime/ops"
	"github.com/example/go-convkit/internal/runtime/tensor"
)

// Workload is a prepared kernel invocation with its multiply-accumulate count.
type Workload struct {
	Name string
	MACs int64
	run  func() error
}

// Spec sizes a synthetic workload. Conv workloads use a Size x Size x
// Channels image and Filters KernelSize x KernelSize filters; the GRU
// workload runs Size steps of a Channels -> Filters cell.
type Spec struct {
	Kernel     string
	Size       int64
	Channels   int64
	Filters    int64
	KernelSize int64
	Stride     int64
	Groups     int64
}

func DefaultSpec(kernel string) Spec {
	return Spec{Kernel: kernel, Size: 64, Channels: 16, Filters: 16, KernelSize: 3, Stride: 1, Groups: 1}
}

// NewWorkload builds deterministic inputs for spec.
func NewWorkload(spec Spec) (*Workload, error) {
	if spec.Size <= 0 || spec.Channels <= 0 || spec.Filters <= 0 || spec.KernelSize <= 0 {
		return nil, fmt.Errorf("bench: workload dimensions must be positive: %+v", spec)
	}

	if spec.Stride <= 0 {
		spec.Stride = 1
	}

	if spec.Groups <= 0 {
		spec.Groups = 1
	}

	switch strings.ToLower(spec.Kernel) {
	case "conv", "conv2d":
		return convWorkload(spec)
	case "convt", "convtranspose2d":
		return convTransposeWorkload(spec)
	case "gru":
		return gruWorkload(spec)
	default:
		return nil, fmt.Errorf("bench: unknown kernel %q (expected conv|convt|gru)", spec.Kernel)
	}
}

func convWorkload(spec Spec) (*Workload, error) {
	k, c, f := spec.KernelSize, spec.Channels, spec.Filters

	image, err := synthetic([]int64{spec.Size, spec.Size, c})
	if err != nil {
		return nil, err
	}

	filters, err := synthetic([]int64{k, k, c / spec.Groups, f})
	if err != nil {
		return nil, err
	}

	bias, err := ops.ScalarBias(f, 0.125)
	if err != nil {
		return nil, err
	}

	cfg := ops.DefaultConv2DConfig()
	cfg.Stride = ops.Square(spec.Stride)
	cfg.Groups = spec.Groups
	cfg.Padding = ops.SameForKernel(k, k)

	outH, err := ops.ConvOutputSize(spec.Size+k-1, k, spec.Stride, 1)
	if err != nil {
		return nil, err
	}

	return &Workload{
		Name: fmt.Sprintf("conv2d %dx%dx%d k%d f%d s%d g%d", spec.Size, spec.Size, c, k, f, spec.Stride, spec.Groups),
		MACs: outH * outH * f * k * k * (c / spec.Groups),
		run: func() error {
			_, err := ops.Conv2D(image, filters, bias, cfg)
			return err
		},
	}, nil
}

func convTransposeWorkload(spec Spec) (*Workload, error) {
	k, c, f := spec.KernelSize, spec.Channels, spec.Filters

	image, err := synthetic([]int64{spec.Size, spec.Size, c})
	if err != nil {
		return nil, err
	}

	filters, err := synthetic([]int64{k, k, f, c / spec.Groups})
	if err != nil {
		return nil, err
	}

	bias, err := ops.ScalarBias(f, 0.125)
	if err != nil {
		return nil, err
	}

	cfg := ops.DefaultConvTranspose2DConfig()
	cfg.Stride = ops.Square(spec.Stride)
	cfg.Groups = spec.Groups

	return &Workload{
		Name: fmt.Sprintf("convtranspose2d %dx%dx%d k%d f%d s%d g%d", spec.Size, spec.Size, c, k, f, spec.Stride, spec.Groups),
		MACs: spec.Size * spec.Size * f * k * k * (c / spec.Groups),
		run: func() error {
			_, err := ops.ConvTranspose2D(image, filters, bias, cfg)
			return err
		},
	}, nil
}

func gruWorkload(spec Spec) (*Workload, error) {
	in, unit := spec.Channels, spec.Filters

	var w ops.GRUWeights

	for _, g := range []*ops.GRUGate{&w.Update, &w.Reset, &w.Candidate} {
		var err error

		if g.Input, err = synthetic([]int64{unit, in}); err != nil {
			return nil, err
		}

		if g.Hidden, err = synthetic([]int64{unit, unit}); err != nil {
			return nil, err
		}
	}

	xs, err := synthetic([]int64{spec.Size, in})
	if err != nil {
		return nil, err
	}

	cell, err := ops.NewGRUCell(w)
	if err != nil {
		return nil, err
	}

	return &Workload{
		Name: fmt.Sprintf("gru steps=%d in=%d unit=%d", spec.Size, in, unit),
		MACs: spec.Size * 3 * unit * (in + unit),
		run: func() error {
			cell.Reset()
			_, err := cell.Run(xs)

			return err
		},
	}, nil
}

// Run executes the workload runs times. The first run is marked cold.
func (w *Workload) Run(ctx context.Context, runs int) ([]RunResult, error) {
	if runs < 1 {
		return nil, fmt.Errorf("bench: runs must be >= 1, got %d", runs)
	}

	results := make([]RunResult, 0, runs)

	for i := range runs {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		start := time.Now()
		if err := w.run(); err != nil {
			return results, fmt.Errorf("bench: %s run %d: %w", w.Name, i+1, err)
		}

		d := time.Since(start)
		results = append(results, RunResult{
			Index:    i,
			Cold:     i == 0,
			Duration: d,
			MACs:     w.MACs,
			GMACs:    Throughput(w.MACs, d),
		})
	}

	return results, nil
}

// synthetic fills shape with a small repeating ramp in [-1, 1].
func synthetic(shape []int64) (*tensor.Tensor, error) {
	n, err := tensor.ElemCount(shape)
	if err != nil {
		return nil, err
	}

	data := make([]float32, n)
	for i := range data {
		data[i] = float32(i%17-8) / 8
	}

	return tensor.FromOwned(data, shape)
}

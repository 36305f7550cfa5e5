package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/go-convkit/internal/runtime/ops"
	"github.com/example/go-convkit/internal/runtime/tensor"
	"github.com/example/go-convkit/internal/safetensors"
)

// kernelOptions are the flags shared by the conv, convt and gru commands.
type kernelOptions struct {
	layer      string
	input      string
	inputName  string
	outputName string
	expect     string
	expectName string
	stride     []int
	dilation   []int
	groups     int64
}

func (o *kernelOptions) register(cmd *cobra.Command, conv bool) {
	cmd.Flags().StringVar(&o.layer, "layer", "", "Layer name prefix in the weights file (required)")
	cmd.Flags().StringVar(&o.input, "input", "", "Input .safetensors file (required)")
	cmd.Flags().StringVar(&o.inputName, "input-name", "", "Input tensor name (default: first tensor)")
	cmd.Flags().StringVar(&o.outputName, "output-name", "output", "Output tensor name")
	cmd.Flags().StringVar(&o.expect, "expect", "", "Reference .safetensors file to compare the output against")
	cmd.Flags().StringVar(&o.expectName, "expect-name", "", "Reference tensor name (default: first tensor)")

	if conv {
		cmd.Flags().IntSliceVar(&o.stride, "stride", []int{1, 1}, "Stride as h,w or a single value")
		cmd.Flags().IntSliceVar(&o.dilation, "dilation", []int{1, 1}, "Dilation as h,w or a single value")
		cmd.Flags().Int64Var(&o.groups, "groups", 1, "Channel groups")
	}
}

func (o *kernelOptions) validate() error {
	if o.layer == "" {
		return errors.New("--layer is required")
	}

	if o.input == "" {
		return errors.New("--input is required")
	}

	return nil
}

// stepping returns the stride and dilation pairs.
func (o *kernelOptions) stepping() (stride, dilation ops.Pair, err error) {
	if stride, err = pairFlag("stride", o.stride); err != nil {
		return stride, dilation, err
	}

	dilation, err = pairFlag("dilation", o.dilation)

	return stride, dilation, err
}

func pairFlag(name string, v []int) (ops.Pair, error) {
	switch len(v) {
	case 1:
		return ops.Square(int64(v[0])), nil
	case 2:
		return ops.Pair{H: int64(v[0]), W: int64(v[1])}, nil
	default:
		return ops.Pair{}, fmt.Errorf("--%s takes 1 or 2 values, got %d", name, len(v))
	}
}

func loadInput(path, name string) (*tensor.Tensor, error) {
	st, err := safetensors.LoadTensor(path, name)
	if err != nil {
		return nil, err
	}

	return st.Runtime()
}

// logged runs one kernel command and logs it when it fails; successful runs
// are logged by finish.
func logged(kernel, layer string, run func() error) error {
	err := run()
	if err != nil {
		slog.Warn("kernel run failed",
			"kernel", kernel,
			"layer", layer,
			"error", err.Error(),
		)
	}

	return err
}

// finish writes the kernel outputs, compares the first against the
// reference when one is given, and reports to w.
func finish(w io.Writer, kernel, outPath string, opts kernelOptions, start time.Time, outs ...safetensors.Tensor) error {
	slog.Info("kernel run",
		"kernel", kernel,
		"layer", opts.layer,
		"shape", outs[0].Shape,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if err := safetensors.WriteFile(outPath, outs); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(w, "%s %s: %v -> %s\n", kernel, opts.layer, outs[0].Shape, outPath)

	if opts.expect == "" {
		return nil
	}

	if err := compareReference(kernel, opts.expect, opts.expectName, outs[0]); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(w, "matches %s\n", opts.expect)

	return nil
}

func compareReference(kernel, path, name string, got safetensors.Tensor) error {
	tol, err := ops.KernelTolerance(kernel)
	if err != nil {
		return err
	}

	want, err := safetensors.LoadTensor(path, name)
	if err != nil {
		return err
	}

	if !sameShape(got.Shape, want.Shape) {
		return fmt.Errorf("%s output shape %v, reference %s has %v", kernel, got.Shape, path, want.Shape)
	}

	m, err := ops.CompareWithin(got.Data, want.Data, tol)
	if err != nil {
		return err
	}

	if m != nil {
		return fmt.Errorf("%s output differs from %s: %s", kernel, path, m)
	}

	return nil
}

func sameShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

func outputTensor(name string, t *tensor.Tensor) safetensors.Tensor {
	return safetensors.Tensor{Name: name, Shape: t.Shape(), Data: t.Data()}
}

package main

import (
	"bytes"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/go-convkit/internal/config"
	"github.com/example/go-convkit/internal/safetensors"
	"github.com/example/go-convkit/internal/testutil"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	orig := activeCfg

	t.Cleanup(func() { activeCfg = orig })

	var out bytes.Buffer

	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)

	err := root.Execute()

	return out.String(), err
}

func readOutput(t *testing.T, path, name string) *safetensors.Tensor {
	t.Helper()

	got, err := safetensors.LoadTensor(path, name)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}

	return got
}

// diagonalWeights writes 2x2 single-channel filters computing x(i,j) - x(i+1,j+1).
func diagonalWeights(t *testing.T, dir string) string {
	t.Helper()

	return testutil.WriteSafetensors(t, dir, "weights.safetensors",
		safetensors.Tensor{Name: "enc.weight", Shape: []int64{2, 2, 1, 1}, Data: []float32{1, 0, 0, -1}},
		safetensors.Tensor{Name: "enc.bias", Shape: []int64{1}, Data: []float32{0.5}},
		safetensors.Tensor{Name: "dec.weight", Shape: []int64{2, 2, 1, 1}, Data: []float32{1, 0, 0, -1}},
	)
}

func TestConvCmd_WritesOutputAndMatchesReference(t *testing.T) {
	dir := t.TempDir()
	weightsPath := diagonalWeights(t, dir)
	input := testutil.WriteSafetensors(t, dir, "in.safetensors",
		safetensors.Tensor{Name: "image", Shape: []int64{3, 3, 1}, Data: []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}})
	ref := testutil.WriteSafetensors(t, dir, "ref.safetensors",
		safetensors.Tensor{Name: "want", Shape: []int64{2, 2, 1}, Data: []float32{-3.5, -3.5, -3.5, -3.5}})
	outPath := filepath.Join(dir, "out.safetensors")

	out, err := execute(t, "conv",
		"--weights", weightsPath, "--output", outPath,
		"--layer", "enc", "--input", input, "--expect", ref)
	if err != nil {
		t.Fatalf("conv: %v\n%s", err, out)
	}

	if !strings.Contains(out, "matches") {
		t.Errorf("output %q does not report the reference match", out)
	}

	got := readOutput(t, outPath, "output")
	testutil.AssertFloatsNear(t, got.Data, []float32{-3.5, -3.5, -3.5, -3.5}, 1e-5)
}

func TestConvCmd_ReferenceMismatchFails(t *testing.T) {
	dir := t.TempDir()
	weightsPath := diagonalWeights(t, dir)
	input := testutil.WriteSafetensors(t, dir, "in.safetensors",
		safetensors.Tensor{Name: "image", Shape: []int64{3, 3, 1}, Data: []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}})
	ref := testutil.WriteSafetensors(t, dir, "ref.safetensors",
		safetensors.Tensor{Name: "want", Shape: []int64{2, 2, 1}, Data: []float32{-3.5, -3.5, 0, -3.5}})

	_, err := execute(t, "conv",
		"--weights", weightsPath, "--output", filepath.Join(dir, "out.safetensors"),
		"--layer", "enc", "--input", input, "--expect", ref)
	if err == nil || !strings.Contains(err.Error(), "differs") {
		t.Fatalf("err = %v, want a reference mismatch", err)
	}
}

func TestConvCmd_SameKernelPaddingKeepsSize(t *testing.T) {
	dir := t.TempDir()
	weightsPath := diagonalWeights(t, dir)
	input := testutil.WriteSafetensors(t, dir, "in.safetensors",
		safetensors.Tensor{Name: "image", Shape: []int64{3, 3, 1}, Data: []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}})
	outPath := filepath.Join(dir, "out.safetensors")

	if out, err := execute(t, "conv",
		"--weights", weightsPath, "--output", outPath, "--padding", "same-kernel",
		"--layer", "enc", "--input", input, "--output-name", "y"); err != nil {
		t.Fatalf("conv: %v\n%s", err, out)
	}

	got := readOutput(t, outPath, "y")
	testutil.AssertShape(t, got.Shape, []int64{3, 3, 1})
}

func TestConvCmd_Errors(t *testing.T) {
	dir := t.TempDir()
	weightsPath := diagonalWeights(t, dir)
	input := testutil.WriteSafetensors(t, dir, "in.safetensors",
		safetensors.Tensor{Name: "image", Shape: []int64{3, 3, 1}, Data: []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}})
	outPath := filepath.Join(dir, "out.safetensors")

	tests := map[string][]string{
		"missing layer": {"conv", "--weights", weightsPath, "--output", outPath, "--input", input},
		"missing input": {"conv", "--weights", weightsPath, "--output", outPath, "--layer", "enc"},
		"bad stride":    {"conv", "--weights", weightsPath, "--output", outPath, "--layer", "enc", "--input", input, "--stride", "1,2,3"},
		"unknown layer": {"conv", "--weights", weightsPath, "--output", outPath, "--layer", "nope", "--input", input},
		"bad padding":   {"conv", "--weights", weightsPath, "--output", outPath, "--layer", "enc", "--input", input, "--padding", "reflect"},
	}

	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := execute(t, args...); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestConvTransposeCmd(t *testing.T) {
	dir := t.TempDir()
	weightsPath := diagonalWeights(t, dir)
	input := testutil.WriteSafetensors(t, dir, "in.safetensors",
		safetensors.Tensor{Name: "image", Shape: []int64{2, 2, 1}, Data: []float32{1, 2, 3, 4}})
	outPath := filepath.Join(dir, "out.safetensors")

	if out, err := execute(t, "convt",
		"--weights", weightsPath, "--output", outPath,
		"--layer", "dec", "--input", input); err != nil {
		t.Fatalf("convt: %v\n%s", err, out)
	}

	got := readOutput(t, outPath, "output")
	testutil.AssertShape(t, got.Shape, []int64{3, 3, 1})

	testutil.AssertFloatsNear(t, got.Data, []float32{1, 2, 0, 3, 3, -2, 0, -3, -4}, 1e-5)
}

func TestConvTransposeCmd_PerOutputBias(t *testing.T) {
	dir := t.TempDir()
	weightsPath := diagonalWeights(t, dir)
	input := testutil.WriteSafetensors(t, dir, "in.safetensors",
		safetensors.Tensor{Name: "image", Shape: []int64{2, 2, 1}, Data: []float32{1, 2, 3, 4}})
	outPath := filepath.Join(dir, "out.safetensors")

	if out, err := execute(t, "convt",
		"--weights", weightsPath, "--output", outPath, "--bias-mode", "per-output",
		"--layer", "enc", "--input", input); err != nil {
		t.Fatalf("convt: %v\n%s", err, out)
	}

	got := readOutput(t, outPath, "output")
	testutil.AssertFloatsNear(t, got.Data, []float32{1.5, 2.5, 0.5, 3.5, 3.5, -1.5, 0.5, -2.5, -3.5}, 1e-5)
}

func TestGRUCmd_PackedWeightsWithInitialHidden(t *testing.T) {
	dir := t.TempDir()

	// All-zero weights: z = 0.5 and n = 0, so every step halves h.
	weightsPath := testutil.WriteSafetensors(t, dir, "weights.safetensors",
		safetensors.Tensor{Name: "rnn.kernel", Shape: []int64{1, 6}, Data: make([]float32, 6)},
		safetensors.Tensor{Name: "rnn.recurrent_kernel", Shape: []int64{2, 6}, Data: make([]float32, 12)},
	)
	input := testutil.WriteSafetensors(t, dir, "in.safetensors",
		safetensors.Tensor{Name: "xs", Shape: []int64{2, 1}, Data: []float32{3, -1}})
	hidden := testutil.WriteSafetensors(t, dir, "h0.safetensors",
		safetensors.Tensor{Name: "h0", Shape: []int64{2}, Data: []float32{1, -0.5}})
	outPath := filepath.Join(dir, "out.safetensors")

	if out, err := execute(t, "gru",
		"--weights", weightsPath, "--output", outPath,
		"--layer", "rnn", "--input", input, "--hidden", hidden); err != nil {
		t.Fatalf("gru: %v\n%s", err, out)
	}

	testutil.AssertFloatsNear(t, readOutput(t, outPath, "output").Data, []float32{0.5, -0.25, 0.25, -0.125}, 1e-5)
	testutil.AssertFloatsNear(t, readOutput(t, outPath, "hidden").Data, []float32{0.25, -0.125}, 1e-5)
}

func TestGRUCmd_SingleVectorInput(t *testing.T) {
	dir := t.TempDir()

	weightsPath := testutil.WriteSafetensors(t, dir, "weights.safetensors",
		safetensors.Tensor{Name: "rnn.kernel", Shape: []int64{1, 6}, Data: make([]float32, 6)},
		safetensors.Tensor{Name: "rnn.recurrent_kernel", Shape: []int64{2, 6}, Data: make([]float32, 12)},
	)
	input := testutil.WriteSafetensors(t, dir, "in.safetensors",
		safetensors.Tensor{Name: "x", Shape: []int64{1}, Data: []float32{3}})
	outPath := filepath.Join(dir, "out.safetensors")

	if out, err := execute(t, "gru",
		"--weights", weightsPath, "--output", outPath,
		"--layer", "rnn", "--input", input); err != nil {
		t.Fatalf("gru: %v\n%s", err, out)
	}

	got := readOutput(t, outPath, "output")
	testutil.AssertShape(t, got.Shape, []int64{1, 2})

	// Zero start state stays zero.
	testutil.AssertFloatsNear(t, got.Data, []float32{0, 0}, 1e-5)
}

func TestInspectCmd(t *testing.T) {
	dir := t.TempDir()
	weightsPath := diagonalWeights(t, dir)

	out, err := execute(t, "inspect", weightsPath)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}

	for _, want := range []string{"enc.weight", "enc.bias", "dec.weight", "F32", "3 tensors"} {
		if !strings.Contains(out, want) {
			t.Errorf("inspect output missing %q:\n%s", want, out)
		}
	}
}

func TestPairFlag(t *testing.T) {
	p, err := pairFlag("stride", []int{2})
	if err != nil || p.H != 2 || p.W != 2 {
		t.Fatalf("pairFlag([2]) = %v, %v", p, err)
	}

	p, err = pairFlag("stride", []int{1, 3})
	if err != nil || p.H != 1 || p.W != 3 {
		t.Fatalf("pairFlag([1 3]) = %v, %v", p, err)
	}

	if _, err := pairFlag("stride", nil); err == nil {
		t.Fatal("pairFlag(nil) should fail")
	}
}

func TestKernelRunFailureIsLogged(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var logs bytes.Buffer
	slog.SetDefault(slog.New(slog.NewJSONHandler(&logs, nil)))

	cfg := config.DefaultConfig()
	cfg.Paths.Weights = filepath.Join(t.TempDir(), "missing.safetensors")

	opts := kernelOptions{layer: "enc", input: "in.safetensors", stride: []int{1}, dilation: []int{1}, groups: 1}

	err := logged("conv2d", opts.layer, func() error {
		return runConv(io.Discard, cfg, opts)
	})
	if err == nil {
		t.Fatal("expected missing weights error")
	}

	line := logs.String()
	for _, want := range []string{`"msg":"kernel run failed"`, `"kernel":"conv2d"`, `"layer":"enc"`, `"error":`, `"level":"WARN"`} {
		if !strings.Contains(line, want) {
			t.Errorf("log %q missing %s", line, want)
		}
	}

	logs.Reset()

	if err := logged("gru", "dec", func() error { return nil }); err != nil || logs.Len() != 0 {
		t.Fatalf("successful run: err=%v log=%q", err, logs.String())
	}
}

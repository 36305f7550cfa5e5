package doctor_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/go-convkit/internal/doctor"
	"github.com/example/go-convkit/internal/safetensors"
)

func baseConfig() doctor.Config {
	return doctor.Config{
		GoVersion:     func() (string, error) { return "go1.25.1", nil },
		CPUFeatures:   func() []string { return []string{"avx2", "fma"} },
		SelfTest:      func() error { return nil },
		ConvWorkers:   4,
		TensorWorkers: 2,
	}
}

func hasFailureContaining(failures []string, substr string) bool {
	for _, f := range failures {
		if strings.Contains(strings.ToLower(f), strings.ToLower(substr)) {
			return true
		}
	}

	return false
}

func TestRun_AllChecksPass(t *testing.T) {
	var out strings.Builder

	result := doctor.Run(baseConfig(), &out)
	if result.Failed() {
		t.Fatalf("expected all checks to pass; failures: %v", result.Failures())
	}

	for _, want := range []string{"go1.25.1", "avx2 fma", "conv=4 tensor=2", "kernel self-test"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}

	if strings.Contains(out.String(), doctor.FailMark) {
		t.Errorf("unexpected fail mark:\n%s", out.String())
	}
}

func TestRun_GoVersion(t *testing.T) {
	tests := []struct {
		ver     string
		err     error
		wantErr bool
	}{
		{ver: "go1.25.0"},
		{ver: "go1.26rc1"},
		{ver: "devel +abc"},
		{ver: "go1.22.5", wantErr: true},
		{ver: "go2.0", wantErr: true},
		{ver: "gox", wantErr: true},
		{err: errors.New("unavailable"), wantErr: true},
	}

	for _, tt := range tests {
		cfg := baseConfig()
		cfg.GoVersion = func() (string, error) { return tt.ver, tt.err }

		var out strings.Builder

		result := doctor.Run(cfg, &out)
		if result.Failed() != tt.wantErr {
			t.Errorf("version %q err %v: failed=%v, want %v (%v)", tt.ver, tt.err, result.Failed(), tt.wantErr, result.Failures())
		}

		if tt.wantErr && !hasFailureContaining(result.Failures(), "go runtime") {
			t.Errorf("version %q: failures %v should mention go runtime", tt.ver, result.Failures())
		}
	}
}

func TestRun_NoCPUFeatures(t *testing.T) {
	cfg := baseConfig()
	cfg.CPUFeatures = func() []string { return nil }

	var out strings.Builder

	if result := doctor.Run(cfg, &out); result.Failed() {
		t.Fatalf("missing SIMD must not fail: %v", result.Failures())
	}

	if !strings.Contains(out.String(), "scalar") {
		t.Errorf("output should note scalar kernels:\n%s", out.String())
	}
}

func TestRun_SelfTestFailure(t *testing.T) {
	cfg := baseConfig()
	cfg.SelfTest = func() error { return errors.New("conv2d: got [0]") }

	var out strings.Builder

	result := doctor.Run(cfg, &out)
	if !hasFailureContaining(result.Failures(), "self-test") {
		t.Fatalf("failures = %v", result.Failures())
	}

	if !strings.Contains(out.String(), doctor.FailMark+" kernel self-test") {
		t.Errorf("output missing fail mark:\n%s", out.String())
	}
}

func TestRun_WeightsFiles(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good.safetensors")
	if err := safetensors.WriteFile(good, []safetensors.Tensor{
		{Name: "conv.weight", Shape: []int64{1, 1, 1, 1}, Data: []float32{1}},
		{Name: "conv.bias", Shape: []int64{1}, Data: []float32{0}},
	}); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	corrupt := filepath.Join(dir, "corrupt.safetensors")
	if err := os.WriteFile(corrupt, []byte("nope"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := baseConfig()
	cfg.WeightsFiles = []string{good, corrupt, filepath.Join(dir, "missing.safetensors")}

	var out strings.Builder

	result := doctor.Run(cfg, &out)

	if got := len(result.Failures()); got != 2 {
		t.Fatalf("failures = %v; want 2", result.Failures())
	}

	if !strings.Contains(out.String(), "(2 tensors)") {
		t.Errorf("output should count tensors:\n%s", out.String())
	}

	if !hasFailureContaining(result.Failures(), "corrupt.safetensors") {
		t.Errorf("failures = %v", result.Failures())
	}
}

func TestKernelSelfTestPasses(t *testing.T) {
	if err := doctor.KernelSelfTest(); err != nil {
		t.Fatalf("KernelSelfTest: %v", err)
	}
}

func TestDefaultConfigRuns(t *testing.T) {
	var out strings.Builder

	result := doctor.Run(doctor.DefaultConfig(), &out)
	if hasFailureContaining(result.Failures(), "self-test") {
		t.Fatalf("live self-test failed: %v", result.Failures())
	}

	result.AddFailure("external")
	if !result.Failed() {
		t.Fatal("AddFailure should mark the result failed")
	}
}

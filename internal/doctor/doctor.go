// Package doctor provides environment preflight checks for convkit.
package doctor

import (
	"fmt"
	"io"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/cpu"

	"github.com/example/go-convkit/internal/runtime/ops"
	"github.com/example/go-convkit/internal/runtime/tensor"
	"github.com/example/go-convkit/internal/safetensors"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// Minimum Go toolchain the binary is expected to be built with.
const minGoMinor = 25

// VersionFunc returns a version string or an error if the component is unavailable.
type VersionFunc func() (string, error)

// Config holds injectable dependencies for each doctor check.
type Config struct {
	// GoVersion returns the runtime version, e.g. "go1.25.1".
	GoVersion VersionFunc
	// CPUFeatures lists the SIMD features the CPU reports.
	CPUFeatures func() []string
	// SelfTest runs a kernel with known output.
	SelfTest func() error
	// WeightsFiles are opened and indexed.
	WeightsFiles []string
	// ConvWorkers and TensorWorkers are reported as configured.
	ConvWorkers   int
	TensorWorkers int
}

// DefaultConfig wires the live runtime, CPU and kernel checks.
func DefaultConfig() Config {
	return Config{
		GoVersion:     func() (string, error) { return runtime.Version(), nil },
		CPUFeatures:   CPUFeatures,
		SelfTest:      KernelSelfTest,
		ConvWorkers:   ops.ConvWorkers(),
		TensorWorkers: tensor.Workers(),
	}
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(msg string) { r.failures = append(r.failures, msg) }

// Run executes all configured checks and writes human-readable output to w.
// Each check line is prefixed with PassMark or FailMark.
func Run(cfg Config, w io.Writer) Result {
	var res Result

	// ---- Go runtime -------------------------------------------------------
	if cfg.GoVersion != nil {
		ver, err := cfg.GoVersion()
		if err == nil {
			err = checkGoVersion(ver)
		}

		if err != nil {
			res.fail(fmt.Sprintf("go runtime: %v", err))
			fmt.Fprintf(w, "%s go runtime %s: %v\n", FailMark, ver, err)
		} else {
			fmt.Fprintf(w, "%s go runtime: %s %s/%s\n", PassMark, ver, runtime.GOOS, runtime.GOARCH)
		}
	}

	// ---- CPU features -----------------------------------------------------
	if cfg.CPUFeatures != nil {
		features := cfg.CPUFeatures()
		if len(features) == 0 {
			fmt.Fprintf(w, "%s cpu features: none detected (scalar kernels)\n", PassMark)
		} else {
			fmt.Fprintf(w, "%s cpu features: %s\n", PassMark, strings.Join(features, " "))
		}
	}

	fmt.Fprintf(w, "%s workers: conv=%d tensor=%d\n", PassMark, cfg.ConvWorkers, cfg.TensorWorkers)

	// ---- kernel self-test -------------------------------------------------
	if cfg.SelfTest != nil {
		if err := cfg.SelfTest(); err != nil {
			res.fail(fmt.Sprintf("kernel self-test: %v", err))
			fmt.Fprintf(w, "%s kernel self-test: %v\n", FailMark, err)
		} else {
			fmt.Fprintf(w, "%s kernel self-test: conv2d, convtranspose2d, gru\n", PassMark)
		}
	}

	// ---- weights files ----------------------------------------------------
	for _, path := range cfg.WeightsFiles {
		store, err := safetensors.OpenStore(path, safetensors.StoreOptions{})
		if err != nil {
			res.fail(fmt.Sprintf("weights file %q: %v", path, err))
			fmt.Fprintf(w, "%s weights file %s: %v\n", FailMark, path, err)

			continue
		}

		fmt.Fprintf(w, "%s weights file: %s (%d tensors)\n", PassMark, path, len(store.Names()))
		store.Close()
	}

	return res
}

// CPUFeatures reports the SIMD extensions relevant to float32 kernels.
func CPUFeatures() []string {
	var out []string

	add := func(name string, ok bool) {
		if ok {
			out = append(out, name)
		}
	}

	switch runtime.GOARCH {
	case "amd64", "386":
		add("sse4.1", cpu.X86.HasSSE41)
		add("avx", cpu.X86.HasAVX)
		add("avx2", cpu.X86.HasAVX2)
		add("fma", cpu.X86.HasFMA)
		add("avx512f", cpu.X86.HasAVX512F)
	case "arm64":
		add("asimd", cpu.ARM64.HasASIMD)
		add("fphp", cpu.ARM64.HasFPHP)
		add("sve", cpu.ARM64.HasSVE)
	}

	return out
}

// KernelSelfTest runs each kernel on a tiny input with a hand-checked result.
func KernelSelfTest() error {
	img, err := tensor.New([]float32{1, 2, 3, 4}, []int64{2, 2, 1})
	if err != nil {
		return err
	}

	flt, err := tensor.New([]float32{1, 0, 0, -1}, []int64{2, 2, 1, 1})
	if err != nil {
		return err
	}

	conv, err := ops.Conv2D(img, flt, nil, ops.DefaultConv2DConfig())
	if err != nil {
		return fmt.Errorf("conv2d: %w", err)
	}

	// 1*1 + 4*(-1)
	if got := conv.RawData(); len(got) != 1 || got[0] != -3 {
		return fmt.Errorf("conv2d: got %v, want [-3]", got)
	}

	up, err := ops.ConvTranspose2D(img, flt, nil, ops.DefaultConvTranspose2DConfig())
	if err != nil {
		return fmt.Errorf("convtranspose2d: %w", err)
	}

	want := []float32{1, 2, 0, 3, 3, -2, 0, -3, -4}
	if m, err := ops.CompareWithin(up.RawData(), want, ops.Tolerance{}); err != nil || m != nil {
		return fmt.Errorf("convtranspose2d: got %v, want %v", up.RawData(), want)
	}

	return gruSelfTest()
}

// gruSelfTest checks that all-zero weights halve the hidden state.
func gruSelfTest() error {
	zeros := func(shape ...int64) *tensor.Tensor {
		t, _ := tensor.Zeros(shape)
		return t
	}

	gate := ops.GRUGate{Input: zeros(2, 1), Hidden: zeros(2, 2)}

	x, _ := tensor.New([]float32{3}, []int64{1})
	h, _ := tensor.New([]float32{1, -0.5}, []int64{2})

	next, err := ops.GRUStep(x, h, ops.GRUWeights{Update: gate, Reset: gate, Candidate: gate})
	if err != nil {
		return fmt.Errorf("gru: %w", err)
	}

	if got := next.RawData(); got[0] != 0.5 || got[1] != -0.25 {
		return fmt.Errorf("gru: got %v, want [0.5 -0.25]", got)
	}

	return nil
}

// checkGoVersion returns an error if ver is older than go1.minGoMinor.
// ver is expected to look like "go1.25.1"; development builds pass.
func checkGoVersion(ver string) error {
	if strings.HasPrefix(ver, "devel") {
		return nil
	}

	major, minor, err := parseMajorMinor(strings.TrimPrefix(ver, "go"))
	if err != nil {
		return fmt.Errorf("cannot parse %q: %w", ver, err)
	}

	if major != 1 {
		return fmt.Errorf("requires Go 1, got %d", major)
	}

	if minor < minGoMinor {
		return fmt.Errorf("requires go1.%d or newer, got 1.%d", minGoMinor, minor)
	}

	return nil
}

func parseMajorMinor(ver string) (major, minor int, err error) {
	parts := strings.SplitN(ver, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("unexpected version format %q", ver)
	}

	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad major in %q: %w", ver, err)
	}

	// Release candidates look like 1.26rc1.
	minorStr := parts[1]
	if i := strings.IndexAny(minorStr, "rcbeta"); i > 0 {
		minorStr = minorStr[:i]
	}

	minor, err = strconv.Atoi(minorStr)
	if err != nil {
		return 0, 0, fmt.Errorf("bad minor in %q: %w", ver, err)
	}

	return major, minor, nil
}

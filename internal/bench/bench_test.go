package bench_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/example/go-convkit/internal/bench"
)

// ---------------------------------------------------------------------------
// Aggregation
// ---------------------------------------------------------------------------

func TestStats_MinMaxMean(t *testing.T) {
	s := bench.ComputeStats([]time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		300 * time.Millisecond,
	})

	if s.Min != 100*time.Millisecond || s.Max != 300*time.Millisecond || s.Mean != 200*time.Millisecond {
		t.Errorf("stats = %+v", s)
	}
}

func TestStats_Empty(t *testing.T) {
	if s := bench.ComputeStats(nil); s != (bench.Stats{}) {
		t.Errorf("empty stats = %+v", s)
	}
}

func TestDurations_SkipCold(t *testing.T) {
	runs := []bench.RunResult{
		{Index: 0, Cold: true, Duration: 9 * time.Millisecond},
		{Index: 1, Duration: 2 * time.Millisecond},
		{Index: 2, Duration: 4 * time.Millisecond},
	}

	if got := bench.Durations(runs, true); len(got) != 2 || got[0] != 2*time.Millisecond {
		t.Errorf("Durations(skip) = %v", got)
	}

	if got := bench.Durations(runs, false); len(got) != 3 {
		t.Errorf("Durations(all) = %v", got)
	}

	// A single cold run is kept so stats are never empty.
	if got := bench.Durations(runs[:1], true); len(got) != 1 {
		t.Errorf("Durations(single) = %v", got)
	}
}

func TestThroughput(t *testing.T) {
	if got := bench.Throughput(2_000_000_000, time.Second); got < 1.999 || got > 2.001 {
		t.Errorf("Throughput = %v; want 2", got)
	}

	if got := bench.Throughput(100, 0); got != 0 {
		t.Errorf("Throughput(0s) = %v; want 0", got)
	}
}

// ---------------------------------------------------------------------------
// Threshold gate
// ---------------------------------------------------------------------------

func TestCheckMeanThreshold(t *testing.T) {
	tests := []struct {
		name    string
		mean    time.Duration
		max     float64
		wantErr bool
	}{
		{"exceeds", 15 * time.Millisecond, 10, true},
		{"below", 8 * time.Millisecond, 10, false},
		{"exact", 10 * time.Millisecond, 10, false},
		{"disabled", time.Hour, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := bench.CheckMeanThreshold(tt.mean, tt.max)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckMeanThreshold(%v, %v) = %v; wantErr %v", tt.mean, tt.max, err, tt.wantErr)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Workloads
// ---------------------------------------------------------------------------

func TestWorkloadsRun(t *testing.T) {
	for _, kernel := range []string{"conv", "convt", "gru"} {
		t.Run(kernel, func(t *testing.T) {
			spec := bench.DefaultSpec(kernel)
			spec.Size, spec.Channels, spec.Filters = 6, 4, 4
			spec.Groups = 2

			if kernel == "gru" {
				spec.Groups = 1
			}

			w, err := bench.NewWorkload(spec)
			if err != nil {
				t.Fatalf("NewWorkload: %v", err)
			}

			if w.MACs <= 0 {
				t.Fatalf("MACs = %d", w.MACs)
			}

			runs, err := w.Run(context.Background(), 3)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}

			if len(runs) != 3 || !runs[0].Cold || runs[1].Cold {
				t.Fatalf("runs = %+v", runs)
			}
		})
	}
}

func TestConvWorkloadMACs(t *testing.T) {
	spec := bench.Spec{Kernel: "conv", Size: 8, Channels: 2, Filters: 3, KernelSize: 3, Stride: 1, Groups: 1}

	w, err := bench.NewWorkload(spec)
	if err != nil {
		t.Fatalf("NewWorkload: %v", err)
	}

	// Kernel-sized same padding keeps 8x8 outputs.
	if want := int64(8 * 8 * 3 * 3 * 3 * 2); w.MACs != want {
		t.Errorf("MACs = %d; want %d", w.MACs, want)
	}
}

func TestWorkloadErrors(t *testing.T) {
	if _, err := bench.NewWorkload(bench.DefaultSpec("attention")); err == nil {
		t.Error("unknown kernel should fail")
	}

	spec := bench.DefaultSpec("conv")
	spec.Size = 0

	if _, err := bench.NewWorkload(spec); err == nil {
		t.Error("zero size should fail")
	}

	w, err := bench.NewWorkload(bench.Spec{Kernel: "gru", Size: 2, Channels: 2, Filters: 2, KernelSize: 1})
	if err != nil {
		t.Fatalf("NewWorkload: %v", err)
	}

	if _, err := w.Run(context.Background(), 0); err == nil {
		t.Error("zero runs should fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := w.Run(ctx, 2); err == nil {
		t.Error("cancelled context should stop the run")
	}
}

// ---------------------------------------------------------------------------
// Output formatting
// ---------------------------------------------------------------------------

func sampleRuns() ([]bench.RunResult, bench.Stats) {
	runs := []bench.RunResult{
		{Index: 0, Cold: true, Duration: 8 * time.Millisecond, MACs: 1234567, GMACs: 0.154},
		{Index: 1, Duration: 5 * time.Millisecond, MACs: 1234567, GMACs: 0.247},
	}

	return runs, bench.ComputeStats(bench.Durations(runs, false))
}

func TestFormatTable_ContainsHeaders(t *testing.T) {
	runs, stats := sampleRuns()

	var buf strings.Builder
	bench.FormatTable(&buf, "conv2d test", runs, stats)
	out := strings.ToLower(buf.String())

	for _, want := range []string{"run", "cold", "ms", "gmac/s", "1,234,567", "conv2d test", "mean 6.500"} {
		if !strings.Contains(out, want) {
			t.Errorf("table output missing %q:\n%s", want, out)
		}
	}
}

func TestFormatJSON_IsValidJSON(t *testing.T) {
	runs, stats := sampleRuns()

	var buf bytes.Buffer
	if err := bench.FormatJSON(&buf, "gru", runs, stats); err != nil {
		t.Fatalf("FormatJSON: %v", err)
	}

	var out struct {
		Workload string `json:"workload"`
		Runs     []struct {
			DurationMS float64 `json:"duration_ms"`
		} `json:"runs"`
		Stats struct {
			MeanMS float64 `json:"mean_ms"`
		} `json:"stats"`
	}

	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("FormatJSON produced invalid JSON: %v\n%s", err, buf.String())
	}

	if out.Workload != "gru" || len(out.Runs) != 2 || out.Stats.MeanMS != 6.5 {
		t.Errorf("report = %+v", out)
	}
}

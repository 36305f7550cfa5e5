// Package bench provides timing primitives for the convkit bench command.
package bench

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
)

// ---------------------------------------------------------------------------
// Run result and stats
// ---------------------------------------------------------------------------

// RunResult holds the timing of a single kernel run.
type RunResult struct {
	Index    int
	Cold     bool // true for the first run
	Duration time.Duration
	MACs     int64
	GMACs    float64 // throughput in 1e9 multiply-accumulates per second
}

// Stats holds aggregate timing statistics across all runs.
type Stats struct {
	Min  time.Duration
	Max  time.Duration
	Mean time.Duration
}

// ComputeStats calculates min, max and mean over a slice of durations.
func ComputeStats(durations []time.Duration) Stats {
	if len(durations) == 0 {
		return Stats{}
	}

	mn, mx := durations[0], durations[0]

	var sum time.Duration

	for _, d := range durations {
		if d < mn {
			mn = d
		}

		if d > mx {
			mx = d
		}

		sum += d
	}

	return Stats{
		Min:  mn,
		Max:  mx,
		Mean: sum / time.Duration(len(durations)),
	}
}

// Durations extracts the run durations, optionally skipping the cold run.
func Durations(runs []RunResult, skipCold bool) []time.Duration {
	out := make([]time.Duration, 0, len(runs))

	for _, r := range runs {
		if skipCold && r.Cold && len(runs) > 1 {
			continue
		}

		out = append(out, r.Duration)
	}

	return out
}

// Throughput returns billions of multiply-accumulates per second.
// Returns 0 for a non-positive duration.
func Throughput(macs int64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}

	return float64(macs) / d.Seconds() / 1e9
}

// ---------------------------------------------------------------------------
// Threshold gate
// ---------------------------------------------------------------------------

// CheckMeanThreshold returns an error if mean exceeds maxMeanMS milliseconds.
// A threshold of 0 disables the gate.
func CheckMeanThreshold(mean time.Duration, maxMeanMS float64) error {
	if maxMeanMS <= 0 {
		return nil
	}

	if ms := durationMS(mean); ms > maxMeanMS {
		return fmt.Errorf("mean %.3fms exceeds threshold %.3fms", ms, maxMeanMS)
	}

	return nil
}

// ---------------------------------------------------------------------------
// Output formatters
// ---------------------------------------------------------------------------

// FormatTable writes a human-readable table of bench results to w.
func FormatTable(w io.Writer, workload string, runs []RunResult, stats Stats) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Run", "Cold", "MS", "MACs", "GMAC/s"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	table.SetBorder(false)

	for _, r := range runs {
		cold := ""
		if r.Cold {
			cold = "yes"
		}

		table.Append([]string{
			strconv.Itoa(r.Index + 1),
			cold,
			formatMS(r.Duration),
			humanize.Comma(r.MACs),
			strconv.FormatFloat(r.GMACs, 'f', 3, 64),
		})
	}

	table.SetFooter([]string{
		workload,
		"min " + formatMS(stats.Min),
		"mean " + formatMS(stats.Mean),
		"max " + formatMS(stats.Max),
		"",
	})
	table.Render()
}

// jsonReport is the top-level JSON structure emitted by FormatJSON.
type jsonReport struct {
	Workload string    `json:"workload"`
	Runs     []jsonRun `json:"runs"`
	Stats    jsonStats `json:"stats"`
}

type jsonRun struct {
	Index      int     `json:"index"`
	Cold       bool    `json:"cold"`
	DurationMS float64 `json:"duration_ms"`
	MACs       int64   `json:"macs"`
	GMACs      float64 `json:"gmacs"`
}

type jsonStats struct {
	MinMS  float64 `json:"min_ms"`
	MeanMS float64 `json:"mean_ms"`
	MaxMS  float64 `json:"max_ms"`
}

// FormatJSON writes a JSON report of bench results to w.
func FormatJSON(w io.Writer, workload string, runs []RunResult, stats Stats) error {
	jr := jsonReport{
		Workload: workload,
		Runs:     make([]jsonRun, len(runs)),
		Stats: jsonStats{
			MinMS:  durationMS(stats.Min),
			MeanMS: durationMS(stats.Mean),
			MaxMS:  durationMS(stats.Max),
		},
	}

	for i, r := range runs {
		jr.Runs[i] = jsonRun{
			Index:      r.Index,
			Cold:       r.Cold,
			DurationMS: durationMS(r.Duration),
			MACs:       r.MACs,
			GMACs:      r.GMACs,
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(jr)
}

func durationMS(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func formatMS(d time.Duration) string {
	return strconv.FormatFloat(durationMS(d), 'f', 3, 64)
}

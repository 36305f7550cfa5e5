package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/example/go-convkit/internal/bench"
)

type benchOptions struct {
	spec      bench.Spec
	runs      int
	format    string
	maxMeanMS float64
	skipCold  bool
}

func newBenchCmd() *cobra.Command {
	opts := benchOptions{spec: bench.DefaultSpec("conv")}

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark a kernel on synthetic inputs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := requireConfig(); err != nil {
				return err
			}

			return runBench(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.spec.Kernel, "kernel", opts.spec.Kernel, "Kernel: conv|convt|gru")
	cmd.Flags().Int64Var(&opts.spec.Size, "size", opts.spec.Size, "Image height and width (GRU: steps)")
	cmd.Flags().Int64Var(&opts.spec.Channels, "channels", opts.spec.Channels, "Input channels (GRU: input size)")
	cmd.Flags().Int64Var(&opts.spec.Filters, "filters", opts.spec.Filters, "Filters (GRU: units)")
	cmd.Flags().Int64Var(&opts.spec.KernelSize, "kernel-size", opts.spec.KernelSize, "Square kernel extent")
	cmd.Flags().Int64Var(&opts.spec.Stride, "stride", opts.spec.Stride, "Square stride")
	cmd.Flags().Int64Var(&opts.spec.Groups, "groups", opts.spec.Groups, "Channel groups")
	cmd.Flags().IntVar(&opts.runs, "runs", 5, "Number of runs")
	cmd.Flags().StringVar(&opts.format, "format", "table", "Output format: table|json")
	cmd.Flags().Float64Var(&opts.maxMeanMS, "max-mean-ms", 0, "Exit non-zero if the mean run exceeds this many milliseconds (0 = disabled)")
	cmd.Flags().BoolVar(&opts.skipCold, "skip-cold", false, "Leave the first run out of the stats")

	return cmd
}

func runBench(ctx context.Context, w io.Writer, opts benchOptions) error {
	if opts.runs < 1 {
		return fmt.Errorf("--runs must be at least 1")
	}

	if opts.format != "table" && opts.format != "json" {
		return fmt.Errorf("--format must be 'table' or 'json'")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	workload, err := bench.NewWorkload(opts.spec)
	if err != nil {
		return err
	}

	results, err := workload.Run(ctx, opts.runs)
	if err != nil {
		return err
	}

	stats := bench.ComputeStats(bench.Durations(results, opts.skipCold))

	switch opts.format {
	case "json":
		if err := bench.FormatJSON(w, workload.Name, results, stats); err != nil {
			return err
		}
	default:
		bench.FormatTable(w, workload.Name, results, stats)
	}

	return bench.CheckMeanThreshold(stats.Mean, opts.maxMeanMS)
}

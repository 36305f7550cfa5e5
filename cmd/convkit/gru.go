package main

import (
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/go-convkit/internal/config"
	"github.com/example/go-convkit/internal/runtime/ops"
	"github.com/example/go-convkit/internal/runtime/tensor"
	"github.com/example/go-convkit/internal/safetensors"
	"github.com/example/go-convkit/internal/weights"
)

type gruOptions struct {
	kernelOptions

	hidden     string
	hiddenName string
}

func newGRUCmd() *cobra.Command {
	var opts gruOptions

	cmd := &cobra.Command{
		Use:   "gru",
		Short: "Run a GRU layer over a [steps, input] sequence",
		Long: "Loads split (<layer>.<gate>.weight_ih ...) or packed (<layer>.kernel, " +
			"<layer>.recurrent_kernel, <layer>.bias) GRU weights and writes the per-step " +
			"hidden states and the final state.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			return logged("gru", opts.layer, func() error {
				return runGRU(cmd.OutOrStdout(), cfg, opts)
			})
		},
	}

	opts.register(cmd, false)
	cmd.Flags().StringVar(&opts.hidden, "hidden", "", "Initial hidden state .safetensors file (default: zeros)")
	cmd.Flags().StringVar(&opts.hiddenName, "hidden-name", "", "Initial hidden tensor name (default: first tensor)")

	return cmd
}

func runGRU(w io.Writer, cfg config.Config, opts gruOptions) error {
	if err := opts.validate(); err != nil {
		return err
	}

	vb, err := weights.Open(cfg.Paths.Weights, safetensors.StoreOptions{})
	if err != nil {
		return err
	}
	defer vb.Close()

	gw, err := weights.LoadGRU(vb, opts.layer)
	if err != nil {
		return err
	}

	cell, err := ops.NewGRUCell(gw)
	if err != nil {
		return err
	}

	if opts.hidden != "" {
		h, err := safetensors.LoadTensor(opts.hidden, opts.hiddenName)
		if err != nil {
			return err
		}

		if err := cell.SetHidden(h.Data); err != nil {
			return err
		}
	}

	xs, err := loadInput(opts.input, opts.inputName)
	if err != nil {
		return err
	}

	// A single [input] vector runs as one step.
	if xs.Rank() == 1 {
		if xs, err = xs.Reshape([]int64{1, xs.Dim(0)}); err != nil {
			return err
		}
	}

	start := time.Now()

	out, err := cell.Run(xs)
	if err != nil {
		return err
	}

	final, err := tensor.New(cell.Hidden(), []int64{cell.Units()})
	if err != nil {
		return err
	}

	return finish(w, "gru", cfg.Paths.Output, opts.kernelOptions, start,
		outputTensor(opts.outputName, out),
		outputTensor("hidden", final),
	)
}

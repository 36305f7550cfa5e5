package main

import (
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/go-convkit/internal/config"
	"github.com/example/go-convkit/internal/safetensors"
	"github.com/example/go-convkit/internal/weights"
)

func newConvCmd() *cobra.Command {
	var opts kernelOptions

	cmd := &cobra.Command{
		Use:   "conv",
		Short: "Run a 2D convolution layer from the weights file",
		Long: "Loads <layer>.weight and optional <layer>.bias, convolves the input image " +
			"and writes the result to --output.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			return logged("conv2d", opts.layer, func() error {
				return runConv(cmd.OutOrStdout(), cfg, opts)
			})
		},
	}

	opts.register(cmd, true)

	return cmd
}

func runConv(w io.Writer, cfg config.Config, opts kernelOptions) error {
	if err := opts.validate(); err != nil {
		return err
	}

	stride, dilation, err := opts.stepping()
	if err != nil {
		return err
	}

	layout, err := cfg.Kernel.LayoutValue()
	if err != nil {
		return err
	}

	vb, err := weights.Open(cfg.Paths.Weights, safetensors.StoreOptions{})
	if err != nil {
		return err
	}
	defer vb.Close()

	kh, kw, err := weights.KernelSize(vb, opts.layer, layout)
	if err != nil {
		return err
	}

	kcfg, err := cfg.Kernel.Conv2DConfig(kh, kw, stride, dilation, opts.groups)
	if err != nil {
		return err
	}

	layer, err := weights.LoadConv2D(vb, opts.layer, kcfg)
	if err != nil {
		return err
	}

	image, err := loadInput(opts.input, opts.inputName)
	if err != nil {
		return err
	}

	start := time.Now()

	out, err := layer.Forward(image)
	if err != nil {
		return err
	}

	return finish(w, "conv2d", cfg.Paths.Output, opts, start, outputTensor(opts.outputName, out))
}

package main

import (
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/go-convkit/internal/config"
	"github.com/example/go-convkit/internal/safetensors"
	"github.com/example/go-convkit/internal/weights"
)

func newConvTransposeCmd() *cobra.Command {
	var opts kernelOptions

	cmd := &cobra.Command{
		Use:     "convt",
		Aliases: []string{"convtranspose"},
		Short:   "Run a 2D transposed convolution layer from the weights file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			return logged("convtranspose2d", opts.layer, func() error {
				return runConvTranspose(cmd.OutOrStdout(), cfg, opts)
			})
		},
	}

	opts.register(cmd, true)

	return cmd
}

func runConvTranspose(w io.Writer, cfg config.Config, opts kernelOptions) error {
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

	kcfg, err := cfg.Kernel.ConvTranspose2DConfig(kh, kw, stride, dilation, opts.groups)
	if err != nil {
		return err
	}

	layer, err := weights.LoadConvTranspose2D(vb, opts.layer, kcfg)
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

	return finish(w, "convtranspose2d", cfg.Paths.Output, opts, start, outputTensor(opts.outputName, out))
}

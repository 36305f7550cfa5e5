package main

import (
	"errors"
	"log/slog"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/example/go-convkit/internal/config"
	"github.com/example/go-convkit/internal/runtime/ops"
	"github.com/example/go-convkit/internal/runtime/tensor"
	"github.com/example/go-convkit/internal/server"
)

var (
	cfgFile   string
	activeCfg config.Config
)

func NewRootCmd() *cobra.Command {
	defaults := config.DefaultConfig()

	cmd := &cobra.Command{
		Use:           "convkit",
		Short:         "Convolution and GRU kernels over safetensors weights",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.Load(config.LoadOptions{
				Cmd:        cmd,
				ConfigFile: cfgFile,
				Defaults:   defaults,
			})
			if err != nil {
				return err
			}

			activeCfg = loaded
			setupLogger(loaded.LogLevel)
			applyRuntime(loaded.Runtime)

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Optional config file (yaml|toml|json)")
	config.RegisterFlags(cmd.PersistentFlags(), defaults)

	cmd.AddCommand(newConvCmd())
	cmd.AddCommand(newConvTransposeCmd())
	cmd.AddCommand(newGRUCmd())
	cmd.AddCommand(newInspectCmd())
	cmd.AddCommand(newBenchCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newHealthCmd())
	cmd.AddCommand(newDoctorCmd())

	return cmd
}

// setupLogger configures the process-wide slog default logger.
func setupLogger(levelStr string) {
	lvl, err := server.ParseLogLevel(levelStr)
	if err != nil {
		lvl = slog.LevelInfo
	}

	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}

// applyRuntime sizes the kernel worker pools (zero means GOMAXPROCS) and
// sets the kernel allocation budget.
func applyRuntime(rc config.RuntimeConfig) {
	ops.SetConvWorkers(workerCount(rc.ConvWorkers))
	tensor.SetWorkers(workerCount(rc.TensorWorkers))
	ops.SetMaxElements(rc.MaxElements)
}

func workerCount(n int) int {
	if n <= 0 {
		return runtime.GOMAXPROCS(0)
	}

	return n
}

func requireConfig() (config.Config, error) {
	if activeCfg.Paths.Weights == "" {
		return config.Config{}, errors.New("configuration not loaded")
	}

	return activeCfg, nil
}

package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/go-convkit/internal/config"
	"github.com/example/go-convkit/internal/doctor"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run local runtime and kernel checks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			return runDoctor(cmd.OutOrStdout(), cmd.ErrOrStderr(), cfg, doctor.DefaultConfig())
		},
	}

	return cmd
}

func runDoctor(stdout, stderr io.Writer, cfg config.Config, dcfg doctor.Config) error {
	// A missing weights file is reported as skipped rather than failed.
	if _, err := os.Stat(cfg.Paths.Weights); err == nil {
		dcfg.WeightsFiles = append(dcfg.WeightsFiles, cfg.Paths.Weights)
	} else {
		_, _ = fmt.Fprintf(stdout, "%s weights file: skipped (no file at %s)\n", doctor.PassMark, cfg.Paths.Weights)
	}

	result := doctor.Run(dcfg, stdout)

	if result.Failed() {
		for _, f := range result.Failures() {
			_, _ = fmt.Fprintf(stderr, "FAIL: %s\n", f)
		}

		return errors.New("doctor checks failed")
	}

	_, _ = fmt.Fprintln(stdout, "doctor checks passed")

	return nil
}

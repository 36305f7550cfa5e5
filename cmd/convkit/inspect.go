package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/example/go-convkit/internal/safetensors"
)

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect [file.safetensors]",
		Short: "List the tensors in a safetensors file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			path := cfg.Paths.Weights
			if len(args) == 1 {
				path = args[0]
			}

			return runInspect(cmd.OutOrStdout(), path)
		},
	}

	return cmd
}

func runInspect(w io.Writer, path string) error {
	store, err := safetensors.OpenStore(path, safetensors.StoreOptions{})
	if err != nil {
		return err
	}
	defer store.Close()

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Name", "DType", "Shape", "Size"})
	table.SetBorder(false)

	var total int

	for _, name := range store.Names() {
		info, _ := store.Info(name)
		total += info.Bytes

		table.Append([]string{
			info.Name,
			info.DType,
			fmt.Sprint(info.Shape),
			humanize.Bytes(uint64(info.Bytes)),
		})
	}

	table.SetFooter([]string{fmt.Sprintf("%d tensors", len(store.Names())), "", "", humanize.Bytes(uint64(total))})
	table.Render()

	meta := store.Metadata()
	if len(meta) == 0 {
		return nil
	}

	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("  %s: %s", k, meta[k]))
	}

	_, err = fmt.Fprintf(w, "metadata:\n%s\n", strings.Join(lines, "\n"))

	return err
}

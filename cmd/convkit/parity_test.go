package main

import (
	"path/filepath"
	"testing"

	"github.com/example/go-convkit/internal/testutil"
)

// Reference files hold the layer weights under "layer.*" plus "input" and
// "expected" tensors exported from a reference framework with default
// (valid, channel-last, stride 1) settings.
func TestReferenceParity(t *testing.T) {
	for _, tc := range []struct {
		command string
		file    string
	}{
		{"conv", "conv2d.safetensors"},
		{"convt", "convtranspose2d.safetensors"},
		{"gru", "gru.safetensors"},
	} {
		t.Run(tc.command, func(t *testing.T) {
			ref := testutil.RequireReferenceFile(t, tc.file)

			out, err := execute(t, tc.command,
				"--weights", ref,
				"--output", filepath.Join(t.TempDir(), "out.safetensors"),
				"--layer", "layer",
				"--input", ref, "--input-name", "input",
				"--expect", ref, "--expect-name", "expected",
			)
			if err != nil {
				t.Fatalf("%s parity: %v\n%s", tc.command, err, out)
			}
		})
	}
}

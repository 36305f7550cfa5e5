// Package testutil provides shared fixtures and skip helpers for tests.
//
// Skip helpers call t.Skip with a clear reason when a prerequisite is
// absent, so parity tests stay runnable in partial environments.
//
// Typical usage:
//
//	func TestConvParity(t *testing.T) {
//	    path := testutil.RequireReferenceFile(t, "conv2d.safetensors")
//	    ...
//	}
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/example/go-convkit/internal/safetensors"
)

// ReferenceDirEnv names the directory holding exported reference tensors.
const ReferenceDirEnv = "CONVKIT_REFERENCE_DIR"

// RequireReferenceFile returns the path of name inside $CONVKIT_REFERENCE_DIR
// and skips the test when the variable is unset or the file is missing.
func RequireReferenceFile(tb testing.TB, name string) string {
	tb.Helper()

	dir := os.Getenv(ReferenceDirEnv)
	if dir == "" {
		tb.Skipf("%s not set; reference tensors not available", ReferenceDirEnv)
		return ""
	}

	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err != nil {
		tb.Skipf("reference file %q not available: %v", path, err)
		return ""
	}

	return path
}

// WriteSafetensors writes tensors to dir/name as F32 and returns the path.
func WriteSafetensors(tb testing.TB, dir, name string, tensors ...safetensors.Tensor) string {
	tb.Helper()

	path := filepath.Join(dir, name)
	if err := safetensors.WriteFile(path, tensors); err != nil {
		tb.Fatalf("write %s: %v", path, err)
	}

	return path
}

package testutil

import (
	"math"
	"testing"
)

// AssertFloatsNear fails tb when got and want differ in length or when any
// element differs by more than tol.
func AssertFloatsNear(tb testing.TB, got, want []float32, tol float64) {
	tb.Helper()

	if len(got) != len(want) {
		tb.Fatalf("length = %d, want %d (got %v)", len(got), len(want), got)
		return
	}

	for i := range want {
		if math.Abs(float64(got[i])-float64(want[i])) > tol {
			tb.Fatalf("[%d] = %v, want %v (tol %g; got %v)", i, got[i], want[i], tol, got)
			return
		}
	}
}

// AssertShape fails tb when got and want are not the same shape.
func AssertShape(tb testing.TB, got, want []int64) {
	tb.Helper()

	if len(got) != len(want) {
		tb.Fatalf("shape = %v, want %v", got, want)
		return
	}

	for i := range want {
		if got[i] != want[i] {
			tb.Fatalf("shape = %v, want %v", got, want)
			return
		}
	}
}

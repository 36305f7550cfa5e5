package ops

import (
	"fmt"
	"math"
)

// Tolerance is the accepted numeric drift against a reference output.
type Tolerance struct {
	Abs float64
	Rel float64
}

// KernelTolerances are the drift targets used when checking kernel outputs
// against reference tensors produced elsewhere (other frameworks or FMA
// builds). Same-binary comparisons are exact.
var KernelTolerances = map[string]Tolerance{
	"linear":          {Abs: 1e-5, Rel: 1e-5},
	"conv2d":          {Abs: 1e-4, Rel: 1e-4},
	"convtranspose2d": {Abs: 1e-4, Rel: 1e-4},
	"gru":             {Abs: 1e-5, Rel: 1e-5},
	"pad2d":           {Abs: 0, Rel: 0},
	"dilate":          {Abs: 0, Rel: 0},
}

func KernelTolerance(name string) (Tolerance, error) {
	t, ok := KernelTolerances[name]
	if !ok {
		return Tolerance{}, fmt.Errorf("ops: no tolerance configured for kernel %q", name)
	}

	return t, nil
}

// Mismatch describes the worst element outside tolerance.
type Mismatch struct {
	Index int
	Got   float32
	Want  float32
	Delta float64
}

func (m Mismatch) String() string {
	return fmt.Sprintf("index %d: got %g want %g (|delta| %.3g)", m.Index, m.Got, m.Want, m.Delta)
}

// CompareWithin checks |got-want| <= Abs + Rel*|want| element-wise and reports
// the largest violation, if any. NaNs match only NaNs.
func CompareWithin(got, want []float32, tol Tolerance) (*Mismatch, error) {
	if len(got) != len(want) {
		return nil, shapeErrorf("compare length %d vs %d", len(got), len(want))
	}

	var worst *Mismatch

	for i := range got {
		g, w := float64(got[i]), float64(want[i])

		if math.IsNaN(g) || math.IsNaN(w) {
			if math.IsNaN(g) && math.IsNaN(w) {
				continue
			}

			return &Mismatch{Index: i, Got: got[i], Want: want[i], Delta: math.Inf(1)}, nil
		}

		delta := math.Abs(g - w)
		if delta <= tol.Abs+tol.Rel*math.Abs(w) {
			continue
		}

		if worst == nil || delta > worst.Delta {
			worst = &Mismatch{Index: i, Got: got[i], Want: want[i], Delta: delta}
		}
	}

	return worst, nil
}

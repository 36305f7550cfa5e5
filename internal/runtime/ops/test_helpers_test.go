package ops

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/example/go-convkit/internal/runtime/tensor"
)

func seqDataT(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32((i%17)-8) / 17
	}

	return out
}

func equalApprox(got, want []float32, tol float64) bool {
	if len(got) != len(want) {
		return false
	}

	for i := range got {
		delta := math.Abs(float64(got[i] - want[i]))
		if delta > tol {
			return false
		}
	}

	return true
}

func mustTensorT(t *testing.T, data []float32, shape []int64) *tensor.Tensor {
	t.Helper()

	tt, err := tensor.New(data, shape)
	if err != nil {
		t.Fatalf("tensor.New(%v, %v): %v", data, shape, err)
	}

	return tt
}

func assertErrContains(t *testing.T, err error, substr string) {
	t.Helper()

	if err == nil {
		t.Fatalf("expected error containing %q, got nil", substr)
	}

	if !strings.Contains(err.Error(), substr) {
		t.Fatalf("error %q does not contain %q", err.Error(), substr)
	}
}

func assertErrIs(t *testing.T, err, target error, substr string) {
	t.Helper()

	assertErrContains(t, err, substr)

	if !errors.Is(err, target) {
		t.Fatalf("error %q is not %v", err.Error(), target)
	}
}

// refConv2D evaluates a channel-last grouped correlation straight from the
// unpadded image, stepping through the dilated footprint and treating the
// gaps between taps as zero weights.
func refConv2D(img []float32, h, w, c int64, flt []float32, kh, kw, f int64, bias []float32, cfg Conv2DConfig) ([]float32, int64, int64) {
	hp, wp, offH, offW := h, w, int64(0), int64(0)
	if cfg.Padding.Mode == PaddingSame {
		hp, wp = h+cfg.Padding.ExtraH, w+cfg.Padding.ExtraW
		offH, offW = (kh-1)/2, (kw-1)/2
	}

	khd := (kh-1)*cfg.Dilation.H + 1
	kwd := (kw-1)*cfg.Dilation.W + 1
	outH := (hp-khd)/cfg.Stride.H + 1
	outW := (wp-kwd)/cfg.Stride.W + 1
	cpg := c / cfg.Groups
	fpg := f / cfg.Groups

	at := func(i, j, ch int64) float32 {
		i -= offH
		j -= offW

		if i < 0 || j < 0 || i >= h || j >= w {
			return 0
		}

		return img[(i*w+j)*c+ch]
	}

	tap := func(ki, kj, cl, fi int64) float32 {
		if ki%cfg.Dilation.H != 0 || kj%cfg.Dilation.W != 0 {
			return 0
		}

		ki /= cfg.Dilation.H
		kj /= cfg.Dilation.W

		return flt[((ki*kw+kj)*cpg+cl)*f+fi]
	}

	out := make([]float32, outH*outW*f)

	for fi := range f {
		cBase := (fi / fpg) * cpg

		for i := range outH {
			for j := range outW {
				var sum float32

				for cl := range cpg {
					for ki := range khd {
						for kj := range kwd {
							sum += float32(at(i*cfg.Stride.H+ki, j*cfg.Stride.W+kj, cBase+cl) * tap(ki, kj, cl, fi))
						}
					}
				}

				if bias != nil {
					sum += bias[fi]
				}

				out[(i*outW+j)*f+fi] = sum
			}
		}
	}

	return out, outH, outW
}

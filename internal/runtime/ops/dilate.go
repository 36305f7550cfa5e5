package ops

import "github.com/example/go-convkit/internal/runtime/tensor"

// DilateKernel spreads the spatial taps of a rank-4 kernel so that tap (i, j)
// lands at (i*dh, j*dw) of a ((Kh-1)*dh+1) x ((Kw-1)*dw+1) kernel, leaving
// zeros between taps. The two non-spatial axes are copied unchanged.
// Channel-last kernels have spatial axes 0 and 1; filter-major kernels 2 and 3.
func DilateKernel(filters *tensor.Tensor, dilation Pair, layout Layout) (*tensor.Tensor, error) {
	if filters == nil {
		return nil, configErrorf("dilate filters are nil")
	}

	if filters.Rank() != 4 {
		return nil, shapeErrorf("dilate expects rank-4 filters, got %v", filters.Shape())
	}

	if dilation.H <= 0 || dilation.W <= 0 {
		return nil, configErrorf("dilate dilation must be >= 1, got %v", dilation)
	}

	spec, err := kernelAxes(filters.Shape(), layout)
	if err != nil {
		return nil, err
	}

	khd := DilatedExtent(spec.kh, dilation.H)
	kwd := DilatedExtent(spec.kw, dilation.W)

	if khd <= 0 || kwd <= 0 {
		return nil, configErrorf("dilate dilated kernel %dx%d must be positive", khd, kwd)
	}

	outShape := spec.withSpatial(khd, kwd)

	n, err := allocCheck("dilate", outShape)
	if err != nil {
		return nil, err
	}

	dst := make([]float32, n)
	if err := dilateInto(dst, filters.RawData(), spec, dilation, khd, kwd); err != nil {
		return nil, err
	}

	return tensor.FromOwned(dst, outShape)
}

// kernelShape is a rank-4 kernel split into spatial taps and the two inner
// (channel-last) or outer (filter-major) axes a and b.
type kernelShape struct {
	layout Layout
	kh, kw int64
	a, b   int64
}

func kernelAxes(shape []int64, layout Layout) (kernelShape, error) {
	var k kernelShape

	switch layout {
	case LayoutChannelLast:
		k = kernelShape{layout: layout, kh: shape[0], kw: shape[1], a: shape[2], b: shape[3]}
	case LayoutFilterMajor:
		k = kernelShape{layout: layout, a: shape[0], b: shape[1], kh: shape[2], kw: shape[3]}
	default:
		return k, configErrorf("unrecognized layout %v", layout)
	}

	if k.kh <= 0 || k.kw <= 0 || k.a <= 0 || k.b <= 0 {
		return k, shapeErrorf("kernel shape %v must be positive", shape)
	}

	return k, nil
}

func (k kernelShape) withSpatial(kh, kw int64) []int64 {
	if k.layout == LayoutFilterMajor {
		return []int64{k.a, k.b, kh, kw}
	}

	return []int64{kh, kw, k.a, k.b}
}

// dilateInto writes the dilated taps of src into the zeroed dst.
func dilateInto(dst, src []float32, k kernelShape, dilation Pair, khd, kwd int64) error {
	inner := k.a * k.b

	for i := range k.kh {
		di := i * dilation.H
		for j := range k.kw {
			dj := j * dilation.W
			if di >= khd || dj >= kwd {
				return indexErrorf("dilate tap (%d,%d) maps outside %dx%d", i, j, khd, kwd)
			}

			if k.layout == LayoutFilterMajor {
				for ab := range inner {
					dst[(ab*khd+di)*kwd+dj] = src[(ab*k.kh+i)*k.kw+j]
				}

				continue
			}

			copy(dst[(di*kwd+dj)*inner:(di*kwd+dj+1)*inner], src[(i*k.kw+j)*inner:(i*k.kw+j+1)*inner])
		}
	}

	return nil
}

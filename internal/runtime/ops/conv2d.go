package ops

import (
	"github.com/example/go-convkit/internal/runtime/tensor"
)

type conv2DParams struct {
	h, w, c  int64
	f        int64
	kh, kw   int64
	khd, kwd int64
	groups   int64
	cpg, fpg int64

	pad        padGeometry
	outH, outW int64

	stride   Pair
	dilation Pair
	bias     []float32
}

// Conv2D computes a grouped 2D cross-correlation.
//
// For every filter f in group g and output (i, j):
//
//	out[i][j][f] = sum_c sum_ki sum_kj padded[i*sh+ki][j*sw+kj][g*C/groups+c] * kd[ki][kj][c][f] + bias[f]
//
// where kd is the dilated kernel and the sum runs channel, then kernel row,
// then kernel column. bias may be nil. All validation happens before any
// allocation; failures wrap ErrInvalidConfig or ErrInvalidShape.
func Conv2D(image, filters, bias *tensor.Tensor, cfg Conv2DConfig) (*tensor.Tensor, error) {
	p, err := prepareConv2D(image, filters, bias, cfg)
	if err != nil {
		return nil, err
	}

	outShape := []int64{p.outH, p.outW, p.f}

	outN, err := allocCheck("conv2d", outShape)
	if err != nil {
		return nil, err
	}

	img, flt, err := toChannelLast(image, filters, cfg.Layout, convFilterPerm)
	if err != nil {
		return nil, err
	}

	padded, release, err := paddedImage(img.RawData(), p)
	if err != nil {
		return nil, err
	}
	defer release()

	kernel, releaseKernel, err := dilatedKernel(flt.RawData(), p, []int64{p.kh, p.kw, p.cpg, p.f})
	if err != nil {
		return nil, err
	}
	defer releaseKernel()

	out := make([]float32, outN)
	if p.groups == 1 {
		conv2DGroups1(out, padded, kernel, p)
	} else {
		conv2DGrouped(out, padded, kernel, p)
	}

	return fromChannelLast(out, outShape, cfg.Layout)
}

func prepareConv2D(image, filters, bias *tensor.Tensor, cfg Conv2DConfig) (conv2DParams, error) {
	var p conv2DParams

	if image == nil || filters == nil {
		return p, configErrorf("conv2d requires non-nil image and filters")
	}

	if image.Rank() != 3 {
		return p, shapeErrorf("conv2d image must be rank 3, got %v", image.Shape())
	}

	if filters.Rank() != 4 {
		return p, shapeErrorf("conv2d filters must be rank 4, got %v", filters.Shape())
	}

	if err := cfg.validateStepping("conv2d"); err != nil {
		return p, err
	}

	if err := cfg.validateLayout("conv2d"); err != nil {
		return p, err
	}

	h, w, c, err := imageDims(image, cfg.Layout)
	if err != nil {
		return p, err
	}

	k, err := kernelAxes(filters.Shape(), cfg.Layout)
	if err != nil {
		return p, err
	}

	// Channel-last [Kh,Kw,C/g,F]; filter-major [F,C/g,Kh,Kw].
	cpg, f := k.a, k.b
	if cfg.Layout == LayoutFilterMajor {
		f, cpg = k.a, k.b
	}

	if err := validateGroups("conv2d", cfg.Groups, f); err != nil {
		return p, err
	}

	if c%cfg.Groups != 0 {
		return p, shapeErrorf("conv2d channels=%d not divisible by groups=%d", c, cfg.Groups)
	}

	if cpg != c/cfg.Groups {
		return p, shapeErrorf("conv2d filter channels=%d, want channels/groups=%d", cpg, c/cfg.Groups)
	}

	biasData, err := biasVector("conv2d", bias, f)
	if err != nil {
		return p, err
	}

	g, err := cfg.Padding.geometry("conv2d", h, w, k.kh, k.kw)
	if err != nil {
		return p, err
	}

	khd := DilatedExtent(k.kh, cfg.Dilation.H)
	kwd := DilatedExtent(k.kw, cfg.Dilation.W)

	if khd <= 0 || kwd <= 0 {
		return p, configErrorf("conv2d dilated kernel %dx%d must be positive", khd, kwd)
	}

	if khd > g.hp || kwd > g.wp {
		return p, shapeErrorf("conv2d dilated kernel %dx%d exceeds padded image %dx%d", khd, kwd, g.hp, g.wp)
	}

	outH, err := ConvOutputSize(g.hp, k.kh, cfg.Stride.H, cfg.Dilation.H)
	if err != nil {
		return p, err
	}

	outW, err := ConvOutputSize(g.wp, k.kw, cfg.Stride.W, cfg.Dilation.W)
	if err != nil {
		return p, err
	}

	return conv2DParams{
		h:        h,
		w:        w,
		c:        c,
		f:        f,
		kh:       k.kh,
		kw:       k.kw,
		khd:      khd,
		kwd:      kwd,
		groups:   cfg.Groups,
		cpg:      cpg,
		fpg:      f / cfg.Groups,
		pad:      g,
		outH:     outH,
		outW:     outW,
		stride:   cfg.Stride,
		dilation: cfg.Dilation,
		bias:     biasData,
	}, nil
}

func biasVector(kernel string, bias *tensor.Tensor, filters int64) ([]float32, error) {
	if bias == nil {
		return nil, nil
	}

	if bias.Rank() != 1 || bias.Dim(0) != filters {
		return nil, shapeErrorf("%s bias shape %v, want [%d]", kernel, bias.Shape(), filters)
	}

	return bias.RawData(), nil
}

// ScalarBias broadcasts one bias value to every filter.
func ScalarBias(filters int64, v float32) (*tensor.Tensor, error) {
	if filters <= 0 {
		return nil, shapeErrorf("scalar bias filters must be > 0, got %d", filters)
	}

	return tensor.Full([]int64{filters}, v)
}

// paddedImage returns the channel-last padded image. Valid padding shares the
// source data; same padding uses a pooled buffer returned by release.
func paddedImage(src []float32, p conv2DParams) ([]float32, func(), error) {
	if p.pad.hp == p.h && p.pad.wp == p.w {
		return src, func() {}, nil
	}

	n, err := allocCheck("conv2d", []int64{p.pad.hp, p.pad.wp, p.c})
	if err != nil {
		return nil, nil, err
	}

	buf := getScratch(n)
	padInto(buf, src, p.h, p.w, p.c, p.pad, LayoutChannelLast)

	return buf, func() { putScratch(buf) }, nil
}

// dilatedKernel returns the channel-last kernel expanded to khd x kwd. At
// dilation 1 the source is returned as is.
func dilatedKernel(src []float32, p conv2DParams, shape []int64) ([]float32, func(), error) {
	if p.dilation.H == 1 && p.dilation.W == 1 {
		return src, func() {}, nil
	}

	k := kernelShape{layout: LayoutChannelLast, kh: shape[0], kw: shape[1], a: shape[2], b: shape[3]}

	n, err := allocCheck("conv2d", k.withSpatial(p.khd, p.kwd))
	if err != nil {
		return nil, nil, err
	}

	buf := getScratch(n)
	if err := dilateInto(buf, src, k, p.dilation, p.khd, p.kwd); err != nil {
		putScratch(buf)
		return nil, nil, err
	}

	return buf, func() { putScratch(buf) }, nil
}

// conv2DGrouped is the reference loop nest. Filters are split across workers;
// each output element is produced by one goroutine in the fixed c, ki, kj order.
func conv2DGrouped(out, padded, kernel []float32, p conv2DParams) {
	hp, wp, c, f := p.pad.hp, p.pad.wp, p.c, p.f

	parallelFor(int(f), getConvWorkers(), func(lo, hi int) {
		for fi := int64(lo); fi < int64(hi); fi++ {
			cBase := (fi / p.fpg) * p.cpg

			for i := range p.outH {
				for j := range p.outW {
					var sum float32

					for cl := range p.cpg {
						for ki := range p.khd {
							pi := i*p.stride.H + ki
							for kj := range p.kwd {
								pj := j*p.stride.W + kj
								if pi < hp && pj < wp {
									// Explicit conversion keeps the product rounded
									// before the add, so no fused multiply-add.
									sum += float32(padded[(pi*wp+pj)*c+cBase+cl] * kernel[((ki*p.kwd+kj)*p.cpg+cl)*f+fi])
								}
							}
						}
					}

					if p.bias != nil {
						sum += p.bias[fi]
					}

					out[(i*p.outW+j)*f+fi] = sum
				}
			}
		}
	})
}

// conv2DGroups1 lowers a single-group convolution to im2col rows ordered
// (c, ki, kj) and a dot product per (position, filter). The order matches
// conv2DGrouped term for term, so both paths agree bit for bit.
func conv2DGroups1(out, padded, kernel []float32, p conv2DParams) {
	wp, c, f := p.pad.wp, p.c, p.f

	kSize := c * p.khd * p.kwd
	positions := p.outH * p.outW

	// Weights repacked to [F, C*Khd*Kwd] in (c, ki, kj) order.
	wRows := getScratch(int(f * kSize))
	defer putScratch(wRows)

	for fi := range f {
		row := wRows[fi*kSize : (fi+1)*kSize]
		idx := 0

		for cl := range c {
			for ki := range p.khd {
				for kj := range p.kwd {
					row[idx] = kernel[((ki*p.kwd+kj)*c+cl)*f+fi]
					idx++
				}
			}
		}
	}

	parallelFor(int(positions), getConvWorkers(), func(lo, hi int) {
		col := getScratch(int(kSize))
		defer putScratch(col)

		for pos := int64(lo); pos < int64(hi); pos++ {
			i, j := pos/p.outW, pos%p.outW
			idx := 0

			for cl := range c {
				for ki := range p.khd {
					pi := i*p.stride.H + ki
					for kj := range p.kwd {
						pj := j*p.stride.W + kj
						col[idx] = padded[(pi*wp+pj)*c+cl]
						idx++
					}
				}
			}

			dst := out[pos*f : (pos+1)*f]
			for fi := range f {
				sum := dotOrdered(col, wRows[fi*kSize:(fi+1)*kSize])
				if p.bias != nil {
					sum += p.bias[fi]
				}

				dst[fi] = sum
			}
		}
	})
}

// dotOrdered accumulates left to right with each product rounded to float32.
func dotOrdered(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += float32(a[i] * b[i])
	}

	return sum
}

// Filter permutations from filter-major to channel-last.
var (
	convFilterPerm      = []int{2, 3, 1, 0} // [F,C/g,Kh,Kw] -> [Kh,Kw,C/g,F]
	transposeFilterPerm = []int{2, 3, 0, 1} // [F,C/g,Kh,Kw] -> [Kh,Kw,F,C/g]
)

func toChannelLast(image, filters *tensor.Tensor, layout Layout, filterPerm []int) (*tensor.Tensor, *tensor.Tensor, error) {
	if layout == LayoutChannelLast {
		return image, filters, nil
	}

	img, err := image.Permute(1, 2, 0)
	if err != nil {
		return nil, nil, shapeErrorf("permute image: %v", err)
	}

	flt, err := filters.Permute(filterPerm...)
	if err != nil {
		return nil, nil, shapeErrorf("permute filters: %v", err)
	}

	return img, flt, nil
}

func fromChannelLast(out []float32, shape []int64, layout Layout) (*tensor.Tensor, error) {
	t, err := tensor.FromOwned(out, shape)
	if err != nil {
		return nil, shapeErrorf("output: %v", err)
	}

	if layout == LayoutChannelLast {
		return t, nil
	}

	return t.Permute(2, 0, 1)
}

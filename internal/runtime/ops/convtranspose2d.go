package ops

import (
	"github.com/example/go-convkit/internal/runtime/tensor"
)

type convTranspose2DParams struct {
	conv2DParams

	trim        int64
	biasMode    TransposeBias
	padToStride bool
}

// ConvTranspose2D scatters every input pixel through the (dilated) kernel:
//
//	out[i*sh+ki-trim][j*sw+kj-trim][f] += image[i][j][g*C/groups+c] * kd[ki][kj][f][c]
//
// with trim 1 in same mode (targets at -1 are dropped) and 0 in valid mode.
// Channel-last filters are [Kh, Kw, F, C/groups]. Bias placement follows
// cfg.Bias; bias may be nil.
func ConvTranspose2D(image, filters, bias *tensor.Tensor, cfg ConvTranspose2DConfig) (*tensor.Tensor, error) {
	p, err := prepareConvTranspose2D(image, filters, bias, cfg)
	if err != nil {
		return nil, err
	}

	outShape := []int64{p.outH, p.outW, p.f}

	outN, err := allocCheck("convtranspose2d", outShape)
	if err != nil {
		return nil, err
	}

	img, flt, err := toChannelLast(image, filters, cfg.Layout, transposeFilterPerm)
	if err != nil {
		return nil, err
	}

	kernel, releaseKernel, err := dilatedKernel(flt.RawData(), p.conv2DParams, []int64{p.kh, p.kw, p.f, p.cpg})
	if err != nil {
		return nil, err
	}
	defer releaseKernel()

	out := make([]float32, outN)
	convTranspose2DScatter(out, img.RawData(), kernel, p)

	if p.bias != nil && p.biasMode == BiasPerOutput {
		addBiasPerCell(out, p.bias)
	}

	return fromChannelLast(out, outShape, cfg.Layout)
}

func prepareConvTranspose2D(image, filters, bias *tensor.Tensor, cfg ConvTranspose2DConfig) (convTranspose2DParams, error) {
	var p convTranspose2DParams

	if image == nil || filters == nil {
		return p, configErrorf("convtranspose2d requires non-nil image and filters")
	}

	if image.Rank() != 3 {
		return p, shapeErrorf("convtranspose2d image must be rank 3, got %v", image.Shape())
	}

	if filters.Rank() != 4 {
		return p, shapeErrorf("convtranspose2d filters must be rank 4, got %v", filters.Shape())
	}

	if err := cfg.validateStepping("convtranspose2d"); err != nil {
		return p, err
	}

	if err := cfg.validateLayout("convtranspose2d"); err != nil {
		return p, err
	}

	if cfg.Bias != BiasPerInput && cfg.Bias != BiasPerOutput {
		return p, configErrorf("convtranspose2d unrecognized bias mode %v", cfg.Bias)
	}

	h, w, c, err := imageDims(image, cfg.Layout)
	if err != nil {
		return p, err
	}

	k, err := kernelAxes(filters.Shape(), cfg.Layout)
	if err != nil {
		return p, err
	}

	// Both layouts keep filters ahead of channels: [Kh,Kw,F,C/g] and [F,C/g,Kh,Kw].
	f, cpg := k.a, k.b

	if err := validateGroups("convtranspose2d", cfg.Groups, f); err != nil {
		return p, err
	}

	if c%cfg.Groups != 0 {
		return p, shapeErrorf("convtranspose2d channels=%d not divisible by groups=%d", c, cfg.Groups)
	}

	if cpg != c/cfg.Groups {
		return p, shapeErrorf("convtranspose2d filter channels=%d, want channels/groups=%d", cpg, c/cfg.Groups)
	}

	biasData, err := biasVector("convtranspose2d", bias, f)
	if err != nil {
		return p, err
	}

	trim, err := transposeTrim(cfg.Padding.Mode)
	if err != nil {
		return p, err
	}

	khd := DilatedExtent(k.kh, cfg.Dilation.H)
	kwd := DilatedExtent(k.kw, cfg.Dilation.W)

	if khd <= 0 || kwd <= 0 {
		return p, configErrorf("convtranspose2d dilated kernel %dx%d must be positive", khd, kwd)
	}

	outH, err := ConvTransposeOutputSize(h, khd, cfg.Stride.H, cfg.Padding.Mode, cfg.PadToStride)
	if err != nil {
		return p, err
	}

	outW, err := ConvTransposeOutputSize(w, kwd, cfg.Stride.W, cfg.Padding.Mode, cfg.PadToStride)
	if err != nil {
		return p, err
	}

	p.conv2DParams = conv2DParams{
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
		pad:      padGeometry{hp: h, wp: w},
		outH:     outH,
		outW:     outW,
		stride:   cfg.Stride,
		dilation: cfg.Dilation,
		bias:     biasData,
	}
	p.trim = trim
	p.biasMode = cfg.Bias
	p.padToStride = cfg.PadToStride

	return p, nil
}

// convTranspose2DScatter runs the scatter loop nest: group, filter, input row,
// input column, channel, kernel row, kernel column. Each filter owns a
// disjoint set of output elements, so filters are split across workers
// without changing the accumulation order of any element.
func convTranspose2DScatter(out, image, kernel []float32, p convTranspose2DParams) {
	c, f := p.c, p.f

	parallelFor(int(f), getConvWorkers(), func(lo, hi int) {
		for fi := int64(lo); fi < int64(hi); fi++ {
			cBase := (fi / p.fpg) * p.cpg

			for i := range p.h {
				for j := range p.w {
					for cl := range p.cpg {
						x := image[(i*p.w+j)*c+cBase+cl]

						for ki := range p.khd {
							r := p.stride.H*i + ki - p.trim
							if r < 0 || r >= p.outH {
								continue
							}

							for kj := range p.kwd {
								col := p.stride.W*j + kj - p.trim
								if col < 0 || col >= p.outW {
									continue
								}

								out[(r*p.outW+col)*f+fi] += float32(x * kernel[((ki*p.kwd+kj)*f+fi)*p.cpg+cl])
							}
						}
					}

					if p.bias != nil && p.biasMode == BiasPerInput && i < p.outH && j < p.outW {
						out[(i*p.outW+j)*f+fi] += p.bias[fi]
					}
				}
			}
		}
	})
}

func addBiasPerCell(out, bias []float32) {
	f := len(bias)
	for idx := range out {
		out[idx] += bias[idx%f]
	}
}

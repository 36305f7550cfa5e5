package ops

import "github.com/example/go-convkit/internal/runtime/tensor"

// padGeometry is the padded extent and the leading offset for one image.
type padGeometry struct {
	hp, wp     int64
	offH, offW int64
}

func (p Padding) geometry(kernel string, h, w, kh, kw int64) (padGeometry, error) {
	var g padGeometry

	switch p.Mode {
	case PaddingValid:
		g = padGeometry{hp: h, wp: w}
	case PaddingSame:
		g = padGeometry{
			hp:   h + p.ExtraH,
			wp:   w + p.ExtraW,
			offH: (kh - 1) / 2,
			offW: (kw - 1) / 2,
		}
	default:
		return g, configErrorf("%s unrecognized padding mode %q (expected valid|same)", kernel, p.Mode)
	}

	if g.hp <= 0 || g.wp <= 0 {
		return g, shapeErrorf("%s padded size %dx%d must be positive", kernel, g.hp, g.wp)
	}

	return g, nil
}

// Pad2D zero-pads an image for a kh x kw kernel. Valid mode returns image
// itself; same mode returns a new tensor of Hp x Wp where cell (i, j) holds
// image(i-(kh-1)/2, j-(kw-1)/2) or zero outside the image.
func Pad2D(image *tensor.Tensor, kh, kw int64, padding Padding, layout Layout) (*tensor.Tensor, error) {
	if image == nil {
		return nil, configErrorf("pad2d image is nil")
	}

	if image.Rank() != 3 {
		return nil, shapeErrorf("pad2d expects rank-3 image, got %v", image.Shape())
	}

	if kh <= 0 || kw <= 0 {
		return nil, shapeErrorf("pad2d kernel %dx%d must be positive", kh, kw)
	}

	h, w, c, err := imageDims(image, layout)
	if err != nil {
		return nil, err
	}

	g, err := padding.geometry("pad2d", h, w, kh, kw)
	if err != nil {
		return nil, err
	}

	if padding.Mode == PaddingValid {
		return image, nil
	}

	outShape := []int64{g.hp, g.wp, c}
	if layout == LayoutFilterMajor {
		outShape = []int64{c, g.hp, g.wp}
	}

	n, err := allocCheck("pad2d", outShape)
	if err != nil {
		return nil, err
	}

	dst := make([]float32, n)
	padInto(dst, image.RawData(), h, w, c, g, layout)

	return tensor.FromOwned(dst, outShape)
}

// padInto copies src (h x w x c in layout order) into the zeroed dst of the
// padded geometry g using the same layout.
func padInto(dst, src []float32, h, w, c int64, g padGeometry, layout Layout) {
	for i := range g.hp {
		si := i - g.offH
		if si < 0 || si >= h {
			continue
		}

		for j := range g.wp {
			sj := j - g.offW
			if sj < 0 || sj >= w {
				continue
			}

			if layout == LayoutFilterMajor {
				for ch := range c {
					dst[(ch*g.hp+i)*g.wp+j] = src[(ch*h+si)*w+sj]
				}

				continue
			}

			copy(dst[(i*g.wp+j)*c:(i*g.wp+j+1)*c], src[(si*w+sj)*c:(si*w+sj+1)*c])
		}
	}
}

// imageDims reads (H, W, C) from an image in the given layout.
func imageDims(image *tensor.Tensor, layout Layout) (h, w, c int64, err error) {
	shape := image.Shape()

	switch layout {
	case LayoutChannelLast:
		h, w, c = shape[0], shape[1], shape[2]
	case LayoutFilterMajor:
		c, h, w = shape[0], shape[1], shape[2]
	default:
		return 0, 0, 0, configErrorf("unrecognized layout %v", layout)
	}

	if h <= 0 || w <= 0 || c <= 0 {
		return 0, 0, 0, shapeErrorf("image dims H=%d W=%d C=%d must be positive", h, w, c)
	}

	return h, w, c, nil
}

package ops

// DilatedExtent is the footprint of a k-tap kernel axis at dilation d.
func DilatedExtent(k, d int64) int64 {
	return (k-1)*d + 1
}

// ConvOutputSize returns floor((in - k - (k-1)(d-1)) / stride) + 1, the
// number of correlation positions along one axis of an input of size in
// (already padded).
func ConvOutputSize(in, k, stride, dilation int64) (int64, error) {
	if k <= 0 {
		return 0, shapeErrorf("conv output size kernel must be > 0, got %d", k)
	}

	if stride <= 0 || dilation <= 0 {
		return 0, configErrorf("conv output size stride=%d dilation=%d must be >= 1", stride, dilation)
	}

	num := in - k - (k-1)*(dilation-1)
	if num < 0 {
		return 0, shapeErrorf("conv output size non-positive for in=%d k=%d dilation=%d", in, k, dilation)
	}

	return num/stride + 1, nil
}

// ConvOutputSizeDilated is ConvOutputSize expressed with the already dilated
// kernel extent kd: floor((in - kd) / stride) + 1.
func ConvOutputSizeDilated(in, kd, stride int64) (int64, error) {
	if kd <= 0 {
		return 0, shapeErrorf("conv output size dilated kernel must be > 0, got %d", kd)
	}

	if stride <= 0 {
		return 0, configErrorf("conv output size stride must be >= 1, got %d", stride)
	}

	num := in - kd
	if num < 0 {
		return 0, shapeErrorf("conv output size non-positive for in=%d kd=%d", in, kd)
	}

	return num/stride + 1, nil
}

// ConvTransposeOutputSize returns (in-1)*stride + kd, less one in same mode.
// With padToStride and stride > kd the base size is in*stride instead.
func ConvTransposeOutputSize(in, kd, stride int64, mode PaddingMode, padToStride bool) (int64, error) {
	if stride <= 0 {
		return 0, configErrorf("convtranspose output size stride must be >= 1, got %d", stride)
	}

	if kd <= 0 {
		return 0, shapeErrorf("convtranspose output size dilated kernel must be > 0, got %d", kd)
	}

	trim, err := transposeTrim(mode)
	if err != nil {
		return 0, err
	}

	out := (in-1)*stride + kd
	if padToStride && stride > kd {
		out = in * stride
	}

	out -= trim
	if out <= 0 {
		return 0, shapeErrorf("convtranspose output size non-positive (%d) for in=%d kd=%d stride=%d", out, in, kd, stride)
	}

	return out, nil
}

// transposeTrim is the leading offset subtracted from every scatter target.
func transposeTrim(mode PaddingMode) (int64, error) {
	switch mode {
	case PaddingValid:
		return 0, nil
	case PaddingSame:
		return 1, nil
	default:
		return 0, configErrorf("unrecognized padding mode %q", mode)
	}
}

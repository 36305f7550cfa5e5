package config

import (
	"fmt"
	"strings"

	"github.com/example/go-convkit/internal/runtime/ops"
)

const (
	PaddingValid      = "valid"
	PaddingSame       = "same"
	PaddingSameKernel = "same-kernel"
)

// NormalizePadding canonicalizes a padding mode name.
func NormalizePadding(raw string) (string, error) {
	mode := strings.ToLower(strings.TrimSpace(raw))

	switch mode {
	case PaddingValid, PaddingSame, PaddingSameKernel:
		return mode, nil
	case "same_kernel", "samekernel":
		return PaddingSameKernel, nil
	default:
		return "", fmt.Errorf("invalid padding %q (expected %s|%s|%s)", raw, PaddingValid, PaddingSame, PaddingSameKernel)
	}
}

func (k KernelConfig) Validate() error {
	if _, err := NormalizePadding(k.Padding); err != nil {
		return err
	}

	if k.SameExtraH < 0 || k.SameExtraW < 0 {
		return fmt.Errorf("kernel same extra must be >= 0, got %dx%d", k.SameExtraH, k.SameExtraW)
	}

	if _, err := ops.ParseLayout(k.Layout); err != nil {
		return err
	}

	if _, err := ops.ParseTransposeBias(k.TransposeBias); err != nil {
		return err
	}

	return nil
}

func (k KernelConfig) LayoutValue() (ops.Layout, error) {
	return ops.ParseLayout(k.Layout)
}

// PaddingFor resolves the padding mode for a kh x kw kernel. "same" uses the
// configured extra rows/columns, "same-kernel" uses kh-1 and kw-1.
func (k KernelConfig) PaddingFor(kh, kw int64) (ops.Padding, error) {
	mode, err := NormalizePadding(k.Padding)
	if err != nil {
		return ops.Padding{}, err
	}

	switch mode {
	case PaddingSame:
		return ops.Padding{Mode: ops.PaddingSame, ExtraH: k.SameExtraH, ExtraW: k.SameExtraW}, nil
	case PaddingSameKernel:
		return ops.SameForKernel(kh, kw), nil
	default:
		return ops.Valid(), nil
	}
}

// Conv2DConfig builds a kernel config for a kh x kw kernel with the given
// stepping and groups.
func (k KernelConfig) Conv2DConfig(kh, kw int64, stride, dilation ops.Pair, groups int64) (ops.Conv2DConfig, error) {
	layout, err := k.LayoutValue()
	if err != nil {
		return ops.Conv2DConfig{}, err
	}

	padding, err := k.PaddingFor(kh, kw)
	if err != nil {
		return ops.Conv2DConfig{}, err
	}

	return ops.Conv2DConfig{
		Stride:   stride,
		Dilation: dilation,
		Padding:  padding,
		Groups:   groups,
		Layout:   layout,
	}, nil
}

func (k KernelConfig) ConvTranspose2DConfig(kh, kw int64, stride, dilation ops.Pair, groups int64) (ops.ConvTranspose2DConfig, error) {
	base, err := k.Conv2DConfig(kh, kw, stride, dilation, groups)
	if err != nil {
		return ops.ConvTranspose2DConfig{}, err
	}

	bias, err := ops.ParseTransposeBias(k.TransposeBias)
	if err != nil {
		return ops.ConvTranspose2DConfig{}, err
	}

	return ops.ConvTranspose2DConfig{
		Conv2DConfig: base,
		Bias:         bias,
		PadToStride:  k.PadToStride,
	}, nil
}

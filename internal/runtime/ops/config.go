package ops

import (
	"fmt"
	"strings"
)

// Pair holds a per-axis value for the height and width axes.
type Pair struct {
	H int64
	W int64
}

// Square returns Pair{v, v}.
func Square(v int64) Pair { return Pair{H: v, W: v} }

func (p Pair) String() string { return fmt.Sprintf("(%d,%d)", p.H, p.W) }

// PaddingMode selects how the input is extended before correlation.
type PaddingMode string

const (
	PaddingValid PaddingMode = "valid"
	PaddingSame  PaddingMode = "same"
)

// ParsePaddingMode normalizes a user-supplied padding mode.
func ParsePaddingMode(s string) (PaddingMode, error) {
	switch PaddingMode(strings.ToLower(strings.TrimSpace(s))) {
	case PaddingValid:
		return PaddingValid, nil
	case PaddingSame:
		return PaddingSame, nil
	default:
		return "", configErrorf("unrecognized padding mode %q (expected valid|same)", s)
	}
}

// Padding is a padding mode plus the number of rows and columns a same-mode
// pad adds in total. The leading offset is always (K-1)/2 of the undilated
// kernel; the remainder goes to the trailing edge.
type Padding struct {
	Mode   PaddingMode
	ExtraH int64
	ExtraW int64
}

// Valid is the no-padding configuration.
func Valid() Padding { return Padding{Mode: PaddingValid} }

// Same is same-mode padding with a fixed two extra rows and columns,
// whatever the kernel size. Only a 3x3 kernel keeps its input size under it.
func Same() Padding { return Padding{Mode: PaddingSame, ExtraH: 2, ExtraW: 2} }

// SameForKernel is same-mode padding sized from the kernel: K-1 extra rows and
// columns, which keeps the output the size of the input at stride 1.
func SameForKernel(kh, kw int64) Padding {
	return Padding{Mode: PaddingSame, ExtraH: kh - 1, ExtraW: kw - 1}
}

func (p Padding) String() string {
	if p.Mode == PaddingSame {
		return fmt.Sprintf("same+%dx%d", p.ExtraH, p.ExtraW)
	}

	return string(p.Mode)
}

// Layout names the axis order shared by image, filters and output.
type Layout int

const (
	// LayoutChannelLast: image [H,W,C], conv filters [Kh,Kw,C/g,F],
	// transposed filters [Kh,Kw,F,C/g], output [outH,outW,F].
	LayoutChannelLast Layout = iota
	// LayoutFilterMajor: image [C,H,W], filters [F,C/g,Kh,Kw], output [F,outH,outW].
	LayoutFilterMajor
)

func (l Layout) String() string {
	switch l {
	case LayoutChannelLast:
		return "channel-last"
	case LayoutFilterMajor:
		return "filter-major"
	default:
		return fmt.Sprintf("layout(%d)", int(l))
	}
}

// ParseLayout accepts channel-last|hwc and filter-major|chw.
func ParseLayout(s string) (Layout, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "channel-last", "channel_last", "hwc":
		return LayoutChannelLast, nil
	case "filter-major", "filter_major", "chw":
		return LayoutFilterMajor, nil
	default:
		return 0, configErrorf("unrecognized layout %q (expected channel-last|filter-major)", s)
	}
}

// TransposeBias selects where a transposed convolution adds bias.
type TransposeBias int

const (
	// BiasPerInput adds bias[f] at output cell (i,j) once for every input
	// position (i,j) scattered, right after that position's scatter.
	BiasPerInput TransposeBias = iota
	// BiasPerOutput adds bias[f] once to every output cell after all scatters.
	BiasPerOutput
)

func (b TransposeBias) String() string {
	switch b {
	case BiasPerInput:
		return "per-input"
	case BiasPerOutput:
		return "per-output"
	default:
		return fmt.Sprintf("bias(%d)", int(b))
	}
}

// ParseTransposeBias accepts per-input and per-output.
func ParseTransposeBias(s string) (TransposeBias, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "per-input", "per_input", "input":
		return BiasPerInput, nil
	case "per-output", "per_output", "output":
		return BiasPerOutput, nil
	default:
		return 0, configErrorf("unrecognized transpose bias mode %q (expected per-input|per-output)", s)
	}
}

// Conv2DConfig parameterizes Conv2D. The zero value is not valid; start from
// DefaultConv2DConfig.
type Conv2DConfig struct {
	Stride   Pair
	Dilation Pair
	Padding  Padding
	Groups   int64
	Layout   Layout
}

// DefaultConv2DConfig is stride 1, dilation 1, valid padding, one group,
// channel-last.
func DefaultConv2DConfig() Conv2DConfig {
	return Conv2DConfig{
		Stride:   Square(1),
		Dilation: Square(1),
		Padding:  Valid(),
		Groups:   1,
		Layout:   LayoutChannelLast,
	}
}

// ConvTranspose2DConfig parameterizes ConvTranspose2D.
type ConvTranspose2DConfig struct {
	Conv2DConfig

	Bias TransposeBias
	// PadToStride sizes an axis as in*stride when the stride exceeds the
	// dilated kernel extent, so every input position owns a full tile.
	PadToStride bool
}

// DefaultConvTranspose2DConfig mirrors DefaultConv2DConfig with per-input bias.
func DefaultConvTranspose2DConfig() ConvTranspose2DConfig {
	return ConvTranspose2DConfig{Conv2DConfig: DefaultConv2DConfig()}
}

// validateStepping checks stride and dilation. A stride above one may not be
// combined with a dilation above one on any pair of axes.
func (c Conv2DConfig) validateStepping(kernel string) error {
	if c.Stride.H <= 0 || c.Stride.W <= 0 {
		return configErrorf("%s stride must be >= 1, got %v", kernel, c.Stride)
	}

	if c.Dilation.H <= 0 || c.Dilation.W <= 0 {
		return configErrorf("%s dilation must be >= 1, got %v", kernel, c.Dilation)
	}

	strided := c.Stride.H > 1 || c.Stride.W > 1
	dilated := c.Dilation.H > 1 || c.Dilation.W > 1

	if strided && dilated {
		return configErrorf("%s stride %v and dilation %v cannot both exceed 1", kernel, c.Stride, c.Dilation)
	}

	return nil
}

func (c Conv2DConfig) validateLayout(kernel string) error {
	if c.Layout != LayoutChannelLast && c.Layout != LayoutFilterMajor {
		return configErrorf("%s unrecognized layout %v", kernel, c.Layout)
	}

	return nil
}

// validateGroups checks the filter partition. Channel divisibility is a shape
// property and is checked separately.
func validateGroups(kernel string, groups, filters int64) error {
	if groups <= 0 || groups > filters {
		return configErrorf("%s groups must be in (0, %d], got %d", kernel, filters, groups)
	}

	if filters%groups != 0 {
		return configErrorf("%s filters=%d not divisible by groups=%d", kernel, filters, groups)
	}

	return nil
}

package weights

import (
	"fmt"

	"github.com/example/go-convkit/internal/runtime/ops"
	"github.com/example/go-convkit/internal/runtime/tensor"
)

// Conv2D is a loaded convolution layer: name.weight and optional name.bias.
type Conv2D struct {
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
	Config ops.Conv2DConfig
}

// ConvTranspose2D is a loaded transposed convolution layer.
type ConvTranspose2D struct {
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
	Config ops.ConvTranspose2DConfig
}

// KernelSize reads the spatial extent of name.weight under layout without
// decoding the tensor.
func KernelSize(vb *VarBuilder, name string, layout ops.Layout) (kh, kw int64, err error) {
	shape, err := vb.Path(name).Shape("weight")
	if err != nil {
		return 0, 0, err
	}

	if len(shape) != 4 {
		return 0, 0, fmt.Errorf("weights: %s.weight must be rank 4, got %v: %w", name, shape, ops.ErrInvalidShape)
	}

	if layout == ops.LayoutFilterMajor {
		return shape[2], shape[3], nil
	}

	return shape[0], shape[1], nil
}

func LoadConv2D(vb *VarBuilder, name string, cfg ops.Conv2DConfig) (*Conv2D, error) {
	// Channel-last [Kh, Kw, C/g, F]; filter-major [F, C/g, Kh, Kw].
	filterAxis := 3
	if cfg.Layout == ops.LayoutFilterMajor {
		filterAxis = 0
	}

	w, b, err := loadKernel(vb, name, filterAxis)
	if err != nil {
		return nil, err
	}

	return &Conv2D{Weight: w, Bias: b, Config: cfg}, nil
}

func LoadConvTranspose2D(vb *VarBuilder, name string, cfg ops.ConvTranspose2DConfig) (*ConvTranspose2D, error) {
	// Channel-last [Kh, Kw, F, C/g]; filter-major [F, C/g, Kh, Kw].
	filterAxis := 2
	if cfg.Layout == ops.LayoutFilterMajor {
		filterAxis = 0
	}

	w, b, err := loadKernel(vb, name, filterAxis)
	if err != nil {
		return nil, err
	}

	return &ConvTranspose2D{Weight: w, Bias: b, Config: cfg}, nil
}

func (c *Conv2D) Forward(image *tensor.Tensor) (*tensor.Tensor, error) {
	if c == nil || c.Weight == nil {
		return nil, fmt.Errorf("weights: conv2d is not initialized: %w", ops.ErrInvalidConfig)
	}

	return ops.Conv2D(image, c.Weight, c.Bias, c.Config)
}

func (c *ConvTranspose2D) Forward(image *tensor.Tensor) (*tensor.Tensor, error) {
	if c == nil || c.Weight == nil {
		return nil, fmt.Errorf("weights: convtranspose2d is not initialized: %w", ops.ErrInvalidConfig)
	}

	return ops.ConvTranspose2D(image, c.Weight, c.Bias, c.Config)
}

func loadKernel(vb *VarBuilder, name string, filterAxis int) (*tensor.Tensor, *tensor.Tensor, error) {
	w, err := vb.Tensor(name + ".weight")
	if err != nil {
		return nil, nil, err
	}

	if w.Rank() != 4 {
		return nil, nil, fmt.Errorf("weights: %q weight must be rank-4, got %v: %w", name, w.Shape(), ops.ErrInvalidShape)
	}

	b, ok, err := vb.TensorMaybe(name + ".bias")
	if err != nil || !ok {
		return w, nil, err
	}

	if b.Rank() != 1 || b.Dim(0) != w.Dim(filterAxis) {
		return nil, nil, fmt.Errorf("weights: %q bias shape %v incompatible with weight %v: %w", name, b.Shape(), w.Shape(), ops.ErrInvalidShape)
	}

	return w, b, nil
}

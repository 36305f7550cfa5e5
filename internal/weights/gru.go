package weights

import (
	"fmt"

	"github.com/example/go-convkit/internal/runtime/ops"
	"github.com/example/go-convkit/internal/runtime/tensor"
)

// Gate names in packed order.
var gruGates = [3]string{"update", "reset", "candidate"}

// LoadGRU reads GRU weights under name. A name.kernel tensor selects the
// packed layout (see SplitPackedGRU); otherwise each gate is read from
// name.<gate>.{weight_ih,weight_hh,bias_ih,bias_hh}, biases optional.
func LoadGRU(vb *VarBuilder, name string) (ops.GRUWeights, error) {
	layer := vb.Path(name)

	if layer.Has("kernel") {
		return loadPackedGRU(layer)
	}

	var (
		w     ops.GRUWeights
		gates = [3]*ops.GRUGate{&w.Update, &w.Reset, &w.Candidate}
	)

	for i, gateName := range gruGates {
		gv := layer.Path(gateName)

		g, err := loadGRUGate(gv)
		if err != nil {
			return ops.GRUWeights{}, err
		}

		*gates[i] = g
	}

	if _, _, err := w.Dims(); err != nil {
		return ops.GRUWeights{}, fmt.Errorf("weights: gru %q: %w", layer.Prefix(), err)
	}

	return w, nil
}

func loadGRUGate(vb *VarBuilder) (ops.GRUGate, error) {
	var (
		g   ops.GRUGate
		err error
	)

	if g.Input, err = vb.Tensor("weight_ih"); err != nil {
		return g, err
	}

	if g.Hidden, err = vb.Tensor("weight_hh"); err != nil {
		return g, err
	}

	if g.InputBias, _, err = vb.TensorMaybe("bias_ih"); err != nil {
		return g, err
	}

	if g.HiddenBias, _, err = vb.TensorMaybe("bias_hh"); err != nil {
		return g, err
	}

	return g, nil
}

func loadPackedGRU(vb *VarBuilder) (ops.GRUWeights, error) {
	kernel, err := vb.Tensor("kernel")
	if err != nil {
		return ops.GRUWeights{}, err
	}

	recurrent, err := vb.Tensor("recurrent_kernel")
	if err != nil {
		return ops.GRUWeights{}, err
	}

	bias, _, err := vb.TensorMaybe("bias")
	if err != nil {
		return ops.GRUWeights{}, err
	}

	w, err := SplitPackedGRU(kernel, recurrent, bias)
	if err != nil {
		return ops.GRUWeights{}, fmt.Errorf("weights: gru %q: %w", vb.Prefix(), err)
	}

	return w, nil
}

// SplitPackedGRU splits Keras-style packed GRU weights into per-gate
// matrices. kernel is [input_size, 3*unit], recurrent is [unit, 3*unit] and
// bias is [2, 3*unit] (input row, hidden row), [3*unit] (input only) or nil.
// Columns are packed z | r | n.
func SplitPackedGRU(kernel, recurrent, bias *tensor.Tensor) (ops.GRUWeights, error) {
	if kernel == nil || recurrent == nil {
		return ops.GRUWeights{}, fmt.Errorf("packed gru requires kernel and recurrent kernel: %w", ops.ErrInvalidConfig)
	}

	if kernel.Rank() != 2 || kernel.Dim(1)%3 != 0 || kernel.Dim(1) == 0 {
		return ops.GRUWeights{}, fmt.Errorf("packed gru kernel shape %v, want [input_size, 3*unit]: %w", kernel.Shape(), ops.ErrInvalidShape)
	}

	unit := kernel.Dim(1) / 3

	if !equalShape(recurrent.Shape(), []int64{unit, 3 * unit}) {
		return ops.GRUWeights{}, fmt.Errorf("packed gru recurrent kernel shape %v, want [%d %d]: %w", recurrent.Shape(), unit, 3*unit, ops.ErrInvalidShape)
	}

	inputBias, hiddenBias, err := splitPackedBias(bias, unit)
	if err != nil {
		return ops.GRUWeights{}, err
	}

	// Gate rows of the transposed matrices are contiguous.
	kernelT, err := kernel.Transpose(0, 1)
	if err != nil {
		return ops.GRUWeights{}, err
	}

	recurrentT, err := recurrent.Transpose(0, 1)
	if err != nil {
		return ops.GRUWeights{}, err
	}

	var (
		w     ops.GRUWeights
		gates = [3]*ops.GRUGate{&w.Update, &w.Reset, &w.Candidate}
	)

	for k, g := range gates {
		start := int64(k) * unit

		if g.Input, err = kernelT.Narrow(0, start, unit); err != nil {
			return ops.GRUWeights{}, err
		}

		if g.Hidden, err = recurrentT.Narrow(0, start, unit); err != nil {
			return ops.GRUWeights{}, err
		}

		if inputBias != nil {
			if g.InputBias, err = inputBias.Narrow(0, start, unit); err != nil {
				return ops.GRUWeights{}, err
			}
		}

		if hiddenBias != nil {
			if g.HiddenBias, err = hiddenBias.Narrow(0, start, unit); err != nil {
				return ops.GRUWeights{}, err
			}
		}
	}

	return w, nil
}

func splitPackedBias(bias *tensor.Tensor, unit int64) (*tensor.Tensor, *tensor.Tensor, error) {
	switch {
	case bias == nil:
		return nil, nil, nil
	case equalShape(bias.Shape(), []int64{3 * unit}):
		return bias, nil, nil
	case equalShape(bias.Shape(), []int64{2, 3 * unit}):
		flat, err := bias.Reshape([]int64{6 * unit})
		if err != nil {
			return nil, nil, err
		}

		in, err := flat.Narrow(0, 0, 3*unit)
		if err != nil {
			return nil, nil, err
		}

		hid, err := flat.Narrow(0, 3*unit, 3*unit)
		if err != nil {
			return nil, nil, err
		}

		return in, hid, nil
	default:
		return nil, nil, fmt.Errorf("packed gru bias shape %v, want [%d] or [2 %d]: %w", bias.Shape(), 3*unit, 3*unit, ops.ErrInvalidShape)
	}
}

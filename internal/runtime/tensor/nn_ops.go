package tensor

import (
	"errors"
	"fmt"
)

// Linear computes x·Wᵀ + b over the last axis of x, with weight laid out
// [out, in]. Every output element is one dotF32 call, so the worker count
// never changes the result bits.
func Linear(x, weight, bias *Tensor) (*Tensor, error) {
	if x == nil || weight == nil {
		return nil, errors.New("tensor: linear requires non-nil x and weight")
	}

	if x.Rank() < 1 {
		return nil, errors.New("tensor: linear requires x rank >= 1")
	}

	if weight.Rank() != 2 {
		return nil, fmt.Errorf("tensor: linear weight must be rank 2, got %d", weight.Rank())
	}

	in := x.shape[x.Rank()-1]

	out := weight.shape[0]
	if weight.shape[1] != in {
		return nil, fmt.Errorf("tensor: linear mismatch: x last dim %d, weight in dim %d", in, weight.shape[1])
	}

	if bias != nil {
		if bias.Rank() != 1 || bias.shape[0] != out {
			return nil, fmt.Errorf("tensor: linear bias shape %v does not match out dim %d", bias.shape, out)
		}
	}

	outShape := make([]int64, x.Rank())
	copy(outShape, x.shape[:x.Rank()-1])
	outShape[x.Rank()-1] = out

	total, err := shapeElemCount(outShape)
	if err != nil {
		return nil, err
	}

	inI := int(in)
	outI := int(out)
	outData := make([]float32, total)

	if inI == 0 {
		if bias != nil {
			for i := range outData {
				outData[i] = bias.data[i%outI]
			}
		}

		return newOwned(outData, outShape), nil
	}

	batch := len(x.data) / inI
	wData := weight.data

	parallelFor(batch*outI, getWorkers(), func(lo, hi int) {
		for idx := lo; idx < hi; idx++ {
			bIdx, o := idx/outI, idx%outI
			sum := dotF32(x.data[bIdx*inI:(bIdx+1)*inI], wData[o*inI:(o+1)*inI])

			if bias != nil {
				sum += bias.data[o]
			}

			outData[idx] = sum
		}
	})

	return newOwned(outData, outShape), nil
}

package tensor

import (
	"fmt"
	"math/bits"
)

func shapeElemCount(shape []int64) (int, error) {
	total := uint64(1)

	for i, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("tensor: shape %v has negative dimension at %d", shape, i)
		}

		hi, lo := bits.Mul64(total, uint64(d))
		if hi != 0 {
			return 0, fmt.Errorf("%w: %v", ErrTooLarge, shape)
		}

		total = lo
	}

	if total > uint64(^uint(0)>>1) {
		return 0, fmt.Errorf("%w: %v exceeds platform int size", ErrTooLarge, shape)
	}

	return int(total), nil
}

// ElemCount reports the number of elements a shape holds, failing with
// ErrTooLarge when it cannot be allocated on this platform.
func ElemCount(shape []int64) (int, error) {
	return shapeElemCount(shape)
}

// normalizeDim resolves a possibly negative axis against rank.
func normalizeDim(dim, rank int) (int, error) {
	d := dim
	if d < 0 {
		d += rank
	}

	if rank < 0 || d < 0 || d >= rank {
		return 0, fmt.Errorf("axis %d invalid for rank %d", dim, rank)
	}

	return d, nil
}

// rowMajorStrides returns the element step of each axis; the last axis is 1.
func rowMajorStrides(shape []int64) []int64 {
	strides := make([]int64, len(shape))

	step := int64(1)
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = step
		step *= shape[i]
	}

	return strides
}

func offsetOf(coord, strides []int64) int64 {
	var off int64
	for i := range coord {
		off += coord[i] * strides[i]
	}

	return off
}

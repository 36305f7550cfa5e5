package tensor

import (
	"errors"
	"fmt"
)

// Narrow keeps length entries of axis dim starting at start.
func (t *Tensor) Narrow(dim int, start, length int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: narrow on nil tensor")
	}

	axis, err := normalizeDim(dim, len(t.shape))
	if err != nil {
		return nil, fmt.Errorf("tensor: narrow: %w", err)
	}

	size := t.shape[axis]
	if start < 0 || length < 0 || start+length > size {
		return nil, fmt.Errorf("tensor: narrow [%d, %d) exceeds axis %d of size %d", start, start+length, axis, size)
	}

	shape := t.Shape()
	shape[axis] = length

	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	// block is the contiguous run below axis; every outer index copies one
	// span of length blocks.
	block := int64(1)
	for _, d := range t.shape[axis+1:] {
		block *= d
	}

	data := make([]float32, 0, total)
	span := length * block

	for base := int64(0); base < int64(len(t.data)); base += size * block {
		from := base + start*block
		data = append(data, t.data[from:from+span]...)
	}

	return newOwned(data, shape), nil
}

// Transpose swaps two axes.
func (t *Tensor) Transpose(dim1, dim2 int) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: transpose on nil tensor")
	}

	rank := len(t.shape)

	a, err := normalizeDim(dim1, rank)
	if err != nil {
		return nil, fmt.Errorf("tensor: transpose: %w", err)
	}

	b, err := normalizeDim(dim2, rank)
	if err != nil {
		return nil, fmt.Errorf("tensor: transpose: %w", err)
	}

	order := make([]int, rank)
	for i := range order {
		order[i] = i
	}

	order[a], order[b] = b, a

	return t.Permute(order...)
}

// Permute returns a copy whose axis i is axis axes[i] of t.
func (t *Tensor) Permute(axes ...int) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: permute on nil tensor")
	}

	rank := len(t.shape)
	if len(axes) != rank {
		return nil, fmt.Errorf("tensor: permute got %d axes for rank %d", len(axes), rank)
	}

	seen := make([]bool, rank)
	norm := make([]int, rank)

	for i, a := range axes {
		d, err := normalizeDim(a, rank)
		if err != nil {
			return nil, fmt.Errorf("tensor: permute axis %d: %w", i, err)
		}

		if seen[d] {
			return nil, fmt.Errorf("tensor: permute axis %d repeated", d)
		}

		seen[d] = true
		norm[i] = d
	}

	outShape := make([]int64, rank)
	for i, d := range norm {
		outShape[i] = t.shape[d]
	}

	out, err := Zeros(outShape)
	if err != nil {
		return nil, err
	}

	srcStrides := rowMajorStrides(t.shape)

	// step[i] is how far the source offset moves when output axis i advances.
	step := make([]int64, rank)
	for i, d := range norm {
		step[i] = srcStrides[d]
	}

	coord := make([]int64, rank)
	src := int64(0)

	for i := range out.data {
		out.data[i] = t.data[src]

		for ax := rank - 1; ax >= 0; ax-- {
			coord[ax]++
			src += step[ax]

			if coord[ax] < outShape[ax] {
				break
			}

			src -= coord[ax] * step[ax]
			coord[ax] = 0
		}
	}

	return out, nil
}

package tensor

import (
	"errors"
	"fmt"
)

// ErrTooLarge is returned when a shape's element count cannot be addressed
// on the current platform.
var ErrTooLarge = errors.New("tensor: shape too large")

// Tensor is a dense, row-major float32 tensor. Kernels treat the tensors they
// receive as read-only and return freshly allocated results.
type Tensor struct {
	shape []int64
	data  []float32
}

// New copies data and shape into a fresh tensor.
func New(data []float32, shape []int64) (*Tensor, error) {
	if err := checkLen(data, shape); err != nil {
		return nil, err
	}

	return newOwned(append([]float32(nil), data...), append([]int64(nil), shape...)), nil
}

// FromOwned adopts data as the tensor's storage. The caller must not touch
// data afterwards.
func FromOwned(data []float32, shape []int64) (*Tensor, error) {
	if err := checkLen(data, shape); err != nil {
		return nil, err
	}

	return newOwned(data, append([]int64(nil), shape...)), nil
}

func checkLen(data []float32, shape []int64) error {
	n, err := shapeElemCount(shape)
	if err != nil {
		return err
	}

	if len(data) != n {
		return fmt.Errorf("tensor: %d values cannot fill shape %v (%d elements)", len(data), shape, n)
	}

	return nil
}

func newOwned(data []float32, shape []int64) *Tensor {
	return &Tensor{shape: shape, data: data}
}

func Zeros(shape []int64) (*Tensor, error) {
	return Full(shape, 0)
}

// Full returns a tensor of the given shape with every element set to value.
func Full(shape []int64, value float32) (*Tensor, error) {
	n, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	data := make([]float32, n)
	if value != 0 {
		for i := range data {
			data[i] = value
		}
	}

	return newOwned(data, append([]int64(nil), shape...)), nil
}

func (t *Tensor) Shape() []int64 {
	if t == nil {
		return nil
	}

	return append([]int64(nil), t.shape...)
}

// Dim returns the size of dimension i. Negative i counts from the end.
func (t *Tensor) Dim(i int) int64 {
	if t == nil {
		return 0
	}

	i, err := normalizeDim(i, len(t.shape))
	if err != nil {
		return 0
	}

	return t.shape[i]
}

// Data returns a copy of the underlying tensor data.
func (t *Tensor) Data() []float32 {
	if t == nil {
		return nil
	}

	return append([]float32(nil), t.data...)
}

// RawData returns the underlying data slice.
// Callers must treat it as read-only.
func (t *Tensor) RawData() []float32 {
	if t == nil {
		return nil
	}

	return t.data
}

func (t *Tensor) ElemCount() int {
	if t == nil {
		return 0
	}

	return len(t.data)
}

func (t *Tensor) Rank() int {
	if t == nil {
		return 0
	}

	return len(t.shape)
}

// Reshape copies t under a new shape with the same element count.
func (t *Tensor) Reshape(shape []int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: reshape on nil tensor")
	}

	if err := checkLen(t.data, shape); err != nil {
		return nil, err
	}

	return New(t.data, shape)
}

// At returns the element at the given coordinate.
func (t *Tensor) At(coord ...int64) (float32, error) {
	if t == nil {
		return 0, errors.New("tensor: at on nil tensor")
	}

	if len(coord) != len(t.shape) {
		return 0, fmt.Errorf("tensor: at got %d indices for rank %d", len(coord), len(t.shape))
	}

	for i, c := range coord {
		if c < 0 || c >= t.shape[i] {
			return 0, fmt.Errorf("tensor: index %d (%d) out of range for dim size %d", i, c, t.shape[i])
		}
	}

	return t.data[offsetOf(coord, rowMajorStrides(t.shape))], nil
}

package ops

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/example/go-convkit/internal/runtime/tensor"
)

// Kernel failures wrap exactly one of these sentinels; match with errors.Is.
var (
	ErrInvalidConfig   = errors.New("invalid config")
	ErrInvalidShape    = errors.New("invalid shape")
	ErrIndexOutOfRange = errors.New("index out of range")
	ErrOutOfMemory     = errors.New("out of memory")
)

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("ops: "+format+": %w", append(args, ErrInvalidConfig)...)
}

func shapeErrorf(format string, args ...any) error {
	return fmt.Errorf("ops: "+format+": %w", append(args, ErrInvalidShape)...)
}

func indexErrorf(format string, args ...any) error {
	return fmt.Errorf("ops: "+format+": %w", append(args, ErrIndexOutOfRange)...)
}

// DefaultMaxElements bounds a single kernel allocation at 1 GiB of float32.
const DefaultMaxElements int64 = 1 << 28

// maxElements caps every output and scratch buffer a kernel allocates.
// A runtime that cannot satisfy make() aborts the process, so oversized
// shapes are refused up front. Values <= 0 leave only the overflow check.
var maxElements atomic.Int64

func init() {
	maxElements.Store(DefaultMaxElements)
}

// SetMaxElements sets the per-allocation element budget. n <= 0 removes it.
func SetMaxElements(n int64) {
	maxElements.Store(max(n, 0))
}

// MaxElements reports the current budget (0 = unbounded).
func MaxElements() int64 { return maxElements.Load() }

// allocCheck verifies that shape fits the element budget and reports the
// element count. Overflowing or over-budget shapes surface as ErrOutOfMemory.
func allocCheck(kernel string, shape []int64) (int, error) {
	n, err := tensor.ElemCount(shape)
	if err != nil {
		if errors.Is(err, tensor.ErrTooLarge) {
			return 0, fmt.Errorf("ops: %s cannot allocate %v: %w", kernel, shape, ErrOutOfMemory)
		}

		return 0, fmt.Errorf("ops: %s shape %v: %v: %w", kernel, shape, err, ErrInvalidShape)
	}

	if limit := maxElements.Load(); limit > 0 && int64(n) > limit {
		return 0, fmt.Errorf("ops: %s shape %v needs %d elements, budget is %d: %w", kernel, shape, n, limit, ErrOutOfMemory)
	}

	return n, nil
}

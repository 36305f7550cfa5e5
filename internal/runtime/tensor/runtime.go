package tensor

import (
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// linearWorkers caps the goroutines Linear fans its output rows across.
// It starts at 1, so a fresh process computes everything on the caller.
var linearWorkers atomic.Int32

func init() {
	linearWorkers.Store(1)
}

// SetWorkers changes the Linear fan-out. Anything below 1 is stored as 1.
func SetWorkers(n int) {
	switch {
	case n < 1:
		n = 1
	case int64(n) > int64(^uint32(0)>>1):
		n = int(^uint32(0) >> 1)
	}

	linearWorkers.Store(int32(n))
}

// Workers reports the value last stored by SetWorkers.
func Workers() int {
	return getWorkers()
}

func getWorkers() int {
	return max(int(linearWorkers.Load()), 1)
}

// minParallelWork keeps tiny products on the calling goroutine.
const minParallelWork = 256

// parallelFor runs fn over contiguous, disjoint slices of [0, n).
func parallelFor(n, maxWorkers int, fn func(lo, hi int)) {
	if n <= 0 {
		return
	}

	if maxWorkers <= 1 || n < minParallelWork {
		fn(0, n)
		return
	}

	parts := min(maxWorkers, n)
	step := (n + parts - 1) / parts

	var g errgroup.Group
	g.SetLimit(parts)

	for start := 0; start < n; start += step {
		end := min(start+step, n)

		g.Go(func() error {
			fn(start, end)
			return nil
		})
	}

	_ = g.Wait()
}

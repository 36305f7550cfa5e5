package ops

import (
	"math/bits"
	"sync"
	"sync/atomic"
)

// convWorkers bounds the goroutines Conv2D and ConvTranspose2D split their
// filter or output-position loops across. 0 or 1 runs sequentially (default).
// Parallel runs produce the same bits as sequential ones.
//
// Set via SetConvWorkers, wired to runtime.conv_workers.
var convWorkers atomic.Int32

// SetConvWorkers sets the maximum number of goroutines used by the 2D
// convolution kernels. n <= 1 disables parallelism.
func SetConvWorkers(n int) {
	const maxInt32 = int(^uint32(0) >> 1)

	if n < 0 {
		n = 0
	}

	if n > maxInt32 {
		n = maxInt32
	}

	convWorkers.Store(int32(n))
}

// ConvWorkers reports the current setting (0 or 1 -> sequential).
func ConvWorkers() int { return getConvWorkers() }

func getConvWorkers() int { return int(convWorkers.Load()) }

// parallelFor splits [0, n) into contiguous chunks and runs fn(lo, hi)
// concurrently. workers <= 1 runs fn(0, n) on the caller.
func parallelFor(n, workers int, fn func(lo, hi int)) {
	if workers <= 1 || n <= 1 {
		fn(0, n)
		return
	}

	if workers > n {
		workers = n
	}
	var wg sync.WaitGroup

	chunk := (n + workers - 1) / workers
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)

		wg.Add(1)

		go func(lo, hi int) {
			defer wg.Done()

			fn(lo, hi)
		}(lo, hi)
	}

	wg.Wait()
}

// scratchPools hold the padded images, dilated kernels and im2col rows that
// live only for one kernel call. Class k holds buffers of 2^(k+minScratchBits)
// floats; requests above the largest class bypass the pool.
const (
	minScratchBits = 10
	maxScratchBits = 26
)

var scratchPools [maxScratchBits - minScratchBits + 1]sync.Pool

// getScratch returns a zeroed []float32 of exactly n elements.
// Pair every call with putScratch.
func getScratch(n int) []float32 {
	cls, ok := scratchClass(n)
	if !ok {
		return make([]float32, n)
	}

	if buf, hit := scratchPools[cls].Get().([]float32); hit {
		buf = buf[:n]
		clear(buf)

		return buf
	}

	return make([]float32, 1<<(cls+minScratchBits))[:n]
}

// putScratch hands buf back to its class. Buffers that did not come from a
// pool class are left to the GC.
func putScratch(buf []float32) {
	c := cap(buf)

	cls, ok := scratchClass(c)
	if !ok || 1<<(cls+minScratchBits) != c {
		return
	}

	scratchPools[cls].Put(buf[:c])
}

// scratchClass maps n to the smallest class holding n floats.
func scratchClass(n int) (int, bool) {
	if n <= 1<<minScratchBits {
		return 0, true
	}

	b := bits.Len(uint(n - 1))
	if b > maxScratchBits {
		return 0, false
	}

	return b - minScratchBits, true
}

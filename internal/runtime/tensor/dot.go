package tensor

// dotF32 computes the dot product of two equal-length float32 slices,
// accumulating left to right in float32. Each product is rounded before the
// add so the compiler cannot fuse it into an FMA.
func dotF32(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += float32(a[i] * b[i])
	}

	return sum
}

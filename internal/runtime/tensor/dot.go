package tensor

// DotProduct returns the dot product of a and b over their common length.
func DotProduct(a, b []float32) float32 {
	n := min(len(a), len(b))
	if n == 0 {
		return 0
	}

	return dotF32(a[:n], b[:n])
}

// dotF32 accumulates into four independent lanes so the loop body has no
// serial dependency; len(a) must equal len(b).
func dotF32(a, b []float32) float32 {
	var s0, s1, s2, s3 float32

	n := len(a)
	b = b[:n]

	i := 0
	for ; i+4 <= n; i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}

	for ; i < n; i++ {
		s0 += a[i] * b[i]
	}

	return (s0 + s1) + (s2 + s3)
}

// Axpy computes dst += alpha * src element-wise.
// If src and dst lengths differ, the shorter length is used.
func Axpy(dst []float32, alpha float32, src []float32) {
	n := min(len(dst), len(src))
	if n == 0 || alpha == 0 {
		return
	}

	dst = dst[:n]
	src = src[:n]

	for i := range dst {
		dst[i] += alpha * src[i]
	}
}

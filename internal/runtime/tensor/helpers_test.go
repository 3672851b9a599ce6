package tensor

import (
	"math"
	"testing"
)

func equalI64(a, b []int64) bool {
	return sameShape(a, b)
}

func equalF32(a, b []float32, tol float64) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if math.Abs(float64(a[i]-b[i])) > tol {
			return false
		}
	}

	return true
}

func mustNew(t *testing.T, data []float32, shape ...int64) *Tensor {
	t.Helper()

	out, err := New(data, shape)
	if err != nil {
		t.Fatalf("New(%v, %v): %v", data, shape, err)
	}

	return out
}

func rampData(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i)
	}

	return out
}

package ops

import (
	"math"
	"strings"
	"testing"

	"github.com/example/go-moshi/internal/runtime/tensor"
)

// seqDataT is a deterministic ramp in [-8/17, 8/17] that repeats every 17
// values, so conv and attention inputs are not symmetric.
func seqDataT(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32((i%17)-8) / 17
	}

	return out
}

// equalApprox compares element-wise. tol is absolute below magnitude 1 and
// relative above it, so large accumulations get the same slack as small ones.
func equalApprox(got, want []float32, tol float64) bool {
	if len(got) != len(want) {
		return false
	}

	for i, w := range want {
		scale := max(1, math.Abs(float64(w)))
		if math.Abs(float64(got[i]-w)) > tol*scale {
			return false
		}
	}

	return true
}

func mustTensorT(t *testing.T, data []float32, shape []int64) *tensor.Tensor {
	t.Helper()

	out, err := tensor.New(data, shape)
	if err != nil {
		t.Fatalf("tensor.New(shape=%v): %v", shape, err)
	}

	return out
}

func assertErrContains(t *testing.T, err error, substr string) {
	t.Helper()

	switch {
	case err == nil:
		t.Fatalf("err = nil, want error containing %q", substr)
	case !strings.Contains(err.Error(), substr):
		t.Fatalf("err = %q, want it to contain %q", err, substr)
	}
}

package stream

import (
	"math"
	"testing"

	"github.com/example/go-moshi/internal/runtime/tensor"
)

func seqDataT(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(math.Sin(float64(i)*0.37)) + float32(i%5)/10
	}

	return out
}

func mustTensorT(t *testing.T, data []float32, shape ...int64) *tensor.Tensor {
	t.Helper()

	out, err := tensor.New(data, shape)
	if err != nil {
		t.Fatalf("tensor.New(%v): %v", shape, err)
	}

	return out
}

func equalApprox(got, want []float32, tol float64) bool {
	if len(got) != len(want) {
		return false
	}

	for i := range got {
		if math.Abs(float64(got[i]-want[i])) > tol {
			return false
		}
	}

	return true
}

// stepper is satisfied by every streaming layer in this package.
type stepper interface {
	Step(Chunk) (Chunk, error)
	Reset()
}

// runChunked feeds x [1, C, L] through s in chunks of the given sizes
// (cycled) and concatenates the outputs along time.
func runChunked(t *testing.T, s stepper, x *tensor.Tensor, sizes []int) *tensor.Tensor {
	t.Helper()

	s.Reset()

	length := int(x.Dim(-1))
	acc := Empty()

	for pos, i := 0, 0; pos < length; i++ {
		n := min(sizes[i%len(sizes)], length-pos)

		part, err := x.Narrow(-1, int64(pos), int64(n))
		if err != nil {
			t.Fatalf("narrow: %v", err)
		}

		out, err := s.Step(Present(part))
		if err != nil {
			t.Fatalf("step: %v", err)
		}

		if acc, err = Cat(acc, out, -1); err != nil {
			t.Fatalf("cat: %v", err)
		}

		pos += n
	}

	return acc.Tensor()
}

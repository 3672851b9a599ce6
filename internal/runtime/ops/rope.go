package ops

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-moshi/internal/runtime/tensor"
)

// RoPE applies rotary position embeddings in interleaved-pair format to x of
// shape [..., seq, dim]. Row t is rotated for absolute position offset+t with
// frequencies maxPeriod^(-2j/dim).
func RoPE(x *tensor.Tensor, offset int64, maxPeriod float64) (*tensor.Tensor, error) {
	if x == nil {
		return nil, errors.New("ops: rope requires non-nil input")
	}

	if offset < 0 {
		return nil, errors.New("ops: rope position must be >= 0")
	}

	if x.Rank() < 2 {
		return nil, fmt.Errorf("ops: rope requires rank >= 2 input, got %d", x.Rank())
	}

	seq := int(x.Dim(-2))
	dim := int(x.Dim(-1))

	if dim%2 != 0 {
		return nil, fmt.Errorf("ops: rope last dimension must be even, got %d", dim)
	}

	half := dim / 2
	cos := make([]float32, seq*half)
	sin := make([]float32, seq*half)

	for j := range half {
		freq := math.Exp(-math.Log(maxPeriod) * float64(2*j) / float64(dim))
		for t := range seq {
			angle := float64(offset+int64(t)) * freq
			cos[t*half+j] = float32(math.Cos(angle))
			sin[t*half+j] = float32(math.Sin(angle))
		}
	}

	out := x.Clone()
	data := out.RawData()

	if seq == 0 || dim == 0 {
		return out, nil
	}

	for base := 0; base < len(data); base += seq * dim {
		for t := range seq {
			row := data[base+t*dim : base+(t+1)*dim]
			c := cos[t*half : (t+1)*half]
			s := sin[t*half : (t+1)*half]

			for j := range half {
				re, im := row[2*j], row[2*j+1]
				row[2*j] = re*c[j] - im*s[j]
				row[2*j+1] = re*s[j] + im*c[j]
			}
		}
	}

	return out, nil
}

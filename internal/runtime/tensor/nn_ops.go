package tensor

import (
	"errors"
	"fmt"
	"math"
)

// Softmax normalizes along the last dimension. Only dim == -1 (or rank-1) is
// supported; every caller in the runtime reduces over the trailing axis.
func Softmax(t *Tensor, dim int) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: softmax on nil tensor")
	}

	d, err := normalizeDim(dim, len(t.shape))
	if err != nil {
		return nil, fmt.Errorf("tensor: softmax: %w", err)
	}

	if d != len(t.shape)-1 {
		return nil, fmt.Errorf("tensor: softmax supports only the last dimension, got %d", dim)
	}

	out := t.Clone()
	width := int(t.shape[d])

	if width == 0 {
		return out, nil
	}

	for r := 0; r < len(out.data); r += width {
		SoftmaxInPlace(out.data[r : r+width])
	}

	return out, nil
}

// SoftmaxInPlace normalizes row in place. Rows that are entirely -Inf become
// all zeros.
func SoftmaxInPlace(row []float32) {
	if len(row) == 0 {
		return
	}

	maxV := float32(math.Inf(-1))
	for _, v := range row {
		if v > maxV {
			maxV = v
		}
	}

	if math.IsInf(float64(maxV), -1) {
		clear(row)
		return
	}

	var sum float64

	for i, v := range row {
		e := math.Exp(float64(v - maxV))
		row[i] = float32(e)
		sum += e
	}

	inv := float32(1 / sum)
	for i := range row {
		row[i] *= inv
	}
}

// LayerNorm normalizes over the last dimension. weight and bias are optional
// and must have shape [lastDim] when present.
func LayerNorm(x, weight, bias *Tensor, eps float32) (*Tensor, error) {
	if x == nil || len(x.shape) == 0 {
		return nil, errors.New("tensor: layer norm requires rank >= 1 input")
	}

	width := int(x.shape[len(x.shape)-1])
	if err := checkVector(weight, width, "layer norm weight"); err != nil {
		return nil, err
	}

	if err := checkVector(bias, width, "layer norm bias"); err != nil {
		return nil, err
	}

	out := x.Clone()
	if width == 0 {
		return out, nil
	}

	for r := 0; r < len(out.data); r += width {
		row := out.data[r : r+width]

		var mean float64
		for _, v := range row {
			mean += float64(v)
		}

		mean /= float64(width)

		var variance float64

		for _, v := range row {
			dv := float64(v) - mean
			variance += dv * dv
		}

		variance /= float64(width)
		inv := 1 / math.Sqrt(variance+float64(eps))

		for i, v := range row {
			y := float32((float64(v) - mean) * inv)
			if weight != nil {
				y *= weight.data[i]
			}

			if bias != nil {
				y += bias.data[i]
			}

			row[i] = y
		}
	}

	return out, nil
}

// RMSNorm scales each row of the last dimension by 1/sqrt(mean(x^2)+eps) and
// multiplies by alpha when present.
func RMSNorm(x, alpha *Tensor, eps float32) (*Tensor, error) {
	if x == nil || len(x.shape) == 0 {
		return nil, errors.New("tensor: rms norm requires rank >= 1 input")
	}

	width := int(x.shape[len(x.shape)-1])
	if err := checkVector(alpha, width, "rms norm alpha"); err != nil {
		return nil, err
	}

	out := x.Clone()
	if width == 0 {
		return out, nil
	}

	for r := 0; r < len(out.data); r += width {
		row := out.data[r : r+width]

		var ms float64
		for _, v := range row {
			ms += float64(v) * float64(v)
		}

		inv := float32(1 / math.Sqrt(ms/float64(width)+float64(eps)))

		for i := range row {
			row[i] *= inv
			if alpha != nil {
				row[i] *= alpha.data[i]
			}
		}
	}

	return out, nil
}

func checkVector(v *Tensor, width int, what string) error {
	if v == nil {
		return nil
	}

	if len(v.data) != width {
		return fmt.Errorf("tensor: %s has %d elements, want %d", what, len(v.data), width)
	}

	return nil
}

// Linear computes x @ w^T + b over the last dimension of x.
// x: [..., in], w: [out, in], b: [out] or nil.
func Linear(x, w, b *Tensor) (*Tensor, error) {
	if x == nil || w == nil {
		return nil, errors.New("tensor: linear requires non-nil input and weight")
	}

	if len(x.shape) == 0 || len(w.shape) != 2 {
		return nil, fmt.Errorf("tensor: linear requires rank >= 1 input and rank-2 weight, got %v and %v", x.shape, w.shape)
	}

	in := x.shape[len(x.shape)-1]
	if w.shape[1] != in {
		return nil, fmt.Errorf("tensor: linear input width %d does not match weight %v", in, w.shape)
	}

	outF := int(w.shape[0])
	if err := checkVector(b, outF, "linear bias"); err != nil {
		return nil, err
	}

	inI := int(in)
	rows := 1

	if inI > 0 {
		rows = len(x.data) / inI
	} else {
		for _, d := range x.shape[:len(x.shape)-1] {
			rows *= int(d)
		}
	}

	outShape := append([]int64(nil), x.shape...)
	outShape[len(outShape)-1] = int64(outF)
	out := make([]float32, rows*outF)

	linearRows := func(lo, hi int) {
		for r := range rows {
			xr := x.data[r*inI : (r+1)*inI]
			dst := out[r*outF : (r+1)*outF]

			for o := lo; o < hi; o++ {
				acc := dotF32(xr, w.data[o*inI:(o+1)*inI])
				if b != nil {
					acc += b.data[o]
				}

				dst[o] = acc
			}
		}
	}

	// Split on output features: streaming steps have a single row.
	ParallelFor(outF, Workers(), linearRows)

	return newOwned(out, outShape), nil
}

// MatMul multiplies the trailing two dimensions of a and b.
// a: [..., m, k], b: [..., k, n] with identical leading dims, or b: [k, n].
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, errors.New("tensor: matmul requires non-nil inputs")
	}

	if len(a.shape) < 2 || len(b.shape) < 2 {
		return nil, fmt.Errorf("tensor: matmul requires rank >= 2 inputs, got %v and %v", a.shape, b.shape)
	}

	ar, br := len(a.shape), len(b.shape)
	m, k := a.shape[ar-2], a.shape[ar-1]
	kb, n := b.shape[br-2], b.shape[br-1]

	if k != kb {
		return nil, fmt.Errorf("tensor: matmul inner dimension mismatch %v x %v", a.shape, b.shape)
	}

	shared := br == 2
	if !shared {
		if ar != br {
			return nil, fmt.Errorf("tensor: matmul rank mismatch %v x %v", a.shape, b.shape)
		}

		for i := range ar - 2 {
			if a.shape[i] != b.shape[i] {
				return nil, fmt.Errorf("tensor: matmul batch mismatch %v x %v", a.shape, b.shape)
			}
		}
	}

	batch := int64(1)
	for _, d := range a.shape[:ar-2] {
		batch *= d
	}

	outShape := append([]int64(nil), a.shape[:ar-2]...)
	outShape = append(outShape, m, n)
	out := make([]float32, batch*m*n)

	mi, ki, ni := int(m), int(k), int(n)

	ParallelFor(int(batch), Workers(), func(lo, hi int) {
		for bi := lo; bi < hi; bi++ {
			aBase := bi * mi * ki
			bBase := bi * ki * ni

			if shared {
				bBase = 0
			}

			oBase := bi * mi * ni

			for i := range mi {
				dst := out[oBase+i*ni : oBase+(i+1)*ni]
				for p := range ki {
					Axpy(dst, a.data[aBase+i*ki+p], b.data[bBase+p*ni:bBase+(p+1)*ni])
				}
			}
		}
	})

	return newOwned(out, outShape), nil
}

// Argmax returns the index of the largest value; ties resolve to the lowest
// index. An empty slice yields -1.
func Argmax(values []float32) int {
	best := -1

	var bestV float32

	for i, v := range values {
		if best < 0 || v > bestV {
			best = i
			bestV = v
		}
	}

	return best
}

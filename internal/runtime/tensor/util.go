package tensor

import (
	"fmt"
	"math"
)

func shapeElemCount(shape []int64) (int, error) {
	total := int64(1)

	for i, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("tensor: shape %v has negative dimension at %d", shape, i)
		}

		if d != 0 && total > math.MaxInt64/d {
			return 0, fmt.Errorf("tensor: shape %v too large", shape)
		}

		total *= d
	}

	if total > int64(^uint(0)>>1) {
		return 0, fmt.Errorf("tensor: shape %v exceeds platform int size", shape)
	}

	return int(total), nil
}

// inferShape resolves a single -1 entry against elems.
func inferShape(shape []int64, elems int) ([]int64, error) {
	out := append([]int64(nil), shape...)
	infer := -1
	known := int64(1)

	for i, d := range out {
		switch {
		case d == -1:
			if infer >= 0 {
				return nil, fmt.Errorf("tensor: shape %v has more than one -1", shape)
			}

			infer = i
		case d < 0:
			return nil, fmt.Errorf("tensor: shape %v has negative dimension at %d", shape, i)
		default:
			known *= d
		}
	}

	if infer < 0 {
		return out, nil
	}

	if known == 0 || int64(elems)%known != 0 {
		return nil, fmt.Errorf("tensor: cannot infer -1 in %v for %d elements", shape, elems)
	}

	out[infer] = int64(elems) / known

	return out, nil
}

func normalizeDim(dim, rank int) (int, error) {
	if rank < 0 {
		return 0, fmt.Errorf("invalid rank %d", rank)
	}

	if dim < 0 {
		dim += rank
	}

	if dim < 0 || dim >= rank {
		return 0, fmt.Errorf("dim %d out of range for rank %d", dim, rank)
	}

	return dim, nil
}

// outerInner returns the element counts before and after dim.
func outerInner(shape []int64, dim int) (int64, int64) {
	outer := int64(1)
	for i := range dim {
		outer *= shape[i]
	}

	inner := int64(1)
	for i := dim + 1; i < len(shape); i++ {
		inner *= shape[i]
	}

	return outer, inner
}

func computeStrides(shape []int64) []int64 {
	if len(shape) == 0 {
		return nil
	}

	strides := make([]int64, len(shape))

	stride := int64(1)
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}

	return strides
}

func linearToCoord(linear int64, shape, strides, out []int64) {
	for i := range shape {
		if shape[i] == 0 {
			out[i] = 0
			continue
		}

		out[i] = (linear / strides[i]) % shape[i]
	}
}

func coordToLinear(coord, strides []int64) int64 {
	var off int64
	for i, c := range coord {
		off += c * strides[i]
	}

	return off
}

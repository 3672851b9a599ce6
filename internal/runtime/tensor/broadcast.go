package tensor

import "fmt"

// BroadcastAdd returns a + b with numpy-style broadcasting.
func BroadcastAdd(a, b *Tensor) (*Tensor, error) {
	return broadcastBinary(a, b, "add", func(x, y float32) float32 { return x + y })
}

// BroadcastSub returns a - b with numpy-style broadcasting.
func BroadcastSub(a, b *Tensor) (*Tensor, error) {
	return broadcastBinary(a, b, "sub", func(x, y float32) float32 { return x - y })
}

// BroadcastMul returns a * b with numpy-style broadcasting.
func BroadcastMul(a, b *Tensor) (*Tensor, error) {
	return broadcastBinary(a, b, "mul", func(x, y float32) float32 { return x * y })
}

// BroadcastDiv returns a / b with numpy-style broadcasting.
func BroadcastDiv(a, b *Tensor) (*Tensor, error) {
	return broadcastBinary(a, b, "div", func(x, y float32) float32 { return x / y })
}

// Scale returns t * s.
func Scale(t *Tensor, s float32) *Tensor {
	out := t.Clone()
	for i := range out.data {
		out.data[i] *= s
	}

	return out
}

// Map returns a tensor with fn applied element-wise.
func Map(t *Tensor, fn func(float32) float32) *Tensor {
	out := t.Clone()
	for i, v := range out.data {
		out.data[i] = fn(v)
	}

	return out
}

func broadcastBinary(a, b *Tensor, name string, fn func(x, y float32) float32) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("tensor: broadcast %s requires non-nil inputs", name)
	}

	if sameShape(a.shape, b.shape) {
		out := make([]float32, len(a.data))
		for i := range out {
			out[i] = fn(a.data[i], b.data[i])
		}

		return newOwned(out, append([]int64(nil), a.shape...)), nil
	}

	outShape, err := broadcastShape(a.shape, b.shape)
	if err != nil {
		return nil, fmt.Errorf("tensor: broadcast %s: %w", name, err)
	}

	total, err := shapeElemCount(outShape)
	if err != nil {
		return nil, err
	}

	rank := len(outShape)
	aStrides := broadcastStrides(a.shape, rank)
	bStrides := broadcastStrides(b.shape, rank)
	outStrides := computeStrides(outShape)
	coord := make([]int64, rank)
	out := make([]float32, total)

	for i := range out {
		linearToCoord(int64(i), outShape, outStrides, coord)
		out[i] = fn(a.data[coordToLinear(coord, aStrides)], b.data[coordToLinear(coord, bStrides)])
	}

	return newOwned(out, outShape), nil
}

func sameShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

func broadcastShape(a, b []int64) ([]int64, error) {
	rank := max(len(a), len(b))
	out := make([]int64, rank)

	for i := range rank {
		da := dimFromRight(a, rank-1-i)
		db := dimFromRight(b, rank-1-i)

		switch {
		case da == db:
			out[i] = da
		case da == 1:
			out[i] = db
		case db == 1:
			out[i] = da
		default:
			return nil, fmt.Errorf("incompatible shapes %v and %v", a, b)
		}
	}

	return out, nil
}

// dimFromRight returns shape[len-1-k], or 1 when the axis does not exist.
func dimFromRight(shape []int64, k int) int64 {
	idx := len(shape) - 1 - k
	if idx < 0 {
		return 1
	}

	return shape[idx]
}

// broadcastStrides returns strides aligned to rank with zero stride on
// broadcast axes.
func broadcastStrides(shape []int64, rank int) []int64 {
	own := computeStrides(shape)
	out := make([]int64, rank)
	offset := rank - len(shape)

	for i := range shape {
		if shape[i] != 1 {
			out[offset+i] = own[i]
		}
	}

	return out
}

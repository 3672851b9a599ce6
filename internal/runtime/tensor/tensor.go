// Package tensor implements the dense float32 tensor used by the native
// streaming runtime. Tensors are row-major and immutable from the caller's
// point of view: every operation returns a fresh tensor unless documented
// otherwise.
package tensor

import (
	"errors"
	"fmt"
)

// Tensor is a dense, row-major float32 tensor.
type Tensor struct {
	shape []int64
	data  []float32
}

// New creates a tensor from data and shape. Both slices are copied.
func New(data []float32, shape []int64) (*Tensor, error) {
	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	if len(data) != total {
		return nil, fmt.Errorf("tensor: data length %d does not match shape %v (%d elements)", len(data), shape, total)
	}

	s := append([]int64(nil), shape...)
	d := append([]float32(nil), data...)

	return &Tensor{shape: s, data: d}, nil
}

// FromOwned creates a tensor that takes ownership of data. The caller must not
// modify data afterwards.
func FromOwned(data []float32, shape []int64) (*Tensor, error) {
	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	if len(data) != total {
		return nil, fmt.Errorf("tensor: data length %d does not match shape %v (%d elements)", len(data), shape, total)
	}

	return &Tensor{shape: append([]int64(nil), shape...), data: data}, nil
}

// newOwned skips validation; len(data) must match shape.
func newOwned(data []float32, shape []int64) *Tensor {
	return &Tensor{shape: shape, data: data}
}

// Zeros creates a zero-initialized tensor.
func Zeros(shape []int64) (*Tensor, error) {
	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	return &Tensor{
		shape: append([]int64(nil), shape...),
		data:  make([]float32, total),
	}, nil
}

// Full creates a tensor filled with value.
func Full(shape []int64, value float32) (*Tensor, error) {
	t, err := Zeros(shape)
	if err != nil {
		return nil, err
	}

	for i := range t.data {
		t.data[i] = value
	}

	return t, nil
}

func (t *Tensor) Shape() []int64 {
	if t == nil {
		return nil
	}

	return append([]int64(nil), t.shape...)
}

// Dim returns the size of dimension dim. Negative dims count from the end.
func (t *Tensor) Dim(dim int) int64 {
	if t == nil {
		return 0
	}

	d, err := normalizeDim(dim, len(t.shape))
	if err != nil {
		return 0
	}

	return t.shape[d]
}

// Data returns a copy of the underlying tensor data.
func (t *Tensor) Data() []float32 {
	if t == nil {
		return nil
	}

	return append([]float32(nil), t.data...)
}

// RawData returns the underlying data slice.
// Callers must treat it as read-only unless they own the tensor.
func (t *Tensor) RawData() []float32 {
	if t == nil {
		return nil
	}

	return t.data
}

func (t *Tensor) ElemCount() int {
	if t == nil {
		return 0
	}

	return len(t.data)
}

func (t *Tensor) Rank() int {
	if t == nil {
		return 0
	}

	return len(t.shape)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}

	return &Tensor{
		shape: append([]int64(nil), t.shape...),
		data:  append([]float32(nil), t.data...),
	}
}

// Reshape returns a copy of t with a new shape. A single -1 entry is inferred.
func (t *Tensor) Reshape(shape []int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: reshape on nil tensor")
	}

	shape, err := inferShape(shape, len(t.data))
	if err != nil {
		return nil, err
	}

	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	if total != len(t.data) {
		return nil, fmt.Errorf("tensor: cannot reshape %v (%d elements) to %v (%d elements)", t.shape, len(t.data), shape, total)
	}

	return &Tensor{shape: shape, data: append([]float32(nil), t.data...)}, nil
}

// Narrow slices the tensor along a single dimension.
func (t *Tensor) Narrow(dim int, start, length int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: narrow on nil tensor")
	}

	dim, err := normalizeDim(dim, len(t.shape))
	if err != nil {
		return nil, fmt.Errorf("tensor: narrow: %w", err)
	}

	if start < 0 || length < 0 || start+length > t.shape[dim] {
		return nil, fmt.Errorf("tensor: narrow: range [%d:%d] out of bounds for dim %d size %d", start, start+length, dim, t.shape[dim])
	}

	outShape := append([]int64(nil), t.shape...)
	outShape[dim] = length

	outer, inner := outerInner(t.shape, dim)
	size := t.shape[dim]
	out := make([]float32, outer*length*inner)

	span := length * inner
	for o := range outer {
		src := o*size*inner + start*inner
		copy(out[o*span:(o+1)*span], t.data[src:src+span])
	}

	return newOwned(out, outShape), nil
}

// Gather gathers indices along dim.
func (t *Tensor) Gather(dim int, indices []int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: gather on nil tensor")
	}

	if len(indices) == 0 {
		return nil, errors.New("tensor: gather requires at least one index")
	}

	dim, err := normalizeDim(dim, len(t.shape))
	if err != nil {
		return nil, fmt.Errorf("tensor: gather: %w", err)
	}

	size := t.shape[dim]
	for i, idx := range indices {
		if idx < 0 || idx >= size {
			return nil, fmt.Errorf("tensor: gather index %d (%d) out of range for dim %d size %d", i, idx, dim, size)
		}
	}

	outShape := append([]int64(nil), t.shape...)
	outShape[dim] = int64(len(indices))

	outer, inner := outerInner(t.shape, dim)
	n := int64(len(indices))
	out := make([]float32, outer*n*inner)

	for o := range outer {
		for j, idx := range indices {
			src := (o*size + idx) * inner
			dst := (o*n + int64(j)) * inner
			copy(out[dst:dst+inner], t.data[src:src+inner])
		}
	}

	return newOwned(out, outShape), nil
}

// Transpose swaps dim1 and dim2.
func (t *Tensor) Transpose(dim1, dim2 int) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: transpose on nil tensor")
	}

	rank := len(t.shape)

	d1, err := normalizeDim(dim1, rank)
	if err != nil {
		return nil, fmt.Errorf("tensor: transpose dim1: %w", err)
	}

	d2, err := normalizeDim(dim2, rank)
	if err != nil {
		return nil, fmt.Errorf("tensor: transpose dim2: %w", err)
	}

	if d1 == d2 {
		return t.Clone(), nil
	}

	outShape := append([]int64(nil), t.shape...)
	outShape[d1], outShape[d2] = outShape[d2], outShape[d1]

	out := make([]float32, len(t.data))
	srcStrides := computeStrides(t.shape)
	outStrides := computeStrides(outShape)
	outCoord := make([]int64, rank)
	srcCoord := make([]int64, rank)

	for i := range out {
		linearToCoord(int64(i), outShape, outStrides, outCoord)
		copy(srcCoord, outCoord)
		srcCoord[d1], srcCoord[d2] = outCoord[d2], outCoord[d1]
		out[i] = t.data[coordToLinear(srcCoord, srcStrides)]
	}

	return newOwned(out, outShape), nil
}

// Concat concatenates tensors along dim.
func Concat(tensors []*Tensor, dim int) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, errors.New("tensor: concat requires at least one tensor")
	}

	first := tensors[0]
	if first == nil {
		return nil, errors.New("tensor: concat tensor 0 is nil")
	}

	rank := len(first.shape)

	dim, err := normalizeDim(dim, rank)
	if err != nil {
		return nil, fmt.Errorf("tensor: concat: %w", err)
	}

	outShape := append([]int64(nil), first.shape...)
	outShape[dim] = 0

	for i, t := range tensors {
		if t == nil {
			return nil, fmt.Errorf("tensor: concat tensor %d is nil", i)
		}

		if len(t.shape) != rank {
			return nil, fmt.Errorf("tensor: concat tensor %d rank %d does not match rank %d", i, len(t.shape), rank)
		}

		for d := range rank {
			if d != dim && t.shape[d] != first.shape[d] {
				return nil, fmt.Errorf("tensor: concat tensor %d shape %v does not match base shape %v on dim %d", i, t.shape, first.shape, d)
			}
		}

		outShape[dim] += t.shape[dim]
	}

	total, err := shapeElemCount(outShape)
	if err != nil {
		return nil, err
	}

	out := make([]float32, total)
	outer, inner := outerInner(outShape, dim)
	outDim := outShape[dim]

	for o := range outer {
		writePos := int64(0)

		for _, t := range tensors {
			span := t.shape[dim] * inner
			srcBase := o * span
			dstBase := o*outDim*inner + writePos
			copy(out[dstBase:dstBase+span], t.data[srcBase:srcBase+span])
			writePos += span
		}
	}

	return newOwned(out, outShape), nil
}

// Split cuts t into two tensors along dim at index at.
func Split(t *Tensor, dim int, at int64) (*Tensor, *Tensor, error) {
	if t == nil {
		return nil, nil, errors.New("tensor: split on nil tensor")
	}

	d, err := normalizeDim(dim, len(t.shape))
	if err != nil {
		return nil, nil, fmt.Errorf("tensor: split: %w", err)
	}

	if at < 0 || at > t.shape[d] {
		return nil, nil, fmt.Errorf("tensor: split index %d out of range for dim %d size %d", at, d, t.shape[d])
	}

	lhs, err := t.Narrow(d, 0, at)
	if err != nil {
		return nil, nil, err
	}

	rhs, err := t.Narrow(d, at, t.shape[d]-at)
	if err != nil {
		return nil, nil, err
	}

	return lhs, rhs, nil
}

// Pad1D pads the last dimension with left and right zeros.
func Pad1D(t *Tensor, left, right int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: pad on nil tensor")
	}

	if t.Rank() < 1 {
		return nil, errors.New("tensor: pad requires rank >= 1")
	}

	if left < 0 || right < 0 {
		return nil, fmt.Errorf("tensor: pad amounts must be >= 0, got %d and %d", left, right)
	}

	length := t.shape[len(t.shape)-1]
	outLen := left + length + right
	rows := int64(1)
	for _, d := range t.shape[:len(t.shape)-1] {
		rows *= d
	}

	outShape := append([]int64(nil), t.shape...)
	outShape[len(outShape)-1] = outLen

	out := make([]float32, rows*outLen)
	for r := range rows {
		copy(out[r*outLen+left:r*outLen+left+length], t.data[r*length:(r+1)*length])
	}

	return newOwned(out, outShape), nil
}

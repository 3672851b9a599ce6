// Package stream holds the streaming primitives of the codec: a possibly
// empty chunk of frames, element-wise ops that align two streams running at
// different lags, and causal (transposed) convolutions that keep just enough
// state to make chunked processing equal whole-sequence processing.
package stream

import (
	"fmt"

	"github.com/example/go-moshi/internal/runtime/tensor"
)

// Chunk is either empty or holds a tensor with a time axis. Empty chunks are
// the identity for Cat and carry no shape.
type Chunk struct {
	t *tensor.Tensor
}

// Empty returns the empty chunk.
func Empty() Chunk { return Chunk{} }

// Present wraps t. A nil tensor yields the empty chunk.
func Present(t *tensor.Tensor) Chunk { return Chunk{t: t} }

func (c Chunk) IsEmpty() bool { return c.t == nil }

// Tensor returns the wrapped tensor, nil when empty.
func (c Chunk) Tensor() *tensor.Tensor { return c.t }

// Len returns the size along dim, 0 for the empty chunk.
func (c Chunk) Len(dim int) int {
	if c.t == nil {
		return 0
	}

	return int(c.t.Dim(dim))
}

func (c Chunk) String() string {
	if c.t == nil {
		return "Chunk(empty)"
	}

	return fmt.Sprintf("Chunk(%v)", c.t.Shape())
}

// Cat concatenates a and b along dim; an empty side is the identity.
func Cat(a, b Chunk, dim int) (Chunk, error) {
	switch {
	case a.IsEmpty():
		return b, nil
	case b.IsEmpty():
		return a, nil
	}

	t, err := tensor.Concat([]*tensor.Tensor{a.t, b.t}, dim)
	if err != nil {
		return Chunk{}, fmt.Errorf("stream: cat: %w", err)
	}

	return Present(t), nil
}

// Split cuts c into a prefix of min(k, len) frames and the remainder. A
// zero-length side is returned as the empty chunk.
func Split(c Chunk, k, dim int) (Chunk, Chunk, error) {
	if c.IsEmpty() {
		return Empty(), Empty(), nil
	}

	n := c.Len(dim)
	k = max(min(k, n), 0)

	switch k {
	case 0:
		return Empty(), c, nil
	case n:
		return c, Empty(), nil
	}

	lhs, rhs, err := tensor.Split(c.t, dim, int64(k))
	if err != nil {
		return Chunk{}, Chunk{}, fmt.Errorf("stream: split: %w", err)
	}

	return Present(lhs), Present(rhs), nil
}

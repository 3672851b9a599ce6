package stream

import (
	"fmt"

	"github.com/example/go-moshi/internal/runtime/tensor"
)

// BinOp is an element-wise tensor operation.
type BinOp int

const (
	Add BinOp = iota
	Sub
	Mul
	Div
)

func (op BinOp) String() string {
	switch op {
	case Add:
		return "add"
	case Sub:
		return "sub"
	case Mul:
		return "mul"
	case Div:
		return "div"
	default:
		return fmt.Sprintf("BinOp(%d)", int(op))
	}
}

func (op BinOp) apply(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	switch op {
	case Add:
		return tensor.BroadcastAdd(a, b)
	case Sub:
		return tensor.BroadcastSub(a, b)
	case Mul:
		return tensor.BroadcastMul(a, b)
	case Div:
		return tensor.BroadcastDiv(a, b)
	default:
		return nil, fmt.Errorf("stream: unknown op %d", int(op))
	}
}

// StreamingBinOp combines two streams whose chunks may arrive with different
// lengths. Frames without a partner are held back until the other side
// catches up, so the output is the op over the longest common prefix.
type StreamingBinOp struct {
	op      BinOp
	dim     int
	prevLHS Chunk
	prevRHS Chunk
}

func NewStreamingBinOp(op BinOp, dim int) *StreamingBinOp {
	return &StreamingBinOp{op: op, dim: dim}
}

// Step consumes one chunk from each side and returns the aligned result.
func (s *StreamingBinOp) Step(lhs, rhs Chunk) (Chunk, error) {
	lhs, err := Cat(s.prevLHS, lhs, s.dim)
	if err != nil {
		return Chunk{}, err
	}

	rhs, err = Cat(s.prevRHS, rhs, s.dim)
	if err != nil {
		return Chunk{}, err
	}

	common := min(lhs.Len(s.dim), rhs.Len(s.dim))

	if lhs, s.prevLHS, err = Split(lhs, common, s.dim); err != nil {
		return Chunk{}, err
	}

	if rhs, s.prevRHS, err = Split(rhs, common, s.dim); err != nil {
		return Chunk{}, err
	}

	switch {
	case lhs.IsEmpty() && rhs.IsEmpty():
		return Empty(), nil
	case lhs.IsEmpty() != rhs.IsEmpty():
		// Splitting both sides at the same length cannot leave one side empty.
		panic(fmt.Sprintf("stream: internal error: %s presence mismatch lhs=%v rhs=%v", s.op, lhs, rhs))
	}

	out, err := s.op.apply(lhs.t, rhs.t)
	if err != nil {
		return Chunk{}, fmt.Errorf("stream: %s: %w", s.op, err)
	}

	return Present(out), nil
}

// Reset drops held-back frames.
func (s *StreamingBinOp) Reset() {
	s.prevLHS = Empty()
	s.prevRHS = Empty()
}

// Pending returns the number of held-back frames on each side.
func (s *StreamingBinOp) Pending() (lhs, rhs int) {
	return s.prevLHS.Len(s.dim), s.prevRHS.Len(s.dim)
}

package quant

import (
	"errors"
	"fmt"

	"github.com/example/go-moshi/internal/nn"
	"github.com/example/go-moshi/internal/runtime/ops"
	"github.com/example/go-moshi/internal/runtime/tensor"
)

// ResidualVectorQuantizer quantizes [1, D, T] frames with a stack of
// codebooks, each coding the residual left by the previous ones. Optional
// 1x1 conv projections map between the model dimension and the codebook
// dimension.
type ResidualVectorQuantizer struct {
	inputProj  *tensor.Tensor // [dim, D, 1] or nil
	outputProj *tensor.Tensor // [D, dim, 1] or nil
	layers     []*EuclideanCodebook
}

func NewResidualVectorQuantizer(inputProj, outputProj *tensor.Tensor, layers []*EuclideanCodebook) (*ResidualVectorQuantizer, error) {
	if len(layers) == 0 {
		return nil, errors.New("quant: residual quantizer needs at least one codebook")
	}

	return &ResidualVectorQuantizer{inputProj: inputProj, outputProj: outputProj, layers: layers}, nil
}

// RVQConfig sizes a quantizer group.
type RVQConfig struct {
	Dimension     int64 // model side
	CodebookDim   int64
	Bins          int64
	NumCodebooks  int
	WithInputProj bool
}

// LoadResidualVectorQuantizer reads "input_proj", "output_proj" and
// "vq.layers.N" under vb.
func LoadResidualVectorQuantizer(vb *nn.VarBuilder, cfg RVQConfig) (*ResidualVectorQuantizer, error) {
	var inProj, outProj *tensor.Tensor

	if cfg.WithInputProj {
		var err error

		if inProj, err = vb.ConvWeight("input_proj.weight", cfg.CodebookDim, cfg.Dimension, 1); err != nil {
			return nil, err
		}

		if outProj, err = vb.ConvWeight("output_proj.weight", cfg.Dimension, cfg.CodebookDim, 1); err != nil {
			return nil, err
		}
	}

	layers := make([]*EuclideanCodebook, cfg.NumCodebooks)
	for i := range layers {
		cb, err := LoadEuclideanCodebook(vb.Path("vq", "layers", i), cfg.Bins, cfg.CodebookDim)
		if err != nil {
			return nil, fmt.Errorf("quant: codebook %d: %w", i, err)
		}

		layers[i] = cb
	}

	return NewResidualVectorQuantizer(inProj, outProj, layers)
}

// NumCodebooks returns the number of layers.
func (q *ResidualVectorQuantizer) NumCodebooks() int { return len(q.layers) }

// Encode quantizes x [1, D, T] and returns codes [nQ][T].
func (q *ResidualVectorQuantizer) Encode(x *tensor.Tensor, nQ int) ([][]int, error) {
	if nQ <= 0 || nQ > len(q.layers) {
		nQ = len(q.layers)
	}

	if q.inputProj != nil {
		var err error
		if x, err = ops.Conv1D(x, q.inputProj, nil, ops.ConvParams{}); err != nil {
			return nil, fmt.Errorf("quant: input projection: %w", err)
		}
	}

	residual, err := x.Transpose(1, 2) // [1, T, dim]
	if err != nil {
		return nil, err
	}

	residual, err = residual.Reshape([]int64{residual.Dim(1), residual.Dim(2)})
	if err != nil {
		return nil, err
	}

	codes := make([][]int, nQ)

	for i, layer := range q.layers[:nQ] {
		ids, err := layer.Encode(residual)
		if err != nil {
			return nil, fmt.Errorf("quant: layer %d: %w", i, err)
		}

		codes[i] = ids

		if i == nQ-1 {
			break
		}

		quantized, err := layer.Decode(ids)
		if err != nil {
			return nil, err
		}

		if residual, err = tensor.BroadcastSub(residual, quantized); err != nil {
			return nil, err
		}
	}

	return codes, nil
}

// Decode sums the centroids of codes [nQ][T] and returns [1, D, T].
func (q *ResidualVectorQuantizer) Decode(codes [][]int) (*tensor.Tensor, error) {
	if len(codes) == 0 || len(codes) > len(q.layers) {
		return nil, fmt.Errorf("quant: decode got %d codebooks, have %d", len(codes), len(q.layers))
	}

	steps := len(codes[0])

	var sum *tensor.Tensor

	for i, ids := range codes {
		if len(ids) != steps {
			return nil, fmt.Errorf("quant: codebook %d has %d steps, want %d", i, len(ids), steps)
		}

		part, err := q.layers[i].Decode(ids)
		if err != nil {
			return nil, fmt.Errorf("quant: layer %d: %w", i, err)
		}

		if sum == nil {
			sum = part
		} else if sum, err = tensor.BroadcastAdd(sum, part); err != nil {
			return nil, err
		}
	}

	out, err := sum.Transpose(0, 1) // [dim, T]
	if err != nil {
		return nil, err
	}

	if out, err = out.Reshape([]int64{1, out.Dim(0), out.Dim(1)}); err != nil {
		return nil, err
	}

	if q.outputProj != nil {
		if out, err = ops.Conv1D(out, q.outputProj, nil, ops.ConvParams{}); err != nil {
			return nil, fmt.Errorf("quant: output projection: %w", err)
		}
	}

	return out, nil
}

// SplitResidualVectorQuantizer keeps the first (semantic) codebook in its own
// group. Both groups quantize the same input independently; their codes are
// concatenated and their decodes summed.
type SplitResidualVectorQuantizer struct {
	first *ResidualVectorQuantizer
	rest  *ResidualVectorQuantizer
	nQ    int
}

// SplitConfig sizes a split quantizer.
type SplitConfig struct {
	Dimension   int64
	CodebookDim int64
	Bins        int64
	// NumCodebooks is the number of codebooks in use; checkpoints may carry more.
	NumCodebooks int
	// MaxCodebooks is the number stored in the checkpoint.
	MaxCodebooks int
}

func NewSplitResidualVectorQuantizer(first, rest *ResidualVectorQuantizer, nQ int) (*SplitResidualVectorQuantizer, error) {
	if first == nil || first.NumCodebooks() != 1 {
		return nil, errors.New("quant: semantic group must have exactly one codebook")
	}

	if nQ < 1 || (nQ > 1 && (rest == nil || rest.NumCodebooks() < nQ-1)) {
		return nil, fmt.Errorf("quant: cannot use %d codebooks", nQ)
	}

	return &SplitResidualVectorQuantizer{first: first, rest: rest, nQ: nQ}, nil
}

// LoadSplitResidualVectorQuantizer reads "rvq_first" and "rvq_rest" under vb.
func LoadSplitResidualVectorQuantizer(vb *nn.VarBuilder, cfg SplitConfig) (*SplitResidualVectorQuantizer, error) {
	if cfg.NumCodebooks > cfg.MaxCodebooks {
		return nil, fmt.Errorf("quant: %d codebooks requested, checkpoint has %d", cfg.NumCodebooks, cfg.MaxCodebooks)
	}

	group := RVQConfig{
		Dimension:     cfg.Dimension,
		CodebookDim:   cfg.CodebookDim,
		Bins:          cfg.Bins,
		NumCodebooks:  1,
		WithInputProj: true,
	}

	first, err := LoadResidualVectorQuantizer(vb.Path("rvq_first"), group)
	if err != nil {
		return nil, fmt.Errorf("quant: rvq_first: %w", err)
	}

	var rest *ResidualVectorQuantizer

	if cfg.MaxCodebooks > 1 {
		group.NumCodebooks = cfg.MaxCodebooks - 1

		if rest, err = LoadResidualVectorQuantizer(vb.Path("rvq_rest"), group); err != nil {
			return nil, fmt.Errorf("quant: rvq_rest: %w", err)
		}
	}

	return NewSplitResidualVectorQuantizer(first, rest, cfg.NumCodebooks)
}

// NumCodebooks returns the number of codebooks in use.
func (q *SplitResidualVectorQuantizer) NumCodebooks() int { return q.nQ }

// Encode quantizes x [1, D, T] into codes [nQ][T].
func (q *SplitResidualVectorQuantizer) Encode(x *tensor.Tensor) ([][]int, error) {
	codes, err := q.first.Encode(x, 1)
	if err != nil {
		return nil, err
	}

	if q.nQ == 1 {
		return codes, nil
	}

	rest, err := q.rest.Encode(x, q.nQ-1)
	if err != nil {
		return nil, err
	}

	return append(codes, rest...), nil
}

// Decode reconstructs [1, D, T] from codes [k][T], 1 <= k <= nQ.
func (q *SplitResidualVectorQuantizer) Decode(codes [][]int) (*tensor.Tensor, error) {
	if len(codes) == 0 || len(codes) > q.nQ {
		return nil, fmt.Errorf("quant: decode got %d codebooks, want 1..%d", len(codes), q.nQ)
	}

	out, err := q.first.Decode(codes[:1])
	if err != nil {
		return nil, err
	}

	if len(codes) == 1 {
		return out, nil
	}

	rest, err := q.rest.Decode(codes[1:])
	if err != nil {
		return nil, err
	}

	return tensor.BroadcastAdd(out, rest)
}

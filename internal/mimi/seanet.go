package mimi

import (
	"fmt"

	"github.com/example/go-moshi/internal/nn"
	"github.com/example/go-moshi/internal/runtime/ops"
	"github.com/example/go-moshi/internal/runtime/tensor"
	"github.com/example/go-moshi/internal/stream"
)

// layer is one streaming stage of the Seanet stacks.
type layer interface {
	Step(stream.Chunk) (stream.Chunk, error)
	Reset()
}

type elu struct{}

func (elu) Step(x stream.Chunk) (stream.Chunk, error) {
	if x.IsEmpty() {
		return x, nil
	}

	return stream.Present(ops.Apply(x.Tensor(), ops.ELU)), nil
}

func (elu) Reset() {}

// resBlock computes x + block(x) where block is ELU, conv(k, dilation),
// ELU, conv(1). The skip path and the conv path are joined through a
// streaming add so they can emit different lengths per step.
type resBlock struct {
	block []layer
	skip  *stream.StreamingBinOp
}

func (r *resBlock) Step(x stream.Chunk) (stream.Chunk, error) {
	y := x

	for _, l := range r.block {
		var err error
		if y, err = l.Step(y); err != nil {
			return stream.Chunk{}, err
		}
	}

	return r.skip.Step(x, y)
}

func (r *resBlock) Reset() {
	for _, l := range r.block {
		l.Reset()
	}

	r.skip.Reset()
}

type sequential []layer

func (s sequential) Step(x stream.Chunk) (stream.Chunk, error) {
	for i, l := range s {
		var err error
		if x, err = l.Step(x); err != nil {
			return stream.Chunk{}, fmt.Errorf("model.%d: %w", i, err)
		}
	}

	return x, nil
}

func (s sequential) Reset() {
	for _, l := range s {
		l.Reset()
	}
}

// loadConv reads "<name>.conv.conv.{weight,bias}".
func loadConv(vb *nn.VarBuilder, name string, in, out, k int64, cfg stream.ConvConfig, withBias bool) (*stream.Conv1d, error) {
	conv := vb.Path(name, "conv", "conv")

	w, err := conv.ConvWeight("weight", out, in/int64(max(cfg.Groups, 1)), k)
	if err != nil {
		return nil, err
	}

	var b *tensor.Tensor
	if withBias {
		if b, err = conv.Tensor("bias", out); err != nil {
			return nil, err
		}
	}

	return stream.NewConv1d(w, b, cfg)
}

// loadConvTranspose reads "<name>.convtr.convtr.{weight,bias}".
func loadConvTranspose(vb *nn.VarBuilder, name string, in, out, k int64, stride, groups int, withBias bool) (*stream.ConvTranspose1d, error) {
	conv := vb.Path(name, "convtr", "convtr")

	w, err := conv.ConvTransposeWeight("weight", in, out/int64(max(groups, 1)), k)
	if err != nil {
		return nil, err
	}

	var b *tensor.Tensor
	if withBias {
		if b, err = conv.Tensor("bias", out); err != nil {
			return nil, err
		}
	}

	return stream.NewConvTranspose1d(w, b, stride, groups, true)
}

func loadResBlock(vb *nn.VarBuilder, cfg SeanetConfig, dim int64, dilation int) (*resBlock, error) {
	hidden := dim / int64(cfg.Compress)

	c1, err := loadConv(vb, "block.1", dim, hidden, int64(cfg.ResidualKernelSize),
		stream.ConvConfig{Stride: 1, Dilation: dilation, Groups: 1, Causal: cfg.Causal}, true)
	if err != nil {
		return nil, err
	}

	c2, err := loadConv(vb, "block.3", hidden, dim, 1,
		stream.ConvConfig{Stride: 1, Dilation: 1, Groups: 1, Causal: cfg.Causal}, true)
	if err != nil {
		return nil, err
	}

	return &resBlock{
		block: []layer{elu{}, c1, elu{}, c2},
		skip:  stream.NewStreamingBinOp(stream.Add, -1),
	}, nil
}

// loadEncoder builds encoder.model.*: init conv, then for each ratio in
// reverse order the residual blocks, ELU and a strided conv doubling the
// channels, then ELU and the final projection to Dimension.
func loadEncoder(vb *nn.VarBuilder, cfg SeanetConfig) (sequential, error) {
	var (
		seq  sequential
		idx  int
		mult = int64(1)
		nf   = int64(cfg.NFilters)
	)

	next := func() string {
		s := fmt.Sprint(idx)
		idx++

		return s
	}

	c, err := loadConv(vb, next(), int64(cfg.Channels), nf, int64(cfg.KernelSize),
		stream.ConvConfig{Stride: 1, Dilation: 1, Groups: 1, Causal: cfg.Causal}, true)
	if err != nil {
		return nil, err
	}

	seq = append(seq, c)

	for i := len(cfg.Ratios) - 1; i >= 0; i-- {
		ratio := cfg.Ratios[i]
		dilation := 1

		for range cfg.NResidualLayers {
			rb, err := loadResBlock(vb.Path(next()), cfg, mult*nf, dilation)
			if err != nil {
				return nil, err
			}

			seq = append(seq, rb)
			dilation *= cfg.DilationBase
		}

		seq = append(seq, elu{})
		idx++

		down, err := loadConv(vb, next(), mult*nf, 2*mult*nf, int64(2*ratio),
			stream.ConvConfig{Stride: ratio, Dilation: 1, Groups: 1, Causal: cfg.Causal}, true)
		if err != nil {
			return nil, err
		}

		seq = append(seq, down)
		mult *= 2
	}

	seq = append(seq, elu{})
	idx++

	final, err := loadConv(vb, next(), mult*nf, int64(cfg.Dimension), int64(cfg.LastKernelSize),
		stream.ConvConfig{Stride: 1, Dilation: 1, Groups: 1, Causal: cfg.Causal}, true)
	if err != nil {
		return nil, err
	}

	return append(seq, final), nil
}

// loadDecoder builds decoder.model.*, the mirror of the encoder: init conv
// to the widest channel count, then per ratio ELU, a transposed conv halving
// the channels and the residual blocks, then ELU and the final conv to PCM.
func loadDecoder(vb *nn.VarBuilder, cfg SeanetConfig) (sequential, error) {
	var (
		seq  sequential
		idx  int
		mult = int64(1) << len(cfg.Ratios)
		nf   = int64(cfg.NFilters)
	)

	next := func() string {
		s := fmt.Sprint(idx)
		idx++

		return s
	}

	c, err := loadConv(vb, next(), int64(cfg.Dimension), mult*nf, int64(cfg.KernelSize),
		stream.ConvConfig{Stride: 1, Dilation: 1, Groups: 1, Causal: cfg.Causal}, true)
	if err != nil {
		return nil, err
	}

	seq = append(seq, c)

	for _, ratio := range cfg.Ratios {
		seq = append(seq, elu{})
		idx++

		up, err := loadConvTranspose(vb, next(), mult*nf, mult*nf/2, int64(2*ratio), ratio, 1, true)
		if err != nil {
			return nil, err
		}

		seq = append(seq, up)

		dilation := 1

		for range cfg.NResidualLayers {
			rb, err := loadResBlock(vb.Path(next()), cfg, mult*nf/2, dilation)
			if err != nil {
				return nil, err
			}

			seq = append(seq, rb)
			dilation *= cfg.DilationBase
		}

		mult /= 2
	}

	seq = append(seq, elu{})
	idx++

	final, err := loadConv(vb, next(), nf, int64(cfg.Channels), int64(cfg.LastKernelSize),
		stream.ConvConfig{Stride: 1, Dilation: 1, Groups: 1, Causal: cfg.Causal}, true)
	if err != nil {
		return nil, err
	}

	return append(seq, final), nil
}

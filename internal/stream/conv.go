package stream

import (
	"errors"
	"fmt"

	"github.com/example/go-moshi/internal/runtime/ops"
	"github.com/example/go-moshi/internal/runtime/tensor"
)

// ErrNonCausal is returned when a non-causal layer is stepped in streaming mode.
var ErrNonCausal = errors.New("stream: non-causal conv cannot stream")

// ConvConfig describes a 1D convolution over [1, channels, time] chunks.
type ConvConfig struct {
	Stride   int
	Dilation int
	Groups   int
	Causal   bool
}

func (c ConvConfig) normalized() ConvConfig {
	c.Stride = max(c.Stride, 1)
	c.Dilation = max(c.Dilation, 1)
	c.Groups = max(c.Groups, 1)

	return c
}

// Conv1d is a streaming convolution. The state holds the input samples not
// yet consumed by an output frame, seeded with the causal left padding.
type Conv1d struct {
	weight *tensor.Tensor // [out, in/groups, k]
	bias   *tensor.Tensor
	cfg    ConvConfig

	kEff    int
	padding int
	state   *tensor.Tensor // [1, in, n]
}

// NewConv1d wraps weight [out, in/groups, k] and an optional bias.
func NewConv1d(weight, bias *tensor.Tensor, cfg ConvConfig) (*Conv1d, error) {
	if weight == nil || weight.Rank() != 3 {
		return nil, errors.New("stream: conv1d requires a rank-3 weight")
	}

	cfg = cfg.normalized()
	k := int(weight.Dim(2))
	kEff := ops.EffectiveKernel(k, cfg.Dilation)

	c := &Conv1d{
		weight:  weight,
		bias:    bias,
		cfg:     cfg,
		kEff:    kEff,
		padding: max(kEff-cfg.Stride, 0),
	}
	c.Reset()

	return c, nil
}

func (c *Conv1d) InChannels() int  { return int(c.weight.Dim(1)) * c.cfg.Groups }
func (c *Conv1d) OutChannels() int { return int(c.weight.Dim(0)) }
func (c *Conv1d) Stride() int      { return c.cfg.Stride }

// Reset restores the initial left context of padding zero samples.
func (c *Conv1d) Reset() {
	c.state = nil

	if c.padding > 0 {
		c.state, _ = tensor.Zeros([]int64{1, int64(c.InChannels()), int64(c.padding)})
	}
}

// ExtraPadding returns the right padding that lets the last partial window of
// a length-L signal produce a full output frame.
func ExtraPadding(length, kEff, stride, padding int) int {
	n := max(length+padding-kEff, 0)
	frames := (n+stride-1)/stride + 1
	ideal := (frames-1)*stride + kEff - padding

	return max(ideal-length, 0)
}

// Forward convolves a whole sequence x [1, in, L] without touching the
// streaming state.
func (c *Conv1d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	length := int(x.Dim(-1))
	extra := ExtraPadding(length, c.kEff, c.cfg.Stride, c.padding)

	p := ops.ConvParams{Stride: c.cfg.Stride, Dilation: c.cfg.Dilation, Groups: c.cfg.Groups}
	if c.cfg.Causal {
		p.PadLeft, p.PadRight = c.padding, extra
	} else {
		right := c.padding / 2
		p.PadLeft, p.PadRight = c.padding-right, right+extra
	}

	return ops.Conv1D(x, c.weight, c.bias, p)
}

// Step consumes a chunk [1, in, T] and emits every output frame whose
// receptive field is complete.
func (c *Conv1d) Step(x Chunk) (Chunk, error) {
	if !c.cfg.Causal {
		return Chunk{}, ErrNonCausal
	}

	if x.IsEmpty() {
		return Empty(), nil
	}

	in := x.t
	if c.state != nil && c.state.Dim(-1) > 0 {
		var err error
		if in, err = tensor.Concat([]*tensor.Tensor{c.state, x.t}, -1); err != nil {
			return Chunk{}, fmt.Errorf("stream: conv1d state: %w", err)
		}
	}

	length := int(in.Dim(-1))
	if length < c.kEff {
		c.state = in
		return Empty(), nil
	}

	frames := (length-c.kEff)/c.cfg.Stride + 1
	consumed := frames * c.cfg.Stride

	window, err := in.Narrow(-1, 0, int64((frames-1)*c.cfg.Stride+c.kEff))
	if err != nil {
		return Chunk{}, err
	}

	out, err := ops.Conv1D(window, c.weight, c.bias, ops.ConvParams{
		Stride:   c.cfg.Stride,
		Dilation: c.cfg.Dilation,
		Groups:   c.cfg.Groups,
	})
	if err != nil {
		return Chunk{}, fmt.Errorf("stream: conv1d: %w", err)
	}

	if c.state, err = in.Narrow(-1, int64(consumed), int64(length-consumed)); err != nil {
		return Chunk{}, err
	}

	return Present(out), nil
}

// ConvTranspose1d is a streaming transposed convolution. Each step emits
// stride output samples per input frame; the trailing k-stride samples still
// waiting for contributions from future frames are kept as partial state.
type ConvTranspose1d struct {
	kernel *ops.TransposeKernel
	bias   *tensor.Tensor
	stride int
	causal bool

	partial *tensor.Tensor // [1, out, k-stride], bias excluded
}

// NewConvTranspose1d wraps weight [in, out/groups, k] and an optional bias.
func NewConvTranspose1d(weight, bias *tensor.Tensor, stride, groups int, causal bool) (*ConvTranspose1d, error) {
	k, err := ops.NewTransposeKernel(weight, groups)
	if err != nil {
		return nil, fmt.Errorf("stream: %w", err)
	}

	stride = max(stride, 1)
	if k.KernelSize() < stride {
		return nil, fmt.Errorf("stream: convtranspose1d kernel %d shorter than stride %d", k.KernelSize(), stride)
	}

	return &ConvTranspose1d{kernel: k, bias: bias, stride: stride, causal: causal}, nil
}

func (c *ConvTranspose1d) Stride() int { return c.stride }

func (c *ConvTranspose1d) padding() int { return c.kernel.KernelSize() - c.stride }

func (c *ConvTranspose1d) Reset() { c.partial = nil }

// Forward runs a whole sequence and trims the padding: causal layers trim it
// all on the right.
func (c *ConvTranspose1d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := ops.ConvTranspose1D(x, c.kernel, c.bias, c.stride)
	if err != nil {
		return nil, err
	}

	p := c.padding()
	right := p

	if !c.causal {
		right = p / 2
	}

	left := p - right

	return y.Narrow(-1, int64(left), y.Dim(-1)-int64(p))
}

// Step consumes [1, in, T] and emits [1, out, T*stride].
func (c *ConvTranspose1d) Step(x Chunk) (Chunk, error) {
	if !c.causal {
		return Chunk{}, ErrNonCausal
	}

	if x.IsEmpty() || x.Len(-1) == 0 {
		return Empty(), nil
	}

	y, err := ops.ConvTranspose1D(x.t, c.kernel, nil, c.stride)
	if err != nil {
		return Chunk{}, fmt.Errorf("stream: convtranspose1d: %w", err)
	}

	p := c.padding()
	total := int(y.Dim(-1))
	emit := total - p

	if c.partial != nil {
		overlapAdd(y, c.partial)
	}

	if c.partial, err = y.Narrow(-1, int64(emit), int64(p)); err != nil {
		return Chunk{}, err
	}

	out, err := y.Narrow(-1, 0, int64(emit))
	if err != nil {
		return Chunk{}, err
	}

	if c.bias != nil {
		bias, err := c.bias.Reshape([]int64{1, -1, 1})
		if err != nil {
			return Chunk{}, err
		}

		if out, err = tensor.BroadcastAdd(out, bias); err != nil {
			return Chunk{}, err
		}
	}

	return Present(out), nil
}

// overlapAdd adds partial [1, C, p] onto the first p samples of y [1, C, L].
func overlapAdd(y, partial *tensor.Tensor) {
	yd := y.RawData()
	pd := partial.RawData()
	length := int(y.Dim(-1))
	p := int(partial.Dim(-1))

	for ch := range int(y.Dim(1)) {
		tensor.Axpy(yd[ch*length:ch*length+p], 1, pd[ch*p:(ch+1)*p])
	}
}

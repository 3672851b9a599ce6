package mimi

import (
	"errors"
	"fmt"

	"github.com/example/go-moshi/internal/nn"
	"github.com/example/go-moshi/internal/perf"
	"github.com/example/go-moshi/internal/quant"
	"github.com/example/go-moshi/internal/runtime/tensor"
	"github.com/example/go-moshi/internal/stream"
	"github.com/example/go-moshi/internal/transformer"
)

// ErrNonStreaming is returned for configurations that can only run as a
// whole-sequence model; the codec is built on the streaming path only.
var ErrNonStreaming = errors.New("mimi: non-streaming codec path is not supported")

// Mimi is a streaming codec. It is not safe for concurrent use; one session
// owns one codec.
type Mimi struct {
	cfg Config

	encoder    sequential
	encoderTr  *transformer.ProjectedTransformer
	downsample *stream.Conv1d
	quantizer  *quant.SplitResidualVectorQuantizer
	upsample   *stream.ConvTranspose1d
	decoderTr  *transformer.ProjectedTransformer
	decoder    sequential

	hook perf.Hook
}

// Option configures a codec.
type Option func(*Mimi)

// WithHook installs a perf hook receiving encode/decode events.
func WithHook(h perf.Hook) Option {
	return func(m *Mimi) { m.hook = h }
}

// Load opens a safetensors checkpoint and builds the codec. The returned
// close function releases the checkpoint mapping.
func Load(path string, cfg Config, opts ...Option) (*Mimi, func() error, error) {
	vb, closeFn, err := nn.OpenVarBuilder(path, nn.LayoutPyTorch)
	if err != nil {
		return nil, nil, fmt.Errorf("mimi: open %s: %w", path, err)
	}

	m, err := New(vb, cfg, opts...)
	if err != nil {
		_ = closeFn()
		return nil, nil, err
	}

	return m, closeFn, nil
}

// New builds the codec from PyTorch checkpoint naming under vb.
func New(vb *nn.VarBuilder, cfg Config, opts ...Option) (*Mimi, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dim := int64(cfg.Seanet.Dimension)
	m := &Mimi{cfg: cfg}

	var err error

	if m.encoder, err = loadEncoder(vb.Path("encoder", "model"), cfg.Seanet); err != nil {
		return nil, fmt.Errorf("mimi: encoder: %w", err)
	}

	if m.decoder, err = loadDecoder(vb.Path("decoder", "model"), cfg.Seanet); err != nil {
		return nil, fmt.Errorf("mimi: decoder: %w", err)
	}

	if m.encoderTr, err = transformer.LoadProjected(vb.Path("encoder_transformer"), cfg.Transformer, cfg.Seanet.Dimension, cfg.Seanet.Dimension); err != nil {
		return nil, fmt.Errorf("mimi: encoder_transformer: %w", err)
	}

	if m.decoderTr, err = transformer.LoadProjected(vb.Path("decoder_transformer"), cfg.Transformer, cfg.Seanet.Dimension, cfg.Seanet.Dimension); err != nil {
		return nil, fmt.Errorf("mimi: decoder_transformer: %w", err)
	}

	stride := cfg.ResampleStride

	down, err := vb.Path("downsample", "conv", "conv", "conv").ConvWeight("weight", dim, dim, int64(2*stride))
	if err != nil {
		return nil, fmt.Errorf("mimi: downsample: %w", err)
	}

	if m.downsample, err = stream.NewConv1d(down, nil, stream.ConvConfig{Stride: stride, Groups: 1, Causal: true}); err != nil {
		return nil, err
	}

	up, err := vb.Path("upsample", "convtr", "convtr", "convtr").ConvTransposeWeight("weight", dim, 1, int64(2*stride))
	if err != nil {
		return nil, fmt.Errorf("mimi: upsample: %w", err)
	}

	if m.upsample, err = stream.NewConvTranspose1d(up, nil, stride, int(dim), true); err != nil {
		return nil, err
	}

	m.quantizer, err = quant.LoadSplitResidualVectorQuantizer(vb.Path("quantizer"), quant.SplitConfig{
		Dimension:    dim,
		CodebookDim:  int64(cfg.QuantizerDim),
		Bins:         int64(cfg.QuantizerBins),
		NumCodebooks: cfg.NumCodebooks,
		MaxCodebooks: cfg.MaxCodebooks,
	})
	if err != nil {
		return nil, fmt.Errorf("mimi: %w", err)
	}

	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// Config returns the codec configuration.
func (m *Mimi) Config() Config { return m.cfg }

// NumCodebooks returns the number of codes per frame.
func (m *Mimi) NumCodebooks() int { return m.quantizer.NumCodebooks() }

// ResetState clears every conv buffer, skip buffer and transformer cache.
// Weights are kept.
func (m *Mimi) ResetState() {
	m.encoder.Reset()
	m.encoderTr.Reset()
	m.downsample.Reset()
	m.upsample.Reset()
	m.decoderTr.Reset()
	m.decoder.Reset()
}

// EncodeStep consumes PCM [1, 1, N] and returns the frames completed by it,
// each holding NumCodebooks codes. It returns no frames until a full frame
// of input has accumulated.
func (m *Mimi) EncodeStep(pcm stream.Chunk) ([][]int, error) {
	m.hook.Emit(perf.BeginEncode)
	defer m.hook.Emit(perf.EndEncode)

	x, err := m.encoder.Step(pcm)
	if err != nil {
		return nil, fmt.Errorf("mimi: encoder: %w", err)
	}

	if x, err = stepTransformer(m.encoderTr, x); err != nil {
		return nil, fmt.Errorf("mimi: encoder_transformer: %w", err)
	}

	if x, err = m.downsample.Step(x); err != nil {
		return nil, fmt.Errorf("mimi: downsample: %w", err)
	}

	if x.Len(-1) == 0 {
		return nil, nil
	}

	codes, err := m.quantizer.Encode(x.Tensor())
	if err != nil {
		return nil, fmt.Errorf("mimi: %w", err)
	}

	return transposeCodes(codes), nil
}

// DecodeStep turns frames of codes into PCM [1, 1, FrameSize*len(frames)].
// Frames may carry fewer codebooks than NumCodebooks; missing ones are
// treated as absent from the sum.
func (m *Mimi) DecodeStep(frames [][]int) (stream.Chunk, error) {
	m.hook.Emit(perf.BeginDecode)
	defer m.hook.Emit(perf.EndDecode)

	if len(frames) == 0 {
		return stream.Empty(), nil
	}

	width := len(frames[0])
	for i, f := range frames {
		if len(f) != width {
			return stream.Chunk{}, fmt.Errorf("mimi: frame %d has %d codes, want %d", i, len(f), width)
		}
	}

	latent, err := m.quantizer.Decode(transposeCodes(frames))
	if err != nil {
		return stream.Chunk{}, fmt.Errorf("mimi: %w", err)
	}

	x, err := m.upsample.Step(stream.Present(latent))
	if err != nil {
		return stream.Chunk{}, fmt.Errorf("mimi: upsample: %w", err)
	}

	if x, err = stepTransformer(m.decoderTr, x); err != nil {
		return stream.Chunk{}, fmt.Errorf("mimi: decoder_transformer: %w", err)
	}

	if x, err = m.decoder.Step(x); err != nil {
		return stream.Chunk{}, fmt.Errorf("mimi: decoder: %w", err)
	}

	return x, nil
}

// Encode resets the codec and encodes pcm [1, 1, N] as a single chunk.
// Trailing samples that do not complete a frame are dropped.
func (m *Mimi) Encode(pcm *tensor.Tensor) ([][]int, error) {
	m.ResetState()
	return m.EncodeStep(stream.Present(pcm))
}

// Decode resets the codec and decodes all frames as a single chunk.
func (m *Mimi) Decode(frames [][]int) (*tensor.Tensor, error) {
	m.ResetState()

	out, err := m.DecodeStep(frames)
	if err != nil {
		return nil, err
	}

	if out.IsEmpty() {
		return tensor.Zeros([]int64{1, int64(m.cfg.Channels), 0})
	}

	return out.Tensor(), nil
}

func stepTransformer(t *transformer.ProjectedTransformer, x stream.Chunk) (stream.Chunk, error) {
	if x.Len(-1) == 0 {
		return stream.Empty(), nil
	}

	y, err := t.Step(x.Tensor())
	if err != nil {
		return stream.Chunk{}, err
	}

	return stream.Present(y), nil
}

// transposeCodes swaps [a][b] to [b][a].
func transposeCodes(in [][]int) [][]int {
	if len(in) == 0 {
		return nil
	}

	out := make([][]int, len(in[0]))
	for j := range out {
		out[j] = make([]int, len(in))
		for i := range in {
			out[j][i] = in[i][j]
		}
	}

	return out
}

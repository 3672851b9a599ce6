package lm

import (
	"fmt"
	"strconv"

	"github.com/example/go-moshi/internal/nn"
	"github.com/example/go-moshi/internal/perf"
	"github.com/example/go-moshi/internal/runtime/tensor"
	"github.com/example/go-moshi/internal/transformer"
)

// LM is the temporal transformer with its input embeddings and text head.
// It is not safe for concurrent use.
type LM struct {
	cfg Config

	transformer *transformer.Transformer
	textEmb     *nn.Embedding
	audioEmbs   []*nn.Embedding
	outNorm     nn.Norm
	textLinear  *nn.Linear
	depformer   *Depformer
}

// Option configures a model.
type Option func(*LM)

// WithHook installs a perf hook on the depth transformer.
func WithHook(h perf.Hook) Option {
	return func(m *LM) {
		if m.depformer != nil {
			m.depformer.hook = h
		}
	}
}

// Load opens an MLX-layout checkpoint and builds the model.
func Load(path string, cfg Config, opts ...Option) (*LM, func() error, error) {
	vb, closeFn, err := nn.OpenVarBuilder(path, nn.LayoutMLX)
	if err != nil {
		return nil, nil, fmt.Errorf("lm: open %s: %w", path, err)
	}

	m, err := New(vb, cfg, opts...)
	if err != nil {
		_ = closeFn()
		return nil, nil, err
	}

	return m, closeFn, nil
}

// New builds the model from vb. Keys follow the MLX checkpoint naming:
// transformer.layers.N, text_emb, audio_embs.N, out_norm, text_linear and
// depformer.slices.N.
func New(vb *nn.VarBuilder, cfg Config, opts ...Option) (*LM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := int64(cfg.Transformer.DModel)

	tr, err := transformer.Load(vb.Path("transformer"), cfg.Transformer)
	if err != nil {
		return nil, fmt.Errorf("lm: transformer: %w", err)
	}

	m := &LM{cfg: cfg, transformer: tr}

	if m.textEmb, err = nn.LoadEmbedding(vb, "text_emb", int64(cfg.TextInVocab), d); err != nil {
		return nil, fmt.Errorf("lm: %w", err)
	}

	m.audioEmbs = make([]*nn.Embedding, cfg.AudioCodebooks)
	for i := range m.audioEmbs {
		if m.audioEmbs[i], err = nn.LoadEmbedding(vb.Path("audio_embs"), strconv.Itoa(i), int64(cfg.AudioVocab), d); err != nil {
			return nil, fmt.Errorf("lm: audio_embs.%d: %w", i, err)
		}
	}

	if m.outNorm, err = transformer.LoadNorm(vb, "out_norm", cfg.Transformer); err != nil {
		return nil, fmt.Errorf("lm: %w", err)
	}

	if m.textLinear, err = nn.LoadLinear(vb, "text_linear", d, int64(cfg.TextOutVocab), false); err != nil {
		return nil, fmt.Errorf("lm: %w", err)
	}

	if cfg.DepformerSlices > 0 {
		if m.depformer, err = loadDepformer(vb.Path("depformer"), cfg); err != nil {
			return nil, err
		}
	}

	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

func (m *LM) Config() Config { return m.cfg }

// Depformer returns the depth transformer, nil for text-only checkpoints.
func (m *LM) Depformer() *Depformer { return m.depformer }

// ResetState clears the temporal KV cache.
func (m *LM) ResetState() {
	m.transformer.Reset()
}

// Offset is the number of steps the temporal transformer has consumed.
func (m *LM) Offset() int { return m.transformer.Offset() }

// StepMain advances the temporal transformer by one frame. text may be nil
// to leave the text stream out of this frame; audio holds one token per
// codebook. It returns the normalized transformer output [DModel] and the
// text logits [TextOutVocab].
func (m *LM) StepMain(text *int, audio []int) ([]float32, []float32, error) {
	if len(audio) != len(m.audioEmbs) {
		return nil, nil, fmt.Errorf("lm: %d audio tokens for %d codebooks", len(audio), len(m.audioEmbs))
	}

	d := m.cfg.Transformer.DModel
	x := make([]float32, d)

	if text != nil {
		if err := m.textEmb.AddRow(x, *text); err != nil {
			return nil, nil, fmt.Errorf("lm: text token: %w", err)
		}
	}

	for i, tok := range audio {
		if err := m.audioEmbs[i].AddRow(x, tok); err != nil {
			return nil, nil, fmt.Errorf("lm: codebook %d: %w", i, err)
		}
	}

	in, err := tensor.FromOwned(x, []int64{1, 1, int64(d)})
	if err != nil {
		return nil, nil, err
	}

	h, err := m.transformer.Step(in)
	if err != nil {
		return nil, nil, fmt.Errorf("lm: %w", err)
	}

	if h, err = m.outNorm.Forward(h); err != nil {
		return nil, nil, fmt.Errorf("lm: out norm: %w", err)
	}

	logits, err := m.textLinear.Forward(h)
	if err != nil {
		return nil, nil, fmt.Errorf("lm: text linear: %w", err)
	}

	return h.RawData(), logits.RawData(), nil
}

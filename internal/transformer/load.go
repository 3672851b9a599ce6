package transformer

import (
	"fmt"

	"github.com/example/go-moshi/internal/nn"
	"github.com/example/go-moshi/internal/runtime/tensor"
)

// Load builds a transformer from "layers.N.*" under vb.
//
// Layer keys: norm1, norm2, self_attn.in_proj, self_attn.out_proj, and either
// gating.linear_in/linear_out (gated) or linear1/linear2 (ungated, also
// accepted under gating.). Layer scales are read from layer_scale_{1,2}.scale.
func Load(vb *nn.VarBuilder, cfg Config) (*Transformer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Transformer{
		cfg:    cfg,
		layers: make([]*layer, cfg.NumLayers),
		caches: NewCaches(cfg),
	}

	for i := range cfg.NumLayers {
		l, err := loadLayer(vb.Path("layers", i), cfg)
		if err != nil {
			return nil, fmt.Errorf("transformer: layer %d: %w", i, err)
		}

		t.layers[i] = l
	}

	return t, nil
}

func loadLayer(vb *nn.VarBuilder, cfg Config) (*layer, error) {
	d := int64(cfg.DModel)

	norm1, err := LoadNorm(vb, "norm1", cfg)
	if err != nil {
		return nil, err
	}

	norm2, err := LoadNorm(vb, "norm2", cfg)
	if err != nil {
		return nil, err
	}

	inProj, err := nn.LoadLinear(vb, "self_attn.in_proj", d, 3*d, cfg.BiasAttn)
	if err != nil {
		return nil, err
	}

	outProj, err := nn.LoadLinear(vb, "self_attn.out_proj", d, d, cfg.BiasAttn)
	if err != nil {
		return nil, err
	}

	ff, err := loadFeedForward(vb, cfg)
	if err != nil {
		return nil, err
	}

	l := &layer{
		norm1: norm1,
		norm2: norm2,
		attn: &attention{
			inProj:  inProj,
			outProj: outProj,
			heads:   cfg.NumHeads,
			headDim: cfg.HeadDim(),
			rope:    cfg.Positional == PositionalRoPE,
			period:  cfg.MaxPeriod,
		},
		ff: ff,
	}

	if cfg.LayerScale {
		if l.scale1, err = vb.Tensor("layer_scale_1.scale", d); err != nil {
			return nil, err
		}

		if l.scale2, err = vb.Tensor("layer_scale_2.scale", d); err != nil {
			return nil, err
		}
	}

	return l, nil
}

// LoadNorm builds the norm cfg selects, sized to DModel.
func LoadNorm(vb *nn.VarBuilder, name string, cfg Config) (nn.Norm, error) {
	if cfg.Norm == NormRMS {
		return nn.LoadRMSNorm(vb, name, int64(cfg.DModel), cfg.normEps())
	}

	return nn.LoadLayerNorm(vb, name, int64(cfg.DModel), cfg.normEps())
}

func loadFeedForward(vb *nn.VarBuilder, cfg Config) (feedForward, error) {
	d := int64(cfg.DModel)

	if cfg.Gating {
		hidden := int64(cfg.GatedHidden())

		in, err := nn.LoadLinear(vb, "gating.linear_in", d, 2*hidden, false)
		if err != nil {
			return nil, err
		}

		out, err := nn.LoadLinear(vb, "gating.linear_out", hidden, d, false)
		if err != nil {
			return nil, err
		}

		return &gatedFF{linearIn: in, linearOut: out}, nil
	}

	prefix := ""
	if vb.Has("gating.linear1.weight") {
		prefix = "gating."
	}

	ff := int64(cfg.DimFeedForward)

	l1, err := nn.LoadLinear(vb, prefix+"linear1", d, ff, cfg.BiasFF)
	if err != nil {
		return nil, err
	}

	l2, err := nn.LoadLinear(vb, prefix+"linear2", ff, d, cfg.BiasFF)
	if err != nil {
		return nil, err
	}

	return &plainFF{linear1: l1, linear2: l2}, nil
}

// ProjectedTransformer wraps a transformer with optional input and output
// projections and works in conv layout [1, C, T].
type ProjectedTransformer struct {
	inputProj  *nn.Linear
	outputProj *nn.Linear
	inner      *Transformer
}

// LoadProjected reads "input_proj", "output_projs.0" (both optional) and
// "transformer.*" under vb. The projections are required when inputDim or
// outputDim differs from the model width.
func LoadProjected(vb *nn.VarBuilder, cfg Config, inputDim, outputDim int) (*ProjectedTransformer, error) {
	inner, err := Load(vb.Path("transformer"), cfg)
	if err != nil {
		return nil, err
	}

	p := &ProjectedTransformer{inner: inner}
	d := int64(cfg.DModel)

	if inputDim != cfg.DModel || vb.Has("input_proj.weight") {
		if p.inputProj, err = nn.LoadLinear(vb, "input_proj", int64(inputDim), d, false); err != nil {
			return nil, err
		}
	}

	if outputDim != cfg.DModel || vb.Has("output_projs.0.weight") {
		if p.outputProj, err = nn.LoadLinear(vb, "output_projs.0", d, int64(outputDim), false); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// Transformer returns the wrapped stack.
func (p *ProjectedTransformer) Transformer() *Transformer { return p.inner }

// Reset clears the wrapped transformer caches.
func (p *ProjectedTransformer) Reset() { p.inner.Reset() }

// Step maps x [1, C, T] to [1, C', T].
func (p *ProjectedTransformer) Step(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() != 3 || x.Dim(0) != 1 {
		return nil, fmt.Errorf("transformer: projected step expects [1, C, T], got %v", x.Shape())
	}

	h, err := x.Transpose(1, 2)
	if err != nil {
		return nil, err
	}

	if p.inputProj != nil {
		if h, err = p.inputProj.Forward(h); err != nil {
			return nil, fmt.Errorf("transformer: input_proj: %w", err)
		}
	}

	if h, err = p.inner.Step(h); err != nil {
		return nil, err
	}

	if p.outputProj != nil {
		if h, err = p.outputProj.Forward(h); err != nil {
			return nil, fmt.Errorf("transformer: output_proj: %w", err)
		}
	}

	return h.Transpose(1, 2)
}

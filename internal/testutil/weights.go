package testutil

import (
	"math"
	"strconv"
	"testing"

	"github.com/example/go-moshi/internal/nn"
	"github.com/example/go-moshi/internal/runtime/tensor"
	"github.com/example/go-moshi/internal/transformer"
)

// Weights builds a deterministic in-memory checkpoint. Every tensor is a
// sampled sine with a per-tensor phase, so two builders that add the same
// names in the same order produce identical checkpoints.
type Weights struct {
	tb    testing.TB
	src   nn.MapSource
	phase float64
	Scale float32
}

func NewWeights(tb testing.TB) *Weights {
	return &Weights{tb: tb, src: nn.MapSource{}, Scale: 0.3}
}

// Source returns the checkpoint built so far.
func (w *Weights) Source() nn.MapSource { return w.src }

// Builder wraps the checkpoint in a VarBuilder with the given layout.
func (w *Weights) Builder(layout nn.Layout) *nn.VarBuilder {
	return nn.NewVarBuilder(w.src, layout)
}

// Wave returns n samples of the sine used for tensor values.
func Wave(n int, phase float64, scale float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(math.Sin(float64(i)*0.61+phase)) * scale
	}

	return out
}

// Put adds a sine-filled tensor.
func (w *Weights) Put(name string, shape ...int64) {
	w.tb.Helper()

	n := int64(1)
	for _, s := range shape {
		n *= s
	}

	w.phase += 0.7
	w.Set(name, Wave(int(n), w.phase, w.Scale), shape...)
}

// Fill adds a tensor with every element set to v.
func (w *Weights) Fill(name string, v float32, shape ...int64) {
	w.tb.Helper()

	n := int64(1)
	for _, s := range shape {
		n *= s
	}

	data := make([]float32, n)
	for i := range data {
		data[i] = v
	}

	w.Set(name, data, shape...)
}

// Set adds a tensor with explicit data.
func (w *Weights) Set(name string, data []float32, shape ...int64) {
	w.tb.Helper()

	t, err := tensor.New(data, shape)
	if err != nil {
		w.tb.Fatalf("testutil: tensor %q: %v", name, err)
	}

	w.src[name] = t
}

// Norm adds the parameters of the norm cfg selects under prefix+name.
func (w *Weights) Norm(prefix, name string, cfg transformer.Config) {
	d := int64(cfg.DModel)

	w.Fill(prefix+name+".weight", 1, d)

	if cfg.Norm == transformer.NormLayer {
		w.Put(prefix+name+".bias", d)
	}
}

// Transformer adds every tensor transformer.Load reads for cfg under prefix,
// which must be empty or end in a dot.
func (w *Weights) Transformer(prefix string, cfg transformer.Config) {
	w.tb.Helper()

	d := int64(cfg.DModel)

	for i := range cfg.NumLayers {
		l := prefix + "layers." + strconv.Itoa(i) + "."

		w.Norm(l, "norm1", cfg)
		w.Norm(l, "norm2", cfg)
		w.Put(l+"self_attn.in_proj.weight", 3*d, d)
		w.Put(l+"self_attn.out_proj.weight", d, d)

		if cfg.Gating {
			h := int64(cfg.GatedHidden())
			w.Put(l+"gating.linear_in.weight", 2*h, d)
			w.Put(l+"gating.linear_out.weight", d, h)
		} else {
			ff := int64(cfg.DimFeedForward)
			w.Put(l+"linear1.weight", ff, d)
			w.Put(l+"linear2.weight", d, ff)
		}

		if cfg.LayerScale {
			w.Put(l+"layer_scale_1.scale", d)
			w.Put(l+"layer_scale_2.scale", d)
		}
	}
}

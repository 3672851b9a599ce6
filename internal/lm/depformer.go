package lm

import (
	"fmt"

	"github.com/example/go-moshi/internal/nn"
	"github.com/example/go-moshi/internal/perf"
	"github.com/example/go-moshi/internal/runtime/tensor"
	"github.com/example/go-moshi/internal/transformer"
)

// DepformerSlice produces one generated codebook.
type DepformerSlice struct {
	emb         *nn.Embedding
	linearIn    *nn.Linear
	linearOut   *nn.Linear
	transformer *transformer.Transformer
}

// Depformer samples the generated codebooks of one step, slice after slice.
// The slices have their own weights but share one KV cache that is cleared
// at the start of every step, so slice i attends to slices 0..i of the
// current step only.
type Depformer struct {
	slices []*DepformerSlice
	caches []*transformer.KVCache
	delays []int
	pad    int
	hook   perf.Hook
}

func loadDepformer(vb *nn.VarBuilder, cfg Config) (*Depformer, error) {
	dMain := int64(cfg.Transformer.DModel)
	dDep := int64(cfg.Depformer.DModel)

	d := &Depformer{
		slices: make([]*DepformerSlice, cfg.DepformerSlices),
		caches: transformer.NewCaches(cfg.Depformer),
		delays: cfg.AudioDelays[:cfg.DepformerSlices],
		pad:    cfg.AudioPadToken(),
	}

	for i := range d.slices {
		svb := vb.Path("slices", i)

		inVocab := int64(cfg.AudioVocab)
		if i == 0 {
			inVocab = int64(cfg.TextInVocab)
		}

		s := &DepformerSlice{}

		var err error

		if s.emb, err = nn.LoadEmbedding(svb, "emb", inVocab, dDep); err != nil {
			return nil, sliceErr(i, err)
		}

		if s.linearIn, err = nn.LoadLinear(svb, "linear_in", dMain, dDep, false); err != nil {
			return nil, sliceErr(i, err)
		}

		if s.linearOut, err = nn.LoadLinear(svb, "linear_out", dDep, int64(cfg.AudioVocab-1), false); err != nil {
			return nil, sliceErr(i, err)
		}

		if s.transformer, err = transformer.Load(svb.Path("transformer"), cfg.Depformer); err != nil {
			return nil, sliceErr(i, err)
		}

		d.slices[i] = s
	}

	return d, nil
}

func sliceErr(i int, err error) error {
	return fmt.Errorf("lm: depformer slice %d: %w", i, err)
}

func (d *Depformer) NumSlices() int { return len(d.slices) }

// Sample returns one token per slice for the step cnt. Slice 0 is fed the
// text token of the step; slice i > 0 is fed the token slice i-1 just drew,
// or the padding token while cnt is below codebook i's delay.
func (d *Depformer) Sample(mainOut []float32, textToken, cnt int, s *Sampler) ([]int, error) {
	d.hook.Emit(perf.BeginDepformer)
	defer d.hook.Emit(perf.EndDepformer)

	for _, c := range d.caches {
		c.Reset()
	}

	main, err := tensor.New(mainOut, []int64{1, 1, int64(len(mainOut))})
	if err != nil {
		return nil, err
	}

	tokens := make([]int, len(d.slices))
	last := textToken

	for i, sl := range d.slices {
		if i > 0 && cnt < d.delays[i] {
			last = d.pad
		}

		x, err := sl.linearIn.Forward(main)
		if err != nil {
			return nil, sliceErr(i, err)
		}

		if err := sl.emb.AddRow(x.RawData(), last); err != nil {
			return nil, sliceErr(i, err)
		}

		if x, err = sl.transformer.StepWith(x, d.caches); err != nil {
			return nil, sliceErr(i, err)
		}

		logits, err := sl.linearOut.Forward(x)
		if err != nil {
			return nil, sliceErr(i, err)
		}

		last = s.Sample(logits.RawData())
		tokens[i] = last
	}

	return tokens, nil
}

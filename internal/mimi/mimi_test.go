package mimi

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/example/go-moshi/internal/nn"
	"github.com/example/go-moshi/internal/perf"
	"github.com/example/go-moshi/internal/runtime/tensor"
	"github.com/example/go-moshi/internal/stream"
	"github.com/example/go-moshi/internal/transformer"
)

func seqDataT(n int, phase float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(math.Sin(float64(i)*0.73+phase)) * 0.4
	}

	return out
}

func mustTensorT(t *testing.T, data []float32, shape ...int64) *tensor.Tensor {
	t.Helper()

	out, err := tensor.New(data, shape)
	if err != nil {
		t.Fatalf("tensor.New(%v): %v", shape, err)
	}

	return out
}

func equalApprox(got, want []float32, tol float64) bool {
	if len(got) != len(want) {
		return false
	}

	for i := range got {
		if math.Abs(float64(got[i]-want[i])) > tol {
			return false
		}
	}

	return true
}

func tinyConfig() Config {
	seanet := SeanetConfig{
		Dimension:          4,
		Channels:           1,
		Causal:             true,
		NFilters:           2,
		NResidualLayers:    1,
		Ratios:             []int{2, 3},
		KernelSize:         3,
		ResidualKernelSize: 3,
		LastKernelSize:     3,
		DilationBase:       2,
		TrueSkip:           true,
		Compress:           2,
	}

	return Config{
		Channels:   1,
		SampleRate: 24000,
		FrameRate:  12.5,
		Seanet:     seanet,
		Transformer: transformer.Config{
			DModel:         4,
			NumHeads:       2,
			NumLayers:      1,
			Norm:           transformer.NormLayer,
			DimFeedForward: 8,
			Positional:     transformer.PositionalRoPE,
			Context:        32,
			MaxPeriod:      10000,
			LayerScale:     true,
		},
		NumCodebooks:   2,
		MaxCodebooks:   3,
		QuantizerBins:  4,
		QuantizerDim:   2,
		ResampleStride: 2,
	}
}

// tinyWeights lays out a checkpoint for cfg with PyTorch naming.
type tinyWeights struct {
	t     *testing.T
	src   nn.MapSource
	phase float64
}

func (w *tinyWeights) put(name string, shape ...int64) {
	n := int64(1)
	for _, s := range shape {
		n *= s
	}

	w.phase += 0.37
	w.src[name] = mustTensorT(w.t, seqDataT(int(n), w.phase), shape...)
}

func (w *tinyWeights) conv(prefix string, in, out, k int64) {
	w.put(prefix+".conv.conv.weight", out, in, k)
	w.put(prefix+".conv.conv.bias", out)
}

func (w *tinyWeights) resBlock(prefix string, dim, compress, k int64) {
	w.conv(prefix+".block.1", dim, dim/compress, k)
	w.conv(prefix+".block.3", dim/compress, dim, 1)
}

func (w *tinyWeights) transformer(prefix string, cfg transformer.Config) {
	d, ff := int64(cfg.DModel), int64(cfg.DimFeedForward)

	for i := range cfg.NumLayers {
		l := fmt.Sprintf("%s.transformer.layers.%d.", prefix, i)
		w.put(l+"norm1.weight", d)
		w.put(l+"norm1.bias", d)
		w.put(l+"norm2.weight", d)
		w.put(l+"norm2.bias", d)
		w.put(l+"self_attn.in_proj.weight", 3*d, d)
		w.put(l+"self_attn.out_proj.weight", d, d)
		w.put(l+"linear1.weight", ff, d)
		w.put(l+"linear2.weight", d, ff)
		w.put(l+"layer_scale_1.scale", d)
		w.put(l+"layer_scale_2.scale", d)
	}
}

func (w *tinyWeights) codebook(prefix string, bins, dim int64) {
	w.put(prefix+"._codebook.embedding_sum", bins, dim)

	usage := make([]float32, bins)
	for i := range usage {
		usage[i] = 1
	}

	w.src[prefix+"._codebook.cluster_usage"] = mustTensorT(w.t, usage, bins)
}

func buildWeights(t *testing.T, cfg Config) nn.MapSource {
	t.Helper()

	w := &tinyWeights{t: t, src: nn.MapSource{}}
	s := cfg.Seanet
	nf, dim := int64(s.NFilters), int64(s.Dimension)
	compress := int64(s.Compress)
	rk := int64(s.ResidualKernelSize)

	// encoder
	w.conv("encoder.model.0", int64(s.Channels), nf, int64(s.KernelSize))
	idx, mult := 1, int64(1)

	for i := len(s.Ratios) - 1; i >= 0; i-- {
		r := int64(s.Ratios[i])
		w.resBlock(fmt.Sprintf("encoder.model.%d", idx), mult*nf, compress, rk)
		w.conv(fmt.Sprintf("encoder.model.%d", idx+2), mult*nf, 2*mult*nf, 2*r)
		idx += 3
		mult *= 2
	}

	w.conv(fmt.Sprintf("encoder.model.%d", idx+1), mult*nf, dim, int64(s.LastKernelSize))

	// decoder
	w.conv("decoder.model.0", dim, mult*nf, int64(s.KernelSize))
	idx = 1

	for _, ratio := range s.Ratios {
		r := int64(ratio)
		prefix := fmt.Sprintf("decoder.model.%d.convtr.convtr.", idx+1)
		w.put(prefix+"weight", mult*nf, mult*nf/2, 2*r)
		w.put(prefix+"bias", mult*nf/2)
		w.resBlock(fmt.Sprintf("decoder.model.%d", idx+2), mult*nf/2, compress, rk)
		idx += 3
		mult /= 2
	}

	w.conv(fmt.Sprintf("decoder.model.%d", idx+1), nf, int64(s.Channels), int64(s.LastKernelSize))

	w.transformer("encoder_transformer", cfg.Transformer)
	w.transformer("decoder_transformer", cfg.Transformer)

	k := int64(2 * cfg.ResampleStride)
	w.put("downsample.conv.conv.conv.weight", dim, dim, k)
	w.put("upsample.convtr.convtr.convtr.weight", dim, 1, k)

	qd, bins := int64(cfg.QuantizerDim), int64(cfg.QuantizerBins)

	for _, group := range []string{"rvq_first", "rvq_rest"} {
		w.put("quantizer."+group+".input_proj.weight", qd, dim, 1)
		w.put("quantizer."+group+".output_proj.weight", dim, qd, 1)
	}

	w.codebook("quantizer.rvq_first.vq.layers.0", bins, qd)

	for i := range cfg.MaxCodebooks - 1 {
		w.codebook(fmt.Sprintf("quantizer.rvq_rest.vq.layers.%d", i), bins, qd)
	}

	return w.src
}

func buildTiny(t *testing.T, opts ...Option) *Mimi {
	t.Helper()

	cfg := tinyConfig()

	m, err := New(nn.NewVarBuilder(buildWeights(t, cfg), nn.LayoutPyTorch), cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return m
}

func tinyPCM(t *testing.T, frames int) *tensor.Tensor {
	t.Helper()

	n := frames * tinyConfig().FrameSize()

	return mustTensorT(t, seqDataT(n, 0.2), 1, 1, int64(n))
}

func TestFrameSize(t *testing.T) {
	if got := DefaultConfig().FrameSize(); got != 1920 {
		t.Fatalf("default FrameSize() = %d, want 1920", got)
	}

	if got := tinyConfig().FrameSize(); got != 12 {
		t.Fatalf("tiny FrameSize() = %d, want 12", got)
	}

	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v", err)
	}
}

func TestEncodeStepFrameCount(t *testing.T) {
	m := buildTiny(t)

	codes, err := m.Encode(tinyPCM(t, 5))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if len(codes) != 5 {
		t.Fatalf("frames = %d, want 5", len(codes))
	}

	for i, frame := range codes {
		if len(frame) != m.NumCodebooks() {
			t.Fatalf("frame %d has %d codes, want %d", i, len(frame), m.NumCodebooks())
		}

		for _, c := range frame {
			if c < 0 || c >= 4 {
				t.Fatalf("frame %d code %d out of range", i, c)
			}
		}
	}
}

func TestEncodeChunkingInvariance(t *testing.T) {
	m := buildTiny(t)
	pcm := tinyPCM(t, 6)

	whole, err := m.Encode(pcm)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	for _, sizes := range [][]int{{1}, {5, 7}, {12}, {13, 2, 30}} {
		m.ResetState()

		var got [][]int

		for pos, i := 0, 0; pos < int(pcm.Dim(-1)); i++ {
			n := min(sizes[i%len(sizes)], int(pcm.Dim(-1))-pos)

			part, err := pcm.Narrow(-1, int64(pos), int64(n))
			if err != nil {
				t.Fatal(err)
			}

			frames, err := m.EncodeStep(stream.Present(part))
			if err != nil {
				t.Fatalf("EncodeStep: %v", err)
			}

			got = append(got, frames...)
			pos += n
		}

		if fmt.Sprint(got) != fmt.Sprint(whole) {
			t.Fatalf("chunks %v: codes = %v, want %v", sizes, got, whole)
		}
	}
}

func TestDecodeChunkingInvariance(t *testing.T) {
	m := buildTiny(t)
	frames := [][]int{{0, 1}, {2, 3}, {1, 1}, {3, 0}}

	whole, err := m.Decode(frames)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got := int(whole.Dim(-1)); got != len(frames)*12 {
		t.Fatalf("decoded length = %d, want %d", got, len(frames)*12)
	}

	m.ResetState()

	var got []float32

	for _, f := range frames {
		out, err := m.DecodeStep([][]int{f})
		if err != nil {
			t.Fatalf("DecodeStep: %v", err)
		}

		if out.Len(-1) != 12 {
			t.Fatalf("step emitted %d samples, want 12", out.Len(-1))
		}

		got = append(got, out.Tensor().RawData()...)
	}

	if !equalApprox(got, whole.RawData(), 1e-4) {
		t.Fatalf("stepped decode differs from whole decode\n got %v\nwant %v", got, whole.RawData())
	}
}

func TestDecodeRejectsRaggedFrames(t *testing.T) {
	m := buildTiny(t)

	if _, err := m.DecodeStep([][]int{{0, 1}, {2}}); err == nil {
		t.Fatal("expected error for ragged frames")
	}

	out, err := m.DecodeStep(nil)
	if err != nil || !out.IsEmpty() {
		t.Fatalf("DecodeStep(nil) = %v, %v; want empty chunk", out, err)
	}
}

func TestResetStateRepeatsOutput(t *testing.T) {
	m := buildTiny(t)
	pcm := tinyPCM(t, 3)

	first, err := m.Encode(pcm)
	if err != nil {
		t.Fatal(err)
	}

	// Continue streaming without reset so state is dirty.
	if _, err := m.EncodeStep(stream.Present(pcm)); err != nil {
		t.Fatal(err)
	}

	second, err := m.Encode(pcm)
	if err != nil {
		t.Fatal(err)
	}

	if fmt.Sprint(first) != fmt.Sprint(second) {
		t.Fatalf("codes after reset = %v, want %v", second, first)
	}
}

func TestPartialFrameEmitsNothing(t *testing.T) {
	m := buildTiny(t)

	frames, err := m.EncodeStep(stream.Present(mustTensorT(t, seqDataT(11, 0), 1, 1, 11)))
	if err != nil {
		t.Fatalf("EncodeStep: %v", err)
	}

	if len(frames) != 0 {
		t.Fatalf("frames = %d, want 0 before a full frame", len(frames))
	}

	frames, err = m.EncodeStep(stream.Present(mustTensorT(t, seqDataT(1, 0), 1, 1, 1)))
	if err != nil {
		t.Fatalf("EncodeStep: %v", err)
	}

	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1 once 12 samples arrived", len(frames))
	}
}

func TestHooksWrapEncodeAndDecode(t *testing.T) {
	rec := perf.NewRecorder()
	m := buildTiny(t, WithHook(rec.Hook()))

	if _, err := m.EncodeStep(stream.Present(tinyPCM(t, 1))); err != nil {
		t.Fatal(err)
	}

	if _, err := m.DecodeStep([][]int{{0, 0}}); err != nil {
		t.Fatal(err)
	}

	want := []perf.EventKind{perf.BeginEncode, perf.EndEncode, perf.BeginDecode, perf.EndDecode}
	events := rec.Events()

	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}

	for i, ev := range events {
		if ev.Kind != want[i] {
			t.Fatalf("event %d = %v, want %v", i, ev.Kind, want[i])
		}
	}
}

func TestNewValidatesCheckpoint(t *testing.T) {
	cfg := tinyConfig()

	src := buildWeights(t, cfg)
	delete(src, "downsample.conv.conv.conv.weight")

	_, err := New(nn.NewVarBuilder(src, nn.LayoutPyTorch), cfg)
	if !errors.Is(err, nn.ErrMissingTensor) {
		t.Fatalf("New without downsample = %v, want ErrMissingTensor", err)
	}

	src = buildWeights(t, cfg)
	src["encoder.model.0.conv.conv.weight"] = mustTensorT(t, seqDataT(6, 0), 3, 1, 2)

	if _, err := New(nn.NewVarBuilder(src, nn.LayoutPyTorch), cfg); err == nil {
		t.Fatal("expected shape mismatch error")
	}

	nonCausal := tinyConfig()
	nonCausal.Seanet.Causal = false

	if _, err := New(nn.NewVarBuilder(buildWeights(t, cfg), nn.LayoutPyTorch), nonCausal); !errors.Is(err, ErrNonStreaming) {
		t.Fatalf("non-causal New = %v, want ErrNonStreaming", err)
	}

	tooMany := tinyConfig().WithCodebooks(4)

	if _, err := New(nn.NewVarBuilder(buildWeights(t, cfg), nn.LayoutPyTorch), tooMany); err == nil {
		t.Fatal("expected error for more codebooks than the checkpoint holds")
	}
}

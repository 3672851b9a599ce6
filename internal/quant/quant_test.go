package quant

import (
	"testing"

	"github.com/example/go-moshi/internal/nn"
	"github.com/example/go-moshi/internal/runtime/tensor"
)

func mustTensor(t *testing.T, data []float32, shape ...int64) *tensor.Tensor {
	t.Helper()

	out, err := tensor.New(data, shape)
	if err != nil {
		t.Fatalf("tensor.New(%v): %v", shape, err)
	}

	return out
}

// axisCodebook has centroids at +-scale on each of the two axes.
func axisCodebook(t *testing.T, scale float32) *EuclideanCodebook {
	t.Helper()

	sum := mustTensor(t, []float32{
		2 * scale, 0,
		-2 * scale, 0,
		0, 2 * scale,
		0, -2 * scale,
	}, 4, 2)
	usage := mustTensor(t, []float32{2, 2, 2, 2}, 4)

	cb, err := NewEuclideanCodebook(sum, usage)
	if err != nil {
		t.Fatalf("NewEuclideanCodebook: %v", err)
	}

	return cb
}

func TestEuclideanCodebookEncodeNearest(t *testing.T) {
	cb := axisCodebook(t, 1)
	x := mustTensor(t, []float32{
		0.9, 0.1,
		-0.7, 0.2,
		0.1, 0.8,
		0.0, -3,
	}, 4, 2)

	ids, err := cb.Encode(x)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	want := []int{0, 1, 2, 3}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}

func TestEuclideanCodebookTiesPickLowest(t *testing.T) {
	cb := axisCodebook(t, 1)

	ids, err := cb.Encode(mustTensor(t, []float32{0, 0}, 1, 2))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if ids[0] != 0 {
		t.Fatalf("tie id = %d, want 0", ids[0])
	}
}

func TestEuclideanCodebookUnusedBinGuard(t *testing.T) {
	sum := mustTensor(t, []float32{1, 1, 0, 0}, 2, 2)
	usage := mustTensor(t, []float32{1, 0}, 2)

	cb, err := NewEuclideanCodebook(sum, usage)
	if err != nil {
		t.Fatalf("NewEuclideanCodebook: %v", err)
	}

	out, err := cb.Decode([]int{1})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	for _, v := range out.RawData() {
		if v != 0 {
			t.Fatalf("unused bin decoded to %v, want zeros", out.RawData())
		}
	}
}

func TestEuclideanCodebookInvalidate(t *testing.T) {
	sum := mustTensor(t, []float32{1, 0, 0, 1}, 2, 2)
	usage := mustTensor(t, []float32{1, 1}, 2)

	cb, err := NewEuclideanCodebook(sum, usage)
	if err != nil {
		t.Fatalf("NewEuclideanCodebook: %v", err)
	}

	if _, err := cb.Decode([]int{0}); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	usage.RawData()[0] = 4
	cb.Invalidate()

	out, err := cb.Decode([]int{0})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got := out.RawData()[0]; got != 0.25 {
		t.Fatalf("after Invalidate e[0][0] = %v, want 0.25", got)
	}
}

func TestEuclideanCodebookDecodeRange(t *testing.T) {
	cb := axisCodebook(t, 1)
	if _, err := cb.Decode([]int{4}); err == nil {
		t.Fatal("expected out-of-range error")
	}
}

func TestResidualQuantizerRefinesResidual(t *testing.T) {
	coarse := axisCodebook(t, 1)
	fine := axisCodebook(t, 0.25)

	q, err := NewResidualVectorQuantizer(nil, nil, []*EuclideanCodebook{coarse, fine})
	if err != nil {
		t.Fatalf("NewResidualVectorQuantizer: %v", err)
	}

	// One frame [1, 2, 1] at (1.25, 0).
	x := mustTensor(t, []float32{1.25, 0}, 1, 2, 1)

	codes, err := q.Encode(x, 0)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if len(codes) != 2 || codes[0][0] != 0 || codes[1][0] != 0 {
		t.Fatalf("codes = %v, want [[0] [0]]", codes)
	}

	out, err := q.Decode(codes)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	got := out.RawData()
	if len(got) != 2 || got[0] != 1.25 || got[1] != 0 {
		t.Fatalf("decoded = %v, want [1.25 0]", got)
	}
}

func TestResidualQuantizerProjections(t *testing.T) {
	cb := axisCodebook(t, 1)
	// input_proj swaps the two channels, output_proj doubles them.
	in := mustTensor(t, []float32{0, 1, 1, 0}, 2, 2, 1)
	outP := mustTensor(t, []float32{2, 0, 0, 2}, 2, 2, 1)

	q, err := NewResidualVectorQuantizer(in, outP, []*EuclideanCodebook{cb})
	if err != nil {
		t.Fatalf("NewResidualVectorQuantizer: %v", err)
	}

	codes, err := q.Encode(mustTensor(t, []float32{0, 0.9}, 1, 2, 1), 1)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if codes[0][0] != 0 {
		t.Fatalf("code = %d, want 0 after swap", codes[0][0])
	}

	out, err := q.Decode(codes)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got := out.RawData(); got[0] != 2 || got[1] != 0 {
		t.Fatalf("decoded = %v, want [2 0]", got)
	}
}

func splitFixture(t *testing.T) *SplitResidualVectorQuantizer {
	t.Helper()

	first, err := NewResidualVectorQuantizer(nil, nil, []*EuclideanCodebook{axisCodebook(t, 1)})
	if err != nil {
		t.Fatal(err)
	}

	rest, err := NewResidualVectorQuantizer(nil, nil, []*EuclideanCodebook{axisCodebook(t, 1), axisCodebook(t, 0.5)})
	if err != nil {
		t.Fatal(err)
	}

	q, err := NewSplitResidualVectorQuantizer(first, rest, 3)
	if err != nil {
		t.Fatalf("NewSplitResidualVectorQuantizer: %v", err)
	}

	return q
}

func TestSplitQuantizerEncodeIndependentGroups(t *testing.T) {
	q := splitFixture(t)
	// Two frames: (0.9, 0.1) and (0.1, -1.4), laid out [1, 2, 2].
	x := mustTensor(t, []float32{0.9, 0.1, 0.1, -1.4}, 1, 2, 2)

	codes, err := q.Encode(x)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if len(codes) != 3 {
		t.Fatalf("len(codes) = %d, want 3", len(codes))
	}

	// The semantic and acoustic groups see the same input, so their first
	// codes agree.
	for ts := range 2 {
		if codes[0][ts] != codes[1][ts] {
			t.Fatalf("codes[0] = %v, codes[1] = %v", codes[0], codes[1])
		}
	}

	if codes[0][0] != 0 || codes[0][1] != 3 {
		t.Fatalf("semantic codes = %v, want [0 3]", codes[0])
	}
}

func TestSplitQuantizerDecodeSumsGroups(t *testing.T) {
	q := splitFixture(t)

	out, err := q.Decode([][]int{{0}, {2}})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got := out.RawData(); got[0] != 1 || got[1] != 1 {
		t.Fatalf("decoded = %v, want [1 1]", got)
	}

	if _, err := q.Decode(nil); err == nil {
		t.Fatal("expected error for empty codes")
	}

	if _, err := q.Decode([][]int{{0}, {0}, {0}, {0}}); err == nil {
		t.Fatal("expected error for too many codebooks")
	}
}

func TestLoadSplitQuantizer(t *testing.T) {
	const dim, cbDim, bins = 2, 2, 4

	src := nn.MapSource{}
	eye := []float32{1, 0, 0, 1}

	for _, group := range []string{"rvq_first", "rvq_rest"} {
		src["quantizer."+group+".input_proj.weight"] = mustTensor(t, eye, cbDim, dim, 1)
		src["quantizer."+group+".output_proj.weight"] = mustTensor(t, eye, dim, cbDim, 1)
	}

	cbSum := []float32{2, 0, -2, 0, 0, 2, 0, -2}
	cbUsage := []float32{2, 2, 2, 2}

	src["quantizer.rvq_first.vq.layers.0._codebook.embedding_sum"] = mustTensor(t, cbSum, bins, cbDim)
	src["quantizer.rvq_first.vq.layers.0._codebook.cluster_usage"] = mustTensor(t, cbUsage, bins)

	for i := range 3 {
		prefix := "quantizer.rvq_rest.vq.layers." + string(rune('0'+i)) + "._codebook."
		src[prefix+"embedding_sum"] = mustTensor(t, cbSum, bins, cbDim)
		src[prefix+"cluster_usage"] = mustTensor(t, cbUsage, bins)
	}

	vb := nn.NewVarBuilder(src, nn.LayoutPyTorch).Path("quantizer")

	q, err := LoadSplitResidualVectorQuantizer(vb, SplitConfig{
		Dimension: dim, CodebookDim: cbDim, Bins: bins, NumCodebooks: 2, MaxCodebooks: 4,
	})
	if err != nil {
		t.Fatalf("LoadSplitResidualVectorQuantizer: %v", err)
	}

	if q.NumCodebooks() != 2 {
		t.Fatalf("NumCodebooks() = %d, want 2", q.NumCodebooks())
	}

	codes, err := q.Encode(mustTensor(t, []float32{-1, 0}, 1, 2, 1))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if len(codes) != 2 || codes[0][0] != 1 || codes[1][0] != 1 {
		t.Fatalf("codes = %v, want [[1] [1]]", codes)
	}

	if _, err := LoadSplitResidualVectorQuantizer(vb, SplitConfig{
		Dimension: dim, CodebookDim: cbDim, Bins: bins, NumCodebooks: 5, MaxCodebooks: 4,
	}); err == nil {
		t.Fatal("expected error when requesting more codebooks than stored")
	}
}

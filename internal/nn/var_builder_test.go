package nn

import (
	"errors"
	"testing"

	"github.com/example/go-moshi/internal/runtime/tensor"
	"github.com/example/go-moshi/internal/safetensors"
)

func mustTensor(t *testing.T, data []float32, shape ...int64) *tensor.Tensor {
	t.Helper()

	out, err := tensor.New(data, shape)
	if err != nil {
		t.Fatalf("tensor.New: %v", err)
	}

	return out
}

func TestVarBuilderOverStore(t *testing.T) {
	blob, err := safetensors.EncodeTensors([]safetensors.Tensor{
		{Name: "layers.0.self_attn.in_proj_weight", Shape: []int64{6, 2}, Data: make([]float32, 12)},
		{Name: "layers.0.norm1.alpha", Shape: []int64{1, 1, 2}, Data: []float32{2, 3}},
	}, nil)
	if err != nil {
		t.Fatalf("EncodeTensors: %v", err)
	}

	store, err := safetensors.OpenStoreFromBytes(blob, safetensors.StoreOptions{KeyMapper: safetensors.MoshiKeyMapper})
	if err != nil {
		t.Fatalf("OpenStoreFromBytes: %v", err)
	}

	vb := NewVarBuilder(StoreSource{Store: store}, LayoutPyTorch).Path("layers", 0)

	if got := vb.Prefix(); got != "layers.0" {
		t.Fatalf("Prefix() = %q, want layers.0", got)
	}

	lin, err := LoadLinear(vb, "self_attn.in_proj", 2, 6, true)
	if err != nil {
		t.Fatalf("LoadLinear: %v", err)
	}

	if lin.Bias != nil || lin.OutFeatures() != 6 {
		t.Fatalf("linear = out %d bias %v", lin.OutFeatures(), lin.Bias)
	}

	norm, err := LoadRMSNorm(vb, "norm1", 2, 1e-8)
	if err != nil {
		t.Fatalf("LoadRMSNorm: %v", err)
	}

	if got := norm.Alpha.Shape(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("alpha shape = %v, want [2]", got)
	}

	if _, err := vb.Tensor("self_attn.in_proj.weight", 2, 6); err == nil {
		t.Fatal("expected shape mismatch error")
	}

	_, err = vb.Tensor("missing.weight")
	if !errors.Is(err, ErrMissingTensor) {
		t.Fatalf("missing tensor error = %v, want ErrMissingTensor", err)
	}
}

func TestConvWeightLayouts(t *testing.T) {
	// out=2, in=1, k=3 in PyTorch order.
	torch := mustTensor(t, []float32{1, 2, 3, 4, 5, 6}, 2, 1, 3)
	// Same kernel stored as [out, k, in].
	mlx := mustTensor(t, []float32{1, 2, 3, 4, 5, 6}, 2, 3, 1)

	for _, tc := range []struct {
		name   string
		layout Layout
		w      *tensor.Tensor
	}{
		{"pytorch", LayoutPyTorch, torch},
		{"mlx", LayoutMLX, mlx},
	} {
		t.Run(tc.name, func(t *testing.T) {
			vb := NewVarBuilder(MapSource{"conv.weight": tc.w}, tc.layout)

			got, err := vb.ConvWeight("conv.weight", 2, 1, 3)
			if err != nil {
				t.Fatalf("ConvWeight: %v", err)
			}

			want := []float32{1, 2, 3, 4, 5, 6}
			for i, v := range got.Data() {
				if v != want[i] {
					t.Fatalf("ConvWeight = %v, want %v", got.Data(), want)
				}
			}
		})
	}
}

func TestConvTransposeWeightMLX(t *testing.T) {
	// [outPG=1, k=2, in=3]: element (0, kx, ic) = 10*ic + kx.
	mlx := mustTensor(t, []float32{0, 10, 20, 1, 11, 21}, 1, 2, 3)
	vb := NewVarBuilder(MapSource{"convtr.weight": mlx}, LayoutMLX)

	got, err := vb.ConvTransposeWeight("convtr.weight", 3, 1, 2)
	if err != nil {
		t.Fatalf("ConvTransposeWeight: %v", err)
	}

	want := []float32{0, 1, 10, 11, 20, 21}
	for i, v := range got.Data() {
		if v != want[i] {
			t.Fatalf("ConvTransposeWeight = %v, want %v", got.Data(), want)
		}
	}
}

func TestEmbeddingRows(t *testing.T) {
	e := &Embedding{Weight: mustTensor(t, []float32{1, 2, 3, 4, 5, 6}, 3, 2)}

	dst := []float32{0.5, 0.5}
	if err := e.AddRow(dst, 2); err != nil {
		t.Fatalf("AddRow: %v", err)
	}

	if dst[0] != 5.5 || dst[1] != 6.5 {
		t.Fatalf("AddRow = %v, want [5.5 6.5]", dst)
	}

	if _, err := e.Row(3); err == nil {
		t.Fatal("expected out-of-range error")
	}
}

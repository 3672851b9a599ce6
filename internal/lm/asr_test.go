package lm

import (
	"strings"
	"testing"

	"github.com/example/go-moshi/internal/runtime/tensor"
	"github.com/example/go-moshi/internal/stream"
)

const fakeFrameSize = 4

// fakeCodec emits one frame per fakeFrameSize samples and carries leftovers.
type fakeCodec struct {
	codebooks int
	pending   int
	frames    int
	resets    int
}

func (f *fakeCodec) EncodeStep(pcm stream.Chunk) ([][]int, error) {
	f.pending += pcm.Len(2)

	var out [][]int

	for f.pending >= fakeFrameSize {
		f.pending -= fakeFrameSize

		frame := make([]int, f.codebooks)
		for j := range frame {
			frame[j] = (f.frames + j) % 4
		}

		out = append(out, frame)
		f.frames++
	}

	return out, nil
}

func (f *fakeCodec) ResetState() {
	f.pending, f.frames = 0, 0
	f.resets++
}

func fullVocab(n int) Vocab {
	v := Vocab{}
	for i := range n {
		v[i] = "▁t" + string(rune('a'+i))
	}

	return v
}

func TestVocabText(t *testing.T) {
	v, err := ParseVocab(strings.NewReader(`{"0": "<pad>", "5": "▁hello", "6": "wor▁ld"}`))
	if err != nil {
		t.Fatalf("ParseVocab: %v", err)
	}

	tests := []struct {
		id   int
		want string
		ok   bool
	}{
		{id: 5, want: " hello", ok: true},
		{id: 6, want: "wor ld", ok: true},
		{id: 0, want: "<pad>", ok: true},
		{id: 9, want: "", ok: false},
	}

	for _, tc := range tests {
		got, ok := v.Text(tc.id)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("Text(%d) = %q, %v; want %q, %v", tc.id, got, ok, tc.want, tc.ok)
		}
	}

	if _, err := ParseVocab(strings.NewReader(`{"x": "a"}`)); err == nil {
		t.Fatal("expected error for non-numeric key")
	}
}

func TestASRMatchesGenerator(t *testing.T) {
	cfg := tinyASRConfig()
	gc := DefaultGenConfig()
	gc.TextDelay = 2

	codec := &fakeCodec{codebooks: 3}
	vocab := fullVocab(cfg.TextOutVocab)

	asr, err := NewASR(codec, buildTiny(t, cfg), vocab, gc)
	if err != nil {
		t.Fatalf("NewASR: %v", err)
	}

	// Reference: the same model driven directly with the frames the codec emits.
	ref := NewGenerator(buildTiny(t, cfg), gc)
	if err := ref.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	refCodec := &fakeCodec{codebooks: 3}

	pcm := make([]float32, 10*fakeFrameSize)

	for start := 0; start < len(pcm); start += 6 {
		chunk := pcm[start:min(start+6, len(pcm))]

		got, err := asr.OnPCM(chunk)
		if err != nil {
			t.Fatalf("OnPCM: %v", err)
		}

		frames, _ := refCodec.EncodeStep(stream.Present(mustChunk(t, len(chunk))))

		var expect []string

		for _, f := range frames {
			tok, ok, err := ref.Step(f[:cfg.UserCodebooks()])
			if err != nil {
				t.Fatalf("Step: %v", err)
			}

			if ok {
				piece, _ := vocab.Text(tok)
				expect = append(expect, piece)
			}
		}

		if strings.Join(got, "|") != strings.Join(expect, "|") {
			t.Fatalf("chunk at %d: OnPCM = %q, want %q", start, got, expect)
		}

	}

	if asr.Generator().Count() != 10 {
		t.Fatalf("Count() = %d, want 10", asr.Generator().Count())
	}

	if err := asr.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	if codec.resets != 2 || asr.Generator().Count() != 0 {
		t.Fatalf("after Reset resets=%d count=%d, want 2/0", codec.resets, asr.Generator().Count())
	}
}

func TestASRRejects(t *testing.T) {
	if _, err := NewASR(&fakeCodec{codebooks: 4}, buildTiny(t, tinyConfig()), Vocab{}, DefaultGenConfig()); err == nil {
		t.Fatal("expected error for a model with a depformer")
	}

	asr, err := NewASR(&fakeCodec{codebooks: 1}, buildTiny(t, tinyASRConfig()), Vocab{}, DefaultGenConfig())
	if err != nil {
		t.Fatalf("NewASR: %v", err)
	}

	if _, err := asr.OnPCM(make([]float32, fakeFrameSize)); err == nil {
		t.Fatal("expected error for a codec with too few codebooks")
	}

	if out, err := asr.OnPCM(nil); err != nil || out != nil {
		t.Fatalf("OnPCM(nil) = %v, %v; want nil, nil", out, err)
	}
}

func mustChunk(t *testing.T, n int) *tensor.Tensor {
	t.Helper()

	x, err := tensor.New(make([]float32, n), []int64{1, 1, int64(n)})
	if err != nil {
		t.Fatalf("tensor.New: %v", err)
	}

	return x
}

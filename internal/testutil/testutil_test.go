package testutil_test

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/example/go-moshi/internal/testutil"
	"github.com/example/go-moshi/internal/transformer"
)

func TestRequireWeights_SkipsWhenUnset(t *testing.T) {
	t.Setenv(testutil.EnvMimiWeights, "")

	skipped := false
	fakeT := &skipTracker{TB: t, onSkip: func() { skipped = true }}
	testutil.RequireWeights(fakeT, testutil.EnvMimiWeights)

	if !skipped {
		t.Error("expected RequireWeights to skip when the variable is unset")
	}
}

func TestRequireWeights_SkipsWhenMissing(t *testing.T) {
	t.Setenv(testutil.EnvLMWeights, filepath.Join(t.TempDir(), "missing.safetensors"))

	skipped := false
	fakeT := &skipTracker{TB: t, onSkip: func() { skipped = true }}
	testutil.RequireWeights(fakeT, testutil.EnvLMWeights)

	if !skipped {
		t.Error("expected RequireWeights to skip when the file is absent")
	}
}

func TestAssertWAV(t *testing.T) {
	if got := testutil.AssertWAV(t, tinyWAV(480)); len(got) != 480 {
		t.Fatalf("decoded %d samples, want 480", len(got))
	}

	testutil.AssertWAVDurationApprox(t, tinyWAV(2400), 0.09, 0.11)
}

func TestWeightsDeterministic(t *testing.T) {
	cfg := transformer.Config{
		DModel: 4, NumHeads: 2, NumLayers: 1, Norm: transformer.NormRMS,
		Gating: true, DimFeedForward: 16, Context: 4, MaxPeriod: 10000,
	}

	a := testutil.NewWeights(t)
	a.Transformer("tr.", cfg)

	b := testutil.NewWeights(t)
	b.Transformer("tr.", cfg)

	if len(a.Source()) != len(b.Source()) {
		t.Fatalf("tensor count = %d, want %d", len(a.Source()), len(b.Source()))
	}

	for name, ta := range a.Source() {
		tb, ok := b.Source()[name]
		if !ok {
			t.Fatalf("missing %q", name)
		}

		if !equal(ta.RawData(), tb.RawData()) {
			t.Fatalf("%q differs between builds", name)
		}
	}

	if _, ok := a.Source()["tr.layers.0.gating.linear_in.weight"]; !ok {
		t.Fatal("gated feed-forward weights not generated")
	}
}

func equal(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

func tinyWAV(samples int) []byte {
	var buf bytes.Buffer

	le := binary.LittleEndian
	dataSize := uint32(samples * 2)

	buf.WriteString("RIFF")
	_ = binary.Write(&buf, le, 36+dataSize)
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(&buf, le, uint32(16))
	_ = binary.Write(&buf, le, uint16(1))
	_ = binary.Write(&buf, le, uint16(1))
	_ = binary.Write(&buf, le, uint32(24000))
	_ = binary.Write(&buf, le, uint32(48000))
	_ = binary.Write(&buf, le, uint16(2))
	_ = binary.Write(&buf, le, uint16(16))
	buf.WriteString("data")
	_ = binary.Write(&buf, le, dataSize)
	buf.Write(make([]byte, dataSize))

	return buf.Bytes()
}

// skipTracker is a minimal testing.TB implementation that intercepts Skip calls.
type skipTracker struct {
	testing.TB
	onSkip func()
}

func (s *skipTracker) Helper() {}

func (s *skipTracker) Skipf(_ string, _ ...any) {
	s.onSkip()
	// Do NOT call s.TB.Skip, that would skip the outer test.
}

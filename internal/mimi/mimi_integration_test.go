package mimi

import (
	"testing"

	"github.com/example/go-moshi/internal/stream"
	"github.com/example/go-moshi/internal/testutil"
)

func TestRealCheckpointRoundTrip(t *testing.T) {
	path := testutil.RequireWeights(t, testutil.EnvMimiWeights)

	m, closeFn, err := Load(path, DefaultConfig())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer func() { _ = closeFn() }()

	frame := m.Config().FrameSize()
	pcm := testutil.Wave(4*frame, 0, 0.3)

	frames, err := m.EncodeStep(stream.Present(mustTensorT(t, pcm, 1, 1, int64(len(pcm)))))
	if err != nil {
		t.Fatalf("EncodeStep: %v", err)
	}

	if len(frames) != 4 {
		t.Fatalf("frames = %d, want 4", len(frames))
	}

	for i, f := range frames {
		if len(f) != m.NumCodebooks() {
			t.Fatalf("frame %d has %d codes, want %d", i, len(f), m.NumCodebooks())
		}
	}

	out, err := m.DecodeStep(frames)
	if err != nil {
		t.Fatalf("DecodeStep: %v", err)
	}

	if got := out.Len(2); got != 4*frame {
		t.Fatalf("decoded %d samples, want %d", got, 4*frame)
	}
}

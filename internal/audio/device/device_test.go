package device

import (
	"log/slog"
	"testing"

	"github.com/example/go-moshi/internal/audio"
)

func TestMicConfigDefaults(t *testing.T) {
	got := MicConfig{}.withDefaults()
	if got.SampleRate != audio.ExpectedSampleRate || got.Channels != 1 || got.PeriodMs != 20 || got.Logger == nil {
		t.Fatalf("withDefaults = %+v", got)
	}

	kept := MicConfig{SampleRate: 48000, Channels: 2, PeriodMs: 10}.withDefaults()
	if kept.SampleRate != 48000 || kept.Channels != 2 || kept.PeriodMs != 10 {
		t.Fatalf("withDefaults overrode explicit values: %+v", kept)
	}
}

func TestMicCallbackFeedsCapture(t *testing.T) {
	q := audio.NewCaptureQueue(nil)
	c := audio.NewCapture(q, 4)
	c.SelectChannel(0)

	m := &Mic{capture: c, rate: audio.ExpectedSampleRate, channels: 2, log: slog.Default()}

	// Four stereo frames: left carries the signal, right is noise.
	m.onData(nil, audio.Float32LE([]float32{0.1, 9, 0.2, 9, 0.3, 9, 0.4, 9}), 4)

	chunk, ok := q.TryPop()
	if !ok {
		t.Fatal("no chunk pushed from the device callback")
	}

	want := []float32{0.1, 0.2, 0.3, 0.4}
	for i := range want {
		if chunk[i] != want[i] {
			t.Fatalf("chunk = %v, want %v", chunk, want)
		}
	}

	m.onData(nil, []byte{1, 2, 3}, 0)
	m.onData(nil, []byte{1, 2, 3}, 0)

	if m.Dropped() != 2 {
		t.Fatalf("Dropped = %d, want 2", m.Dropped())
	}
}

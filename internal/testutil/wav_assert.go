package testutil

import (
	"testing"

	"github.com/example/go-moshi/internal/audio"
)

// AssertWAV decodes data and fails unless it is a 24 kHz mono WAV holding at
// least one sample. The decoded samples are returned for further checks.
func AssertWAV(tb testing.TB, data []byte) []float32 {
	tb.Helper()

	pcm, err := audio.ReadWAV(data)
	if err != nil {
		tb.Fatalf("WAV: %v", err)
	}

	if pcm.SampleRate != audio.ExpectedSampleRate {
		tb.Fatalf("WAV: sample rate %d, want %d", pcm.SampleRate, audio.ExpectedSampleRate)
	}

	if pcm.Channels != audio.ExpectedChannels {
		tb.Fatalf("WAV: %d channels, want %d", pcm.Channels, audio.ExpectedChannels)
	}

	if pcm.Frames() == 0 {
		tb.Fatal("WAV: no samples")
	}

	return pcm.Samples
}

// AssertWAVDurationApprox fails unless the decoded duration of data is within
// [minSec, maxSec].
func AssertWAVDurationApprox(tb testing.TB, data []byte, minSec, maxSec float64) {
	tb.Helper()

	samples := AssertWAV(tb, data)

	sec := float64(len(samples)) / audio.ExpectedSampleRate
	if sec < minSec || sec > maxSec {
		tb.Fatalf("WAV duration %.3fs out of expected range [%.3fs, %.3fs]", sec, minSec, maxSec)
	}
}

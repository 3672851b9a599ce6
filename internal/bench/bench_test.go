package bench_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/example/go-moshi/internal/bench"
	"github.com/example/go-moshi/internal/perf"
)

// ---------------------------------------------------------------------------
// Aggregation
// ---------------------------------------------------------------------------

func TestStats_MinMaxMean(t *testing.T) {
	durations := []time.Duration{
		300 * time.Millisecond,
		100 * time.Millisecond,
		200 * time.Millisecond,
	}
	s := bench.ComputeStats(durations)

	if s.Min != 100*time.Millisecond {
		t.Errorf("want min=100ms, got %v", s.Min)
	}

	if s.Max != 300*time.Millisecond {
		t.Errorf("want max=300ms, got %v", s.Max)
	}

	if s.Mean != 200*time.Millisecond {
		t.Errorf("want mean=200ms, got %v", s.Mean)
	}

	if s.P50 != 200*time.Millisecond {
		t.Errorf("want p50=200ms, got %v", s.P50)
	}

	if durations[0] != 300*time.Millisecond {
		t.Error("ComputeStats reordered its input")
	}
}

func TestStats_Percentiles(t *testing.T) {
	durations := make([]time.Duration, 100)
	for i := range durations {
		durations[i] = time.Duration(i+1) * time.Millisecond
	}

	s := bench.ComputeStats(durations)
	if s.P50 != 50*time.Millisecond || s.P95 != 95*time.Millisecond {
		t.Errorf("p50=%v p95=%v, want 50ms 95ms", s.P50, s.P95)
	}
}

func TestStats_Empty(t *testing.T) {
	if s := bench.ComputeStats(nil); s != (bench.Stats{}) {
		t.Errorf("empty stats = %+v, want zero", s)
	}
}

// ---------------------------------------------------------------------------
// RTF
// ---------------------------------------------------------------------------

func TestRTF_Calculation(t *testing.T) {
	// 1 second of audio processed in 500ms → RTF = 0.5
	rtf := bench.CalcRTF(500*time.Millisecond, time.Second)
	if rtf < 0.499 || rtf > 0.501 {
		t.Errorf("want RTF≈0.5, got %.4f", rtf)
	}

	if rtf := bench.CalcRTF(500*time.Millisecond, 0); rtf != 0 {
		t.Errorf("want RTF=0 for zero audio duration, got %.4f", rtf)
	}
}

func TestAudioDuration(t *testing.T) {
	if d := bench.AudioDuration(24000, 24000); d != time.Second {
		t.Errorf("AudioDuration = %v, want 1s", d)
	}

	if d := bench.AudioDuration(1920, 24000); d != bench.FrameBudget {
		t.Errorf("AudioDuration(frame) = %v, want %v", d, bench.FrameBudget)
	}

	if d := bench.AudioDuration(10, 0); d != 0 {
		t.Errorf("AudioDuration(rate 0) = %v, want 0", d)
	}
}

func TestRTFThreshold(t *testing.T) {
	tests := []struct {
		name      string
		rtf       float64
		threshold float64
		wantErr   bool
	}{
		{"exceeds", 1.5, 1.0, true},
		{"below", 0.8, 1.0, false},
		{"exact", 1.0, 1.0, false},
		{"disabled", 9999, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := bench.CheckRTFThreshold(tt.rtf, tt.threshold)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckRTFThreshold(%v, %v) = %v, wantErr %v", tt.rtf, tt.threshold, err, tt.wantErr)
			}
		})
	}
}

func TestMeanRTF_SkipsCold(t *testing.T) {
	runs := []bench.RunResult{{Cold: true, RTF: 3}, {RTF: 1}, {RTF: 0.5}}
	if got := bench.MeanRTF(runs); got != 0.75 {
		t.Errorf("MeanRTF = %v, want 0.75", got)
	}

	if got := bench.MeanRTF(runs[:1]); got != 3 {
		t.Errorf("MeanRTF(cold only) = %v, want 3", got)
	}
}

// ---------------------------------------------------------------------------
// Runner
// ---------------------------------------------------------------------------

func TestRun(t *testing.T) {
	var extra int

	opts := bench.Options{
		Runs: 3,
		Hook: func(perf.EventKind) { extra++ },
	}

	runs, err := bench.Run(context.Background(), opts, func(_ context.Context, hook perf.Hook) (bench.Pass, error) {
		for range 4 {
			hook.Emit(perf.BeginStep)
			hook.Emit(perf.EndStep)
		}

		return bench.Pass{Samples: 4 * 1920, SampleRate: 24000, Steps: 4}, nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(runs) != 3 {
		t.Fatalf("runs = %d, want 3", len(runs))
	}

	if !runs[0].Cold || runs[1].Cold {
		t.Errorf("cold flags = %v %v, want true false", runs[0].Cold, runs[1].Cold)
	}

	for _, r := range runs {
		if r.Stages["step"].Count != 4 {
			t.Errorf("run %d step count = %d, want 4", r.Index, r.Stages["step"].Count)
		}

		if r.AudioDuration != 320*time.Millisecond {
			t.Errorf("run %d audio = %v, want 320ms", r.Index, r.AudioDuration)
		}
	}

	if extra != 3*8 {
		t.Errorf("chained hook saw %d events, want 24", extra)
	}
}

func TestRun_Errors(t *testing.T) {
	ok := func(context.Context, perf.Hook) (bench.Pass, error) { return bench.Pass{}, nil }

	if _, err := bench.Run(context.Background(), bench.Options{Runs: 0}, ok); err == nil {
		t.Error("Run(runs=0) = nil, want error")
	}

	boom := errors.New("boom")
	calls := 0

	runs, err := bench.Run(context.Background(), bench.Options{Runs: 3}, func(context.Context, perf.Hook) (bench.Pass, error) {
		calls++
		if calls == 2 {
			return bench.Pass{}, boom
		}

		return bench.Pass{}, nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	if len(runs) != 1 {
		t.Errorf("partial runs = %d, want 1", len(runs))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := bench.Run(ctx, bench.Options{Runs: 1}, ok); !errors.Is(err, context.Canceled) {
		t.Errorf("Run(canceled) = %v, want context.Canceled", err)
	}
}

func TestProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cpu.pprof")

	var events int

	err := bench.Profile(context.Background(), path, func(hook perf.Hook) error {
		hook.Emit(perf.BeginEncode)
		events++
		hook.Emit(perf.EndEncode)

		return nil
	})
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}

	if events != 1 {
		t.Fatalf("fn ran %d times, want 1", events)
	}

	if fi, err := os.Stat(path); err != nil || fi.Size() == 0 {
		t.Fatalf("profile not written: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Output formatting
// ---------------------------------------------------------------------------

func sampleRuns() []bench.RunResult {
	stages := map[string]perf.StageStats{
		"step":      {Count: 10, Total: 500 * time.Millisecond, Max: 80 * time.Millisecond},
		"depformer": {Count: 10, Total: 100 * time.Millisecond, Max: 20 * time.Millisecond},
	}

	return []bench.RunResult{
		{Index: 0, Cold: true, Duration: 800 * time.Millisecond, RTF: 0.8, AudioDuration: time.Second, Steps: 10, Stages: stages},
		{Index: 1, Duration: 500 * time.Millisecond, RTF: 0.5, AudioDuration: time.Second, Steps: 10, Stages: stages},
	}
}

func TestFormatTable_ContainsHeaders(t *testing.T) {
	runs := sampleRuns()
	stats := bench.ComputeStats(bench.Durations(runs))

	var buf strings.Builder
	bench.FormatTable(runs, stats, &buf)
	out := strings.ToLower(buf.String())

	for _, want := range []string{"run", "cold", "ms", "rtf", "steps", "stage depformer", "stage step"} {
		if !strings.Contains(out, want) {
			t.Errorf("table output missing %q:\n%s", want, out)
		}
	}
}

func TestFormatJSON_IsValidJSON(t *testing.T) {
	runs := sampleRuns()
	stats := bench.ComputeStats(bench.Durations(runs))

	var buf bytes.Buffer
	if err := bench.FormatJSON(runs, stats, &buf); err != nil {
		t.Fatalf("FormatJSON: %v", err)
	}

	var out struct {
		Runs []struct {
			Stages map[string]struct {
				MeanMS float64 `json:"mean_ms"`
			} `json:"stages"`
		} `json:"runs"`
	}

	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("FormatJSON produced invalid JSON: %v\n%s", err, buf.String())
	}

	if got := out.Runs[0].Stages["step"].MeanMS; got != 50 {
		t.Errorf("step mean_ms = %v, want 50", got)
	}
}

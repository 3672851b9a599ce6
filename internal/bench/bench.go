// Package bench times repeated passes of the streaming pipeline for the
// moshi bench command and formats the results.
package bench

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/example/go-moshi/internal/perf"
)

// FrameBudget is the wall time one 12.5 Hz frame may take in real time.
const FrameBudget = 80 * time.Millisecond

// ---------------------------------------------------------------------------
// Run result and stats
// ---------------------------------------------------------------------------

// RunResult holds the timing and audio metadata of one pass.
type RunResult struct {
	Index         int
	Cold          bool // true for the first run (cold-start)
	Duration      time.Duration
	AudioDuration time.Duration
	RTF           float64
	Steps         int
	Stages        map[string]perf.StageStats
}

// StepTime is the mean wall time per generation step.
func (r RunResult) StepTime() time.Duration {
	s, ok := r.Stages["step"]
	if !ok || s.Count == 0 {
		return 0
	}

	return s.Mean()
}

// Stats holds aggregate timing statistics across all runs.
type Stats struct {
	Min  time.Duration
	Max  time.Duration
	Mean time.Duration
	P50  time.Duration
	P95  time.Duration
}

// ComputeStats calculates min, max, mean and percentiles over durations.
func ComputeStats(durations []time.Duration) Stats {
	if len(durations) == 0 {
		return Stats{}
	}

	sorted := slices.Clone(durations)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return Stats{
		Min:  sorted[0],
		Max:  sorted[len(sorted)-1],
		Mean: sum / time.Duration(len(sorted)),
		P50:  percentile(sorted, 0.50),
		P95:  percentile(sorted, 0.95),
	}
}

// percentile uses the nearest-rank method on sorted input.
func percentile(sorted []time.Duration, q float64) time.Duration {
	rank := int(q*float64(len(sorted))+0.999999) - 1
	rank = min(max(rank, 0), len(sorted)-1)

	return sorted[rank]
}

// ---------------------------------------------------------------------------
// RTF helpers
// ---------------------------------------------------------------------------

// CalcRTF returns processing_duration / audio_duration, 0 for empty audio.
func CalcRTF(procDur, audioDur time.Duration) float64 {
	if audioDur <= 0 {
		return 0
	}

	return float64(procDur) / float64(audioDur)
}

// AudioDuration converts a sample count at rate into playback time.
func AudioDuration(samples, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}

	return time.Duration(int64(samples) * int64(time.Second) / int64(rate))
}

// CheckRTFThreshold returns an error if meanRTF > threshold.
// A threshold of 0 disables the gate.
func CheckRTFThreshold(meanRTF, threshold float64) error {
	if threshold <= 0 {
		return nil
	}

	if meanRTF > threshold {
		return fmt.Errorf("mean RTF %.3f exceeds threshold %.3f", meanRTF, threshold)
	}

	return nil
}

// MeanRTF averages RTF over the warm runs, falling back to all runs when
// only the cold one exists.
func MeanRTF(runs []RunResult) float64 {
	var (
		sum float64
		n   int
	)

	for _, r := range runs {
		if r.Cold && len(runs) > 1 {
			continue
		}

		sum += r.RTF
		n++
	}

	if n == 0 {
		return 0
	}

	return sum / float64(n)
}

// ---------------------------------------------------------------------------
// Runner
// ---------------------------------------------------------------------------

// Pass is what one run reports back.
type Pass struct {
	Samples    int
	SampleRate int
	Steps      int
}

// RunFunc performs one pass through the pipeline, emitting stage events on
// hook.
type RunFunc func(ctx context.Context, hook perf.Hook) (Pass, error)

type Options struct {
	Runs int
	// Hook is chained after the per-run recorder, e.g. perf.LabelHook.
	Hook perf.Hook
}

// Run executes opts.Runs passes. The first run is marked cold.
func Run(ctx context.Context, opts Options, fn RunFunc) ([]RunResult, error) {
	if opts.Runs < 1 {
		return nil, errors.New("bench: runs must be >= 1")
	}

	results := make([]RunResult, 0, opts.Runs)

	for i := range opts.Runs {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		rec := perf.NewRecorder()
		start := time.Now()

		pass, err := fn(ctx, perf.Chain(rec.Hook(), opts.Hook))
		if err != nil {
			return results, fmt.Errorf("bench: run %d: %w", i+1, err)
		}

		elapsed := time.Since(start)
		audioDur := AudioDuration(pass.Samples, pass.SampleRate)

		results = append(results, RunResult{
			Index:         i,
			Cold:          i == 0,
			Duration:      elapsed,
			AudioDuration: audioDur,
			RTF:           CalcRTF(elapsed, audioDur),
			Steps:         pass.Steps,
			Stages:        rec.Stages(),
		})
	}

	return results, nil
}

// Durations extracts the wall time of every run.
func Durations(runs []RunResult) []time.Duration {
	out := make([]time.Duration, len(runs))
	for i, r := range runs {
		out[i] = r.Duration
	}

	return out
}

// ---------------------------------------------------------------------------
// Output formatters
// ---------------------------------------------------------------------------

// FormatTable writes a human-readable ASCII table of bench results to w.
func FormatTable(runs []RunResult, stats Stats, w io.Writer) {
	sb := &strings.Builder{}

	fmt.Fprintf(sb, "%-5s  %-5s  %10s  %12s  %8s  %6s  %10s\n", "Run", "Cold", "MS", "Audio(ms)", "RTF", "Steps", "Step(ms)")
	fmt.Fprintln(sb, strings.Repeat("-", 70))

	for _, r := range runs {
		cold := ""
		if r.Cold {
			cold = "yes"
		}

		fmt.Fprintf(sb, "%-5d  %-5s  %10.1f  %12.1f  %8.3f  %6d  %10.2f\n",
			r.Index+1,
			cold,
			ms(r.Duration),
			ms(r.AudioDuration),
			r.RTF,
			r.Steps,
			ms(r.StepTime()),
		)
	}

	fmt.Fprintln(sb, strings.Repeat("-", 70))
	fmt.Fprintf(sb, "%-12s  %10.1f  (min)\n", "", ms(stats.Min))
	fmt.Fprintf(sb, "%-12s  %10.1f  (mean)\n", "", ms(stats.Mean))
	fmt.Fprintf(sb, "%-12s  %10.1f  (p95)\n", "", ms(stats.P95))
	fmt.Fprintf(sb, "%-12s  %10.1f  (max)\n", "", ms(stats.Max))

	if len(runs) > 0 {
		last := runs[len(runs)-1]
		names := make([]string, 0, len(last.Stages))

		for name := range last.Stages {
			names = append(names, name)
		}

		sort.Strings(names)

		for _, name := range names {
			s := last.Stages[name]
			fmt.Fprintf(sb, "stage %-10s  count %6d  mean %8.2f ms  max %8.2f ms\n", name, s.Count, ms(s.Mean()), ms(s.Max))
		}
	}

	fmt.Fprint(w, sb.String())
}

func ms(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }

// jsonReport is the top-level JSON structure emitted by FormatJSON.
type jsonReport struct {
	Runs  []jsonRun `json:"runs"`
	Stats jsonStats `json:"stats"`
}

type jsonRun struct {
	Index      int                  `json:"index"`
	Cold       bool                 `json:"cold"`
	DurationMS float64              `json:"duration_ms"`
	AudioMS    float64              `json:"audio_ms"`
	RTF        float64              `json:"rtf"`
	Steps      int                  `json:"steps"`
	Stages     map[string]jsonStage `json:"stages,omitempty"`
}

type jsonStage struct {
	Count  int     `json:"count"`
	MeanMS float64 `json:"mean_ms"`
	MaxMS  float64 `json:"max_ms"`
}

type jsonStats struct {
	MinMS  float64 `json:"min_ms"`
	MeanMS float64 `json:"mean_ms"`
	P50MS  float64 `json:"p50_ms"`
	P95MS  float64 `json:"p95_ms"`
	MaxMS  float64 `json:"max_ms"`
}

// FormatJSON writes a JSON report of bench results to w.
func FormatJSON(runs []RunResult, stats Stats, w io.Writer) error {
	jr := jsonReport{
		Runs: make([]jsonRun, len(runs)),
		Stats: jsonStats{
			MinMS:  ms(stats.Min),
			MeanMS: ms(stats.Mean),
			P50MS:  ms(stats.P50),
			P95MS:  ms(stats.P95),
			MaxMS:  ms(stats.Max),
		},
	}

	for i, r := range runs {
		run := jsonRun{
			Index:      r.Index,
			Cold:       r.Cold,
			DurationMS: ms(r.Duration),
			AudioMS:    ms(r.AudioDuration),
			RTF:        r.RTF,
			Steps:      r.Steps,
		}

		if len(r.Stages) > 0 {
			run.Stages = make(map[string]jsonStage, len(r.Stages))
			for name, s := range r.Stages {
				run.Stages[name] = jsonStage{Count: s.Count, MeanMS: ms(s.Mean()), MaxMS: ms(s.Max)}
			}
		}

		jr.Runs[i] = run
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(jr)
}

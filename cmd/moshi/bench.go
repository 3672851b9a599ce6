package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/example/go-moshi/internal/audio"
	"github.com/example/go-moshi/internal/bench"
	"github.com/example/go-moshi/internal/perf"
	"github.com/example/go-moshi/internal/runtime/tensor"
	"github.com/example/go-moshi/internal/session"
	"github.com/spf13/cobra"
)

func newBenchCmd() *cobra.Command {
	var (
		runs         int
		seconds      float64
		mode         string
		format       string
		cpuProfile   string
		rtfThreshold float64
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark step latency and realtime factor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if runs < 1 {
				return fmt.Errorf("--runs must be at least 1")
			}
			if seconds <= 0 {
				return fmt.Errorf("--seconds must be positive")
			}
			if format != "table" && format != "json" {
				return fmt.Errorf("--format must be 'table' or 'json'")
			}
			if mode != "mimi" && mode != "converse" {
				return fmt.Errorf("--mode must be 'mimi' or 'converse'")
			}

			var s *stack
			if mode == "mimi" {
				s, err = loadCodec(cfg)
			} else {
				s, err = loadStack(cfg)
			}
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			pcm := benchSignal(int(seconds * audio.ExpectedSampleRate))
			fn := benchRun(s, mode, pcm, cfg.Audio.ChunkSize)

			slog.Info("bench", "mode", mode, "runs", runs, "seconds", seconds, "cpu", tensor.CPUSummary())

			var results []bench.RunResult
			run := func(label perf.Hook) error {
				var runErr error
				results, runErr = bench.Run(cmd.Context(), bench.Options{Runs: runs, Hook: label}, fn)
				return runErr
			}
			if cpuProfile != "" {
				err = bench.Profile(cmd.Context(), cpuProfile, run)
			} else {
				err = run(nil)
			}
			if err != nil {
				return err
			}

			stats := bench.ComputeStats(bench.Durations(results))
			switch format {
			case "json":
				if err := bench.FormatJSON(results, stats, cmd.OutOrStdout()); err != nil {
					return err
				}
			default:
				bench.FormatTable(results, stats, cmd.OutOrStdout())
			}

			return bench.CheckRTFThreshold(bench.MeanRTF(results), rtfThreshold)
		},
	}

	cmd.Flags().IntVar(&runs, "runs", 5, "Number of benchmark runs (the first is reported as cold)")
	cmd.Flags().Float64Var(&seconds, "seconds", 4, "Seconds of synthetic input per run")
	cmd.Flags().StringVar(&mode, "mode", "converse", "Pipeline to time: mimi|converse")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table|json")
	cmd.Flags().StringVar(&cpuProfile, "cpuprofile", "", "Write a CPU profile with per-stage labels")
	cmd.Flags().Float64Var(&rtfThreshold, "rtf-threshold", 0, "Exit non-zero if mean RTF exceeds this value (0 = disabled)")

	return cmd
}

// benchSignal is a quiet two-tone signal; the codec and model cost does not
// depend on content.
func benchSignal(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		t := float64(i) / audio.ExpectedSampleRate
		out[i] = float32(0.2*math.Sin(2*math.Pi*220*t) + 0.1*math.Sin(2*math.Pi*330*t))
	}
	return out
}

func benchRun(s *stack, mode string, pcm []float32, chunk int) bench.RunFunc {
	return func(_ context.Context, hook perf.Hook) (bench.Pass, error) {
		s.hook.Set(hook)
		defer s.hook.Set(nil)

		pass := bench.Pass{Samples: len(pcm), SampleRate: audio.ExpectedSampleRate}

		if mode == "mimi" {
			codes, err := encodeStreaming(s.codec, pcm, chunk)
			if err != nil {
				return pass, err
			}
			if _, err := decodeStreaming(s.codec, codes); err != nil {
				return pass, err
			}
			pass.Steps = len(codes)
			return pass, nil
		}

		sess := session.New(s.codec, s.newGenerator())
		if err := sess.Reset(); err != nil {
			return pass, err
		}
		for _, c := range chunks(pcm, chunk) {
			if _, err := sess.ProcessChunk(c); err != nil {
				return pass, err
			}
		}
		pass.Steps = int(sess.Stats().Steps)
		return pass, nil
	}
}

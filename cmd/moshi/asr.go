package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/go-moshi/internal/lm"
	"github.com/example/go-moshi/internal/perf"
	"github.com/spf13/cobra"
)

func newASRCmd() *cobra.Command {
	var (
		in    string
		trace string
	)

	cmd := &cobra.Command{
		Use:   "asr",
		Short: "Transcribe a WAV or the microphone with a text-only model",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			if in == "" {
				return fmt.Errorf("--in is required")
			}
			if cfg.Paths.Vocab == "" {
				return fmt.Errorf("asr needs paths.vocab to print text")
			}

			var pcm []float32
			if in != micInput {
				if pcm, err = readInputWAV(in, cfg.Audio.Channel, cmd.InOrStdin()); err != nil {
					return err
				}
			}

			s, err := loadStack(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			var rec *perf.Recorder
			if trace != "" {
				rec = perf.NewRecorder()
				s.hook.Set(rec.Hook())
			}

			asr, err := lm.NewASR(s.codec, s.model, s.vocab, genConfig(cfg, s.model.Config()))
			if err != nil {
				return err
			}
			asr.Generator().SetHook(s.hook.Hook())

			if in == micInput {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()

				err = transcribeLive(ctx, asr, cfg, cmd.OutOrStdout())
			} else {
				err = transcribe(asr, pcm, cfg.Audio.ChunkSize, s.codec.Config().FrameSize(), cmd.OutOrStdout())
			}
			if err != nil {
				return err
			}

			if rec != nil {
				return writeTrace(trace, rec)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&in, "in", "", "Input WAV (any rate/channels; - for stdin, mic for the default microphone)")
	cmd.Flags().StringVar(&trace, "trace", "", "Write a chrome://tracing JSON of the stage events")

	return cmd
}

// transcribe streams pcm through asr and prints pieces as they complete.
// Silence is appended so the text held back by the delay is flushed.
func transcribe(asr *lm.ASR, pcm []float32, chunk, frameSize int, w io.Writer) error {
	tail := make([]float32, asr.Generator().Config().TextDelay*frameSize)

	for _, c := range chunks(append(pcm, tail...), chunk) {
		pieces, err := asr.OnPCM(c)
		for _, p := range pieces {
			if _, werr := fmt.Fprint(w, p); werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}
	}

	_, err := fmt.Fprintln(w)
	return err
}

func writeTrace(path string, rec *perf.Recorder) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create trace: %w", err)
	}
	if err := rec.WriteChromeTrace(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

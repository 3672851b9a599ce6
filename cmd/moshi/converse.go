package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/example/go-moshi/internal/audio"
	"github.com/example/go-moshi/internal/session"
	"github.com/spf13/cobra"
)

func newConverseCmd() *cobra.Command {
	var (
		in  string
		out string
	)

	cmd := &cobra.Command{
		Use:   "converse",
		Short: "Talk to the full-duplex model from a WAV or live from the microphone",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			live := in == micInput
			switch {
			case in == "":
				return fmt.Errorf("--in is required")
			case live && out != "":
				return fmt.Errorf("--out cannot be used with --in mic; the reply is played on the speaker")
			case !live && out == "":
				return fmt.Errorf("--out is required unless --in is mic")
			}

			var pcm []float32
			if !live {
				if pcm, err = readInputWAV(in, cfg.Audio.Channel, cmd.InOrStdin()); err != nil {
					return err
				}
			}

			s, err := loadStack(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			opts := []session.Option{
				session.WithLogger(slog.Default()),
				session.WithVocab(s.vocab),
				session.WithRingCapacity(cfg.Audio.RingSeconds * audio.ExpectedSampleRate),
			}

			if live {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()

				sess := session.New(s.codec, s.newGenerator(), append(opts, session.WithOutput(printPieces(cmd.OutOrStdout())))...)
				return converseLive(ctx, sess, cfg)
			}

			sess := session.New(s.codec, s.newGenerator(), opts...)

			reply, err := converse(sess, pcm, cfg.Audio.ChunkSize, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return writeOutputWAV(out, reply, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&in, "in", "", "Input WAV (any rate/channels; - for stdin), or mic for a live conversation")
	cmd.Flags().StringVar(&out, "out", "", "Output WAV of the model's speech (- for stdout)")

	return cmd
}

// converse feeds pcm chunk by chunk through sess and returns the generated
// speech. Text is printed to w as it is produced.
func converse(sess *session.Session, pcm []float32, chunk int, w io.Writer) ([]float32, error) {
	if err := sess.Reset(); err != nil {
		return nil, err
	}

	start := time.Now()

	var (
		reply []float32
		text  strings.Builder
	)
	for _, c := range chunks(pcm, chunk) {
		o, err := sess.ProcessChunk(c)
		if err != nil {
			return reply, err
		}
		reply = append(reply, o.PCM...)
		for _, p := range o.Pieces {
			text.WriteString(p)
			if _, err := fmt.Fprint(w, p); err != nil {
				return reply, err
			}
		}
	}
	if text.Len() > 0 {
		if _, err := fmt.Fprintln(w); err != nil {
			return reply, err
		}
	}

	st := sess.Stats()
	slog.Info("converse done",
		"steps", st.Steps,
		"text_tokens", st.TextTokens,
		"samples", len(reply),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return reply, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/example/go-moshi/internal/audio"
	"github.com/example/go-moshi/internal/audio/device"
	"github.com/example/go-moshi/internal/config"
	"github.com/example/go-moshi/internal/session"
)

// micInput is the --in value that selects the default capture device.
const micInput = "mic"

// Device openers; tests replace them.
var (
	openMic = func(c *audio.Capture, cfg device.MicConfig) (io.Closer, error) {
		return device.OpenMic(c, cfg)
	}
	openSpeaker = func(src io.Reader) (io.Closer, error) {
		return device.OpenSpeaker(src, 0)
	}
)

// micConfig asks for enough channels to hold audio.channel.
func micConfig(cfg config.Config) device.MicConfig {
	return device.MicConfig{Channels: max(cfg.Audio.Channel+1, 1), Logger: slog.Default()}
}

// startMic routes the default microphone into q.
func startMic(q *audio.CaptureQueue, cfg config.Config) (io.Closer, error) {
	c := audio.NewCapture(q, cfg.Audio.ChunkSize)
	c.SelectChannel(cfg.Audio.Channel)

	return openMic(c, micConfig(cfg))
}

type pcmTranscriber interface {
	OnPCM(pcm []float32) ([]string, error)
}

// transcribeLive prints the transcript of the microphone until ctx ends.
func transcribeLive(ctx context.Context, asr pcmTranscriber, cfg config.Config, w io.Writer) error {
	q := audio.NewCaptureQueue(nil)

	mic, err := startMic(q, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = mic.Close() }()

	slog.Info("listening on the default microphone; interrupt to stop")

	for {
		chunk, err := q.Pop(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, audio.ErrQueueClosed) {
			break
		}
		if err != nil {
			return err
		}

		pieces, err := asr.OnPCM(chunk)
		for _, p := range pieces {
			if _, werr := fmt.Fprint(w, p); werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}
	}

	_, err = fmt.Fprintln(w)
	return err
}

// converseLive runs sess from the microphone to the speaker until ctx ends
// or the loop fails.
func converseLive(ctx context.Context, sess *session.Session, cfg config.Config) error {
	if err := sess.Start(ctx); err != nil {
		return err
	}

	mic, err := startMic(sess.Capture(), cfg)
	if err != nil {
		sess.Stop()
		_ = sess.Wait()
		return err
	}

	speaker, err := openSpeaker(sess.Player())
	if err != nil {
		_ = mic.Close()
		sess.Stop()
		_ = sess.Wait()
		return err
	}

	slog.Info("conversation started; interrupt to stop")

	err = sess.Wait()

	// Stop the producer before the consumer.
	merr := mic.Close()
	sess.Capture().Close()
	serr := speaker.Close()

	st := sess.Stats()
	slog.Info("conversation ended",
		"steps", st.Steps,
		"text_tokens", st.TextTokens,
		"overflow_samples", st.OverflowSamples,
		"underrun_samples", st.UnderrunSamples,
	)

	return errors.Join(err, merr, serr)
}

// printPieces writes every text piece of a session output to w.
func printPieces(w io.Writer) func(session.Output) {
	return func(o session.Output) {
		for _, p := range o.Pieces {
			_, _ = fmt.Fprint(w, p)
		}
	}
}

// Package session wires a codec, a generator and the audio buffers into one
// cancellable conversation: capture chunks in, decoded speech and text out.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/example/go-moshi/internal/audio"
	"github.com/example/go-moshi/internal/lm"
	"github.com/example/go-moshi/internal/metrics"
	"github.com/example/go-moshi/internal/runtime/tensor"
	"github.com/example/go-moshi/internal/stream"
)

// Codec is the streaming audio codec; *mimi.Mimi implements it.
type Codec interface {
	EncodeStep(pcm stream.Chunk) ([][]int, error)
	DecodeStep(frames [][]int) (stream.Chunk, error)
	ResetState()
}

// Model is the generation loop; *lm.Generator implements it.
type Model interface {
	Reset() error
	Step(userAudio []int) (int, bool, error)
	LastAudioTokens() ([]int, bool)
	UserCodebooks() int
	Stop()
}

// Output is what one capture chunk produced. Pieces is aligned with Text;
// ids missing from the vocabulary map to "".
type Output struct {
	PCM    []float32
	Text   []int
	Pieces []string
}

// Stats is a point-in-time snapshot of a session.
type Stats struct {
	Running          bool
	Steps            int64
	TextTokens       int64
	CaptureQueued    int
	PlaybackBuffered int
	OverflowSamples  int64
	UnderrunSamples  int64
}

// DefaultRingSeconds sizes the playback ring.
const DefaultRingSeconds = 4

// Session runs one conversation. ProcessChunk may be driven directly for
// offline use; Start runs it from the capture queue in the background.
type Session struct {
	codec Codec
	model Model

	capture *audio.CaptureQueue
	ring    *audio.RingBuffer
	player  *audio.Player

	logger   *slog.Logger
	metrics  *metrics.Metrics
	vocab    lm.Vocab
	onOutput func(Output)
	ringSize int

	mu      sync.Mutex // serializes model and codec access
	stop    atomic.Bool
	running atomic.Bool

	ctlMu  sync.Mutex
	group  *errgroup.Group
	cancel context.CancelFunc

	steps      atomic.Int64
	textTokens atomic.Int64
	overflow   atomic.Int64
}

// Option configures a Session.
type Option func(*Session)

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithVocab maps reported text tokens to pieces in Output.
func WithVocab(v lm.Vocab) Option {
	return func(s *Session) { s.vocab = v }
}

// WithOutput installs a callback the background loop calls with every
// non-empty output. It runs on the loop goroutine.
func WithOutput(fn func(Output)) Option {
	return func(s *Session) { s.onOutput = fn }
}

// WithRingCapacity sets the playback ring size in samples.
func WithRingCapacity(samples int) Option {
	return func(s *Session) { s.ringSize = samples }
}

func New(codec Codec, model Model, opts ...Option) *Session {
	s := &Session{
		codec:    codec,
		model:    model,
		logger:   slog.Default(),
		ringSize: DefaultRingSeconds * audio.ExpectedSampleRate,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.capture = audio.NewCaptureQueue(s.metrics)
	s.ring = audio.NewRingBuffer(s.ringSize)
	s.player = audio.NewPlayer(s.ring, s.metrics)

	return s
}

// Capture is the queue the audio producer pushes 24 kHz mono chunks to.
func (s *Session) Capture() *audio.CaptureQueue { return s.capture }

// Player drains decoded speech for playback.
func (s *Session) Player() *audio.Player { return s.player }

// Playback is the ring decoded speech is written to. Consumers that forward
// audio instead of playing it read from it directly.
func (s *Session) Playback() *audio.RingBuffer { return s.ring }

// Reset clears the codec, the model and both buffers, and re-runs the
// model warm-up.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.codec.ResetState()
	s.ring.Reset()
	s.capture.Drain()
	s.stop.Store(false)

	if err := s.model.Reset(); err != nil {
		return fmt.Errorf("session: reset: %w", err)
	}

	return nil
}

// ProcessChunk runs one capture chunk through encode, the generation loop
// and decode. A pending Stop ends the chunk early at a step boundary.
func (s *Session) ProcessChunk(pcm []float32) (Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out Output

	if len(pcm) == 0 {
		return out, nil
	}

	x, err := tensor.New(pcm, []int64{1, 1, int64(len(pcm))})
	if err != nil {
		return out, err
	}

	frames, err := s.codec.EncodeStep(stream.Present(x))
	if err != nil {
		return out, fmt.Errorf("session: encode: %w", err)
	}

	need := s.model.UserCodebooks()

	var generated [][]int

	for _, frame := range frames {
		if s.stop.Load() {
			break
		}

		if len(frame) < need {
			return out, fmt.Errorf("session: codec frame has %d codebooks, model needs %d", len(frame), need)
		}

		tok, ok, err := s.model.Step(frame[:need])
		if err != nil {
			return out, fmt.Errorf("session: step: %w", err)
		}

		s.steps.Add(1)
		s.metrics.RecordStep(ok)

		if ok {
			s.textTokens.Add(1)
			out.Text = append(out.Text, tok)

			piece, _ := s.vocab.Text(tok)
			out.Pieces = append(out.Pieces, piece)
		}

		if codes, ok := s.model.LastAudioTokens(); ok {
			generated = append(generated, codes)
		}
	}

	if len(generated) == 0 {
		return out, nil
	}

	decoded, err := s.codec.DecodeStep(generated)
	if err != nil {
		return out, fmt.Errorf("session: decode: %w", err)
	}

	if t := decoded.Tensor(); t != nil {
		out.PCM = append([]float32(nil), t.RawData()...)
	}

	return out, nil
}

// Start resets the session and runs the loop in the background until ctx
// ends, Stop is called or the loop fails. Wait returns the loop's error.
func (s *Session) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("session: already running")
	}

	if err := s.Reset(); err != nil {
		s.running.Store(false)
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)

	s.ctlMu.Lock()
	s.cancel = cancel
	s.group = group
	s.ctlMu.Unlock()
	s.metrics.SessionStarted()
	s.logger.Info("session started", "ring_samples", s.ring.Capacity())

	group.Go(func() error { return s.loop(gctx) })

	return nil
}

// Stop asks the loop to end. The step in flight completes first.
func (s *Session) Stop() {
	s.stop.Store(true)

	s.ctlMu.Lock()
	cancel := s.cancel
	s.ctlMu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the loop started by Start has ended.
func (s *Session) Wait() error {
	s.ctlMu.Lock()
	group := s.group
	s.ctlMu.Unlock()

	if group == nil {
		return nil
	}

	err := group.Wait()

	if s.running.CompareAndSwap(true, false) {
		s.metrics.SessionEnded()
		s.logger.Info("session ended", "steps", s.steps.Load(), "text_tokens", s.textTokens.Load())
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, audio.ErrQueueClosed) {
		return nil
	}

	return err
}

func (s *Session) loop(ctx context.Context) error {
	for {
		if s.stop.Load() {
			s.mu.Lock()
			s.model.Stop()
			s.mu.Unlock()

			return nil
		}

		chunk, err := s.capture.Pop(ctx)
		if err != nil {
			if s.stop.Load() {
				continue
			}

			return err
		}

		out, err := s.ProcessChunk(chunk)
		if err != nil {
			s.logger.Error("session step failed", "error", err)
			return err
		}

		s.playback(out.PCM)

		if s.onOutput != nil && (len(out.PCM) > 0 || len(out.Text) > 0) {
			s.onOutput(out)
		}
	}
}

func (s *Session) playback(pcm []float32) {
	if len(pcm) == 0 {
		return
	}

	if !s.ring.Write(pcm) {
		s.overflow.Add(int64(len(pcm)))
		s.metrics.RecordOverflow(len(pcm))
		s.logger.Debug("playback overflow", "samples", len(pcm))

		return
	}

	s.metrics.SetBuffered(s.ring.Count())
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		Running:          s.running.Load(),
		Steps:            s.steps.Load(),
		TextTokens:       s.textTokens.Load(),
		CaptureQueued:    s.capture.Len(),
		PlaybackBuffered: s.ring.Count(),
		OverflowSamples:  s.overflow.Load(),
		UnderrunSamples:  s.player.Underrun(),
	}
}

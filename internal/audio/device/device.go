// Package device binds the capture pipeline and the playback ring to the
// default system audio devices: miniaudio (via malgo) for the microphone and
// oto for the speaker. Both run their own callback threads; the only state
// they share with the generation loop is the capture queue and the ring.
package device

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"

	"github.com/example/go-moshi/internal/audio"
)

// MicConfig selects the capture format requested from the device. The
// device may settle on another rate or channel count; Capture converts.
type MicConfig struct {
	SampleRate int // 0 means 24 kHz
	Channels   int // 0 means mono
	PeriodMs   int // 0 means 20 ms
	Logger     *slog.Logger
}

// Mic streams the default capture device into an audio.Capture.
type Mic struct {
	ctx      *malgo.AllocatedContext
	dev      *malgo.Device
	capture  *audio.Capture
	rate     int
	channels int
	log      *slog.Logger
	dropped  atomic.Int64
}

// OpenMic starts capturing. Every device buffer is pushed through capture
// on the device thread.
func OpenMic(capture *audio.Capture, cfg MicConfig) (*Mic, error) {
	cfg = cfg.withDefaults()

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{ThreadPriority: malgo.ThreadPriorityRealtime}, nil)
	if err != nil {
		return nil, fmt.Errorf("device: init audio context: %w", err)
	}

	dc := malgo.DefaultDeviceConfig(malgo.Capture)
	dc.Capture.Format = malgo.FormatF32
	dc.Capture.Channels = uint32(cfg.Channels)
	dc.SampleRate = uint32(cfg.SampleRate)
	dc.PeriodSizeInMilliseconds = uint32(cfg.PeriodMs)

	m := &Mic{ctx: mctx, capture: capture, log: cfg.Logger}

	dev, err := malgo.InitDevice(mctx.Context, dc, malgo.DeviceCallbacks{Data: m.onData})
	if err != nil {
		m.freeContext()
		return nil, fmt.Errorf("device: init microphone: %w", err)
	}

	m.dev = dev
	m.rate = int(dev.SampleRate())
	m.channels = int(dev.CaptureChannels())

	if err := dev.Start(); err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("device: start microphone: %w", err)
	}

	m.log.Info("microphone started", "sample_rate", m.rate, "channels", m.channels)

	return m, nil
}

func (c MicConfig) withDefaults() MicConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = audio.ExpectedSampleRate
	}

	if c.Channels <= 0 {
		c.Channels = 1
	}

	if c.PeriodMs <= 0 {
		c.PeriodMs = 20
	}

	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	return c
}

func (m *Mic) onData(_, in []byte, _ uint32) {
	pcm, err := audio.ParseFloat32LE(in)
	if err == nil {
		_, err = m.capture.Process(pcm, m.rate, m.channels)
	}

	if err != nil && m.dropped.Add(1) == 1 {
		m.log.Warn("microphone buffer dropped", "error", err)
	}
}

// Dropped returns how many device buffers could not be converted.
func (m *Mic) Dropped() int64 { return m.dropped.Load() }

// Close stops the device and releases the audio context.
func (m *Mic) Close() error {
	var err error

	if m.dev != nil {
		err = m.dev.Stop()
		m.dev.Uninit()
		m.dev = nil
	}

	m.freeContext()

	return err
}

func (m *Mic) freeContext() {
	if m.ctx == nil {
		return
	}

	_ = m.ctx.Uninit()
	m.ctx.Free()
	m.ctx = nil
}

// DefaultSpeakerBuffer is the device-side playback buffer.
const DefaultSpeakerBuffer = 100 * time.Millisecond

// Speaker plays 24 kHz mono float32 samples pulled from src.
type Speaker struct {
	player *oto.Player
}

// ErrSpeakerOpen is returned by a second OpenSpeaker: oto allows one
// context per process.
var ErrSpeakerOpen = errors.New("device: speaker already opened")

var speakerOpened atomic.Bool

// OpenSpeaker starts playback. src must never block; *audio.Player fills
// any shortfall with silence. A zero buffer means DefaultSpeakerBuffer.
func OpenSpeaker(src io.Reader, buffer time.Duration) (*Speaker, error) {
	if !speakerOpened.CompareAndSwap(false, true) {
		return nil, ErrSpeakerOpen
	}

	if buffer <= 0 {
		buffer = DefaultSpeakerBuffer
	}

	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   audio.ExpectedSampleRate,
		ChannelCount: audio.ExpectedChannels,
		Format:       oto.FormatFloat32LE,
		BufferSize:   buffer,
	})
	if err != nil {
		speakerOpened.Store(false)
		return nil, fmt.Errorf("device: init speaker: %w", err)
	}

	<-ready

	p := ctx.NewPlayer(src)
	// Keep oto's read-ahead to one codec frame so replies start promptly.
	p.SetBufferSize(audio.FrameSamples * 4)
	p.Play()

	return &Speaker{player: p}, nil
}

// Close stops playback.
func (s *Speaker) Close() error {
	if s.player == nil {
		return nil
	}

	err := s.player.Close()
	s.player = nil

	return err
}

// Package audio moves PCM between the outside world and the generation
// loop: a capture queue the producer never blocks on, a bounded playback
// ring, sample-rate conversion to the codec's 24 kHz mono, and WAV I/O.
package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/cwbudde/wav"
	goaudio "github.com/go-audio/audio"
)

// Native codec format.
const (
	ExpectedSampleRate = 24000
	ExpectedChannels   = 1
	ExpectedBitDepth   = 16
)

// ErrFormatMismatch is returned when a decoded WAV is not in the native format.
var ErrFormatMismatch = errors.New("WAV format mismatch")

// PCM is interleaved float samples with their format.
type PCM struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames.
func (p PCM) Frames() int {
	if p.Channels <= 0 {
		return 0
	}

	return len(p.Samples) / p.Channels
}

// ReadWAV decodes any PCM WAV into interleaved float samples.
func ReadWAV(data []byte) (PCM, error) {
	if len(data) == 0 {
		return PCM{}, errors.New("empty WAV input")
	}

	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return PCM{}, errors.New("invalid WAV file")
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return PCM{}, fmt.Errorf("reading PCM data: %w", err)
	}

	return PCM{Samples: buf.Data, SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}, nil
}

// DecodeWAV decodes a WAV that must already be 24 kHz, mono, 16-bit.
func DecodeWAV(data []byte) ([]float32, error) {
	if len(data) == 0 {
		return nil, errors.New("empty WAV input")
	}

	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, errors.New("invalid WAV file")
	}

	if dec.SampleRate != ExpectedSampleRate {
		return nil, fmt.Errorf("%w: sample rate %d, want %d", ErrFormatMismatch, dec.SampleRate, ExpectedSampleRate)
	}

	if dec.NumChans != ExpectedChannels {
		return nil, fmt.Errorf("%w: channels %d, want %d", ErrFormatMismatch, dec.NumChans, ExpectedChannels)
	}

	if dec.BitDepth != ExpectedBitDepth {
		return nil, fmt.Errorf("%w: bit depth %d, want %d", ErrFormatMismatch, dec.BitDepth, ExpectedBitDepth)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("reading PCM data: %w", err)
	}

	return buf.Data, nil
}

// LoadMono decodes any PCM WAV and converts it to the native format,
// averaging all channels.
func LoadMono(data []byte) ([]float32, error) {
	return LoadChannel(data, -1)
}

// LoadChannel decodes any PCM WAV, keeps channel ch (negative averages all
// channels) and resamples it to 24 kHz.
func LoadChannel(data []byte, ch int) ([]float32, error) {
	pcm, err := ReadWAV(data)
	if err != nil {
		return nil, err
	}

	mono, err := SelectChannel(pcm.Samples, pcm.Channels, ch)
	if err != nil {
		return nil, err
	}

	return Resample(mono, pcm.SampleRate, ExpectedSampleRate)
}

// EncodeWAV encodes samples as a 24 kHz, mono, 16-bit WAV.
func EncodeWAV(samples []float32) ([]byte, error) {
	var buf bytes.Buffer

	// wav.NewEncoder needs an io.WriteSeeker.
	sw := &seekBuffer{buf: &buf}

	enc := wav.NewEncoder(sw, ExpectedSampleRate, ExpectedBitDepth, ExpectedChannels, 1) // 1 = PCM

	pcmBuf := &goaudio.Float32Buffer{
		Data:           samples,
		Format:         &goaudio.Format{SampleRate: ExpectedSampleRate, NumChannels: ExpectedChannels},
		SourceBitDepth: ExpectedBitDepth,
	}

	if err := enc.Write(pcmBuf); err != nil {
		return nil, fmt.Errorf("writing PCM: %w", err)
	}

	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("closing encoder: %w", err)
	}

	return buf.Bytes(), nil
}

// seekBuffer is an io.WriteSeeker over a bytes.Buffer. The encoder seeks
// back once to patch the chunk sizes.
type seekBuffer struct {
	buf *bytes.Buffer
	pos int
}

func (s *seekBuffer) Write(p []byte) (int, error) {
	if s.pos == s.buf.Len() {
		n, err := s.buf.Write(p)
		s.pos += n

		return n, err
	}

	data := s.buf.Bytes()

	n := copy(data[s.pos:], p)
	if n < len(p) {
		s.buf.Write(p[n:])
	}

	s.pos += len(p)

	return len(p), nil
}

func (s *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var pos int

	switch whence {
	case io.SeekStart:
		pos = int(offset)
	case io.SeekCurrent:
		pos = s.pos + int(offset)
	case io.SeekEnd:
		pos = s.buf.Len() + int(offset)
	default:
		return 0, fmt.Errorf("seek: bad whence %d", whence)
	}

	if pos < 0 || pos > s.buf.Len() {
		return 0, fmt.Errorf("seek: position %d out of range [0, %d]", pos, s.buf.Len())
	}

	s.pos = pos

	return int64(pos), nil
}

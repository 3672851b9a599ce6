package audio

import (
	"encoding/binary"
	"io"
	"math"
)

// WriteWAVHeaderStreaming writes a 44-byte WAV header for a stream of
// unknown length: both the RIFF and the data chunk sizes are 0xFFFFFFFF.
func WriteWAVHeaderStreaming(w io.Writer) (int, error) {
	const (
		channels      = ExpectedChannels
		bitsPerSample = ExpectedBitDepth
		sampleRate    = ExpectedSampleRate
		byteRate      = sampleRate * channels * bitsPerSample / 8
		blockAlign    = channels * bitsPerSample / 8
	)

	var hdr [44]byte
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], 0xFFFFFFFF)
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(hdr[22:24], channels)
	binary.LittleEndian.PutUint32(hdr[24:28], sampleRate)
	binary.LittleEndian.PutUint32(hdr[28:32], byteRate)
	binary.LittleEndian.PutUint16(hdr[32:34], blockAlign)
	binary.LittleEndian.PutUint16(hdr[34:36], bitsPerSample)
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], 0xFFFFFFFF)

	return w.Write(hdr[:])
}

// WritePCM16Samples writes samples as little-endian 16-bit integers,
// clamped to [-1, 1]. NaN is written as silence.
func WritePCM16Samples(w io.Writer, samples []float32) (int, error) {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(toPCM16(s)))
	}

	return w.Write(buf)
}

func toPCM16(s float32) int16 {
	if s != s {
		return 0
	}

	return int16(math.Max(-1, math.Min(1, float64(s))) * 32767)
}

// WAVStreamWriter writes a streaming WAV: the header goes out with the
// first samples, so an empty stream produces no bytes.
type WAVStreamWriter struct {
	w       io.Writer
	started bool
	samples int
}

func NewWAVStreamWriter(w io.Writer) *WAVStreamWriter {
	return &WAVStreamWriter{w: w}
}

func (s *WAVStreamWriter) Write(samples []float32) error {
	if len(samples) == 0 {
		return nil
	}

	if !s.started {
		if _, err := WriteWAVHeaderStreaming(s.w); err != nil {
			return err
		}

		s.started = true
	}

	if _, err := WritePCM16Samples(s.w, samples); err != nil {
		return err
	}

	s.samples += len(samples)

	return nil
}

// Samples returns the number of samples written.
func (s *WAVStreamWriter) Samples() int { return s.samples }

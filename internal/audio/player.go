package audio

import (
	"encoding/binary"
	"math"
	"sync/atomic"

	"github.com/example/go-moshi/internal/metrics"
)

// Player feeds a playback callback from a RingBuffer. A short buffer is
// padded with silence and the padding is counted as underrun.
type Player struct {
	ring     *RingBuffer
	metrics  *metrics.Metrics
	underrun atomic.Int64
	played   atomic.Int64
	scratch  []float32
}

func NewPlayer(ring *RingBuffer, m *metrics.Metrics) *Player {
	return &Player{ring: ring, metrics: m}
}

// Fill writes len(dst) samples and returns how many came from the buffer.
func (p *Player) Fill(dst []float32) int {
	read := p.ring.ReadInto(dst)
	clear(dst[read:])

	short := len(dst) - read
	if short > 0 {
		p.underrun.Add(int64(short))
		p.metrics.RecordUnderrun(short)
	}

	p.played.Add(int64(read))
	p.metrics.SetBuffered(p.ring.Count())

	return read
}

// Underrun returns the total number of zero-filled samples.
func (p *Player) Underrun() int64 { return p.underrun.Load() }

// Played returns the total number of buffered samples delivered.
func (p *Player) Played() int64 { return p.played.Load() }

// Read implements io.Reader for pull-based outputs such as a speaker
// driver: b is filled with float32 little-endian samples, padded with
// silence on underrun. It never blocks and never fails.
func (p *Player) Read(b []byte) (int, error) {
	n := len(b) / 4
	if n == 0 {
		return 0, nil
	}

	if cap(p.scratch) < n {
		p.scratch = make([]float32, n)
	}

	buf := p.scratch[:n]
	p.Fill(buf)

	for i, v := range buf {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
	}

	return 4 * n, nil
}

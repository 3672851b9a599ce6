package audio

// FrameSamples is one codec frame at 24 kHz (80 ms).
const FrameSamples = 1920

// Capture converts device audio to the codec's format and pushes it to a
// CaptureQueue in fixed-size chunks. It is driven from one goroutine, the
// device callback or a network reader.
type Capture struct {
	queue     *CaptureQueue
	chunkSize int
	channel   int
	resampler *Resampler
	srcRate   int
	pending   []float32
}

// NewCapture re-chunks to chunkSize samples; zero means FrameSamples.
// All input channels are averaged until SelectChannel is called.
func NewCapture(q *CaptureQueue, chunkSize int) *Capture {
	if chunkSize <= 0 {
		chunkSize = FrameSamples
	}

	return &Capture{queue: q, chunkSize: chunkSize, channel: -1}
}

// SelectChannel keeps only input channel ch; a negative ch averages.
func (c *Capture) SelectChannel(ch int) { c.channel = ch }

// Process takes one input channel (or the average) of raw interleaved
// samples, resamples it to 24 kHz and pushes every completed chunk. It
// returns the number of chunks pushed.
func (c *Capture) Process(raw []float32, srcRate, channels int) (int, error) {
	if c.resampler == nil || srcRate != c.srcRate {
		r, err := NewResampler(srcRate, ExpectedSampleRate)
		if err != nil {
			return 0, err
		}

		c.resampler = r
		c.srcRate = srcRate
	}

	mono, err := SelectChannel(raw, channels, c.channel)
	if err != nil {
		return 0, err
	}

	c.pending = append(c.pending, c.resampler.Process(mono)...)

	pushed := 0

	for len(c.pending) >= c.chunkSize {
		chunk := make([]float32, c.chunkSize)
		copy(chunk, c.pending)
		c.pending = c.pending[c.chunkSize:]

		if c.queue.Push(chunk) {
			pushed++
		}
	}

	// Compact so the backing array does not grow without bound.
	c.pending = append(c.pending[:0:0], c.pending...)

	return pushed, nil
}

// Flush pushes the samples of an incomplete chunk, if any.
func (c *Capture) Flush() bool {
	if len(c.pending) == 0 {
		return false
	}

	chunk := c.pending
	c.pending = nil

	return c.queue.Push(chunk)
}

// Pending returns the number of samples waiting for a full chunk.
func (c *Capture) Pending() int { return len(c.pending) }

// Discard drops pending samples and the resampler state.
func (c *Capture) Discard() {
	c.pending = nil

	if c.resampler != nil {
		c.resampler.Reset()
	}
}

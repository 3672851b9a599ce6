package audio

import "sync"

// RingBuffer is a bounded FIFO of samples between the generation loop and
// the playback callback. Writes are all-or-nothing and reads never block.
type RingBuffer struct {
	mu    sync.Mutex
	data  []float32
	head  int // oldest sample
	count int
}

func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{data: make([]float32, max(capacity, 0))}
}

// Write appends samples when they all fit and reports whether they did.
func (rb *RingBuffer) Write(samples []float32) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	capacity := len(rb.data)
	if rb.count+len(samples) > capacity {
		return false
	}

	if len(samples) == 0 {
		return true
	}

	tail := (rb.head + rb.count) % capacity
	n := copy(rb.data[tail:], samples)
	copy(rb.data, samples[n:])
	rb.count += len(samples)

	return true
}

// Read removes and returns up to max samples.
func (rb *RingBuffer) Read(max int) []float32 {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := min(max, rb.count)
	if n <= 0 {
		return nil
	}

	out := make([]float32, n)
	rb.readLocked(out)

	return out
}

// ReadInto fills dst from the front of the buffer and returns the number
// of samples copied.
func (rb *RingBuffer) ReadInto(dst []float32) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := min(len(dst), rb.count)
	if n == 0 {
		return 0
	}

	rb.readLocked(dst[:n])

	return n
}

func (rb *RingBuffer) readLocked(dst []float32) {
	n := copy(dst, rb.data[rb.head:min(rb.head+len(dst), len(rb.data))])
	copy(dst[n:], rb.data)

	rb.head = (rb.head + len(dst)) % len(rb.data)
	rb.count -= len(dst)
}

func (rb *RingBuffer) Count() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	return rb.count
}

func (rb *RingBuffer) Capacity() int { return len(rb.data) }

// Reset drops every buffered sample.
func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.head = 0
	rb.count = 0
}

package audio

import (
	"context"
	"errors"
	"sync"

	"github.com/example/go-moshi/internal/metrics"
)

// ErrQueueClosed is returned by Pop once the queue is closed and drained.
var ErrQueueClosed = errors.New("audio: capture queue closed")

// CaptureQueue is an unbounded FIFO of PCM chunks between a producer that
// must never block (a device callback or a socket reader) and the
// generation loop.
type CaptureQueue struct {
	mu      sync.Mutex
	chunks  [][]float32
	samples int
	closed  bool
	wake    chan struct{}
	metrics *metrics.Metrics
}

// NewCaptureQueue returns an empty queue. m may be nil.
func NewCaptureQueue(m *metrics.Metrics) *CaptureQueue {
	return &CaptureQueue{wake: make(chan struct{}), metrics: m}
}

// Push appends chunk and takes ownership of it. It reports false when the
// queue is closed; the chunk is dropped.
func (q *CaptureQueue) Push(chunk []float32) bool {
	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()
		return false
	}

	q.chunks = append(q.chunks, chunk)
	q.samples += len(chunk)
	depth := len(q.chunks)
	q.signalLocked()
	q.mu.Unlock()

	q.metrics.RecordCapture(depth)

	return true
}

// signalLocked wakes every waiting Pop.
func (q *CaptureQueue) signalLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// Pop removes the oldest chunk, blocking until one arrives, ctx is done or
// the queue is closed and empty.
func (q *CaptureQueue) Pop(ctx context.Context) ([]float32, error) {
	for {
		q.mu.Lock()

		if len(q.chunks) > 0 {
			chunk := q.chunks[0]
			q.chunks[0] = nil
			q.chunks = q.chunks[1:]
			q.samples -= len(chunk)
			depth := len(q.chunks)
			q.mu.Unlock()

			q.metrics.SetCaptureDepth(depth)

			return chunk, nil
		}

		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}

		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

// TryPop is Pop without waiting.
func (q *CaptureQueue) TryPop() ([]float32, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.chunks) == 0 {
		return nil, false
	}

	chunk := q.chunks[0]
	q.chunks[0] = nil
	q.chunks = q.chunks[1:]
	q.samples -= len(chunk)

	return chunk, true
}

// Len returns the number of queued chunks.
func (q *CaptureQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.chunks)
}

// BufferedSamples returns the number of queued samples.
func (q *CaptureQueue) BufferedSamples() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.samples
}

// Drain drops every queued chunk and returns how many samples were dropped.
func (q *CaptureQueue) Drain() int {
	q.mu.Lock()
	dropped := q.samples
	q.chunks = nil
	q.samples = 0
	q.mu.Unlock()

	q.metrics.SetCaptureDepth(0)

	return dropped
}

// Close stops accepting chunks. Queued chunks can still be popped.
func (q *CaptureQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	q.signalLocked()
}

package audio

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/example/go-moshi/internal/metrics"
)

func TestRingBufferAllOrNothing(t *testing.T) {
	rb := NewRingBuffer(5)

	if !rb.Write([]float32{1, 2, 3}) {
		t.Fatal("Write(3) into empty ring of 5 failed")
	}

	if rb.Write([]float32{4, 5, 6}) {
		t.Fatal("Write(3) with 2 free succeeded")
	}

	if rb.Count() != 3 {
		t.Fatalf("Count after rejected write = %d, want 3", rb.Count())
	}

	if !rb.Write([]float32{4, 5}) {
		t.Fatal("Write(2) with 2 free failed")
	}

	if got := rb.Read(10); !approxEqual(got, []float32{1, 2, 3, 4, 5}, 0) {
		t.Fatalf("Read = %v, want [1 2 3 4 5]", got)
	}
}

func TestRingBufferWrapAround(t *testing.T) {
	rb := NewRingBuffer(4)

	var got []float32

	next := float32(0)

	for range 10 {
		if !rb.Write([]float32{next, next + 1, next + 2}) {
			t.Fatal("Write failed on a drained ring")
		}

		next += 3

		got = append(got, rb.Read(2)...)
		got = append(got, rb.Read(1)...)
	}

	for i, v := range got {
		if v != float32(i) {
			t.Fatalf("sample %d = %v, want %v (order lost across wrap)", i, v, i)
		}
	}
}

func TestRingBufferReadEmptyAndReset(t *testing.T) {
	rb := NewRingBuffer(3)

	if got := rb.Read(2); got != nil {
		t.Fatalf("Read on empty = %v, want nil", got)
	}

	rb.Write([]float32{1, 2})
	rb.Reset()

	if rb.Count() != 0 || rb.Capacity() != 3 {
		t.Fatalf("after Reset Count/Capacity = %d/%d, want 0/3", rb.Count(), rb.Capacity())
	}

	if !rb.Write([]float32{1, 2, 3}) {
		t.Fatal("Write after Reset failed")
	}
}

func TestRingBufferConcurrent(t *testing.T) {
	rb := NewRingBuffer(64)

	const total = 5000

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		for i := 0; i < total; {
			if rb.Write([]float32{float32(i)}) {
				i++
			}
		}
	}()

	next := 0
	for next < total {
		for _, v := range rb.Read(16) {
			if v != float32(next) {
				t.Fatalf("read %v, want %d", v, next)
			}

			next++
		}
	}

	wg.Wait()
}

func TestPlayerFillZeroPads(t *testing.T) {
	m := metrics.New(nil)
	rb := NewRingBuffer(8)
	p := NewPlayer(rb, m)

	rb.Write([]float32{0.5, 0.5, 0.5})

	dst := []float32{9, 9, 9, 9, 9}
	if got := p.Fill(dst); got != 3 {
		t.Fatalf("Fill() = %d, want 3", got)
	}

	if !approxEqual(dst, []float32{0.5, 0.5, 0.5, 0, 0}, 0) {
		t.Fatalf("dst = %v, want three samples then silence", dst)
	}

	if p.Underrun() != 2 || p.Played() != 3 {
		t.Fatalf("Underrun/Played = %d/%d, want 2/3", p.Underrun(), p.Played())
	}

	if got := testutil.ToFloat64(m.PlaybackUnderrun); got != 2 {
		t.Fatalf("underrun metric = %v, want 2", got)
	}
}

func TestCaptureProcessRechunks(t *testing.T) {
	q := NewCaptureQueue(nil)
	c := NewCapture(q, 4)

	if got, err := c.Process([]float32{1, 2, 3}, ExpectedSampleRate, 1); err != nil || got != 0 {
		t.Fatalf("Process(3) = %d, %v; want 0", got, err)
	}

	if got, err := c.Process([]float32{4, 5, 6, 7, 8, 9}, ExpectedSampleRate, 1); err != nil || got != 2 {
		t.Fatalf("Process(6) = %d, %v; want 2", got, err)
	}

	if c.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", c.Pending())
	}

	first, _ := q.TryPop()
	if !approxEqual(first, []float32{1, 2, 3, 4}, 0) {
		t.Fatalf("first chunk = %v, want [1 2 3 4]", first)
	}

	if !c.Flush() || c.Pending() != 0 {
		t.Fatal("Flush did not push the partial chunk")
	}
}

func TestCaptureProcessConvertsFormat(t *testing.T) {
	q := NewCaptureQueue(nil)
	c := NewCapture(q, 0)

	// One second of 48 kHz stereo becomes 12.5 frames of 24 kHz mono.
	raw := make([]float32, 48000*2)
	pushed, err := c.Process(raw, 48000, 2)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if pushed != 12 {
		t.Fatalf("pushed %d chunks, want 12", pushed)
	}

	if q.BufferedSamples() != 12*FrameSamples {
		t.Fatalf("BufferedSamples = %d, want %d", q.BufferedSamples(), 12*FrameSamples)
	}
}

func TestCaptureSelectChannel(t *testing.T) {
	q := NewCaptureQueue(nil)
	c := NewCapture(q, 2)
	c.SelectChannel(1)

	if _, err := c.Process([]float32{1, -1, 2, -2}, ExpectedSampleRate, 2); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, _ := q.TryPop()
	if !approxEqual(got, []float32{-1, -2}, 0) {
		t.Fatalf("chunk = %v, want [-1 -2]", got)
	}

	if _, err := c.Process([]float32{1}, ExpectedSampleRate, 1); err == nil {
		t.Fatal("channel 1 of a mono stream accepted")
	}
}

func TestCaptureRejectsBadRate(t *testing.T) {
	c := NewCapture(NewCaptureQueue(nil), 0)
	if _, err := c.Process([]float32{0}, 0, 1); err == nil {
		t.Fatal("Process with a zero source rate succeeded")
	}
}

func TestPlayerRead(t *testing.T) {
	rb := NewRingBuffer(8)
	rb.Write([]float32{0.5, -0.25})

	p := NewPlayer(rb, nil)

	b := make([]byte, 4*3+2)

	n, err := p.Read(b)
	if err != nil || n != 12 {
		t.Fatalf("Read = %d, %v; want 12, nil", n, err)
	}

	got, err := ParseFloat32LE(b[:n])
	if err != nil {
		t.Fatalf("ParseFloat32LE: %v", err)
	}

	if !approxEqual(got, []float32{0.5, -0.25, 0}, 0) {
		t.Fatalf("samples = %v, want [0.5 -0.25 0]", got)
	}

	if p.Underrun() != 1 {
		t.Fatalf("Underrun = %d, want 1", p.Underrun())
	}

	if n, _ := p.Read(b[:3]); n != 0 {
		t.Fatalf("Read of a partial sample = %d, want 0", n)
	}
}

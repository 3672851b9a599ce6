package audio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/example/go-moshi/internal/metrics"
)

func TestCaptureQueueFIFO(t *testing.T) {
	m := metrics.New(nil)
	q := NewCaptureQueue(m)

	q.Push([]float32{1})
	q.Push([]float32{2, 2})
	q.Push([]float32{3, 3, 3})

	if q.Len() != 3 || q.BufferedSamples() != 6 {
		t.Fatalf("Len/BufferedSamples = %d/%d, want 3/6", q.Len(), q.BufferedSamples())
	}

	if got := testutil.ToFloat64(m.CaptureChunks); got != 3 {
		t.Fatalf("capture chunks metric = %v, want 3", got)
	}

	for want := 1; want <= 3; want++ {
		chunk, err := q.Pop(context.Background())
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}

		if len(chunk) != want || chunk[0] != float32(want) {
			t.Fatalf("Pop = %v, want %d samples of %d", chunk, want, want)
		}
	}

	if q.BufferedSamples() != 0 {
		t.Fatalf("BufferedSamples = %d, want 0", q.BufferedSamples())
	}
}

func TestCaptureQueuePopBlocksUntilPush(t *testing.T) {
	q := NewCaptureQueue(nil)

	got := make(chan []float32, 1)

	go func() {
		chunk, err := q.Pop(context.Background())
		if err == nil {
			got <- chunk
		}
	}()

	select {
	case <-got:
		t.Fatal("Pop returned before any push")
	case <-time.After(20 * time.Millisecond):
	}

	q.Push([]float32{7})

	select {
	case chunk := <-got:
		if chunk[0] != 7 {
			t.Fatalf("Pop = %v, want [7]", chunk)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake after Push")
	}
}

func TestCaptureQueueCancel(t *testing.T) {
	q := NewCaptureQueue(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := q.Pop(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Pop(cancelled) = %v, want context.Canceled", err)
	}
}

func TestCaptureQueueCloseDrainsFirst(t *testing.T) {
	q := NewCaptureQueue(nil)
	q.Push([]float32{1})
	q.Close()
	q.Close()

	if q.Push([]float32{2}) {
		t.Fatal("Push after Close accepted the chunk")
	}

	if _, err := q.Pop(context.Background()); err != nil {
		t.Fatalf("Pop after Close with data: %v", err)
	}

	if _, err := q.Pop(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Pop on drained closed queue = %v, want ErrQueueClosed", err)
	}
}

func TestCaptureQueueCloseWakesWaiters(t *testing.T) {
	q := NewCaptureQueue(nil)

	var wg sync.WaitGroup

	errs := make(chan error, 3)

	for range 3 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := q.Pop(context.Background())
			errs <- err
		}()
	}

	time.Sleep(10 * time.Millisecond)
	q.Close()
	wg.Wait()
	close(errs)

	for err := range errs {
		if !errors.Is(err, ErrQueueClosed) {
			t.Fatalf("waiter error = %v, want ErrQueueClosed", err)
		}
	}
}

func TestCaptureQueueDrainAndTryPop(t *testing.T) {
	q := NewCaptureQueue(nil)

	if _, ok := q.TryPop(); ok {
		t.Fatal("TryPop on empty queue reported ok")
	}

	q.Push([]float32{1, 2})
	q.Push([]float32{3})

	if got := q.Drain(); got != 3 {
		t.Fatalf("Drain() = %d, want 3", got)
	}

	if q.Len() != 0 {
		t.Fatalf("Len after Drain = %d, want 0", q.Len())
	}

	q.Push([]float32{4})

	if chunk, ok := q.TryPop(); !ok || chunk[0] != 4 {
		t.Fatalf("TryPop = %v, %v; want [4], true", chunk, ok)
	}
}

func TestCaptureQueueConcurrentProducers(t *testing.T) {
	q := NewCaptureQueue(nil)

	const producers, each = 4, 250

	var wg sync.WaitGroup

	for p := range producers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := range each {
				q.Push([]float32{float32(p*each + i)})
			}
		}()
	}

	wg.Wait()

	if q.Len() != producers*each {
		t.Fatalf("Len = %d, want %d", q.Len(), producers*each)
	}
}

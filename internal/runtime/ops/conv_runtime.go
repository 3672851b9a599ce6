package ops

import (
	"sync"
	"sync/atomic"

	"github.com/example/go-moshi/internal/runtime/tensor"
)

// convWorkers controls the goroutines used by Conv1D and ConvTranspose1D.
// Values <= 1 run sequentially. Set via SetConvWorkers, wired to
// runtime.conv_workers.
var convWorkers atomic.Int32

// SetConvWorkers sets the maximum number of goroutines used for conv
// execution. n <= 1 disables parallelism.
func SetConvWorkers(n int) {
	const maxInt32 = int(^uint32(0) >> 1)

	n = min(max(n, 0), maxInt32)
	convWorkers.Store(int32(n))
}

// ConvWorkers reports the configured conv parallelism.
func ConvWorkers() int { return int(convWorkers.Load()) }

// parallelChannels runs fn over output channels using the conv worker budget.
func parallelChannels(n int, fn func(lo, hi int)) {
	tensor.ParallelFor(n, ConvWorkers(), fn)
}

// Scratch buffers are pooled in power-of-two size classes from 2^10 to 2^26
// floats. Streaming steps call the conv kernels at 12.5 Hz per layer, so the
// im2col buffer would otherwise be reallocated for every frame.
const (
	minScratchBits = 10
	maxScratchBits = 26
)

var scratchPools [maxScratchBits - minScratchBits + 1]sync.Pool

// getScratch returns a zeroed buffer of n floats. Release it with putScratch.
func getScratch(n int) []float32 {
	cls := scratchClass(n)
	size := 1 << (cls + minScratchBits)

	if size < n {
		return make([]float32, n)
	}

	if v, ok := scratchPools[cls].Get().([]float32); ok {
		buf := v[:n]
		clear(buf)

		return buf
	}

	return make([]float32, size)[:n]
}

func putScratch(buf []float32) {
	c := cap(buf)

	cls := scratchClass(c)
	if 1<<(cls+minScratchBits) != c {
		return
	}

	scratchPools[cls].Put(buf[:c])
}

func scratchClass(n int) int {
	bits := 0
	for v := n - 1; v > 0; v >>= 1 {
		bits++
	}

	return min(max(bits-minScratchBits, 0), maxScratchBits-minScratchBits)
}

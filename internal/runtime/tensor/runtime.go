package tensor

import (
	"math"
	"runtime"
	"sync"
	"sync/atomic"
)

// workers is the goroutine budget of the row-parallel kernels (Linear,
// MatMul, attention heads, codebook search). 1 keeps everything on the
// calling goroutine, which is the default so library users opt in.
var workers atomic.Int32

func init() {
	workers.Store(1)
}

// SetWorkers sets the kernel goroutine budget. n <= 0 selects GOMAXPROCS,
// matching runtime.tensor_workers = 0 in the config.
func SetWorkers(n int) {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}

	workers.Store(int32(min(n, math.MaxInt32)))
}

// Workers reports the kernel goroutine budget, at least 1.
func Workers() int {
	return max(int(workers.Load()), 1)
}

// ParallelFor splits [0, n) into at most maxWorkers contiguous ranges and
// runs fn on each. The last range runs on the calling goroutine; ParallelFor
// returns once every range is done.
func ParallelFor(n, maxWorkers int, fn func(lo, hi int)) {
	if n <= 0 {
		return
	}

	parts := min(max(maxWorkers, 1), n)
	if parts == 1 {
		fn(0, n)
		return
	}

	chunk := (n + parts - 1) / parts

	var wg sync.WaitGroup

	last := 0
	for lo := 0; lo+chunk < n; lo += chunk {
		wg.Go(func() { fn(lo, lo+chunk) })
		last = lo + chunk
	}

	fn(last, n)
	wg.Wait()
}

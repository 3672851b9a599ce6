package perf

import (
	"context"
	"runtime/pprof"
)

// LabelHook tags the calling goroutine with a pprof "stage" label while a
// stage runs, so CPU profiles taken during `moshi bench` split by stage.
// Labels nest: ending a stage restores the labels of the enclosing one.
func LabelHook(ctx context.Context) Hook {
	stack := []context.Context{ctx}

	return func(k EventKind) {
		if k.IsBegin() {
			top := pprof.WithLabels(stack[len(stack)-1], pprof.Labels("stage", k.Stage()))
			stack = append(stack, top)
			pprof.SetGoroutineLabels(top)

			return
		}

		if len(stack) > 1 {
			stack = stack[:len(stack)-1]
		}

		pprof.SetGoroutineLabels(stack[len(stack)-1])
	}
}

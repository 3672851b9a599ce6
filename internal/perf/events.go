// Package perf defines the timing events emitted by the codec and the
// generation loop, and sinks that turn them into stage durations, chrome
// traces or pprof labels.
package perf

import "fmt"

// EventKind marks the start or end of a pipeline stage.
type EventKind int

const (
	BeginStep EventKind = iota
	EndStep
	BeginDepformer
	EndDepformer
	BeginEncode
	EndEncode
	BeginDecode
	EndDecode
)

// Stage names the pipeline stage of the event.
func (k EventKind) Stage() string {
	switch k {
	case BeginStep, EndStep:
		return "step"
	case BeginDepformer, EndDepformer:
		return "depformer"
	case BeginEncode, EndEncode:
		return "encode"
	case BeginDecode, EndDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// IsBegin reports whether k opens a stage.
func (k EventKind) IsBegin() bool { return k%2 == 0 }

func (k EventKind) String() string {
	if k < BeginStep || k > EndDecode {
		return fmt.Sprintf("EventKind(%d)", int(k))
	}

	if k.IsBegin() {
		return "begin_" + k.Stage()
	}

	return "end_" + k.Stage()
}

// Hook receives events synchronously on the goroutine that runs the stage.
// A nil Hook is valid and ignored by Emit.
type Hook func(EventKind)

// Emit calls h when it is set.
func (h Hook) Emit(k EventKind) {
	if h != nil {
		h(k)
	}
}

// Chain fans events out to every non-nil hook in order.
func Chain(hooks ...Hook) Hook {
	var live []Hook

	for _, h := range hooks {
		if h != nil {
			live = append(live, h)
		}
	}

	switch len(live) {
	case 0:
		return nil
	case 1:
		return live[0]
	}

	return func(k EventKind) {
		for _, h := range live {
			h(k)
		}
	}
}

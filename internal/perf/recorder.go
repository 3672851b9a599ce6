package perf

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Event is a recorded hook call.
type Event struct {
	Kind EventKind
	At   time.Time
}

// Recorder keeps every event with its timestamp. It is safe for concurrent
// use, though the pipeline only emits from the inference goroutine.
type Recorder struct {
	mu     sync.Mutex
	now    func() time.Time
	events []Event
}

// NewRecorder returns an empty recorder using the wall clock.
func NewRecorder() *Recorder {
	return &Recorder{now: time.Now}
}

// Hook returns the hook feeding this recorder.
func (r *Recorder) Hook() Hook {
	return r.Record
}

func (r *Recorder) Record(k EventKind) {
	r.mu.Lock()
	r.events = append(r.events, Event{Kind: k, At: r.now()})
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Event(nil), r.events...)
}

// Reset drops recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// StageStats aggregates completed begin/end pairs of one stage.
type StageStats struct {
	Count int
	Total time.Duration
	Max   time.Duration
}

// Mean returns Total/Count.
func (s StageStats) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}

	return s.Total / time.Duration(s.Count)
}

// Stages pairs begin and end events per stage. Unmatched ends are ignored;
// nested stages of different kinds are fine.
func (r *Recorder) Stages() map[string]StageStats {
	open := map[string]time.Time{}
	out := map[string]StageStats{}

	for _, ev := range r.Events() {
		stage := ev.Kind.Stage()
		if ev.Kind.IsBegin() {
			open[stage] = ev.At
			continue
		}

		start, ok := open[stage]
		if !ok {
			continue
		}

		delete(open, stage)

		d := ev.At.Sub(start)
		s := out[stage]
		s.Count++
		s.Total += d
		s.Max = max(s.Max, d)
		out[stage] = s
	}

	return out
}

type chromeTraceEvent struct {
	Name string `json:"name"`
	Cat  string `json:"cat"`
	Ph   string `json:"ph"`
	TS   int64  `json:"ts"`
	PID  int    `json:"pid"`
	TID  int    `json:"tid"`
}

// WriteChromeTrace writes the events in chrome://tracing JSON array format,
// timestamps in microseconds relative to the first event.
func (r *Recorder) WriteChromeTrace(w io.Writer) error {
	events := r.Events()
	trace := make([]chromeTraceEvent, 0, len(events))

	for _, ev := range events {
		ph := "E"
		if ev.Kind.IsBegin() {
			ph = "B"
		}

		trace = append(trace, chromeTraceEvent{
			Name: ev.Kind.Stage(),
			Ph:   ph,
			TS:   ev.At.Sub(events[0].At).Microseconds(),
			PID:  42,
			TID:  1,
		})
	}

	return json.NewEncoder(w).Encode(trace)
}

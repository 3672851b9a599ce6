// Package metrics exposes the runtime's Prometheus collectors. Collectors
// are registered on a caller-supplied registry so several sessions (and
// tests) can coexist in one process. Every recording method is safe on a
// nil *Metrics, which records nothing.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/example/go-moshi/internal/perf"
)

// Metrics contains the Prometheus collectors of one runtime.
type Metrics struct {
	// Capture path
	CaptureChunks     prometheus.Counter
	CaptureQueueDepth prometheus.Gauge

	// Playback path
	PlaybackOverflow prometheus.Counter
	PlaybackUnderrun prometheus.Counter
	PlaybackBuffered prometheus.Gauge

	// Generation loop
	Steps         prometheus.Counter
	TextTokens    prometheus.Counter
	StageDuration *prometheus.HistogramVec

	// Sessions and HTTP
	SessionsActive prometheus.Gauge
	HTTPRequests   *prometheus.CounterVec

	mu     sync.Mutex
	begins map[string]time.Time
	now    func() time.Time
}

// New creates the collectors and registers them on reg. A nil reg uses a
// fresh private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	f := promauto.With(reg)

	return &Metrics{
		CaptureChunks: f.NewCounter(prometheus.CounterOpts{
			Name: "moshi_capture_chunks_total",
			Help: "Total number of capture chunks pushed to the input queue",
		}),
		CaptureQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "moshi_capture_queue_depth",
			Help: "Current number of chunks waiting in the capture queue",
		}),
		PlaybackOverflow: f.NewCounter(prometheus.CounterOpts{
			Name: "moshi_playback_overflow_samples_total",
			Help: "Total number of decoded samples dropped because the playback buffer was full",
		}),
		PlaybackUnderrun: f.NewCounter(prometheus.CounterOpts{
			Name: "moshi_playback_underrun_samples_total",
			Help: "Total number of silent samples played because the playback buffer ran dry",
		}),
		PlaybackBuffered: f.NewGauge(prometheus.GaugeOpts{
			Name: "moshi_playback_buffered_samples",
			Help: "Current number of samples waiting in the playback buffer",
		}),
		Steps: f.NewCounter(prometheus.CounterOpts{
			Name: "moshi_steps_total",
			Help: "Total number of generation steps",
		}),
		TextTokens: f.NewCounter(prometheus.CounterOpts{
			Name: "moshi_text_tokens_total",
			Help: "Total number of text tokens reported by the generation loop",
		}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "moshi_stage_duration_seconds",
			Help:    "Duration of codec and model stages",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		}, []string{"stage"}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "moshi_sessions_active",
			Help: "Current number of running sessions",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "moshi_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		begins: make(map[string]time.Time),
		now:    time.Now,
	}
}

// RecordCapture counts a pushed chunk and the queue depth after the push.
func (m *Metrics) RecordCapture(depth int) {
	if m == nil {
		return
	}

	m.CaptureChunks.Inc()
	m.CaptureQueueDepth.Set(float64(depth))
}

// SetCaptureDepth sets the capture queue depth.
func (m *Metrics) SetCaptureDepth(depth int) {
	if m == nil {
		return
	}

	m.CaptureQueueDepth.Set(float64(depth))
}

// RecordOverflow counts samples dropped by a full playback buffer.
func (m *Metrics) RecordOverflow(samples int) {
	if m == nil || samples <= 0 {
		return
	}

	m.PlaybackOverflow.Add(float64(samples))
}

// RecordUnderrun counts samples zero-filled by the player.
func (m *Metrics) RecordUnderrun(samples int) {
	if m == nil || samples <= 0 {
		return
	}

	m.PlaybackUnderrun.Add(float64(samples))
}

// SetBuffered sets the playback buffer fill level.
func (m *Metrics) SetBuffered(samples int) {
	if m == nil {
		return
	}

	m.PlaybackBuffered.Set(float64(samples))
}

// RecordStep counts a generation step and whether it reported text.
func (m *Metrics) RecordStep(text bool) {
	if m == nil {
		return
	}

	m.Steps.Inc()

	if text {
		m.TextTokens.Inc()
	}
}

// SessionStarted and SessionEnded track the active session gauge.
func (m *Metrics) SessionStarted() {
	if m != nil {
		m.SessionsActive.Inc()
	}
}

func (m *Metrics) SessionEnded() {
	if m != nil {
		m.SessionsActive.Dec()
	}
}

// RecordHTTP counts a served request.
func (m *Metrics) RecordHTTP(method, endpoint, status string) {
	if m == nil {
		return
	}

	m.HTTPRequests.WithLabelValues(method, endpoint, status).Inc()
}

// Hook returns a perf hook that observes the duration between each begin
// event and the matching end event into StageDuration.
func (m *Metrics) Hook() perf.Hook {
	if m == nil {
		return nil
	}

	return m.observe
}

func (m *Metrics) observe(k perf.EventKind) {
	stage := k.Stage()
	at := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if k.IsBegin() {
		m.begins[stage] = at
		return
	}

	began, ok := m.begins[stage]
	if !ok {
		return
	}

	delete(m.begins, stage)
	m.StageDuration.WithLabelValues(stage).Observe(at.Sub(began).Seconds())
}

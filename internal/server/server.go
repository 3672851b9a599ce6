// Package server exposes a running session over a websocket, plus health
// and Prometheus endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/example/go-moshi/internal/audio"
	"github.com/example/go-moshi/internal/config"
	"github.com/example/go-moshi/internal/metrics"
	"github.com/example/go-moshi/internal/runtime/tensor"
	"github.com/example/go-moshi/internal/session"
)

// ParseLogLevel converts a case-insensitive level string to slog.Level.
// An empty string returns slog.LevelInfo. Unknown strings return an error.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
	}
}

// SessionFactory builds a fresh session for one websocket connection. The
// options carry the connection's output callback, logger and metrics and
// must be passed through to session.New.
type SessionFactory func(opts ...session.Option) (*session.Session, error)

// Message is the JSON envelope of websocket text frames.
type Message struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Token *int   `json:"token,omitempty"`
	Error string `json:"error,omitempty"`
}

// Message types.
const (
	TypeReady = "ready"
	TypeText  = "text"
	TypeReset = "reset"
	TypeStop  = "stop"
	TypeError = "error"
)

// ---------------------------------------------------------------------------
// Functional options
// ---------------------------------------------------------------------------

type options struct {
	logger      *slog.Logger
	factory     SessionFactory
	registry    *prometheus.Registry
	maxSessions int
	chunkSize   int
	sampleRate  int
}

func defaultOptions() options {
	return options{
		logger:      slog.Default(),
		maxSessions: 1,
		chunkSize:   audio.FrameSamples,
		sampleRate:  audio.ExpectedSampleRate,
	}
}

// Option configures the HTTP handler.
type Option func(*options)

// WithLogger sets the slog.Logger used for request logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithSessionFactory enables /v1/session.
func WithSessionFactory(f SessionFactory) Option {
	return func(o *options) { o.factory = f }
}

// WithRegistry registers the runtime collectors on reg and serves it on
// /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithMaxSessions sets the number of concurrent websocket sessions.
func WithMaxSessions(n int) Option {
	return func(o *options) { o.maxSessions = n }
}

// WithChunkSize sets the capture chunk size incoming PCM is cut into.
func WithChunkSize(n int) Option {
	return func(o *options) { o.chunkSize = n }
}

// ---------------------------------------------------------------------------
// handler
// ---------------------------------------------------------------------------

type handler struct {
	opts    options
	log     *slog.Logger
	metrics *metrics.Metrics
	active  atomic.Int32
}

// NewHandler returns an http.Handler that serves /health, /metrics and the
// /v1/session websocket.
func NewHandler(optFns ...Option) http.Handler {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.registry == nil {
		opts.registry = prometheus.NewRegistry()
	}

	h := &handler{
		opts:    opts,
		log:     opts.logger,
		metrics: metrics.New(opts.registry),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.instrument("/health", h.handleHealth))
	mux.Handle("/metrics", promhttp.HandlerFor(opts.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/v1/session", h.handleSession)

	return mux
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}

	return "dev"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *handler) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		h.metrics.RecordHTTP(r.Method, endpoint, strconv.Itoa(rec.status))
	}
}

type healthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	CPU      string `json:"cpu"`
	Sessions int    `json:"sessions"`
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Version:  buildVersion(),
		CPU:      tensor.CPUSummary(),
		Sessions: int(h.active.Load()),
	})
}

func (h *handler) acquire() bool {
	for {
		n := h.active.Load()
		if int(n) >= h.opts.maxSessions {
			return false
		}

		if h.active.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (h *handler) release() { h.active.Add(-1) }

var errClientStop = errors.New("client requested stop")

func (h *handler) handleSession(w http.ResponseWriter, r *http.Request) {
	if h.opts.factory == nil {
		h.metrics.RecordHTTP(r.Method, "/v1/session", strconv.Itoa(http.StatusNotFound))
		writeError(w, http.StatusNotFound, "sessions are not enabled")

		return
	}

	if !h.acquire() {
		h.metrics.RecordHTTP(r.Method, "/v1/session", strconv.Itoa(http.StatusServiceUnavailable))
		writeError(w, http.StatusServiceUnavailable, "a session is already active")

		return
	}
	defer h.release()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.WarnContext(r.Context(), "websocket accept failed", slog.String("error", err.Error()))
		return
	}

	h.metrics.RecordHTTP(r.Method, "/v1/session", strconv.Itoa(http.StatusSwitchingProtocols))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	start := time.Now()
	err = h.serveConn(ctx, conn)

	status := websocket.StatusNormalClosure
	reason := ""

	switch {
	case err == nil, errors.Is(err, errClientStop), errors.Is(err, context.Canceled):
	case websocket.CloseStatus(err) != -1:
		// The client closed the connection.
	default:
		status = websocket.StatusInternalError
		reason = "session failed"

		h.log.ErrorContext(r.Context(), "session failed",
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("error", err.Error()),
		)
	}

	h.log.InfoContext(r.Context(), "session closed", slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	_ = conn.Close(status, reason)
}

func (h *handler) serveConn(ctx context.Context, conn *websocket.Conn) error {
	outputs := make(chan session.Output, 16)
	g, gctx := errgroup.WithContext(ctx)

	sess, err := h.opts.factory(
		session.WithLogger(h.log),
		session.WithMetrics(h.metrics),
		session.WithOutput(func(o session.Output) {
			select {
			case outputs <- o:
			case <-gctx.Done():
			}
		}),
	)
	if err != nil {
		_ = writeMessage(ctx, conn, Message{Type: TypeError, Error: err.Error()})
		return fmt.Errorf("create session: %w", err)
	}

	if err := sess.Start(gctx); err != nil {
		return err
	}

	capture := audio.NewCapture(sess.Capture(), h.opts.chunkSize)

	g.Go(func() error {
		if err := writeMessage(gctx, conn, Message{Type: TypeReady}); err != nil {
			return err
		}

		return h.readLoop(gctx, conn, sess, capture)
	})

	g.Go(func() error {
		return writeLoop(gctx, conn, outputs, sess.Playback())
	})

	g.Go(func() error {
		// The loop only ends on its own when it fails or gctx is done.
		if err := sess.Wait(); err != nil {
			return fmt.Errorf("session loop: %w", err)
		}

		return nil
	})

	err = g.Wait()

	sess.Stop()
	sess.Capture().Close()
	_ = sess.Wait()

	return err
}

func (h *handler) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session, capture *audio.Capture) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		switch typ {
		case websocket.MessageBinary:
			pcm, err := audio.ParseFloat32LE(data)
			if err != nil {
				return err
			}

			if _, err := capture.Process(pcm, h.opts.sampleRate, 1); err != nil {
				return err
			}
		case websocket.MessageText:
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				_ = writeMessage(ctx, conn, Message{Type: TypeError, Error: "invalid JSON: " + err.Error()})
				continue
			}

			switch msg.Type {
			case TypeReset:
				capture.Discard()

				if err := sess.Reset(); err != nil {
					return err
				}
			case TypeStop:
				return errClientStop
			default:
				_ = writeMessage(ctx, conn, Message{Type: TypeError, Error: fmt.Sprintf("unknown message type %q", msg.Type)})
			}
		}
	}
}

// writeLoop forwards text as JSON and drains the playback ring into binary
// frames after every output.
func writeLoop(ctx context.Context, conn *websocket.Conn, outputs <-chan session.Output, ring *audio.RingBuffer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case out := <-outputs:
			for i, tok := range out.Text {
				msg := Message{Type: TypeText, Token: &tok}
				if i < len(out.Pieces) {
					msg.Text = out.Pieces[i]
				}

				if err := writeMessage(ctx, conn, msg); err != nil {
					return err
				}
			}

			if pcm := ring.Read(ring.Count()); len(pcm) > 0 {
				if err := conn.Write(ctx, websocket.MessageBinary, audio.Float32LE(pcm)); err != nil {
					return err
				}
			}
		}
	}
}

func writeMessage(ctx context.Context, conn *websocket.Conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return conn.Write(ctx, websocket.MessageText, data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ---------------------------------------------------------------------------
// Server wires the handler into net/http.Server with graceful shutdown.
// ---------------------------------------------------------------------------

// Server wires the HTTP handler into a net/http.Server with graceful shutdown.
type Server struct {
	cfg             config.Config
	opts            []Option
	shutdownTimeout time.Duration
}

func New(cfg config.Config, opts ...Option) *Server {
	timeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	all := []Option{
		WithMaxSessions(cfg.Server.MaxSessions),
		WithChunkSize(cfg.Audio.ChunkSize),
	}

	return &Server{
		cfg:             cfg,
		opts:            append(all, opts...),
		shutdownTimeout: timeout,
	}
}

// Start serves until ctx ends, then drains connections.
func (s *Server) Start(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           NewHandler(s.opts...),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}

		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("http listen: %w", err)
	}
}

// CheckHealth checks the /health endpoint of a running server.
func CheckHealth(ctx context.Context, addr string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected health status: %s", resp.Status)
	}

	return nil
}

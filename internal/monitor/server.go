package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/myolink/myolink/internal/health"
	"github.com/myolink/myolink/internal/observe"
)

const (
	// DefaultPushInterval is the cadence of the /live feed.
	DefaultPushInterval = time.Second

	// pushWriteTimeout bounds a single /live write. A client that cannot
	// drain one snapshot within this budget is cut loose.
	pushWriteTimeout = 2 * time.Second

	// shutdownTimeout bounds the drain of in-flight requests on shutdown.
	shutdownTimeout = 5 * time.Second
)

// Server is the monitor HTTP server. It exposes:
//
//   - GET /healthz — liveness probe.
//   - GET /readyz  — readiness probe over the registered health checkers.
//   - GET /metrics — Prometheus exposition of the OTel instruments.
//   - GET /stats   — one JSON [Snapshot].
//   - GET /live    — WebSocket pushing a [Snapshot] at the feed cadence.
//
// All endpoints run through [observe.Middleware].
type Server struct {
	stats    *PipelineStats
	sources  Sources
	health   *health.Handler
	metrics  *observe.Metrics
	interval time.Duration
	window   int
	start    time.Time

	httpSrv *http.Server

	mu   sync.Mutex
	addr string

	// done ends the /live feeds; httpSrv.Shutdown does not wait for
	// hijacked connections.
	done     chan struct{}
	stopOnce sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithHealth installs the handler behind /healthz and /readyz. Without it
// the probes report bare liveness.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) {
		if h != nil {
			s.health = h
		}
	}
}

// WithPushInterval sets the /live feed cadence.
func WithPushInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithStatsWindow sets the per-stage latency ring capacity.
func WithStatsWindow(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.window = n
		}
	}
}

// WithMetrics sets the instruments used by the request middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// New creates a monitor server that will listen on addr once ListenAndServe
// runs. The returned server owns a [PipelineStats]; pipeline stages feed it
// through [Server.Stats].
func New(addr string, sources Sources, opts ...Option) *Server {
	s := &Server{
		sources:  sources,
		health:   health.New(),
		interval: DefaultPushInterval,
		window:   DefaultStatsWindow,
		start:    time.Now(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.stats = NewPipelineStats(s.window)
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	mux := http.NewServeMux()
	s.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /live", s.handleLive)

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(s.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Stats returns the latency collector so pipeline stages can feed it.
func (s *Server) Stats() *PipelineStats {
	return s.stats
}

// Addr returns the bound listen address once ListenAndServe has bound it,
// and "" before that. With a ":0" configured port this is the only way to
// learn the actual port.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// ListenAndServe runs the HTTP server until the context ends.
//
// The listener is bound before any goroutine starts, so a bad address fails
// fast. On cancellation, live feeds are told to go away and in-flight
// requests get a bounded drain before hard close.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("monitor: listen on %s: %w", s.httpSrv.Addr, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	slog.Info("monitor listening", "addr", ln.Addr().String())

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpSrv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		s.stopFeeds()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("monitor: shutdown: %w", err)
		}
		return nil
	case err := <-serveErr:
		s.stopFeeds()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("monitor: serve: %w", err)
	}
}

// stopFeeds ends every /live feed loop.
func (s *Server) stopFeeds() {
	s.stopOnce.Do(func() { close(s.done) })
}

// handleStats serves one snapshot.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

// handleLive upgrades the connection and pushes a snapshot immediately, then
// at the feed cadence. The feed is push-only; a client that stops draining
// is disconnected rather than buffered.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Read-only telemetry; any origin may subscribe.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Debug("live feed upgrade failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "feed aborted")

	// The feed never reads; CloseRead surfaces a client-side close through
	// the returned context.
	ctx := conn.CloseRead(r.Context())

	if err := s.push(ctx, conn); err != nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
			if err := s.push(ctx, conn); err != nil {
				conn.Close(websocket.StatusPolicyViolation, "client too slow")
				return
			}
		}
	}
}

// push writes one snapshot with a bounded deadline.
func (s *Server) push(ctx context.Context, conn *websocket.Conn) error {
	wctx, cancel := context.WithTimeout(ctx, pushWriteTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, s.snapshot())
}

// snapshot reads every wired source and assembles the full document.
func (s *Server) snapshot() Snapshot {
	snap := Snapshot{
		Time:    time.Now().UTC(),
		Uptime:  time.Since(s.start),
		Latency: s.stats.Latencies(),
	}
	if f := s.sources.Sampler; f != nil {
		st := f()
		snap.Sampler = SamplerCounters{
			Emitted: st.Emitted,
			Invalid: st.Invalid,
			Dropped: st.Dropped,
		}
	}
	if f := s.sources.Link; f != nil {
		st := f()
		snap.Link = LinkCounters{
			Received:   st.Received,
			Delivered:  st.Delivered,
			Dropped:    st.Dropped,
			Rejected:   st.Rejected,
			Duplicates: st.Duplicates,
			Late:       st.Late,
			Resets:     st.Resets,
			Lost:       st.Lost,
		}
	}
	if f := s.sources.Sender; f != nil {
		snap.Sender = f()
	}
	if f := s.sources.Recorder; f != nil {
		st := f()
		snap.Recorder = RecorderCounters{
			Appended:       st.Appended,
			Late:           st.Late,
			InvalidSkipped: st.InvalidSkipped,
			DroppedSamples: st.DroppedSamples,
			DroppedLabels:  st.DroppedLabels,
			Pending:        st.Pending,
		}
	}
	if f := s.sources.Controller; f != nil {
		st := f()
		snap.Controller = ControllerCounters{
			Processed: st.Processed,
			Invalid:   st.Invalid,
			Triggers:  st.Triggers,
			Releases:  st.Releases,
		}
	}
	if f := s.sources.Labels; f != nil {
		st := f()
		snap.Labels = LabelCounters{
			Transitions: st.Transitions,
			Suppressed:  st.Suppressed,
			Dropped:     st.Dropped,
		}
	}
	return snap
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}

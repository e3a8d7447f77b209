package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/myolink/myolink/internal/catalog"
	"github.com/myolink/myolink/internal/config"
	"github.com/myolink/myolink/internal/label"
	"github.com/myolink/myolink/internal/observe"
	"github.com/myolink/myolink/internal/recorder"
	"github.com/myolink/myolink/pkg/emg"
)

// SessionManager owns the recording-session lifecycle: one catalog entry,
// one dataset file, one recorder per session, with at most one session
// active at a time. All exported methods are safe for concurrent use.
// IngestSample and IngestLabel stay lock-free so the pipeline hot path
// never contends with Start or Stop.
type SessionManager struct {
	cat        *catalog.Catalog
	cfg        *config.Config
	metrics    *observe.Metrics
	observer   func(d time.Duration, late bool)
	labelStats func() label.Stats

	mu     sync.Mutex
	active bool
	info   catalog.Session

	// transitionsAtStart rebases the daemon-lifetime label counter so the
	// session result reports only its own transitions.
	transitionsAtStart uint64

	rec atomic.Pointer[recorder.Recorder]
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Catalog *catalog.Catalog
	Config  *config.Config
	Metrics *observe.Metrics

	// AppendObserver, when set, receives the intake-to-append residency of
	// every durable record. It runs on the recorder's merge goroutine and
	// must not block.
	AppendObserver func(d time.Duration, late bool)

	// LabelStats, when set, supplies the label counters folded into the
	// session result at Stop.
	LabelStats func() label.Stats
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &SessionManager{
		cat:        cfg.Catalog,
		cfg:        cfg.Config,
		metrics:    m,
		observer:   cfg.AppendObserver,
		labelStats: cfg.LabelStats,
	}
}

// Start begins a new recording session for the configured subject: a fresh
// catalog entry, the dataset file, and a recorder wired to it.
//
// Returns an error if a session is already active or the dataset cannot be
// created.
func (sm *SessionManager) Start(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.active {
		return fmt.Errorf("app: a recording session is already active (id=%s)", sm.info.ID)
	}

	subject := sm.cfg.Storage.Subject
	sess, err := sm.cat.Begin(ctx, subject, sm.cfg.Storage.SessionLabel, sm.cfg.Sampler.RateHz)
	if err != nil {
		return fmt.Errorf("app: begin session: %w", err)
	}

	w, err := recorder.OpenWriter(sess.DatasetPath(),
		recorder.WithSyncMode(sm.cfg.Storage.Sync),
		recorder.WithSyncInterval(sm.cfg.Storage.SyncInterval),
	)
	if err != nil {
		// The catalog row stays behind with no end time; the inspector
		// shows it as unfinished.
		return fmt.Errorf("app: open dataset %s: %w", sess.DatasetPath(), err)
	}

	opts := []recorder.Option{
		recorder.WithWindow(sm.cfg.Recorder.Window),
		recorder.WithSampleQueue(sm.cfg.Recorder.SampleQueue),
		recorder.WithLabelQueue(sm.cfg.Recorder.LabelQueue),
	}
	if sm.observer != nil {
		opts = append(opts, recorder.WithAppendObserver(sm.observer))
	}

	sm.active = true
	sm.info = *sess
	if sm.labelStats != nil {
		sm.transitionsAtStart = sm.labelStats().Transitions
	}
	sm.rec.Store(recorder.New(w, opts...))
	sm.metrics.ActiveSessions.Add(ctx, 1)

	slog.Info("session started",
		"id", sess.ID,
		"subject", subject,
		"dir", sess.Dir,
		"rate_hz", sm.cfg.Sampler.RateHz,
	)
	return nil
}

// Stop ends the active session: the recorder drains and finalizes the
// dataset, and the catalog entry is closed with the final counters. The
// dataset file is the source of truth, so a catalog bookkeeping failure is
// logged, never returned; a recorder failure is, because it means the
// dataset itself is suspect.
//
// Returns an error if no session is active.
func (sm *SessionManager) Stop(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.active {
		return fmt.Errorf("app: no active recording session to stop")
	}

	info := sm.info

	// Detach the recorder first so ingest turns into a no-op, then drain
	// and close it.
	rec := sm.rec.Swap(nil)
	closeErr := rec.Close()
	stats := rec.Stats()

	res := catalog.Result{
		EndedAt:        time.Now().UTC(),
		Records:        stats.Appended,
		Late:           stats.Late,
		InvalidSkipped: stats.InvalidSkipped,
		DroppedSamples: stats.DroppedSamples,
	}
	if sm.labelStats != nil {
		res.LabelTransitions = sm.labelStats().Transitions - sm.transitionsAtStart
	}

	if err := sm.cat.Finish(ctx, &info, res); err != nil {
		slog.Warn("session: catalog finish failed", "id", info.ID, "err", err)
	}

	sm.active = false
	sm.info = catalog.Session{}
	sm.metrics.ActiveSessions.Add(ctx, -1)

	slog.Info("session stopped",
		"id", info.ID,
		"records", stats.Appended,
		"late", stats.Late,
		"dropped_samples", stats.DroppedSamples,
		"label_transitions", res.LabelTransitions,
	)

	if closeErr != nil {
		return fmt.Errorf("app: close recorder: %w", closeErr)
	}
	return nil
}

// IngestSample forwards one sample to the active recorder. Samples outside
// a session are discarded: recording starts at Start and ends at Stop.
func (sm *SessionManager) IngestSample(s emg.Sample) {
	if rec := sm.rec.Load(); rec != nil {
		rec.IngestSample(s)
	}
}

// IngestLabel forwards one label transition to the active recorder.
func (sm *SessionManager) IngestLabel(tr emg.LabelTransition) {
	if rec := sm.rec.Load(); rec != nil {
		rec.IngestLabel(tr)
	}
}

// Err reports the active recorder's terminal error. It is nil while the
// recorder is healthy and nil when no session is running.
func (sm *SessionManager) Err() error {
	if rec := sm.rec.Load(); rec != nil {
		return rec.Err()
	}
	return nil
}

// RecorderStats returns the active recorder's counters, zero when no
// session is running.
func (sm *SessionManager) RecorderStats() recorder.Stats {
	if rec := sm.rec.Load(); rec != nil {
		return rec.Stats()
	}
	return recorder.Stats{}
}

// IsActive reports whether a session is currently recording.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active
}

// Info returns a copy of the active session's catalog entry and whether one
// is active.
func (sm *SessionManager) Info() (catalog.Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info, sm.active
}

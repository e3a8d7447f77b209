// Package app wires the myolink pipeline into a running host daemon.
//
// The App struct owns the full lifecycle: New creates and connects the
// subsystems from config, Run starts the recording session and the pipeline
// loops, and Shutdown tears everything down in reverse order.
//
// For testing, inject doubles via functional options (WithSource, WithHook,
// etc.). When an option is not provided, New creates real implementations
// from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/myolink/myolink/internal/catalog"
	"github.com/myolink/myolink/internal/config"
	"github.com/myolink/myolink/internal/control"
	"github.com/myolink/myolink/internal/health"
	"github.com/myolink/myolink/internal/label"
	"github.com/myolink/myolink/internal/monitor"
	"github.com/myolink/myolink/internal/observe"
	"github.com/myolink/myolink/internal/recorder"
	"github.com/myolink/myolink/internal/sampler"
	"github.com/myolink/myolink/pkg/frame"
	"github.com/myolink/myolink/pkg/link"
	"github.com/myolink/myolink/pkg/link/serial"
	"github.com/myolink/myolink/pkg/link/udp"
)

// sourceStallAfter is how long the ingest may stay silent before the
// readiness probe reports the source down.
const sourceStallAfter = 10 * time.Second

// telemetryInterval paces the counter export and the recorder fatal check.
const telemetryInterval = time.Second

// defaultControlQueue bounds the controller intake when the config does not.
const defaultControlQueue = 64

// errQuit signals a user-requested stop through the errgroup.
var errQuit = errors.New("app: quit requested")

// ctlFrame carries a frame into the controller queue together with its
// receive time, so actuation latency covers the queue residency too.
type ctlFrame struct {
	f  frame.Frame
	at time.Time
}

// App owns all subsystem lifetimes and runs the acquisition-to-actuation
// pipeline of the host daemon.
type App struct {
	cfg *config.Config

	// Subsystems. Initialised in New, torn down in Shutdown.
	catalog  *catalog.Catalog
	labels   *label.Source
	keyboard *label.Keyboard
	control  *control.Controller
	source   Source
	session  *SessionManager
	monitor  *monitor.Server
	watcher  *config.Watcher
	metrics  *observe.Metrics

	// hook fires on each rising edge. The default counts and logs.
	hook      func()
	hookFires atomic.Uint64

	sclock     *streamClock
	logLevel   *slog.LevelVar
	configPath string
	labelInput io.Reader

	// lastFrame holds the unix nanos of the newest ingested frame, for the
	// readiness probe.
	lastFrame atomic.Int64

	ctlq     chan ctlFrame
	ctlDrops atomic.Uint64

	// prev holds the counter snapshot of the previous telemetry export.
	// Touched only by the watch goroutine.
	prev counterSnapshot

	quit     chan struct{}
	quitOnce sync.Once

	// closers run in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSource injects a frame source instead of building one from the
// config's source kind. Injected sources are not closed by Shutdown;
// their owner closes them.
func WithSource(src Source) Option {
	return func(a *App) { a.source = src }
}

// WithHook replaces the default game hook.
func WithHook(fn func()) Option {
	return func(a *App) { a.hook = fn }
}

// WithLogLevel hands the daemon's level var to the config watcher so log
// level changes apply without restart.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithConfigWatch enables hot reload by polling path for changes.
func WithConfigWatch(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithLabelInput reads label keys from r instead of the raw terminal.
func WithLabelInput(r io.Reader) Option {
	return func(a *App) { a.labelInput = r }
}

// WithMetrics injects an instrument set instead of the process-wide one.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring the pipeline from cfg. Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: catalog open and migration,
// label source and keyboard attach, controller, signal source, session
// manager, monitor, and config watcher. The recording session itself starts
// in Run.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:    cfg,
		sclock: &streamClock{},
		quit:   make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.hook == nil {
		a.hook = func() {
			slog.Info("trigger", "count", a.hookFires.Add(1))
		}
	}

	// ── 1. Session catalog ───────────────────────────────────────────────
	if err := a.initCatalog(); err != nil {
		return nil, fmt.Errorf("app: init catalog: %w", err)
	}

	// ── 2. Label source + keyboard ───────────────────────────────────────
	a.initLabels()

	// ── 3. Controller ────────────────────────────────────────────────────
	if err := a.initController(); err != nil {
		return nil, fmt.Errorf("app: init controller: %w", err)
	}

	// ── 4. Signal source ─────────────────────────────────────────────────
	if err := a.initSource(); err != nil {
		return nil, fmt.Errorf("app: init source: %w", err)
	}

	// ── 5. Session manager ───────────────────────────────────────────────
	a.initSession()

	// ── 6. Monitor ───────────────────────────────────────────────────────
	a.initMonitor()

	// ── 7. Config watcher ────────────────────────────────────────────────
	if err := a.initWatcher(); err != nil {
		return nil, fmt.Errorf("app: init watcher: %w", err)
	}

	return a, nil
}

// Session exposes the recording-session lifecycle.
func (a *App) Session() *SessionManager { return a.session }

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initCatalog() error {
	cat, err := catalog.Open(a.cfg.Storage.Root, catalog.WithIndexFile(a.cfg.CatalogPath()))
	if err != nil {
		return err
	}
	a.catalog = cat
	a.closers = append(a.closers, cat.Close)
	return nil
}

// initLabels sets up the label source and, when a terminal is available,
// the keyboard reading it. Headless runs record unlabeled.
func (a *App) initLabels() {
	a.labels = label.NewSource(label.WithQueue(a.cfg.Label.Queue))
	a.closers = append(a.closers, a.labels.Close)

	opts := []label.KeyboardOption{
		label.WithDebounce(a.cfg.Label.Debounce),
		label.WithQuit(a.requestQuit),
	}
	if a.labelInput != nil {
		opts = append(opts, label.WithInput(a.labelInput))
	}
	kb, err := label.NewKeyboard(a.labels, a.sclock, opts...)
	if err != nil {
		slog.Warn("label keys disabled", "err", err)
		return
	}
	a.keyboard = kb
	a.closers = append(a.closers, kb.Close)
}

func (a *App) initController() error {
	if !a.cfg.Controller.Enabled {
		return nil
	}
	ctl, err := control.New(a.hook,
		control.WithThresholds(a.cfg.Controller.Rising, a.cfg.Controller.Falling))
	if err != nil {
		return err
	}
	a.control = ctl

	q := a.cfg.Controller.Queue
	if q <= 0 {
		q = defaultControlQueue
	}
	a.ctlq = make(chan ctlFrame, q)
	return nil
}

func (a *App) initSource() error {
	if a.source != nil {
		return nil // injected
	}
	switch a.cfg.Source.Kind {
	case config.SourceUDP:
		pol := link.NewPolicy(
			link.WithHorizon(a.cfg.Link.Horizon),
			link.WithWindow(a.cfg.Link.Window),
			link.WithIdleTimeout(a.cfg.Link.IdleTimeout),
		)
		r, err := udp.Listen(a.cfg.Link.ListenAddr,
			udp.WithQueue(a.cfg.Link.Queue), udp.WithPolicy(pol))
		if err != nil {
			return err
		}
		a.source = r
		slog.Info("listening for frames", "addr", r.Addr().String())
	case config.SourceSerial:
		port, err := serial.Open(a.cfg.Serial.Device, a.cfg.Serial.BaudRate)
		if err != nil {
			return err
		}
		a.source = serial.NewReceiver(port, serial.WithQueue(a.cfg.Link.Queue))
		slog.Info("reading frames", "device", a.cfg.Serial.Device)
	case config.SourceSim:
		a.source = newSimSource(a.cfg)
		slog.Info("running synthetic sensor", "rate_hz", a.cfg.Sampler.RateHz)
	default:
		return fmt.Errorf("unknown source kind %q", a.cfg.Source.Kind)
	}
	a.closers = append(a.closers, a.source.Close)
	return nil
}

func (a *App) initSession() {
	a.session = NewSessionManager(SessionManagerConfig{
		Catalog: a.catalog,
		Config:  a.cfg,
		Metrics: a.metrics,
		AppendObserver: func(d time.Duration, late bool) {
			if a.monitor != nil {
				a.monitor.Stats().RecordFinalize(d)
			}
			a.metrics.FinalizeLatency.Record(context.Background(), d.Seconds())
			a.metrics.RecordAppend(context.Background(), late)
		},
		LabelStats: a.labels.Stats,
	})
}

func (a *App) initMonitor() {
	if a.cfg.Monitor.ListenAddr == "" {
		return
	}
	checks := health.New(
		health.Checker{Name: "recorder", Check: func(context.Context) error {
			return a.session.Err()
		}},
		health.Checker{Name: "source", Check: func(context.Context) error {
			last := a.lastFrame.Load()
			if last == 0 {
				return errors.New("no frames received yet")
			}
			if idle := time.Since(time.Unix(0, last)); idle > sourceStallAfter {
				return fmt.Errorf("no frames for %s", idle.Round(time.Second))
			}
			return nil
		}},
	)
	src := monitor.Sources{
		Sampler:  a.samplerStats,
		Link:     a.linkStats,
		Recorder: a.session.RecorderStats,
		Labels:   a.labels.Stats,
	}
	if a.control != nil {
		src.Controller = a.control.Stats
	}
	a.monitor = monitor.New(a.cfg.Monitor.ListenAddr, src,
		monitor.WithHealth(checks), monitor.WithMetrics(a.metrics))
}

func (a *App) initWatcher() error {
	if a.configPath == "" {
		return nil
	}
	w, err := config.NewWatcher(a.configPath, a.applyConfig)
	if err != nil {
		return err
	}
	a.watcher = w
	a.closers = append(a.closers, func() error {
		w.Stop()
		return nil
	})
	return nil
}

// linkStats returns the receive counters when the source has them.
func (a *App) linkStats() link.Stats {
	if s, ok := a.source.(interface{ Stats() link.Stats }); ok {
		return s.Stats()
	}
	return link.Stats{}
}

// samplerStats returns the acquisition counters when the source has them.
func (a *App) samplerStats() sampler.Stats {
	if s, ok := a.source.(interface{ Stats() sampler.Stats }); ok {
		return s.Stats()
	}
	return sampler.Stats{}
}

// applyConfig is the watcher callback: hot-reloadable fields apply in
// place, everything else is reported as needing a restart.
func (a *App) applyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ThresholdsChanged && a.control != nil {
		if err := a.control.SetThresholds(d.NewRising, d.NewFalling); err != nil {
			slog.Warn("threshold reload rejected", "err", err)
		} else {
			slog.Info("controller thresholds changed",
				"rising", d.NewRising, "falling", d.NewFalling)
		}
	}
	for _, field := range d.RestartRequired {
		slog.Warn("config change requires restart", "field", field)
	}
}

// requestQuit asks Run to wind down, as if the process had been signalled.
func (a *App) requestQuit() {
	a.quitOnce.Do(func() { close(a.quit) })
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the recording session and the pipeline loops, then blocks
// until ctx is cancelled, the user quits, or a stage fails. Source-level
// trouble degrades and is reported through the monitor; a recorder
// durability failure is the one error that ends the run.
//
// Call Shutdown after Run returns.
func (a *App) Run(ctx context.Context) error {
	if err := a.session.Start(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if a.monitor != nil {
		g.Go(func() error { return a.monitor.ListenAndServe(ctx) })
	}
	g.Go(func() error { return a.pump(ctx) })
	g.Go(func() error { return a.labelLoop(ctx) })
	g.Go(func() error { return a.watch(ctx) })
	if a.control != nil {
		g.Go(func() error { return a.ctlLoop(ctx) })
	}
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case <-a.quit:
			return errQuit
		}
	})

	slog.Info("pipeline running",
		"source", a.cfg.Source.Kind,
		"subject", a.cfg.Storage.Subject,
		"controller", a.control != nil,
	)

	err := g.Wait()
	if errors.Is(err, errQuit) {
		return nil
	}
	return err
}

// pump drains the signal source. Every frame reaches the recorder without
// blocking; the controller receives it through its own bounded queue so a
// slow game hook can never stall recording.
func (a *App) pump(ctx context.Context) error {
	frames := a.source.Frames()
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-frames:
			if !ok {
				// Source errors degrade: what was recorded stays durable
				// and readiness reports the stall.
				if err := a.source.Err(); err != nil {
					slog.Error("signal source stopped", "err", err)
				}
				return nil
			}
			now := time.Now()
			a.lastFrame.Store(now.UnixNano())
			a.sclock.observe(f.Sample.Timestamp)
			a.session.IngestSample(f.Sample)
			if a.control != nil {
				a.offerControl(ctlFrame{f: f, at: now})
			}
		}
	}
}

// offerControl enqueues a frame for the controller, evicting the oldest
// queued one when the game side lags. Staleness is worse than loss for a
// real-time control signal.
func (a *App) offerControl(in ctlFrame) {
	select {
	case a.ctlq <- in:
		return
	default:
	}
	select {
	case <-a.ctlq:
		a.ctlDrops.Add(1)
	default:
	}
	select {
	case a.ctlq <- in:
	default:
	}
}

// ctlLoop feeds the controller and measures receive-to-actuate latency,
// queue residency included.
func (a *App) ctlLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case in := <-a.ctlq:
			a.control.OnFrame(in.f)
			d := time.Since(in.at)
			if a.monitor != nil {
				a.monitor.Stats().RecordActuate(d)
			}
			a.metrics.ActuationLatency.Record(ctx, d.Seconds())
		}
	}
}

// labelLoop routes label transitions into the active session.
func (a *App) labelLoop(ctx context.Context) error {
	transitions := a.labels.Transitions()
	for {
		select {
		case <-ctx.Done():
			return nil
		case tr, ok := <-transitions:
			if !ok {
				return nil
			}
			a.session.IngestLabel(tr)
		}
	}
}

// watch paces the telemetry export and checks the recorder's error latch.
// A durability failure cancels the whole group: continuing would record a
// dataset with a silent gap.
func (a *App) watch(ctx context.Context) error {
	ticker := time.NewTicker(telemetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.session.Err(); err != nil {
				return fmt.Errorf("app: recorder failed: %w", err)
			}
			a.exportCounters(ctx)
		}
	}
}

// counterSnapshot holds one reading of every component counter set, so the
// telemetry export can emit deltas.
type counterSnapshot struct {
	sampler  sampler.Stats
	link     link.Stats
	rec      recorder.Stats
	labels   label.Stats
	control  control.Stats
	ctlDrops uint64
	active   bool
}

// delta converts a pair of cumulative counter readings into an increment,
// restarting from cur when the counter shrank (a fresh component behind
// the same surface, such as a new session's recorder).
func delta(cur, prev uint64) int64 {
	if cur < prev {
		return int64(cur)
	}
	return int64(cur - prev)
}

// exportCounters forwards component counter increments to the OTel
// instruments. Appends and their latencies are recorded at the event site
// by the session's append observer; everything counted inside a component
// is exported here as a delta.
func (a *App) exportCounters(ctx context.Context) {
	cur := counterSnapshot{
		sampler:  a.samplerStats(),
		link:     a.linkStats(),
		rec:      a.session.RecorderStats(),
		labels:   a.labels.Stats(),
		ctlDrops: a.ctlDrops.Load(),
	}
	if a.control != nil {
		cur.control = a.control.Stats()
		cur.active = a.control.Active()
	}
	prev := a.prev
	a.prev = cur

	m := a.metrics
	// Emitted counts every sample, invalid ones included.
	emitted := delta(cur.sampler.Emitted, prev.sampler.Emitted)
	invalid := delta(cur.sampler.Invalid, prev.sampler.Invalid)
	m.AddSamples(ctx, emitted-invalid, true)
	m.AddSamples(ctx, invalid, false)
	m.AddQueueDrops(ctx, delta(cur.sampler.Dropped, prev.sampler.Dropped), "sampler")

	m.AddFramesReceived(ctx, delta(cur.link.Delivered, prev.link.Delivered), "delivered")
	m.AddFramesReceived(ctx, delta(cur.link.Duplicates, prev.link.Duplicates), "duplicate")
	m.AddFramesReceived(ctx, delta(cur.link.Late, prev.link.Late), "late")
	m.FramesRejected.Add(ctx, delta(cur.link.Rejected, prev.link.Rejected))
	m.AddQueueDrops(ctx, delta(cur.link.Dropped, prev.link.Dropped), "link")

	m.AddQueueDrops(ctx, delta(cur.rec.DroppedSamples, prev.rec.DroppedSamples), "recorder.samples")
	m.AddQueueDrops(ctx, delta(cur.rec.DroppedLabels, prev.rec.DroppedLabels), "recorder.labels")

	m.LabelTransitions.Add(ctx, delta(cur.labels.Transitions, prev.labels.Transitions))
	m.AddQueueDrops(ctx, delta(cur.labels.Dropped, prev.labels.Dropped), "labels")

	m.Triggers.Add(ctx, delta(cur.control.Triggers, prev.control.Triggers))
	m.AddQueueDrops(ctx, delta(cur.ctlDrops, prev.ctlDrops), "controller")
	if cur.active != prev.active {
		if cur.active {
			m.ControllerActive.Add(ctx, 1)
		} else {
			m.ControllerActive.Add(ctx, -1)
		}
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the recording session, then tears the subsystems down in
// reverse-init order. It respects the context deadline: if ctx expires
// before all closers finish, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Finalize the dataset first; everything after is resource release.
		if a.session != nil && a.session.IsActive() {
			if err := a.session.Stop(ctx); err != nil {
				slog.Error("session stop error", "err", err)
				shutdownErr = err
			}
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = errors.Join(shutdownErr, ctx.Err())
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

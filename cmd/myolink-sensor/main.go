// Command myolink-sensor is the device bridge: it acquires the EMG signal
// next to the sensor and streams encoded frames to the host.
//
// The sample source is either the acquisition board behind a serial port or
// the built-in synthetic sensor. Frames go to every configured UDP target;
// with the synthetic sensor a configured serial port carries the frames
// instead, standing in for a tethered device.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/myolink/myolink/internal/config"
	"github.com/myolink/myolink/internal/health"
	"github.com/myolink/myolink/internal/monitor"
	"github.com/myolink/myolink/internal/observe"
	"github.com/myolink/myolink/internal/sampler"
	"github.com/myolink/myolink/pkg/emg"
	"github.com/myolink/myolink/pkg/frame"
	"github.com/myolink/myolink/pkg/link/serial"
	"github.com/myolink/myolink/pkg/link/udp"
)

const (
	// shutdownTimeout bounds the post-run drain.
	shutdownTimeout = 10 * time.Second

	// telemetryInterval paces the counter export.
	telemetryInterval = time.Second

	// sampleStallAfter is how long acquisition may stay silent before the
	// readiness probe reports the sensor down.
	sampleStallAfter = 10 * time.Second
)

// sink is one frame output: the UDP sender or the serial line.
type sink interface {
	Send(frame.Frame) error
	Close() error
}

// bridge owns the acquire-encode-send loop and its counters.
type bridge struct {
	smp     *sampler.Sampler
	sinks   []sink
	metrics *observe.Metrics

	enc        frame.Encoder
	sent       atomic.Uint64
	sendErrs   atomic.Uint64
	lastSample atomic.Int64

	// prev* hold the readings of the previous telemetry export. Touched
	// only by the export goroutine.
	prevSampler sampler.Stats
	prevSent    uint64
}

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "configs/example.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "myolink-sensor: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "myolink-sensor: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Log.Level.Level()}))
	slog.SetDefault(logger)

	slog.Info("myolink-sensor starting",
		"config", *configPath,
		"sensor", cfg.Sampler.Sensor,
		"log_level", cfg.Log.Level,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry providers ───────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "myolink-sensor"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Sensor ────────────────────────────────────────────────────────────────
	var (
		sensor      sampler.Sensor
		board       io.Closer
		rate        = cfg.Sampler.RateHz
		serialTaken bool
	)
	switch cfg.Sampler.Sensor {
	case config.SensorFirmware:
		port, err := serial.Open(cfg.Serial.Device, cfg.Serial.BaudRate)
		if err != nil {
			slog.Error("failed to open acquisition board", "device", cfg.Serial.Device, "err", err)
			return 1
		}
		fw, err := sampler.NewFirmwareSensor(port, sampler.WithChannel(cfg.Sampler.Channel))
		if err != nil {
			port.Close()
			slog.Error("firmware handshake failed", "err", err)
			return 1
		}
		slog.Info("acquisition board ready",
			"device", cfg.Serial.Device,
			"board", fw.Device(),
			"channel", cfg.Sampler.Channel,
		)
		// The board paces acquisition through its blocking reads; a sampler
		// timer on top would only add jitter.
		rate = 0
		sensor, board, serialTaken = fw, fw, true
	default:
		var simOpts []sampler.SimOption
		if cfg.Sampler.Seed != 0 {
			simOpts = append(simOpts, sampler.WithSeed(cfg.Sampler.Seed))
		}
		sensor = sampler.NewSimSensor(simOpts...)
	}

	clock := emg.NewClock()
	smp := sampler.New(sensor, clock,
		sampler.WithRate(rate), sampler.WithQueue(cfg.Sampler.Queue))

	// ── Frame outputs ─────────────────────────────────────────────────────────
	var sinks []sink
	if len(cfg.Link.Targets) > 0 {
		snd, err := udp.Dial(cfg.Link.Targets...)
		if err != nil {
			slog.Error("failed to dial frame targets", "err", err)
			return 1
		}
		sinks = append(sinks, snd)
		slog.Info("sending frames", "targets", cfg.Link.Targets)
	}
	if cfg.Serial.Device != "" && !serialTaken {
		port, err := serial.Open(cfg.Serial.Device, cfg.Serial.BaudRate)
		if err != nil {
			slog.Error("failed to open serial output", "device", cfg.Serial.Device, "err", err)
			return 1
		}
		sinks = append(sinks, serial.NewSender(port))
		slog.Info("sending frames", "device", cfg.Serial.Device)
	}
	if len(sinks) == 0 {
		slog.Error("no frame output configured: set link.targets or serial.device")
		return 1
	}

	b := &bridge{smp: smp, sinks: sinks, metrics: observe.DefaultMetrics()}

	// ── Monitor ───────────────────────────────────────────────────────────────
	var mon *monitor.Server
	if cfg.Monitor.ListenAddr != "" {
		checks := health.New(health.Checker{Name: "sampler", Check: b.checkSampler})
		mon = monitor.New(cfg.Monitor.ListenAddr, monitor.Sources{
			Sampler: smp.Stats,
			Sender:  b.senderCounters,
		}, monitor.WithHealth(checks), monitor.WithMetrics(b.metrics))
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, rate)

	// ── Run ───────────────────────────────────────────────────────────────────
	smp.Start()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.pump(gctx) })
	g.Go(func() error { return b.export(gctx) })
	if mon != nil {
		g.Go(func() error { return mon.ListenAndServe(gctx) })
	}

	slog.Info("bridge running — press Ctrl+C to stop")

	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("stopping…")

	if board != nil {
		// Unblocks a pending board read so the sampler loop can exit.
		if err := board.Close(); err != nil {
			slog.Warn("board close error", "err", err)
		}
	}
	smp.Stop()
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			slog.Warn("sink close error", "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ─── Bridge loops ────────────────────────────────────────────────────────────

// pump encodes every acquired sample and fans it out to the sinks. Send
// failures are counted, not logged: at 500 Hz a dead link would bury the
// log, and the monitor carries the counts.
func (b *bridge) pump(ctx context.Context) error {
	samples := b.smp.Samples()
	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-samples:
			if !ok {
				return nil
			}
			b.lastSample.Store(time.Now().UnixNano())
			f := b.enc.Next(s)
			for _, snd := range b.sinks {
				if err := snd.Send(f); err != nil {
					b.sendErrs.Add(1)
					continue
				}
				b.sent.Add(1)
			}
		}
	}
}

// export forwards counter deltas to the OTel instruments once a second.
func (b *bridge) export(ctx context.Context) error {
	ticker := time.NewTicker(telemetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cur := b.smp.Stats()
			sent := b.sent.Load()

			m := b.metrics
			// Emitted counts every sample, invalid ones included.
			emitted := delta(cur.Emitted, b.prevSampler.Emitted)
			invalid := delta(cur.Invalid, b.prevSampler.Invalid)
			m.AddSamples(ctx, emitted-invalid, true)
			m.AddSamples(ctx, invalid, false)
			m.AddQueueDrops(ctx, delta(cur.Dropped, b.prevSampler.Dropped), "sampler")
			m.FramesSent.Add(ctx, delta(sent, b.prevSent))

			b.prevSampler, b.prevSent = cur, sent
		}
	}
}

func (b *bridge) senderCounters() monitor.SenderCounters {
	return monitor.SenderCounters{Sent: b.sent.Load(), Errors: b.sendErrs.Load()}
}

// checkSampler is the readiness probe: samples must be flowing.
func (b *bridge) checkSampler(context.Context) error {
	last := b.lastSample.Load()
	if last == 0 {
		return errors.New("no samples acquired yet")
	}
	if idle := time.Since(time.Unix(0, last)); idle > sampleStallAfter {
		return fmt.Errorf("no samples for %s", idle.Round(time.Second))
	}
	return nil
}

// delta converts a pair of cumulative counter readings into an increment,
// restarting from cur when the counter shrank.
func delta(cur, prev uint64) int64 {
	if cur < prev {
		return int64(cur)
	}
	return int64(cur - prev)
}

// ─── Startup summary ─────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, rate int) {
	fmt.Println("╔══════════════════════════════════════════╗")
	fmt.Println("║        myolink-sensor — bridge           ║")
	fmt.Println("╠══════════════════════════════════════════╣")
	if cfg.Sampler.Sensor == config.SensorFirmware {
		printRow("Sensor", "firmware "+cfg.Serial.Device)
		printRow("Rate", "board-paced")
	} else {
		printRow("Sensor", "sim")
		printRow("Rate", fmt.Sprintf("%d Hz", rate))
	}
	if len(cfg.Link.Targets) > 0 {
		printRow("Targets", strings.Join(cfg.Link.Targets, ", "))
	} else {
		printRow("Targets", "(none)")
	}
	if cfg.Monitor.ListenAddr != "" {
		printRow("Monitor", cfg.Monitor.ListenAddr)
	} else {
		printRow("Monitor", "(disabled)")
	}
	fmt.Println("╚══════════════════════════════════════════╝")
}

func printRow(name, value string) {
	if len([]rune(value)) > 24 {
		value = string([]rune(value)[:23]) + "…"
	}
	fmt.Printf("║  %-13s: %-24s ║\n", name, value)
}

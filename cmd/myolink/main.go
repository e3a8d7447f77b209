// Command myolink is the EMG recording host daemon: it ingests the signal
// stream, labels it from the keyboard, records the merged dataset, and
// drives the demo game controller.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/myolink/myolink/internal/app"
	"github.com/myolink/myolink/internal/config"
	"github.com/myolink/myolink/internal/observe"
)

// shutdownTimeout bounds the drain after Run returns: session finalize,
// closer teardown, telemetry flush.
const shutdownTimeout = 15 * time.Second

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
			fmt.Fprintf(os.Stderr, "myolink: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "myolink: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Log.Level.Level())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("myolink starting",
		"config", *configPath,
		"source", cfg.Source.Kind,
		"subject", cfg.Storage.Subject,
		"log_level", cfg.Log.Level,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry providers ───────────────────────────────────────────────────
	// Must precede app.New: the instruments bind to the global meter provider.
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "myolink"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(cfg,
		app.WithLogLevel(level),
		app.WithConfigWatch(*configPath),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("recording: space toggles the label, q quits, Ctrl+C stops")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	// Always drain, even after a failed run: the session must finalize and
	// the recorded prefix stay usable.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔══════════════════════════════════════════╗")
	fmt.Println("║          myolink — host daemon           ║")
	fmt.Println("╠══════════════════════════════════════════╣")
	printRow("Source", sourceSummary(cfg))
	printRow("Subject", cfg.Storage.Subject)
	printRow("Storage root", cfg.Storage.Root)
	printRow("Sync mode", string(cfg.Storage.Sync))
	if cfg.Controller.Enabled {
		printRow("Controller", fmt.Sprintf("rise %d / fall %d", cfg.Controller.Rising, cfg.Controller.Falling))
	} else {
		printRow("Controller", "(disabled)")
	}
	if cfg.Monitor.ListenAddr != "" {
		printRow("Monitor", cfg.Monitor.ListenAddr)
	} else {
		printRow("Monitor", "(disabled)")
	}
	fmt.Println("╚══════════════════════════════════════════╝")
}

func sourceSummary(cfg *config.Config) string {
	switch cfg.Source.Kind {
	case config.SourceUDP:
		return "udp " + cfg.Link.ListenAddr
	case config.SourceSerial:
		return "serial " + cfg.Serial.Device
	default:
		return fmt.Sprintf("sim %d Hz", cfg.Sampler.RateHz)
	}
}

func printRow(name, value string) {
	if len([]rune(value)) > 24 {
		value = string([]rune(value)[:23]) + "…"
	}
	fmt.Printf("║  %-13s: %-24s ║\n", name, value)
}

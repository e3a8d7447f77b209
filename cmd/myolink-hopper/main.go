// Command myolink-hopper is the demo game for the actuation path: a
// terminal runner that jumps over obstacles, where "jump" is a muscle
// contraction delivered over the frame link. It listens for frames the way
// the host daemon does, feeds them through the same hysteresis controller,
// and wires the controller hook straight into the game's input queue. The
// space bar stays wired as a fallback, so the game is playable without
// hardware.
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
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/myolink/myolink/internal/config"
	"github.com/myolink/myolink/internal/control"
	"github.com/myolink/myolink/pkg/link"
	"github.com/myolink/myolink/pkg/link/udp"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "configs/example.yaml", "path to the YAML configuration file")
	logPath := flag.String("log", "", "append logs to this file (the terminal belongs to the game)")
	keyboard := flag.Bool("keyboard", false, "skip the frame link and play with the space bar only")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "myolink-hopper: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "myolink-hopper: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The TUI owns the terminal, so logs go to a file or nowhere.
	logOut := io.Discard
	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "myolink-hopper: %v\n", err)
			return 1
		}
		defer f.Close()
		logOut = f
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: cfg.Log.Level.Level()})))

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Controller and game ───────────────────────────────────────────────────
	// The hook closes over the program variable; it only fires from the feed
	// goroutine, which starts after the program exists.
	var program *tea.Program
	ctl, err := control.New(func() { program.Send(jumpMsg{}) },
		control.WithThresholds(cfg.Controller.Rising, cfg.Controller.Falling))
	if err != nil {
		fmt.Fprintf(os.Stderr, "myolink-hopper: %v\n", err)
		return 1
	}

	linked := !*keyboard && cfg.Link.ListenAddr != ""
	sig := &signalState{}
	program = tea.NewProgram(newGame(sig, ctl, linked), tea.WithAltScreen())

	// ── Frame link ────────────────────────────────────────────────────────────
	var recv *udp.Receiver
	if linked {
		pol := link.NewPolicy(
			link.WithHorizon(cfg.Link.Horizon),
			link.WithWindow(cfg.Link.Window),
			link.WithIdleTimeout(cfg.Link.IdleTimeout),
		)
		recv, err = udp.Listen(cfg.Link.ListenAddr,
			udp.WithQueue(cfg.Link.Queue), udp.WithPolicy(pol))
		if err != nil {
			fmt.Fprintf(os.Stderr, "myolink-hopper: %v\n", err)
			return 1
		}
		slog.Info("listening for frames", "addr", recv.Addr().String())
		go feed(recv, ctl, sig)
	}

	go func() {
		<-ctx.Done()
		program.Quit()
	}()

	// ── Run ───────────────────────────────────────────────────────────────────
	slog.Info("hopper starting", "linked", linked,
		"rising", cfg.Controller.Rising, "falling", cfg.Controller.Falling)

	_, runErr := program.Run()

	if recv != nil {
		if err := recv.Close(); err != nil {
			slog.Warn("receiver close error", "err", err)
		}
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "myolink-hopper: %v\n", runErr)
		return 1
	}

	st := ctl.Stats()
	fmt.Printf("myolink-hopper: %d frames, %d jumps\n", sig.frames.Load(), st.Triggers)
	return 0
}

// feed drains the link receiver into the controller. The hook set on the
// controller injects jump events into the program's input queue, so this
// goroutine is the whole actuation path: datagram in, hysteresis, jump.
func feed(recv *udp.Receiver, ctl *control.Controller, sig *signalState) {
	for f := range recv.Frames() {
		ctl.OnFrame(f)
		if !f.Sample.Invalid {
			sig.value.Store(int64(f.Sample.Value))
		}
		sig.frames.Add(1)
	}
	if err := recv.Err(); err != nil {
		slog.Error("frame link stopped", "err", err)
	}
}

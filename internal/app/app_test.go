package app_test

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/myolink/myolink/internal/app"
	"github.com/myolink/myolink/internal/catalog"
	"github.com/myolink/myolink/internal/config"
	"github.com/myolink/myolink/internal/recorder"
	"github.com/myolink/myolink/pkg/emg"
	"github.com/myolink/myolink/pkg/frame"
)

// testConfig returns a config recording into a temp root, with the monitor
// disabled and a short reorder window so tests settle fast.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Root = t.TempDir()
	cfg.Storage.Subject = "alice"
	cfg.Storage.Sync = recorder.SyncAlways
	cfg.Recorder.Window = 5 * time.Millisecond
	cfg.Monitor.ListenAddr = ""
	return cfg
}

// fakeSource feeds scripted frames into the pipeline.
type fakeSource struct {
	ch     chan frame.Frame
	closed atomic.Bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan frame.Frame, 64)}
}

func (f *fakeSource) Frames() <-chan frame.Frame { return f.ch }
func (f *fakeSource) Err() error                 { return nil }
func (f *fakeSource) Close() error               { f.closed.Store(true); return nil }

func (f *fakeSource) push(seq uint32, ts uint64, v int32) {
	f.ch <- frame.Frame{Seq: seq, Sample: emg.Sample{Timestamp: ts, Value: v}}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// startApp runs the application in the background and returns the Run error
// channel alongside the cancel func.
func startApp(t *testing.T, a *app.App) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()
	return cancel, errCh
}

func waitRun(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return within 5s")
		return nil
	}
}

func TestPipelineRecordsAndActuates(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Controller.Rising = 1000
	cfg.Controller.Falling = 600

	src := newFakeSource()
	var hookCalls atomic.Uint64
	application, err := app.New(cfg,
		app.WithSource(src),
		app.WithHook(func() { hookCalls.Add(1) }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cancel, errCh := startApp(t, application)

	// One contraction with oscillation inside the hysteresis band, a
	// release, and a second contraction.
	values := []int32{100, 1200, 900, 500, 1300}
	for i, v := range values {
		src.push(uint32(i), uint64(i)*2000, v)
	}

	// Records finalize once the stream is a reorder window old, so only
	// the earliest samples appear before shutdown drains the rest.
	waitFor(t, 5*time.Second, "records", func() bool {
		return application.Session().RecorderStats().Appended >= 2
	})
	waitFor(t, 5*time.Second, "hook calls", func() bool {
		return hookCalls.Load() == 2
	})

	cancel()
	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("Run: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	cat, err := catalog.Open(cfg.Storage.Root)
	if err != nil {
		t.Fatalf("Open catalog: %v", err)
	}
	defer cat.Close()
	sessions, err := cat.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("catalog sessions = %d, want 1", len(sessions))
	}
	got := sessions[0]
	if got.Subject != "alice" {
		t.Errorf("subject = %q, want alice", got.Subject)
	}
	if got.Records < uint64(len(values)) {
		t.Errorf("records = %d, want at least %d", got.Records, len(values))
	}
	if got.EndedAt.IsZero() {
		t.Error("session not marked finished")
	}
}

func TestRunFromSimSource(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Sampler.Seed = 1

	application, err := app.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cancel, errCh := startApp(t, application)

	// 500 Hz acquisition should finalize well over ten records per second.
	waitFor(t, 5*time.Second, "records", func() bool {
		return application.Session().RecorderStats().Appended >= 10
	})

	cancel()
	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("Run: %v", err)
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	cat, err := catalog.Open(cfg.Storage.Root)
	if err != nil {
		t.Fatalf("Open catalog: %v", err)
	}
	defer cat.Close()
	sessions, err := cat.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Records < 10 {
		t.Fatalf("sessions = %+v, want one with at least 10 records", sessions)
	}
}

func TestQuitKeyEndsRun(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)

	pr, pw := io.Pipe()
	src := newFakeSource()
	application, err := app.New(cfg,
		app.WithSource(src),
		app.WithLabelInput(pr),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cancel, errCh := startApp(t, application)
	defer cancel()
	defer pw.Close()

	if _, err := pw.Write([]byte("q")); err != nil {
		t.Fatalf("write quit key: %v", err)
	}

	// A quit request is a clean stop, not an error.
	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("Run after quit key: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestLabelTransitionsReachTheCatalog(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)

	pr, pw := io.Pipe()
	src := newFakeSource()
	application, err := app.New(cfg,
		app.WithSource(src),
		app.WithLabelInput(pr),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cancel, errCh := startApp(t, application)
	defer pw.Close()

	src.push(0, 0, 100)
	src.push(1, 2000, 110)
	src.push(2, 8000, 120)
	waitFor(t, 5*time.Second, "first records", func() bool {
		return application.Session().RecorderStats().Appended >= 2
	})

	// Space toggles the label; the transition is stamped from the stream
	// clock, so it must land after frames have been seen.
	if _, err := pw.Write([]byte(" ")); err != nil {
		t.Fatalf("write toggle: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	src.push(3, 10000, 130)
	src.push(4, 16000, 140)
	waitFor(t, 5*time.Second, "remaining records", func() bool {
		return application.Session().RecorderStats().Appended >= 4
	})

	cancel()
	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("Run: %v", err)
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	cat, err := catalog.Open(cfg.Storage.Root)
	if err != nil {
		t.Fatalf("Open catalog: %v", err)
	}
	defer cat.Close()
	sessions, err := cat.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("catalog sessions = %d, want 1", len(sessions))
	}
	if got := sessions[0].LabelTransitions; got != 1 {
		t.Errorf("label transitions = %d, want 1", got)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	application, err := app.New(cfg, app.WithSource(newFakeSource()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestShutdownHonorsDeadline(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	application, err := app.New(cfg, app.WithSource(newFakeSource()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := application.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Shutdown with expired context = %v, want context.Canceled", err)
	}
}

package control

import (
	"testing"

	"github.com/myolink/myolink/pkg/emg"
	"github.com/myolink/myolink/pkg/frame"
)

func feed(c *Controller, values ...int32) {
	for i, v := range values {
		c.OnFrame(frame.Frame{
			Seq:    uint32(i),
			Sample: emg.Sample{Timestamp: uint64(i) * 2000, Value: v},
		})
	}
}

func TestHookFiresOncePerContraction(t *testing.T) {
	calls := 0
	c, err := New(func() { calls++ }, WithThresholds(1000, 600))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// One crossing, then oscillation between the thresholds: the held
	// contraction must not retrigger.
	feed(c, 100, 1200, 900, 1100, 700, 950, 800)
	if calls != 1 {
		t.Fatalf("hook fired %d times during a held contraction, want 1", calls)
	}

	// Only a full release and a new rise fires again.
	feed(c, 500, 1300)
	if calls != 2 {
		t.Errorf("hook fired %d times after release and re-rise, want 2", calls)
	}

	stats := c.Stats()
	if stats.Triggers != 2 || stats.Releases != 1 {
		t.Errorf("stats = %+v, want 2 triggers and 1 release", stats)
	}
}

func TestInvalidSamplesNeverActuate(t *testing.T) {
	calls := 0
	c, err := New(func() { calls++ }, WithThresholds(1000, 600))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// A fault burst with a huge garbage value must not look like a
	// contraction.
	c.OnFrame(frame.Frame{Sample: emg.Sample{Value: 30000, Invalid: true}})
	c.OnFrame(frame.Frame{Sample: emg.Sample{Value: 30000, Invalid: true}})
	if calls != 0 {
		t.Fatalf("hook fired %d times from invalid samples", calls)
	}
	if c.Active() {
		t.Error("controller active after invalid samples")
	}
	if got := c.Stats().Invalid; got != 2 {
		t.Errorf("invalid = %d, want 2", got)
	}

	feed(c, 1200)
	if calls != 1 {
		t.Errorf("hook fired %d times on a real contraction, want 1", calls)
	}
}

func TestNilHookStillDetects(t *testing.T) {
	c, err := New(nil, WithThresholds(1000, 600))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	feed(c, 1200)
	if !c.Active() {
		t.Error("controller not active after a rise")
	}
	if c.Stats().Triggers != 1 {
		t.Errorf("triggers = %d, want 1", c.Stats().Triggers)
	}
}

func TestThresholdValidationSurfaces(t *testing.T) {
	if _, err := New(nil, WithThresholds(600, 1000)); err == nil {
		t.Error("inverted thresholds accepted through options")
	}
}

func TestSetThresholdsKeepsActuationState(t *testing.T) {
	calls := 0
	c, err := New(func() { calls++ }, WithThresholds(1000, 600))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	feed(c, 1200)
	if !c.Active() {
		t.Fatal("controller not active before reload")
	}

	// Lowering both thresholds while held must not fire again: the new
	// hysteresis inherits the active state.
	if err := c.SetThresholds(800, 400); err != nil {
		t.Fatalf("SetThresholds: %v", err)
	}
	feed(c, 900, 850)
	if calls != 1 {
		t.Fatalf("hook fired %d times across a threshold reload, want 1", calls)
	}

	// The new falling threshold governs the release.
	feed(c, 500)
	if c.Active() {
		t.Error("controller still active below the new falling threshold")
	}
	feed(c, 900)
	if calls != 2 {
		t.Errorf("hook fired %d times after release and re-rise, want 2", calls)
	}

	if err := c.SetThresholds(400, 800); err == nil {
		t.Error("inverted thresholds accepted on a live controller")
	}
}

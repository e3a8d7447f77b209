package control

import (
	"sync/atomic"

	"github.com/myolink/myolink/pkg/frame"
)

// Stats is a snapshot of the controller counters.
type Stats struct {
	// Processed counts frames fed through the hysteresis.
	Processed uint64

	// Invalid counts frames skipped because their sample was invalid.
	Invalid uint64

	// Triggers counts rising edges, each of which fired the hook once.
	Triggers uint64

	// Releases counts falling edges.
	Releases uint64
}

// Controller drives the game's single control hook from the frame stream.
//
// OnFrame is the hot path: it performs no allocation, takes no locks, and
// never blocks, so it always fits inside a game frame budget. It must be
// called from one goroutine, typically the loop draining a link receiver;
// the hook runs synchronously on that goroutine. SetThresholds may be
// called from any goroutine.
type Controller struct {
	hys  atomic.Pointer[Hysteresis]
	hook func()

	processed atomic.Uint64
	invalid   atomic.Uint64
	triggers  atomic.Uint64
	releases  atomic.Uint64
	active    atomic.Bool
}

// Option configures a Controller.
type Option func(*Controller) error

// WithThresholds overrides the default hysteresis thresholds.
func WithThresholds(rising, falling int32) Option {
	return func(c *Controller) error {
		hys, err := NewHysteresis(rising, falling)
		if err != nil {
			return err
		}
		c.hys.Store(hys)
		return nil
	}
}

// New builds a controller that invokes hook on every rising edge. A nil
// hook leaves the edge detection and counters running, which is enough for
// observation setups.
func New(hook func(), opts ...Option) (*Controller, error) {
	hys, err := NewHysteresis(DefaultRising, DefaultFalling)
	if err != nil {
		return nil, err
	}
	c := &Controller{hook: hook}
	c.hys.Store(hys)
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// SetThresholds replaces the hysteresis thresholds on a live controller,
// carrying the current actuation state over so a reload cannot fire a
// spurious edge. A reload racing one in-flight frame may miss that frame's
// edge; the next frame lands on the new thresholds.
func (c *Controller) SetThresholds(rising, falling int32) error {
	hys, err := NewHysteresis(rising, falling)
	if err != nil {
		return err
	}
	hys.active = c.active.Load()
	c.hys.Store(hys)
	return nil
}

// OnFrame feeds one decoded frame through the hysteresis and fires the hook
// on a rising edge, exactly once per edge. Invalid samples advance nothing:
// a sensor fault must never fake a contraction.
func (c *Controller) OnFrame(f frame.Frame) {
	if f.Sample.Invalid {
		c.invalid.Add(1)
		return
	}
	c.processed.Add(1)
	switch c.hys.Load().Update(f.Sample.Value) {
	case EdgeRise:
		c.active.Store(true)
		c.triggers.Add(1)
		if c.hook != nil {
			c.hook()
		}
	case EdgeFall:
		c.active.Store(false)
		c.releases.Add(1)
	}
}

// Active reports the current actuation state. Unlike OnFrame this is safe
// from any goroutine, for display surfaces.
func (c *Controller) Active() bool {
	return c.active.Load()
}

// Stats returns a snapshot of the controller counters.
func (c *Controller) Stats() Stats {
	return Stats{
		Processed: c.processed.Load(),
		Invalid:   c.invalid.Load(),
		Triggers:  c.triggers.Load(),
		Releases:  c.releases.Load(),
	}
}

// Package control converts the continuous signal into discrete actuation
// events for the game.
//
// The conversion is a two-threshold hysteresis: the signal must cross the
// rising threshold to switch on and fall to the lower falling threshold to
// switch off. Noise oscillating between the two thresholds therefore cannot
// toggle the output, and every switch-on is a clean edge the game hook can
// be fired on exactly once.
package control

import (
	"errors"
	"fmt"
)

// Default thresholds sit above the sensor's resting band (mid-rail around
// 8192 counts) and inside the contraction band, with a wide gap so resting
// noise stays out of the hysteresis region.
const (
	DefaultRising  = 10500
	DefaultFalling = 9200
)

// Edge is the result of feeding one value into the hysteresis.
type Edge uint8

const (
	// EdgeNone means the state did not change.
	EdgeNone Edge = iota

	// EdgeRise means the state switched on. Fire the actuation.
	EdgeRise

	// EdgeFall means the state switched off.
	EdgeFall
)

func (e Edge) String() string {
	switch e {
	case EdgeNone:
		return "none"
	case EdgeRise:
		return "rise"
	case EdgeFall:
		return "fall"
	default:
		return fmt.Sprintf("edge(%d)", uint8(e))
	}
}

// Hysteresis is the two-threshold state machine. It is not safe for
// concurrent use; it belongs to the one goroutine feeding it values.
type Hysteresis struct {
	rising  int32
	falling int32
	active  bool
}

// NewHysteresis builds a detector. The rising threshold must sit strictly
// above the falling one, or the hysteresis region would be empty and noise
// immunity lost.
func NewHysteresis(rising, falling int32) (*Hysteresis, error) {
	if rising <= falling {
		return nil, errors.New("control: rising threshold must exceed falling threshold")
	}
	return &Hysteresis{rising: rising, falling: falling}, nil
}

// Update feeds one value and reports the resulting edge, if any.
func (h *Hysteresis) Update(v int32) Edge {
	switch {
	case !h.active && v >= h.rising:
		h.active = true
		return EdgeRise
	case h.active && v <= h.falling:
		h.active = false
		return EdgeFall
	}
	return EdgeNone
}

// Active reports the current state.
func (h *Hysteresis) Active() bool { return h.active }

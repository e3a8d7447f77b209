package link

import (
	"fmt"
	"time"
)

// Defaults for the admission policy. A horizon and window of 64 cover well
// over 100ms of reordering at the nominal 500Hz sample rate, far beyond what
// a local network produces.
const (
	DefaultHorizon     = 64
	DefaultWindow      = 64
	DefaultIdleTimeout = 3 * time.Second
)

// Verdict is the admission decision for one inbound frame.
type Verdict uint8

const (
	// VerdictAccept admits the frame.
	VerdictAccept Verdict = iota

	// VerdictDuplicate discards the frame as already seen.
	VerdictDuplicate

	// VerdictReset admits the frame after discarding all session state. The
	// sender has restarted, or the sequence landed far outside the window.
	VerdictReset
)

func (v Verdict) String() string {
	switch v {
	case VerdictAccept:
		return "accept"
	case VerdictDuplicate:
		return "duplicate"
	case VerdictReset:
		return "reset"
	default:
		return fmt.Sprintf("verdict(%d)", uint8(v))
	}
}

// Policy decides which inbound frames a receiver admits. It suppresses
// duplicates within a bounded horizon, tolerates reordering within a sliding
// window behind the highest sequence seen, and treats sequences far outside
// that window, or any frame after an idle gap, as the start of a new sender
// session.
//
// Lost frames are never requested again. The signal is a continuous stream,
// so a missing sample is simply absent and consumers tolerate the gap.
//
// Policy is a plain state machine with no locking; it is owned by the
// receive loop that calls Admit.
type Policy struct {
	horizon uint32
	window  uint32
	idle    time.Duration

	// seen maps seq%horizon to seq+1, so the zero value means "empty slot".
	// Stored as uint64 so the sentinel survives seq values near 2^32.
	seen    []uint64
	highest uint32
	started bool
	last    time.Time
}

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// WithHorizon sets how many recently accepted sequence numbers are tracked
// for duplicate suppression.
func WithHorizon(n int) PolicyOption {
	return func(p *Policy) {
		if n > 0 {
			p.horizon = uint32(n)
		}
	}
}

// WithWindow sets how far behind the highest sequence a frame may trail and
// still be admitted. Anything further behind resets the session.
func WithWindow(n int) PolicyOption {
	return func(p *Policy) {
		if n > 0 {
			p.window = uint32(n)
		}
	}
}

// WithIdleTimeout sets the silence interval after which the next frame is
// treated as a fresh session regardless of its sequence number. Zero disables
// the idle reset.
func WithIdleTimeout(d time.Duration) PolicyOption {
	return func(p *Policy) { p.idle = d }
}

// NewPolicy returns a policy with the package defaults applied, then opts.
func NewPolicy(opts ...PolicyOption) *Policy {
	p := &Policy{
		horizon: DefaultHorizon,
		window:  DefaultWindow,
		idle:    DefaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.seen = make([]uint64, p.horizon)
	return p
}

// Admit decides the verdict for a frame with the given sequence number
// arriving at now. The second return value is the change to the estimated
// number of lost frames: positive when advancing past a gap, -1 when a frame
// presumed lost arrives late, 0 otherwise.
func (p *Policy) Admit(seq uint32, now time.Time) (Verdict, int) {
	if p.started && p.idle > 0 && now.Sub(p.last) >= p.idle {
		p.reset()
	}
	p.last = now

	if !p.started {
		p.started = true
		p.highest = seq
		p.mark(seq)
		return VerdictAccept, 0
	}

	// Signed distance handles sequence wraparound: a sender crossing 2^32
	// looks like a small positive step, not a huge regression.
	d := int32(seq - p.highest)
	switch {
	case d > 0:
		p.highest = seq
		p.mark(seq)
		return VerdictAccept, int(d) - 1
	case d == 0:
		return VerdictDuplicate, 0
	default:
		behind := uint32(-d)
		if behind >= p.window {
			// Stale beyond the window, or a sender that restarted its
			// counter. Start over from this frame.
			p.reset()
			p.started = true
			p.highest = seq
			p.mark(seq)
			return VerdictReset, 0
		}
		if p.seen[seq%p.horizon] == uint64(seq)+1 {
			return VerdictDuplicate, 0
		}
		p.mark(seq)
		return VerdictAccept, -1
	}
}

func (p *Policy) mark(seq uint32) {
	p.seen[seq%p.horizon] = uint64(seq) + 1
}

func (p *Policy) reset() {
	clear(p.seen)
	p.highest = 0
	p.started = false
}

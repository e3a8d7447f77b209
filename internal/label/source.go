// Package label turns user input edges into ground-truth label transitions.
//
// The source is an explicit two-state machine (rest/active) with
// edge-triggered emission: a transition is produced only when the logical
// state actually changes, so duplicate or bouncing edges can never inflate
// the transition stream. Labeling correctness downstream depends on exactly
// this property.
package label

import (
	"sync"
	"sync/atomic"

	"github.com/myolink/myolink/pkg/emg"
)

// DefaultQueue is the transition queue capacity. Transitions are rare
// (human-scale), so a small queue is plenty.
const DefaultQueue = 64

// Stats is a snapshot of the source counters.
type Stats struct {
	// Transitions counts state changes emitted to the queue.
	Transitions uint64

	// Suppressed counts edges ignored because the state was already in
	// effect.
	Suppressed uint64

	// Dropped counts transitions evicted on queue overflow.
	Dropped uint64
}

// Source is the label state machine. Edges arrive via OnEdge from an input
// collaborator; transitions leave via the bounded Transitions queue.
type Source struct {
	mu     sync.Mutex
	state  emg.Label
	out    chan emg.LabelTransition
	closed bool

	emitted    atomic.Uint64
	suppressed atomic.Uint64
	dropped    atomic.Uint64
}

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithQueue sets the transition queue capacity.
func WithQueue(n int) SourceOption {
	return func(s *Source) {
		if n > 0 {
			s.out = make(chan emg.LabelTransition, n)
		}
	}
}

// NewSource returns a source starting in the rest state.
func NewSource(opts ...SourceOption) *Source {
	s := &Source{
		state: emg.LabelRest,
		out:   make(chan emg.LabelTransition, DefaultQueue),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnEdge feeds one debounced input edge: pressed means the user is marking
// the muscle as active, released as rest. A repeated edge for the state
// already in effect is a no-op, so collaborators that deliver duplicate
// edges cannot produce duplicate transitions.
func (s *Source) OnEdge(pressed bool, timestamp uint64) {
	want := emg.LabelRest
	if pressed {
		want = emg.LabelActive
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if want == s.state {
		s.suppressed.Add(1)
		return
	}
	s.state = want
	s.emitted.Add(1)

	tr := emg.LabelTransition{Timestamp: timestamp, State: want}
	select {
	case s.out <- tr:
		return
	default:
	}
	select {
	case <-s.out:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.out <- tr:
	default:
		s.dropped.Add(1)
	}
}

// Toggle flips the current state, synthesizing the pressed edge a toggle-key
// collaborator cannot observe directly (a terminal reports key presses but
// never key releases).
func (s *Source) Toggle(timestamp uint64) {
	s.mu.Lock()
	pressed := s.state == emg.LabelRest
	s.mu.Unlock()
	s.OnEdge(pressed, timestamp)
}

// Current returns the state currently in effect.
func (s *Source) Current() emg.Label {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transitions returns the transition queue. The channel closes after Close.
func (s *Source) Transitions() <-chan emg.LabelTransition {
	return s.out
}

// Stats returns a snapshot of the source counters.
func (s *Source) Stats() Stats {
	return Stats{
		Transitions: s.emitted.Load(),
		Suppressed:  s.suppressed.Load(),
		Dropped:     s.dropped.Load(),
	}
}

// Close stops accepting edges and closes the transition queue. Safe to call
// more than once.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	return nil
}

// Package emg defines the shared types used across all Myolink packages.
//
// These types form the lingua franca between the sampler, the wire codec, the
// transport links, the recorder, and the controller. They are intentionally
// minimal — each package defines its own domain types, but cross-cutting data
// structures live here to avoid circular imports.
package emg

import "fmt"

// Label is the ground-truth motion state attached to recorded samples.
// It is a right-continuous step function over time: a state holds from its
// transition timestamp until the next transition.
type Label uint8

const (
	// LabelRest indicates the tracked muscle is relaxed.
	LabelRest Label = iota

	// LabelActive indicates the tracked muscle is contracted.
	LabelActive
)

// String returns the lowercase name used in datasets and logs.
func (l Label) String() string {
	switch l {
	case LabelRest:
		return "rest"
	case LabelActive:
		return "active"
	default:
		return fmt.Sprintf("label(%d)", uint8(l))
	}
}

// IsValid reports whether l is a recognised label state.
func (l Label) IsValid() bool {
	return l == LabelRest || l == LabelActive
}

// ParseLabel converts a dataset string back into a [Label].
func ParseLabel(s string) (Label, error) {
	switch s {
	case "rest":
		return LabelRest, nil
	case "active":
		return LabelActive, nil
	}
	return 0, fmt.Errorf("emg: unknown label %q", s)
}

// Sample is a single reading of the EMG channel. Samples are produced at a
// fixed nominal period; the actual period may jitter, so Timestamp is
// authoritative and sequence position is not.
type Sample struct {
	// Timestamp is in microseconds since acquisition start, taken from the
	// session [Clock] at read time (not at tick-scheduling time).
	Timestamp uint64

	// Value is the raw channel reading. The firmware ADC delivers 14-bit
	// values (0..16383); the wider type leaves room for derived signals.
	Value int32

	// Invalid marks a sample emitted in place of a failed sensor read.
	// Invalid samples keep the stream's cadence but must be ignored for
	// labeling and actuation.
	Invalid bool
}

// LabelTransition is a discrete ground-truth state change produced on each
// debounced key edge. The state is effective from Timestamp until the next
// transition.
type LabelTransition struct {
	// Timestamp is in microseconds since acquisition start, from the same
	// [Clock] as the sampler's.
	Timestamp uint64

	// State is the label in effect from this transition onward.
	State Label
}

// LabeledRecord is one row of the recorded dataset: a Sample joined with the
// label in effect at its timestamp. Records are derived by the recorder,
// never constructed by producers, and are immutable once appended.
type LabeledRecord struct {
	Timestamp uint64
	Value     int32
	Label     Label

	// Mislabeled is set when the record arrived after its position in the
	// reorder window had already been finalized, so a label transition between
	// then and now could not be applied. The label is the best known at
	// append time.
	Mislabeled bool
}

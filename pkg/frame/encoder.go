package frame

import "github.com/myolink/myolink/pkg/emg"

// Encoder assigns per-sender sequence numbers. Sequences are monotonic and
// wrap at 2^32; receivers compare them by modular distance, never directly,
// so the wrap is invisible downstream.
//
// Encoder is not safe for concurrent use; each sending endpoint gets its own.
type Encoder struct {
	next uint32
}

// Next wraps s in a frame carrying the next sequence number.
func (e *Encoder) Next(s emg.Sample) Frame {
	f := Frame{Seq: e.next, Sample: s}
	e.next++
	return f
}

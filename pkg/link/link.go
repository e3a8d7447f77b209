// Package link defines the transport abstraction that moves encoded frames
// between endpoints, together with the receiver-side admission policy shared
// by all lossy transports.
//
// Concrete transports live in the subpackages [link/udp] and [link/serial];
// an in-process pipe for tests and single-binary setups is provided here.
package link

import (
	"errors"

	"github.com/myolink/myolink/pkg/frame"
)

// ErrClosed is returned by Send after the link has been closed.
var ErrClosed = errors.New("link: closed")

// Sender is the outbound half of a link. Send is fire-and-forget: it never
// blocks on the peer, and delivery is best-effort on lossy transports.
type Sender interface {
	Send(frame.Frame) error
	Close() error
}

// Receiver is the inbound half of a link. Frames yields verified frames in
// arrival order; the channel is closed when the link shuts down, after which
// Err reports the terminal error, if any.
//
// Receivers drain the transport into a small bounded queue. When the consumer
// falls behind, the oldest queued frames are evicted first: for a live
// control signal, stale data is worse than missing data.
type Receiver interface {
	Frames() <-chan frame.Frame
	Err() error
	Close() error
}

// Stats is a point-in-time snapshot of a receiver's counters. All counts are
// cumulative since the receiver started.
type Stats struct {
	// Received counts frames that decoded and verified off the wire.
	Received uint64

	// Delivered counts frames handed to the consumer queue.
	Delivered uint64

	// Dropped counts frames evicted from the queue because the consumer
	// lagged behind.
	Dropped uint64

	// Rejected counts wire reads that failed to decode or verify.
	Rejected uint64

	// Duplicates counts frames suppressed by the admission policy.
	Duplicates uint64

	// Late counts frames accepted behind the highest sequence seen.
	Late uint64

	// Resets counts admission policy session resets.
	Resets uint64

	// Lost estimates frames that never arrived, derived from sequence gaps.
	Lost uint64
}

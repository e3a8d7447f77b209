package link

import (
	"sync"
	"sync/atomic"

	"github.com/myolink/myolink/pkg/frame"
)

// Pipe returns a connected in-process sender/receiver pair backed by a
// bounded queue of the given capacity. It carries decoded frames without a
// wire trip, which makes it the transport of choice for tests and for
// single-binary setups where the sampler and the consumers share a process.
//
// Overflow behaves like the network receivers: the oldest queued frame is
// evicted to make room for the new one.
func Pipe(capacity int) (*PipeSender, *PipeReceiver) {
	if capacity <= 0 {
		capacity = 256
	}
	p := &pipe{ch: make(chan frame.Frame, capacity)}
	return &PipeSender{p: p}, &PipeReceiver{p: p}
}

type pipe struct {
	ch chan frame.Frame

	// mu serializes Send against close so a frame is never sent on a closed
	// channel. Sends share the read side; close takes the write side.
	mu     sync.RWMutex
	closed bool

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func (p *pipe) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
}

func (p *pipe) send(f frame.Frame) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.ch <- f:
		p.delivered.Add(1)
		return nil
	default:
	}
	select {
	case <-p.ch:
		p.dropped.Add(1)
	default:
	}
	select {
	case p.ch <- f:
		p.delivered.Add(1)
	default:
		// The consumer raced the eviction and refilled the queue; losing the
		// newest frame instead is fine.
		p.dropped.Add(1)
	}
	return nil
}

// PipeSender is the sending half of an in-process pipe.
type PipeSender struct {
	p *pipe
}

// Send queues f for the receiver, evicting the oldest queued frame if the
// queue is full. It returns [ErrClosed] once either half has been closed.
func (s *PipeSender) Send(f frame.Frame) error {
	return s.p.send(f)
}

// Close shuts down both halves of the pipe.
func (s *PipeSender) Close() error {
	s.p.close()
	return nil
}

// PipeReceiver is the receiving half of an in-process pipe.
type PipeReceiver struct {
	p *pipe
}

// Frames returns the queue of frames in send order, minus any evicted by
// overflow. The channel closes when either half is closed.
func (r *PipeReceiver) Frames() <-chan frame.Frame {
	return r.p.ch
}

// Err always returns nil; an in-process pipe has no transport failures.
func (r *PipeReceiver) Err() error { return nil }

// Close shuts down both halves of the pipe.
func (r *PipeReceiver) Close() error {
	r.p.close()
	return nil
}

// Stats reports delivery and eviction counts for the pipe.
func (r *PipeReceiver) Stats() Stats {
	return Stats{
		Received:  r.p.delivered.Load(),
		Delivered: r.p.delivered.Load(),
		Dropped:   r.p.dropped.Load(),
	}
}

var (
	_ Sender   = (*PipeSender)(nil)
	_ Receiver = (*PipeReceiver)(nil)
)

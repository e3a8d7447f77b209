// Package serial carries frames over a raw byte stream, typically a USB
// serial device. Frames travel back to back; the receiver resynchronizes on
// the frame preamble whenever byte alignment is lost, so a consumer can
// attach mid-stream or survive line noise without tearing the link down.
//
// Constructors accept plain io interfaces so tests can drive the link over
// an in-memory pipe; Open wraps the actual device.
package serial

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	goserial "github.com/jacobsa/go-serial/serial"

	"github.com/myolink/myolink/pkg/frame"
	"github.com/myolink/myolink/pkg/link"
)

const (
	// DefaultBaudRate matches the acquisition firmware's UART speed.
	DefaultBaudRate = 230400

	// DefaultQueue is the receiver queue capacity when none is configured.
	DefaultQueue = 256
)

// Open opens a serial device in 8N1 mode at the given baud rate (0 selects
// [DefaultBaudRate]). The returned stream is ready for [NewSender] or
// [NewReceiver].
func Open(device string, baud uint) (io.ReadWriteCloser, error) {
	if baud == 0 {
		baud = DefaultBaudRate
	}
	port, err := goserial.Open(goserial.OpenOptions{
		PortName:        device,
		BaudRate:        baud,
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", device, err)
	}
	return port, nil
}

// Sender writes frames back to back onto a byte stream.
type Sender struct {
	mu     sync.Mutex
	w      io.WriteCloser
	buf    [frame.Size]byte
	closed bool
	sent   atomic.Uint64
}

// NewSender wraps an open stream. The sender takes ownership of w and closes
// it on Close.
func NewSender(w io.WriteCloser) *Sender {
	return &Sender{w: w}
}

// Send encodes and writes one frame. Unlike a datagram link, a write failure
// here means the stream itself is broken, so the error is returned rather
// than swallowed.
func (s *Sender) Send(f frame.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return link.ErrClosed
	}
	frame.Encode(s.buf[:], f)
	if _, err := s.w.Write(s.buf[:]); err != nil {
		return fmt.Errorf("serial: write: %w", err)
	}
	s.sent.Add(1)
	return nil
}

// Sent returns the number of frames written.
func (s *Sender) Sent() uint64 { return s.sent.Load() }

// Close closes the underlying stream. Safe to call more than once.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.w.Close()
}

// Receiver scans a byte stream for frames and delivers them in stream order.
// Corrupt spans are skipped by preamble resynchronization and surfaced only
// through counters.
type Receiver struct {
	rc  io.ReadCloser
	out chan frame.Frame

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	errMu sync.Mutex
	err   error

	received  atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	rejected  atomic.Uint64
	skipped   atomic.Uint64
	lost      atomic.Uint64

	lastSeq uint32
	haveSeq bool
}

// Option configures a Receiver.
type Option func(*Receiver)

// WithQueue sets the consumer queue capacity.
func WithQueue(n int) Option {
	return func(r *Receiver) {
		if n > 0 {
			r.out = make(chan frame.Frame, n)
		}
	}
}

// NewReceiver wraps an open stream and starts scanning it. The receiver
// takes ownership of rc and closes it on Close.
func NewReceiver(rc io.ReadCloser, opts ...Option) *Receiver {
	r := &Receiver{
		rc:   rc,
		out:  make(chan frame.Frame, DefaultQueue),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.wg.Add(1)
	go r.recvLoop()
	return r
}

// Frames returns the scanned frames in stream order. The channel closes
// after Close or when the stream ends; Err distinguishes the two.
func (r *Receiver) Frames() <-chan frame.Frame {
	return r.out
}

// Err returns the terminal stream error, or nil after a clean Close or EOF.
func (r *Receiver) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

// Stats returns a snapshot of the receiver counters.
func (r *Receiver) Stats() link.Stats {
	return link.Stats{
		Received:  r.received.Load(),
		Delivered: r.delivered.Load(),
		Dropped:   r.dropped.Load(),
		Rejected:  r.rejected.Load(),
		Lost:      r.lost.Load(),
	}
}

// SkippedBytes returns the bytes discarded while resynchronizing.
func (r *Receiver) SkippedBytes() uint64 { return r.skipped.Load() }

// Close stops scanning, closes the stream, and waits for the scan loop to
// exit. Safe to call more than once.
func (r *Receiver) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
		r.rc.Close()
		r.wg.Wait()
	})
	return nil
}

func (r *Receiver) recvLoop() {
	defer r.wg.Done()
	// The loop is the only sender on out, so it owns closing it. This way
	// Frames also ends when the stream dies on its own, not just on Close.
	defer close(r.out)
	scanner := frame.NewScanner()
	chunk := make([]byte, 256)
	for {
		n, err := r.rc.Read(chunk)
		if n > 0 {
			scanner.Push(chunk[:n])
			for {
				f, ok := scanner.Next()
				if !ok {
					break
				}
				r.received.Add(1)
				r.trackSeq(f.Seq)
				r.deliver(f)
			}
			r.rejected.Store(scanner.Rejected())
			r.skipped.Store(scanner.Skipped())
		}
		if err != nil {
			select {
			case <-r.done:
				return
			default:
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				return
			}
			r.errMu.Lock()
			r.err = err
			r.errMu.Unlock()
			return
		}
	}
}

// trackSeq estimates loss from sequence gaps. The stream is ordered, so any
// jump means the intervening frames were destroyed by corruption.
func (r *Receiver) trackSeq(seq uint32) {
	if r.haveSeq {
		if d := int32(seq - r.lastSeq); d > 1 {
			r.lost.Add(uint64(d - 1))
		}
	}
	r.lastSeq = seq
	r.haveSeq = true
}

// deliver queues f, evicting the oldest frame when the consumer lags.
func (r *Receiver) deliver(f frame.Frame) {
	select {
	case r.out <- f:
		r.delivered.Add(1)
		return
	default:
	}
	select {
	case <-r.out:
		r.dropped.Add(1)
	default:
	}
	select {
	case r.out <- f:
		r.delivered.Add(1)
	default:
		r.dropped.Add(1)
	}
}

var (
	_ link.Sender   = (*Sender)(nil)
	_ link.Receiver = (*Receiver)(nil)
)

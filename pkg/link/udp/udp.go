// Package udp carries frames over UDP datagrams, one frame per datagram.
//
// The sender fans each frame out to every configured target. The receiver
// verifies, deduplicates, and orders inbound datagrams through the shared
// admission policy before queueing them for the consumer. Loss is expected
// and never repaired: the signal is a continuous stream and a missing sample
// is simply absent.
package udp

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/myolink/myolink/pkg/frame"
	"github.com/myolink/myolink/pkg/link"
)

// DefaultQueue is the receiver queue capacity when none is configured.
const DefaultQueue = 256

// Sender transmits frames to one or more UDP targets. Frames over roughly
// 1400 bytes would risk fragmentation, but an encoded frame is a fixed 24
// bytes, far under any sane path MTU.
type Sender struct {
	mu    sync.Mutex
	conns []*net.UDPConn
	buf   [frame.Size]byte

	closed   bool
	sent     atomic.Uint64
	sendErrs atomic.Uint64
}

// Dial connects a sender to the given "host:port" targets. Every target
// receives every frame, so a single acquisition can feed the recorder host
// and a game host at once.
func Dial(targets ...string) (*Sender, error) {
	if len(targets) == 0 {
		return nil, errors.New("udp: no targets")
	}
	s := &Sender{}
	for _, target := range targets {
		addr, err := net.ResolveUDPAddr("udp", target)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("udp: resolve %s: %w", target, err)
		}
		conn, err := net.DialUDP("udp", nil, addr)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("udp: dial %s: %w", target, err)
		}
		s.conns = append(s.conns, conn)
	}
	return s, nil
}

// Send encodes f once and writes it to every target. It is fire-and-forget:
// write failures (an unreachable host, a closed remote port) are counted and
// swallowed so a flaky consumer cannot stall acquisition. The only error
// returned is [link.ErrClosed].
func (s *Sender) Send(f frame.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return link.ErrClosed
	}
	frame.Encode(s.buf[:], f)
	for _, conn := range s.conns {
		if _, err := conn.Write(s.buf[:]); err != nil {
			s.sendErrs.Add(1)
			continue
		}
		s.sent.Add(1)
	}
	return nil
}

// Sent returns the number of successful datagram writes across all targets.
func (s *Sender) Sent() uint64 { return s.sent.Load() }

// SendErrors returns the number of failed datagram writes.
func (s *Sender) SendErrors() uint64 { return s.sendErrs.Load() }

// Close closes all target sockets. Subsequent Sends return [link.ErrClosed].
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for _, conn := range s.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Receiver listens for frames on a UDP port and delivers the admitted ones
// in arrival order. It assumes a single sender at a time; a second sender
// interleaving datagrams would fight over the shared session state.
type Receiver struct {
	conn   *net.UDPConn
	out    chan frame.Frame
	policy *link.Policy

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	errMu sync.Mutex
	err   error

	received   atomic.Uint64
	delivered  atomic.Uint64
	dropped    atomic.Uint64
	rejected   atomic.Uint64
	duplicates atomic.Uint64
	late       atomic.Uint64
	resets     atomic.Uint64
	lost       atomic.Uint64
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

// WithPolicy replaces the default admission policy.
func WithPolicy(p *link.Policy) Option {
	return func(r *Receiver) {
		if p != nil {
			r.policy = p
		}
	}
}

// Listen binds addr (e.g. ":9750") and starts receiving.
func Listen(addr string, opts ...Option) (*Receiver, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("udp: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("udp: listen %s: %w", addr, err)
	}
	r := &Receiver{
		conn:   conn,
		out:    make(chan frame.Frame, DefaultQueue),
		policy: link.NewPolicy(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.wg.Add(1)
	go r.recvLoop()
	return r, nil
}

// Addr returns the bound local address, useful when listening on port 0.
func (r *Receiver) Addr() net.Addr {
	return r.conn.LocalAddr()
}

// Frames returns the admitted frames in arrival order. The channel closes
// after Close, or if the socket fails; Err distinguishes the two.
func (r *Receiver) Frames() <-chan frame.Frame {
	return r.out
}

// Err returns the terminal socket error, or nil after a clean Close.
func (r *Receiver) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

// Stats returns a snapshot of the receiver counters.
func (r *Receiver) Stats() link.Stats {
	return link.Stats{
		Received:   r.received.Load(),
		Delivered:  r.delivered.Load(),
		Dropped:    r.dropped.Load(),
		Rejected:   r.rejected.Load(),
		Duplicates: r.duplicates.Load(),
		Late:       r.late.Load(),
		Resets:     r.resets.Load(),
		Lost:       r.lost.Load(),
	}
}

// Close stops the receive loop, closes the socket, and waits for the loop
// to exit. Safe to call more than once.
func (r *Receiver) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
		r.conn.Close()
		r.wg.Wait()
	})
	return nil
}

func (r *Receiver) recvLoop() {
	defer r.wg.Done()
	// The loop is the only sender on out, so it owns closing it. This way
	// Frames also ends when the socket dies on its own, not just on Close.
	defer close(r.out)
	buf := make([]byte, 128) // one frame per datagram, with headroom
	for {
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-r.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			r.errMu.Lock()
			r.err = err
			r.errMu.Unlock()
			return
		}

		f, err := frame.Decode(buf[:n])
		if err != nil {
			r.rejected.Add(1)
			continue
		}
		r.received.Add(1)

		verdict, gap := r.policy.Admit(f.Seq, time.Now())
		switch verdict {
		case link.VerdictDuplicate:
			r.duplicates.Add(1)
			continue
		case link.VerdictReset:
			r.resets.Add(1)
		}
		switch {
		case gap > 0:
			r.lost.Add(uint64(gap))
		case gap < 0:
			r.late.Add(1)
			if r.lost.Load() > 0 {
				r.lost.Add(^uint64(0))
			}
		}

		r.deliver(f)
	}
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

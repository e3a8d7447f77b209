// Package sampler acquires the raw EMG signal at a fixed nominal rate and
// turns it into timestamped samples.
//
// The sampler owns sample generation and retains no history: each tick reads
// the sensor once, stamps the reading against the session clock, and pushes
// exactly one sample into a bounded queue. A failed read still produces a
// sample, marked invalid, so downstream consumers see an unbroken cadence
// and can keep their time bookkeeping honest.
package sampler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/myolink/myolink/pkg/emg"
)

const (
	// DefaultRate is the nominal acquisition rate in Hz.
	DefaultRate = 500

	// DefaultQueue is the output queue capacity.
	DefaultQueue = 256
)

// Sensor reads one raw channel value. Implementations may block until the
// next reading is available (a hardware device pacing the loop) or return
// immediately (a synthetic source paced by the sampler's own timer).
type Sensor interface {
	Read() (int32, error)
}

// Stats is a snapshot of the sampler counters.
type Stats struct {
	// Emitted counts all samples pushed to the queue, invalid ones included.
	Emitted uint64

	// Invalid counts samples emitted in place of failed sensor reads.
	Invalid uint64

	// Dropped counts samples evicted because the consumer lagged.
	Dropped uint64
}

// Sampler runs the periodic acquisition loop.
type Sampler struct {
	sensor Sensor
	clock  *emg.Clock
	rate   int
	queue  int
	out    chan emg.Sample

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool

	emitted atomic.Uint64
	invalid atomic.Uint64
	dropped atomic.Uint64
}

// Option configures a Sampler.
type Option func(*Sampler)

// WithRate sets the acquisition rate in Hz. A rate of 0 disables the
// sampler's own timer: the loop then reads back to back and the sensor's
// blocking Read paces acquisition, which is the right mode when the hardware
// device is the timing authority.
func WithRate(hz int) Option {
	return func(s *Sampler) {
		if hz >= 0 {
			s.rate = hz
		}
	}
}

// WithQueue sets the output queue capacity.
func WithQueue(n int) Option {
	return func(s *Sampler) {
		if n > 0 {
			s.queue = n
		}
	}
}

// New builds a sampler over the given sensor and session clock.
func New(sensor Sensor, clock *emg.Clock, opts ...Option) *Sampler {
	s := &Sampler{
		sensor: sensor,
		clock:  clock,
		rate:   DefaultRate,
		queue:  DefaultQueue,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.out = make(chan emg.Sample, s.queue)
	return s
}

// Samples returns the output queue. The channel closes after Stop.
func (s *Sampler) Samples() <-chan emg.Sample {
	return s.out
}

// Stats returns a snapshot of the sampler counters.
func (s *Sampler) Stats() Stats {
	return Stats{
		Emitted: s.emitted.Load(),
		Invalid: s.invalid.Load(),
		Dropped: s.dropped.Load(),
	}
}

// Start launches the acquisition loop. Calling Start twice is a no-op.
func (s *Sampler) Start() {
	if s.started {
		return
	}
	s.started = true
	s.wg.Add(1)
	go s.loop()
}

// Stop terminates the loop and waits for it to exit. No partial data is
// flushed: a tick in flight completes, then the queue closes. Safe to call
// more than once and safe to call concurrently with a running loop.
func (s *Sampler) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
}

func (s *Sampler) loop() {
	defer s.wg.Done()
	defer close(s.out)

	if s.rate == 0 {
		for {
			select {
			case <-s.done:
				return
			default:
			}
			if !s.tick() {
				// The device paces this loop through its blocking Read. A
				// broken device returns instantly, so back off a little
				// instead of spinning.
				time.Sleep(2 * time.Millisecond)
			}
		}
	}

	ticker := time.NewTicker(time.Second / time.Duration(s.rate))
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick performs one read-stamp-emit cycle and reports whether the read
// succeeded. The timestamp is captured when the read completes, not when the
// tick was scheduled, so jitter is visible to consumers instead of silently
// folded into a fake fixed period.
func (s *Sampler) tick() bool {
	v, err := s.sensor.Read()
	sample := emg.Sample{Timestamp: s.clock.Now(), Value: v}
	if err != nil {
		sample.Value = 0
		sample.Invalid = true
		s.invalid.Add(1)
	}
	s.emit(sample)
	return err == nil
}

// emit pushes the sample, evicting the oldest queued one when the consumer
// lags. Blocking here would skew every later timestamp, so it never does.
func (s *Sampler) emit(sample emg.Sample) {
	s.emitted.Add(1)
	select {
	case s.out <- sample:
		return
	default:
	}
	select {
	case <-s.out:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.out <- sample:
	default:
		s.dropped.Add(1)
	}
}

package app

import (
	"sync/atomic"

	"github.com/myolink/myolink/internal/config"
	"github.com/myolink/myolink/internal/sampler"
	"github.com/myolink/myolink/pkg/emg"
	"github.com/myolink/myolink/pkg/frame"
)

// Source is the daemon's ingest end: a stream of decoded frames plus the
// error latch the readiness probe inspects. The channel closes when the
// source stops, whether by Close or by an underlying transport failure.
type Source interface {
	Frames() <-chan frame.Frame
	Err() error
	Close() error
}

// simSource runs the in-process synthetic sensor and exposes it through the
// same frame-stream surface as the network receivers, so the rest of the
// daemon cannot tell local acquisition from remote.
type simSource struct {
	smp *sampler.Sampler
	out chan frame.Frame
}

func newSimSource(cfg *config.Config) *simSource {
	var sensorOpts []sampler.SimOption
	if cfg.Sampler.Seed != 0 {
		sensorOpts = append(sensorOpts, sampler.WithSeed(cfg.Sampler.Seed))
	}
	smp := sampler.New(sampler.NewSimSensor(sensorOpts...), emg.NewClock(),
		sampler.WithRate(cfg.Sampler.RateHz),
		sampler.WithQueue(cfg.Sampler.Queue),
	)
	s := &simSource{
		smp: smp,
		out: make(chan frame.Frame, 1),
	}
	smp.Start()
	go s.convert()
	return s
}

// convert wraps samples into frames, assigning the sequence numbers a
// remote bridge would. A blocking send here is fine: when the consumer
// lags, backpressure reaches the sampler's own queue, which drops oldest
// and counts it.
func (s *simSource) convert() {
	defer close(s.out)
	var seq uint32
	for smp := range s.smp.Samples() {
		s.out <- frame.Frame{Seq: seq, Sample: smp}
		seq++
	}
}

func (s *simSource) Frames() <-chan frame.Frame { return s.out }

// Err always reports nil: the synthetic sensor cannot fault.
func (s *simSource) Err() error { return nil }

// Close stops the sampler; the frame channel closes once the converter
// drains what was already emitted.
func (s *simSource) Close() error {
	s.smp.Stop()
	return nil
}

// Stats exposes the sampler counters for the monitor.
func (s *simSource) Stats() sampler.Stats { return s.smp.Stats() }

// streamClock timestamps label edges in the sample stream's own clock
// domain by echoing the newest frame timestamp seen on the ingest path.
// Key edges land within one sample period of the signal they label,
// whichever device produced the stream, and no clock synchronisation
// between host and sensor is needed.
type streamClock struct {
	last atomic.Uint64
}

func (c *streamClock) observe(ts uint64) { c.last.Store(ts) }

// Now implements [label.Clock].
func (c *streamClock) Now() uint64 { return c.last.Load() }

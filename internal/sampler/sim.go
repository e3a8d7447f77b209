package sampler

import (
	"math/rand/v2"
	"time"
)

// SimSensor synthesizes a plausible single-channel EMG signal: ADC counts
// around a mid-rail baseline with low-amplitude noise at rest and
// high-amplitude bursts during simulated contractions. It never fails, reads
// instantly, and exists so the whole pipeline can run without hardware.
type SimSensor struct {
	rng      *rand.Rand
	baseline int32
	restAmp  int32
	burstAmp int32
	period   time.Duration
	burstLen time.Duration
	start    time.Time
}

// SimOption configures a SimSensor.
type SimOption func(*SimSensor)

// WithSeed makes the noise deterministic for tests.
func WithSeed(seed uint64) SimOption {
	return func(s *SimSensor) {
		s.rng = rand.New(rand.NewPCG(seed, seed))
	}
}

// WithBurst sets the simulated contraction cycle: every period, the signal
// bursts for burstLen.
func WithBurst(period, burstLen time.Duration) SimOption {
	return func(s *SimSensor) {
		if period > 0 && burstLen > 0 && burstLen < period {
			s.period = period
			s.burstLen = burstLen
		}
	}
}

// NewSimSensor returns a simulated sensor. Defaults mimic the acquisition
// board's 14-bit ADC: baseline 8192, rest noise within ±60 counts, and a
// one-second burst within ±3000 counts every four seconds.
func NewSimSensor(opts ...SimOption) *SimSensor {
	s := &SimSensor{
		rng:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		baseline: 8192,
		restAmp:  60,
		burstAmp: 3000,
		period:   4 * time.Second,
		burstLen: time.Second,
		start:    time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Read returns the next synthetic ADC count.
func (s *SimSensor) Read() (int32, error) {
	amp := s.restAmp
	if time.Since(s.start)%s.period < s.burstLen {
		amp = s.burstAmp
	}
	noise := int32(s.rng.IntN(int(2*amp+1))) - amp
	return s.baseline + noise, nil
}

var _ Sensor = (*SimSensor)(nil)

package monitor

import (
	"testing"
	"time"

	"github.com/myolink/myolink/internal/control"
	"github.com/myolink/myolink/internal/label"
	"github.com/myolink/myolink/internal/recorder"
	"github.com/myolink/myolink/internal/sampler"
	"github.com/myolink/myolink/pkg/link"
)

func TestPercentiles_EmptyRingIsZero(t *testing.T) {
	ps := NewPipelineStats(16)
	lat := ps.Latencies()
	if lat.Finalize != (Percentiles{}) || lat.Actuate != (Percentiles{}) {
		t.Errorf("empty rings produced %+v", lat)
	}
}

func TestPercentiles_NearestRank(t *testing.T) {
	ps := NewPipelineStats(100)
	for i := 1; i <= 100; i++ {
		ps.RecordFinalize(time.Duration(i) * time.Millisecond)
	}

	p := ps.Latencies().Finalize
	if p.P50 != 50*time.Millisecond {
		t.Errorf("p50 = %v, want 50ms", p.P50)
	}
	if p.P95 != 95*time.Millisecond {
		t.Errorf("p95 = %v, want 95ms", p.P95)
	}
	if p.P99 != 99*time.Millisecond {
		t.Errorf("p99 = %v, want 99ms", p.P99)
	}
}

func TestPercentiles_SingleSample(t *testing.T) {
	ps := NewPipelineStats(8)
	ps.RecordActuate(3 * time.Millisecond)

	p := ps.Latencies().Actuate
	want := Percentiles{
		P50: 3 * time.Millisecond,
		P95: 3 * time.Millisecond,
		P99: 3 * time.Millisecond,
	}
	if p != want {
		t.Errorf("percentiles = %+v, want %+v", p, want)
	}
}

func TestRingOverwritesOldest(t *testing.T) {
	ps := NewPipelineStats(4)
	for _, ms := range []int{10, 20, 30, 40, 50} {
		ps.RecordFinalize(time.Duration(ms) * time.Millisecond)
	}

	// The ring now holds 20..50ms; over four samples nearest-rank p50 is
	// the second smallest.
	p := ps.Latencies().Finalize
	if p.P50 != 30*time.Millisecond {
		t.Errorf("p50 = %v, want 30ms", p.P50)
	}
	if p.P99 != 50*time.Millisecond {
		t.Errorf("p99 = %v, want 50ms", p.P99)
	}
}

func TestStagesAreIndependent(t *testing.T) {
	ps := NewPipelineStats(8)
	ps.RecordFinalize(20 * time.Millisecond)
	ps.RecordActuate(time.Millisecond)

	lat := ps.Latencies()
	if lat.Finalize.P50 != 20*time.Millisecond {
		t.Errorf("finalize p50 = %v, want 20ms", lat.Finalize.P50)
	}
	if lat.Actuate.P50 != time.Millisecond {
		t.Errorf("actuate p50 = %v, want 1ms", lat.Actuate.P50)
	}
}

func TestSnapshotAggregatesSources(t *testing.T) {
	src := Sources{
		Sampler: func() sampler.Stats {
			return sampler.Stats{Emitted: 100, Invalid: 2, Dropped: 1}
		},
		Link: func() link.Stats {
			return link.Stats{Received: 90, Delivered: 88, Duplicates: 2, Lost: 10}
		},
		Recorder: func() recorder.Stats {
			return recorder.Stats{Appended: 80, Late: 3, Pending: 7}
		},
		Controller: func() control.Stats {
			return control.Stats{Processed: 88, Triggers: 4, Releases: 3}
		},
		Labels: func() label.Stats {
			return label.Stats{Transitions: 8, Suppressed: 1}
		},
	}
	s := New("127.0.0.1:0", src)
	s.Stats().RecordActuate(2 * time.Millisecond)

	snap := s.snapshot()
	if snap.Sampler.Emitted != 100 || snap.Sampler.Invalid != 2 || snap.Sampler.Dropped != 1 {
		t.Errorf("sampler section = %+v", snap.Sampler)
	}
	if snap.Link.Received != 90 || snap.Link.Delivered != 88 || snap.Link.Lost != 10 {
		t.Errorf("link section = %+v", snap.Link)
	}
	if snap.Recorder.Appended != 80 || snap.Recorder.Late != 3 || snap.Recorder.Pending != 7 {
		t.Errorf("recorder section = %+v", snap.Recorder)
	}
	if snap.Controller.Triggers != 4 || snap.Controller.Releases != 3 {
		t.Errorf("controller section = %+v", snap.Controller)
	}
	if snap.Labels.Transitions != 8 || snap.Labels.Suppressed != 1 {
		t.Errorf("labels section = %+v", snap.Labels)
	}
	if snap.Sender != (SenderCounters{}) {
		t.Errorf("unwired sender section = %+v, want zero", snap.Sender)
	}
	if snap.Latency.Actuate.P50 != 2*time.Millisecond {
		t.Errorf("actuate p50 = %v, want 2ms", snap.Latency.Actuate.P50)
	}
	if snap.Time.IsZero() {
		t.Error("snapshot time is zero")
	}
}

// Package monitor serves the observability surface of a myolink process:
// health probes, the Prometheus scrape endpoint, a JSON statistics snapshot,
// and a live WebSocket feed of the same snapshot.
//
// Latency is tracked in bounded ring buffers of recent observations from
// which nearest-rank percentiles are computed on demand; counters are read
// live from the pipeline components at snapshot time.
package monitor

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/myolink/myolink/internal/control"
	"github.com/myolink/myolink/internal/label"
	"github.com/myolink/myolink/internal/recorder"
	"github.com/myolink/myolink/internal/sampler"
	"github.com/myolink/myolink/pkg/link"
)

// DefaultStatsWindow is the number of latency samples retained per stage,
// about half a second of signal at the nominal rate.
const DefaultStatsWindow = 256

// PipelineStats collects pipeline latency samples for the stats endpoints.
// Each stage keeps a bounded ring buffer of recent observations; percentiles
// are computed on demand from whatever the ring currently holds.
//
// Thread-safe for concurrent use.
type PipelineStats struct {
	mu sync.Mutex

	finalize latencyBuffer
	actuate  latencyBuffer
}

// NewPipelineStats creates a PipelineStats retaining windowSize samples per
// stage.
func NewPipelineStats(windowSize int) *PipelineStats {
	if windowSize <= 0 {
		windowSize = DefaultStatsWindow
	}
	return &PipelineStats{
		finalize: newLatencyBuffer(windowSize),
		actuate:  newLatencyBuffer(windowSize),
	}
}

// RecordFinalize records one recorder-ingest-to-durable-append latency
// sample.
func (ps *PipelineStats) RecordFinalize(d time.Duration) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.finalize.add(d)
}

// RecordActuate records one link-delivery-to-control-decision latency
// sample.
func (ps *PipelineStats) RecordActuate(d time.Duration) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.actuate.add(d)
}

// Latencies returns percentile readouts over the retained samples.
func (ps *PipelineStats) Latencies() Latencies {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return Latencies{
		Finalize: ps.finalize.percentiles(),
		Actuate:  ps.actuate.percentiles(),
	}
}

// Percentiles holds nearest-rank latency percentiles for one pipeline stage.
// Durations marshal to JSON as nanoseconds.
type Percentiles struct {
	P50 time.Duration `json:"p50"`
	P95 time.Duration `json:"p95"`
	P99 time.Duration `json:"p99"`
}

// Latencies groups the per-stage percentile readouts.
type Latencies struct {
	// Finalize covers a sample's path from recorder ingest to its durable
	// dataset append, reorder-window dwell included.
	Finalize Percentiles `json:"finalize"`

	// Actuate covers a frame's path from link delivery to the controller's
	// decision.
	Actuate Percentiles `json:"actuate"`
}

// Sources provides the monitor with live counter readouts from the pipeline
// components the process actually runs. Nil fields leave the matching
// snapshot section zeroed, so the sensor bridge serves the same document
// shape with only its sampler and sender populated.
type Sources struct {
	Sampler    func() sampler.Stats
	Link       func() link.Stats
	Sender     func() SenderCounters
	Recorder   func() recorder.Stats
	Controller func() control.Stats
	Labels     func() label.Stats
}

// Snapshot is the statistics document served by /stats and pushed over
// /live. Durations marshal as nanoseconds.
type Snapshot struct {
	Time       time.Time          `json:"time"`
	Uptime     time.Duration      `json:"uptime"`
	Sampler    SamplerCounters    `json:"sampler"`
	Link       LinkCounters       `json:"link"`
	Sender     SenderCounters     `json:"sender"`
	Recorder   RecorderCounters   `json:"recorder"`
	Controller ControllerCounters `json:"controller"`
	Labels     LabelCounters      `json:"labels"`
	Latency    Latencies          `json:"latency"`
}

// SamplerCounters mirrors [sampler.Stats] for the wire.
type SamplerCounters struct {
	Emitted uint64 `json:"emitted"`
	Invalid uint64 `json:"invalid"`
	Dropped uint64 `json:"dropped"`
}

// LinkCounters mirrors the receive-side [link.Stats] for the wire.
type LinkCounters struct {
	Received   uint64 `json:"received"`
	Delivered  uint64 `json:"delivered"`
	Dropped    uint64 `json:"dropped"`
	Rejected   uint64 `json:"rejected"`
	Duplicates uint64 `json:"duplicates"`
	Late       uint64 `json:"late"`
	Resets     uint64 `json:"resets"`
	Lost       uint64 `json:"lost"`
}

// SenderCounters describes the outbound half on the sensor bridge, which
// owns these counts itself: frames put on the wire and send errors.
type SenderCounters struct {
	Sent   uint64 `json:"sent"`
	Errors uint64 `json:"errors"`
}

// RecorderCounters mirrors [recorder.Stats] for the wire.
type RecorderCounters struct {
	Appended       uint64 `json:"appended"`
	Late           uint64 `json:"late"`
	InvalidSkipped uint64 `json:"invalid_skipped"`
	DroppedSamples uint64 `json:"dropped_samples"`
	DroppedLabels  uint64 `json:"dropped_labels"`
	Pending        int64  `json:"pending"`
}

// ControllerCounters mirrors [control.Stats] for the wire.
type ControllerCounters struct {
	Processed uint64 `json:"processed"`
	Invalid   uint64 `json:"invalid"`
	Triggers  uint64 `json:"triggers"`
	Releases  uint64 `json:"releases"`
}

// LabelCounters mirrors [label.Stats] for the wire.
type LabelCounters struct {
	Transitions uint64 `json:"transitions"`
	Suppressed  uint64 `json:"suppressed"`
	Dropped     uint64 `json:"dropped"`
}

// latencyBuffer is a bounded ring buffer of duration samples.
type latencyBuffer struct {
	data []time.Duration
	size int
	pos  int
	full bool
}

func newLatencyBuffer(size int) latencyBuffer {
	return latencyBuffer{
		data: make([]time.Duration, size),
		size: size,
	}
}

func (lb *latencyBuffer) add(d time.Duration) {
	lb.data[lb.pos] = d
	lb.pos++
	if lb.pos >= lb.size {
		lb.pos = 0
		lb.full = true
	}
}

func (lb *latencyBuffer) percentiles() Percentiles {
	n := lb.pos
	if lb.full {
		n = lb.size
	}
	if n == 0 {
		return Percentiles{}
	}

	// Copy and sort the valid samples.
	sorted := make([]time.Duration, n)
	copy(sorted, lb.data[:n])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return Percentiles{
		P50: percentile(sorted, 0.50),
		P95: percentile(sorted, 0.95),
		P99: percentile(sorted, 0.99),
	}
}

// percentile returns the value at the given percentile (0.0-1.0) from a
// sorted slice of durations using nearest-rank.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

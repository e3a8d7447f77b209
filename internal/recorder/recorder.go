// Package recorder joins the sample stream with the label stream and appends
// the result to a durable dataset.
//
// The recorder is an actor: samples and label transitions arrive on two
// bounded queues and a single goroutine merges them, so the current label,
// the reorder buffer, and the append cursor never need fine-grained locking.
// Within a small timestamp window the merge tolerates out-of-order arrival
// from either stream; samples older than the window's lower edge are still
// appended, best-effort, carrying a possibly-mislabeled flag instead of a
// silently wrong label.
//
// Durability failures are terminal. A dataset that silently lost records
// would be worse than no dataset, so the first failed append latches the
// recorder into an error state that refuses further input.
package recorder

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/myolink/myolink/pkg/emg"
)

const (
	// DefaultWindow is the reorder window: ten sample periods at the
	// nominal rate.
	DefaultWindow = 20 * time.Millisecond

	// DefaultSampleQueue is the sample intake capacity, about a second of
	// signal at the nominal rate.
	DefaultSampleQueue = 512

	// DefaultLabelQueue is the label intake capacity.
	DefaultLabelQueue = 64
)

// ErrTerminal marks the error reported by Err and Close once the dataset
// has stopped accepting records.
var ErrTerminal = errors.New("recorder: dataset is terminal")

// inSample pairs a sample with its ingest time. The pair travels through the
// intake queue and the reorder buffer so the append observer can report how
// long the sample was held before its durable write.
type inSample struct {
	sample emg.Sample
	at     time.Time
}

// Stats is a snapshot of the recorder counters.
type Stats struct {
	// Appended counts records written to the dataset, late ones included.
	Appended uint64

	// Late counts records that arrived behind the reorder window and were
	// appended with the possibly-mislabeled flag.
	Late uint64

	// InvalidSkipped counts invalid samples that advanced time bookkeeping
	// but produced no record.
	InvalidSkipped uint64

	// DroppedSamples and DroppedLabels count intake-queue evictions.
	DroppedSamples uint64
	DroppedLabels  uint64

	// Pending is the number of samples currently inside the reorder window.
	Pending int64
}

// Recorder owns a recording session's dataset.
type Recorder struct {
	sink    Sink
	window  uint64 // microseconds
	observe func(d time.Duration, late bool)

	samples chan inSample
	labels  chan emg.LabelTransition

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	closing   atomic.Bool

	// failure latch
	failed atomic.Bool
	errMu  sync.Mutex
	err    error

	// merge goroutine state, untouched by any other goroutine
	pending     pendingHeap
	transitions transitionHeap
	arrival     uint64
	current     emg.Label
	maxTs       uint64
	haveTs      bool

	appended       atomic.Uint64
	late           atomic.Uint64
	invalidSkipped atomic.Uint64
	droppedSamples atomic.Uint64
	droppedLabels  atomic.Uint64
	pendingGauge   atomic.Int64
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithWindow sets the reorder window.
func WithWindow(d time.Duration) Option {
	return func(r *Recorder) {
		if d >= 0 {
			r.window = uint64(d.Microseconds())
		}
	}
}

// WithSampleQueue sets the sample intake capacity.
func WithSampleQueue(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.samples = make(chan inSample, n)
		}
	}
}

// WithAppendObserver registers fn to be called after every durable append
// with the time the sample spent inside the recorder, ingest to write, and
// whether it was appended late. fn runs on the merge goroutine and must not
// block.
func WithAppendObserver(fn func(d time.Duration, late bool)) Option {
	return func(r *Recorder) {
		r.observe = fn
	}
}

// WithLabelQueue sets the label intake capacity.
func WithLabelQueue(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.labels = make(chan emg.LabelTransition, n)
		}
	}
}

// New starts a recorder writing to sink. The recorder takes ownership of the
// sink and closes it when the session ends. The initial label is rest.
func New(sink Sink, opts ...Option) *Recorder {
	r := &Recorder{
		sink:    sink,
		window:  uint64(DefaultWindow.Microseconds()),
		samples: make(chan inSample, DefaultSampleQueue),
		labels:  make(chan emg.LabelTransition, DefaultLabelQueue),
		done:    make(chan struct{}),
		current: emg.LabelRest,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// IngestSample queues one sample for recording. It never blocks: when the
// intake queue is full the oldest queued sample is evicted and counted.
// After Close or a durability failure the sample is discarded.
func (r *Recorder) IngestSample(s emg.Sample) {
	if r.closing.Load() || r.failed.Load() {
		r.droppedSamples.Add(1)
		return
	}
	in := inSample{sample: s, at: time.Now()}
	select {
	case r.samples <- in:
		return
	default:
	}
	select {
	case <-r.samples:
		r.droppedSamples.Add(1)
	default:
	}
	select {
	case r.samples <- in:
	default:
		r.droppedSamples.Add(1)
	}
}

// IngestLabel queues one label transition. Same non-blocking contract as
// IngestSample.
func (r *Recorder) IngestLabel(tr emg.LabelTransition) {
	if r.closing.Load() || r.failed.Load() {
		r.droppedLabels.Add(1)
		return
	}
	select {
	case r.labels <- tr:
		return
	default:
	}
	select {
	case <-r.labels:
		r.droppedLabels.Add(1)
	default:
	}
	select {
	case r.labels <- tr:
	default:
		r.droppedLabels.Add(1)
	}
}

// Err returns the terminal durability error, or nil while the recorder is
// healthy.
func (r *Recorder) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

// Stats returns a snapshot of the recorder counters.
func (r *Recorder) Stats() Stats {
	return Stats{
		Appended:       r.appended.Load(),
		Late:           r.late.Load(),
		InvalidSkipped: r.invalidSkipped.Load(),
		DroppedSamples: r.droppedSamples.Load(),
		DroppedLabels:  r.droppedLabels.Load(),
		Pending:        r.pendingGauge.Load(),
	}
}

// Close drains both intake queues, releases every buffered sample with the
// labels known at that point, closes the sink, and marks the dataset
// terminal. It is safe to call concurrently with in-flight ingests; once it
// returns, no further side effects occur. The returned error is the terminal
// durability error, if any.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		r.closing.Store(true)
		close(r.done)
		r.wg.Wait()
	})
	return r.Err()
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for {
		select {
		case in := <-r.samples:
			r.onSample(in)
		case tr := <-r.labels:
			r.onLabel(tr)
		case <-r.done:
			r.drain()
			r.finish()
			return
		}
	}
}

// drain empties whatever the intake queues held when Close was called. The
// heaps restore timestamp order, so the interleaving here does not matter.
func (r *Recorder) drain() {
	for {
		select {
		case tr := <-r.labels:
			r.onLabel(tr)
			continue
		default:
		}
		select {
		case in := <-r.samples:
			r.onSample(in)
			continue
		default:
		}
		return
	}
}

// finish flushes the reorder buffer and closes the sink.
func (r *Recorder) finish() {
	for len(r.pending) > 0 && !r.failed.Load() {
		r.release(r.pending.pop())
	}
	r.pendingGauge.Store(0)
	if err := r.sink.Close(); err != nil && !r.failed.Load() {
		r.fail(err)
	}
}

func (r *Recorder) onLabel(tr emg.LabelTransition) {
	if r.failed.Load() {
		return
	}
	r.arrival++
	r.transitions.push(tr, r.arrival)
}

func (r *Recorder) onSample(in inSample) {
	if r.failed.Load() {
		return
	}

	// Invalid samples are no-ops for labeling but still advance time, so
	// the window keeps sliding at sensor cadence even during a fault burst.
	if in.sample.Invalid {
		r.invalidSkipped.Add(1)
		r.advance(in.sample.Timestamp)
		return
	}

	if r.haveTs && in.sample.Timestamp < r.watermark() {
		r.appendLate(in)
		return
	}

	r.arrival++
	r.pending.push(in, r.arrival)
	r.advance(in.sample.Timestamp)
}

// advance moves the window's upper edge and releases every buffered sample
// that has fallen below its lower edge. Until the session is a full window
// old there is no lower edge yet and nothing releases.
func (r *Recorder) advance(ts uint64) {
	if !r.haveTs || ts > r.maxTs {
		r.maxTs = ts
		r.haveTs = true
	}
	if r.maxTs < r.window {
		return
	}
	low := r.maxTs - r.window
	for !r.failed.Load() {
		top, ok := r.pending.peekTimestamp()
		if !ok || top > low {
			break
		}
		r.release(r.pending.pop())
	}
	r.pendingGauge.Store(int64(len(r.pending)))
}

// watermark is the window's lower edge; samples older than it at arrival
// are late. It is zero, excluding nothing, until the session is a full
// window old.
func (r *Recorder) watermark() uint64 {
	if r.maxTs < r.window {
		return 0
	}
	return r.maxTs - r.window
}

// release applies every transition at or before the sample's timestamp, in
// timestamp order, then appends the labeled record. Both streams share one
// clock, so this is the exact as-of join.
func (r *Recorder) release(in inSample) {
	for {
		top, ok := r.transitions.peekTimestamp()
		if !ok || top > in.sample.Timestamp {
			break
		}
		r.current = r.transitions.pop().State
	}
	if r.append(emg.LabeledRecord{
		Timestamp: in.sample.Timestamp,
		Value:     in.sample.Value,
		Label:     r.current,
	}) && r.observe != nil {
		r.observe(time.Since(in.at), false)
	}
}

// appendLate stamps a sample that arrived behind the window with the best
// label known right now and flags it, rather than inventing a confident
// label it cannot justify. The buffered transitions are only consulted, not
// consumed: they still belong to the in-window stream.
func (r *Recorder) appendLate(in inSample) {
	label := r.current
	if st, ok := r.transitions.latestAt(in.sample.Timestamp); ok {
		label = st
	}
	r.late.Add(1)
	if r.append(emg.LabeledRecord{
		Timestamp:  in.sample.Timestamp,
		Value:      in.sample.Value,
		Label:      label,
		Mislabeled: true,
	}) && r.observe != nil {
		r.observe(time.Since(in.at), true)
	}
}

func (r *Recorder) append(rec emg.LabeledRecord) bool {
	if err := r.sink.Append(rec); err != nil {
		r.fail(err)
		return false
	}
	r.appended.Add(1)
	return true
}

// fail latches the terminal error. The recorder keeps draining its queues
// but never writes again.
func (r *Recorder) fail(err error) {
	r.errMu.Lock()
	if r.err == nil {
		r.err = errors.Join(ErrTerminal, err)
	}
	r.errMu.Unlock()
	r.failed.Store(true)
}

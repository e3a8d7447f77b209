// Package observe provides application-wide observability primitives for
// myolink: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all myolink metrics.
const meterName = "github.com/myolink/myolink"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use. The underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ActuationLatency tracks frame receipt to game hook invocation.
	ActuationLatency metric.Float64Histogram

	// FinalizeLatency tracks sample acquisition to durable dataset append.
	// Dominated by the reorder window, so meaningful changes point at intake
	// backpressure rather than disk speed.
	FinalizeLatency metric.Float64Histogram

	// --- Counters ---

	// Samples counts acquired samples. Use with attribute:
	//   attribute.String("status", "valid"|"invalid")
	Samples metric.Int64Counter

	// FramesSent counts frames handed to a transport sender.
	FramesSent metric.Int64Counter

	// FramesReceived counts frames arriving at a receiver. Use with attribute:
	//   attribute.String("verdict", ...) matching the admission policy verdict
	FramesReceived metric.Int64Counter

	// FramesRejected counts frames discarded by the codec before admission:
	// bad preamble, truncation, version or checksum mismatch.
	FramesRejected metric.Int64Counter

	// QueueDrops counts frames or samples evicted from bounded queues. Use
	// with attribute:
	//   attribute.String("queue", ...)
	QueueDrops metric.Int64Counter

	// Records counts dataset rows appended. Use with attribute:
	//   attribute.Bool("late", ...)
	Records metric.Int64Counter

	// LabelTransitions counts accepted label toggles.
	LabelTransitions metric.Int64Counter

	// Triggers counts game actuations (rising-edge hook firings).
	Triggers metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of open recording sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ControllerActive tracks contraction state: +1 on a rising edge, -1 on
	// the matching falling edge.
	ControllerActive metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for a
// 500 Hz pipeline: a sample period is 2 ms and the reorder window 20 ms.
var latencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ActuationLatency, err = m.Float64Histogram("myolink.actuation.latency",
		metric.WithDescription("Latency from frame receipt to game hook invocation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FinalizeLatency, err = m.Float64Histogram("myolink.finalize.latency",
		metric.WithDescription("Latency from sample acquisition to dataset append."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Samples, err = m.Int64Counter("myolink.samples",
		metric.WithDescription("Total acquired samples by validity status."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("myolink.frames.sent",
		metric.WithDescription("Total frames handed to transport senders."),
	); err != nil {
		return nil, err
	}
	if met.FramesReceived, err = m.Int64Counter("myolink.frames.received",
		metric.WithDescription("Total frames arriving at receivers by admission verdict."),
	); err != nil {
		return nil, err
	}
	if met.FramesRejected, err = m.Int64Counter("myolink.frames.rejected",
		metric.WithDescription("Total frames discarded by the codec before admission."),
	); err != nil {
		return nil, err
	}
	if met.QueueDrops, err = m.Int64Counter("myolink.queue.drops",
		metric.WithDescription("Total entries evicted from bounded queues by queue name."),
	); err != nil {
		return nil, err
	}
	if met.Records, err = m.Int64Counter("myolink.records",
		metric.WithDescription("Total dataset rows appended, split by late arrival."),
	); err != nil {
		return nil, err
	}
	if met.LabelTransitions, err = m.Int64Counter("myolink.label.transitions",
		metric.WithDescription("Total accepted label toggles."),
	); err != nil {
		return nil, err
	}
	if met.Triggers, err = m.Int64Counter("myolink.triggers",
		metric.WithDescription("Total game actuations."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("myolink.active_sessions",
		metric.WithDescription("Number of open recording sessions."),
	); err != nil {
		return nil, err
	}
	if met.ControllerActive, err = m.Int64UpDownCounter("myolink.controller.active",
		metric.WithDescription("Contraction state of the controller, 0 or 1."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("myolink.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordSample records an acquired sample with its validity status.
func (m *Metrics) RecordSample(ctx context.Context, valid bool) {
	m.AddSamples(ctx, 1, valid)
}

// AddSamples records n acquired samples sharing one validity status. Used
// by pollers that export component counters as deltas.
func (m *Metrics) AddSamples(ctx context.Context, n int64, valid bool) {
	if n <= 0 {
		return
	}
	status := "valid"
	if !valid {
		status = "invalid"
	}
	m.Samples.Add(ctx, n,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordFrameReceived records an arriving frame with its admission verdict.
func (m *Metrics) RecordFrameReceived(ctx context.Context, verdict string) {
	m.AddFramesReceived(ctx, 1, verdict)
}

// AddFramesReceived records n arriving frames sharing one admission verdict.
func (m *Metrics) AddFramesReceived(ctx context.Context, n int64, verdict string) {
	if n <= 0 {
		return
	}
	m.FramesReceived.Add(ctx, n,
		metric.WithAttributes(attribute.String("verdict", verdict)),
	)
}

// RecordQueueDrop records an eviction from the named bounded queue.
func (m *Metrics) RecordQueueDrop(ctx context.Context, queue string) {
	m.AddQueueDrops(ctx, 1, queue)
}

// AddQueueDrops records n evictions from the named bounded queue.
func (m *Metrics) AddQueueDrops(ctx context.Context, n int64, queue string) {
	if n <= 0 {
		return
	}
	m.QueueDrops.Add(ctx, n,
		metric.WithAttributes(attribute.String("queue", queue)),
	)
}

// RecordAppend records a finalized dataset row and whether it arrived after
// its reorder window had already passed.
func (m *Metrics) RecordAppend(ctx context.Context, late bool) {
	m.Records.Add(ctx, 1,
		metric.WithAttributes(attribute.Bool("late", late)),
	)
}

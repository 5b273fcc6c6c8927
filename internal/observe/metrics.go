// Package observe provides application-wide observability primitives for
// Loquax: OpenTelemetry metrics, tracing, structured logging, and HTTP
// middleware that ties them together.
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

// meterName is the instrumentation scope name used for all Loquax metrics.
const meterName = "github.com/MrWong99/loquax"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Session lifecycle ---

	// SessionsStarted counts sessions that reached Active. Use with
	// attribute: attribute.String("mode", ...)
	SessionsStarted metric.Int64Counter

	// SessionsEnded counts finished sessions. Use with attribute:
	//   attribute.String("outcome", "stopped"|"failed")
	SessionsEnded metric.Int64Counter

	// ActiveSessions tracks the live session count (0 or 1; the controller
	// serializes sessions).
	ActiveSessions metric.Int64UpDownCounter

	// --- Pipeline ---

	// WindowDuration tracks per-window inference latency. Use with
	// attribute: attribute.String("engine", ...)
	WindowDuration metric.Float64Histogram

	// WindowFailures counts windows whose inference failed after all
	// engines were tried. Use with attribute: attribute.String("engine", ...)
	WindowFailures metric.Int64Counter

	// QueuedWindows tracks windows waiting for inference. At the queue
	// bound the capture side blocks, so this doubles as a backpressure
	// signal.
	QueuedWindows metric.Int64UpDownCounter

	// --- Capture ---

	// CaptureOverflows counts device buffer overflows (each one is an
	// audible gap in the transcript). Use with attribute:
	//   attribute.String("source", "system"|"microphone")
	CaptureOverflows metric.Int64Counter

	// --- Output ---

	// SegmentsAppended counts transcript segments written to the sink.
	SegmentsAppended metric.Int64Counter

	// FeedSubscribers tracks connected live-feed websocket clients.
	FeedSubscribers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for HTTP
// request latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// windowBuckets defines histogram bucket boundaries (in seconds) for window
// inference. A 30 s window on a CPU model routinely takes tens of seconds,
// so the buckets reach well past the HTTP range.
var windowBuckets = []float64{
	0.25, 0.5, 1, 2.5, 5, 10, 15, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Session counters.
	if met.SessionsStarted, err = m.Int64Counter("loquax.sessions.started",
		metric.WithDescription("Total sessions that reached Active, by source mode."),
	); err != nil {
		return nil, err
	}
	if met.SessionsEnded, err = m.Int64Counter("loquax.sessions.ended",
		metric.WithDescription("Total finished sessions by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("loquax.sessions.active",
		metric.WithDescription("Number of live recording sessions."),
	); err != nil {
		return nil, err
	}

	// Pipeline.
	if met.WindowDuration, err = m.Float64Histogram("loquax.window.duration",
		metric.WithDescription("Latency of one window inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(windowBuckets...),
	); err != nil {
		return nil, err
	}
	if met.WindowFailures, err = m.Int64Counter("loquax.window.failures",
		metric.WithDescription("Total windows whose inference failed."),
	); err != nil {
		return nil, err
	}
	if met.QueuedWindows, err = m.Int64UpDownCounter("loquax.window.queued",
		metric.WithDescription("Windows accumulated and waiting for inference."),
	); err != nil {
		return nil, err
	}

	// Capture.
	if met.CaptureOverflows, err = m.Int64Counter("loquax.capture.overflows",
		metric.WithDescription("Total device buffer overflows (transcript gaps) by source."),
	); err != nil {
		return nil, err
	}

	// Output.
	if met.SegmentsAppended, err = m.Int64Counter("loquax.segments.appended",
		metric.WithDescription("Total transcript segments appended to the sink."),
	); err != nil {
		return nil, err
	}
	if met.FeedSubscribers, err = m.Int64UpDownCounter("loquax.feed.subscribers",
		metric.WithDescription("Connected live-feed websocket clients."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("loquax.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
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

// RecordSessionStart records a session reaching Active and bumps the active
// gauge.
func (m *Metrics) RecordSessionStart(ctx context.Context, mode string) {
	m.SessionsStarted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("mode", mode)),
	)
	m.ActiveSessions.Add(ctx, 1)
}

// RecordSessionEnd records a finished session and drops the active gauge.
// outcome is "stopped" for a clean stop and "failed" for a fatal abort.
func (m *Metrics) RecordSessionEnd(ctx context.Context, outcome string) {
	m.SessionsEnded.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
	m.ActiveSessions.Add(ctx, -1)
}

// RecordWindow records one window inference duration.
func (m *Metrics) RecordWindow(ctx context.Context, engine string, seconds float64) {
	m.WindowDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("engine", engine)),
	)
}

// RecordWindowFailure records a window whose inference failed.
func (m *Metrics) RecordWindowFailure(ctx context.Context, engine string) {
	m.WindowFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("engine", engine)),
	)
}

// RecordOverflow records a capture buffer overflow for the given source.
func (m *Metrics) RecordOverflow(ctx context.Context, source string) {
	m.CaptureOverflows.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)),
	)
}

// RecordSegments records n transcript segments appended to the sink.
func (m *Metrics) RecordSegments(ctx context.Context, n int) {
	m.SegmentsAppended.Add(ctx, int64(n))
}

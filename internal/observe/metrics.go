// Package observe provides application-wide observability primitives for
// talkback: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so the diagnostics server can
// expose them on /metrics. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all talkback metrics.
const meterName = "github.com/MrWong99/talkback"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Capture ---

	// ChunksCaptured counts encoded chunks delivered by the recorder. Use with
	// attribute.String("result", "kept"|"discarded").
	ChunksCaptured metric.Int64Counter

	// SessionDuration tracks how long each recording session lasted.
	SessionDuration metric.Float64Histogram

	// PayloadBytes tracks the size of assembled recording payloads.
	PayloadBytes metric.Int64Histogram

	// PayloadsSent counts finished sessions. Use with
	// attribute.String("status", "sent"|"skipped"|"error").
	PayloadsSent metric.Int64Counter

	// --- Transport ---

	// TransportStateChanges counts channel state transitions. Use with
	// attribute.String("state", ...).
	TransportStateChanges metric.Int64Counter

	// FramesReceived counts binary frames received from the server.
	FramesReceived metric.Int64Counter

	// --- Playback ---

	// PlaybacksStarted counts frames handed to the audio output. Use with
	// attribute.String("format", ...).
	PlaybacksStarted metric.Int64Counter

	// PlaybackErrors counts frames that could not be decoded or played.
	PlaybackErrors metric.Int64Counter

	// ActivePlaybacks tracks the number of clips currently playing.
	ActivePlaybacks metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks diagnostics request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// durationBuckets defines histogram bucket boundaries (in seconds) for
// push-to-talk sessions, which range from a tap to a long monologue.
var durationBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// sizeBuckets defines payload size bucket boundaries in bytes.
var sizeBuckets = []float64{
	1 << 10, 4 << 10, 16 << 10, 64 << 10, 256 << 10, 1 << 20, 4 << 20,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Capture.
	if met.ChunksCaptured, err = m.Int64Counter("talkback.capture.chunks",
		metric.WithDescription("Encoded chunks delivered by the recorder, by result."),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("talkback.capture.session.duration",
		metric.WithDescription("Duration of recording sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PayloadBytes, err = m.Int64Histogram("talkback.capture.payload.size",
		metric.WithDescription("Size of assembled recording payloads."),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(sizeBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PayloadsSent, err = m.Int64Counter("talkback.capture.payloads",
		metric.WithDescription("Finished recording sessions by delivery status."),
	); err != nil {
		return nil, err
	}

	// Transport.
	if met.TransportStateChanges, err = m.Int64Counter("talkback.transport.state_changes",
		metric.WithDescription("Channel state transitions by target state."),
	); err != nil {
		return nil, err
	}
	if met.FramesReceived, err = m.Int64Counter("talkback.transport.frames_received",
		metric.WithDescription("Binary frames received from the server."),
	); err != nil {
		return nil, err
	}

	// Playback.
	if met.PlaybacksStarted, err = m.Int64Counter("talkback.playback.started",
		metric.WithDescription("Frames handed to the audio output, by container format."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackErrors, err = m.Int64Counter("talkback.playback.errors",
		metric.WithDescription("Frames that could not be decoded or played."),
	); err != nil {
		return nil, err
	}
	if met.ActivePlaybacks, err = m.Int64UpDownCounter("talkback.playback.active",
		metric.WithDescription("Number of clips currently playing."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("talkback.http.request.duration",
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

// RecordChunk counts one captured chunk as kept or discarded.
func (m *Metrics) RecordChunk(ctx context.Context, kept bool) {
	result := "kept"
	if !kept {
		result = "discarded"
	}
	m.ChunksCaptured.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordSession records the duration and payload size of a finished session
// together with its delivery status.
func (m *Metrics) RecordSession(ctx context.Context, d time.Duration, size int, status string) {
	m.SessionDuration.Record(ctx, d.Seconds())
	m.PayloadBytes.Record(ctx, int64(size))
	m.PayloadsSent.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordTransportState counts a transition into state.
func (m *Metrics) RecordTransportState(ctx context.Context, state string) {
	m.TransportStateChanges.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordPlayback counts a frame handed to the output in the given format.
func (m *Metrics) RecordPlayback(ctx context.Context, format string) {
	m.PlaybacksStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("format", format)))
}

// RecordPlaybackError counts a frame that failed in the given stage
// ("decode" or "output").
func (m *Metrics) RecordPlaybackError(ctx context.Context, stage string) {
	m.PlaybackErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// Package observe provides application-wide observability primitives for
// LinguaFlow: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from the /metrics endpoint. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with their own [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all LinguaFlow metrics.
const meterName = "github.com/MrWong99/linguaflow"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Audio path ---

	// FramesSent counts capture frames handed to the provider.
	FramesSent metric.Int64Counter

	// FrameSendErrors counts frames the provider refused to send.
	FrameSendErrors metric.Int64Counter

	// SegmentsScheduled counts inbound audio segments placed on the playback
	// timeline.
	SegmentsScheduled metric.Int64Counter

	// DecodeErrors counts inbound audio segments dropped because their
	// payload could not be decoded.
	DecodeErrors metric.Int64Counter

	// Interruptions counts barge-in events that flushed playback.
	Interruptions metric.Int64Counter

	// --- Conversation ---

	// Turns counts completed transcript turns. Use with attribute:
	//   attribute.String("speaker", ...)
	Turns metric.Int64Counter

	// EventsDropped counts controller events discarded because the host did
	// not drain the event channel.
	EventsDropped metric.Int64Counter

	// --- Session lifecycle ---

	// SetupDuration tracks the time from dial to setup acknowledgement.
	SetupDuration metric.Float64Histogram

	// ActiveSessions tracks the number of sessions in the Active state.
	ActiveSessions metric.Int64UpDownCounter

	// SessionFailures counts sessions that failed. Use with attribute:
	//   attribute.String("kind", ...)
	SessionFailures metric.Int64Counter

	// ProviderErrors counts errors reported by the remote model. Use with
	// attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...), attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// setupBuckets defines histogram bucket boundaries (in seconds) for session
// setup, which is dominated by a TLS dial and one round trip.
var setupBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Audio path counters.
	if met.FramesSent, err = m.Int64Counter("linguaflow.frames.sent",
		metric.WithDescription("Capture frames sent to the remote model."),
	); err != nil {
		return nil, err
	}
	if met.FrameSendErrors, err = m.Int64Counter("linguaflow.frames.send_errors",
		metric.WithDescription("Capture frames that failed to send."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsScheduled, err = m.Int64Counter("linguaflow.segments.scheduled",
		metric.WithDescription("Inbound audio segments scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("linguaflow.segments.decode_errors",
		metric.WithDescription("Inbound audio segments dropped on decode failure."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("linguaflow.playback.interruptions",
		metric.WithDescription("Playback flushes caused by remote interruption."),
	); err != nil {
		return nil, err
	}

	// Conversation counters.
	if met.Turns, err = m.Int64Counter("linguaflow.turns",
		metric.WithDescription("Completed transcript turns by speaker."),
	); err != nil {
		return nil, err
	}
	if met.EventsDropped, err = m.Int64Counter("linguaflow.events.dropped",
		metric.WithDescription("Controller events dropped because the consumer lagged."),
	); err != nil {
		return nil, err
	}

	// Session lifecycle.
	if met.SetupDuration, err = m.Float64Histogram("linguaflow.session.setup.duration",
		metric.WithDescription("Time from dial to setup acknowledgement."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(setupBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("linguaflow.sessions.active",
		metric.WithDescription("Number of sessions currently active."),
	); err != nil {
		return nil, err
	}
	if met.SessionFailures, err = m.Int64Counter("linguaflow.session.failures",
		metric.WithDescription("Sessions that failed, by error kind."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("linguaflow.provider.errors",
		metric.WithDescription("Errors reported by the remote model, by provider and kind."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("linguaflow.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
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

// RecordTurn increments the turn counter for speaker.
func (m *Metrics) RecordTurn(ctx context.Context, speaker string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("speaker", speaker)))
}

// RecordSessionFailure increments the failure counter for an error kind.
func (m *Metrics) RecordSessionFailure(ctx context.Context, kind string) {
	m.SessionFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordProviderError increments the provider error counter.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

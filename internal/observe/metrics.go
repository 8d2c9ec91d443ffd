// Package observe provides application-wide observability primitives for
// Parley: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// DeliveryDuration tracks how long the backend takes to accept an utterance.
	DeliveryDuration metric.Float64Histogram

	// HistoryDuration tracks conversation history fetch latency.
	HistoryDuration metric.Float64Histogram

	// --- Counters ---

	// FramesEncoded counts audio frames produced by the encoder.
	FramesEncoded metric.Int64Counter

	// UtterancesDelivered counts utterances accepted by the backend. Use with attribute:
	//   attribute.String("speaker", ...)
	UtterancesDelivered metric.Int64Counter

	// FlushesCoalesced counts flush requests absorbed by a pending or running
	// flush. Use with attribute:
	//   attribute.String("speaker", ...)
	FlushesCoalesced metric.Int64Counter

	// RejectedUpdates counts partial transcripts dropped by the longest-text
	// rule or because the buffer was flushing. Use with attribute:
	//   attribute.String("speaker", ...)
	RejectedUpdates metric.Int64Counter

	// AgentEvents counts events received from the agent. Use with attribute:
	//   attribute.String("kind", ...)
	AgentEvents metric.Int64Counter

	// AgentReconnects counts reconnect attempts. Use with attribute:
	//   attribute.String("status", ...)
	AgentReconnects metric.Int64Counter

	// --- Error counters ---

	// EncodeErrors counts chunks abandoned because of a non-finite sample.
	EncodeErrors metric.Int64Counter

	// DeliveryErrors counts utterances the backend rejected. Use with attribute:
	//   attribute.String("speaker", ...)
	DeliveryErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live agent sessions.
	ActiveSessions metric.Int64UpDownCounter

	// WaveformClients tracks the number of connected waveform viewers.
	WaveformClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks control surface latency, labelled with the
	// matched route ("POST /api/mic") and the status code.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for backend round trips.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.DeliveryDuration, err = m.Float64Histogram("parley.transcript.delivery.duration",
		metric.WithDescription("Latency of transcript delivery to the backend."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HistoryDuration, err = m.Float64Histogram("parley.history.duration",
		metric.WithDescription("Latency of conversation history fetches."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesEncoded, err = m.Int64Counter("parley.audio.frames",
		metric.WithDescription("Total audio frames emitted by the encoder."),
	); err != nil {
		return nil, err
	}
	if met.UtterancesDelivered, err = m.Int64Counter("parley.transcript.utterances",
		metric.WithDescription("Total utterances delivered by speaker."),
	); err != nil {
		return nil, err
	}
	if met.FlushesCoalesced, err = m.Int64Counter("parley.transcript.flushes_coalesced",
		metric.WithDescription("Flush requests absorbed by an earlier flush, by speaker."),
	); err != nil {
		return nil, err
	}
	if met.RejectedUpdates, err = m.Int64Counter("parley.transcript.rejected_updates",
		metric.WithDescription("Partial transcripts dropped by speaker."),
	); err != nil {
		return nil, err
	}
	if met.AgentEvents, err = m.Int64Counter("parley.agent.events",
		metric.WithDescription("Agent events received by kind."),
	); err != nil {
		return nil, err
	}
	if met.AgentReconnects, err = m.Int64Counter("parley.agent.reconnects",
		metric.WithDescription("Agent reconnect attempts by status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.EncodeErrors, err = m.Int64Counter("parley.audio.encode_errors",
		metric.WithDescription("Audio chunks abandoned because of non-finite samples."),
	); err != nil {
		return nil, err
	}
	if met.DeliveryErrors, err = m.Int64Counter("parley.transcript.delivery_errors",
		metric.WithDescription("Failed transcript deliveries by speaker."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Number of live agent sessions."),
	); err != nil {
		return nil, err
	}
	if met.WaveformClients, err = m.Int64UpDownCounter("parley.waveform.clients",
		metric.WithDescription("Number of connected waveform viewers."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
		metric.WithDescription("HTTP request latency by route and status."),
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

// RecordDelivery records the outcome and latency of one utterance delivery.
func (m *Metrics) RecordDelivery(ctx context.Context, speaker string, d time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("speaker", speaker))
	m.DeliveryDuration.Record(ctx, d.Seconds(), attrs)
	if err != nil {
		m.DeliveryErrors.Add(ctx, 1, attrs)
		return
	}
	m.UtterancesDelivered.Add(ctx, 1, attrs)
}

// RecordFlushCoalesced records a flush request that did not start a new flush.
func (m *Metrics) RecordFlushCoalesced(ctx context.Context, speaker string) {
	m.FlushesCoalesced.Add(ctx, 1,
		metric.WithAttributes(attribute.String("speaker", speaker)),
	)
}

// RecordRejectedUpdate records a partial transcript that was not applied.
func (m *Metrics) RecordRejectedUpdate(ctx context.Context, speaker string) {
	m.RejectedUpdates.Add(ctx, 1,
		metric.WithAttributes(attribute.String("speaker", speaker)),
	)
}

// RecordAgentEvent records one event received from the agent session.
func (m *Metrics) RecordAgentEvent(ctx context.Context, kind string) {
	m.AgentEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordReconnect records a reconnect attempt with the given status
// ("ok" or "error").
func (m *Metrics) RecordReconnect(ctx context.Context, status string) {
	m.AgentReconnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/parley"

// Span names.
const (
	SpanDelivery = "transcript.deliver"
	SpanHistory  = "session.history"
)

// Tracer returns the Parley tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. The caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartDeliverySpan starts the span around one utterance delivery to the
// transcript backend.
func StartDeliverySpan(ctx context.Context, speaker, conversationID string, chars int) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanDelivery,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("parley.speaker", speaker),
			attribute.String("parley.conversation_id", conversationID),
			attribute.Int("parley.chars", chars),
		),
	)
}

// StartHistorySpan starts the span around loading a conversation's prior
// utterances.
func StartHistorySpan(ctx context.Context, conversationID string) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanHistory,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("parley.conversation_id", conversationID)),
	)
}

// EndSpan marks span as failed when err is non-nil and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID returns the trace ID of the span in ctx, or "" without one.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id attached when
// ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}

package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/satindergrewal/stemstream"

// SeparateSpan is the name of the span covering one model invocation.
const SeparateSpan = "pipeline.separate"

// StartSeparate starts the span for separating chunk seq with the model
// loaded from checkpoint. End it with [EndSpan].
func StartSeparate(ctx context.Context, seq, samples int, checkpoint string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, SeparateSpan, trace.WithAttributes(
		attribute.Int("chunk.seq", seq),
		attribute.Int("chunk.samples", samples),
		attribute.String("model.checkpoint", checkpoint),
	))
}

// EndSpan ends span, marking it failed when err is non-nil.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// WithTrace returns l tagged with the trace ID in ctx, so chunk log lines
// can be matched to their span. l is returned unchanged outside a span.
func WithTrace(ctx context.Context, l *slog.Logger) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return l
	}
	return l.With("trace_id", sc.TraceID().String())
}

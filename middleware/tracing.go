package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/imgdispatch/job"
)

// tracerName is the instrumentation scope name for imgdispatch tracing.
const tracerName = "github.com/xraph/imgdispatch"

// Tracing returns middleware that wraps each attempt in an OpenTelemetry
// span. If no TracerProvider is configured globally, the default noop
// tracer is used and this middleware becomes a pass-through.
//
// Span attributes include: imgdispatch.job.id, imgdispatch.job.kind,
// imgdispatch.queue, imgdispatch.attempt, imgdispatch.max_attempts.
// On error, the span status is set to codes.Error with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, r *job.Record, next Handler) error {
		ctx, span := tracer.Start(ctx, "imgdispatch.job.attempt",
			trace.WithAttributes(
				attribute.String("imgdispatch.job.id", r.ID.String()),
				attribute.String("imgdispatch.job.kind", string(r.Kind)),
				attribute.String("imgdispatch.queue", r.Queue),
				attribute.Int("imgdispatch.attempt", r.AttemptCount),
				attribute.Int("imgdispatch.max_attempts", r.MaxAttempts),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}

package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/imgdispatch/job"
)

// meterName is the instrumentation scope name for imgdispatch metrics.
const meterName = "github.com/xraph/imgdispatch"

// Metrics returns middleware that records per-attempt metrics using the
// global OTel MeterProvider. If no MeterProvider is configured, noop
// instruments are used and this middleware becomes a pass-through.
//
// Instruments:
//   - imgdispatch.attempt.duration (Float64Histogram): attempt time in
//     seconds, with attributes: kind, queue, status ("ok" or "error")
//   - imgdispatch.attempt.executions (Int64Counter): total attempts,
//     with attributes: kind, queue, status ("ok" or "error")
func Metrics() Middleware {
	meter := otel.Meter(meterName)
	return MetricsWithMeter(meter)
}

// MetricsWithMeter returns metrics middleware using the provided meter.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// OTel returns noop instruments alongside any error.
	duration, _ := meter.Float64Histogram(
		"imgdispatch.attempt.duration",
		metric.WithDescription("Duration of one job attempt in seconds"),
		metric.WithUnit("s"),
	)
	executions, _ := meter.Int64Counter(
		"imgdispatch.attempt.executions",
		metric.WithDescription("Total number of job attempts"),
		metric.WithUnit("{attempt}"),
	)

	return func(ctx context.Context, r *job.Record, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = "error"
		}

		attrs := metric.WithAttributes(
			attribute.String("kind", string(r.Kind)),
			attribute.String("queue", r.Queue),
			attribute.String("status", status),
		)

		duration.Record(ctx, elapsed, attrs)
		executions.Add(ctx, 1, attrs)

		return err
	}
}

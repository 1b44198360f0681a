// Package observability provides a Prometheus extension that counts job
// lifecycle events (submission, dispatch, attempts, success, retry,
// failure, cancellation) per queue, plus cron fires per entry.
//
// For per-attempt tracing and OpenTelemetry metrics, see the middleware
// package: middleware.Tracing() and middleware.Metrics().
package observability

// Package middleware provides composable middleware for job attempts.
//
// A [Middleware] is a function that wraps one attempt of a job handler.
// Middleware are composed into a chain using [Chain] and applied around
// each attempt a worker runs. They are applied right-to-left: the first
// middleware in the slice is the outermost wrapper.
//
//	// recover → logging → handler
//	chain := middleware.Chain(middleware.Recover(logger), middleware.Logging(logger))
//
// # Built-in Middleware
//
//   - [Recover] catches panics and converts them to attempt errors
//   - [Tracing] wraps the attempt in an OpenTelemetry span
//   - [Metrics] records per-attempt duration and outcome counters
//   - [Logging] logs kind, attempt, duration and outcome
//   - [Timeout] cancels the attempt context after a configured duration
//
// Middleware MUST call next to continue the chain unless intentionally
// short-circuiting.
package middleware

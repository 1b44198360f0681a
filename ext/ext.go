// Package ext defines the extension system for imgdispatch.
// Extensions are notified of job lifecycle events (submitted, started,
// succeeded, failed, etc.) and can react to them: logging, metrics,
// notifications.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/xraph/imgdispatch/id"
	"github.com/xraph/imgdispatch/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobSubmitted is called after a job record is created.
type JobSubmitted interface {
	OnJobSubmitted(ctx context.Context, r *job.Record) error
}

// JobDispatched is called after a job is handed to the broker.
type JobDispatched interface {
	OnJobDispatched(ctx context.Context, r *job.Record) error
}

// JobStarted is called when a worker claims a job and begins an attempt.
type JobStarted interface {
	OnJobStarted(ctx context.Context, r *job.Record) error
}

// JobSucceeded is called after a job commits its result.
type JobSucceeded interface {
	OnJobSucceeded(ctx context.Context, r *job.Record, elapsed time.Duration) error
}

// JobRetrying is called when an attempt fails and another is scheduled.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, r *job.Record, attempt int, retryAt time.Time) error
}

// JobFailed is called when a job fails terminally (no attempts left).
type JobFailed interface {
	OnJobFailed(ctx context.Context, r *job.Record, err error) error
}

// JobCancelled is called when a job reaches the cancelled state.
type JobCancelled interface {
	OnJobCancelled(ctx context.Context, r *job.Record) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// CronFired is called when a cron entry fires and submits a job.
type CronFired interface {
	OnCronFired(ctx context.Context, entryName string, jobID id.JobID) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}

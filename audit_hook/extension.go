package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/imgdispatch/ext"
	"github.com/xraph/imgdispatch/id"
	"github.com/xraph/imgdispatch/job"
)

var (
	_ ext.Extension     = (*Extension)(nil)
	_ ext.JobSubmitted  = (*Extension)(nil)
	_ ext.JobDispatched = (*Extension)(nil)
	_ ext.JobStarted    = (*Extension)(nil)
	_ ext.JobSucceeded  = (*Extension)(nil)
	_ ext.JobRetrying   = (*Extension)(nil)
	_ ext.JobFailed     = (*Extension)(nil)
	_ ext.JobCancelled  = (*Extension)(nil)
	_ ext.CronFired     = (*Extension)(nil)
)

// Recorder persists audit events.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one audit trail entry.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc adapts a plain function to Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record calls f.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// SlogRecorder writes every event as one log record on logger, at a level
// derived from the event severity.
func SlogRecorder(logger *slog.Logger) Recorder {
	return RecorderFunc(func(ctx context.Context, evt *AuditEvent) error {
		level := slog.LevelInfo
		switch evt.Severity {
		case SeverityWarning:
			level = slog.LevelWarn
		case SeverityCritical:
			level = slog.LevelError
		}

		attrs := []slog.Attr{
			slog.String("action", evt.Action),
			slog.String("resource", evt.Resource),
			slog.String("resource_id", evt.ResourceID),
			slog.String("category", evt.Category),
			slog.String("outcome", evt.Outcome),
		}
		if evt.Reason != "" {
			attrs = append(attrs, slog.String("reason", evt.Reason))
		}
		for k, v := range evt.Metadata {
			attrs = append(attrs, slog.Any(k, v))
		}
		logger.LogAttrs(ctx, level, "audit", attrs...)
		return nil
	})
}

// Severity levels.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension records an audit event for each lifecycle hook.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that records through r.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit-hook" }

// OnJobSubmitted implements ext.JobSubmitted.
func (e *Extension) OnJobSubmitted(ctx context.Context, r *job.Record) error {
	return e.recordJob(ctx, ActionJobSubmitted, SeverityInfo, OutcomeSuccess, r, nil,
		"input_ref", r.InputRef,
		"not_before", r.NotBefore.Format(time.RFC3339),
		"width", r.Params.Width,
		"height", r.Params.Height,
	)
}

// OnJobDispatched implements ext.JobDispatched.
func (e *Extension) OnJobDispatched(ctx context.Context, r *job.Record) error {
	return e.recordJob(ctx, ActionJobDispatched, SeverityInfo, OutcomeSuccess, r, nil)
}

// OnJobStarted implements ext.JobStarted.
func (e *Extension) OnJobStarted(ctx context.Context, r *job.Record) error {
	return e.recordJob(ctx, ActionJobStarted, SeverityInfo, OutcomeSuccess, r, nil,
		"worker_id", r.WorkerID.String(),
		"attempt", r.AttemptCount,
	)
}

// OnJobSucceeded implements ext.JobSucceeded.
func (e *Extension) OnJobSucceeded(ctx context.Context, r *job.Record, elapsed time.Duration) error {
	kv := []any{"elapsed_ms", elapsed.Milliseconds(), "attempt", r.AttemptCount}
	if r.Result != nil {
		kv = append(kv, "output_ref", r.Result.OutputRef)
	}
	return e.recordJob(ctx, ActionJobSucceeded, SeverityInfo, OutcomeSuccess, r, nil, kv...)
}

// OnJobRetrying implements ext.JobRetrying.
func (e *Extension) OnJobRetrying(ctx context.Context, r *job.Record, attempt int, retryAt time.Time) error {
	return e.recordJob(ctx, ActionJobRetrying, SeverityWarning, OutcomeFailure, r, nil,
		"attempt", attempt,
		"max_attempts", r.MaxAttempts,
		"retry_at", retryAt.Format(time.RFC3339),
		"last_error", r.LastError,
	)
}

// OnJobFailed implements ext.JobFailed.
func (e *Extension) OnJobFailed(ctx context.Context, r *job.Record, jobErr error) error {
	return e.recordJob(ctx, ActionJobFailed, SeverityCritical, OutcomeFailure, r, jobErr,
		"attempts", r.AttemptCount,
	)
}

// OnJobCancelled implements ext.JobCancelled.
func (e *Extension) OnJobCancelled(ctx context.Context, r *job.Record) error {
	return e.recordJob(ctx, ActionJobCancelled, SeverityWarning, OutcomeFailure, r, nil,
		"state_reason", r.Error,
	)
}

// OnCronFired implements ext.CronFired.
func (e *Extension) OnCronFired(ctx context.Context, entryName string, jobID id.JobID) error {
	return e.record(ctx, ActionCronFired, SeverityInfo, OutcomeSuccess,
		ResourceCron, entryName, CategoryCron, nil,
		"job_id", jobID.String(),
	)
}

func (e *Extension) recordJob(ctx context.Context, action, severity, outcome string, r *job.Record, err error, kv ...any) error {
	kv = append([]any{"kind", string(r.Kind), "queue", r.Queue}, kv...)
	return e.record(ctx, action, severity, outcome, ResourceJob, r.ID.String(), CategoryJob, err, kv...)
}

// record builds and sends an event if the action is enabled. Recorder
// failures are logged; lifecycle hooks never fail the job.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			slog.String("action", action),
			slog.String("resource_id", resourceID),
			slog.String("error", recErr.Error()),
		)
	}
	return nil
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xraph/imgdispatch"
	"github.com/xraph/imgdispatch/id"
	"github.com/xraph/imgdispatch/job"
)

// SubmitRequest is one process_image submission.
type SubmitRequest struct {
	// InputRef is the storage ref of the uploaded image.
	InputRef string
	// Params are the transform parameters.
	Params job.Params
	// NotBefore defers the job. Nil means run immediately.
	NotBefore *time.Time
	// Queue overrides the configured route.
	Queue string
	// MaxAttempts overrides the configured attempt budget.
	MaxAttempts int
}

// Submit validates req, records a pending job and hands it to the
// scheduler. An immediate job is on the broker when Submit returns (or
// will be, once a scheduler tick retries a failed enqueue); a deferred job
// waits in the store. Invalid requests fail with a *ValidationError and
// create nothing.
func (eng *Engine) Submit(ctx context.Context, req SubmitRequest) (*job.Record, error) {
	if strings.TrimSpace(req.InputRef) == "" {
		return nil, imgdispatch.Invalid("input_ref", "must not be empty")
	}
	if err := req.Params.Validate(eng.cfg.MaxImageDimension); err != nil {
		return nil, err
	}
	if req.MaxAttempts < 0 {
		return nil, imgdispatch.Invalid("max_attempts", "must not be negative, got %d", req.MaxAttempts)
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = eng.cfg.MaxAttempts
	}
	queue := req.Queue
	if queue == "" {
		queue = eng.cfg.QueueFor(string(job.KindProcessImage))
	}
	var notBefore time.Time
	if req.NotBefore != nil {
		notBefore = req.NotBefore.UTC()
	}

	r := job.New(job.KindProcessImage, queue, req.InputRef, req.Params, maxAttempts, notBefore, eng.now())
	if err := eng.SubmitRecord(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// SubmitRecord persists a new pending record and dispatches it if it is
// due. A failed dispatch is logged, not returned: the record is durable
// and the scheduler's next tick retries it.
func (eng *Engine) SubmitRecord(ctx context.Context, r *job.Record) error {
	if err := eng.store.Create(ctx, r); err != nil {
		return err
	}
	eng.extensions.EmitJobSubmitted(ctx, r)

	if err := eng.scheduler.Schedule(ctx, r); err != nil {
		eng.logger.Warn("immediate dispatch failed, leaving job to the scheduler",
			slog.String("job_id", r.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// Get returns the job record.
func (eng *Engine) Get(ctx context.Context, jobID id.JobID) (*job.Record, error) {
	return eng.store.Get(ctx, jobID)
}

// GetStatus returns the poller's view of a job. It reads the store every
// time. Unknown ids yield a not_found status together with
// ErrJobNotFound.
func (eng *Engine) GetStatus(ctx context.Context, jobID id.JobID) (job.Status, error) {
	r, err := eng.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, imgdispatch.ErrJobNotFound) {
			return job.StatusOf(nil), err
		}
		return job.Status{}, err
	}
	return job.StatusOf(r), nil
}

// maxCancelRaces bounds how often Cancel re-reads a record that changed
// under it.
const maxCancelRaces = 5

// Cancel stops a job. A pending or scheduled job is cancelled at once. A
// running job is flagged; its attempt runs to completion and the outcome
// is discarded. Finished jobs fail with ErrTerminalState.
func (eng *Engine) Cancel(ctx context.Context, jobID id.JobID) (*job.Record, error) {
	for range maxCancelRaces {
		r, err := eng.store.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}

		var m job.Mutation
		switch r.State {
		case job.StatePending, job.StateScheduled:
			m = job.Cancel("cancelled", eng.now())
		case job.StateRunning:
			m = job.RequestCancel()
		default:
			return nil, fmt.Errorf("%w: %s is %s", imgdispatch.ErrTerminalState, jobID, r.State)
		}

		next, err := eng.store.CompareAndSwapState(ctx, jobID, r.State, m)
		if errors.Is(err, imgdispatch.ErrStoreConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		if next.State == job.StateCancelled {
			eng.extensions.EmitJobCancelled(ctx, next)
		}
		eng.logger.Info("job cancel requested",
			slog.String("job_id", jobID.String()),
			slog.String("state", string(next.State)),
		)
		return next, nil
	}
	return nil, fmt.Errorf("%w: cancel %s kept racing", imgdispatch.ErrStoreConflict, jobID)
}

// Counts returns the number of jobs in each state, optionally restricted
// to one queue.
func (eng *Engine) Counts(ctx context.Context, queue string) (map[job.State]int64, error) {
	counts := make(map[job.State]int64, len(job.AllStates))
	for _, st := range job.AllStates {
		n, err := eng.store.Count(ctx, job.CountOpts{Queue: queue, State: st})
		if err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, nil
}

// Package worker runs jobs: an Executor turns one broker delivery into at
// most one attempt, and a Pool runs executors on concurrent slots fed by
// the broker.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/imgdispatch"
	"github.com/xraph/imgdispatch/backoff"
	"github.com/xraph/imgdispatch/broker"
	"github.com/xraph/imgdispatch/id"
	"github.com/xraph/imgdispatch/job"
	"github.com/xraph/imgdispatch/middleware"
)

// Emitter receives attempt lifecycle events. ext.Registry satisfies it.
type Emitter interface {
	EmitJobStarted(ctx context.Context, r *job.Record)
	EmitJobSucceeded(ctx context.Context, r *job.Record, elapsed time.Duration)
	EmitJobRetrying(ctx context.Context, r *job.Record, attempt int, retryAt time.Time)
	EmitJobFailed(ctx context.Context, r *job.Record, err error)
	EmitJobCancelled(ctx context.Context, r *job.Record)
}

// DiscardFunc removes the output of an attempt whose result will not be
// committed, so no record ever points at it.
type DiscardFunc func(ctx context.Context, res *job.Result) error

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithEmitter sets the lifecycle event sink.
func WithEmitter(em Emitter) ExecutorOption {
	return func(e *Executor) { e.emitter = em }
}

// WithBackoff sets the retry delay strategy.
func WithBackoff(s backoff.Strategy) ExecutorOption {
	return func(e *Executor) { e.backoff = s }
}

// WithMiddleware sets the middleware chain wrapped around each attempt.
func WithMiddleware(mws ...middleware.Middleware) ExecutorOption {
	return func(e *Executor) { e.mw = middleware.Chain(mws...) }
}

// WithWorkerID sets the identity recorded on claimed jobs.
func WithWorkerID(w id.WorkerID) ExecutorOption {
	return func(e *Executor) { e.workerID = w }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// WithHeartbeatInterval sets how often a running attempt refreshes its
// heartbeat. Zero disables heartbeats.
func WithHeartbeatInterval(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.heartbeatInterval = d }
}

// WithDiscard sets the function that deletes uncommitted outputs.
func WithDiscard(fn DiscardFunc) ExecutorOption {
	return func(e *Executor) { e.discard = fn }
}

// Executor turns a delivery into an attempt: it claims the job, runs the
// registered handler through middleware, commits the outcome, and only
// then acknowledges the delivery.
type Executor struct {
	store    job.Store
	broker   broker.Broker
	registry *job.Registry
	emitter  Emitter
	backoff  backoff.Strategy
	mw       middleware.Middleware
	discard  DiscardFunc
	workerID id.WorkerID
	logger   *slog.Logger
	now      func() time.Time

	heartbeatInterval time.Duration
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	store job.Store,
	b broker.Broker,
	registry *job.Registry,
	logger *slog.Logger,
	opts ...ExecutorOption,
) *Executor {
	e := &Executor{
		store:             store,
		broker:            b,
		registry:          registry,
		backoff:           backoff.DefaultStrategy(),
		mw:                middleware.Chain(),
		workerID:          id.NewWorkerID(),
		logger:            logger,
		now:               time.Now,
		heartbeatInterval: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WorkerID returns the identity recorded on claimed jobs.
func (e *Executor) WorkerID() id.WorkerID { return e.workerID }

// Execute handles one delivery. A nil return means the delivery was
// acknowledged; otherwise it was returned to the broker (or left to its
// visibility timeout) and the error says why.
func (e *Executor) Execute(ctx context.Context, d *broker.Delivery) error {
	// Commits must land even if ctx is cancelled by shutdown mid-attempt.
	commitCtx := context.WithoutCancel(ctx)

	rec, err := e.store.Get(commitCtx, d.JobID)
	switch {
	case errors.Is(err, imgdispatch.ErrJobNotFound):
		e.logger.Warn("delivery for unknown job", slog.String("job_id", d.JobID.String()))
		return e.ack(commitCtx, d)
	case err != nil:
		e.nack(commitCtx, d)
		return fmt.Errorf("worker: load %s: %w", d.JobID, err)
	}

	if rec.State != job.StateScheduled {
		// Duplicate or stale delivery: the job is finished, already being
		// run, or not yet dispatched. The store state is authoritative.
		e.logger.Debug("dropping delivery",
			slog.String("job_id", rec.ID.String()),
			slog.String("state", string(rec.State)),
			slog.Bool("redelivered", d.Redelivered),
		)
		return e.ack(commitCtx, d)
	}

	if now := e.now(); rec.RetryAt != nil && rec.RetryAt.After(now) {
		// Delivered before its backoff elapsed; put it back for later.
		if err := e.broker.EnqueueAt(commitCtx, rec.Queue, rec.ID, *rec.RetryAt); err != nil {
			e.nack(commitCtx, d)
			return fmt.Errorf("worker: defer %s: %w", rec.ID, err)
		}
		return e.ack(commitCtx, d)
	}

	claimed, err := e.store.CompareAndSwapState(commitCtx, rec.ID, job.StateScheduled, job.Claim(e.workerID, e.now()))
	switch {
	case errors.Is(err, imgdispatch.ErrStoreConflict),
		errors.Is(err, imgdispatch.ErrTerminalState),
		errors.Is(err, imgdispatch.ErrInvalidTransition):
		e.logger.Debug("lost claim",
			slog.String("job_id", rec.ID.String()),
			slog.String("error", err.Error()),
		)
		return e.ack(commitCtx, d)
	case err != nil:
		e.nack(commitCtx, d)
		return fmt.Errorf("worker: claim %s: %w", rec.ID, err)
	}

	e.emitStarted(commitCtx, claimed)
	out := e.run(ctx, claimed)

	if err := e.commit(commitCtx, claimed, out); err != nil {
		// The record still says running; the scheduler reaps it once the
		// heartbeat goes stale. Let the broker redeliver in the meantime.
		e.nack(commitCtx, d)
		return err
	}
	return e.ack(commitCtx, d)
}

// attempt is what one handler invocation produced.
type attempt struct {
	result  *job.Result
	err     error
	elapsed time.Duration
	// final skips the remaining attempts.
	final bool
}

// run executes the attempt with heartbeats.
func (e *Executor) run(ctx context.Context, claimed *job.Record) attempt {
	def, ok := e.registry.Get(claimed.Kind)
	if !ok {
		return attempt{err: fmt.Errorf("no handler registered for kind %q", claimed.Kind), final: true}
	}

	stopHeartbeat := e.startHeartbeat(ctx, claimed)
	defer stopHeartbeat()

	if def.Opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, def.Opts.Timeout)
		defer cancel()
	}

	var res *job.Result
	start := time.Now()
	err := e.mw(ctx, claimed, func(ctx context.Context) error {
		r, err := def.Handler(ctx, claimed.Clone())
		if err == nil && r == nil {
			err = errors.New("handler returned no result")
		}
		res = r
		return err
	})
	return attempt{result: res, err: err, elapsed: time.Since(start)}
}

// commit records the outcome of an attempt. Every mutation is guarded by
// ownership so a reaped worker cannot overwrite a newer attempt, and by
// the cancel flag so a job cancelled mid-attempt ends cancelled.
func (e *Executor) commit(ctx context.Context, claimed *job.Record, out attempt) error {
	now := e.now()
	res, runErr := out.result, out.err
	decision := Decide(claimed.AttemptCount, claimed.MaxAttempts, runErr, e.backoff)
	if out.final && decision.Action == ActionRetry {
		decision = Decision{Action: ActionFail}
	}

	var outcome job.Mutation
	var retryAt time.Time
	switch decision.Action {
	case ActionSucceed:
		outcome = job.Succeed(res, now)
	case ActionRetry:
		retryAt = now.Add(decision.Delay)
		outcome = job.Retry(retryAt, runErr.Error())
	case ActionFail:
		outcome = job.Fail(runErr.Error(), now)
	}

	next, err := e.swapOwned(ctx, claimed, func(r *job.Record) error {
		if r.CancelRequested {
			return job.Cancel("cancelled while running", now)(r)
		}
		return outcome(r)
	})
	if err != nil {
		e.discardOutput(ctx, claimed, res)
		if errors.Is(err, imgdispatch.ErrNotOwner) || errors.Is(err, imgdispatch.ErrTerminalState) {
			// Someone else owns the job now; our outcome is moot.
			e.logger.Warn("attempt outcome discarded",
				slog.String("job_id", claimed.ID.String()),
				slog.Int("attempt", claimed.AttemptCount),
				slog.String("error", err.Error()),
			)
			return nil
		}
		return fmt.Errorf("worker: commit %s: %w", claimed.ID, err)
	}

	if next.State == job.StateCancelled {
		e.discardOutput(ctx, claimed, res)
		e.logger.Info("job cancelled during attempt",
			slog.String("job_id", next.ID.String()),
			slog.Int("attempt", next.AttemptCount),
		)
		if e.emitter != nil {
			e.emitter.EmitJobCancelled(ctx, next)
		}
		return nil
	}

	switch decision.Action {
	case ActionSucceed:
		if e.emitter != nil {
			e.emitter.EmitJobSucceeded(ctx, next, out.elapsed)
		}

	case ActionRetry:
		e.logger.Info("job scheduled for retry",
			slog.String("job_id", next.ID.String()),
			slog.Int("attempt", next.AttemptCount),
			slog.Int("max_attempts", next.MaxAttempts),
			slog.Duration("delay", decision.Delay),
		)
		if e.emitter != nil {
			e.emitter.EmitJobRetrying(ctx, next, next.AttemptCount, retryAt)
		}
		if err := e.broker.EnqueueAt(ctx, next.Queue, next.ID, retryAt); err != nil {
			// The record is scheduled; the redelivery sweep re-enqueues it.
			e.logger.Warn("retry enqueue failed",
				slog.String("job_id", next.ID.String()),
				slog.String("error", err.Error()),
			)
		}

	case ActionFail:
		jobErr := &imgdispatch.TransformError{JobID: next.ID, Attempt: next.AttemptCount, Err: runErr}
		e.logger.Warn("job failed after exhausting attempts",
			slog.String("job_id", next.ID.String()),
			slog.Int("attempts", next.AttemptCount),
			slog.String("error", runErr.Error()),
		)
		if e.emitter != nil {
			e.emitter.EmitJobFailed(ctx, next, jobErr)
		}
	}
	return nil
}

// maxCommitRaces bounds how often a commit is re-applied after another
// writer (a heartbeat, a cancel request) bumped the record under it.
const maxCommitRaces = 5

// swapOwned applies m to the running attempt held by this executor. A
// plain ErrStoreConflict only means the version moved, so the record is
// re-read and m applied again while the attempt is still ours.
func (e *Executor) swapOwned(ctx context.Context, claimed *job.Record, m job.Mutation) (*job.Record, error) {
	guarded := job.Owned(e.workerID, claimed.AttemptCount, m)

	var err error
	for range maxCommitRaces {
		var next *job.Record
		next, err = e.store.CompareAndSwapState(ctx, claimed.ID, job.StateRunning, guarded)
		if !errors.Is(err, imgdispatch.ErrStoreConflict) {
			return next, err
		}

		cur, getErr := e.store.Get(ctx, claimed.ID)
		if getErr != nil {
			return nil, getErr
		}
		if cur.State != job.StateRunning {
			// Reaped and not yet claimed again.
			return nil, fmt.Errorf("%w: %s is %s", imgdispatch.ErrNotOwner, claimed.ID, cur.State)
		}
		e.logger.Debug("commit raced, retrying",
			slog.String("job_id", claimed.ID.String()),
			slog.Int64("version", cur.Version),
		)
	}
	return nil, err
}

func (e *Executor) startHeartbeat(ctx context.Context, claimed *job.Record) func() {
	if e.heartbeatInterval <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(e.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, err := e.store.CompareAndSwapState(ctx, claimed.ID, job.StateRunning,
					job.Owned(e.workerID, claimed.AttemptCount, job.Heartbeat(e.now())))
				if err != nil && ctx.Err() == nil {
					e.logger.Warn("heartbeat failed",
						slog.String("job_id", claimed.ID.String()),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}

func (e *Executor) discardOutput(ctx context.Context, claimed *job.Record, res *job.Result) {
	if res == nil || e.discard == nil {
		return
	}
	if err := e.discard(ctx, res); err != nil {
		e.logger.Warn("discard output failed",
			slog.String("job_id", claimed.ID.String()),
			slog.String("output", res.OutputRef),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Executor) emitStarted(ctx context.Context, r *job.Record) {
	if e.emitter != nil {
		e.emitter.EmitJobStarted(ctx, r)
	}
}

func (e *Executor) ack(ctx context.Context, d *broker.Delivery) error {
	if err := e.broker.Ack(ctx, d); err != nil {
		// The outcome is committed; a redelivery will be dropped.
		e.logger.Warn("ack failed",
			slog.String("job_id", d.JobID.String()),
			slog.String("delivery_id", d.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

func (e *Executor) nack(ctx context.Context, d *broker.Delivery) {
	if err := e.broker.Nack(ctx, d); err != nil {
		e.logger.Warn("nack failed",
			slog.String("job_id", d.JobID.String()),
			slog.String("delivery_id", d.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// Package scheduler moves jobs from the store onto the broker.
//
// Immediate jobs are dispatched synchronously by Schedule. Deferred jobs
// stay pending until a tick finds them due; ticks run every TickInterval,
// which bounds how late a deferred job can be dispatched. Each tick also
// repairs two crash windows: scheduled jobs nobody claimed for
// RedeliverAfter are enqueued again, and running jobs whose worker
// stopped heartbeating for StaleAfter are retried or failed.
//
// Every transition is a compare-and-swap against the store, so any number
// of scheduler instances may run side by side; losers of a race skip the
// job.
package scheduler

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
	"github.com/xraph/imgdispatch/job"
)

// Emitter receives scheduler lifecycle events. ext.Registry satisfies it.
type Emitter interface {
	EmitJobDispatched(ctx context.Context, r *job.Record)
	EmitJobRetrying(ctx context.Context, r *job.Record, attempt int, retryAt time.Time)
	EmitJobFailed(ctx context.Context, r *job.Record, err error)
	EmitJobCancelled(ctx context.Context, r *job.Record)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithEmitter sets the lifecycle event sink.
func WithEmitter(e Emitter) Option {
	return func(s *Scheduler) { s.emitter = e }
}

// WithTickInterval sets how often due, unclaimed and stale jobs are
// scanned.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithRedeliverAfter sets how long a scheduled job may wait unclaimed
// before it is enqueued again. Zero disables redelivery.
func WithRedeliverAfter(d time.Duration) Option {
	return func(s *Scheduler) { s.redeliverAfter = d }
}

// WithStaleAfter sets how long a running job may go without a heartbeat
// before its worker is presumed lost. Zero disables reaping.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Scheduler) { s.staleAfter = d }
}

// WithRetryBackoff sets the delay before a reaped job runs again.
func WithRetryBackoff(b backoff.Strategy) Option {
	return func(s *Scheduler) { s.retryBackoff = b }
}

// WithDeliveryRetries sets how many times a broker publish is attempted
// before the scheduler leaves the job for redelivery.
func WithDeliveryRetries(n int, b backoff.Strategy) Option {
	return func(s *Scheduler) {
		s.deliveryAttempts = n
		s.deliveryBackoff = b
	}
}

// WithBatchSize caps how many jobs a tick handles per scan.
func WithBatchSize(n int) Option {
	return func(s *Scheduler) { s.batchSize = n }
}

// Scheduler dispatches jobs to the broker.
type Scheduler struct {
	store   job.Store
	broker  broker.Broker
	emitter Emitter
	logger  *slog.Logger
	now     func() time.Time

	tickInterval     time.Duration
	redeliverAfter   time.Duration
	staleAfter       time.Duration
	batchSize        int
	retryBackoff     backoff.Strategy
	deliveryAttempts int
	deliveryBackoff  backoff.Strategy

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a Scheduler.
func New(store job.Store, b broker.Broker, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:            store,
		broker:           b,
		logger:           slog.Default(),
		now:              time.Now,
		tickInterval:     500 * time.Millisecond,
		redeliverAfter:   5 * time.Minute,
		staleAfter:       2 * time.Minute,
		batchSize:        100,
		retryBackoff:     backoff.DefaultStrategy(),
		deliveryAttempts: 3,
		deliveryBackoff:  backoff.NewExponential(50*time.Millisecond, time.Second),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule dispatches r now if it is due. A deferred job is left pending
// for a later tick.
func (s *Scheduler) Schedule(ctx context.Context, r *job.Record) error {
	if r.State != job.StatePending || !r.Due(s.now()) {
		return nil
	}
	return s.dispatch(ctx, r)
}

// dispatch moves a pending job to scheduled and publishes it. Losing the
// swap means another scheduler (or a cancellation) got there first.
func (s *Scheduler) dispatch(ctx context.Context, r *job.Record) error {
	next, err := s.store.CompareAndSwapState(ctx, r.ID, job.StatePending, job.MarkScheduled())
	switch {
	case errors.Is(err, imgdispatch.ErrStoreConflict), errors.Is(err, imgdispatch.ErrTerminalState):
		return nil
	case err != nil:
		return fmt.Errorf("scheduler: mark %s scheduled: %w", r.ID, err)
	}

	if err := s.publish(ctx, next, nil); err != nil {
		// The record is scheduled; the redelivery sweep picks it up.
		return err
	}
	if s.emitter != nil {
		s.emitter.EmitJobDispatched(ctx, next)
	}
	s.logger.Debug("job dispatched",
		slog.String("job_id", next.ID.String()),
		slog.String("queue", next.Queue),
		slog.Time("not_before", next.NotBefore),
	)
	return nil
}

// publish enqueues r, retrying transient broker failures. These retries
// never count against the job's attempts.
func (s *Scheduler) publish(ctx context.Context, r *job.Record, at *time.Time) error {
	err := backoff.Do(ctx, s.deliveryBackoff, s.deliveryAttempts, func(ctx context.Context) error {
		if at != nil && at.After(s.now()) {
			return s.broker.EnqueueAt(ctx, r.Queue, r.ID, *at)
		}
		return s.broker.Enqueue(ctx, r.Queue, r.ID)
	})
	if err != nil {
		s.logger.Warn("enqueue failed, leaving job for redelivery",
			slog.String("job_id", r.ID.String()),
			slog.String("queue", r.Queue),
			slog.String("error", err.Error()),
		)
		if !errors.Is(err, imgdispatch.ErrDeliveryFailure) {
			err = fmt.Errorf("%w: %w", imgdispatch.ErrDeliveryFailure, err)
		}
		return err
	}
	return nil
}

// Tick runs one scan: dispatch due pending jobs, redeliver unclaimed
// scheduled jobs, then reap running jobs whose worker went silent.
func (s *Scheduler) Tick(ctx context.Context) error {
	return errors.Join(
		s.dispatchDue(ctx),
		s.redeliver(ctx),
		s.reap(ctx),
	)
}

func (s *Scheduler) dispatchDue(ctx context.Context) error {
	due, err := s.store.ListByState(ctx, job.StatePending, s.now(), s.batchSize)
	if err != nil {
		return fmt.Errorf("scheduler: list due: %w", err)
	}

	var errs []error
	for _, r := range due {
		if err := s.dispatch(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) redeliver(ctx context.Context) error {
	if s.redeliverAfter <= 0 {
		return nil
	}
	idle, err := s.store.ListByState(ctx, job.StateScheduled, s.now().Add(-s.redeliverAfter), s.batchSize)
	if err != nil {
		return fmt.Errorf("scheduler: list unclaimed: %w", err)
	}

	var errs []error
	for _, r := range idle {
		// Touch first so a concurrent scheduler skips this job for another
		// RedeliverAfter.
		next, err := s.store.CompareAndSwapState(ctx, r.ID, job.StateScheduled, job.Touch())
		switch {
		case errors.Is(err, imgdispatch.ErrStoreConflict), errors.Is(err, imgdispatch.ErrTerminalState):
			continue
		case err != nil:
			errs = append(errs, fmt.Errorf("scheduler: touch %s: %w", r.ID, err))
			continue
		}

		s.logger.Info("redelivering unclaimed job",
			slog.String("job_id", next.ID.String()),
			slog.String("queue", next.Queue),
			slog.Time("idle_since", r.IndexTime()),
		)
		if err := s.publish(ctx, next, next.RetryAt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var errNotStale = errors.New("scheduler: job heartbeat is fresh")

func (s *Scheduler) reap(ctx context.Context) error {
	if s.staleAfter <= 0 {
		return nil
	}
	now := s.now()
	cutoff := now.Add(-s.staleAfter)
	stale, err := s.store.ListByState(ctx, job.StateRunning, cutoff, s.batchSize)
	if err != nil {
		return fmt.Errorf("scheduler: list stale: %w", err)
	}

	var errs []error
	for _, r := range stale {
		cause := fmt.Sprintf("worker %s lost: no heartbeat since %s", r.WorkerID, r.IndexTime().Format(time.RFC3339))
		next, err := s.store.CompareAndSwapState(ctx, r.ID, job.StateRunning, func(cur *job.Record) error {
			// A heartbeat may have landed since the scan.
			if cur.IndexTime().After(cutoff) {
				return errNotStale
			}
			// The lost attempt was already cancelled; nothing may run it again.
			if cur.CancelRequested {
				return job.Cancel("cancelled while running", now)(cur)
			}
			if cur.AttemptCount >= cur.MaxAttempts {
				return job.Fail(cause, now)(cur)
			}
			return job.Retry(now.Add(s.retryBackoff.Delay(cur.AttemptCount)), cause)(cur)
		})
		switch {
		case errors.Is(err, errNotStale),
			errors.Is(err, imgdispatch.ErrStoreConflict),
			errors.Is(err, imgdispatch.ErrTerminalState):
			continue
		case err != nil:
			errs = append(errs, fmt.Errorf("scheduler: reap %s: %w", r.ID, err))
			continue
		}

		if next.State == job.StateCancelled {
			s.logger.Info("reaped job cancelled",
				slog.String("job_id", next.ID.String()),
				slog.Int("attempt", next.AttemptCount),
			)
			if s.emitter != nil {
				s.emitter.EmitJobCancelled(ctx, next)
			}
			continue
		}

		if next.State == job.StateFailed {
			s.logger.Warn("reaped job failed, no attempts left",
				slog.String("job_id", next.ID.String()),
				slog.Int("attempts", next.AttemptCount),
			)
			if s.emitter != nil {
				s.emitter.EmitJobFailed(ctx, next, errors.New(cause))
			}
			continue
		}

		s.logger.Info("reaped job scheduled for retry",
			slog.String("job_id", next.ID.String()),
			slog.Int("attempt", next.AttemptCount),
			slog.Time("retry_at", *next.RetryAt),
		)
		if s.emitter != nil {
			s.emitter.EmitJobRetrying(ctx, next, next.AttemptCount, *next.RetryAt)
		}
		if err := s.publish(ctx, next, next.RetryAt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Start launches the tick loop. It returns immediately.
func (s *Scheduler) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.tickLoop()

	s.logger.Info("scheduler started",
		slog.Duration("tick_interval", s.tickInterval),
		slog.Duration("redeliver_after", s.redeliverAfter),
		slog.Duration("stale_after", s.staleAfter),
	)
	return nil
}

// Stop signals the tick loop to stop and waits for the current tick.
func (s *Scheduler) Stop(_ context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stopCh
		cancel()
	}()

	for {
		if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduler tick", slog.String("error", err.Error()))
		}
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
	}
}

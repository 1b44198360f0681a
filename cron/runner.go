package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/xraph/imgdispatch"
	"github.com/xraph/imgdispatch/id"
	"github.com/xraph/imgdispatch/job"
)

// SubmitFunc persists a new pending record and hands it to the scheduler.
// The engine provides the implementation.
type SubmitFunc func(ctx context.Context, r *job.Record) error

// Emitter emits cron lifecycle events.
// ext.Registry satisfies this interface via EmitCronFired.
type Emitter interface {
	EmitCronFired(ctx context.Context, entryName string, jobID id.JobID)
}

// Option configures a Runner.
type Option func(*Runner)

// WithEmitter sets the event sink for fires.
func WithEmitter(e Emitter) Option {
	return func(r *Runner) { r.emitter = e }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithTickInterval sets how often the runner checks for due entries.
func WithTickInterval(d time.Duration) Option {
	return func(r *Runner) { r.tickInterval = d }
}

// WithLocation sets the zone cron expressions are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(r *Runner) { r.location = loc }
}

// WithQueue sets the queue for entries that do not name one.
func WithQueue(q string) Option {
	return func(r *Runner) { r.queue = q }
}

// WithMaxAttempts sets the attempt budget of submitted jobs.
func WithMaxAttempts(n int) Option {
	return func(r *Runner) { r.maxAttempts = n }
}

type scheduled struct {
	entry    Entry
	schedule cronlib.Schedule
	next     time.Time
}

// Runner submits jobs for its entries as they come due.
type Runner struct {
	submit  SubmitFunc
	emitter Emitter
	logger  *slog.Logger
	now     func() time.Time

	tickInterval time.Duration
	location     *time.Location
	queue        string
	maxAttempts  int

	mu      sync.Mutex
	entries map[string]*scheduled

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewRunner creates a Runner.
func NewRunner(submit SubmitFunc, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		submit:       submit,
		logger:       logger,
		now:          time.Now,
		tickInterval: time.Second,
		location:     time.UTC,
		queue:        "default",
		maxAttempts:  3,
		entries:      make(map[string]*scheduled),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers e. Its first fire is the first schedule instant after the
// start of the current minute, so runners started at different times agree
// on fire instants.
func (r *Runner) Add(e Entry) error {
	if err := e.validate(); err != nil {
		return err
	}
	sched, err := ParseSchedule(e.Schedule)
	if err != nil {
		return fmt.Errorf("cron entry %q: %w", e.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e.Name]; ok {
		return fmt.Errorf("cron: entry %q already registered", e.Name)
	}
	anchor := r.now().In(r.location).Truncate(time.Minute)
	r.entries[e.Name] = &scheduled{entry: e, schedule: sched, next: sched.Next(anchor)}
	return nil
}

// Entries returns the registered entries sorted by name.
func (r *Runner) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, s := range r.entries {
		out = append(out, s.entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Tick submits a job for every entry whose fire instant has passed.
func (r *Runner) Tick(ctx context.Context) error {
	now := r.now().In(r.location)

	type fire struct {
		s  *scheduled
		at time.Time
	}
	var due []fire

	r.mu.Lock()
	for _, s := range r.entries {
		if s.next.IsZero() || s.next.After(now) {
			continue
		}
		// Collapse missed fires into the latest one.
		at := s.next
		for next := s.schedule.Next(at); !next.IsZero() && !next.After(now); next = s.schedule.Next(next) {
			at = next
		}
		due = append(due, fire{s: s, at: at})
	}
	r.mu.Unlock()

	// An entry only moves on once its fire is in the store; a failed
	// submit is retried next tick under the same fire id.
	var errs []error
	for _, f := range due {
		if err := r.fire(ctx, f.s.entry, f.at); err != nil {
			errs = append(errs, err)
			continue
		}
		r.mu.Lock()
		if !f.s.next.After(f.at) {
			f.s.next = f.s.schedule.Next(f.at)
		}
		r.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (r *Runner) fire(ctx context.Context, e Entry, at time.Time) error {
	queue := e.Queue
	if queue == "" {
		queue = r.queue
	}
	rec := job.New(job.KindProcessImage, queue, e.InputRef, e.Params, r.maxAttempts, at, r.now())
	rec.ID = FireID(e.Name, at)

	err := r.submit(ctx, rec)
	switch {
	case errors.Is(err, imgdispatch.ErrJobAlreadyExists):
		r.logger.Debug("cron fire already submitted",
			slog.String("cron_name", e.Name),
			slog.Time("fire_at", at),
		)
		return nil
	case err != nil:
		r.logger.Error("cron submit error",
			slog.String("cron_name", e.Name),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("cron entry %q: %w", e.Name, err)
	}

	r.logger.Info("cron fired",
		slog.String("cron_name", e.Name),
		slog.String("job_id", rec.ID.String()),
		slog.Time("fire_at", at),
	)
	if r.emitter != nil {
		r.emitter.EmitCronFired(ctx, e.Name, rec.ID)
	}
	return nil
}

// Start launches the tick goroutine.
func (r *Runner) Start(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	r.running = true
	r.stopCh = make(chan struct{})

	r.wg.Add(1)
	go r.tickLoop(r.stopCh)
	r.logger.Info("cron runner started",
		slog.Int("entries", len(r.entries)),
		slog.Duration("tick_interval", r.tickInterval),
	)
	return nil
}

// Stop signals the runner to stop and waits for the tick goroutine.
func (r *Runner) Stop(_ context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("cron runner stopped")
	return nil
}

func (r *Runner) tickLoop(stopCh <-chan struct{}) {
	defer r.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stopCh
		cancel()
	}()

	ticker := time.NewTicker(r.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil {
				r.logger.Warn("cron tick", slog.String("error", err.Error()))
			}
		}
	}
}

package scheduler_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xraph/imgdispatch"
	"github.com/xraph/imgdispatch/backoff"
	"github.com/xraph/imgdispatch/broker"
	brokermem "github.com/xraph/imgdispatch/broker/memory"
	"github.com/xraph/imgdispatch/id"
	"github.com/xraph/imgdispatch/job"
	"github.com/xraph/imgdispatch/scheduler"
	storemem "github.com/xraph/imgdispatch/store/memory"
)

const queue = "high_priority"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	clock  *clock
	store  *storemem.Store
	broker *brokermem.Broker
	sched  *scheduler.Scheduler
}

func newFixture(t *testing.T, opts ...scheduler.Option) *fixture {
	t.Helper()
	c := &clock{now: time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)}
	f := &fixture{
		clock:  c,
		store:  storemem.New(storemem.WithClock(c.Now)),
		broker: brokermem.New(),
	}
	opts = append([]scheduler.Option{
		scheduler.WithClock(c.Now),
		scheduler.WithRetryBackoff(backoff.NewConstant(5 * time.Second)),
	}, opts...)
	f.sched = scheduler.New(f.store, f.broker, opts...)
	t.Cleanup(func() { _ = f.broker.Close() })
	return f
}

func (f *fixture) create(t *testing.T, notBefore time.Time) *job.Record {
	t.Helper()
	r := job.New(job.KindProcessImage, queue, "uploads/cat.png", job.DefaultParams(), 3, notBefore, f.clock.Now())
	if err := f.store.Create(context.Background(), r); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return r
}

func (f *fixture) get(t *testing.T, jobID id.JobID) *job.Record {
	t.Helper()
	r, err := f.store.Get(context.Background(), jobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return r
}

func (f *fixture) claim(t *testing.T, r *job.Record) *job.Record {
	t.Helper()
	ctx := context.Background()
	if _, err := f.store.CompareAndSwapState(ctx, r.ID, job.StatePending, job.MarkScheduled()); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	claimed, err := f.store.CompareAndSwapState(ctx, r.ID, job.StateScheduled, job.Claim(id.NewWorkerID(), f.clock.Now()))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return claimed
}

func TestScheduleImmediate(t *testing.T) {
	f := newFixture(t)
	r := f.create(t, time.Time{})

	if err := f.sched.Schedule(context.Background(), r); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if got := f.get(t, r.ID).State; got != job.StateScheduled {
		t.Errorf("state = %s, want scheduled", got)
	}
	if n := f.broker.Len(queue); n != 1 {
		t.Errorf("broker holds %d deliveries, want 1", n)
	}

	// A second Schedule of the stale pending copy is a no-op.
	if err := f.sched.Schedule(context.Background(), r); err != nil {
		t.Fatalf("second Schedule: %v", err)
	}
	if n := f.broker.Len(queue); n != 1 {
		t.Errorf("broker holds %d deliveries after repeat, want 1", n)
	}
}

func TestDeferredWaitsForNotBefore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	notBefore := f.clock.Now().Add(time.Hour)
	r := f.create(t, notBefore)

	if err := f.sched.Schedule(ctx, r); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	f.clock.Advance(59 * time.Minute)
	if err := f.sched.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := f.get(t, r.ID).State; got != job.StatePending {
		t.Fatalf("state before not_before = %s, want pending", got)
	}
	if n := f.broker.Len(queue); n != 0 {
		t.Fatalf("dispatched before not_before: %d deliveries", n)
	}

	f.clock.Advance(time.Minute)
	if err := f.sched.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	got := f.get(t, r.ID)
	if got.State != job.StateScheduled {
		t.Fatalf("state at not_before = %s, want scheduled", got.State)
	}
	if got.UpdatedAt.Before(notBefore) {
		t.Errorf("dispatched at %s, before not_before %s", got.UpdatedAt, notBefore)
	}
	if n := f.broker.Len(queue); n != 1 {
		t.Errorf("broker holds %d deliveries, want 1", n)
	}
}

func TestConcurrentSchedulersDispatchOnce(t *testing.T) {
	f := newFixture(t)
	other := scheduler.New(f.store, f.broker, scheduler.WithClock(f.clock.Now))
	ctx := context.Background()

	const jobs = 20
	for range jobs {
		f.create(t, f.clock.Now().Add(time.Second))
	}
	f.clock.Advance(time.Second)

	var wg sync.WaitGroup
	for _, s := range []*scheduler.Scheduler{f.sched, other, f.sched, other} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Tick(ctx); err != nil {
				t.Errorf("Tick: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := f.broker.Len(queue); n != jobs {
		t.Fatalf("broker holds %d deliveries, want exactly %d", n, jobs)
	}
}

func TestRedeliversUnclaimedJob(t *testing.T) {
	f := newFixture(t, scheduler.WithRedeliverAfter(time.Minute))
	ctx := context.Background()
	r := f.create(t, time.Time{})
	if err := f.sched.Schedule(ctx, r); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	// The first delivery is lost with its consumer.
	d, err := f.broker.Dequeue(ctx, queue)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := f.broker.Ack(ctx, d); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	f.clock.Advance(30 * time.Second)
	if err := f.sched.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n := f.broker.Len(queue); n != 0 {
		t.Fatalf("redelivered too early: %d deliveries", n)
	}

	f.clock.Advance(31 * time.Second)
	if err := f.sched.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n := f.broker.Len(queue); n != 1 {
		t.Fatalf("broker holds %d deliveries, want 1 redelivery", n)
	}

	// The touch pushes the next redelivery a full interval out.
	if err := f.sched.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n := f.broker.Len(queue); n != 1 {
		t.Fatalf("broker holds %d deliveries, want still 1", n)
	}
}

func TestReaperRetriesLostWorker(t *testing.T) {
	f := newFixture(t, scheduler.WithStaleAfter(2*time.Minute))
	ctx := context.Background()
	r := f.claim(t, f.create(t, time.Time{}))

	f.clock.Advance(time.Minute)
	if err := f.sched.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := f.get(t, r.ID).State; got != job.StateRunning {
		t.Fatalf("reaped a live job: state %s", got)
	}

	f.clock.Advance(90 * time.Second)
	if err := f.sched.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	got := f.get(t, r.ID)
	if got.State != job.StateScheduled {
		t.Fatalf("state = %s, want scheduled", got.State)
	}
	if got.RetryAt == nil || !got.RetryAt.Equal(f.clock.Now().Add(5*time.Second)) {
		t.Errorf("retry_at = %v, want now+5s", got.RetryAt)
	}
	if !strings.Contains(got.LastError, "lost") {
		t.Errorf("last_error = %q", got.LastError)
	}
	if got.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, reaping must not consume an attempt", got.AttemptCount)
	}
	if n := f.broker.Len(queue); n != 1 {
		t.Errorf("broker holds %d deliveries, want 1 delayed retry", n)
	}
}

func TestReaperFailsExhaustedJob(t *testing.T) {
	f := newFixture(t, scheduler.WithStaleAfter(time.Minute))
	ctx := context.Background()
	r := f.create(t, time.Time{})

	// Burn every attempt; the last one is left running.
	worker := id.NewWorkerID()
	if _, err := f.store.CompareAndSwapState(ctx, r.ID, job.StatePending, job.MarkScheduled()); err != nil {
		t.Fatal(err)
	}
	for attempt := 1; attempt <= 3; attempt++ {
		if _, err := f.store.CompareAndSwapState(ctx, r.ID, job.StateScheduled, job.Claim(worker, f.clock.Now())); err != nil {
			t.Fatalf("claim %d: %v", attempt, err)
		}
		if attempt < 3 {
			if _, err := f.store.CompareAndSwapState(ctx, r.ID, job.StateRunning, job.Retry(f.clock.Now(), "boom")); err != nil {
				t.Fatalf("retry %d: %v", attempt, err)
			}
		}
	}

	f.clock.Advance(2 * time.Minute)
	if err := f.sched.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	got := f.get(t, r.ID)
	if got.State != job.StateFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
	if !strings.Contains(got.Error, "lost") {
		t.Errorf("error = %q", got.Error)
	}
	if n := f.broker.Len(queue); n != 0 {
		t.Errorf("failed job was enqueued: %d deliveries", n)
	}
}

type flakyBroker struct {
	broker.Broker
	mu       sync.Mutex
	failures int
}

func (b *flakyBroker) Enqueue(ctx context.Context, queue string, jobID id.JobID) error {
	b.mu.Lock()
	if b.failures > 0 {
		b.failures--
		b.mu.Unlock()
		return errors.New("connection reset")
	}
	b.mu.Unlock()
	return b.Broker.Enqueue(ctx, queue, jobID)
}

func TestDeliveryFailuresAreRetried(t *testing.T) {
	c := &clock{now: time.Now().UTC()}
	store := storemem.New(storemem.WithClock(c.Now))
	mem := brokermem.New()
	defer mem.Close()

	flaky := &flakyBroker{Broker: mem, failures: 2}
	s := scheduler.New(store, flaky,
		scheduler.WithClock(c.Now),
		scheduler.WithDeliveryRetries(3, backoff.NewConstant(time.Millisecond)),
	)

	r := job.New(job.KindProcessImage, queue, "in.png", job.DefaultParams(), 3, time.Time{}, c.Now())
	if err := store.Create(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	if err := s.Schedule(context.Background(), r); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if n := mem.Len(queue); n != 1 {
		t.Fatalf("broker holds %d deliveries, want 1", n)
	}
	got, _ := store.Get(context.Background(), r.ID)
	if got.AttemptCount != 0 {
		t.Errorf("delivery retries consumed attempts: %d", got.AttemptCount)
	}

	flaky.failures = 5
	r2 := job.New(job.KindProcessImage, queue, "in.png", job.DefaultParams(), 3, time.Time{}, c.Now())
	if err := store.Create(context.Background(), r2); err != nil {
		t.Fatal(err)
	}
	err := s.Schedule(context.Background(), r2)
	if !errors.Is(err, imgdispatch.ErrDeliveryFailure) {
		t.Fatalf("expected ErrDeliveryFailure, got %v", err)
	}
	if got, _ := store.Get(context.Background(), r2.ID); got.State != job.StateScheduled {
		t.Errorf("undelivered job should stay scheduled for redelivery, got %s", got.State)
	}
}

func TestStartDispatchesWithinLag(t *testing.T) {
	store := storemem.New()
	mem := brokermem.New()
	defer mem.Close()

	s := scheduler.New(store, mem, scheduler.WithTickInterval(100*time.Millisecond))
	notBefore := time.Now().Add(300 * time.Millisecond)
	r := job.New(job.KindProcessImage, queue, "in.png", job.DefaultParams(), 3, notBefore, time.Now())
	if err := store.Create(context.Background(), r); err != nil {
		t.Fatal(err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = s.Stop(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d, err := mem.Dequeue(ctx, queue)
	if err != nil {
		t.Fatalf("job never dispatched: %v", err)
	}
	dispatchedAt := d.EnqueuedAt
	if dispatchedAt.Before(r.NotBefore) {
		t.Errorf("dispatched at %s, before not_before %s", dispatchedAt, r.NotBefore)
	}
	if lag := dispatchedAt.Sub(r.NotBefore); lag > imgdispatch.MaxDispatchLag {
		t.Errorf("dispatch lag %s exceeds %s", lag, imgdispatch.MaxDispatchLag)
	}
}

type cancelRecorder struct {
	mu        sync.Mutex
	cancelled []id.JobID
	retrying  int
}

func (*cancelRecorder) EmitJobDispatched(context.Context, *job.Record) {}

func (c *cancelRecorder) EmitJobRetrying(context.Context, *job.Record, int, time.Time) {
	c.mu.Lock()
	c.retrying++
	c.mu.Unlock()
}

func (*cancelRecorder) EmitJobFailed(context.Context, *job.Record, error) {}

func (c *cancelRecorder) EmitJobCancelled(_ context.Context, r *job.Record) {
	c.mu.Lock()
	c.cancelled = append(c.cancelled, r.ID)
	c.mu.Unlock()
}

func TestReaperCancelsFlaggedJob(t *testing.T) {
	events := &cancelRecorder{}
	f := newFixture(t, scheduler.WithStaleAfter(2*time.Minute), scheduler.WithEmitter(events))
	ctx := context.Background()
	r := f.claim(t, f.create(t, time.Time{}))
	if _, err := f.store.CompareAndSwapState(ctx, r.ID, job.StateRunning, job.RequestCancel()); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}

	// The worker dies before it can commit.
	f.clock.Advance(10 * time.Minute)
	if err := f.sched.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	got := f.get(t, r.ID)
	if got.State != job.StateCancelled {
		t.Fatalf("state = %s, want cancelled", got.State)
	}
	if got.Result != nil {
		t.Errorf("cancelled job carries a result: %+v", got.Result)
	}
	if n := f.broker.Len(queue); n != 0 {
		t.Errorf("cancelled job was enqueued: %d deliveries", n)
	}
	events.mu.Lock()
	defer events.mu.Unlock()
	if len(events.cancelled) != 1 || events.cancelled[0] != r.ID || events.retrying != 0 {
		t.Errorf("cancelled events = %v, retrying events = %d", events.cancelled, events.retrying)
	}
}

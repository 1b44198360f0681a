package worker_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/imgdispatch/backoff"
	"github.com/xraph/imgdispatch/broker"
	brokermem "github.com/xraph/imgdispatch/broker/memory"
	"github.com/xraph/imgdispatch/id"
	"github.com/xraph/imgdispatch/job"
	"github.com/xraph/imgdispatch/middleware"
	"github.com/xraph/imgdispatch/queue"
	storemem "github.com/xraph/imgdispatch/store/memory"
	"github.com/xraph/imgdispatch/worker"
)

const testQueue = "high_priority"

type recorder struct {
	mu        sync.Mutex
	started   int
	succeeded int
	retrying  []int
	failed    []error
	cancelled int
}

func (r *recorder) EmitJobStarted(context.Context, *job.Record) {
	r.mu.Lock()
	r.started++
	r.mu.Unlock()
}

func (r *recorder) EmitJobSucceeded(context.Context, *job.Record, time.Duration) {
	r.mu.Lock()
	r.succeeded++
	r.mu.Unlock()
}

func (r *recorder) EmitJobRetrying(_ context.Context, _ *job.Record, attempt int, _ time.Time) {
	r.mu.Lock()
	r.retrying = append(r.retrying, attempt)
	r.mu.Unlock()
}

func (r *recorder) EmitJobFailed(_ context.Context, _ *job.Record, err error) {
	r.mu.Lock()
	r.failed = append(r.failed, err)
	r.mu.Unlock()
}

func (r *recorder) EmitJobCancelled(context.Context, *job.Record) {
	r.mu.Lock()
	r.cancelled++
	r.mu.Unlock()
}

type harness struct {
	store    *storemem.Store
	broker   *brokermem.Broker
	registry *job.Registry
	events   *recorder
	logger   *slog.Logger

	discardMu sync.Mutex
	discarded []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    storemem.New(),
		broker:   brokermem.New(),
		registry: job.NewRegistry(),
		events:   &recorder{},
		logger:   slog.Default(),
	}
	t.Cleanup(func() { _ = h.broker.Close() })
	return h
}

func (h *harness) register(t *testing.T, fn job.HandlerFunc, opts ...job.Option) {
	t.Helper()
	if err := h.registry.Register(job.NewDefinition(job.KindProcessImage, fn, opts...)); err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func (h *harness) executor(opts ...worker.ExecutorOption) *worker.Executor {
	return h.executorOn(h.store, opts...)
}

// executorOn builds an executor that reads and writes records through s.
func (h *harness) executorOn(s job.Store, opts ...worker.ExecutorOption) *worker.Executor {
	opts = append([]worker.ExecutorOption{
		worker.WithEmitter(h.events),
		worker.WithBackoff(backoff.NewConstant(10 * time.Millisecond)),
		worker.WithMiddleware(middleware.Recover(h.logger)),
		worker.WithHeartbeatInterval(0),
		worker.WithDiscard(func(_ context.Context, res *job.Result) error {
			h.discardMu.Lock()
			h.discarded = append(h.discarded, res.OutputRef)
			h.discardMu.Unlock()
			return nil
		}),
	}, opts...)
	return worker.NewExecutor(s, h.broker, h.registry, h.logger, opts...)
}

// dispatch creates a job and moves it onto the broker the way the
// scheduler does.
func (h *harness) dispatch(t *testing.T) *job.Record {
	t.Helper()
	ctx := context.Background()
	r := job.New(job.KindProcessImage, testQueue, "uploads/cat.png", job.DefaultParams(), 3, time.Time{}, time.Now())
	if err := h.store.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := h.store.CompareAndSwapState(ctx, r.ID, job.StatePending, job.MarkScheduled()); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := h.broker.Enqueue(ctx, testQueue, r.ID); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return r
}

func (h *harness) get(t *testing.T, jobID id.JobID) *job.Record {
	t.Helper()
	r, err := h.store.Get(context.Background(), jobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return r
}

func (h *harness) dequeue(t *testing.T) *broker.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := h.broker.Dequeue(ctx, testQueue)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	return d
}

func (h *harness) waitTerminal(t *testing.T, jobID id.JobID) *job.Record {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r := h.get(t, jobID); r.State.Terminal() {
			return r
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal state", jobID)
	return nil
}

func okResult(r *job.Record) *job.Result {
	return &job.Result{
		Status:      "completed",
		OriginalRef: r.InputRef,
		OutputRef:   fmt.Sprintf("processed/%s/%d/processed_cat.png", r.ID, r.AttemptCount),
		Size:        1024,
		Dimensions:  [2]int{r.Params.Width, r.Params.Height},
		Format:      "PNG",
	}
}

func startPool(t *testing.T, h *harness, exec *worker.Executor, opts ...worker.PoolOption) *worker.Pool {
	t.Helper()
	opts = append([]worker.PoolOption{
		worker.WithPoolConcurrency(2),
		worker.WithPoolQueues([]string{testQueue}),
		worker.WithPollInterval(10 * time.Millisecond),
	}, opts...)
	pool := worker.NewPool(h.broker, exec, h.logger, opts...)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	})
	return pool
}

func TestPool_StartStop(t *testing.T) {
	h := newHarness(t)
	pool := worker.NewPool(h.broker, h.executor(), h.logger, worker.WithPoolQueues([]string{testQueue}))

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	// Double start is a no-op.
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected double-start error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("unexpected double-stop error: %v", err)
	}
}

func TestPool_RestartAfterStop(t *testing.T) {
	h := newHarness(t)
	h.register(t, func(_ context.Context, r *job.Record) (*job.Result, error) {
		return okResult(r), nil
	})
	pool := worker.NewPool(h.broker, h.executor(), h.logger,
		worker.WithPoolQueues([]string{testQueue}),
		worker.WithPollInterval(10*time.Millisecond),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if err := pool.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	t.Cleanup(func() { _ = pool.Stop(context.Background()) })

	r := h.dispatch(t)
	if got := h.waitTerminal(t, r.ID); got.State != job.StateSucceeded {
		t.Fatalf("state after restart = %s, want succeeded", got.State)
	}
}

func TestPool_ProcessesJob(t *testing.T) {
	h := newHarness(t)
	h.register(t, func(_ context.Context, r *job.Record) (*job.Result, error) {
		return okResult(r), nil
	})
	startPool(t, h, h.executor())

	r := h.dispatch(t)
	got := h.waitTerminal(t, r.ID)

	if got.State != job.StateSucceeded {
		t.Fatalf("state = %s (error %q)", got.State, got.Error)
	}
	if got.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", got.AttemptCount)
	}
	if got.Result.Dimensions != [2]int{800, 600} {
		t.Errorf("Dimensions = %v", got.Result.Dimensions)
	}
}

func TestPool_TransientFailuresThenSuccess(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.register(t, func(_ context.Context, r *job.Record) (*job.Result, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("storage temporarily unavailable")
		}
		return okResult(r), nil
	})
	startPool(t, h, h.executor())

	r := h.dispatch(t)
	got := h.waitTerminal(t, r.ID)

	if got.State != job.StateSucceeded {
		t.Fatalf("state = %s (error %q)", got.State, got.Error)
	}
	if got.AttemptCount != 3 {
		t.Errorf("AttemptCount = %d, want 3", got.AttemptCount)
	}
	if got.Error != "" {
		t.Errorf("Error = %q, want empty", got.Error)
	}

	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	if len(h.events.retrying) != 2 || h.events.retrying[0] != 1 || h.events.retrying[1] != 2 {
		t.Errorf("retrying events = %v, want [1 2]", h.events.retrying)
	}
	if h.events.succeeded != 1 {
		t.Errorf("succeeded events = %d, want 1", h.events.succeeded)
	}
}

func TestPool_FailedJob(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.register(t, func(context.Context, *job.Record) (*job.Result, error) {
		calls.Add(1)
		return nil, errors.New("cannot identify image file")
	})
	startPool(t, h, h.executor())

	r := h.dispatch(t)
	got := h.waitTerminal(t, r.ID)

	if got.State != job.StateFailed {
		t.Fatalf("state = %s", got.State)
	}
	if got.AttemptCount != 3 {
		t.Errorf("AttemptCount = %d, want 3", got.AttemptCount)
	}
	if got.Error != "cannot identify image file" {
		t.Errorf("Error = %q", got.Error)
	}
	if got.Result != nil {
		t.Errorf("failed job carries a result: %+v", got.Result)
	}

	// No fourth attempt shows up later.
	time.Sleep(50 * time.Millisecond)
	if n := calls.Load(); n != 3 {
		t.Errorf("handler ran %d times, want 3", n)
	}

	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	if len(h.events.failed) != 1 {
		t.Fatalf("failed events = %d, want 1", len(h.events.failed))
	}
}

func TestPool_RecoversPanics(t *testing.T) {
	h := newHarness(t)
	h.register(t, func(context.Context, *job.Record) (*job.Result, error) {
		panic("decoder exploded")
	})
	startPool(t, h, h.executor())

	r := h.dispatch(t)
	got := h.waitTerminal(t, r.ID)
	if got.State != job.StateFailed {
		t.Fatalf("state = %s", got.State)
	}
}

func TestPool_GracefulShutdown(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	h.register(t, func(ctx context.Context, r *job.Record) (*job.Result, error) {
		close(started)
		select {
		case <-time.After(100 * time.Millisecond):
			return okResult(r), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	pool := worker.NewPool(h.broker, h.executor(), h.logger,
		worker.WithPoolQueues([]string{testQueue}),
		worker.WithPoolConcurrency(1),
	)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	r := h.dispatch(t)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// The in-flight attempt was allowed to commit.
	if got := h.get(t, r.ID); got.State != job.StateSucceeded {
		t.Errorf("state = %s, want succeeded", got.State)
	}
	if n := h.broker.InFlight(testQueue); n != 0 {
		t.Errorf("InFlight = %d, want 0", n)
	}
}

func TestPool_ShutdownTimeoutCancelsAttempt(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	h.register(t, func(ctx context.Context, _ *job.Record) (*job.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	pool := worker.NewPool(h.broker, h.executor(), h.logger,
		worker.WithPoolQueues([]string{testQueue}),
		worker.WithPoolConcurrency(1),
	)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	r := h.dispatch(t)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	got := h.get(t, r.ID)
	if got.State != job.StateScheduled {
		t.Fatalf("state = %s, want scheduled for retry", got.State)
	}
	if got.AttemptCount != 1 || got.LastError == "" {
		t.Errorf("AttemptCount = %d LastError = %q", got.AttemptCount, got.LastError)
	}
}

func TestPool_QueueManagerLimitsConcurrency(t *testing.T) {
	h := newHarness(t)
	var active, peak atomic.Int32
	h.register(t, func(_ context.Context, r *job.Record) (*job.Result, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return okResult(r), nil
	})
	qm := queue.NewManager(queue.Config{Name: testQueue, MaxConcurrency: 1})
	startPool(t, h, h.executor(), worker.WithPoolConcurrency(4), worker.WithQueueManager(qm))

	var ids []id.JobID
	for range 4 {
		ids = append(ids, h.dispatch(t).ID)
	}
	for _, jobID := range ids {
		if got := h.waitTerminal(t, jobID); got.State != job.StateSucceeded {
			t.Fatalf("job %s state = %s", jobID, got.State)
		}
	}
	if p := peak.Load(); p != 1 {
		t.Errorf("peak concurrency = %d, want 1", p)
	}
}

func (h *harness) executorWithHeartbeat(d time.Duration) *worker.Executor {
	return h.executor(worker.WithHeartbeatInterval(d))
}

func newExecutorWithStore(h *harness, s job.Store) *worker.Executor {
	return worker.NewExecutor(s, h.broker, h.registry, h.logger,
		worker.WithBackoff(backoff.NewConstant(10*time.Millisecond)),
		worker.WithHeartbeatInterval(0),
	)
}

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/imgdispatch"
	"github.com/xraph/imgdispatch/broker"
	"github.com/xraph/imgdispatch/id"
)

// QueueManager limits how many deliveries of a queue run at once and how
// fast they start. The pool calls Wait before executing a delivery and
// Release after it finishes.
type QueueManager interface {
	// Wait blocks until the queue has room for another job or ctx ends.
	Wait(ctx context.Context, queue string) error
	// Release frees the slot taken by Wait.
	Release(queue string)
}

// Pool runs a fixed number of slots. Each slot dequeues from one queue,
// runs the delivery through the Executor, and repeats.
type Pool struct {
	broker       broker.Broker
	executor     *Executor
	concurrency  int
	queues       []string
	pollInterval time.Duration
	logger       *slog.Logger

	queueManager QueueManager

	stopCh     chan struct{}
	cancelLoop context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	activeJobs map[id.DeliveryID]context.CancelFunc
	activeMu   sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of slots.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPoolQueues sets the queues the pool consumes. Slot i serves
// queues[i%len(queues)], so list a queue twice to give it more slots.
func WithPoolQueues(queues []string) PoolOption {
	return func(p *Pool) { p.queues = queues }
}

// WithPollInterval sets how long a slot backs off after a broker error.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithQueueManager sets the per-queue concurrency and rate limiter.
func WithQueueManager(m QueueManager) PoolOption {
	return func(p *Pool) { p.queueManager = m }
}

// NewPool creates a worker pool.
func NewPool(
	b broker.Broker,
	executor *Executor,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	p := &Pool{
		broker:       b,
		executor:     executor,
		concurrency:  4,
		queues:       []string{"default"},
		pollInterval: time.Second,
		logger:       logger,
		activeJobs:   make(map[id.DeliveryID]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.concurrency < 1 {
		p.concurrency = 1
	}
	return p
}

// WorkerID returns the identity the pool's executor claims jobs under.
func (p *Pool) WorkerID() id.WorkerID { return p.executor.WorkerID() }

// Start launches the slots. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	if len(p.queues) == 0 {
		return errors.New("worker: pool has no queues")
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.WorkerID().String()),
		slog.Int("concurrency", p.concurrency),
		slog.Any("queues", p.queues),
	)

	// Each run gets its own stop channel so the pool can be restarted.
	p.stopCh = make(chan struct{})
	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancelLoop = cancel
	for i := range p.concurrency {
		p.wg.Add(1)
		go p.dequeueLoop(loopCtx, p.stopCh, p.queues[i%len(p.queues)])
	}
	return nil
}

// Stop stops taking new deliveries and waits for running attempts to
// commit. When ctx ends first, running attempts are cancelled; their
// outcome is still committed as a failed attempt.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	stopCh, cancelLoop := p.stopCh, p.cancelLoop
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.WorkerID().String()))

	close(stopCh)
	cancelLoop()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelActiveJobs()
		<-done
	}
	return nil
}

// dequeueLoop is run by each slot. ctx is cancelled on Stop so a blocked
// Dequeue returns; attempts run on their own context.
func (p *Pool) dequeueLoop(ctx context.Context, stopCh <-chan struct{}, queue string) {
	defer p.wg.Done()

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		if p.queueManager != nil {
			if err := p.queueManager.Wait(ctx, queue); err != nil {
				continue
			}
		}

		d, err := p.broker.Dequeue(ctx, queue)
		if err != nil {
			p.release(queue)
			if ctx.Err() != nil || errors.Is(err, imgdispatch.ErrBrokerClosed) {
				return
			}
			p.logger.Error("dequeue error",
				slog.String("queue", queue),
				slog.String("error", err.Error()),
			)
			p.sleep(stopCh)
			continue
		}

		p.execute(d)
		p.release(queue)
	}
}

func (p *Pool) execute(d *broker.Delivery) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.trackJob(d.ID, cancel)
	defer p.untrackJob(d.ID)

	if err := p.executor.Execute(ctx, d); err != nil {
		p.logger.Debug("delivery not completed",
			slog.String("job_id", d.JobID.String()),
			slog.String("queue", d.Queue),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pool) release(queue string) {
	if p.queueManager != nil {
		p.queueManager.Release(queue)
	}
}

func (p *Pool) sleep(stopCh <-chan struct{}) {
	select {
	case <-time.After(p.pollInterval):
	case <-stopCh:
	}
}

func (p *Pool) trackJob(deliveryID id.DeliveryID, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[deliveryID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(deliveryID id.DeliveryID) {
	p.activeMu.Lock()
	delete(p.activeJobs, deliveryID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for deliveryID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.String("delivery_id", deliveryID.String()))
		cancel()
	}
}

// Package memory provides an in-process broker. It is intended for tests
// and single-process deployments: deliveries do not survive a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xraph/imgdispatch"
	"github.com/xraph/imgdispatch/broker"
	"github.com/xraph/imgdispatch/id"
)

// Compile-time interface check.
var _ broker.Broker = (*Broker)(nil)

type queue struct {
	ready       []broker.Message
	delayed     []broker.Message // sorted by NotBefore
	inflight    map[id.DeliveryID]broker.Message
	redelivered map[id.DeliveryID]bool
	wake        chan struct{}
}

func newQueue() *queue {
	return &queue{
		inflight:    make(map[id.DeliveryID]broker.Message),
		redelivered: make(map[id.DeliveryID]bool),
		wake:        make(chan struct{}),
	}
}

// signal wakes every Dequeue blocked on q.
func (q *queue) signal() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *queue) promote(now time.Time) {
	n := 0
	for n < len(q.delayed) && !q.delayed[n].NotBefore.After(now) {
		n++
	}
	if n == 0 {
		return
	}
	q.ready = append(q.ready, q.delayed[:n]...)
	q.delayed = append(q.delayed[:0:0], q.delayed[n:]...)
}

// Broker is an in-memory broker.Broker.
type Broker struct {
	mu      sync.Mutex
	queues  map[string]*queue
	closed  bool
	closeCh chan struct{}
}

// New returns an empty in-memory broker.
func New() *Broker {
	return &Broker{
		queues:  make(map[string]*queue),
		closeCh: make(chan struct{}),
	}
}

func (b *Broker) queue(name string) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = newQueue()
		b.queues[name] = q
	}
	return q
}

// Enqueue appends jobID to queue.
func (b *Broker) Enqueue(_ context.Context, queue string, jobID id.JobID) error {
	return b.publish(broker.NewMessage(queue, jobID, nil))
}

// EnqueueAt holds jobID until at, then appends it to queue.
func (b *Broker) EnqueueAt(_ context.Context, queue string, jobID id.JobID, at time.Time) error {
	at = at.UTC()
	return b.publish(broker.NewMessage(queue, jobID, &at))
}

func (b *Broker) publish(m broker.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("%w: %w", imgdispatch.ErrDeliveryFailure, imgdispatch.ErrBrokerClosed)
	}

	q := b.queue(m.Queue)
	if m.NotBefore != nil && m.NotBefore.After(time.Now()) {
		q.delayed = append(q.delayed, m)
		sort.SliceStable(q.delayed, func(i, j int) bool {
			return q.delayed[i].NotBefore.Before(*q.delayed[j].NotBefore)
		})
	} else {
		q.ready = append(q.ready, m)
	}
	q.signal()
	return nil
}

// Dequeue blocks until a delivery is available on queue or ctx ends.
func (b *Broker) Dequeue(ctx context.Context, queue string) (*broker.Delivery, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, imgdispatch.ErrBrokerClosed
		}

		q := b.queue(queue)
		now := time.Now()
		q.promote(now)

		if len(q.ready) > 0 {
			m := q.ready[0]
			q.ready = q.ready[1:]
			q.inflight[m.DeliveryID] = m
			redelivered := q.redelivered[m.DeliveryID]
			b.mu.Unlock()
			return m.Delivery(redelivered), nil
		}

		wake := q.wake
		var timer *time.Timer
		var due <-chan time.Time
		if len(q.delayed) > 0 {
			timer = time.NewTimer(q.delayed[0].NotBefore.Sub(now))
			due = timer.C
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return nil, ctx.Err()
		case <-b.closeCh:
			stopTimer(timer)
			return nil, imgdispatch.ErrBrokerClosed
		case <-wake:
		case <-due:
		}
		stopTimer(timer)
	}
}

// Ack removes the delivery permanently.
func (b *Broker) Ack(_ context.Context, d *broker.Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(d.Queue)
	if _, ok := q.inflight[d.ID]; !ok {
		return fmt.Errorf("%w: %s", imgdispatch.ErrUnknownDelivery, d.ID)
	}
	delete(q.inflight, d.ID)
	delete(q.redelivered, d.ID)
	return nil
}

// Nack returns the delivery to the back of its queue.
func (b *Broker) Nack(_ context.Context, d *broker.Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(d.Queue)
	m, ok := q.inflight[d.ID]
	if !ok {
		return fmt.Errorf("%w: %s", imgdispatch.ErrUnknownDelivery, d.ID)
	}
	delete(q.inflight, d.ID)
	q.redelivered[d.ID] = true
	q.ready = append(q.ready, m)
	q.signal()
	return nil
}

// Close unblocks every waiting consumer and rejects further calls.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.closeCh)
	}
	return nil
}

// Len returns the number of deliveries waiting on queue, delayed ones
// included.
func (b *Broker) Len(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(queue)
	return len(q.ready) + len(q.delayed)
}

// InFlight returns the number of unacknowledged deliveries on queue.
func (b *Broker) InFlight(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue(queue).inflight)
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

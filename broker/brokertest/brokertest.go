// Package brokertest holds behavioral tests every broker.Broker adapter
// must pass. Adapter packages call Run from their own tests.
package brokertest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/imgdispatch/broker"
	"github.com/xraph/imgdispatch/id"
)

// Factory returns a fresh, empty broker. Queue names passed to the broker
// are unique per subtest.
type Factory func(t *testing.T) broker.Broker

// Run exercises b's contract.
func Run(t *testing.T, newBroker Factory) {
	t.Helper()

	t.Run("FIFO", func(t *testing.T) { testFIFO(t, newBroker(t)) })
	t.Run("AckRemoves", func(t *testing.T) { testAckRemoves(t, newBroker(t)) })
	t.Run("NackRedelivers", func(t *testing.T) { testNackRedelivers(t, newBroker(t)) })
	t.Run("EnqueueAtDelays", func(t *testing.T) { testEnqueueAtDelays(t, newBroker(t)) })
	t.Run("DequeueHonorsContext", func(t *testing.T) { testDequeueHonorsContext(t, newBroker(t)) })
	t.Run("CompetingConsumers", func(t *testing.T) { testCompetingConsumers(t, newBroker(t)) })
}

func dequeue(t *testing.T, b broker.Broker, queue string) *broker.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	d, err := b.Dequeue(ctx, queue)
	if err != nil {
		t.Fatalf("Dequeue(%s): %v", queue, err)
	}
	return d
}

func testFIFO(t *testing.T, b broker.Broker) {
	ctx := context.Background()
	ids := []id.JobID{id.NewJobID(), id.NewJobID(), id.NewJobID()}
	for _, jid := range ids {
		if err := b.Enqueue(ctx, "fifo", jid); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	for i, want := range ids {
		d := dequeue(t, b, "fifo")
		if d.JobID != want {
			t.Errorf("delivery %d: job %s, want %s", i, d.JobID, want)
		}
		if d.Queue != "fifo" {
			t.Errorf("delivery %d: queue %q", i, d.Queue)
		}
		if err := b.Ack(ctx, d); err != nil {
			t.Fatalf("Ack: %v", err)
		}
	}
}

func testAckRemoves(t *testing.T, b broker.Broker) {
	ctx := context.Background()
	jid := id.NewJobID()
	if err := b.Enqueue(ctx, "ack", jid); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	d := dequeue(t, b, "ack")
	if err := b.Ack(ctx, d); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	short, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	if extra, err := b.Dequeue(short, "ack"); err == nil {
		t.Fatalf("acked job delivered again: %s", extra.JobID)
	}
}

func testNackRedelivers(t *testing.T, b broker.Broker) {
	ctx := context.Background()
	jid := id.NewJobID()
	if err := b.Enqueue(ctx, "nack", jid); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	first := dequeue(t, b, "nack")
	if err := b.Nack(ctx, first); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	second := dequeue(t, b, "nack")
	if second.JobID != jid {
		t.Fatalf("redelivered job %s, want %s", second.JobID, jid)
	}
	if !second.Redelivered {
		t.Error("expected Redelivered to be set")
	}
	if err := b.Ack(ctx, second); err != nil {
		t.Fatalf("Ack: %v", err)
	}
}

func testEnqueueAtDelays(t *testing.T, b broker.Broker) {
	ctx := context.Background()
	later := id.NewJobID()
	now := id.NewJobID()
	at := time.Now().Add(700 * time.Millisecond)

	if err := b.EnqueueAt(ctx, "delay", later, at); err != nil {
		t.Fatalf("EnqueueAt: %v", err)
	}
	if err := b.Enqueue(ctx, "delay", now); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	first := dequeue(t, b, "delay")
	if first.JobID != now {
		t.Fatalf("delayed job jumped the queue")
	}
	_ = b.Ack(ctx, first)

	second := dequeue(t, b, "delay")
	if second.JobID != later {
		t.Fatalf("got %s, want delayed job %s", second.JobID, later)
	}
	if time.Now().Before(at) {
		t.Errorf("delayed job delivered %v early", time.Until(at))
	}
	_ = b.Ack(ctx, second)
}

func testDequeueHonorsContext(t *testing.T, b broker.Broker) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := b.Dequeue(ctx, "empty")
	if err == nil {
		t.Fatal("expected an error from an empty queue")
	}
	if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want a context error", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Dequeue ignored the context for %v", elapsed)
	}
}

func testCompetingConsumers(t *testing.T, b broker.Broker) {
	ctx := context.Background()
	const n = 20
	for range n {
		if err := b.Enqueue(ctx, "compete", id.NewJobID()); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	var (
		mu   sync.Mutex
		seen = make(map[id.JobID]int)
		wg   sync.WaitGroup
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				c, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
				d, err := b.Dequeue(c, "compete")
				cancel()
				if err != nil {
					return
				}
				mu.Lock()
				seen[d.JobID]++
				mu.Unlock()
				_ = b.Ack(ctx, d)
			}
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("consumed %d distinct jobs, want %d", len(seen), n)
	}
	for jid, count := range seen {
		if count != 1 {
			t.Errorf("job %s delivered %d times", jid, count)
		}
	}
}

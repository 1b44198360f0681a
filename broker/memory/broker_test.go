package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/imgdispatch"
	"github.com/xraph/imgdispatch/broker"
	"github.com/xraph/imgdispatch/broker/brokertest"
	"github.com/xraph/imgdispatch/broker/memory"
	"github.com/xraph/imgdispatch/id"
)

func TestContract(t *testing.T) {
	brokertest.Run(t, func(*testing.T) broker.Broker { return memory.New() })
}

func TestCloseUnblocksDequeue(t *testing.T) {
	b := memory.New()

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Dequeue(context.Background(), "default")
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, imgdispatch.ErrBrokerClosed) {
			t.Errorf("err = %v, want ErrBrokerClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue still blocked after Close")
	}

	if err := b.Enqueue(context.Background(), "default", id.NewJobID()); !errors.Is(err, imgdispatch.ErrDeliveryFailure) {
		t.Errorf("Enqueue after Close: err = %v, want ErrDeliveryFailure", err)
	}
}

func TestAckUnknownDelivery(t *testing.T) {
	b := memory.New()
	err := b.Ack(context.Background(), &broker.Delivery{ID: id.NewDeliveryID(), Queue: "default"})
	if !errors.Is(err, imgdispatch.ErrUnknownDelivery) {
		t.Errorf("err = %v, want ErrUnknownDelivery", err)
	}
}

func TestCounters(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	_ = b.Enqueue(ctx, "q", id.NewJobID())
	_ = b.EnqueueAt(ctx, "q", id.NewJobID(), time.Now().Add(time.Hour))

	if got := b.Len("q"); got != 2 {
		t.Errorf("Len = %d, want 2", got)
	}

	d, err := b.Dequeue(ctx, "q")
	if err != nil {
		t.Fatal(err)
	}
	if b.InFlight("q") != 1 || b.Len("q") != 1 {
		t.Errorf("after dequeue: inflight=%d len=%d", b.InFlight("q"), b.Len("q"))
	}
	_ = b.Ack(ctx, d)
	if b.InFlight("q") != 0 {
		t.Errorf("after ack: inflight=%d", b.InFlight("q"))
	}
}

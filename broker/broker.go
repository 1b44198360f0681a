// Package broker defines the delivery contract between the scheduler and
// the worker pools.
//
// A broker holds job ids on named queues. Consumers compete for deliveries;
// a delivery stays invisible to other consumers until it is acknowledged
// or negatively acknowledged. Workers acknowledge only after the job's
// outcome is committed to the store, so a worker that dies mid-attempt
// leaves the delivery to be redelivered. Delivery is at-least-once and
// best-effort FIFO per queue.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/imgdispatch/id"
)

// Delivery is one hand-off of a job id to a consumer.
type Delivery struct {
	// ID identifies this hand-off. Ack and Nack use it.
	ID id.DeliveryID `json:"id"`

	// JobID is the job to run.
	JobID id.JobID `json:"job_id"`

	// Queue is the queue the delivery came from.
	Queue string `json:"queue"`

	// EnqueuedAt is when the message was published.
	EnqueuedAt time.Time `json:"enqueued_at"`

	// Redelivered reports that an earlier hand-off of the same message
	// was not acknowledged.
	Redelivered bool `json:"redelivered,omitempty"`
}

// Broker is the queue capability used by the scheduler and the workers.
type Broker interface {
	// Enqueue appends jobID to queue.
	Enqueue(ctx context.Context, queue string, jobID id.JobID) error

	// EnqueueAt appends jobID to queue so that it is not delivered before at.
	EnqueueAt(ctx context.Context, queue string, jobID id.JobID, at time.Time) error

	// Dequeue blocks until a delivery is available on queue or ctx ends.
	Dequeue(ctx context.Context, queue string) (*Delivery, error)

	// Ack removes the delivery permanently.
	Ack(ctx context.Context, d *Delivery) error

	// Nack returns the delivery to the back of its queue.
	Nack(ctx context.Context, d *Delivery) error

	// Close releases the broker's resources. Blocked Dequeue calls return
	// ErrBrokerClosed.
	Close() error
}

// Message is the wire form adapters publish.
type Message struct {
	DeliveryID id.DeliveryID `json:"delivery_id"`
	JobID      id.JobID      `json:"job_id"`
	Queue      string        `json:"queue"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	NotBefore  *time.Time    `json:"not_before,omitempty"`

	// Redelivered is set when the message returns to its queue without
	// having been acknowledged.
	Redelivered bool `json:"redelivered,omitempty"`
}

// NewMessage builds a message for jobID with a fresh delivery id.
func NewMessage(queue string, jobID id.JobID, notBefore *time.Time) Message {
	return Message{
		DeliveryID: id.NewDeliveryID(),
		JobID:      jobID,
		Queue:      queue,
		EnqueuedAt: time.Now().UTC(),
		NotBefore:  notBefore,
	}
}

// Encode returns the JSON encoding of m.
func (m Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("broker: encode message: %w", err)
	}
	return data, nil
}

// DecodeMessage parses a message produced by Encode.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("broker: decode message: %w", err)
	}
	if m.JobID.IsNil() {
		return Message{}, fmt.Errorf("broker: decode message: missing job id")
	}
	return m, nil
}

// Delivery converts m into a Delivery. Redelivered is true when either m
// says so or the adapter knows better.
func (m Message) Delivery(redelivered bool) *Delivery {
	return &Delivery{
		ID:          m.DeliveryID,
		JobID:       m.JobID,
		Queue:       m.Queue,
		EnqueuedAt:  m.EnqueuedAt,
		Redelivered: redelivered || m.Redelivered,
	}
}

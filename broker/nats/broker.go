// Package nats implements broker.Broker on NATS JetStream.
//
// All queues share one work-queue stream; each queue is a subject
// (imgdispatch.jobs.<queue>) consumed by one durable pull consumer. The
// consumer's AckWait is the visibility timeout. Delayed messages carry
// their not-before instant in a header and are negatively acknowledged
// with a delay when fetched early.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/xraph/imgdispatch"
	"github.com/xraph/imgdispatch/broker"
	"github.com/xraph/imgdispatch/id"
)

// Compile-time interface check.
var _ broker.Broker = (*Broker)(nil)

const (
	// DefaultStream is the JetStream stream that carries every queue.
	DefaultStream = "IMGDISPATCH"

	subjectPrefix   = "imgdispatch.jobs."
	notBeforeHeader = "Imgdispatch-Not-Before"
)

// Option configures the Broker.
type Option func(*Broker)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithStream overrides the stream name.
func WithStream(name string) Option {
	return func(b *Broker) { b.stream = name }
}

// WithVisibilityTimeout sets the consumer AckWait.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(b *Broker) { b.visibility = d }
}

// WithFetchWait bounds one pull request. Dequeue keeps pulling until a
// message arrives or its context ends.
func WithFetchWait(d time.Duration) Option {
	return func(b *Broker) { b.fetchWait = d }
}

// Broker is a JetStream-backed broker.Broker.
type Broker struct {
	nc         *nats.Conn
	js         nats.JetStreamContext
	logger     *slog.Logger
	stream     string
	visibility time.Duration
	fetchWait  time.Duration

	mu       sync.Mutex
	subs     map[string]*nats.Subscription
	inflight map[id.DeliveryID]*nats.Msg

	closeOnce sync.Once
	closeCh   chan struct{}
}

// New creates the broker and ensures its stream exists. The caller owns
// nc.
func New(nc *nats.Conn, opts ...Option) (*Broker, error) {
	b := &Broker{
		nc:         nc,
		logger:     slog.Default(),
		stream:     DefaultStream,
		visibility: 10 * time.Minute,
		fetchWait:  time.Second,
		subs:       make(map[string]*nats.Subscription),
		inflight:   make(map[id.DeliveryID]*nats.Msg),
		closeCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("imgdispatch/nats: jetstream: %w", err)
	}
	b.js = js

	if _, err := js.StreamInfo(b.stream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return nil, fmt.Errorf("imgdispatch/nats: stream info: %w", err)
		}
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      b.stream,
			Subjects:  []string{subjectPrefix + ">"},
			Retention: nats.WorkQueuePolicy,
			Storage:   nats.FileStorage,
		})
		if err != nil {
			return nil, fmt.Errorf("imgdispatch/nats: add stream: %w", err)
		}
	}
	return b, nil
}

func subject(queue string) string { return subjectPrefix + queue }

// consumer names may not contain dots.
func durable(queue string) string {
	return "imgdispatch-" + strings.ReplaceAll(queue, ".", "-")
}

// Enqueue publishes jobID on queue.
func (b *Broker) Enqueue(ctx context.Context, queue string, jobID id.JobID) error {
	return b.publish(ctx, queue, broker.NewMessage(queue, jobID, nil))
}

// EnqueueAt publishes jobID with a not-before header.
func (b *Broker) EnqueueAt(ctx context.Context, queue string, jobID id.JobID, at time.Time) error {
	at = at.UTC()
	return b.publish(ctx, queue, broker.NewMessage(queue, jobID, &at))
}

func (b *Broker) publish(ctx context.Context, queue string, msg broker.Message) error {
	select {
	case <-b.closeCh:
		return fmt.Errorf("%w: %w", imgdispatch.ErrDeliveryFailure, imgdispatch.ErrBrokerClosed)
	default:
	}

	data, err := msg.Encode()
	if err != nil {
		return err
	}
	out := nats.NewMsg(subject(queue))
	out.Data = data
	if msg.NotBefore != nil {
		out.Header.Set(notBeforeHeader, msg.NotBefore.Format(time.RFC3339Nano))
	}
	if _, err := b.js.PublishMsg(out, nats.Context(ctx)); err != nil {
		return fmt.Errorf("%w: imgdispatch/nats: publish: %w", imgdispatch.ErrDeliveryFailure, err)
	}
	return nil
}

func (b *Broker) subscription(queue string) (*nats.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[queue]; ok {
		return sub, nil
	}
	sub, err := b.js.PullSubscribe(subject(queue), durable(queue),
		nats.BindStream(b.stream),
		nats.AckExplicit(),
		nats.AckWait(b.visibility),
	)
	if err != nil {
		return nil, fmt.Errorf("imgdispatch/nats: pull subscribe %s: %w", queue, err)
	}
	b.subs[queue] = sub
	return sub, nil
}

// Dequeue pulls the next due message on queue.
func (b *Broker) Dequeue(ctx context.Context, queue string) (*broker.Delivery, error) {
	sub, err := b.subscription(queue)
	if err != nil {
		return nil, err
	}

	for {
		select {
		case <-b.closeCh:
			return nil, imgdispatch.ErrBrokerClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		fetchCtx, cancel := context.WithTimeout(ctx, b.fetchWait)
		msgs, err := sub.Fetch(1, nats.Context(fetchCtx))
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
				continue
			}
			return nil, fmt.Errorf("imgdispatch/nats: fetch: %w", err)
		}

		for _, m := range msgs {
			if d, ok := b.receive(m); ok {
				return d, nil
			}
		}
	}
}

// receive turns m into a delivery, deferring it when it is early.
func (b *Broker) receive(m *nats.Msg) (*broker.Delivery, bool) {
	if raw := m.Header.Get(notBeforeHeader); raw != "" {
		if at, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			if wait := time.Until(at); wait > 0 {
				_ = m.NakWithDelay(wait)
				return nil, false
			}
		}
	}

	msg, err := broker.DecodeMessage(m.Data)
	if err != nil {
		b.logger.Error("dropping undecodable message",
			slog.String("subject", m.Subject),
			slog.String("error", err.Error()),
		)
		_ = m.Term()
		return nil, false
	}

	redelivered := false
	if meta, metaErr := m.Metadata(); metaErr == nil {
		redelivered = meta.NumDelivered > 1
	}

	d := msg.Delivery(redelivered)
	// JetStream may hand the same message out again; each receipt gets its
	// own delivery id.
	d.ID = id.NewDeliveryID()

	b.mu.Lock()
	b.inflight[d.ID] = m
	b.mu.Unlock()
	return d, true
}

func (b *Broker) take(deliveryID id.DeliveryID) (*nats.Msg, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.inflight[deliveryID]
	delete(b.inflight, deliveryID)
	return m, ok
}

// Ack removes the message from the stream.
func (b *Broker) Ack(ctx context.Context, d *broker.Delivery) error {
	m, ok := b.take(d.ID)
	if !ok {
		return fmt.Errorf("%w: %s", imgdispatch.ErrUnknownDelivery, d.ID)
	}
	if err := m.AckSync(nats.Context(ctx)); err != nil {
		return fmt.Errorf("imgdispatch/nats: ack: %w", err)
	}
	return nil
}

// Nack asks JetStream to redeliver the message now.
func (b *Broker) Nack(_ context.Context, d *broker.Delivery) error {
	m, ok := b.take(d.ID)
	if !ok {
		return fmt.Errorf("%w: %s", imgdispatch.ErrUnknownDelivery, d.ID)
	}
	if err := m.Nak(); err != nil {
		return fmt.Errorf("imgdispatch/nats: nak: %w", err)
	}
	return nil
}

// Close unsubscribes every pull consumer. Durable consumers and unacked
// messages survive in the stream.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() { close(b.closeCh) })

	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for queue, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", queue, err))
		}
		delete(b.subs, queue)
	}
	return errors.Join(errs...)
}

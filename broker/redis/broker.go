// Package redis implements broker.Broker on Redis.
//
// Each queue uses three keys: a ready List (LPUSH to publish, RPOP to
// claim), a delayed Sorted Set scored by the earliest delivery time, and
// an in-flight Sorted Set scored by the visibility deadline. A Lua script
// claims atomically: it promotes due delayed messages, returns expired
// in-flight messages to the ready list, and moves the next ready message
// into the in-flight set. A consumer that dies without acknowledging
// therefore loses its delivery to another consumer once the visibility
// timeout passes.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/imgdispatch"
	"github.com/xraph/imgdispatch/broker"
	"github.com/xraph/imgdispatch/id"
)

// Compile-time interface check.
var _ broker.Broker = (*Broker)(nil)

const keyPrefix = "imgdispatch:broker:"

// The queue name is a hash tag so the three keys of a queue share one
// cluster slot; the claim script touches all of them.
func queueTag(queue string) string { return keyPrefix + "{" + queue + "}" }

func readyKey(queue string) string    { return queueTag(queue) + ":ready" }
func delayedKey(queue string) string  { return queueTag(queue) + ":delayed" }
func inflightKey(queue string) string { return queueTag(queue) + ":inflight" }

// KEYS: ready, delayed, inflight. ARGV: now (ms), visibility timeout (ms).
var claimScript = goredis.NewScript(`
local now = tonumber(ARGV[1])
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now, 'LIMIT', 0, 100)
for _, m in ipairs(due) do
	redis.call('ZREM', KEYS[2], m)
	redis.call('LPUSH', KEYS[1], m)
end
local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', now, 'LIMIT', 0, 100)
for _, m in ipairs(expired) do
	redis.call('ZREM', KEYS[3], m)
	local ok, decoded = pcall(cjson.decode, m)
	if ok then
		decoded['redelivered'] = true
		m = cjson.encode(decoded)
	end
	redis.call('LPUSH', KEYS[1], m)
end
local m = redis.call('RPOP', KEYS[1])
if not m then
	return false
end
redis.call('ZADD', KEYS[3], now + tonumber(ARGV[2]), m)
return m
`)

// KEYS: inflight, ready. ARGV: claimed payload, payload to requeue.
var nackScript = goredis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
	redis.call('LPUSH', KEYS[2], ARGV[2])
	return 1
end
return 0
`)

// Option configures the Broker.
type Option func(*Broker)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithVisibilityTimeout sets how long a claimed delivery stays invisible
// before another consumer may receive it. It must exceed the longest
// attempt.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(b *Broker) { b.visibility = d }
}

// WithPollInterval sets how long Dequeue waits between claims on an empty
// queue.
func WithPollInterval(d time.Duration) Option {
	return func(b *Broker) { b.pollInterval = d }
}

// Broker is a Redis-backed broker.Broker.
type Broker struct {
	client       goredis.UniversalClient
	logger       *slog.Logger
	visibility   time.Duration
	pollInterval time.Duration

	mu       sync.Mutex
	inflight map[id.DeliveryID]string

	closeOnce sync.Once
	closeCh   chan struct{}
}

// New creates a broker on client. The caller owns the client lifecycle.
func New(client goredis.UniversalClient, opts ...Option) *Broker {
	b := &Broker{
		client:       client,
		logger:       slog.Default(),
		visibility:   10 * time.Minute,
		pollInterval: 100 * time.Millisecond,
		inflight:     make(map[id.DeliveryID]string),
		closeCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Enqueue appends jobID to queue.
func (b *Broker) Enqueue(ctx context.Context, queue string, jobID id.JobID) error {
	payload, err := broker.NewMessage(queue, jobID, nil).Encode()
	if err != nil {
		return err
	}
	if err := b.client.LPush(ctx, readyKey(queue), payload).Err(); err != nil {
		return fmt.Errorf("%w: imgdispatch/redis: lpush: %w", imgdispatch.ErrDeliveryFailure, err)
	}
	return nil
}

// EnqueueAt parks jobID in the delayed set until at.
func (b *Broker) EnqueueAt(ctx context.Context, queue string, jobID id.JobID, at time.Time) error {
	at = at.UTC()
	payload, err := broker.NewMessage(queue, jobID, &at).Encode()
	if err != nil {
		return err
	}
	z := goredis.Z{Score: float64(at.UnixMilli()), Member: payload}
	if err := b.client.ZAdd(ctx, delayedKey(queue), z).Err(); err != nil {
		return fmt.Errorf("%w: imgdispatch/redis: zadd delayed: %w", imgdispatch.ErrDeliveryFailure, err)
	}
	return nil
}

// Dequeue claims the next message on queue, polling while it is empty.
func (b *Broker) Dequeue(ctx context.Context, queue string) (*broker.Delivery, error) {
	keys := []string{readyKey(queue), delayedKey(queue), inflightKey(queue)}

	for {
		select {
		case <-b.closeCh:
			return nil, imgdispatch.ErrBrokerClosed
		default:
		}

		payload, err := claimScript.Run(ctx, b.client, keys,
			time.Now().UnixMilli(), b.visibility.Milliseconds()).Text()
		switch {
		case errors.Is(err, goredis.Nil):
			if waitErr := b.wait(ctx); waitErr != nil {
				return nil, waitErr
			}
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("imgdispatch/redis: claim: %w", err)
		}

		msg, err := broker.DecodeMessage([]byte(payload))
		if err != nil {
			b.logger.Error("dropping undecodable message",
				slog.String("queue", queue),
				slog.String("error", err.Error()),
			)
			_ = b.client.ZRem(ctx, inflightKey(queue), payload).Err()
			continue
		}

		b.mu.Lock()
		b.inflight[msg.DeliveryID] = payload
		b.mu.Unlock()

		return msg.Delivery(false), nil
	}
}

// Ack removes the delivery from the in-flight set.
func (b *Broker) Ack(ctx context.Context, d *broker.Delivery) error {
	payload, ok := b.take(d.ID)
	if !ok {
		return fmt.Errorf("%w: %s", imgdispatch.ErrUnknownDelivery, d.ID)
	}

	removed, err := b.client.ZRem(ctx, inflightKey(d.Queue), payload).Result()
	if err != nil {
		return fmt.Errorf("imgdispatch/redis: ack: %w", err)
	}
	if removed == 0 {
		// The visibility timeout expired and the message was handed out
		// again; the other consumer now owns it.
		b.logger.Warn("ack after visibility timeout",
			slog.String("delivery_id", d.ID.String()),
			slog.String("job_id", d.JobID.String()),
		)
	}
	return nil
}

// Nack moves the delivery back to the ready list.
func (b *Broker) Nack(ctx context.Context, d *broker.Delivery) error {
	payload, ok := b.take(d.ID)
	if !ok {
		return fmt.Errorf("%w: %s", imgdispatch.ErrUnknownDelivery, d.ID)
	}

	msg, err := broker.DecodeMessage([]byte(payload))
	if err != nil {
		return err
	}
	msg.Redelivered = true
	requeued, err := msg.Encode()
	if err != nil {
		return err
	}

	keys := []string{inflightKey(d.Queue), readyKey(d.Queue)}
	if err := nackScript.Run(ctx, b.client, keys, payload, requeued).Err(); err != nil {
		return fmt.Errorf("imgdispatch/redis: nack: %w", err)
	}
	return nil
}

// Close unblocks waiting consumers. The Redis client is left open.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() { close(b.closeCh) })
	return nil
}

func (b *Broker) take(deliveryID id.DeliveryID) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	payload, ok := b.inflight[deliveryID]
	delete(b.inflight, deliveryID)
	return payload, ok
}

func (b *Broker) wait(ctx context.Context) error {
	timer := time.NewTimer(b.pollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.closeCh:
		return imgdispatch.ErrBrokerClosed
	case <-timer.C:
		return nil
	}
}

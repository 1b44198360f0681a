package imgdispatch

import (
	"fmt"
	"time"
)

// Queue names used by the default routing table.
const (
	QueueDefault      = "default"
	QueueHighPriority = "high_priority"
)

// MaxDispatchLag bounds how far past its not-before instant a deferred job
// may be dispatched.
const MaxDispatchLag = time.Second

// Config holds the runtime configuration shared by the gateway, scheduler
// and worker processes. It is passed explicitly; nothing reads globals.
type Config struct {
	// Concurrency is the number of jobs a worker process runs at once.
	Concurrency int

	// Queues is the list of queues a worker process consumes.
	Queues []string

	// Routes maps a job kind to its queue. Kinds without a route use
	// DefaultQueue.
	Routes map[string]string

	// DefaultQueue receives jobs whose kind has no route.
	DefaultQueue string

	// MaxAttempts is the attempt budget of a job that does not set one.
	MaxAttempts int

	// RetryBaseDelay and RetryMaxDelay shape the exponential retry backoff:
	// base*2^(attempt-1), capped at max.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// RetryJitter applies full jitter to retry delays.
	RetryJitter bool

	// JobTimeout bounds a single attempt. Zero disables the timeout.
	JobTimeout time.Duration

	// TickInterval is how often the scheduler scans for due deferred jobs.
	// It must not exceed MaxDispatchLag.
	TickInterval time.Duration

	// RedeliverAfter is how long a scheduled job may sit without being
	// claimed before the scheduler enqueues it again.
	RedeliverAfter time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// HeartbeatInterval is how often running jobs send heartbeats.
	HeartbeatInterval time.Duration

	// StaleJobThreshold is how long a running job may go without a
	// heartbeat before the scheduler considers its worker lost.
	StaleJobThreshold time.Duration

	// Location interprets schedule strings that carry no zone offset.
	Location *time.Location

	// MaxImageDimension bounds requested resize targets.
	MaxImageDimension int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:       4,
		Queues:            []string{QueueHighPriority, QueueDefault},
		Routes:            map[string]string{"process_image": QueueHighPriority},
		DefaultQueue:      QueueDefault,
		MaxAttempts:       3,
		RetryBaseDelay:    1 * time.Second,
		RetryMaxDelay:     1 * time.Minute,
		JobTimeout:        2 * time.Minute,
		TickInterval:      500 * time.Millisecond,
		RedeliverAfter:    5 * time.Minute,
		ShutdownTimeout:   30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		StaleJobThreshold: 2 * time.Minute,
		Location:          time.UTC,
		MaxImageDimension: 10000,
	}
}

// QueueFor returns the queue a job of the given kind routes to.
func (c Config) QueueFor(kind string) string {
	if q, ok := c.Routes[kind]; ok && q != "" {
		return q
	}
	if c.DefaultQueue != "" {
		return c.DefaultQueue
	}
	return QueueDefault
}

// Validate checks the configuration for values the runtime cannot honor.
func (c Config) Validate() error {
	switch {
	case c.Concurrency < 1:
		return fmt.Errorf("imgdispatch: concurrency must be positive, got %d", c.Concurrency)
	case len(c.Queues) == 0:
		return fmt.Errorf("imgdispatch: at least one queue is required")
	case c.MaxAttempts < 1:
		return fmt.Errorf("imgdispatch: max attempts must be positive, got %d", c.MaxAttempts)
	case c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay:
		return fmt.Errorf("imgdispatch: retry delays must satisfy 0 < base <= max")
	case c.TickInterval <= 0 || c.TickInterval > MaxDispatchLag:
		return fmt.Errorf("imgdispatch: tick interval must be in (0, %s], got %s", MaxDispatchLag, c.TickInterval)
	case c.HeartbeatInterval <= 0 || c.StaleJobThreshold <= c.HeartbeatInterval:
		return fmt.Errorf("imgdispatch: stale job threshold must exceed the heartbeat interval")
	}
	return nil
}

// Package queue enforces per-queue rate limits and concurrency caps.
//
// Queues are named broker routes. A job's Queue field picks its route
// (process_image jobs go to "high_priority" by default) and the worker
// pool consumes the queues listed in [imgdispatch.Config.Queues].
//
// # Per-Queue Configuration
//
// Use [Config] to set per-queue rate limits and concurrency caps:
//
//	queue.Config{
//	    Name:           "high_priority",
//	    MaxConcurrency: 4,      // max 4 concurrent transforms
//	    RateLimit:      10,     // max 10 jobs/s dequeued from this queue
//	    RateBurst:      20,     // allow bursts up to 20
//	}
//
// # Manager
//
// [Manager] is consulted by the worker pool before it takes a delivery
// off the broker, so a throttled queue simply stays unconsumed. It uses a
// token-bucket rate limiter (golang.org/x/time/rate) and an active-count
// gate for concurrency limits.
//
//	if err := m.Wait(ctx, queueName); err == nil {
//	    defer m.Release(queueName)
//	    // dequeue and process one job
//	}
//
// Queues without a [Config] have no limits beyond the pool-wide concurrency.
// [Manager.SetQueueConfig] replaces a queue's limits at runtime; slots
// already held stay held and blocked waiters re-check the new limit.
package queue

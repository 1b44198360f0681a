package engine

import (
	"log/slog"
	"slices"

	"github.com/xraph/imgdispatch"
	"github.com/xraph/imgdispatch/queue"
)

// QueueStats is the local worker pool's view of one queue.
type QueueStats struct {
	Name string `json:"name"`
	// Active is the number of attempts of this queue running in this
	// process.
	Active int `json:"active"`
	// Limited reports whether Limits applies; an unlimited queue is only
	// bounded by the pool concurrency.
	Limited bool         `json:"limited"`
	Limits  queue.Config `json:"limits"`
}

// QueueStats reports the limits and running attempts of name. It fails
// with ErrNoWorkers when this engine consumes no queues.
func (eng *Engine) QueueStats(name string) (QueueStats, error) {
	if eng.queueManager == nil {
		return QueueStats{}, imgdispatch.ErrNoWorkers
	}
	limits, ok := eng.queueManager.Limits(name)
	return QueueStats{
		Name:    name,
		Active:  eng.queueManager.ActiveCount(name),
		Limited: ok,
		Limits:  limits,
	}, nil
}

// SetQueueLimits replaces the concurrency and rate limits of one consumed
// queue. Attempts already running keep their slots.
func (eng *Engine) SetQueueLimits(cfg queue.Config) (QueueStats, error) {
	if eng.queueManager == nil {
		return QueueStats{}, imgdispatch.ErrNoWorkers
	}
	switch {
	case !slices.Contains(eng.cfg.Queues, cfg.Name):
		return QueueStats{}, imgdispatch.Invalid("queue", "%q is not consumed by this worker", cfg.Name)
	case cfg.MaxConcurrency < 0:
		return QueueStats{}, imgdispatch.Invalid("max_concurrency", "must not be negative")
	case cfg.RateLimit < 0:
		return QueueStats{}, imgdispatch.Invalid("rate_limit", "must not be negative")
	case cfg.RateBurst < 0:
		return QueueStats{}, imgdispatch.Invalid("rate_burst", "must not be negative")
	}

	eng.queueManager.SetQueueConfig(cfg)
	eng.logger.Info("queue limits changed",
		slog.String("queue", cfg.Name),
		slog.Int("max_concurrency", cfg.MaxConcurrency),
		slog.Float64("rate_limit", cfg.RateLimit),
		slog.Int("rate_burst", cfg.RateBurst),
	)
	return eng.QueueStats(cfg.Name)
}

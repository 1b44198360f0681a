package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/imgdispatch/job"
)

// Logging returns middleware that logs attempt start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, r *job.Record, next Handler) error {
		logger.Info("attempt started",
			slog.String("kind", string(r.Kind)),
			slog.String("job_id", r.ID.String()),
			slog.String("queue", r.Queue),
			slog.Int("attempt", r.AttemptCount),
			slog.Int("max_attempts", r.MaxAttempts),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("attempt failed",
				slog.String("kind", string(r.Kind)),
				slog.String("job_id", r.ID.String()),
				slog.Int("attempt", r.AttemptCount),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("attempt completed",
				slog.String("kind", string(r.Kind)),
				slog.String("job_id", r.ID.String()),
				slog.Int("attempt", r.AttemptCount),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}

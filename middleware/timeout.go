package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/imgdispatch/job"
)

// Timeout returns middleware that bounds each attempt to d. When the
// deadline passes the context is cancelled and the handler should return
// context.DeadlineExceeded. A zero d disables the deadline.
func Timeout(logger *slog.Logger, d time.Duration) Middleware {
	return func(ctx context.Context, r *job.Record, next Handler) error {
		if d <= 0 {
			return next(ctx)
		}
		logger.Debug("attempt timeout set",
			slog.String("job_id", r.ID.String()),
			slog.Duration("timeout", d),
		)
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return next(ctx)
	}
}

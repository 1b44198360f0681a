package dlq

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/imgdispatch"
	"github.com/xraph/imgdispatch/id"
	"github.com/xraph/imgdispatch/job"
)

// Replay submits a new job carrying the failed job's kind, queue, input and
// parameters. The new job gets a fresh id and a full attempt budget and
// runs immediately. The failed record is left untouched.
func (s *Service) Replay(ctx context.Context, jobID id.JobID) (*job.Record, error) {
	failed, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if failed.State != job.StateFailed {
		return nil, fmt.Errorf("%w: %s is %s, only failed jobs can be replayed",
			imgdispatch.ErrInvalidTransition, jobID, failed.State)
	}

	r := job.New(failed.Kind, failed.Queue, failed.InputRef, failed.Params, failed.MaxAttempts, time.Time{}, s.now())
	if err := s.submit(ctx, r); err != nil {
		return nil, fmt.Errorf("dlq: replay %s: %w", jobID, err)
	}
	return r, nil
}

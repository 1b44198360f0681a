package dlq

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/imgdispatch/job"
)

// SubmitFunc persists a new pending record and hands it to the scheduler.
// The engine provides the implementation.
type SubmitFunc func(ctx context.Context, r *job.Record) error

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service lists and replays failed jobs.
type Service struct {
	store  job.Store
	submit SubmitFunc
	now    func() time.Time
}

// NewService creates a DLQ service.
func NewService(store job.Store, submit SubmitFunc, opts ...Option) *Service {
	s := &Service{store: store, submit: submit, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// List returns up to limit failed jobs, oldest failure first. A
// non-positive limit returns all of them.
func (s *Service) List(ctx context.Context, limit int) ([]*Entry, error) {
	recs, err := s.store.ListByState(ctx, job.StateFailed, s.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("dlq: list: %w", err)
	}
	entries := make([]*Entry, 0, len(recs))
	for _, r := range recs {
		entries = append(entries, entryFrom(r))
	}
	return entries, nil
}

// Count returns the number of failed jobs on queue, or on every queue when
// queue is empty.
func (s *Service) Count(ctx context.Context, queue string) (int64, error) {
	return s.store.Count(ctx, job.CountOpts{Queue: queue, State: job.StateFailed})
}

// Package memory provides an in-memory job store for tests and
// single-process deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xraph/imgdispatch"
	"github.com/xraph/imgdispatch/id"
	"github.com/xraph/imgdispatch/job"
	"github.com/xraph/imgdispatch/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Records are copied in and out, so callers
// never share memory with the committed state.
type Store struct {
	mu   sync.RWMutex
	jobs map[id.JobID]*job.Record
	now  func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the store's time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns a new empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		jobs: make(map[id.JobID]*job.Record),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// Create persists a new record.
func (m *Store) Create(_ context.Context, r *job.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[r.ID]; exists {
		return fmt.Errorf("%w: %s", imgdispatch.ErrJobAlreadyExists, r.ID)
	}
	m.jobs[r.ID] = r.Clone()
	return nil
}

// Get returns a copy of the committed record.
func (m *Store) Get(_ context.Context, jobID id.JobID) (*job.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", imgdispatch.ErrJobNotFound, jobID)
	}
	return r.Clone(), nil
}

// CompareAndSwapState applies mut when the record is in state expected.
func (m *Store) CompareAndSwapState(_ context.Context, jobID id.JobID, expected job.State, mut job.Mutation) (*job.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", imgdispatch.ErrJobNotFound, jobID)
	}

	next, err := job.Apply(cur, expected, mut, m.now())
	if err != nil {
		return nil, err
	}
	m.jobs[jobID] = next
	return next.Clone(), nil
}

// ListByState returns records in state with IndexTime at or before before.
func (m *Store) ListByState(_ context.Context, state job.State, before time.Time, limit int) ([]*job.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*job.Record
	for _, r := range m.jobs {
		if r.State != state || r.IndexTime().After(before) {
			continue
		}
		result = append(result, r.Clone())
	}

	sort.Slice(result, func(i, k int) bool {
		ti, tk := result[i].IndexTime(), result[k].IndexTime()
		if ti.Equal(tk) {
			return result[i].ID.String() < result[k].ID.String()
		}
		return ti.Before(tk)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Count returns the number of records matching opts.
func (m *Store) Count(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, r := range m.jobs {
		if opts.State != "" && r.State != opts.State {
			continue
		}
		if opts.Queue != "" && r.Queue != opts.Queue {
			continue
		}
		count++
	}
	return count, nil
}

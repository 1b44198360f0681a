package job

import (
	"context"
	"time"

	"github.com/xraph/imgdispatch/id"
)

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// Queue filters by queue name. Empty means all queues.
	Queue string
	// State filters by job state. Empty means all states.
	State State
}

// Store defines the persistence contract for job records.
//
// CompareAndSwapState is the only way to change a stored record: it applies
// m to a private copy of the record if and only if the committed state
// equals expected, and commits the result atomically. Implementations call
// Apply so every adapter enforces the same lifecycle rules.
type Store interface {
	// Create persists a new record. It fails with ErrJobAlreadyExists when
	// the id is taken.
	Create(ctx context.Context, r *Record) error

	// Get returns the last committed copy of a record, or ErrJobNotFound.
	Get(ctx context.Context, jobID id.JobID) (*Record, error)

	// CompareAndSwapState applies m when the record is in state expected.
	// It returns ErrStoreConflict when another writer got there first,
	// ErrTerminalState for finished jobs and ErrJobNotFound for unknown ids.
	CompareAndSwapState(ctx context.Context, jobID id.JobID, expected State, m Mutation) (*Record, error)

	// ListByState returns up to limit records in state whose IndexTime is
	// at or before the given instant, oldest first. A non-positive limit
	// means no limit.
	ListByState(ctx context.Context, state State, before time.Time, limit int) ([]*Record, error)

	// Count returns the number of records matching opts.
	Count(ctx context.Context, opts CountOpts) (int64, error)
}

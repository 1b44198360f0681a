package job

import (
	"fmt"
	"time"

	"github.com/xraph/imgdispatch"
	"github.com/xraph/imgdispatch/id"
)

// Mutation edits a private copy of a record inside CompareAndSwapState.
// Returning an error aborts the swap without writing anything.
type Mutation func(r *Record) error

var transitions = map[State][]State{
	StatePending:   {StateScheduled, StateCancelled},
	StateScheduled: {StateScheduled, StateRunning, StateCancelled},
	StateRunning:   {StateRunning, StateScheduled, StateSucceeded, StateFailed, StateCancelled},
}

// CanTransition reports whether the lifecycle allows from -> to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Apply runs the compare-and-swap protocol against the committed record
// cur and returns the record to persist. Every store adapter calls it so
// the rules live in one place.
func Apply(cur *Record, expected State, m Mutation, now time.Time) (*Record, error) {
	if cur.State.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", imgdispatch.ErrTerminalState, cur.ID, cur.State)
	}
	if cur.State != expected {
		return nil, fmt.Errorf("%w: %s is %s, expected %s", imgdispatch.ErrStoreConflict, cur.ID, cur.State, expected)
	}

	next := cur.Clone()
	if m != nil {
		if err := m(next); err != nil {
			return nil, err
		}
	}
	if err := ValidateMutation(cur, next); err != nil {
		return nil, err
	}

	now = now.UTC().Truncate(time.Microsecond)
	if now.After(cur.UpdatedAt) {
		next.UpdatedAt = now
	} else {
		next.UpdatedAt = cur.UpdatedAt
	}
	next.Version = cur.Version + 1
	return next, nil
}

// ValidateMutation checks that after is a legal successor of before.
func ValidateMutation(before, after *Record) error {
	if !CanTransition(before.State, after.State) {
		return fmt.Errorf("%w: %s -> %s", imgdispatch.ErrInvalidTransition, before.State, after.State)
	}

	switch {
	case after.ID != before.ID,
		after.Kind != before.Kind,
		after.Queue != before.Queue,
		after.InputRef != before.InputRef,
		after.Params != before.Params,
		after.MaxAttempts != before.MaxAttempts,
		!after.CreatedAt.Equal(before.CreatedAt):
		return fmt.Errorf("%w: immutable field changed on %s", imgdispatch.ErrInvalidTransition, before.ID)
	case after.NotBefore.Before(before.NotBefore):
		return fmt.Errorf("%w: not_before moved backwards on %s", imgdispatch.ErrInvalidTransition, before.ID)
	case after.AttemptCount < before.AttemptCount || after.AttemptCount > after.MaxAttempts:
		return fmt.Errorf("%w: attempt count %d out of range [%d,%d]",
			imgdispatch.ErrInvalidTransition, after.AttemptCount, before.AttemptCount, after.MaxAttempts)
	}

	switch after.State {
	case StateSucceeded:
		if after.Result == nil || after.Error != "" {
			return fmt.Errorf("%w: succeeded job needs a result and no error", imgdispatch.ErrInvalidTransition)
		}
	case StateFailed:
		if after.Result != nil || after.Error == "" {
			return fmt.Errorf("%w: failed job needs an error and no result", imgdispatch.ErrInvalidTransition)
		}
	case StateCancelled:
		if after.Result != nil {
			return fmt.Errorf("%w: cancelled job cannot carry a result", imgdispatch.ErrInvalidTransition)
		}
	default:
		if after.Result != nil || after.Error != "" {
			return fmt.Errorf("%w: %s job cannot carry a result or error", imgdispatch.ErrInvalidTransition, after.State)
		}
	}
	return nil
}

// MarkScheduled moves a pending job onto the broker path.
func MarkScheduled() Mutation {
	return func(r *Record) error {
		r.State = StateScheduled
		return nil
	}
}

// Touch keeps the state but records that the scheduler looked at it.
// The store bumps UpdatedAt.
func Touch() Mutation {
	return func(*Record) error { return nil }
}

// Claim starts an attempt on behalf of worker.
func Claim(worker id.WorkerID, now time.Time) Mutation {
	return func(r *Record) error {
		if r.AttemptCount >= r.MaxAttempts {
			return fmt.Errorf("%w: %s has no attempts left", imgdispatch.ErrInvalidTransition, r.ID)
		}
		if r.CancelRequested {
			return fmt.Errorf("%w: %s has a pending cancel request", imgdispatch.ErrInvalidTransition, r.ID)
		}
		now = now.UTC()
		r.State = StateRunning
		r.AttemptCount++
		r.RetryAt = nil
		r.StartedAt = &now
		r.HeartbeatAt = &now
		r.WorkerID = worker
		return nil
	}
}

// Heartbeat records that the claiming worker is alive.
func Heartbeat(now time.Time) Mutation {
	return func(r *Record) error {
		now = now.UTC()
		r.HeartbeatAt = &now
		return nil
	}
}

// RequestCancel flags a running job; its outcome will be discarded.
func RequestCancel() Mutation {
	return func(r *Record) error {
		r.CancelRequested = true
		return nil
	}
}

// Succeed commits the result of the current attempt.
func Succeed(res *Result, now time.Time) Mutation {
	return func(r *Record) error {
		if res == nil {
			return fmt.Errorf("%w: nil result", imgdispatch.ErrInvalidTransition)
		}
		now = now.UTC()
		cp := *res
		r.State = StateSucceeded
		r.Result = &cp
		r.Error = ""
		r.LastError = ""
		r.CompletedAt = &now
		r.HeartbeatAt = nil
		return nil
	}
}

// Retry sends a failed attempt back to the broker path; the next attempt
// may not start before at.
func Retry(at time.Time, cause string) Mutation {
	return func(r *Record) error {
		at = at.UTC()
		r.State = StateScheduled
		r.RetryAt = &at
		r.LastError = cause
		r.HeartbeatAt = nil
		return nil
	}
}

// Fail terminates the job with cause as its error.
func Fail(cause string, now time.Time) Mutation {
	return func(r *Record) error {
		if cause == "" {
			cause = "unknown error"
		}
		now = now.UTC()
		r.State = StateFailed
		r.Error = cause
		r.LastError = cause
		r.Result = nil
		r.RetryAt = nil
		r.CompletedAt = &now
		r.HeartbeatAt = nil
		return nil
	}
}

// Cancel terminates the job without a result.
func Cancel(reason string, now time.Time) Mutation {
	return func(r *Record) error {
		if reason == "" {
			reason = "cancelled"
		}
		now = now.UTC()
		r.State = StateCancelled
		r.Error = reason
		r.Result = nil
		r.RetryAt = nil
		r.CompletedAt = &now
		r.HeartbeatAt = nil
		return nil
	}
}

// Owned guards m so that it only applies while worker still holds the
// given attempt. A worker whose job was reaped and claimed again must not
// commit over the new attempt; it gets ErrNotOwner, which unlike
// ErrStoreConflict is not worth retrying.
func Owned(worker id.WorkerID, attempt int, m Mutation) Mutation {
	return func(r *Record) error {
		if r.WorkerID != worker || r.AttemptCount != attempt {
			return fmt.Errorf("%w: %s attempt %d, held by %s",
				imgdispatch.ErrNotOwner, r.ID, attempt, worker)
		}
		return m(r)
	}
}

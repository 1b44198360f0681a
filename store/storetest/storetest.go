// Package storetest holds behavioral tests every job.Store backend must
// pass. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/imgdispatch"
	"github.com/xraph/imgdispatch/id"
	"github.com/xraph/imgdispatch/job"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) job.Store

// Run exercises the store contract.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("CreateDuplicate", func(t *testing.T) { testCreateDuplicate(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("CompareAndSwap", func(t *testing.T) { testCompareAndSwap(t, newStore(t)) })
	t.Run("TerminalImmutable", func(t *testing.T) { testTerminalImmutable(t, newStore(t)) })
	t.Run("ConcurrentClaim", func(t *testing.T) { testConcurrentClaim(t, newStore(t)) })
	t.Run("ListByState", func(t *testing.T) { testListByState(t, newStore(t)) })
	t.Run("Count", func(t *testing.T) { testCount(t, newStore(t)) })
}

// NewRecord returns a pending ProcessImage record with the given
// not-before offset from now.
func NewRecord(queue string, delay time.Duration) *job.Record {
	now := time.Now().UTC()
	return job.New(job.KindProcessImage, queue, "uploads/cat.png", job.DefaultParams(), 3, now.Add(delay), now)
}

func create(t *testing.T, s job.Store, r *job.Record) {
	t.Helper()
	if err := s.Create(context.Background(), r); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func testCreateAndGet(t *testing.T, s job.Store) {
	r := NewRecord("default", 0)
	create(t, s, r)

	got, err := s.Get(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != r.ID || got.State != job.StatePending || got.Params != r.Params || got.InputRef != r.InputRef {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, r)
	}
	if !got.NotBefore.Equal(r.NotBefore) {
		t.Errorf("not_before = %s, want %s", got.NotBefore, r.NotBefore)
	}

	got.State = job.StateFailed
	again, _ := s.Get(context.Background(), r.ID)
	if again.State != job.StatePending {
		t.Error("Get returned shared memory")
	}
}

func testCreateDuplicate(t *testing.T, s job.Store) {
	r := NewRecord("default", 0)
	create(t, s, r)
	if err := s.Create(context.Background(), r); !errors.Is(err, imgdispatch.ErrJobAlreadyExists) {
		t.Fatalf("err = %v, want ErrJobAlreadyExists", err)
	}
}

func testGetMissing(t *testing.T, s job.Store) {
	ctx := context.Background()
	missing := id.NewJobID()
	if _, err := s.Get(ctx, missing); !errors.Is(err, imgdispatch.ErrJobNotFound) {
		t.Errorf("Get: err = %v, want ErrJobNotFound", err)
	}
	if _, err := s.CompareAndSwapState(ctx, missing, job.StatePending, job.MarkScheduled()); !errors.Is(err, imgdispatch.ErrJobNotFound) {
		t.Errorf("CAS: err = %v, want ErrJobNotFound", err)
	}
}

func testCompareAndSwap(t *testing.T, s job.Store) {
	ctx := context.Background()
	r := NewRecord("default", 0)
	create(t, s, r)

	next, err := s.CompareAndSwapState(ctx, r.ID, job.StatePending, job.MarkScheduled())
	if err != nil {
		t.Fatalf("CAS pending->scheduled: %v", err)
	}
	if next.State != job.StateScheduled || next.Version != r.Version+1 {
		t.Errorf("unexpected record after CAS: state=%s version=%d", next.State, next.Version)
	}
	if next.UpdatedAt.Before(r.UpdatedAt) {
		t.Error("updated_at went backwards")
	}

	if _, err := s.CompareAndSwapState(ctx, r.ID, job.StatePending, job.MarkScheduled()); !errors.Is(err, imgdispatch.ErrStoreConflict) {
		t.Fatalf("stale CAS: err = %v, want ErrStoreConflict", err)
	}

	boom := errors.New("boom")
	_, err = s.CompareAndSwapState(ctx, r.ID, job.StateScheduled, func(*job.Record) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("aborted CAS: err = %v, want boom", err)
	}
	got, _ := s.Get(ctx, r.ID)
	if got.Version != next.Version {
		t.Error("aborted mutation was committed")
	}

	worker := id.NewWorkerID()
	running, err := s.CompareAndSwapState(ctx, r.ID, job.StateScheduled, job.Claim(worker, time.Now()))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if running.AttemptCount != 1 || running.WorkerID != worker || running.StartedAt == nil {
		t.Errorf("claim not persisted: %+v", running)
	}

	res := &job.Result{Status: "success", OutputRef: "processed/out.png", Size: 42, Dimensions: [2]int{800, 600}}
	done, err := s.CompareAndSwapState(ctx, r.ID, job.StateRunning, job.Succeed(res, time.Now()))
	if err != nil {
		t.Fatalf("succeed: %v", err)
	}
	got, _ = s.Get(ctx, r.ID)
	if got.State != job.StateSucceeded || got.Result == nil || *got.Result != *res {
		t.Errorf("result not persisted: %+v", got.Result)
	}
	if got.Version != done.Version {
		t.Errorf("version = %d, want %d", got.Version, done.Version)
	}
}

func testTerminalImmutable(t *testing.T, s job.Store) {
	ctx := context.Background()
	r := NewRecord("default", 0)
	create(t, s, r)

	if _, err := s.CompareAndSwapState(ctx, r.ID, job.StatePending, job.Cancel("", time.Now())); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	for _, st := range job.AllStates {
		if _, err := s.CompareAndSwapState(ctx, r.ID, st, job.Touch()); !errors.Is(err, imgdispatch.ErrTerminalState) {
			t.Errorf("CAS(expected=%s) on cancelled job: err = %v, want ErrTerminalState", st, err)
		}
	}
}

func testConcurrentClaim(t *testing.T, s job.Store) {
	ctx := context.Background()
	r := NewRecord("default", 0)
	create(t, s, r)
	if _, err := s.CompareAndSwapState(ctx, r.ID, job.StatePending, job.MarkScheduled()); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	const claimers = 8
	var (
		wins      atomic.Int32
		conflicts atomic.Int32
		wg        sync.WaitGroup
	)
	for range claimers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CompareAndSwapState(ctx, r.ID, job.StateScheduled, job.Claim(id.NewWorkerID(), time.Now()))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, imgdispatch.ErrStoreConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("%d claims succeeded, want exactly 1", wins.Load())
	}
	if conflicts.Load() != claimers-1 {
		t.Errorf("%d conflicts, want %d", conflicts.Load(), claimers-1)
	}
	got, _ := s.Get(ctx, r.ID)
	if got.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", got.AttemptCount)
	}
}

func testListByState(t *testing.T, s job.Store) {
	ctx := context.Background()
	due1 := NewRecord("default", 0)
	time.Sleep(2 * time.Millisecond)
	due2 := NewRecord("default", 0)
	future := NewRecord("default", time.Hour)
	scheduled := NewRecord("default", 0)
	for _, r := range []*job.Record{due2, future, due1, scheduled} {
		create(t, s, r)
	}
	if _, err := s.CompareAndSwapState(ctx, scheduled.ID, job.StatePending, job.MarkScheduled()); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListByState(ctx, job.StatePending, time.Now().Add(time.Second), 0)
	if err != nil {
		t.Fatalf("ListByState: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d due records, want 2", len(got))
	}
	if got[0].ID != due1.ID || got[1].ID != due2.ID {
		t.Errorf("wrong order: %s, %s", got[0].ID, got[1].ID)
	}

	limited, _ := s.ListByState(ctx, job.StatePending, time.Now().Add(2*time.Hour), 1)
	if len(limited) != 1 {
		t.Errorf("limit ignored: got %d", len(limited))
	}

	all, _ := s.ListByState(ctx, job.StatePending, time.Now().Add(2*time.Hour), 0)
	if len(all) != 3 {
		t.Errorf("got %d pending records, want 3", len(all))
	}
}

func testCount(t *testing.T, s job.Store) {
	ctx := context.Background()
	a := NewRecord("default", 0)
	b := NewRecord("default", 0)
	c := NewRecord("high_priority", 0)
	for _, r := range []*job.Record{a, b, c} {
		create(t, s, r)
	}
	if _, err := s.CompareAndSwapState(ctx, c.ID, job.StatePending, job.MarkScheduled()); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		opts job.CountOpts
		want int64
	}{
		{"all", job.CountOpts{}, 3},
		{"pending", job.CountOpts{State: job.StatePending}, 2},
		{"queue", job.CountOpts{Queue: "high_priority"}, 1},
		{"queue and state", job.CountOpts{Queue: "default", State: job.StateScheduled}, 0},
	}
	for _, tt := range tests {
		got, err := s.Count(ctx, tt.opts)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if got != tt.want {
			t.Errorf("%s: count = %d, want %d", tt.name, got, tt.want)
		}
	}
}

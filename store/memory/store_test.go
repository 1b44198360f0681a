package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/xraph/imgdispatch/job"
	"github.com/xraph/imgdispatch/store/memory"
	"github.com/xraph/imgdispatch/store/storetest"
)

func TestLifecycle(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"Migrate", func() error { return s.Migrate(ctx) }},
		{"Ping", func() error { return s.Ping(ctx) }},
		{"Close", func() error { return s.Close() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); err != nil {
				t.Fatalf("%s returned error: %v", tt.name, err)
			}
		})
	}
}

func TestContract(t *testing.T) {
	t.Parallel()
	storetest.Run(t, func(*testing.T) job.Store { return memory.New() })
}

func TestClockDrivesUpdatedAt(t *testing.T) {
	t.Parallel()
	fixed := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	s := memory.New(memory.WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	r := storetest.NewRecord("default", 0)
	if err := s.Create(ctx, r); err != nil {
		t.Fatal(err)
	}
	got, err := s.CompareAndSwapState(ctx, r.ID, job.StatePending, job.MarkScheduled())
	if err != nil {
		t.Fatal(err)
	}
	if !got.UpdatedAt.Equal(fixed) {
		t.Errorf("updated_at = %s, want %s", got.UpdatedAt, fixed)
	}
}

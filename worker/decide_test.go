package worker_test

import (
	"errors"
	"testing"
	"time"

	"github.com/xraph/imgdispatch/backoff"
	"github.com/xraph/imgdispatch/worker"
)

func TestDecide(t *testing.T) {
	strategy := backoff.NewExponential(time.Second, 10*time.Second)
	boom := errors.New("boom")

	tests := []struct {
		name      string
		attempt   int
		max       int
		err       error
		wantAct   worker.Action
		wantDelay time.Duration
	}{
		{"success on first attempt", 1, 3, nil, worker.ActionSucceed, 0},
		{"success on last attempt", 3, 3, nil, worker.ActionSucceed, 0},
		{"first failure retries after base", 1, 3, boom, worker.ActionRetry, time.Second},
		{"second failure doubles", 2, 3, boom, worker.ActionRetry, 2 * time.Second},
		{"last failure fails", 3, 3, boom, worker.ActionFail, 0},
		{"single attempt budget fails", 1, 1, boom, worker.ActionFail, 0},
		{"delay is capped", 6, 10, boom, worker.ActionRetry, 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := worker.Decide(tt.attempt, tt.max, tt.err, strategy)
			if got.Action != tt.wantAct {
				t.Errorf("Action = %s, want %s", got.Action, tt.wantAct)
			}
			if got.Delay != tt.wantDelay {
				t.Errorf("Delay = %v, want %v", got.Delay, tt.wantDelay)
			}
		})
	}
}

func TestDecideIsPure(t *testing.T) {
	strategy := backoff.NewExponential(time.Second, time.Minute)
	err := errors.New("boom")
	first := worker.Decide(2, 3, err, strategy)
	for range 5 {
		if got := worker.Decide(2, 3, err, strategy); got != first {
			t.Fatalf("Decide changed its answer: %+v vs %+v", got, first)
		}
	}
}

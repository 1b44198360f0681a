package worker

import (
	"time"

	"github.com/xraph/imgdispatch/backoff"
)

// Action is what the executor does with a finished attempt.
type Action int

const (
	// ActionSucceed commits the attempt's result.
	ActionSucceed Action = iota
	// ActionRetry schedules another attempt after Delay.
	ActionRetry
	// ActionFail terminates the job with the attempt's error.
	ActionFail
)

func (a Action) String() string {
	switch a {
	case ActionSucceed:
		return "succeed"
	case ActionRetry:
		return "retry"
	case ActionFail:
		return "fail"
	}
	return "unknown"
}

// Decision is the outcome of Decide.
type Decision struct {
	Action Action
	// Delay is the wait before the next attempt. Set only for ActionRetry.
	Delay time.Duration
}

// Decide maps the outcome of attempt (1-indexed) to the next step. It has
// no side effects: a nil err succeeds, a failure with attempts left
// retries after the strategy's delay, and the failure of the last
// attempt fails the job.
func Decide(attempt, maxAttempts int, err error, strategy backoff.Strategy) Decision {
	if err == nil {
		return Decision{Action: ActionSucceed}
	}
	if attempt >= maxAttempts {
		return Decision{Action: ActionFail}
	}
	return Decision{Action: ActionRetry, Delay: strategy.Delay(attempt)}
}

package job

import "time"

// Public status values returned to pollers.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusNotFound   = "not_found"
)

// Status is the poller's view of a job.
type Status struct {
	Status      string     `json:"status"`
	State       State      `json:"state,omitempty"`
	Result      *Result    `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	Attempts    int        `json:"attempts,omitempty"`
	MaxAttempts int        `json:"max_attempts,omitempty"`
	NotBefore   *time.Time `json:"not_before,omitempty"`
}

// StatusOf projects a record onto the public status. A nil record is
// reported as not_found.
func StatusOf(r *Record) Status {
	if r == nil {
		return Status{Status: StatusNotFound}
	}

	st := Status{
		State:       r.State,
		Attempts:    r.AttemptCount,
		MaxAttempts: r.MaxAttempts,
	}
	switch r.State {
	case StateSucceeded:
		st.Status = StatusCompleted
		if r.Result != nil {
			res := *r.Result
			st.Result = &res
		}
	case StateFailed, StateCancelled:
		st.Status = StatusFailed
		st.Error = r.Error
	default:
		st.Status = StatusProcessing
		if r.State == StatePending {
			nb := r.NotBefore
			st.NotBefore = &nb
		}
	}
	return st
}

package dlq

import (
	"time"

	"github.com/xraph/imgdispatch/id"
	"github.com/xraph/imgdispatch/job"
)

// Entry is the dead letter view of a failed job.
type Entry struct {
	JobID     id.JobID   `json:"job_id"`
	Kind      job.Kind   `json:"kind"`
	Queue     string     `json:"queue"`
	InputRef  string     `json:"input_ref"`
	Params    job.Params `json:"params"`
	Error     string     `json:"error"`
	Attempts  int        `json:"attempts"`
	FailedAt  time.Time  `json:"failed_at"`
	CreatedAt time.Time  `json:"created_at"`
}

func entryFrom(r *job.Record) *Entry {
	failedAt := r.UpdatedAt
	if r.CompletedAt != nil {
		failedAt = *r.CompletedAt
	}
	return &Entry{
		JobID:     r.ID,
		Kind:      r.Kind,
		Queue:     r.Queue,
		InputRef:  r.InputRef,
		Params:    r.Params,
		Error:     r.Error,
		Attempts:  r.AttemptCount,
		FailedAt:  failedAt,
		CreatedAt: r.CreatedAt,
	}
}

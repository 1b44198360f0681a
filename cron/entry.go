package cron

import (
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/xraph/imgdispatch"
	"github.com/xraph/imgdispatch/id"
	"github.com/xraph/imgdispatch/job"
)

// Entry is one periodic submission.
type Entry struct {
	// Name identifies the entry. It seeds the ids of the jobs it submits.
	Name string `json:"name"`
	// Schedule is a cron expression or descriptor.
	Schedule string `json:"schedule"`
	// InputRef is the stored image every fire processes.
	InputRef string `json:"input_ref"`
	// Params are the transform parameters of every fire.
	Params job.Params `json:"params"`
	// Queue overrides the runner's queue.
	Queue string `json:"queue,omitempty"`
}

// parser supports standard 5-field cron and descriptors like "@every 30s".
var parser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, imgdispatch.Invalid("schedule", "%v", err)
	}
	return sched, nil
}

// FireID returns the job id of entry name's fire at the given instant.
func FireID(name string, at time.Time) id.JobID {
	return id.Derive(id.PrefixJob, name+"@"+at.UTC().Format(time.RFC3339))
}

func (e Entry) validate() error {
	if e.Name == "" {
		return imgdispatch.Invalid("name", "must not be empty")
	}
	if e.InputRef == "" {
		return imgdispatch.Invalid("input_ref", "must not be empty")
	}
	if err := e.Params.Validate(0); err != nil {
		return fmt.Errorf("cron entry %q: %w", e.Name, err)
	}
	return nil
}

package audithook

// Audit event actions, one per lifecycle hook.
const (
	ActionJobSubmitted  = "job.submitted"
	ActionJobDispatched = "job.dispatched"
	ActionJobStarted    = "job.started"
	ActionJobSucceeded  = "job.succeeded"
	ActionJobRetrying   = "job.retrying"
	ActionJobFailed     = "job.failed"
	ActionJobCancelled  = "job.cancelled"
	ActionCronFired     = "cron.fired"
)

// Audit event categories.
const (
	CategoryJob  = "imgdispatch.job"
	CategoryCron = "imgdispatch.cron"
)

// Resource types.
const (
	ResourceJob  = "job"
	ResourceCron = "cron_entry"
)

// AllActions returns every action the extension can emit.
func AllActions() []string {
	return []string{
		ActionJobSubmitted,
		ActionJobDispatched,
		ActionJobStarted,
		ActionJobSucceeded,
		ActionJobRetrying,
		ActionJobFailed,
		ActionJobCancelled,
		ActionCronFired,
	}
}

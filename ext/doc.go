// Package ext defines the extension system for imgdispatch.
//
// Extensions are notified of job lifecycle events and can react to them,
// for example by recording metrics or sending notifications. Each
// lifecycle hook is a separate interface so extensions opt in only to the
// events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	func (e *MyExtension) OnJobSucceeded(ctx context.Context, r *job.Record, elapsed time.Duration) error {
//	    log.Printf("job %s wrote %s in %s", r.ID, r.Result.OutputRef, elapsed)
//	    return nil
//	}
//
// # Job Lifecycle Hooks
//
//   - [JobSubmitted]: the gateway created the record
//   - [JobDispatched]: the scheduler handed the job to the broker
//   - [JobStarted]: a worker claimed the job and began an attempt
//   - [JobSucceeded]: the job committed its result
//   - [JobRetrying]: an attempt failed and another is scheduled
//   - [JobFailed]: the last attempt failed
//   - [JobCancelled]: the job was cancelled
//
// # Other Hooks
//
//   - [CronFired]: a cron entry submitted a job
//   - [Shutdown]: the engine is shutting down gracefully
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface. Hook errors are logged and
// never fail the job.
package ext

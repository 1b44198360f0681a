// Package audithook turns job lifecycle events into structured audit
// events and hands them to a [Recorder].
//
// Severity follows the outcome: info for normal progress, warning for
// retries and cancellations, critical for terminal failures. SlogRecorder
// writes events to a slog.Logger; any other backend plugs in through
// RecorderFunc.
//
//	audithook.New(audithook.SlogRecorder(logger),
//	    audithook.WithActions(audithook.ActionJobFailed, audithook.ActionJobCancelled),
//	)
package audithook

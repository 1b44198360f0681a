// Package job defines the job record, its state machine, the typed handler
// registry, and the store contract.
//
// # Record
//
// A [Record] carries one ProcessImage request and progresses through a
// state machine:
//
//	pending → scheduled → running → succeeded
//	                       running → scheduled → running → ...   (retry)
//	                       running → failed                      (attempts exhausted)
//	pending | scheduled → cancelled
//	running (cancel requested) → cancelled                        (result discarded)
//
// succeeded, failed and cancelled are terminal: no compare-and-swap on a
// terminal record succeeds.
//
// # Mutations
//
// State only changes through [Store.CompareAndSwapState], which applies a
// [Mutation] to a private copy. The constructors in this package
// ([MarkScheduled], [Claim], [Succeed], [Retry], [Fail], [Cancel],
// [Heartbeat]) are the mutations the scheduler and workers use; [Apply]
// and [ValidateMutation] enforce the lifecycle rules for every adapter.
//
// # Status
//
// [StatusOf] maps a record onto the four public statuses: processing,
// completed, failed and not_found.
package job

// Package dlq exposes jobs that exhausted their attempt budget.
//
// A failed record is terminal and never changes again, so the dead letter
// queue is a view over the job store rather than a second copy: [Service.List]
// reads failed records oldest first, and [Service.Replay] submits a fresh job
// with the same kind, queue, input and parameters. The original record keeps
// its error for inspection.
//
//	svc := dlq.NewService(store, eng.SubmitRecord)
//	entries, _ := svc.List(ctx, 50)
//	replayed, _ := svc.Replay(ctx, entries[0].JobID)
package dlq

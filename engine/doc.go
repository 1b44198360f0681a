// Package engine wires the imgdispatch subsystems together: job store,
// broker, scheduler, worker pool, storage, transform, middleware and
// extensions. It is the submission gateway and status query of the
// system.
//
// An Engine runs any combination of roles. A gateway process submits and
// answers status queries without running anything in the background; a
// scheduler process adds the dispatch loop and the cron runner; a worker
// process adds the pool. A single process may run all of them.
//
//	eng, err := engine.New(imgdispatch.DefaultConfig(),
//	    engine.WithStore(store),
//	    engine.WithBroker(b),
//	    engine.WithStorage(files),
//	)
//	if err != nil { ... }
//	if err := eng.Start(ctx); err != nil { ... }
//	defer eng.Stop(ctx)
//
//	rec, err := eng.Submit(ctx, engine.SubmitRequest{
//	    InputRef: "uploads/cat.png",
//	    Params:   job.DefaultParams(),
//	})
//	st, err := eng.GetStatus(ctx, rec.ID)
//
// This package sits above every subsystem package so none of them import
// each other through it.
package engine

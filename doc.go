// Package imgdispatch runs image-processing jobs asynchronously.
//
// A gateway accepts a submission, records it in a job store and hands it to
// a scheduler. Immediate jobs are enqueued on a broker at once; deferred
// jobs wait in the store until their not-before instant. Worker pools
// consume the broker, run the transform, and commit the outcome through
// compare-and-swap before acknowledging the delivery. Pollers read the
// job's state back through the status query.
//
// # Quick Start
//
//	files, err := local.New("./data")
//	eng, err := engine.New(imgdispatch.DefaultConfig(),
//	    engine.WithStore(memory.New()),
//	    engine.WithBroker(membroker.New()),
//	    engine.WithStorage(files),
//	)
//	err = eng.Start(ctx)
//	rec, err := eng.Submit(ctx, engine.SubmitRequest{
//	    InputRef: "uploads/cat.png",
//	    Params:   job.Params{Width: 800, Height: 600, Quality: 85},
//	})
//
// # Architecture
//
// Processes share nothing but the job store and the broker. Both have
// in-memory adapters for tests and single-process use, plus Redis,
// PostgreSQL (store) and NATS JetStream (broker) adapters for multi-host
// deployments. Job state only changes through CompareAndSwapState, so
// duplicate deliveries and concurrent schedulers lose their race instead
// of corrupting a record.
package imgdispatch

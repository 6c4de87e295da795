// Package engine wires all conveyor subsystems together and provides
// the primary application-level API for registering executors and
// enqueuing work.
//
// # Building an Engine
//
//	eng, err := engine.New(pgStore,
//	    engine.WithConfig(conveyor.DefaultConfig()),
//	    engine.WithQueue(queue.Config{
//	        Name:             "emails",
//	        ParallelEnabled:  true,
//	        ConcurrencyLimit: 8,
//	        MaxConcurrency:   16,
//	        BatchSize:        20,
//	        Watermarks:       queue.Watermarks{Low: 10, High: 50},
//	        PollInterval:     5 * time.Second,
//	    }),
//	    engine.WithBackoff(backoff.NewExponential(time.Second, time.Minute)),
//	    engine.WithExtension(myExtension),
//	)
//
// Every configured queue gets its own memory working set, backfill stream
// and execution loop. All of them share one worker identity, one executor
// registry and one extension registry.
//
// # Registering Executors
//
//	engine.Register(eng, executor.NewDefinition("send-email", sendEmail,
//	    executor.WithTimeout(30*time.Second)))
//
// # Enqueuing Jobs
//
//	engine.Enqueue(ctx, eng, "send-email", EmailInput{To: "user@example.com"},
//	    job.WithQueue("emails"),
//	    job.WithGroup("newsletter-42"),
//	    job.WithMaxAttempts(3),
//	)
//
// # Groups
//
// [Engine.PauseGroup] holds back a group's waiting jobs; [Engine.ResumeGroup]
// releases them and wakes the queue. Counters are kept by the loops and can
// be re-derived with [Engine.ReconcileGroup].
//
// # Options
//
//   - [WithConfig]: engine-wide heartbeat, stale and shutdown settings
//   - [WithQueue]: add a queue to run in this process
//   - [WithExtension]: register a lifecycle extension
//   - [WithMiddleware]: add a middleware to the execution chain
//   - [WithBackoff]: set the retry backoff strategy
//   - [WithWorkerID]: set the worker identity
//   - [WithTracerProvider]: set the OpenTelemetry tracer provider
//   - [WithMeterProvider]: set the OpenTelemetry meter provider
package engine

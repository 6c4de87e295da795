// Package ext defines the extension system for conveyor.
//
// Extensions are notified of queue signals and job lifecycle events and can
// react to them: recording metrics, streaming to subscribers, writing audit
// logs. Each hook is a separate interface so extensions opt in only to the
// events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	func (e *MyExtension) OnJobCompleted(ctx context.Context, j *job.Job, res executor.Result, elapsed time.Duration) error {
//	    log.Printf("job %s completed in %s", j.ID, elapsed)
//	    return nil
//	}
//
// # Hooks
//
//   - [JobEnqueued]: a producer enqueued a job
//   - [JobsAdded]: the backfill stream loaded claimed jobs into memory
//   - [QueueLengthChanged]: the memory working set changed length
//   - [JobStarted]: the loop began executing a job
//   - [JobCompleted]: a job finished successfully
//   - [JobFailed]: a job failed terminally
//   - [JobRetrying]: a failed job returned to waiting
//   - [JobTimeout]: an execution exceeded its timeout
//   - [Shutdown]: the engine is stopping
//
// Hook errors are logged and never propagated to the execution loop.
package ext

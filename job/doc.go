// Package job defines the job entity, its status machine, enqueue options
// and the store contract.
//
// # Status Machine
//
//	waiting → executing → success            (archived)
//	waiting → executing → waiting            (failed, attempts < max)
//	waiting → executing → failed             (attempts exhausted, timeout
//	                                          included; missing executor)
//
// Attempts counts executions that have started, so a job with
// MaxAttempts 3 runs at most three times. Claims and transitions are
// guarded conditional updates: a transition that finds the job in an
// unexpected status fails with conveyor.ErrStaleTransition and changes
// nothing.
//
// Fields of note:
//   - Queue: the queue that claims the job (default: "default")
//   - GroupID: optional group; paused groups are never claimed
//   - Priority: higher values are claimed first
//   - RunAt: earliest claim time; retry backoff pushes it forward
//   - Payload: opaque bytes handed to the executor
package job

// Package worker runs jobs for a single queue.
//
// A [Loop] is the coordinator of one queue: it takes claimed jobs off the
// queue's memory working set, hands each one to its executor through the
// middleware chain and applies exactly one outcome per execution
// (success, retry or failure). In serial mode one job runs at a time; in
// parallel mode up to the queue's effective concurrency run at once,
// dispatched in batches and spaced by the queue's task interval.
//
// An idle loop does not poll in a tight cycle. When the working set is
// empty it asks the backfill stream for one load and then suspends until
// something can change the answer: a local enqueue ([Loop.Notify]), jobs
// added to the working set, a freed retry, a resume, or the poll interval.
//
// Executor timeouts are enforced by the loop, not the executor. When the
// timer fires first the job is settled as timed out and the executor's
// context is cancelled; whatever the executor later returns is discarded.
package worker

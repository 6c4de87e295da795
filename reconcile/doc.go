// Package reconcile repairs state that the execution loop cannot repair on
// its own.
//
// Two passes run on a cron schedule (standard 5-field expressions and
// descriptors such as "@every 1m"):
//
//   - Stale reaping: executing jobs whose heartbeat is older than the stale
//     threshold belonged to a worker that crashed or lost its store
//     connection. Jobs with attempts left are returned to waiting; exhausted
//     jobs are moved to the failure archive.
//   - Group reconciliation: group counters are incremented as separate
//     writes from the terminal transition, so a crash can leave them
//     behind. Each group is re-derived from the active jobs and archives.
//
// Every store write is status-guarded. Two reconcilers racing on the same
// stale job settle it once; the loser sees conveyor.ErrStaleTransition and
// moves on.
package reconcile

// Package queue defines per-queue execution settings and the bounded
// in-memory working set that sits between the store and the execution
// loop.
//
// # Configuration
//
// [Config] carries the tuning for one named queue:
//
//	queue.Config{
//	    Name:             "email",
//	    ParallelEnabled:  true,
//	    ConcurrencyLimit: 5,                      // at most 5 jobs in flight
//	    MaxConcurrency:   20,                     // hard ceiling for the limit
//	    BatchSize:        10,                     // jobs per claim / dispatch round
//	    TaskInterval:     50 * time.Millisecond,  // spacing between dispatches
//	    Watermarks:       queue.Watermarks{Low: 5, High: 50},
//	}
//
// With ParallelEnabled false the queue runs serially: one job settles before
// the next starts.
//
// # Memory
//
// [Memory] is a FIFO of claimed jobs. It never blocks: the backfill stream
// keeps it between the watermarks, and an optional hard capacity rejects
// overflow with conveyor.ErrQueueFull. Every successful enqueue or dequeue
// publishes the new length to [Watcher] subscribers.
//
// # Pacer
//
// [Pacer] spaces dispatches by TaskInterval using a token bucket
// (golang.org/x/time/rate) with a burst of one.
package queue

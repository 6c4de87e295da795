package worker

import (
	"errors"
	"log/slog"
	"time"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/id"
)

// heartbeatLoop refreshes the lease on every job this loop owns: running
// executions and claimed jobs still waiting in the memory queue.
func (l *Loop) heartbeatLoop() {
	defer l.bg.Done()

	ticker := time.NewTicker(l.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.sendHeartbeats()
		}
	}
}

func (l *Loop) sendHeartbeats() {
	l.mu.Lock()
	owned := make([]id.JobID, 0, len(l.active))
	for _, ex := range l.active {
		owned = append(owned, ex.job.ID)
	}
	l.mu.Unlock()

	for _, j := range l.mem.Snapshot() {
		owned = append(owned, j.ID)
	}

	for _, jobID := range owned {
		err := l.jobs.HeartbeatJob(l.ctx, jobID, l.workerID)
		switch {
		case err == nil:
		case errors.Is(err, conveyor.ErrStaleTransition), errors.Is(err, conveyor.ErrJobNotFound):
			l.logger.Debug("heartbeat for job no longer owned",
				slog.String("job_id", jobID.String()),
			)
		default:
			l.logger.Warn("heartbeat failed",
				slog.String("job_id", jobID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

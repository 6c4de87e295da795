package worker

// counters are guarded by Loop.mu.
type counters struct {
	processed  int64
	successful int64
	failed     int64
	retried    int64
	timedOut   int64
}

// Statistics is a point-in-time view of a Loop.
// TotalProcessed always equals TotalSuccessful + TotalFailed; retries are
// not outcomes and are counted separately.
type Statistics struct {
	Queue            string  `json:"queue"`
	IsRunning        bool    `json:"is_running"`
	IsPaused         bool    `json:"is_paused"`
	ActiveJobsCount  int     `json:"active_jobs_count"`
	QueueLength      int     `json:"queue_length"`
	ConcurrencyLimit int     `json:"concurrency_limit"`
	MaxConcurrency   int     `json:"max_concurrency"`
	TotalProcessed   int64   `json:"total_processed"`
	TotalSuccessful  int64   `json:"total_successful"`
	TotalFailed      int64   `json:"total_failed"`
	TotalRetried     int64   `json:"total_retried"`
	TotalTimedOut    int64   `json:"total_timed_out"`
	SuccessRate      float64 `json:"success_rate"`
}

// Statistics returns the loop's current statistics.
func (l *Loop) Statistics() Statistics {
	queued := l.mem.Len()

	l.mu.Lock()
	defer l.mu.Unlock()

	s := Statistics{
		Queue:            l.cfg.Name,
		IsRunning:        l.running,
		IsPaused:         l.paused,
		ActiveJobsCount:  len(l.active),
		QueueLength:      queued,
		ConcurrencyLimit: l.limit,
		MaxConcurrency:   l.cfg.MaxConcurrency,
		TotalProcessed:   l.stats.processed,
		TotalSuccessful:  l.stats.successful,
		TotalFailed:      l.stats.failed,
		TotalRetried:     l.stats.retried,
		TotalTimedOut:    l.stats.timedOut,
	}
	if s.TotalProcessed > 0 {
		s.SuccessRate = float64(s.TotalSuccessful) / float64(s.TotalProcessed)
	}
	return s
}

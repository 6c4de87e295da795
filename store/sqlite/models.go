package sqlite

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/archive"
	"github.com/xraph/conveyor/group"
	"github.com/xraph/conveyor/id"
	"github.com/xraph/conveyor/job"
)

// ── Job model ─────────────────────────────────────────────────────

type jobModel struct {
	bun.BaseModel `bun:"table:conveyor_jobs"`

	ID           string `bun:"id,pk"`
	Queue        string `bun:"queue,notnull"`
	GroupID      string `bun:"group_id,notnull"`
	ExecutorName string `bun:"executor_name,notnull"`
	Payload      []byte `bun:"payload"`
	Status       string `bun:"status,notnull"`
	Priority     int    `bun:"priority,notnull"`
	Attempts     int    `bun:"attempts,notnull"`
	MaxAttempts  int    `bun:"max_attempts,notnull"`
	LastError    string `bun:"last_error,notnull"`
	WorkerID     string `bun:"worker_id,notnull"`
	RunAt        int64  `bun:"run_at,notnull"`
	StartedAt    *int64 `bun:"started_at"`
	HeartbeatAt  *int64 `bun:"heartbeat_at"`
	CreatedAt    int64  `bun:"created_at,notnull"`
	UpdatedAt    int64  `bun:"updated_at,notnull"`
}

func toJobModel(j *job.Job) *jobModel {
	return &jobModel{
		ID:           j.ID.String(),
		Queue:        j.Queue,
		GroupID:      j.GroupID,
		ExecutorName: j.ExecutorName,
		Payload:      j.Payload,
		Status:       string(j.Status),
		Priority:     j.Priority,
		Attempts:     j.Attempts,
		MaxAttempts:  j.MaxAttempts,
		LastError:    j.LastError,
		WorkerID:     workerString(j.WorkerID),
		RunAt:        nanos(j.RunAt),
		StartedAt:    nanosPtr(j.StartedAt),
		HeartbeatAt:  nanosPtr(j.HeartbeatAt),
		CreatedAt:    nanos(j.CreatedAt),
		UpdatedAt:    nanos(j.UpdatedAt),
	}
}

func fromJobModel(m *jobModel) (*job.Job, error) {
	parsedID, err := id.ParseJobID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("conveyor/sqlite: parse job id %q: %w", m.ID, err)
	}

	j := &job.Job{
		Entity: conveyor.Entity{
			CreatedAt: fromNanos(m.CreatedAt),
			UpdatedAt: fromNanos(m.UpdatedAt),
		},
		ID:           parsedID,
		Queue:        m.Queue,
		GroupID:      m.GroupID,
		ExecutorName: m.ExecutorName,
		Payload:      m.Payload,
		Status:       job.Status(m.Status),
		Priority:     m.Priority,
		Attempts:     m.Attempts,
		MaxAttempts:  m.MaxAttempts,
		LastError:    m.LastError,
		RunAt:        fromNanos(m.RunAt),
		StartedAt:    fromNanosPtr(m.StartedAt),
		HeartbeatAt:  fromNanosPtr(m.HeartbeatAt),
	}

	if m.WorkerID != "" {
		if parsedWorker, wErr := id.ParseWorkerID(m.WorkerID); wErr == nil {
			j.WorkerID = parsedWorker
		}
	}
	return j, nil
}

func fromJobModels(ms []jobModel) ([]*job.Job, error) {
	jobs := make([]*job.Job, 0, len(ms))
	for i := range ms {
		j, err := fromJobModel(&ms[i])
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// ── Archive models ────────────────────────────────────────────────

type successModel struct {
	bun.BaseModel `bun:"table:conveyor_job_successes"`

	JobID           string `bun:"job_id,pk"`
	Queue           string `bun:"queue,notnull"`
	GroupID         string `bun:"group_id,notnull"`
	ExecutorName    string `bun:"executor_name,notnull"`
	Payload         []byte `bun:"payload"`
	Priority        int    `bun:"priority,notnull"`
	Attempts        int    `bun:"attempts,notnull"`
	MaxAttempts     int    `bun:"max_attempts,notnull"`
	ExecutionTimeNs int64  `bun:"execution_time_ns,notnull"`
	CreatedAt       int64  `bun:"created_at,notnull"`
	StartedAt       *int64 `bun:"started_at"`
	CompletedAt     int64  `bun:"completed_at,notnull"`
}

func toSuccessModel(rec *archive.Success) *successModel {
	return &successModel{
		JobID:           rec.JobID.String(),
		Queue:           rec.Queue,
		GroupID:         rec.GroupID,
		ExecutorName:    rec.ExecutorName,
		Payload:         rec.Payload,
		Priority:        rec.Priority,
		Attempts:        rec.Attempts,
		MaxAttempts:     rec.MaxAttempts,
		ExecutionTimeNs: rec.ExecutionTime.Nanoseconds(),
		CreatedAt:       nanos(rec.CreatedAt),
		StartedAt:       nanosPtr(rec.StartedAt),
		CompletedAt:     nanos(rec.CompletedAt),
	}
}

func fromSuccessModel(m *successModel) (*archive.Success, error) {
	parsedID, err := id.ParseJobID(m.JobID)
	if err != nil {
		return nil, fmt.Errorf("conveyor/sqlite: parse job id %q: %w", m.JobID, err)
	}
	return &archive.Success{
		JobID:         parsedID,
		Queue:         m.Queue,
		GroupID:       m.GroupID,
		ExecutorName:  m.ExecutorName,
		Payload:       m.Payload,
		Priority:      m.Priority,
		Attempts:      m.Attempts,
		MaxAttempts:   m.MaxAttempts,
		ExecutionTime: time.Duration(m.ExecutionTimeNs),
		CreatedAt:     fromNanos(m.CreatedAt),
		StartedAt:     fromNanosPtr(m.StartedAt),
		CompletedAt:   fromNanos(m.CompletedAt),
	}, nil
}

type failureModel struct {
	bun.BaseModel `bun:"table:conveyor_job_failures"`

	JobID        string `bun:"job_id,pk"`
	Queue        string `bun:"queue,notnull"`
	GroupID      string `bun:"group_id,notnull"`
	ExecutorName string `bun:"executor_name,notnull"`
	Payload      []byte `bun:"payload"`
	Priority     int    `bun:"priority,notnull"`
	Attempts     int    `bun:"attempts,notnull"`
	MaxAttempts  int    `bun:"max_attempts,notnull"`
	Error        string `bun:"error,notnull"`
	CreatedAt    int64  `bun:"created_at,notnull"`
	StartedAt    *int64 `bun:"started_at"`
	FailedAt     int64  `bun:"failed_at,notnull"`
	ReplayedAt   *int64 `bun:"replayed_at"`
}

func toFailureModel(rec *archive.Failure) *failureModel {
	return &failureModel{
		JobID:        rec.JobID.String(),
		Queue:        rec.Queue,
		GroupID:      rec.GroupID,
		ExecutorName: rec.ExecutorName,
		Payload:      rec.Payload,
		Priority:     rec.Priority,
		Attempts:     rec.Attempts,
		MaxAttempts:  rec.MaxAttempts,
		Error:        rec.Error,
		CreatedAt:    nanos(rec.CreatedAt),
		StartedAt:    nanosPtr(rec.StartedAt),
		FailedAt:     nanos(rec.FailedAt),
		ReplayedAt:   nanosPtr(rec.ReplayedAt),
	}
}

func fromFailureModel(m *failureModel) (*archive.Failure, error) {
	parsedID, err := id.ParseJobID(m.JobID)
	if err != nil {
		return nil, fmt.Errorf("conveyor/sqlite: parse job id %q: %w", m.JobID, err)
	}
	return &archive.Failure{
		JobID:        parsedID,
		Queue:        m.Queue,
		GroupID:      m.GroupID,
		ExecutorName: m.ExecutorName,
		Payload:      m.Payload,
		Priority:     m.Priority,
		Attempts:     m.Attempts,
		MaxAttempts:  m.MaxAttempts,
		Error:        m.Error,
		CreatedAt:    fromNanos(m.CreatedAt),
		StartedAt:    fromNanosPtr(m.StartedAt),
		FailedAt:     fromNanos(m.FailedAt),
		ReplayedAt:   fromNanosPtr(m.ReplayedAt),
	}, nil
}

// ── Group model ───────────────────────────────────────────────────

type groupModel struct {
	bun.BaseModel `bun:"table:conveyor_groups"`

	Queue         string `bun:"queue,pk"`
	GroupID       string `bun:"group_id,pk"`
	Status        string `bun:"status,notnull"`
	TotalJobs     int64  `bun:"total_jobs,notnull"`
	CompletedJobs int64  `bun:"completed_jobs,notnull"`
	FailedJobs    int64  `bun:"failed_jobs,notnull"`
	CreatedAt     int64  `bun:"created_at,notnull"`
	UpdatedAt     int64  `bun:"updated_at,notnull"`
}

func toGroupModel(g *group.Group) *groupModel {
	return &groupModel{
		Queue:         g.Queue,
		GroupID:       g.ID,
		Status:        string(g.Status),
		TotalJobs:     g.TotalJobs,
		CompletedJobs: g.CompletedJobs,
		FailedJobs:    g.FailedJobs,
		CreatedAt:     nanos(g.CreatedAt),
		UpdatedAt:     nanos(g.UpdatedAt),
	}
}

func fromGroupModel(m *groupModel) *group.Group {
	return &group.Group{
		Entity: conveyor.Entity{
			CreatedAt: fromNanos(m.CreatedAt),
			UpdatedAt: fromNanos(m.UpdatedAt),
		},
		Queue:         m.Queue,
		ID:            m.GroupID,
		Status:        group.Status(m.Status),
		TotalJobs:     m.TotalJobs,
		CompletedJobs: m.CompletedJobs,
		FailedJobs:    m.FailedJobs,
	}
}

// ── Conversions ───────────────────────────────────────────────────

func nowUTC() time.Time { return time.Now().UTC() }

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func nanosPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	n := t.UnixNano()
	return &n
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func fromNanosPtr(n *int64) *time.Time {
	if n == nil {
		return nil
	}
	t := time.Unix(0, *n).UTC()
	return &t
}

func workerString(w id.WorkerID) string {
	if w.IsNil() {
		return ""
	}
	return w.String()
}

package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/archive"
	"github.com/xraph/conveyor/id"
	"github.com/xraph/conveyor/job"
)

// jobBody is the immutable part of a job, stored msgpack-encoded in the
// "body" field of the job hash. Mutable fields live beside it as plain hash
// fields so scripts can read and flip them.
type jobBody struct {
	Queue        string    `msgpack:"queue"`
	GroupID      string    `msgpack:"group_id"`
	ExecutorName string    `msgpack:"executor_name"`
	Payload      []byte    `msgpack:"payload"`
	Priority     int       `msgpack:"priority"`
	MaxAttempts  int       `msgpack:"max_attempts"`
	CreatedAt    time.Time `msgpack:"created_at"`
}

// jobFields renders every hash field of a job.
func jobFields(j *job.Job) (map[string]any, error) {
	body, err := msgpack.Marshal(&jobBody{
		Queue:        j.Queue,
		GroupID:      j.GroupID,
		ExecutorName: j.ExecutorName,
		Payload:      j.Payload,
		Priority:     j.Priority,
		MaxAttempts:  j.MaxAttempts,
		CreatedAt:    j.CreatedAt.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: encode job body: %w", err)
	}
	fields := mutableFields(j)
	fields["body"] = body
	fields["group_id"] = j.GroupID
	return fields, nil
}

// mutableFields renders the hash fields a transition may change.
func mutableFields(j *job.Job) map[string]any {
	return map[string]any{
		"status":       string(j.Status),
		"attempts":     j.Attempts,
		"last_error":   j.LastError,
		"worker_id":    workerString(j.WorkerID),
		"run_at":       stamp(j.RunAt),
		"started_at":   stampPtr(j.StartedAt),
		"heartbeat_at": stampPtr(j.HeartbeatAt),
		"updated_at":   stamp(j.UpdatedAt),
	}
}

func decodeJob(jobID string, h map[string]string) (*job.Job, error) {
	var body jobBody
	if err := msgpack.Unmarshal([]byte(h["body"]), &body); err != nil {
		return nil, fmt.Errorf("conveyor/redis: decode job %s: %w", jobID, err)
	}
	parsedID, err := id.ParseJobID(jobID)
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: parse job id %q: %w", jobID, err)
	}

	j := &job.Job{
		Entity: conveyor.Entity{
			CreatedAt: body.CreatedAt.UTC(),
			UpdatedAt: parseStamp(h["updated_at"]),
		},
		ID:           parsedID,
		Queue:        body.Queue,
		GroupID:      body.GroupID,
		ExecutorName: body.ExecutorName,
		Payload:      body.Payload,
		Status:       job.Status(h["status"]),
		Priority:     body.Priority,
		MaxAttempts:  body.MaxAttempts,
		LastError:    h["last_error"],
		RunAt:        parseStamp(h["run_at"]),
		StartedAt:    parseStampPtr(h["started_at"]),
		HeartbeatAt:  parseStampPtr(h["heartbeat_at"]),
	}
	if n, convErr := strconv.Atoi(h["attempts"]); convErr == nil {
		j.Attempts = n
	}
	if w := h["worker_id"]; w != "" {
		if parsedWorker, wErr := id.ParseWorkerID(w); wErr == nil {
			j.WorkerID = parsedWorker
		}
	}
	return j, nil
}

// ── Archive records ───────────────────────────────────────────────

type successRecord struct {
	JobID           string     `msgpack:"job_id"`
	Queue           string     `msgpack:"queue"`
	GroupID         string     `msgpack:"group_id"`
	ExecutorName    string     `msgpack:"executor_name"`
	Payload         []byte     `msgpack:"payload"`
	Priority        int        `msgpack:"priority"`
	Attempts        int        `msgpack:"attempts"`
	MaxAttempts     int        `msgpack:"max_attempts"`
	ExecutionTimeNs int64      `msgpack:"execution_time_ns"`
	CreatedAt       time.Time  `msgpack:"created_at"`
	StartedAt       *time.Time `msgpack:"started_at"`
	CompletedAt     time.Time  `msgpack:"completed_at"`
}

func encodeSuccess(rec *archive.Success) ([]byte, error) {
	return msgpack.Marshal(&successRecord{
		JobID:           rec.JobID.String(),
		Queue:           rec.Queue,
		GroupID:         rec.GroupID,
		ExecutorName:    rec.ExecutorName,
		Payload:         rec.Payload,
		Priority:        rec.Priority,
		Attempts:        rec.Attempts,
		MaxAttempts:     rec.MaxAttempts,
		ExecutionTimeNs: rec.ExecutionTime.Nanoseconds(),
		CreatedAt:       rec.CreatedAt,
		StartedAt:       rec.StartedAt,
		CompletedAt:     rec.CompletedAt,
	})
}

func decodeSuccess(data string) (*archive.Success, error) {
	var r successRecord
	if err := msgpack.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("conveyor/redis: decode success record: %w", err)
	}
	parsedID, err := id.ParseJobID(r.JobID)
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: parse job id %q: %w", r.JobID, err)
	}
	return &archive.Success{
		JobID:         parsedID,
		Queue:         r.Queue,
		GroupID:       r.GroupID,
		ExecutorName:  r.ExecutorName,
		Payload:       r.Payload,
		Priority:      r.Priority,
		Attempts:      r.Attempts,
		MaxAttempts:   r.MaxAttempts,
		ExecutionTime: time.Duration(r.ExecutionTimeNs),
		CreatedAt:     r.CreatedAt.UTC(),
		StartedAt:     utcPtr(r.StartedAt),
		CompletedAt:   r.CompletedAt.UTC(),
	}, nil
}

type failureRecord struct {
	JobID        string     `msgpack:"job_id"`
	Queue        string     `msgpack:"queue"`
	GroupID      string     `msgpack:"group_id"`
	ExecutorName string     `msgpack:"executor_name"`
	Payload      []byte     `msgpack:"payload"`
	Priority     int        `msgpack:"priority"`
	Attempts     int        `msgpack:"attempts"`
	MaxAttempts  int        `msgpack:"max_attempts"`
	Error        string     `msgpack:"error"`
	CreatedAt    time.Time  `msgpack:"created_at"`
	StartedAt    *time.Time `msgpack:"started_at"`
	FailedAt     time.Time  `msgpack:"failed_at"`
	ReplayedAt   *time.Time `msgpack:"replayed_at"`
}

func encodeFailure(rec *archive.Failure) ([]byte, error) {
	return msgpack.Marshal(&failureRecord{
		JobID:        rec.JobID.String(),
		Queue:        rec.Queue,
		GroupID:      rec.GroupID,
		ExecutorName: rec.ExecutorName,
		Payload:      rec.Payload,
		Priority:     rec.Priority,
		Attempts:     rec.Attempts,
		MaxAttempts:  rec.MaxAttempts,
		Error:        rec.Error,
		CreatedAt:    rec.CreatedAt,
		StartedAt:    rec.StartedAt,
		FailedAt:     rec.FailedAt,
		ReplayedAt:   rec.ReplayedAt,
	})
}

func decodeFailure(data string) (*archive.Failure, error) {
	var r failureRecord
	if err := msgpack.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("conveyor/redis: decode failure record: %w", err)
	}
	parsedID, err := id.ParseJobID(r.JobID)
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: parse job id %q: %w", r.JobID, err)
	}
	return &archive.Failure{
		JobID:        parsedID,
		Queue:        r.Queue,
		GroupID:      r.GroupID,
		ExecutorName: r.ExecutorName,
		Payload:      r.Payload,
		Priority:     r.Priority,
		Attempts:     r.Attempts,
		MaxAttempts:  r.MaxAttempts,
		Error:        r.Error,
		CreatedAt:    r.CreatedAt.UTC(),
		StartedAt:    utcPtr(r.StartedAt),
		FailedAt:     r.FailedAt.UTC(),
		ReplayedAt:   utcPtr(r.ReplayedAt),
	}, nil
}

// ── Scalars ───────────────────────────────────────────────────────

// stamp renders t as zero-padded Unix nanos so scripts can compare
// timestamps as strings.
func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return fmt.Sprintf("%020d", t.UnixNano())
}

func stampPtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return stamp(*t)
}

func parseStamp(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func parseStampPtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t := parseStamp(s)
	if t.IsZero() {
		return nil
	}
	return &t
}

func millis(t time.Time) float64 { return float64(t.UnixMilli()) }

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func workerString(w id.WorkerID) string {
	if w.IsNil() {
		return ""
	}
	return w.String()
}

package audithook

// Audit event actions. Each constant corresponds to one ext lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionJobEnqueued  = "job.enqueued"
	ActionJobStarted   = "job.started"
	ActionJobCompleted = "job.completed"
	ActionJobFailed    = "job.failed"
	ActionJobRetrying  = "job.retrying"
	ActionJobTimeout   = "job.timeout"
	ActionShutdown     = "engine.shutdown"
)

// Audit event categories group related actions.
const (
	CategoryJob    = "conveyor.job"
	CategoryEngine = "conveyor.engine"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceJob    = "job"
	ResourceEngine = "engine"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionJobEnqueued,
		ActionJobStarted,
		ActionJobCompleted,
		ActionJobFailed,
		ActionJobRetrying,
		ActionJobTimeout,
		ActionShutdown,
	}
}

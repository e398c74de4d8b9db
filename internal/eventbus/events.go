package eventbus

import "time"

// Event types published by the pipeline. The dashboard layer subscribes to
// these; nothing in this core renders them.
const (
	TypeScheduleEnqueued = "schedule.enqueued"
	TypePublishSucceeded = "publish.succeeded"
	TypePublishRetried   = "publish.retried"
	TypePublishWaiting   = "publish.waiting"
	TypePublishFailed    = "publish.failed"
	TypeSchedulePaused   = "schedule.paused"
	TypeAccountDisabled  = "account.disabled"
)

// OutcomeEvent is the payload for all publish lifecycle events.
type OutcomeEvent struct {
	JobID      string    `json:"job_id,omitempty"`
	ScheduleID string    `json:"schedule_id"`
	AdID       string    `json:"ad_id,omitempty"`
	AccountID  string    `json:"account_id,omitempty"`
	Outcome    string    `json:"outcome"`
	Attempts   int       `json:"attempts,omitempty"`
	NextRunAt  time.Time `json:"next_run_at,omitzero"`
	Error      string    `json:"error,omitempty"`
}

package schedule

import "time"

// Execution records one expansion of a recurring rule: which day it
// targeted and what came of it.
type Execution struct {
	ID         string    `json:"id"`
	RuleID     string    `json:"rule_id"`
	TargetDay  string    `json:"target_day"`
	JobID      string    `json:"job_id,omitempty"` // created or pre-existing job
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	ExecutedAt time.Time `json:"executed_at"`
}

// Execution status constants
const (
	ExecutionStatusCreated   = "created"   // a new job was created
	ExecutionStatusDuplicate = "duplicate" // the day already had a job
	ExecutionStatusFailed    = "failed"    // no job; see Error
)

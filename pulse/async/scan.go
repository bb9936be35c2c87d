package async

import (
	"database/sql"
	"encoding/json"

	"github.com/teranos/showrunner/db"
	"github.com/teranos/showrunner/errors"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// JobScanArgs holds the nullable and encoded columns scanned from a job row
// before they are decoded into a Job.
type JobScanArgs struct {
	Topic         sql.NullString
	ScheduledTime sql.NullString
	Pipeline      string
	StageOutputs  string
	LastError     sql.NullString
	RuleID        sql.NullString
	CreatedAt     string
	UpdatedAt     string
	StartedAt     sql.NullString
	CompletedAt   sql.NullString
}

// GetJobScanTargets returns scan destinations in StandardJobSelectColumns order
func GetJobScanTargets(job *Job, args *JobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.Label,
		&args.Topic,
		&job.TargetDuration,
		&job.Priority,
		&args.ScheduledTime,
		&job.TargetDay,
		&job.Status,
		&args.Pipeline,
		&job.CurrentStage,
		&args.StageOutputs,
		&job.RetryCount,
		&job.MaxRetries,
		&args.LastError,
		&args.RuleID,
		&args.CreatedAt,
		&args.UpdatedAt,
		&args.StartedAt,
		&args.CompletedAt,
	}
}

// ProcessJobScanArgs decodes the scanned columns into job.
func ProcessJobScanArgs(job *Job, args *JobScanArgs) error {
	job.Topic = args.Topic.String
	job.LastError = args.LastError.String
	job.RuleID = args.RuleID.String

	if err := json.Unmarshal([]byte(args.Pipeline), &job.Pipeline); err != nil {
		return errors.Wrapf(err, "failed to unmarshal pipeline for job %s", job.ID)
	}
	job.StageOutputs = map[string]string{}
	if args.StageOutputs != "" {
		if err := json.Unmarshal([]byte(args.StageOutputs), &job.StageOutputs); err != nil {
			return errors.Wrapf(err, "failed to unmarshal stage outputs for job %s", job.ID)
		}
	}

	var err error
	if job.ScheduledTime, err = db.ParseNullTime(args.ScheduledTime); err != nil {
		return err
	}
	if job.CreatedAt, err = db.ParseTime(args.CreatedAt); err != nil {
		return err
	}
	if job.UpdatedAt, err = db.ParseTime(args.UpdatedAt); err != nil {
		return err
	}
	if job.StartedAt, err = db.ParseNullTime(args.StartedAt); err != nil {
		return err
	}
	if job.CompletedAt, err = db.ParseNullTime(args.CompletedAt); err != nil {
		return err
	}
	return nil
}

// scanJob reads one job from a row
func scanJob(row rowScanner) (*Job, error) {
	var job Job
	args := &JobScanArgs{}
	if err := row.Scan(GetJobScanTargets(&job, args)...); err != nil {
		return nil, err
	}
	if err := ProcessJobScanArgs(&job, args); err != nil {
		return nil, err
	}
	return &job, nil
}

// StandardJobSelectColumns returns the standard column list for job SELECT queries
func StandardJobSelectColumns() string {
	return `id, label, topic, target_duration, priority,
		scheduled_time, target_day, status,
		pipeline, current_stage, stage_outputs,
		retry_count, max_retries, last_error, rule_id,
		created_at, updated_at, started_at, completed_at`
}

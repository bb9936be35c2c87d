package async

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/teranos/showrunner/db"
	"github.com/teranos/showrunner/errors"
)

// ErrDuplicateJob is returned by Create when a recurring rule already owns a
// job for the same target day.
var ErrDuplicateJob = errors.New("job already exists for rule and day")

// JobStore is the durable record of jobs. Every write is atomic for a
// single job. Status changes go through CompareAndSetStatus so exactly one
// caller wins a race.
type JobStore interface {
	Create(ctx context.Context, job *Job) (string, error)
	Get(ctx context.Context, id string) (*Job, error)
	CompareAndSetStatus(ctx context.Context, id string, expected, next JobStatus) (bool, error)
	UpdateFields(ctx context.Context, id string, update JobUpdate) error
	List(ctx context.Context, filter ListFilter) ([]*Job, error)
}

// JobUpdate is a partial update. Nil fields are left alone; StageOutputs
// entries are merged into the stored map.
type JobUpdate struct {
	CurrentStage  *string
	StageOutputs  map[string]string
	RetryCount    *int
	LastError     *string // "" clears it
	ScheduledTime *time.Time
	TargetDay     *string
}

func (u JobUpdate) empty() bool {
	return u.CurrentStage == nil && len(u.StageOutputs) == 0 && u.RetryCount == nil &&
		u.LastError == nil && u.ScheduledTime == nil && u.TargetDay == nil
}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	Statuses  []JobStatus
	Label     string
	RuleID    string
	TargetDay string
	Limit     int
}

// DefaultListLimit caps List when no limit is given
const DefaultListLimit = 100

// Store persists jobs in the production_jobs table. It is also the shared
// ready queue: ClaimNext hands out PENDING jobs in priority order.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a job store
func NewStore(conn *sql.DB) *Store {
	return &Store{db: conn, now: time.Now}
}

var _ JobStore = (*Store)(nil)

// Create inserts a new job and returns its id
func (s *Store) Create(ctx context.Context, job *Job) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}

	pipeline, err := json.Marshal(job.Pipeline)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal pipeline")
	}
	outputs, err := json.Marshal(nonNilOutputs(job.StageOutputs))
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal stage outputs")
	}

	query := `
		INSERT INTO production_jobs (
			id, label, topic, target_duration, priority,
			scheduled_time, target_day, status,
			pipeline, current_stage, stage_outputs,
			retry_count, max_retries, last_error, rule_id,
			created_at, updated_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		job.ID,
		job.Label,
		job.Topic,
		job.TargetDuration,
		int(job.Priority),
		db.NullTime(job.ScheduledTime),
		job.TargetDay,
		string(job.Status),
		string(pipeline),
		job.CurrentStage,
		string(outputs),
		job.RetryCount,
		job.MaxRetries,
		nullString(job.LastError),
		nullString(job.RuleID),
		db.FormatTime(job.CreatedAt),
		db.FormatTime(job.UpdatedAt),
		db.NullTime(job.StartedAt),
		db.NullTime(job.CompletedAt),
	)
	if err != nil {
		if job.RuleID != "" && db.IsUniqueViolation(err) {
			err = errors.Mark(errors.Wrap(err, "failed to create job"), ErrDuplicateJob)
			return "", errors.WithDetail(err, fmt.Sprintf("Rule ID: %s, day: %s", job.RuleID, job.TargetDay))
		}
		err = errors.Wrap(err, "failed to create job")
		return "", errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
	}

	return job.ID, nil
}

// Get retrieves a job by ID
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + ` FROM production_jobs WHERE id = ?`

	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job %s not found", id)
	}
	if err != nil {
		return nil, errors.WithDetail(errors.Wrap(err, "failed to get job"), fmt.Sprintf("Job ID: %s", id))
	}
	return job, nil
}

// CompareAndSetStatus moves a job from expected to next if and only if its
// stored status is still expected. It returns false when another caller
// changed the status first. Entering RUNNING stamps started_at once;
// entering a terminal status stamps completed_at.
func (s *Store) CompareAndSetStatus(ctx context.Context, id string, expected, next JobStatus) (bool, error) {
	if !CanTransition(expected, next) {
		return false, errors.NewTransitionError(string(expected), string(next))
	}

	now := db.FormatTime(s.now())
	result, err := s.db.ExecContext(ctx, `
		UPDATE production_jobs
		SET status = ?,
		    updated_at = ?,
		    started_at = CASE WHEN ? THEN COALESCE(started_at, ?) ELSE started_at END,
		    completed_at = CASE WHEN ? THEN ? ELSE completed_at END
		WHERE id = ? AND status = ?`,
		string(next), now,
		next == JobStatusRunning, now,
		next.IsTerminal(), now,
		id, string(expected),
	)
	if err != nil {
		err = errors.Wrap(err, "failed to update job status")
		return false, errors.WithDetail(err, fmt.Sprintf("Job ID: %s, %s -> %s", id, expected, next))
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	if n == 1 {
		return true, nil
	}

	if _, err := s.status(ctx, s.db, id); err != nil {
		return false, err
	}
	return false, nil
}

type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) status(ctx context.Context, q rowQueryer, id string) (JobStatus, error) {
	var status JobStatus
	err := q.QueryRowContext(ctx, `SELECT status FROM production_jobs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.NewNotFoundError("job %s not found", id)
	}
	if err != nil {
		return "", errors.Wrap(err, "failed to read job status")
	}
	return status, nil
}

// UpdateFields applies a partial update in one transaction. Jobs in a
// terminal status are never mutated: the update fails with errors.ErrTerminal.
func (s *Store) UpdateFields(ctx context.Context, id string, update JobUpdate) error {
	if update.empty() {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin job update")
	}
	defer tx.Rollback()

	var status JobStatus
	var outputsJSON, pipelineJSON, currentStage string
	var maxRetries int
	err = tx.QueryRowContext(ctx,
		`SELECT status, stage_outputs, pipeline, current_stage, max_retries FROM production_jobs WHERE id = ?`, id,
	).Scan(&status, &outputsJSON, &pipelineJSON, &currentStage, &maxRetries)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.NewNotFoundError("job %s not found", id)
	}
	if err != nil {
		return errors.WithDetail(errors.Wrap(err, "failed to read job for update"), fmt.Sprintf("Job ID: %s", id))
	}
	if status.IsTerminal() {
		err := errors.Wrapf(errors.ErrTerminal, "job %s is %s", id, status)
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
	}

	sets := []string{"updated_at = ?"}
	args := []interface{}{db.FormatTime(s.now())}

	if update.CurrentStage != nil {
		currentStage = *update.CurrentStage
		sets = append(sets, "current_stage = ?")
		args = append(args, currentStage)
	}
	if update.CurrentStage != nil || len(update.StageOutputs) > 0 {
		outputs := map[string]string{}
		if err := json.Unmarshal([]byte(outputsJSON), &outputs); err != nil {
			return errors.Wrapf(err, "failed to unmarshal stage outputs for job %s", id)
		}
		maps.Copy(outputs, update.StageOutputs)

		var pipeline []string
		if err := json.Unmarshal([]byte(pipelineJSON), &pipeline); err != nil {
			return errors.Wrapf(err, "failed to unmarshal pipeline for job %s", id)
		}
		if err := checkCheckpoint(pipeline, currentStage, outputs); err != nil {
			return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
		}

		if len(update.StageOutputs) > 0 {
			encoded, err := json.Marshal(outputs)
			if err != nil {
				return errors.Wrap(err, "failed to marshal stage outputs")
			}
			sets = append(sets, "stage_outputs = ?")
			args = append(args, string(encoded))
		}
	}
	if update.RetryCount != nil {
		if *update.RetryCount < 0 || *update.RetryCount > maxRetries {
			return errors.NewInvalidRequestError("retry count %d outside 0..%d", *update.RetryCount, maxRetries)
		}
		sets = append(sets, "retry_count = ?")
		args = append(args, *update.RetryCount)
	}
	if update.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, nullString(*update.LastError))
	}
	if update.ScheduledTime != nil {
		sets = append(sets, "scheduled_time = ?")
		args = append(args, db.FormatTime(*update.ScheduledTime))
	}
	if update.TargetDay != nil {
		sets = append(sets, "target_day = ?")
		args = append(args, *update.TargetDay)
	}

	args = append(args, id)
	query := `UPDATE production_jobs SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.WithDetail(errors.Wrap(err, "failed to update job"), fmt.Sprintf("Job ID: %s", id))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		err := errors.Wrapf(errors.ErrTerminal, "job %s changed to a terminal status during update", id)
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit job update")
	}
	return nil
}

// List returns jobs matching filter, newest first
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*Job, error) {
	var where []string
	var args []interface{}

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.Label != "" {
		where = append(where, "label = ?")
		args = append(args, filter.Label)
	}
	if filter.RuleID != "" {
		where = append(where, "rule_id = ?")
		args = append(args, filter.RuleID)
	}
	if filter.TargetDay != "" {
		where = append(where, "target_day = ?")
		args = append(args, filter.TargetDay)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `SELECT ` + StandardJobSelectColumns() + ` FROM production_jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "jobs")
}

// scanJobs scans every job from rows
func scanJobs(rows *sql.Rows, context string) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", context)
	}

	return jobs, nil
}

// Reopen moves a FAILED job back to PENDING with a fresh retry budget. Its
// checkpoint and current stage are kept, so execution resumes at the stage
// that failed. It returns false if the job is not FAILED.
func (s *Store) Reopen(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE production_jobs
		SET status = 'pending', retry_count = 0, completed_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'failed'`,
		db.FormatTime(s.now()), id)
	if err != nil {
		return false, errors.WithDetail(errors.Wrap(err, "failed to reopen job"), fmt.Sprintf("Job ID: %s", id))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		if _, err := s.status(ctx, s.db, id); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

// FindByLabelDay returns the job with label on targetDay, or nil if none.
// Any status counts, so a cancelled job still marks the day as expanded.
func (s *Store) FindByLabelDay(ctx context.Context, label, targetDay string) (*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + `
		FROM production_jobs
		WHERE label = ? AND target_day = ?
		ORDER BY created_at ASC
		LIMIT 1`

	job, err := scanJob(s.db.QueryRowContext(ctx, query, label, targetDay))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find job by label and day")
	}
	return job, nil
}

// ClaimNext atomically claims the best ready job: PENDING, due by now,
// highest priority first, then earliest scheduled time. It returns nil when
// nothing is ready, and errors.ErrConcurrencyConflict when another worker
// claimed the candidate first.
func (s *Store) ClaimNext(ctx context.Context, now time.Time) (*Job, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM production_jobs
		WHERE status = 'pending' AND (scheduled_time IS NULL OR scheduled_time <= ?)
		ORDER BY priority DESC, COALESCE(scheduled_time, created_at) ASC, created_at ASC
		LIMIT 1`,
		db.FormatTime(now),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to select ready job")
	}

	won, err := s.CompareAndSetStatus(ctx, id, JobStatusPending, JobStatusRunning)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, errors.Wrapf(errors.ErrConcurrencyConflict, "job %s was claimed by another worker", id)
	}
	return s.Get(ctx, id)
}

// NextDue returns the earliest scheduled time of a PENDING job after now,
// or nil if none is waiting.
func (s *Store) NextDue(ctx context.Context, now time.Time) (*time.Time, error) {
	var next sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(scheduled_time) FROM production_jobs
		WHERE status = 'pending' AND scheduled_time > ?`,
		db.FormatTime(now),
	).Scan(&next)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read next due job")
	}
	return db.ParseNullTime(next)
}

// ResetOrphaned moves RUNNING jobs back to PENDING. Only call it when no
// other process is executing jobs against the same store.
func (s *Store) ResetOrphaned(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE production_jobs SET status = 'pending', updated_at = ? WHERE status = 'running'`,
		db.FormatTime(s.now()))
	if err != nil {
		return 0, errors.Wrap(err, "failed to reset orphaned jobs")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(n), nil
}

// Counts returns the number of jobs per status
func (s *Store) Counts(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM production_jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[JobStatus]int, len(AllStatuses))
	for _, st := range AllStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var status JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating job counts")
	}
	return counts, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNilOutputs(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

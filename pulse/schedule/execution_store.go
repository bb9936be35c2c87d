package schedule

import (
	"context"
	"database/sql"
	"time"

	id "github.com/teranos/vanity-id"

	"github.com/teranos/showrunner/db"
	"github.com/teranos/showrunner/errors"
)

// ExecutionStore handles persistence of rule expansion history
type ExecutionStore struct {
	db *sql.DB
}

// NewExecutionStore creates a new execution store
func NewExecutionStore(conn *sql.DB) *ExecutionStore {
	return &ExecutionStore{db: conn}
}

// Create records an execution, assigning an id and timestamp when unset
func (s *ExecutionStore) Create(ctx context.Context, exec *Execution) error {
	if exec.ID == "" {
		exec.ID = id.GenerateExecutionID()
	}
	if exec.ExecutedAt.IsZero() {
		exec.ExecutedAt = time.Now()
	}

	var jobID, errorMessage sql.NullString
	if exec.JobID != "" {
		jobID = sql.NullString{String: exec.JobID, Valid: true}
	}
	if exec.Error != "" {
		errorMessage = sql.NullString{String: exec.Error, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rule_executions (id, rule_id, target_day, job_id, status, error, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		exec.ID,
		exec.RuleID,
		exec.TargetDay,
		jobID,
		exec.Status,
		errorMessage,
		db.FormatTime(exec.ExecutedAt),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create execution")
	}
	return nil
}

// Get retrieves an execution by ID
func (s *ExecutionStore) Get(ctx context.Context, execID string) (*Execution, error) {
	exec, err := scanExecution(s.db.QueryRowContext(ctx, `
		SELECT id, rule_id, target_day, job_id, status, error, executed_at
		FROM rule_executions
		WHERE id = ?`, execID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("execution %s not found", execID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get execution")
	}
	return exec, nil
}

// ListByRule returns executions of a rule, newest first
func (s *ExecutionStore) ListByRule(ctx context.Context, ruleID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rule_id, target_day, job_id, status, error, executed_at
		FROM rule_executions
		WHERE rule_id = ?
		ORDER BY executed_at DESC, id DESC
		LIMIT ?`,
		ruleID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list executions")
	}
	defer rows.Close()

	var executions []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan execution")
		}
		executions = append(executions, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating executions")
	}
	return executions, nil
}

func scanExecution(row rowScanner) (*Execution, error) {
	var exec Execution
	var jobID, errorMessage sql.NullString
	var executedAt string

	if err := row.Scan(&exec.ID, &exec.RuleID, &exec.TargetDay, &jobID, &exec.Status, &errorMessage, &executedAt); err != nil {
		return nil, err
	}
	exec.JobID = jobID.String
	exec.Error = errorMessage.String

	t, err := db.ParseTime(executedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse executed_at for execution %s", exec.ID)
	}
	exec.ExecutedAt = t
	return &exec, nil
}

package schedule

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/teranos/showrunner/db"
	"github.com/teranos/showrunner/errors"
)

// RuleStore handles persistence of recurring rules
type RuleStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewRuleStore creates a new rule store
func NewRuleStore(conn *sql.DB) *RuleStore {
	return &RuleStore{db: conn, now: time.Now}
}

const ruleColumns = `id, label_template, topic, target_duration, priority,
	frequency, time_of_day, day_of_week, day_of_month, timezone,
	next_run, active, last_target_day, created_at, updated_at`

// Create inserts a validated rule
func (s *RuleStore) Create(ctx context.Context, rule *Rule) error {
	if rule.ID == "" {
		return errors.NewInvalidRequestError("rule id cannot be empty")
	}
	if err := rule.Validate(); err != nil {
		return err
	}

	var dayOfWeek, dayOfMonth sql.NullInt64
	switch rule.Frequency {
	case FrequencyWeekly:
		dayOfWeek = sql.NullInt64{Int64: int64(rule.DayOfWeek), Valid: true}
	case FrequencyMonthly:
		dayOfMonth = sql.NullInt64{Int64: int64(rule.DayOfMonth), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO recurring_rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID,
		rule.LabelTemplate,
		rule.Topic,
		rule.TargetDuration,
		int(rule.Priority),
		string(rule.Frequency),
		rule.TimeOfDay,
		dayOfWeek,
		dayOfMonth,
		rule.Timezone,
		db.FormatTime(rule.NextRun),
		rule.Active,
		sql.NullString{String: rule.LastTargetDay, Valid: rule.LastTargetDay != ""},
		db.FormatTime(rule.CreatedAt),
		db.FormatTime(rule.UpdatedAt),
	)
	if err != nil {
		return errors.WithDetail(errors.Wrap(err, "failed to create rule"), fmt.Sprintf("Rule ID: %s", rule.ID))
	}
	return nil
}

// Get retrieves a rule by ID
func (s *RuleStore) Get(ctx context.Context, id string) (*Rule, error) {
	rule, err := scanRule(s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM recurring_rules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("rule %s not found", id)
	}
	if err != nil {
		return nil, errors.WithDetail(errors.Wrap(err, "failed to get rule"), fmt.Sprintf("Rule ID: %s", id))
	}
	return rule, nil
}

// List returns rules ordered by next run, optionally only active ones
func (s *RuleStore) List(ctx context.Context, activeOnly bool) ([]*Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM recurring_rules`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY next_run ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list rules")
	}
	defer rows.Close()
	return scanRules(rows)
}

// ListDue returns active rules whose next run is at or before now, oldest
// first. Limited to 100 rules per batch.
func (s *RuleStore) ListDue(ctx context.Context, now time.Time) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM recurring_rules
		WHERE active = 1 AND next_run <= ?
		ORDER BY next_run ASC
		LIMIT 100`,
		db.FormatTime(now))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due rules")
	}
	defer rows.Close()
	return scanRules(rows)
}

// NextRule returns the active rule that runs next, or nil if none
func (s *RuleStore) NextRule(ctx context.Context) (*Rule, error) {
	rule, err := scanRule(s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM recurring_rules
		WHERE active = 1
		ORDER BY next_run ASC
		LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get next rule")
	}
	return rule, nil
}

// AdvanceNextRun moves a rule from expected to next, recording the target
// day just expanded. It returns false if another expander advanced the rule
// first. next must be after expected.
func (s *RuleStore) AdvanceNextRun(ctx context.Context, id string, expected, next time.Time, targetDay string) (bool, error) {
	if !next.After(expected) {
		return false, errors.NewInvalidRequestError("next run %s is not after %s", next.Format(time.RFC3339), expected.Format(time.RFC3339))
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE recurring_rules
		SET next_run = ?, last_target_day = ?, updated_at = ?
		WHERE id = ? AND next_run = ?`,
		db.FormatTime(next), targetDay, db.FormatTime(s.now()),
		id, db.FormatTime(expected),
	)
	if err != nil {
		return false, errors.WithDetail(errors.Wrap(err, "failed to advance rule"), fmt.Sprintf("Rule ID: %s", id))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return n == 1, nil
}

// Deactivate stops a rule from expanding. Rules are never deleted.
func (s *RuleStore) Deactivate(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE recurring_rules SET active = 0, updated_at = ? WHERE id = ?`,
		db.FormatTime(s.now()), id)
	if err != nil {
		return errors.Wrap(err, "failed to deactivate rule")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("rule %s not found", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var rule Rule
	var frequency, nextRun, createdAt, updatedAt string
	var dayOfWeek, dayOfMonth sql.NullInt64
	var lastTargetDay sql.NullString

	err := row.Scan(
		&rule.ID,
		&rule.LabelTemplate,
		&rule.Topic,
		&rule.TargetDuration,
		&rule.Priority,
		&frequency,
		&rule.TimeOfDay,
		&dayOfWeek,
		&dayOfMonth,
		&rule.Timezone,
		&nextRun,
		&rule.Active,
		&lastTargetDay,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.Frequency = Frequency(frequency)
	rule.DayOfWeek = time.Weekday(dayOfWeek.Int64)
	rule.DayOfMonth = int(dayOfMonth.Int64)
	rule.LastTargetDay = lastTargetDay.String

	// A timestamp that fails to parse means corruption or a schema mismatch
	if rule.NextRun, err = db.ParseTime(nextRun); err != nil {
		return nil, errors.Wrapf(err, "failed to parse next_run for rule %s", rule.ID)
	}
	if rule.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for rule %s", rule.ID)
	}
	if rule.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for rule %s", rule.ID)
	}
	return &rule, nil
}

func scanRules(rows *sql.Rows) ([]*Rule, error) {
	var rules []*Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan rule")
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating rules")
	}
	return rules, nil
}

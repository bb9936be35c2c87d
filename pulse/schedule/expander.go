package schedule

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/showrunner/errors"
	"github.com/teranos/showrunner/logger"
	"github.com/teranos/showrunner/pulse/async"
	"github.com/teranos/showrunner/pulse/calendar"
)

// JobLookup finds the job already created for a label on a target day
type JobLookup interface {
	FindByLabelDay(ctx context.Context, label, targetDay string) (*async.Job, error)
}

// JobCreator persists a job whose calendar slot is already reserved. It
// releases the slot if the job cannot be stored.
type JobCreator interface {
	CreateJob(ctx context.Context, job *async.Job) error
}

// ExpanderConfig holds the job settings rules do not carry themselves
type ExpanderConfig struct {
	Pipeline   []string
	MaxRetries int
}

// Expander turns due rule occurrences into jobs
type Expander struct {
	rules      *RuleStore
	executions *ExecutionStore
	calendar   *calendar.Manager
	jobs       JobLookup
	creator    JobCreator
	config     ExpanderConfig
	logger     *zap.SugaredLogger
}

// NewExpander creates an expander
func NewExpander(rules *RuleStore, executions *ExecutionStore, cal *calendar.Manager, jobs JobLookup, creator JobCreator, cfg ExpanderConfig, log *zap.SugaredLogger) *Expander {
	if log == nil {
		log = logger.Logger
	}
	return &Expander{
		rules:      rules,
		executions: executions,
		calendar:   cal,
		jobs:       jobs,
		creator:    creator,
		config:     cfg,
		logger:     logger.AddRuleSymbol(log.Named("expander")),
	}
}

// Expand creates the job for the rule's due occurrence. It returns nil when
// the rule is inactive or not yet due.
//
// The occurrence is placed at its exact time when the calendar allows it,
// otherwise at the first suggestion after the occurrence (or after asOf, if
// later). Expansion is idempotent per rule and target day: an existing job
// with the same label on that day is reported as a duplicate. Every outcome
// is recorded as an Execution and advances NextRun past asOf, skipping any
// missed occurrences. Storage errors leave NextRun untouched so the next
// tick retries.
func (e *Expander) Expand(ctx context.Context, rule *Rule, asOf time.Time) (*Execution, error) {
	if !rule.Active || asOf.Before(rule.NextRun) {
		return nil, nil
	}

	target := rule.NextRun
	day := rule.TargetDay(target)
	log := e.logger.With(logger.FieldRuleID, rule.ID, logger.FieldTargetDay, day)
	exec := &Execution{RuleID: rule.ID, TargetDay: day, ExecutedAt: asOf}

	label, err := rule.RenderLabel(target)
	if err != nil {
		exec.Status = ExecutionStatusFailed
		exec.Error = err.Error()
		return e.finish(ctx, rule, asOf, exec, log)
	}
	log = log.With(logger.FieldLabel, label)

	existing, err := e.jobs.FindByLabelDay(ctx, label, day)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to check for existing job of rule %s", rule.ID)
	}
	if existing != nil {
		exec.Status = ExecutionStatusDuplicate
		exec.JobID = existing.ID
		return e.finish(ctx, rule, asOf, exec, log)
	}

	job, err := async.NewJob(async.JobParams{
		Label:          label,
		Topic:          rule.Topic,
		TargetDuration: rule.TargetDuration,
		Priority:       rule.Priority,
		ScheduledTime:  &target,
		TargetDay:      day,
		Pipeline:       e.config.Pipeline,
		MaxRetries:     e.config.MaxRetries,
		RuleID:         rule.ID,
		Actor:          "rule:" + rule.ID,
	})
	if err != nil {
		exec.Status = ExecutionStatusFailed
		exec.Error = err.Error()
		return e.finish(ctx, rule, asOf, exec, log)
	}

	res, err := e.calendar.ReserveSlot(ctx, job.ID, target)
	if err != nil {
		return nil, err
	}
	if !res.Reserved() {
		after := target
		if asOf.After(after) {
			after = asOf
		}
		log.Infow("Occurrence slot unavailable, placing at next suggestion",
			logger.FieldSlot, target,
			logger.FieldReason, string(res.Conflict),
		)
		res, err = e.calendar.ReserveNext(ctx, job.ID, after)
		if err != nil {
			return nil, err
		}
		if !res.Reserved() {
			exec.Status = ExecutionStatusFailed
			exec.Error = res.Err().Error()
			return e.finish(ctx, rule, asOf, exec, log)
		}
	}
	placed := res.Slot.Time
	job.ScheduledTime = &placed

	if err := e.creator.CreateJob(ctx, job); err != nil {
		if errors.Is(err, async.ErrDuplicateJob) {
			// Another expander created the day's job between lookup and insert
			exec.Status = ExecutionStatusDuplicate
			return e.finish(ctx, rule, asOf, exec, log)
		}
		return nil, errors.Wrapf(err, "failed to create job for rule %s", rule.ID)
	}

	exec.Status = ExecutionStatusCreated
	exec.JobID = job.ID
	log = log.With(logger.FieldJobID, job.ID, logger.FieldSlot, placed)
	return e.finish(ctx, rule, asOf, exec, log)
}

// finish records exec and advances the rule past its expanded occurrence
func (e *Expander) finish(ctx context.Context, rule *Rule, asOf time.Time, exec *Execution, log *zap.SugaredLogger) (*Execution, error) {
	if err := e.executions.Create(ctx, exec); err != nil {
		return nil, err
	}

	from := rule.NextRun
	if asOf.After(from) {
		from = asOf
	}
	next, err := rule.NextAfter(from)
	if err != nil {
		return exec, err
	}

	advanced, err := e.rules.AdvanceNextRun(ctx, rule.ID, rule.NextRun, next, exec.TargetDay)
	if err != nil {
		return exec, err
	}
	if advanced {
		rule.NextRun = next
		rule.LastTargetDay = exec.TargetDay
	}

	switch exec.Status {
	case ExecutionStatusFailed:
		log.Warnw("Rule expansion failed", logger.FieldError, exec.Error, logger.FieldNextRun, next)
	case ExecutionStatusDuplicate:
		log.Infow("Rule occurrence already expanded", logger.FieldJobID, exec.JobID, logger.FieldNextRun, next)
	default:
		log.Infow("Rule expanded", logger.FieldNextRun, next)
	}
	return exec, nil
}

// ExpandDue expands every rule due at asOf. A failing rule does not stop
// the others; the first error is returned after all were tried.
func (e *Expander) ExpandDue(ctx context.Context, asOf time.Time) ([]*Execution, error) {
	rules, err := e.rules.ListDue(ctx, asOf)
	if err != nil {
		return nil, err
	}

	var executions []*Execution
	var firstErr error
	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return executions, err
		}
		exec, err := e.Expand(ctx, rule, asOf)
		if err != nil {
			e.logger.Errorw("Failed to expand rule", logger.FieldRuleID, rule.ID, logger.FieldError, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if exec != nil {
			executions = append(executions, exec)
		}
	}
	return executions, firstErr
}

// Package content is the scheduling facade in front of the calendar, the
// job store and the ready queue. Operator commands and recurring rules both
// create jobs through it.
package content

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/showrunner/errors"
	"github.com/teranos/showrunner/internal/util"
	"github.com/teranos/showrunner/logger"
	"github.com/teranos/showrunner/pulse/async"
	"github.com/teranos/showrunner/pulse/calendar"
)

// maxTransitionAttempts bounds re-reads when a status keeps changing under
// a transition
const maxTransitionAttempts = 5

// Request asks for one ad-hoc job
type Request struct {
	Label          string
	Topic          string
	TargetDuration int // seconds
	Priority       async.Priority
	ScheduledTime  *time.Time // nil places the job at the next free slot
	Pipeline       []string   // nil uses the scheduler default
	MaxRetries     int        // 0 uses the scheduler default
	Actor          string
}

// Defaults fills in what a Request leaves out
type Defaults struct {
	Pipeline   []string
	MaxRetries int
}

// Scheduler places jobs on the calendar, persists them and wakes the workers
type Scheduler struct {
	calendar *calendar.Manager
	store    *async.Store
	queue    *async.Queue
	defaults Defaults
	logger   *zap.SugaredLogger
	now      func() time.Time
}

// NewScheduler creates a scheduler. queue may be nil when no workers run in
// this process; jobs are then picked up by the next poll of another one.
func NewScheduler(cal *calendar.Manager, store *async.Store, queue *async.Queue, defaults Defaults, log *zap.SugaredLogger) *Scheduler {
	if log == nil {
		log = logger.Logger
	}
	return &Scheduler{
		calendar: cal,
		store:    store,
		queue:    queue,
		defaults: defaults,
		logger:   logger.AddPulseSymbol(log.Named("scheduler")),
		now:      time.Now,
	}
}

// Schedule validates req, reserves a slot and creates a PENDING job in it.
// An explicit ScheduledTime is reserved as is; without one the job takes
// the earliest acceptable slot. A calendar conflict is returned as an
// errors.ErrConflict error carrying the reason, and no job is created.
func (s *Scheduler) Schedule(ctx context.Context, req Request) (*async.Job, error) {
	now := s.now()
	if req.ScheduledTime != nil && req.ScheduledTime.Before(now) {
		return nil, errors.NewInvalidRequestError("scheduled time %s is in the past", req.ScheduledTime.Format(time.RFC3339))
	}

	pipeline := req.Pipeline
	if len(pipeline) == 0 {
		pipeline = s.defaults.Pipeline
	}
	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = s.defaults.MaxRetries
	}

	job, err := async.NewJob(async.JobParams{
		Label:          req.Label,
		Topic:          req.Topic,
		TargetDuration: req.TargetDuration,
		Priority:       req.Priority,
		ScheduledTime:  req.ScheduledTime,
		Pipeline:       pipeline,
		MaxRetries:     maxRetries,
		Actor:          req.Actor,
	})
	if err != nil {
		return nil, err
	}

	var res calendar.Reservation
	if req.ScheduledTime != nil {
		res, err = s.calendar.ReserveSlot(ctx, job.ID, *req.ScheduledTime)
	} else {
		res, err = s.calendar.ReserveNext(ctx, job.ID, now)
	}
	if err != nil {
		return nil, err
	}
	if !res.Reserved() {
		s.logger.Infow("Schedule request rejected by calendar",
			logger.FieldLabel, job.Label,
			logger.FieldSlot, res.Slot.Time,
			logger.FieldReason, string(res.Conflict),
		)
		return nil, errors.WithDetail(res.Err(), fmt.Sprintf("Label: %s", job.Label))
	}

	placed := res.Slot.Time
	job.ScheduledTime = &placed
	job.TargetDay = util.DayKey(placed, s.calendar.Location())

	if err := s.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// CreateJob persists a job whose slot is already reserved and wakes idle
// workers. The slot is released if the job cannot be stored.
func (s *Scheduler) CreateJob(ctx context.Context, job *async.Job) error {
	if _, err := s.store.Create(ctx, job); err != nil {
		if relErr := s.calendar.Release(context.WithoutCancel(ctx), job.ID); relErr != nil {
			s.logger.Warnw("Failed to release slot of unstored job", logger.FieldJobID, job.ID, logger.FieldError, relErr)
		}
		return err
	}

	fields := []interface{}{
		logger.FieldJobID, job.ID,
		logger.FieldLabel, job.Label,
		logger.FieldPriority, job.Priority.String(),
		logger.FieldTargetDay, job.TargetDay,
	}
	if job.ScheduledTime != nil {
		fields = append(fields, logger.FieldSlot, *job.ScheduledTime)
	}
	if job.RuleID != "" {
		fields = append(fields, logger.FieldRuleID, job.RuleID)
	}
	s.logger.Infow("Job scheduled", fields...)

	if s.queue != nil {
		s.queue.Wake()
	}
	return nil
}

// Cancel moves a non-terminal job to CANCELLED and frees its slot. A RUNNING
// job stops at its next stage boundary.
func (s *Scheduler) Cancel(ctx context.Context, id string) (*async.Job, error) {
	job, err := s.transition(ctx, id, func(from async.JobStatus) (async.JobStatus, bool) {
		return async.JobStatusCancelled, !from.IsTerminal()
	})
	if err != nil {
		return nil, err
	}
	if err := s.calendar.Release(ctx, id); err != nil {
		return job, err
	}
	s.logger.Infow("Job cancelled", logger.FieldJobID, id, logger.FieldStage, job.CurrentStage)
	return job, nil
}

// Pause holds a PENDING or RUNNING job. A PENDING job is never claimed while
// paused; a RUNNING one stops at its next stage boundary.
func (s *Scheduler) Pause(ctx context.Context, id string) (*async.Job, error) {
	job, err := s.transition(ctx, id, func(from async.JobStatus) (async.JobStatus, bool) {
		return async.JobStatusPaused, from == async.JobStatusPending || from == async.JobStatusRunning
	})
	if err != nil {
		return nil, err
	}
	s.logger.Infow("Job paused", logger.FieldJobID, id, logger.FieldStage, job.CurrentStage)
	return job, nil
}

// Resume puts a PAUSED job back in the ready queue. A FAILED job is reopened
// with a fresh retry budget and continues at the stage that failed.
func (s *Scheduler) Resume(ctx context.Context, id string) (*async.Job, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case async.JobStatusPaused:
		job, err = s.transition(ctx, id, func(from async.JobStatus) (async.JobStatus, bool) {
			return async.JobStatusPending, from == async.JobStatusPaused
		})
		if err != nil {
			return nil, err
		}
	case async.JobStatusFailed:
		reopened, err := s.store.Reopen(ctx, id)
		if err != nil {
			return nil, err
		}
		if !reopened {
			return nil, errors.Wrapf(errors.ErrConcurrencyConflict, "job %s changed status while resuming", id)
		}
		if job, err = s.store.Get(ctx, id); err != nil {
			return nil, err
		}
	default:
		err := errors.NewTransitionError(string(job.Status), string(async.JobStatusPending))
		err = errors.WithHint(err, "only paused or failed jobs can be resumed")
		return nil, errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
	}

	s.logger.Infow("Job resumed", logger.FieldJobID, id, logger.FieldStage, job.CurrentStage)
	if s.queue != nil {
		s.queue.Wake()
	}
	return job, nil
}

// transition applies the status change chosen by target to the job's
// current status, re-reading when another writer gets there first.
func (s *Scheduler) transition(ctx context.Context, id string, target func(from async.JobStatus) (async.JobStatus, bool)) (*async.Job, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		job, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		to, ok := target(job.Status)
		if !ok {
			return nil, errors.WithDetail(
				errors.NewTransitionError(string(job.Status), string(to)),
				fmt.Sprintf("Job ID: %s", id))
		}

		won, err := s.store.CompareAndSetStatus(ctx, id, job.Status, to)
		if err != nil {
			return nil, err
		}
		if won {
			return s.store.Get(ctx, id)
		}
	}
	return nil, errors.Wrapf(errors.ErrConcurrencyConflict, "job %s kept changing status", id)
}

// ListJobs returns jobs matching filter
func (s *Scheduler) ListJobs(ctx context.Context, filter async.ListFilter) ([]*async.Job, error) {
	return s.store.List(ctx, filter)
}

// GetJob returns one job
func (s *Scheduler) GetJob(ctx context.Context, id string) (*async.Job, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.NewInvalidRequestError("job id cannot be empty")
	}
	return s.store.Get(ctx, id)
}

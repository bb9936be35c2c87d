package async

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/showrunner/errors"
	"github.com/teranos/showrunner/logger"
)

// ExecutorConfig controls retry backoff and stage timeouts
type ExecutorConfig struct {
	BackoffBase  time.Duration                    // wait after the first failure, doubled after each one
	BackoffMax   time.Duration                    // backoff ceiling, 0 = uncapped
	StageTimeout func(stage string) time.Duration // per-attempt timeout, nil or 0 = none
}

// DefaultExecutorConfig returns the production defaults
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		BackoffBase: 2 * time.Second,
		BackoffMax:  5 * time.Minute,
	}
}

// Executor drives jobs through their pipeline one stage at a time. After
// each successful stage the output is checkpointed into the store, so a job
// interrupted by failure, pause or shutdown re-enters at its current stage
// without repeating finished work.
type Executor struct {
	store   JobStore
	stages  *StageRegistry
	limiter *StageLimiter
	config  ExecutorConfig
	logger  *zap.SugaredLogger
	notify  func(*Job)
}

// NewExecutor creates an executor over store with the given stage implementations
func NewExecutor(store JobStore, stages *StageRegistry, cfg ExecutorConfig, log *zap.SugaredLogger) *Executor {
	if log == nil {
		log = logger.Logger
	}
	return &Executor{
		store:  store,
		stages: stages,
		config: cfg,
		logger: logger.AddPulseSymbol(log.Named("executor")),
	}
}

// SetLimiter installs per-stage rate limits, waited on before every attempt
func (e *Executor) SetLimiter(l *StageLimiter) {
	e.limiter = l
}

// SetNotifier registers a callback that receives a snapshot of the job at
// every checkpoint
func (e *Executor) SetNotifier(fn func(*Job)) {
	e.notify = fn
}

// Backoff returns the wait after the nth consecutive failure of a stage
func (e *Executor) Backoff(failures int) time.Duration {
	if failures <= 0 || e.config.BackoffBase <= 0 {
		return 0
	}
	d := e.config.BackoffBase
	for i := 1; i < failures; i++ {
		d *= 2
		if e.config.BackoffMax > 0 && d >= e.config.BackoffMax {
			return e.config.BackoffMax
		}
	}
	if e.config.BackoffMax > 0 && d > e.config.BackoffMax {
		return e.config.BackoffMax
	}
	return d
}

// ExecuteWithRetry runs job from its current stage to the end of its
// pipeline. A PENDING job is claimed first; a RUNNING job must already be
// claimed by the caller.
//
// Stage failures never surface as errors: they are retried with backoff and,
// once exhausted, leave the job FAILED with last_error set. Cancellation and
// pause are honored at stage boundaries. The returned error reports a lost
// claim, a store failure, or shutdown (ctx done), in which case the job has
// been put back to PENDING with its checkpoint intact.
func (e *Executor) ExecuteWithRetry(ctx context.Context, job *Job) (*Job, error) {
	log := e.logger.With(logger.FieldJobID, job.ID, logger.FieldLabel, job.Label)

	switch job.Status {
	case JobStatusPending:
		won, err := e.store.CompareAndSetStatus(ctx, job.ID, JobStatusPending, JobStatusRunning)
		if err != nil {
			return nil, err
		}
		if !won {
			return nil, errors.Wrapf(errors.ErrConcurrencyConflict, "job %s was claimed by another worker", job.ID)
		}
	case JobStatusRunning:
	default:
		return job, errors.NewTransitionError(string(job.Status), string(JobStatusRunning))
	}

	final, err := e.drive(ctx, job, log)
	if err != nil && !errors.Is(err, errors.ErrConcurrencyConflict) && e.release(ctx, job.ID, log) {
		log.Warnw("Job re-queued with checkpoint after store error", logger.FieldError, err)
	}
	return final, err
}

// drive loops over the stages of a claimed job
func (e *Executor) drive(ctx context.Context, job *Job, log *zap.SugaredLogger) (*Job, error) {
	for {
		current, err := e.store.Get(ctx, job.ID)
		if err != nil {
			if ctx.Err() != nil {
				return job, e.requeue(ctx, job.ID, log)
			}
			return nil, err
		}
		e.publish(current)

		switch current.Status {
		case JobStatusRunning:
		case JobStatusCancelled:
			log.Infow("Job cancelled, stopped at stage boundary", logger.FieldStage, current.CurrentStage)
			return current, nil
		case JobStatusPaused:
			log.Infow("Job paused at stage boundary", logger.FieldStage, current.CurrentStage)
			return current, nil
		default:
			return current, errors.Wrapf(errors.ErrConcurrencyConflict, "job %s is %s and no longer owned by this executor", job.ID, current.Status)
		}

		if current.CurrentStage == StageDone {
			return e.complete(ctx, current, log)
		}

		advanced, err := e.runStage(ctx, current, log)
		if err != nil {
			return current, err
		}
		if !advanced {
			final, err := e.store.Get(context.WithoutCancel(ctx), job.ID)
			if err != nil {
				return current, err
			}
			e.publish(final)
			return final, nil
		}
	}
}

// runStage drives the job's current stage until it succeeds, exhausts its
// retries, or the job leaves RUNNING. It reports whether the stage advanced.
func (e *Executor) runStage(ctx context.Context, job *Job, log *zap.SugaredLogger) (bool, error) {
	stage := job.CurrentStage
	log = log.With(logger.FieldStage, stage)
	impl := e.stages.Get(stage)

	// retry_count belongs to the current stage only while last_error is set;
	// a successful stage clears last_error when it advances.
	failures := 0
	if job.LastError != "" && job.RetryCount < job.MaxRetries {
		failures = job.RetryCount
	}
	if failures == 0 && job.RetryCount != 0 {
		// Left over from the previous stage
		if err := e.store.UpdateFields(ctx, job.ID, JobUpdate{RetryCount: &failures}); err != nil {
			if errors.Is(err, errors.ErrTerminal) {
				return false, nil
			}
			return false, err
		}
	}

	for {
		var output string
		var err error
		start := time.Now()

		if impl == nil {
			err = NewPermanentStageError(stage, "no stage registered")
		} else {
			// The limiter only fails when ctx ends, or would end, before a token frees up
			if waitErr := e.limiter.Wait(ctx, stage); waitErr != nil {
				if err := e.requeue(ctx, job.ID, log); err != nil {
					return false, err
				}
				return false, waitErr
			}
			output, err = e.invoke(ctx, impl, NewStageContext(job, stage, failures+1))
		}

		if err == nil {
			next := job.NextStage(stage)
			cleared := ""
			update := JobUpdate{
				CurrentStage: &next,
				StageOutputs: map[string]string{stage: output},
				RetryCount:   &failures,
				LastError:    &cleared,
			}
			// Checkpoint even when shutting down: the work is done
			if err := e.store.UpdateFields(context.WithoutCancel(ctx), job.ID, update); err != nil {
				if errors.Is(err, errors.ErrTerminal) {
					log.Infow("Job reached a terminal status during the stage, output discarded")
					return false, nil
				}
				return false, err
			}
			log.Infow("Stage completed",
				logger.FieldRetryCount, failures,
				logger.FieldDurationMS, time.Since(start).Milliseconds(),
			)
			if ctx.Err() != nil {
				return false, e.requeue(ctx, job.ID, log)
			}
			return true, nil
		}

		if ctx.Err() != nil {
			log.Infow("Stage interrupted by shutdown", logger.FieldError, err)
			return false, e.requeue(ctx, job.ID, log)
		}

		failures++
		ec := ClassifyError(stage, err)
		exhausted := failures >= job.MaxRetries || !ec.Retryable
		message := ec.Message

		update := JobUpdate{RetryCount: &failures, LastError: &message}
		if err := e.store.UpdateFields(ctx, job.ID, update); err != nil {
			if errors.Is(err, errors.ErrTerminal) {
				return false, nil
			}
			return false, err
		}

		if exhausted {
			won, err := e.store.CompareAndSetStatus(ctx, job.ID, JobStatusRunning, JobStatusFailed)
			if err != nil {
				return false, err
			}
			if won {
				log.Warnw("Stage failed, job marked failed",
					logger.FieldRetryCount, failures,
					logger.FieldMaxRetries, job.MaxRetries,
					logger.FieldErrorCode, ec.Code,
					logger.FieldError, message,
				)
			}
			return false, nil
		}

		backoff := e.Backoff(failures)
		log.Infow("Stage failed, retry scheduled",
			logger.FieldAttempt, failures,
			logger.FieldRetryCount, failures,
			logger.FieldMaxRetries, job.MaxRetries,
			logger.FieldBackoffMS, backoff.Milliseconds(),
			logger.FieldErrorCode, ec.Code,
			logger.FieldError, message,
		)
		if err := sleepContext(ctx, backoff); err != nil {
			return false, e.requeue(ctx, job.ID, log)
		}

		// A retry starts the stage again, so honor cancel and pause first
		current, err := e.store.Get(ctx, job.ID)
		if err != nil {
			return false, err
		}
		if current.Status != JobStatusRunning {
			return false, nil
		}
		job = current
	}
}

// invoke runs one attempt with the stage timeout. A timeout is reported as
// errors.ErrTimeout and retried like any other failure.
func (e *Executor) invoke(ctx context.Context, impl Stage, sc StageContext) (output string, err error) {
	stageCtx := ctx
	var timeout time.Duration
	if e.config.StageTimeout != nil {
		timeout = e.config.StageTimeout(sc.Stage)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			output = ""
			err = NewStageError(sc.Stage, fmt.Sprintf("panic: %v", r))
		}
	}()

	output, err = impl.Run(stageCtx, sc)
	if err != nil && ctx.Err() == nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
		err = errors.Wrapf(errors.ErrTimeout, "stage %s timed out after %s", sc.Stage, timeout)
	}
	return output, err
}

// complete marks a job whose stages are all done as COMPLETED
func (e *Executor) complete(ctx context.Context, job *Job, log *zap.SugaredLogger) (*Job, error) {
	won, err := e.store.CompareAndSetStatus(ctx, job.ID, JobStatusRunning, JobStatusCompleted)
	if err != nil {
		return job, err
	}
	final, err := e.store.Get(context.WithoutCancel(ctx), job.ID)
	if err != nil {
		return job, err
	}
	if won {
		logger.AddPulseCloseSymbol(log).Infow("Job completed",
			logger.FieldRetryCount, final.RetryCount,
			"stages", len(final.StageOutputs),
		)
	}
	e.publish(final)
	return final, nil
}

// requeue hands a RUNNING job back to the ready queue after shutdown
// interrupted it. It returns the context error that caused it.
func (e *Executor) requeue(ctx context.Context, id string, log *zap.SugaredLogger) error {
	if e.release(ctx, id, log) {
		logger.AddPulseCloseSymbol(log).Infow("Job re-queued with checkpoint after shutdown")
	}
	return ctx.Err()
}

// release moves a RUNNING job back to PENDING, keeping its checkpoint. It
// reports whether this call made the move.
func (e *Executor) release(ctx context.Context, id string, log *zap.SugaredLogger) bool {
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	won, err := e.store.CompareAndSetStatus(storeCtx, id, JobStatusRunning, JobStatusPending)
	if err != nil {
		log.Errorw("Failed to re-queue job", logger.FieldError, err)
		return false
	}
	return won
}

func (e *Executor) publish(job *Job) {
	if e.notify != nil {
		e.notify(job.Clone())
	}
}

// sleepContext waits for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

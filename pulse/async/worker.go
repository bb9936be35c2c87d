package async

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/showrunner/db"
	"github.com/teranos/showrunner/errors"
	"github.com/teranos/showrunner/logger"
)

// pulseLogger wraps zap.SugaredLogger with the Pulse lifecycle markers:
// ✿ for opening, ❀ for closing, ꩜ for everything in between.
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	logger.AddPulseOpenSymbol(l.SugaredLogger).Infow(msg, keysAndValues...)
}

// Closing logs a Closing (❀) event
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	logger.AddPulseCloseSymbol(l.SugaredLogger).Infow(msg, keysAndValues...)
}

// Pulse logs general worker operations
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	logger.AddPulseSymbol(l.SugaredLogger).Infow(msg, keysAndValues...)
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers        int           `json:"workers"`         // Max concurrent jobs
	PollInterval   time.Duration `json:"poll_interval"`   // How often idle workers look for due jobs
	RecoverOrphans bool          `json:"recover_orphans"` // Requeue RUNNING jobs left by a crash on Start
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:        1,
		PollInterval:   time.Second,
		RecoverOrphans: true,
	}
}

// WorkerPool runs a fixed number of workers, each executing at most one job
// at a time. Workers claim from the shared queue, so several pools in
// different processes can serve one store.
type WorkerPool struct {
	queue         *Queue
	executor      *Executor
	poolConfig    WorkerPoolConfig
	workers       int
	parentCtx     context.Context // Parent context from which worker context is derived
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	jobsProcessed int
	activeWorkers int
	startTime     time.Time
	logger        pulseLogger
	mu            sync.Mutex
}

// NewWorkerPool creates a worker pool. Cancelling ctx stops the workers the
// same way Stop does. The executor's checkpoints are published to the
// queue's subscribers.
func NewWorkerPool(ctx context.Context, queue *Queue, executor *Executor, poolCfg WorkerPoolConfig, log *zap.SugaredLogger) *WorkerPool {
	if log == nil {
		log = logger.Logger
	}
	if poolCfg.Workers <= 0 {
		poolCfg.Workers = 1
	}
	if poolCfg.PollInterval <= 0 {
		poolCfg.PollInterval = DefaultWorkerPoolConfig().PollInterval
	}

	workerCtx, cancel := context.WithCancel(ctx)
	executor.SetNotifier(queue.Publish)

	return &WorkerPool{
		queue:      queue,
		executor:   executor,
		poolConfig: poolCfg,
		workers:    poolCfg.Workers,
		parentCtx:  ctx,
		ctx:        workerCtx,
		cancel:     cancel,
		logger:     pulseLogger{log.Named("pulse")},
	}
}

// Start begins processing jobs with the worker pool
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	// Recreate the context after a previous Stop, before spawning workers
	select {
	case <-wp.ctx.Done():
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
		wp.logger.Starting("Recreated worker context after previous shutdown")
	default:
	}
	wp.startTime = time.Now()
	wp.jobsProcessed = 0
	ctx := wp.ctx
	wp.mu.Unlock()

	if wp.poolConfig.RecoverOrphans {
		if n, err := wp.queue.Store().ResetOrphaned(ctx); err != nil {
			wp.logger.Warnw("Failed to recover orphaned jobs", logger.FieldError, err)
		} else if n > 0 {
			wp.logger.Starting("Recovered orphaned jobs from previous run", logger.FieldCount, n)
		}
	}

	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.Warnw("Memory pressure warning", "warning", warning, "workers", wp.workers)
	}

	wp.logger.Starting("Worker pool started", "workers", wp.workers, "poll_interval", wp.poolConfig.PollInterval)
	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, i)
	}
}

// Stop cancels the workers and waits for them to checkpoint and exit.
// Interrupted jobs go back to PENDING with their checkpoint.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	wp.cancel()
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	timeout := 30 * time.Second
	select {
	case <-done:
		wp.logger.Closing("Worker pool stopped, all workers exited cleanly",
			"jobs_processed", wp.JobsProcessed(),
			"uptime", time.Since(wp.startTime).Round(time.Second))
	case <-time.After(timeout):
		wp.logger.Closing("Worker pool stop timed out, workers may still be checkpointing", "timeout", timeout)
	}
}

// worker claims and executes jobs until ctx is done
func (wp *WorkerPool) worker(ctx context.Context, id int) {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.poolConfig.PollInterval)
	defer ticker.Stop()

	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		// Taken before claiming so a Wake during the claim is not lost
		ready := wp.queue.Ready()

		processed, err := wp.processNextJob(ctx, id)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, sql.ErrConnDone) || db.IsDatabaseClosed(err) {
				return
			}
			errorCount++
			wp.logger.Errorw("Worker error processing job",
				logger.FieldWorkerID, id,
				logger.FieldError, err,
				"consecutive_errors", errorCount)

			if errorCount >= maxConsecutiveErrors {
				wp.logger.Warnw("Worker backing off due to consecutive errors",
					logger.FieldWorkerID, id,
					"backoff", backoffDuration,
					"consecutive_errors", errorCount)
				if sleepContext(ctx, backoffDuration) != nil {
					return
				}
				backoffDuration = min(backoffDuration*2, maxBackoff)
			}
		} else {
			if errorCount > 0 {
				wp.logger.Infow("Worker recovered from errors",
					logger.FieldWorkerID, id,
					"previous_error_count", errorCount)
			}
			errorCount = 0
			backoffDuration = time.Second
		}

		if processed {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ready:
		case <-ticker.C:
		}
	}
}

// processNextJob claims one ready job and executes it. It reports whether a
// job was claimed.
func (wp *WorkerPool) processNextJob(ctx context.Context, workerID int) (bool, error) {
	job, err := wp.queue.Claim(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	wp.mu.Lock()
	wp.activeWorkers++
	wp.jobsProcessed++
	wp.mu.Unlock()
	defer func() {
		wp.mu.Lock()
		wp.activeWorkers--
		wp.mu.Unlock()
	}()

	log := wp.logger.With(logger.FieldWorkerID, workerID, logger.FieldJobID, job.ID)
	logger.AddPulseSymbol(log).Infow("Job claimed",
		logger.FieldLabel, job.Label,
		logger.FieldPriority, job.Priority.String(),
		logger.FieldStage, job.CurrentStage,
	)

	final, err := wp.executor.ExecuteWithRetry(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			return true, nil
		}
		if errors.Is(err, errors.ErrConcurrencyConflict) {
			log.Debugw("Job taken over by another executor", logger.FieldError, err)
			return true, nil
		}
		return true, errors.WithDetail(errors.Wrapf(err, "failed to execute job %s", job.ID), "Label: "+job.Label)
	}

	log.Infow("Job finished executing", logger.FieldStatus, final.Status, logger.FieldStage, final.CurrentStage)
	return true, nil
}

// GetQueue returns the job queue
func (wp *WorkerPool) GetQueue() *Queue {
	return wp.queue
}

// Workers returns the number of concurrent workers configured for this pool
func (wp *WorkerPool) Workers() int {
	return wp.workers
}

// JobsProcessed returns how many jobs were claimed since Start
func (wp *WorkerPool) JobsProcessed() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.jobsProcessed
}

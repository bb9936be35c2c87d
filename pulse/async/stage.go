package async

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/teranos/showrunner/errors"
)

// StageContext is the input handed to a stage: the job's descriptive
// fields plus the outputs of every stage completed so far.
type StageContext struct {
	JobID          string            `json:"job_id"`
	Label          string            `json:"label"`
	Topic          string            `json:"topic"`
	TargetDuration int               `json:"target_duration"`
	Priority       Priority          `json:"priority"`
	ScheduledTime  *time.Time        `json:"scheduled_time,omitempty"`
	Stage          string            `json:"stage"`
	Attempt        int               `json:"attempt"` // 1-based
	StageOutputs   map[string]string `json:"stage_outputs"`
}

// NewStageContext builds the context for one attempt of stage.
func NewStageContext(job *Job, stage string, attempt int) StageContext {
	outputs := maps.Clone(job.StageOutputs)
	if outputs == nil {
		outputs = map[string]string{}
	}
	return StageContext{
		JobID:          job.ID,
		Label:          job.Label,
		Topic:          job.Topic,
		TargetDuration: job.TargetDuration,
		Priority:       job.Priority,
		ScheduledTime:  job.ScheduledTime,
		Stage:          stage,
		Attempt:        attempt,
		StageOutputs:   outputs,
	}
}

// Stage is one step of the production pipeline. Run returns an output
// reference (a path, an artifact id) that is stored verbatim and passed to
// later stages. The executor never interprets it.
//
// Run must honor ctx: the executor cancels it on timeout and shutdown.
type Stage interface {
	Run(ctx context.Context, sc StageContext) (string, error)
}

// StageFunc adapts a function to the Stage interface
type StageFunc func(ctx context.Context, sc StageContext) (string, error)

// Run calls f
func (f StageFunc) Run(ctx context.Context, sc StageContext) (string, error) {
	return f(ctx, sc)
}

// StageError is a failure reported by a stage. Permanent failures skip the
// remaining retries.
type StageError struct {
	Stage     string
	Message   string
	Permanent bool
	cause     error
}

func (e *StageError) Error() string {
	if e.Stage == "" {
		return e.Message
	}
	return fmt.Sprintf("stage %s: %s", e.Stage, e.Message)
}

// Unwrap returns the underlying cause, if any
func (e *StageError) Unwrap() error {
	return e.cause
}

// NewStageError reports a transient stage failure
func NewStageError(stage, message string) *StageError {
	return &StageError{Stage: stage, Message: message}
}

// NewPermanentStageError reports a failure that retrying cannot fix
func NewPermanentStageError(stage, message string) *StageError {
	return &StageError{Stage: stage, Message: message, Permanent: true}
}

// WrapStageError attaches stage context to cause
func WrapStageError(stage string, cause error, permanent bool) *StageError {
	return &StageError{Stage: stage, Message: cause.Error(), Permanent: permanent, cause: cause}
}

// IsPermanent reports whether err carries a permanent StageError
func IsPermanent(err error) bool {
	var se *StageError
	return errors.As(err, &se) && se.Permanent
}

// StageRegistry maps stage names to implementations.
// Thread-safe for concurrent registration and lookup.
type StageRegistry struct {
	stages map[string]Stage
	mu     sync.RWMutex
}

// NewStageRegistry creates an empty registry
func NewStageRegistry() *StageRegistry {
	return &StageRegistry{stages: make(map[string]Stage)}
}

// Register adds a stage under name.
// Panics if a stage is already registered with that name.
func (r *StageRegistry) Register(name string, stage Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" || name == StageDone {
		panic(fmt.Sprintf("invalid stage name: %q", name))
	}
	if _, exists := r.stages[name]; exists {
		panic(fmt.Sprintf("stage already registered for name: %s", name))
	}
	r.stages[name] = stage
}

// Get retrieves the stage registered under name, or nil
func (r *StageRegistry) Get(name string) Stage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stages[name]
}

// Has checks if a stage is registered under name
func (r *StageRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.stages[name]
	return exists
}

// Names returns all registered stage names, sorted
func (r *StageRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.stages))
}

// Covers returns an error naming the first pipeline stage without an
// implementation.
func (r *StageRegistry) Covers(pipeline []string) error {
	for _, name := range pipeline {
		if !r.Has(name) {
			return errors.WithHint(
				errors.Newf("no stage registered for %q", name),
				fmt.Sprintf("configure [stages.%s] command in am.toml", name),
			)
		}
	}
	return nil
}

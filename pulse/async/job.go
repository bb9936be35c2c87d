// Package async runs production jobs: the job model, the store that doubles
// as the shared ready queue, the stage executor and the worker pool.
package async

import (
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	id "github.com/teranos/vanity-id"

	"github.com/teranos/showrunner/errors"
	"github.com/teranos/showrunner/internal/util"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// AllStatuses lists every status in lifecycle order
var AllStatuses = []JobStatus{
	JobStatusPending, JobStatusRunning, JobStatusPaused,
	JobStatusCompleted, JobStatusFailed, JobStatusCancelled,
}

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	return slices.Contains(AllStatuses, JobStatus(s))
}

// ParseStatus converts user input into a JobStatus.
func ParseStatus(s string) (JobStatus, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	if !IsValidStatus(normalized) {
		return "", errors.NewInvalidRequestError("unknown job status %q", s)
	}
	return JobStatus(normalized), nil
}

// IsTerminal reports whether the status never changes again.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// transitions is the job state machine. FAILED -> PENDING is not listed:
// it only happens through Store.Reopen.
var transitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusRunning, JobStatusPaused, JobStatusCancelled},
	JobStatusRunning: {JobStatusCompleted, JobStatusFailed, JobStatusPaused, JobStatusCancelled, JobStatusPending},
	JobStatusPaused:  {JobStatusPending, JobStatusCancelled},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to JobStatus) bool {
	return slices.Contains(transitions[from], to)
}

// Priority orders claims from the ready queue. Higher runs first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

var priorityNames = []string{"low", "normal", "high"}

func (p Priority) String() string {
	if !p.Valid() {
		return "priority(" + strconv.Itoa(int(p)) + ")"
	}
	return priorityNames[p]
}

// Valid reports whether p is one of the defined tiers.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityHigh
}

// ParsePriority accepts a tier name or its number.
func ParsePriority(s string) (Priority, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	if i := slices.Index(priorityNames, normalized); i >= 0 {
		return Priority(i), nil
	}
	if n, err := strconv.Atoi(normalized); err == nil && Priority(n).Valid() {
		return Priority(n), nil
	}
	return PriorityNormal, errors.NewInvalidRequestError("unknown priority %q (want low, normal or high)", s)
}

// MarshalText renders the tier name
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, errors.NewInvalidRequestError("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText parses a tier name or number
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// StageDone is the current stage of a job whose every stage has an output.
const StageDone = "done"

// Job is one scheduled unit of multi-stage production work. It is the only
// representation of a job: the store persists it and the executor drives it.
type Job struct {
	ID             string            `json:"id"`
	Label          string            `json:"label"`
	Topic          string            `json:"topic,omitempty"`
	TargetDuration int               `json:"target_duration"` // seconds
	Priority       Priority          `json:"priority"`
	ScheduledTime  *time.Time        `json:"scheduled_time,omitempty"` // nil runs immediately
	TargetDay      string            `json:"target_day"`               // calendar day the job belongs to
	Status         JobStatus         `json:"status"`
	Pipeline       []string          `json:"pipeline"` // stage names, snapshotted at creation
	CurrentStage   string            `json:"current_stage"`
	StageOutputs   map[string]string `json:"stage_outputs"` // checkpoint: stage -> output reference
	RetryCount     int               `json:"retry_count"`
	MaxRetries     int               `json:"max_retries"`
	LastError      string            `json:"last_error,omitempty"`
	RuleID         string            `json:"rule_id,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// JobParams carries everything needed to create a job.
type JobParams struct {
	Label          string
	Topic          string
	TargetDuration int
	Priority       Priority
	ScheduledTime  *time.Time
	TargetDay      string
	Pipeline       []string
	MaxRetries     int
	RuleID         string
	Actor          string // recorded in the job id, defaults to "system"
}

// NewJob creates a PENDING job positioned at the first pipeline stage.
//
// Job ids are ASIDs: JB + random + "production" + random + label + actor.
func NewJob(p JobParams) (*Job, error) {
	if strings.TrimSpace(p.Label) == "" {
		return nil, errors.NewInvalidRequestError("label cannot be empty")
	}
	if p.TargetDuration <= 0 {
		return nil, errors.NewInvalidRequestError("target duration must be positive, got %d", p.TargetDuration)
	}
	if !p.Priority.Valid() {
		return nil, errors.NewInvalidRequestError("invalid priority %d", int(p.Priority))
	}
	if len(p.Pipeline) == 0 {
		return nil, errors.NewInvalidRequestError("pipeline cannot be empty")
	}
	if p.MaxRetries <= 0 {
		return nil, errors.NewInvalidRequestError("max retries must be positive, got %d", p.MaxRetries)
	}
	actor := p.Actor
	if actor == "" {
		actor = "system"
	}

	jobID, err := id.GenerateJobASID("production", p.Label, actor)
	if err != nil {
		// ASID generation only fails on exhausted entropy; a uuid keeps the job schedulable
		jobID = "JB" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	now := time.Now().UTC()
	targetDay := p.TargetDay
	if targetDay == "" {
		anchor := now
		if p.ScheduledTime != nil {
			anchor = *p.ScheduledTime
		}
		targetDay = util.DayKey(anchor, time.UTC)
	}

	var scheduled *time.Time
	if p.ScheduledTime != nil {
		t := *p.ScheduledTime
		scheduled = &t
	}

	return &Job{
		ID:             jobID,
		Label:          strings.TrimSpace(p.Label),
		Topic:          p.Topic,
		TargetDuration: p.TargetDuration,
		Priority:       p.Priority,
		ScheduledTime:  scheduled,
		TargetDay:      targetDay,
		Status:         JobStatusPending,
		Pipeline:       slices.Clone(p.Pipeline),
		CurrentStage:   p.Pipeline[0],
		StageOutputs:   map[string]string{},
		MaxRetries:     p.MaxRetries,
		RuleID:         p.RuleID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// StageIndex returns the position of the current stage in the pipeline,
// len(Pipeline) once done, or -1 for an unknown stage.
func (j *Job) StageIndex() int {
	if j.CurrentStage == StageDone {
		return len(j.Pipeline)
	}
	return slices.Index(j.Pipeline, j.CurrentStage)
}

// NextStage returns the stage after stage, or StageDone after the last one.
func (j *Job) NextStage(stage string) string {
	i := slices.Index(j.Pipeline, stage)
	if i < 0 || i+1 >= len(j.Pipeline) {
		return StageDone
	}
	return j.Pipeline[i+1]
}

// Progress returns completed and total stage counts
func (j *Job) Progress() (done, total int) {
	total = len(j.Pipeline)
	done = j.StageIndex()
	if done < 0 {
		done = 0
	}
	return done, total
}

// IsTerminal reports whether the job has reached a final status
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// Validate checks the structural invariants of a job: a known current stage,
// checkpoints only for stages before it, and retry_count within max_retries.
func (j *Job) Validate() error {
	if j.ID == "" {
		return errors.NewInvalidRequestError("job id cannot be empty")
	}
	if !IsValidStatus(string(j.Status)) {
		return errors.NewInvalidRequestError("invalid job status %q", j.Status)
	}
	if j.TargetDay == "" {
		return errors.NewInvalidRequestError("job %s has no target day", j.ID)
	}
	if err := checkCheckpoint(j.Pipeline, j.CurrentStage, j.StageOutputs); err != nil {
		return err
	}
	if j.RetryCount < 0 || j.RetryCount > j.MaxRetries {
		return errors.NewInvalidRequestError("retry count %d outside 0..%d", j.RetryCount, j.MaxRetries)
	}
	return nil
}

// checkCheckpoint verifies that current is a pipeline stage (or StageDone)
// and that outputs only name stages strictly before it.
func checkCheckpoint(pipeline []string, current string, outputs map[string]string) error {
	idx := len(pipeline)
	if current != StageDone {
		idx = slices.Index(pipeline, current)
	}
	if idx < 0 {
		return errors.NewInvalidRequestError("current stage %q is not in pipeline %v", current, pipeline)
	}
	for stage := range outputs {
		if i := slices.Index(pipeline, stage); i < 0 || i >= idx {
			return errors.NewInvalidRequestError("stage output for %q is not before current stage %q", stage, current)
		}
	}
	return nil
}

// Clone returns a deep copy safe to hand to another goroutine.
func (j *Job) Clone() *Job {
	c := *j
	c.Pipeline = slices.Clone(j.Pipeline)
	c.StageOutputs = maps.Clone(j.StageOutputs)
	if c.StageOutputs == nil {
		c.StageOutputs = map[string]string{}
	}
	if j.ScheduledTime != nil {
		t := *j.ScheduledTime
		c.ScheduledTime = &t
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

package async

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/showrunner/errors"
)

func TestNewJob(t *testing.T) {
	scheduled := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	job, err := NewJob(JobParams{
		Label:          "  EpisodeA ",
		TargetDuration: 90,
		Priority:       PriorityHigh,
		ScheduledTime:  &scheduled,
		Pipeline:       testPipeline,
		MaxRetries:     3,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "EpisodeA", job.Label)
	assert.Equal(t, JobStatusPending, job.Status)
	assert.Equal(t, "generate", job.CurrentStage)
	assert.Empty(t, job.StageOutputs)
	assert.Equal(t, "2026-03-04", job.TargetDay)
	assert.NoError(t, job.Validate())

}

func TestNewJob_Validation(t *testing.T) {
	base := JobParams{Label: "EpisodeA", TargetDuration: 60, Pipeline: testPipeline, MaxRetries: 3}

	tests := []struct {
		name   string
		mutate func(p *JobParams)
	}{
		{"empty label", func(p *JobParams) { p.Label = "  " }},
		{"zero duration", func(p *JobParams) { p.TargetDuration = 0 }},
		{"bad priority", func(p *JobParams) { p.Priority = 7 }},
		{"empty pipeline", func(p *JobParams) { p.Pipeline = nil }},
		{"zero retries", func(p *JobParams) { p.MaxRetries = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			tt.mutate(&p)
			_, err := NewJob(p)
			require.Error(t, err)
			assert.True(t, errors.IsInvalidRequestError(err))
		})
	}
}

func TestPriority(t *testing.T) {
	for in, want := range map[string]Priority{"low": PriorityLow, "NORMAL": PriorityNormal, " high ": PriorityHigh, "2": PriorityHigh} {
		got, err := ParsePriority(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParsePriority("urgent")
	assert.Error(t, err)

	text, err := PriorityHigh.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "high", string(text))

	var p Priority
	require.NoError(t, p.UnmarshalText([]byte("low")))
	assert.Equal(t, PriorityLow, p)
	assert.True(t, PriorityHigh > PriorityNormal && PriorityNormal > PriorityLow)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(JobStatusPending, JobStatusRunning))
	assert.True(t, CanTransition(JobStatusRunning, JobStatusPaused))
	assert.True(t, CanTransition(JobStatusPaused, JobStatusPending))
	assert.True(t, CanTransition(JobStatusPaused, JobStatusCancelled))
	assert.True(t, CanTransition(JobStatusRunning, JobStatusPending), "shutdown requeue")

	for _, terminal := range []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled} {
		for _, next := range AllStatuses {
			assert.False(t, CanTransition(terminal, next), "%s -> %s", terminal, next)
		}
	}
	assert.False(t, CanTransition(JobStatusPending, JobStatusCompleted))
}

func TestJobValidate_Checkpoint(t *testing.T) {
	job := newTestJob(t, "EpisodeA", testPipeline, 3)
	job.CurrentStage = "assemble"
	job.StageOutputs = map[string]string{"generate": "script.md"}
	assert.NoError(t, job.Validate())

	job.StageOutputs["assemble"] = "early.mp4"
	assert.Error(t, job.Validate(), "output for the current stage is not a checkpoint yet")

	job.CurrentStage = StageDone
	assert.NoError(t, job.Validate())

	job.CurrentStage = "render"
	assert.Error(t, job.Validate())

	job.CurrentStage = StageDone
	job.RetryCount = 4
	assert.Error(t, job.Validate())
}

func TestJobStages(t *testing.T) {
	job := newTestJob(t, "EpisodeA", testPipeline, 3)

	assert.Equal(t, "assemble", job.NextStage("generate"))
	assert.Equal(t, StageDone, job.NextStage("publish"))

	done, total := job.Progress()
	assert.Equal(t, 0, done)
	assert.Equal(t, 3, total)

	job.CurrentStage = StageDone
	done, _ = job.Progress()
	assert.Equal(t, 3, done)
}

func TestJobClone(t *testing.T) {
	job := newTestJob(t, "EpisodeA", testPipeline, 3)
	job.StageOutputs["generate"] = "script.md"

	clone := job.Clone()
	clone.StageOutputs["generate"] = "other.md"
	clone.Pipeline[0] = "changed"

	assert.Equal(t, "script.md", job.StageOutputs["generate"])
	assert.Equal(t, "generate", job.Pipeline[0])
}

package async

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/showrunner/errors"
)

func TestStageRegistry(t *testing.T) {
	reg := NewStageRegistry()
	noop := StageFunc(func(context.Context, StageContext) (string, error) { return "ok", nil })

	reg.Register("publish", noop)
	reg.Register("generate", noop)

	assert.True(t, reg.Has("generate"))
	assert.Nil(t, reg.Get("assemble"))
	assert.Equal(t, []string{"generate", "publish"}, reg.Names())

	assert.NoError(t, reg.Covers([]string{"generate", "publish"}))
	err := reg.Covers(testPipeline)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"assemble"`)

	assert.Panics(t, func() { reg.Register("generate", noop) })
	assert.Panics(t, func() { reg.Register(StageDone, noop) })
	assert.Panics(t, func() { reg.Register("", noop) })
}

func TestNewStageContext(t *testing.T) {
	scheduled := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	job := newTestJob(t, "EpisodeA", testPipeline, 3)
	job.ScheduledTime = &scheduled
	job.StageOutputs["generate"] = "script.md"

	sc := NewStageContext(job, "assemble", 2)
	assert.Equal(t, job.ID, sc.JobID)
	assert.Equal(t, "assemble", sc.Stage)
	assert.Equal(t, 2, sc.Attempt)
	assert.Equal(t, "script.md", sc.StageOutputs["generate"])

	sc.StageOutputs["generate"] = "changed"
	assert.Equal(t, "script.md", job.StageOutputs["generate"])
}

func TestStageError(t *testing.T) {
	transient := NewStageError("assemble", "ffmpeg exited 1")
	assert.Equal(t, "stage assemble: ffmpeg exited 1", transient.Error())
	assert.False(t, IsPermanent(transient))

	permanent := NewPermanentStageError("publish", "channel suspended")
	assert.True(t, IsPermanent(fmt.Errorf("upload: %w", permanent)))

	cause := errors.New("connection reset")
	wrapped := WrapStageError("publish", cause, false)
	assert.True(t, errors.Is(wrapped, cause))
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      ErrorCode
		retryable bool
	}{
		{"transient stage", NewStageError("generate", "rate limited"), ErrorCodeStageFailed, true},
		{"permanent stage", NewPermanentStageError("generate", "bad prompt"), ErrorCodeStagePermanent, false},
		{"timeout", errors.Wrap(errors.ErrTimeout, "stage generate timed out"), ErrorCodeTimeout, true},
		{"deadline", context.DeadlineExceeded, ErrorCodeTimeout, true},
		{"cancelled", context.Canceled, ErrorCodeCancelled, false},
		{"closed db", errors.New("sql: database is closed"), ErrorCodeStoreError, false},
		{"plain", errors.New("boom"), ErrorCodeUnknown, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec := ClassifyError("generate", tt.err)
			assert.Equal(t, tt.code, ec.Code)
			assert.Equal(t, tt.retryable, ec.Retryable)
			assert.Equal(t, "generate", ec.Stage)
		})
	}
}

func TestStageLimiter(t *testing.T) {
	limiter := NewStageLimiter(map[string]float64{"publish": 2, "generate": 0})

	assert.True(t, limiter.Limited("publish"))
	assert.False(t, limiter.Limited("generate"))

	assert.True(t, limiter.Allow("publish"))
	assert.False(t, limiter.Allow("publish"), "burst of one per stage")
	assert.True(t, limiter.Allow("generate"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, limiter.Wait(ctx, "publish"))
	assert.NoError(t, limiter.Wait(ctx, "generate"))

	limiter.SetRate("publish", 0)
	assert.False(t, limiter.Limited("publish"))

	var none *StageLimiter
	assert.True(t, none.Allow("publish"))
	assert.NoError(t, none.Wait(context.Background(), "publish"))
}

package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/showrunner/pulse/async"
)

func at(day, hour, minute int) time.Time {
	return time.Date(2030, 1, day, hour, minute, 0, 0, time.UTC)
}

func TestExpander_CreatesJobAtOccurrence(t *testing.T) {
	f := newFixture(t, 3, 14)
	ctx := context.Background()
	rule := f.createRule(t, dailyRule("Daily news {{.Date}}", "09:00"), jan1)

	exec, err := f.expander.Expand(ctx, rule, at(1, 9, 0).Add(5*time.Second))
	require.NoError(t, err)
	require.NotNil(t, exec)
	assert.Equal(t, ExecutionStatusCreated, exec.Status)
	assert.Equal(t, "2030-01-01", exec.TargetDay)

	job, err := f.jobs.Get(ctx, exec.JobID)
	require.NoError(t, err)
	assert.Equal(t, "Daily news 2030-01-01", job.Label)
	assert.Equal(t, rule.ID, job.RuleID)
	assert.Equal(t, "2030-01-01", job.TargetDay)
	assert.Equal(t, async.JobStatusPending, job.Status)
	assert.Equal(t, testPipeline, job.Pipeline)
	require.NotNil(t, job.ScheduledTime)
	assert.True(t, at(1, 9, 0).Equal(*job.ScheduledTime))

	slot, err := f.cal.SlotFor(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, slot)
	assert.True(t, at(1, 9, 0).Equal(slot.Time))

	assert.True(t, at(2, 9, 0).Equal(rule.NextRun))
	stored, err := f.rules.Get(ctx, rule.ID)
	require.NoError(t, err)
	assert.True(t, at(2, 9, 0).Equal(stored.NextRun))
	assert.Equal(t, "2030-01-01", stored.LastTargetDay)
}

func TestExpander_NotDueOrInactive(t *testing.T) {
	f := newFixture(t, 3, 14)
	ctx := context.Background()
	rule := f.createRule(t, dailyRule("Daily", "09:00"), jan1)

	exec, err := f.expander.Expand(ctx, rule, at(1, 8, 59))
	require.NoError(t, err)
	assert.Nil(t, exec)

	rule.Active = false
	exec, err = f.expander.Expand(ctx, rule, at(1, 10, 0))
	require.NoError(t, err)
	assert.Nil(t, exec)
}

func TestExpander_IdempotentPerDay(t *testing.T) {
	f := newFixture(t, 3, 14)
	ctx := context.Background()
	rule := f.createRule(t, dailyRule("Daily news {{.Date}}", "09:00"), jan1)

	// A copy taken before expansion, as after a crash between job creation
	// and advancing next_run
	stale := *rule

	first, err := f.expander.Expand(ctx, rule, at(1, 9, 0))
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusCreated, first.Status)

	again, err := f.expander.Expand(ctx, &stale, at(1, 9, 1))
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, ExecutionStatusDuplicate, again.Status)
	assert.Equal(t, first.JobID, again.JobID)

	jobs, err := f.jobs.List(ctx, async.ListFilter{RuleID: rule.ID})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	history, err := f.executions.ListByRule(ctx, rule.ID, 10)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestExpander_FallsBackToSuggestion(t *testing.T) {
	f := newFixture(t, 3, 14)
	ctx := context.Background()
	rule := f.createRule(t, dailyRule("Daily", "09:00"), jan1)

	res, err := f.cal.ReserveSlot(ctx, "JBadhoc", at(1, 9, 0))
	require.NoError(t, err)
	require.True(t, res.Reserved())

	exec, err := f.expander.Expand(ctx, rule, at(1, 9, 0))
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusCreated, exec.Status)

	job, err := f.jobs.Get(ctx, exec.JobID)
	require.NoError(t, err)
	assert.True(t, at(1, 13, 0).Equal(*job.ScheduledTime))
	assert.Equal(t, "2030-01-01", job.TargetDay)
}

func TestExpander_RecordsFailureWhenNoSlot(t *testing.T) {
	f := newFixture(t, 1, 1)
	ctx := context.Background()
	rule := f.createRule(t, dailyRule("Daily", "09:00"), jan1)

	res, err := f.cal.ReserveSlot(ctx, "JBadhoc", at(1, 9, 0))
	require.NoError(t, err)
	require.True(t, res.Reserved())

	exec, err := f.expander.Expand(ctx, rule, at(1, 9, 0))
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusFailed, exec.Status)
	assert.Contains(t, exec.Error, "no slot within horizon")
	assert.Empty(t, exec.JobID)
	assert.True(t, at(2, 9, 0).Equal(rule.NextRun), "a failed occurrence still advances the rule")

	jobs, err := f.jobs.List(ctx, async.ListFilter{RuleID: rule.ID})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestExpander_SkipsBacklog(t *testing.T) {
	f := newFixture(t, 3, 14)
	ctx := context.Background()
	rule := f.createRule(t, dailyRule("Daily {{.Date}}", "09:00"), jan1)

	exec, err := f.expander.Expand(ctx, rule, at(5, 10, 0))
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusCreated, exec.Status)
	assert.Equal(t, "2030-01-01", exec.TargetDay)
	assert.True(t, at(6, 9, 0).Equal(rule.NextRun))
}

func TestExpander_BrokenTemplate(t *testing.T) {
	f := newFixture(t, 3, 14)
	ctx := context.Background()
	rule := f.createRule(t, dailyRule("Episode {{.Episode}}", "09:00"), jan1)

	exec, err := f.expander.Expand(ctx, rule, at(1, 9, 0))
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusFailed, exec.Status)
	assert.NotEmpty(t, exec.Error)
	assert.True(t, at(2, 9, 0).Equal(rule.NextRun))
}

func TestExpander_ExpandDue(t *testing.T) {
	f := newFixture(t, 3, 14)
	ctx := context.Background()
	f.createRule(t, dailyRule("Morning", "09:00"), jan1)
	f.createRule(t, dailyRule("Evening", "17:00"), jan1)

	executions, err := f.expander.ExpandDue(ctx, at(1, 12, 0))
	require.NoError(t, err)
	require.Len(t, executions, 1)

	job, err := f.jobs.Get(ctx, executions[0].JobID)
	require.NoError(t, err)
	assert.Equal(t, "Morning", job.Label)

	executions, err = f.expander.ExpandDue(ctx, at(1, 12, 0))
	require.NoError(t, err)
	assert.Empty(t, executions, "nothing due until tomorrow")
}

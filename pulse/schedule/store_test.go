package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/showrunner/errors"
	"github.com/teranos/showrunner/pulse/async"
)

func TestRuleStore_CreateAndGet(t *testing.T) {
	f := newFixture(t, 3, 14)
	ctx := context.Background()

	r := dailyRule("Weekly recap {{.Date}}", "17:00")
	r.Frequency = FrequencyWeekly
	r.DayOfWeek = time.Sunday
	r.Topic = "week in review"
	r.Priority = async.PriorityHigh
	rule := f.createRule(t, r, jan1)

	got, err := f.rules.Get(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.LabelTemplate, got.LabelTemplate)
	assert.Equal(t, "week in review", got.Topic)
	assert.Equal(t, async.PriorityHigh, got.Priority)
	assert.Equal(t, FrequencyWeekly, got.Frequency)
	assert.Equal(t, time.Sunday, got.DayOfWeek)
	assert.True(t, got.Active)
	assert.True(t, rule.NextRun.Equal(got.NextRun))

	_, err = f.rules.Get(ctx, "RLmissing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestRuleStore_ListDue(t *testing.T) {
	f := newFixture(t, 3, 14)
	ctx := context.Background()

	early := f.createRule(t, dailyRule("Early", "09:00"), jan1)
	late := f.createRule(t, dailyRule("Late", "17:00"), jan1)

	due, err := f.rules.ListDue(ctx, jan1.Add(10*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, early.ID, due[0].ID)

	next, err := f.rules.NextRule(ctx)
	require.NoError(t, err)
	assert.Equal(t, early.ID, next.ID)

	require.NoError(t, f.rules.Deactivate(ctx, early.ID))
	due, err = f.rules.ListDue(ctx, jan1.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, late.ID, due[0].ID)

	all, err := f.rules.List(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	active, err := f.rules.List(ctx, true)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	assert.True(t, errors.IsNotFoundError(f.rules.Deactivate(ctx, "RLmissing")))
}

func TestRuleStore_AdvanceNextRun(t *testing.T) {
	f := newFixture(t, 3, 14)
	ctx := context.Background()
	rule := f.createRule(t, dailyRule("Daily", "09:00"), jan1)

	next := rule.NextRun.Add(24 * time.Hour)
	won, err := f.rules.AdvanceNextRun(ctx, rule.ID, rule.NextRun, next, "2030-01-01")
	require.NoError(t, err)
	assert.True(t, won)

	// A second expander holding the old value loses
	won, err = f.rules.AdvanceNextRun(ctx, rule.ID, rule.NextRun, next.Add(24*time.Hour), "2030-01-01")
	require.NoError(t, err)
	assert.False(t, won)

	got, err := f.rules.Get(ctx, rule.ID)
	require.NoError(t, err)
	assert.True(t, next.Equal(got.NextRun))
	assert.Equal(t, "2030-01-01", got.LastTargetDay)

	_, err = f.rules.AdvanceNextRun(ctx, rule.ID, next, next, "2030-01-02")
	assert.True(t, errors.IsInvalidRequestError(err), "next run must move forward")
}

func TestExecutionStore(t *testing.T) {
	f := newFixture(t, 3, 14)
	ctx := context.Background()
	rule := f.createRule(t, dailyRule("Daily", "09:00"), jan1)

	first := &Execution{RuleID: rule.ID, TargetDay: "2030-01-01", JobID: "JB1", Status: ExecutionStatusCreated, ExecutedAt: jan1}
	second := &Execution{RuleID: rule.ID, TargetDay: "2030-01-02", Status: ExecutionStatusFailed, Error: "no slot within horizon", ExecutedAt: jan1.Add(24 * time.Hour)}
	require.NoError(t, f.executions.Create(ctx, first))
	require.NoError(t, f.executions.Create(ctx, second))
	assert.NotEmpty(t, first.ID)

	got, err := f.executions.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "JB1", got.JobID)
	assert.True(t, jan1.Equal(got.ExecutedAt))

	list, err := f.executions.ListByRule(ctx, rule.ID, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID, "newest first")
	assert.Equal(t, "no slot within horizon", list[0].Error)
	assert.Empty(t, list[0].JobID)

	_, err = f.executions.Get(ctx, "PEXmissing")
	assert.True(t, errors.IsNotFoundError(err))
}

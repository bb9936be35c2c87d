package commands

import (
	"context"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/showrunner/am"
	"github.com/teranos/showrunner/errors"
	testdb "github.com/teranos/showrunner/internal/testing"
	"github.com/teranos/showrunner/pulse/async"
	"github.com/teranos/showrunner/pulse/content"
	"github.com/teranos/showrunner/pulse/schedule"
)

func TestParseTimeInput(t *testing.T) {
	amsterdam, err := time.LoadLocation("Europe/Amsterdam")
	require.NoError(t, err)

	tests := []struct {
		input string
		want  time.Time
	}{
		{"2030-01-04T17:00:00Z", time.Date(2030, 1, 4, 17, 0, 0, 0, time.UTC)},
		{"2030-01-04 17:00", time.Date(2030, 1, 4, 17, 0, 0, 0, amsterdam)},
		{"2030-01-04T09:30", time.Date(2030, 1, 4, 9, 30, 0, 0, amsterdam)},
		{" 2030-01-04 ", time.Date(2030, 1, 4, 0, 0, 0, 0, amsterdam)},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseTimeInput(tt.input, amsterdam)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s, want %s", got, tt.want)
		})
	}

	_, err = parseTimeInput("next friday", amsterdam)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "EpisodeA", truncate("EpisodeA", 8))
	assert.Equal(t, "Episo…", truncate("EpisodeA", 6))
	assert.Equal(t, "E", truncate("EpisodeA", 1))
}

func TestDescribeRule(t *testing.T) {
	weekly := &schedule.Rule{Frequency: schedule.FrequencyWeekly, DayOfWeek: time.Friday, TimeOfDay: "17:00", Timezone: "UTC"}
	assert.Equal(t, "weekly Friday 17:00 UTC", describeRule(weekly))

	monthly := &schedule.Rule{Frequency: schedule.FrequencyMonthly, DayOfMonth: 15, TimeOfDay: "07:05", Timezone: "UTC"}
	assert.Equal(t, "monthly day 15 07:05 UTC", describeRule(monthly))

	daily := &schedule.Rule{Frequency: schedule.FrequencyDaily, TimeOfDay: "09:00", Timezone: "UTC"}
	assert.Equal(t, "daily 09:00 UTC", describeRule(daily))
}

func TestNewServices_WiresSchedulerAndExpander(t *testing.T) {
	cfg := &am.Config{
		Database: am.DatabaseConfig{Path: ":memory:"},
		Calendar: am.CalendarConfig{
			MinGapHours:    3,
			MaxPerDay:      3,
			PreferredHours: []int{9, 13, 17},
			HorizonDays:    14,
			Timezone:       "UTC",
		},
		Executor: am.ExecutorConfig{MaxRetries: 2},
		Pipeline: am.PipelineConfig{Stages: []string{"generate", "publish"}},
	}
	svc, err := newServices(cfg, testdb.CreateTestDB(t), zap.NewNop().Sugar())
	require.NoError(t, err)
	ctx := context.Background()

	job, err := svc.scheduler.Schedule(ctx, content.Request{
		Label:          "EpisodeA",
		TargetDuration: 60,
		Priority:       async.PriorityHigh,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"generate", "publish"}, job.Pipeline)
	assert.Equal(t, 2, job.MaxRetries)
	assert.Contains(t, []int{9, 13, 17}, job.ScheduledTime.In(time.UTC).Hour())

	rule, err := schedule.NewRule(schedule.Rule{
		LabelTemplate:  "Daily {{.Date}}",
		TargetDuration: 60,
		Priority:       async.PriorityNormal,
		Frequency:      schedule.FrequencyDaily,
		TimeOfDay:      "17:00",
		Timezone:       "UTC",
	}, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NoError(t, svc.rules.Create(ctx, rule))

	executions, err := svc.expander.ExpandDue(ctx, time.Date(2030, 1, 1, 17, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, executions, 1)
	assert.Equal(t, schedule.ExecutionStatusCreated, executions[0].Status)

	created, err := svc.scheduler.GetJob(ctx, executions[0].JobID)
	require.NoError(t, err)
	assert.Equal(t, "Daily 2030-01-01", created.Label)
	assert.Equal(t, rule.ID, created.RuleID)
}

package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/showrunner/pulse/async"
)

func TestTicker_ExpandsDueRulesOnStart(t *testing.T) {
	f := newFixture(t, 3, 14)
	ctx := context.Background()

	now := time.Now()
	rule := f.createRule(t, dailyRule("Daily {{.Date}}", "09:00"), now.Add(-48*time.Hour))

	ticker := NewTicker(ctx, f.rules, f.expander, async.NewQueue(f.jobs), nil,
		TickerConfig{Interval: time.Hour}, zap.NewNop().Sugar())
	ticker.Start()
	defer ticker.Stop()

	require.Eventually(t, func() bool {
		jobs, err := f.jobs.List(ctx, async.ListFilter{RuleID: rule.ID})
		return err == nil && len(jobs) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		stored, err := f.rules.Get(ctx, rule.ID)
		return err == nil && stored.NextRun.After(now)
	}, 5*time.Second, 10*time.Millisecond)

	stats := ticker.GetStats()
	assert.Equal(t, time.Hour, stats["interval"])
}

func TestTicker_StopWithoutRules(t *testing.T) {
	f := newFixture(t, 3, 14)

	ticker := NewTicker(context.Background(), f.rules, f.expander, nil, nil, TickerConfig{Interval: 10 * time.Millisecond}, zap.NewNop().Sugar())
	ticker.Start()
	time.Sleep(30 * time.Millisecond)
	ticker.Stop()

	stats := ticker.GetStats()
	assert.GreaterOrEqual(t, stats["ticks_since_start"].(int64), int64(1))
}

package schedule

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	testdb "github.com/teranos/showrunner/internal/testing"
	"github.com/teranos/showrunner/pulse/async"
	"github.com/teranos/showrunner/pulse/calendar"
)

// jan1 is a Tuesday
var jan1 = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

var testPipeline = []string{"generate", "assemble", "publish"}

// storeCreator stores jobs directly, releasing the slot on failure
type storeCreator struct {
	store *async.Store
	cal   *calendar.Manager
}

func (c storeCreator) CreateJob(ctx context.Context, job *async.Job) error {
	if _, err := c.store.Create(ctx, job); err != nil {
		_ = c.cal.Release(ctx, job.ID)
		return err
	}
	return nil
}

type fixture struct {
	conn       *sql.DB
	rules      *RuleStore
	executions *ExecutionStore
	jobs       *async.Store
	cal        *calendar.Manager
	expander   *Expander
}

func newFixture(t *testing.T, maxPerDay, horizonDays int) *fixture {
	t.Helper()
	conn := testdb.CreateTestDB(t)

	cfg, err := calendar.NewConfig(3, maxPerDay, []int{9, 13, 17}, horizonDays, time.UTC)
	require.NoError(t, err)
	cal, err := calendar.NewManager(cfg, calendar.NewSQLSlotStore(conn), zap.NewNop().Sugar())
	require.NoError(t, err)

	f := &fixture{
		conn:       conn,
		rules:      NewRuleStore(conn),
		executions: NewExecutionStore(conn),
		jobs:       async.NewStore(conn),
		cal:        cal,
	}
	f.expander = NewExpander(f.rules, f.executions, cal, f.jobs, storeCreator{store: f.jobs, cal: cal},
		ExpanderConfig{Pipeline: testPipeline, MaxRetries: 3}, zap.NewNop().Sugar())
	return f
}

func dailyRule(label, at string) Rule {
	return Rule{
		LabelTemplate:  label,
		TargetDuration: 60,
		Priority:       async.PriorityNormal,
		Frequency:      FrequencyDaily,
		TimeOfDay:      at,
		Timezone:       "UTC",
	}
}

// createRule stores a new rule whose first occurrence follows now
func (f *fixture) createRule(t *testing.T, r Rule, now time.Time) *Rule {
	t.Helper()
	rule, err := NewRule(r, now)
	require.NoError(t, err)
	require.NoError(t, f.rules.Create(context.Background(), rule))
	return rule
}

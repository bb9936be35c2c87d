package schedule

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/showrunner/errors"
	"github.com/teranos/showrunner/pulse/async"
)

const rulesTOML = `
[[rule]]
label = "Morning brief {{.Date}}"
topic = "overnight headlines"
target_duration = 90
priority = "high"
frequency = "weekly"
time = "09:00"
day_of_week = "monday"

[[rule]]
label = "Monthly deep dive"
target_duration = 600
frequency = "monthly"
time = "13:00"
day_of_month = 1
timezone = "UTC"
`

func TestLoadRulesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.toml")
	require.NoError(t, os.WriteFile(path, []byte(rulesTOML), 0644))

	rules, err := LoadRulesFile(path)
	require.NoError(t, err)
	require.Len(t, rules, 2)

	brief := rules[0]
	assert.Equal(t, "Morning brief {{.Date}}", brief.LabelTemplate)
	assert.Equal(t, async.PriorityHigh, brief.Priority)
	assert.Equal(t, FrequencyWeekly, brief.Frequency)
	assert.Equal(t, time.Monday, brief.DayOfWeek)
	assert.Equal(t, "UTC", brief.Timezone)

	dive := rules[1]
	assert.Equal(t, async.PriorityNormal, dive.Priority)
	assert.Equal(t, 1, dive.DayOfMonth)
	assert.Empty(t, dive.ID)
}

func TestParseRules_Errors(t *testing.T) {
	_, err := ParseRules(`
[[rule]]
label = "Show"
target_duration = 60
frequency = "daily"
time = "09:00"
channel = "main"
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel")

	_, err = ParseRules(`
[[rule]]
label = "Show"
target_duration = 60
frequency = "weekly"
time = "09:00"
day_of_week = "someday"
`)
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = LoadRulesFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

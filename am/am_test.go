package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/showrunner/errors"
)

const validTOML = `
[database]
path = "test.db"

[calendar]
min_gap_hours = 3
max_per_day = 3
preferred_hours = [17, 9, 13]
timezone = "UTC"

[executor]
max_retries = 4

[stages.publish]
command = "publish-episode --dry-run"
rate_per_hour = 6
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), DefaultFilePermissions))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	assert.Equal(t, "showrunner.db", cfg.Database.Path)
	assert.Equal(t, 2, cfg.Pulse.Workers)
	assert.Equal(t, 3, cfg.Executor.MaxRetries)
	assert.Equal(t, DefaultPipeline, cfg.Pipeline.Stages)
	assert.Empty(t, cfg.Calendar.PreferredHours, "preferred hours have no default")

	// Defaults alone are not a runnable config
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "preferred_hours")
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := LoadFromFile(writeConfig(t, validTOML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "test.db", cfg.Database.Path)
	assert.Equal(t, 4, cfg.Executor.MaxRetries)
	assert.Equal(t, 2, cfg.Pulse.Workers, "unset keys keep defaults")
	assert.Equal(t, "publish-episode --dry-run", cfg.Stages["publish"].Command)
	assert.Equal(t, 6.0, cfg.Stages["publish"].RatePerHour)

	policy, err := cfg.CalendarPolicy()
	require.NoError(t, err)
	assert.Equal(t, []int{9, 13, 17}, policy.PreferredHours)
	assert.Equal(t, time.UTC, policy.Location)
	assert.Equal(t, 3*time.Hour, policy.MinGap())
}

func TestLoadFromFile_EnvOverride(t *testing.T) {
	t.Setenv("SHOWRUNNER_PULSE_WORKERS", "5")
	t.Setenv("SHOWRUNNER_CALENDAR_PREFERRED_HOURS", "8,20")

	cfg, err := LoadFromFile(writeConfig(t, validTOML))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Pulse.Workers)
	assert.Equal(t, []int{8, 20}, cfg.Calendar.PreferredHours)
}

func TestLoadFromFile_Missing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func validConfig() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "showrunner.db"},
		Pulse:    PulseConfig{Workers: 1, PollIntervalMS: 100, TickerIntervalSeconds: 1},
		Calendar: CalendarConfig{MinGapHours: 3, MaxPerDay: 3, PreferredHours: []int{9, 13, 17}, HorizonDays: 7, Timezone: "UTC"},
		Executor: ExecutorConfig{MaxRetries: 3, BackoffBaseMS: 10, BackoffMaxMS: 100, StageTimeoutSeconds: 60},
		Pipeline: PipelineConfig{Stages: []string{"generate", "assemble"}},
		Stages:   map[string]StageConfig{"generate": {Command: "gen", TimeoutSeconds: 5}},
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"empty preferred hours", func(c *Config) { c.Calendar.PreferredHours = nil }, "preferred_hours"},
		{"hour out of range", func(c *Config) { c.Calendar.PreferredHours = []int{9, 24} }, "preferred_hours"},
		{"zero gap", func(c *Config) { c.Calendar.MinGapHours = 0 }, "min_gap_hours"},
		{"zero daily cap", func(c *Config) { c.Calendar.MaxPerDay = 0 }, "max_per_day"},
		{"unknown timezone", func(c *Config) { c.Calendar.Timezone = "Mars/Olympus" }, "unknown timezone"},
		{"no workers", func(c *Config) { c.Pulse.Workers = 0 }, "pulse.workers"},
		{"negative ticker", func(c *Config) { c.Pulse.TickerIntervalSeconds = -1 }, "ticker_interval_seconds"},
		{"zero retries", func(c *Config) { c.Executor.MaxRetries = 0 }, "max_retries"},
		{"backoff max below base", func(c *Config) { c.Executor.BackoffMaxMS = 1 }, "backoff_max_ms"},
		{"empty pipeline", func(c *Config) { c.Pipeline.Stages = nil }, "pipeline.stages"},
		{"duplicate stage", func(c *Config) { c.Pipeline.Stages = []string{"a", "a"} }, "listed twice"},
		{"reserved stage name", func(c *Config) { c.Pipeline.Stages = []string{"done"} }, "done"},
		{"stage outside pipeline", func(c *Config) { c.Stages["publish"] = StageConfig{Command: "x"} }, "not part of pipeline"},
		{"negative rate", func(c *Config) { c.Stages["generate"] = StageConfig{RatePerHour: -1} }, "rate_per_hour"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestStageTimeout(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, 5*time.Second, cfg.StageTimeout("generate"))
	assert.Equal(t, 60*time.Second, cfg.StageTimeout("assemble"))
}

func TestResolveLocation(t *testing.T) {
	loc, err := ResolveLocation("")
	require.NoError(t, err)
	assert.Equal(t, time.Local, loc)

	loc, err = ResolveLocation("utc")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)

	loc, err = ResolveLocation("PST")
	require.NoError(t, err)
	assert.Equal(t, "America/Los_Angeles", loc.String())

	_, err = ResolveLocation("Nowhere/Special")
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "am.toml")
	cfg := validConfig()

	require.NoError(t, WriteFile(path, cfg))
	cfg.Pulse.Workers = 4
	require.NoError(t, WriteFile(path, cfg))

	_, err := os.Stat(path + ".back1")
	require.NoError(t, err, "second write rotates a backup")

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 4, loaded.Pulse.Workers)
	assert.Equal(t, []int{9, 13, 17}, loaded.Calendar.PreferredHours)
	assert.Equal(t, "gen", loaded.Stages["generate"].Command)

	bad := validConfig()
	bad.Calendar.PreferredHours = nil
	assert.Error(t, WriteFile(path, bad))
}

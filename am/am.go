package am

import (
	"time"

	"github.com/teranos/showrunner/errors"
	"github.com/teranos/showrunner/pulse/calendar"
)

// Config represents the showrunner configuration
type Config struct {
	Database DatabaseConfig         `mapstructure:"database" toml:"database" json:"database" yaml:"database"`
	Pulse    PulseConfig            `mapstructure:"pulse" toml:"pulse" json:"pulse" yaml:"pulse"`
	Calendar CalendarConfig         `mapstructure:"calendar" toml:"calendar" json:"calendar" yaml:"calendar"`
	Executor ExecutorConfig         `mapstructure:"executor" toml:"executor" json:"executor" yaml:"executor"`
	Pipeline PipelineConfig         `mapstructure:"pipeline" toml:"pipeline" json:"pipeline" yaml:"pipeline"`
	Stages   map[string]StageConfig `mapstructure:"stages" toml:"stages" json:"stages" yaml:"stages"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path" json:"path" yaml:"path"`
}

// PulseConfig configures the worker pool and the recurring rule ticker
type PulseConfig struct {
	Workers               int  `mapstructure:"workers" toml:"workers" json:"workers" yaml:"workers"`                                                 // max concurrent jobs
	PollIntervalMS        int  `mapstructure:"poll_interval_ms" toml:"poll_interval_ms" json:"poll_interval_ms" yaml:"poll_interval_ms"`             // idle worker poll period
	TickerIntervalSeconds int  `mapstructure:"ticker_interval_seconds" toml:"ticker_interval_seconds" json:"ticker_interval_seconds" yaml:"ticker_interval_seconds"` // rule evaluation period
	RecoverOrphans        bool `mapstructure:"recover_orphans" toml:"recover_orphans" json:"recover_orphans" yaml:"recover_orphans"`                 // requeue RUNNING jobs on start
}

// CalendarConfig configures slot placement. PreferredHours has no default.
type CalendarConfig struct {
	MinGapHours    float64 `mapstructure:"min_gap_hours" toml:"min_gap_hours" json:"min_gap_hours" yaml:"min_gap_hours"`
	MaxPerDay      int     `mapstructure:"max_per_day" toml:"max_per_day" json:"max_per_day" yaml:"max_per_day"`
	PreferredHours []int   `mapstructure:"preferred_hours" toml:"preferred_hours" json:"preferred_hours" yaml:"preferred_hours"`
	HorizonDays    int     `mapstructure:"horizon_days" toml:"horizon_days" json:"horizon_days" yaml:"horizon_days"`
	Timezone       string  `mapstructure:"timezone" toml:"timezone" json:"timezone" yaml:"timezone"`
}

// ExecutorConfig configures retries and stage timeouts
type ExecutorConfig struct {
	MaxRetries          int `mapstructure:"max_retries" toml:"max_retries" json:"max_retries" yaml:"max_retries"`
	BackoffBaseMS       int `mapstructure:"backoff_base_ms" toml:"backoff_base_ms" json:"backoff_base_ms" yaml:"backoff_base_ms"`
	BackoffMaxMS        int `mapstructure:"backoff_max_ms" toml:"backoff_max_ms" json:"backoff_max_ms" yaml:"backoff_max_ms"`
	StageTimeoutSeconds int `mapstructure:"stage_timeout_seconds" toml:"stage_timeout_seconds" json:"stage_timeout_seconds" yaml:"stage_timeout_seconds"`
}

// PipelineConfig lists the stage names every new job runs, in order
type PipelineConfig struct {
	Stages []string `mapstructure:"stages" toml:"stages" json:"stages" yaml:"stages"`
}

// StageConfig binds one pipeline stage to an external command
type StageConfig struct {
	Command        string  `mapstructure:"command" toml:"command" json:"command" yaml:"command"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds" toml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"` // 0 = executor default
	RatePerHour    float64 `mapstructure:"rate_per_hour" toml:"rate_per_hour,omitempty" json:"rate_per_hour,omitempty" yaml:"rate_per_hour,omitempty"`     // 0 = unlimited
}

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)

// CalendarPolicy converts the [calendar] section into the placement policy
// handed to calendar.NewManager.
func (c *Config) CalendarPolicy() (calendar.Config, error) {
	loc, err := ResolveLocation(c.Calendar.Timezone)
	if err != nil {
		return calendar.Config{}, err
	}
	policy, err := calendar.NewConfig(
		c.Calendar.MinGapHours,
		c.Calendar.MaxPerDay,
		c.Calendar.PreferredHours,
		c.Calendar.HorizonDays,
		loc,
	)
	if err != nil {
		return calendar.Config{}, errors.Wrap(err, "invalid [calendar] section")
	}
	return policy, nil
}

// StageTimeout returns the timeout for one attempt of the named stage.
func (c *Config) StageTimeout(stage string) time.Duration {
	if sc, ok := c.Stages[stage]; ok && sc.TimeoutSeconds > 0 {
		return time.Duration(sc.TimeoutSeconds) * time.Second
	}
	return time.Duration(c.Executor.StageTimeoutSeconds) * time.Second
}

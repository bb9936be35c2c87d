package am

import (
	"slices"

	"github.com/teranos/showrunner/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database.path cannot be empty")
	}

	if c.Pulse.Workers <= 0 {
		return errors.Newf("pulse.workers must be > 0, got %d", c.Pulse.Workers)
	}
	if c.Pulse.PollIntervalMS <= 0 {
		return errors.Newf("pulse.poll_interval_ms must be > 0, got %d", c.Pulse.PollIntervalMS)
	}
	// 0 disables the recurring rule ticker
	if c.Pulse.TickerIntervalSeconds < 0 {
		return errors.Newf("pulse.ticker_interval_seconds must be >= 0, got %d", c.Pulse.TickerIntervalSeconds)
	}

	if _, err := c.CalendarPolicy(); err != nil {
		return err
	}

	if c.Executor.MaxRetries <= 0 {
		return errors.Newf("executor.max_retries must be > 0, got %d", c.Executor.MaxRetries)
	}
	if c.Executor.BackoffBaseMS < 0 {
		return errors.Newf("executor.backoff_base_ms must be >= 0, got %d", c.Executor.BackoffBaseMS)
	}
	if c.Executor.BackoffMaxMS < c.Executor.BackoffBaseMS {
		return errors.Newf("executor.backoff_max_ms (%d) must be >= backoff_base_ms (%d)",
			c.Executor.BackoffMaxMS, c.Executor.BackoffBaseMS)
	}
	if c.Executor.StageTimeoutSeconds < 0 {
		return errors.Newf("executor.stage_timeout_seconds must be >= 0, got %d", c.Executor.StageTimeoutSeconds)
	}

	if len(c.Pipeline.Stages) == 0 {
		return errors.New("pipeline.stages cannot be empty")
	}
	for i, name := range c.Pipeline.Stages {
		if name == "" {
			return errors.Newf("pipeline.stages[%d] is empty", i)
		}
		if name == "done" {
			return errors.New(`pipeline stage cannot be named "done"`)
		}
		if slices.Index(c.Pipeline.Stages, name) != i {
			return errors.Newf("pipeline stage %q is listed twice", name)
		}
	}

	for name, sc := range c.Stages {
		if !slices.Contains(c.Pipeline.Stages, name) {
			return errors.WithHint(
				errors.Newf("stages.%s is configured but not part of pipeline.stages", name),
				"add it to pipeline.stages or remove the section",
			)
		}
		if sc.TimeoutSeconds < 0 {
			return errors.Newf("stages.%s.timeout_seconds must be >= 0, got %d", name, sc.TimeoutSeconds)
		}
		if sc.RatePerHour < 0 {
			return errors.Newf("stages.%s.rate_per_hour must be >= 0, got %v", name, sc.RatePerHour)
		}
	}

	return nil
}

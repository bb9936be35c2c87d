package am

import (
	"github.com/spf13/viper"
)

// DefaultPipeline is the production pipeline in execution order.
var DefaultPipeline = []string{"generate", "acquire-assets", "assemble", "publish"}

// SetDefaults configures default values for all configuration options.
// calendar.preferred_hours is deliberately absent: it must be configured.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "showrunner.db")

	v.SetDefault("pulse.workers", 2)
	v.SetDefault("pulse.poll_interval_ms", 1000)
	v.SetDefault("pulse.ticker_interval_seconds", 30)
	v.SetDefault("pulse.recover_orphans", true)

	v.SetDefault("calendar.min_gap_hours", 3)
	v.SetDefault("calendar.max_per_day", 3)
	v.SetDefault("calendar.horizon_days", 14)
	v.SetDefault("calendar.timezone", "Local")

	v.SetDefault("executor.max_retries", 3)
	v.SetDefault("executor.backoff_base_ms", 2000)
	v.SetDefault("executor.backoff_max_ms", 5*60*1000)
	v.SetDefault("executor.stage_timeout_seconds", 30*60)

	v.SetDefault("pipeline.stages", DefaultPipeline)
}

package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/showrunner/am"
	"github.com/teranos/showrunner/logger"
	"github.com/teranos/showrunner/pulse/async"
	"github.com/teranos/showrunner/pulse/schedule"
	"github.com/teranos/showrunner/stages"
	"github.com/teranos/showrunner/sym"
)

// DaemonCmd groups the long-running process commands
var DaemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: sym.Pulse + " Run the worker pool and rule ticker",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the foreground",
	Long: `Start the daemon in the foreground.

The daemon:
- runs pulse.workers workers that claim ready jobs and execute their stages
- expands due recurring rules every pulse.ticker_interval_seconds
- reloads the calendar policy and stage rate limits when am.toml changes
- on Ctrl+C re-queues running jobs with their checkpoints and exits`,
	RunE: runDaemonStart,
}

func init() {
	daemonStartCmd.Flags().Int("workers", 0, "Override pulse.workers")
	DaemonCmd.AddCommand(daemonStartCmd)
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()
	cfg := svc.cfg

	if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
		cfg.Pulse.Workers = workers
	}

	registry, limiter, err := stages.FromConfig(cfg, logger.ComponentLogger("stages"))
	if err != nil {
		return err
	}

	executor := async.NewExecutor(svc.jobs, registry, async.ExecutorConfig{
		BackoffBase:  time.Duration(cfg.Executor.BackoffBaseMS) * time.Millisecond,
		BackoffMax:   time.Duration(cfg.Executor.BackoffMaxMS) * time.Millisecond,
		StageTimeout: cfg.StageTimeout,
	}, logger.ComponentLogger("pulse"))
	executor.SetLimiter(limiter)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	pool := async.NewWorkerPool(ctx, svc.queue, executor, async.WorkerPoolConfig{
		Workers:        cfg.Pulse.Workers,
		PollInterval:   time.Duration(cfg.Pulse.PollIntervalMS) * time.Millisecond,
		RecoverOrphans: cfg.Pulse.RecoverOrphans,
	}, logger.Logger)
	pool.Start()

	var ticker *schedule.Ticker
	if cfg.Pulse.TickerIntervalSeconds > 0 {
		ticker = schedule.NewTicker(ctx, svc.rules, svc.expander, svc.queue, pool, schedule.TickerConfig{
			Interval: time.Duration(cfg.Pulse.TickerIntervalSeconds) * time.Second,
		}, logger.Logger)
		ticker.Start()
	}

	watcher := startConfigWatcher(svc, limiter)

	policy := svc.calendar.Config()
	fmt.Printf("%s Showrunner daemon started\n", sym.PulseOpen)
	fmt.Printf("  Database: %s\n", cfg.Database.Path)
	fmt.Printf("  Workers: %d\n", pool.Workers())
	fmt.Printf("  Pipeline: %v\n", cfg.Pipeline.Stages)
	fmt.Printf("  Calendar: gap %.1fh, max %d/day, hours %v (%s)\n",
		policy.MinGapHours, policy.MaxPerDay, policy.PreferredHours, policy.Location)
	if ticker != nil {
		fmt.Printf("  Rule ticker: every %ds\n", cfg.Pulse.TickerIntervalSeconds)
	} else {
		fmt.Printf("  Rule ticker: disabled\n")
	}
	fmt.Printf("\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Pulse)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	fmt.Printf("\n%s Shutting down, running jobs keep their checkpoints...\n", sym.PulseClose)

	// Reverse order of startup
	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			logger.Logger.Warnw("Failed to stop config watcher", logger.FieldError, err)
		}
	}
	if ticker != nil {
		ticker.Stop()
	}
	pool.Stop()

	pterm.Success.Printf("Daemon stopped after %d job(s)\n", pool.JobsProcessed())
	return nil
}

// startConfigWatcher hot-reloads the calendar policy and stage rates from
// the active config file. It returns nil when there is no file to watch.
func startConfigWatcher(svc *services, limiter *async.StageLimiter) *am.ConfigWatcher {
	path := am.ActiveConfigPath()
	if path == "" {
		return nil
	}

	watcher, err := am.NewConfigWatcher(path, logger.ComponentLogger("am"))
	if err != nil {
		logger.Logger.Warnw("Config hot reload disabled", "path", path, logger.FieldError, err)
		return nil
	}
	watcher.OnReload(func(cfg *am.Config) error {
		policy, err := cfg.CalendarPolicy()
		if err != nil {
			return err
		}
		if err := svc.calendar.SetConfig(policy); err != nil {
			return err
		}
		for _, stage := range cfg.Pipeline.Stages {
			limiter.SetRate(stage, cfg.Stages[stage].RatePerHour)
		}
		return nil
	})
	watcher.Start()
	am.SetGlobalWatcher(watcher)
	return watcher
}

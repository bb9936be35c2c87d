package commands

import (
	"database/sql"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/showrunner/am"
	"github.com/teranos/showrunner/db"
	"github.com/teranos/showrunner/errors"
	"github.com/teranos/showrunner/logger"
	"github.com/teranos/showrunner/pulse/async"
	"github.com/teranos/showrunner/pulse/calendar"
	"github.com/teranos/showrunner/pulse/content"
	"github.com/teranos/showrunner/pulse/schedule"
)

// services is everything a command needs, wired over one database
type services struct {
	cfg        *am.Config
	db         *sql.DB
	calendar   *calendar.Manager
	jobs       *async.Store
	queue      *async.Queue
	scheduler  *content.Scheduler
	rules      *schedule.RuleStore
	executions *schedule.ExecutionStore
	expander   *schedule.Expander
}

// loadConfig loads and validates the configuration cascade, honoring --db
func loadConfig(cmd *cobra.Command) (*am.Config, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if path, _ := cmd.Flags().GetString("db"); path != "" {
		cfg.Database.Path = path
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithHint(
			errors.Wrap(err, "configuration validation failed"),
			"run 'showrunner am validate' and fix the active am.toml",
		)
	}
	return cfg, nil
}

// openDatabase opens and migrates the database at path
func openDatabase(path string) (*sql.DB, error) {
	database, err := db.Open(path, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}
	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "failed to run migrations on %s", path)
	}
	return database, nil
}

// openServices loads the config and wires the scheduler over the database
func openServices(cmd *cobra.Command) (*services, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	database, err := openDatabase(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	svc, err := newServices(cfg, database, logger.Logger)
	if err != nil {
		database.Close()
		return nil, err
	}
	return svc, nil
}

func newServices(cfg *am.Config, database *sql.DB, log *zap.SugaredLogger) (*services, error) {
	policy, err := cfg.CalendarPolicy()
	if err != nil {
		return nil, err
	}
	cal, err := calendar.NewManager(policy, calendar.NewSQLSlotStore(database), log)
	if err != nil {
		return nil, err
	}

	jobs := async.NewStore(database)
	queue := async.NewQueue(jobs)
	scheduler := content.NewScheduler(cal, jobs, queue, content.Defaults{
		Pipeline:   cfg.Pipeline.Stages,
		MaxRetries: cfg.Executor.MaxRetries,
	}, log)

	rules := schedule.NewRuleStore(database)
	executions := schedule.NewExecutionStore(database)
	expander := schedule.NewExpander(rules, executions, cal, jobs, scheduler, schedule.ExpanderConfig{
		Pipeline:   cfg.Pipeline.Stages,
		MaxRetries: cfg.Executor.MaxRetries,
	}, log)

	return &services{
		cfg:        cfg,
		db:         database,
		calendar:   cal,
		jobs:       jobs,
		queue:      queue,
		scheduler:  scheduler,
		rules:      rules,
		executions: executions,
		expander:   expander,
	}, nil
}

func (s *services) Close() error {
	return s.db.Close()
}

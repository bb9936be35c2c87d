package stages

import (
	"go.uber.org/zap"

	"github.com/teranos/showrunner/am"
	"github.com/teranos/showrunner/errors"
	"github.com/teranos/showrunner/pulse/async"
)

// FromConfig builds a command stage for every [stages.<name>] entry and the
// limiter for their rate_per_hour settings. It fails if a pipeline stage
// has no command.
func FromConfig(cfg *am.Config, log *zap.SugaredLogger) (*async.StageRegistry, *async.StageLimiter, error) {
	registry := async.NewStageRegistry()
	rates := make(map[string]float64)

	for name, sc := range cfg.Stages {
		if sc.Command == "" {
			continue
		}
		stage, err := NewCommandStage(name, sc.Command, nil, log)
		if err != nil {
			return nil, nil, err
		}
		registry.Register(name, stage)
		if sc.RatePerHour > 0 {
			rates[name] = sc.RatePerHour
		}
	}

	if err := registry.Covers(cfg.Pipeline.Stages); err != nil {
		return nil, nil, errors.Wrap(err, "pipeline is not fully configured")
	}
	return registry, async.NewStageLimiter(rates), nil
}

package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/showrunner/errors"
	"github.com/teranos/showrunner/logger"
	"github.com/teranos/showrunner/pulse/async"
	"github.com/teranos/showrunner/sym"
)

// Ticker periodically expands due recurring rules
type Ticker struct {
	rules           *RuleStore
	expander        *Expander
	queue           *async.Queue      // optional, for the activity indicator
	workerPool      *async.WorkerPool // optional, for system metrics in ticker logs
	interval        time.Duration
	ctx             context.Context
	cancel          context.CancelFunc
	wg              sync.WaitGroup
	logger          *zap.SugaredLogger
	pulseLog        *zap.SugaredLogger // Logger with Pulse symbol pre-attached
	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
	lastActiveWork  int // Track last active work count to detect changes
	now             func() time.Time
}

// TickerConfig contains configuration for the rule ticker
type TickerConfig struct {
	Interval time.Duration // How often to look for due rules (default: 30 seconds)
}

// DefaultTickerConfig returns sensible defaults
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{
		Interval: 30 * time.Second,
	}
}

// NewTicker creates a ticker. Cancelling ctx stops it like Stop does.
func NewTicker(ctx context.Context, rules *RuleStore, expander *Expander, queue *async.Queue, workerPool *async.WorkerPool, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	if log == nil {
		log = logger.Logger
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultTickerConfig().Interval
	}
	tickerCtx, cancel := context.WithCancel(ctx)

	return &Ticker{
		rules:      rules,
		expander:   expander,
		queue:      queue,
		workerPool: workerPool,
		interval:   cfg.Interval,
		ctx:        tickerCtx,
		cancel:     cancel,
		logger:     log,
		pulseLog:   logger.AddPulseSymbol(log.Named("ticker")),
		now:        time.Now,
	}
}

// Start begins the ticker loop. Rules already due are expanded right away.
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	logger.AddPulseOpenSymbol(t.logger.Named("ticker")).Infow("Pulse ticker started", "interval", t.interval)
}

// Stop gracefully stops the ticker
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	logger.AddPulseCloseSymbol(t.logger.Named("ticker")).Infow("Pulse ticker stopped")
}

// run is the main ticker loop
func (t *Ticker) run() {
	defer t.wg.Done()

	t.tick(t.now())

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.tick(t.now())
		}
	}
}

func (t *Ticker) tick(now time.Time) {
	t.mu.Lock()
	t.lastTickAt = now
	t.ticksSinceStart++
	ticks := t.ticksSinceStart
	t.mu.Unlock()

	t.logNextRuleInfo(now)

	if err := t.checkDueRules(now); err != nil && t.ctx.Err() == nil {
		// Don't spam logs - log errors at warn level
		t.pulseLog.Warnw("Pulse tick error", logger.FieldError, err, "tick", ticks)
	}
}

// checkDueRules expands every rule due at now
func (t *Ticker) checkDueRules(now time.Time) error {
	executions, err := t.expander.ExpandDue(t.ctx, now)
	if err != nil {
		return errors.Wrap(err, "failed to expand due rules")
	}
	created := 0
	for _, exec := range executions {
		if exec.Status == ExecutionStatusCreated {
			created++
		}
	}
	if created > 0 {
		t.pulseLog.Infow("Recurring rules expanded", logger.FieldCount, created)
	}
	return nil
}

// logNextRuleInfo logs time until the next rule occurrence when the amount
// of active work changes
func (t *Ticker) logNextRuleInfo(now time.Time) {
	if t.queue == nil {
		return
	}

	stats, err := t.queue.GetStats(t.ctx)
	if err != nil {
		t.pulseLog.Warnw("Failed to get queue stats", logger.FieldError, err)
		// Continue without stats
		stats = &async.QueueStats{}
	}
	activeWork := stats.Pending + stats.Running

	// Only log if active work count has changed
	t.mu.Lock()
	hasChanged := activeWork != t.lastActiveWork
	t.lastActiveWork = activeWork
	t.mu.Unlock()
	if !hasChanged {
		return
	}

	// One pulse symbol per 5 jobs, max 60
	pulseIndicator := ""
	if activeWork > 0 {
		numSymbols := min(activeWork/5+1, 60)
		pulseIndicator = strings.TrimSpace(strings.Repeat(sym.Pulse+" ", numSymbols)) + " "
	}

	next, err := t.rules.NextRule(t.ctx)
	if err != nil {
		t.pulseLog.Warnw("Failed to get next rule", logger.FieldError, err)
		return
	}
	if next == nil {
		t.pulseLog.Infow(fmt.Sprintf("%sPulse - no recurring rules, %d jobs active", pulseIndicator, activeWork))
		return
	}

	timeUntil := max(next.NextRun.Sub(now), 0)
	msg := fmt.Sprintf("%sPulse - next rule '%s' in %s", pulseIndicator, next.LabelTemplate, timeUntil.Round(time.Second))
	if activeWork > 0 {
		msg += fmt.Sprintf(", %d jobs active", activeWork)
	}
	if due, err := t.queue.Store().NextDue(t.ctx, now); err != nil {
		t.pulseLog.Debugw("Failed to read next due job", logger.FieldError, err)
	} else if due != nil {
		msg += fmt.Sprintf(", next job due in %s", due.Sub(now).Round(time.Second))
	}

	if t.workerPool != nil {
		metrics := t.workerPool.GetSystemMetrics(t.ctx)
		msg += fmt.Sprintf(" │ Workers: %d/%d active │ Mem: %.1f/%.1fGB (%.0f%%)",
			metrics.WorkersActive, metrics.WorkersTotal,
			metrics.MemoryUsedGB, metrics.MemoryTotalGB, metrics.MemoryPercent)
	}

	t.pulseLog.Infow(msg)
}

// GetStats returns ticker statistics
func (t *Ticker) GetStats() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	return map[string]interface{}{
		"last_tick_at":      t.lastTickAt,
		"ticks_since_start": t.ticksSinceStart,
		"interval":          t.interval,
	}
}

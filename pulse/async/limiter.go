package async

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/teranos/showrunner/errors"
)

// StageLimiter caps how often each stage may start an attempt, e.g. a
// publish stage limited to a few uploads per hour. Stages without a
// configured rate are unlimited.
type StageLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

// NewStageLimiter builds limiters from attempts-per-hour rates. Rates <= 0
// are ignored.
func NewStageLimiter(perHour map[string]float64) *StageLimiter {
	l := &StageLimiter{limiters: make(map[string]*rate.Limiter)}
	for stage, r := range perHour {
		l.SetRate(stage, r)
	}
	return l
}

// SetRate replaces the rate for stage; perHour <= 0 removes the limit
func (l *StageLimiter) SetRate(stage string, perHour float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if perHour <= 0 {
		delete(l.limiters, stage)
		return
	}
	l.limiters[stage] = rate.NewLimiter(rate.Limit(perHour/3600), 1)
}

// Wait blocks until stage may start an attempt or ctx is done
func (l *StageLimiter) Wait(ctx context.Context, stage string) error {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	limiter := l.limiters[stage]
	l.mu.RUnlock()

	if limiter == nil {
		return nil
	}
	if err := limiter.Wait(ctx); err != nil {
		return errors.Wrapf(err, "rate limit wait for stage %s", stage)
	}
	return nil
}

// Allow reports whether stage may start an attempt right now, consuming a
// token if so
func (l *StageLimiter) Allow(stage string) bool {
	if l == nil {
		return true
	}
	l.mu.RLock()
	limiter := l.limiters[stage]
	l.mu.RUnlock()
	return limiter == nil || limiter.Allow()
}

// Limited reports whether stage has a configured rate
func (l *StageLimiter) Limited(stage string) bool {
	if l == nil {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.limiters[stage]
	return ok
}

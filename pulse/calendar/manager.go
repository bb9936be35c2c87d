// Package calendar decides where production jobs land in time.
//
// A placement must fall on a preferred hour, keep the minimum gap to every
// other occupied slot, and fit under the per-day cap. Reservations go through
// a SlotStore that serializes the read-check-write sequence; suggestions
// apply the same checks against committed slots plus the suggestions
// already produced in the same batch, without committing anything.
package calendar

import (
	"context"
	"iter"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/showrunner/errors"
	"github.com/teranos/showrunner/internal/util"
	"github.com/teranos/showrunner/logger"
)

// Manager owns slot placement policy.
type Manager struct {
	store  SlotStore
	config atomic.Pointer[Config]
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewManager creates a Manager with an explicit policy.
func NewManager(cfg Config, store SlotStore, log *zap.SugaredLogger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("calendar manager requires a slot store")
	}
	if log == nil {
		log = logger.Logger
	}
	m := &Manager{
		store:  store,
		logger: logger.AddCalendarSymbol(log),
		now:    time.Now,
	}
	if err := m.SetConfig(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

// SetConfig swaps the placement policy. Evaluations already in progress
// finish under the policy they started with.
func (m *Manager) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid calendar config")
	}
	m.config.Store(&cfg)
	m.logger.Infow("Calendar policy applied",
		"min_gap_hours", cfg.MinGapHours,
		"max_per_day", cfg.MaxPerDay,
		"preferred_hours", cfg.PreferredHours,
		"timezone", cfg.Location.String(),
	)
	return nil
}

// Config returns the current policy snapshot.
func (m *Manager) Config() Config {
	return *m.config.Load()
}

// Location returns the calendar's time zone.
func (m *Manager) Location() *time.Location {
	return m.config.Load().Location
}

// window returns the range of occupied slots that can affect a candidate at
// t: its whole calendar day plus min gap on either side.
func window(cfg Config, t time.Time) (time.Time, time.Time) {
	dayStart := util.StartOfDay(t, cfg.Location)
	dayEnd := dayStart.AddDate(0, 0, 1)
	from, to := dayStart, dayEnd
	if gapStart := t.Add(-cfg.MinGap()); gapStart.Before(from) {
		from = gapStart
	}
	if gapEnd := t.Add(cfg.MinGap() + time.Nanosecond); gapEnd.After(to) {
		to = gapEnd
	}
	return from, to
}

// evaluate applies the placement checks. When a candidate fails several of
// them, the day cap wins over the gap, and the gap wins over the preferred
// hour, so a full day always reports "daily max reached" whatever the hour.
func evaluate(cfg Config, t time.Time, occupied []Slot) ConflictReason {
	day := util.DayKey(t, cfg.Location)
	count := 0
	for _, s := range occupied {
		if s.Day == day {
			count++
		}
	}
	if count >= cfg.MaxPerDay {
		return ReasonDailyMax
	}

	gap := cfg.MinGap()
	for _, s := range occupied {
		d := s.Time.Sub(t)
		if d < 0 {
			d = -d
		}
		if d < gap {
			return ReasonGapViolation
		}
	}

	if !cfg.IsPreferred(t.In(cfg.Location).Hour()) {
		return ReasonNotPreferred
	}
	return ""
}

// ReserveSlot validates requested against the policy and, when it passes,
// marks the slot occupied by jobID. A conflict is returned in the
// Reservation, not as an error; errors are reserved for storage failures.
func (m *Manager) ReserveSlot(ctx context.Context, jobID string, requested time.Time) (Reservation, error) {
	if jobID == "" {
		return Reservation{}, errors.NewInvalidRequestError("slot reservation requires a job id")
	}

	cfg := m.Config()
	slot := Slot{
		JobID: jobID,
		Day:   util.DayKey(requested, cfg.Location),
		Time:  requested,
	}

	from, to := window(cfg, requested)
	reason, err := m.store.Reserve(ctx, slot, from, to, func(occupied []Slot) ConflictReason {
		return evaluate(cfg, requested, occupied)
	})
	if err != nil {
		return Reservation{}, errors.Wrap(err, "failed to reserve slot")
	}

	if reason != "" {
		m.logger.Debugw("Slot rejected",
			logger.FieldJobID, jobID,
			logger.FieldSlot, requested,
			logger.FieldReason, string(reason),
		)
		return Reservation{Slot: slot, Conflict: reason}, nil
	}

	m.logger.Infow("Slot reserved",
		logger.FieldJobID, jobID,
		logger.FieldSlot, requested,
		logger.FieldTargetDay, slot.Day,
	)
	return Reservation{Slot: slot}, nil
}

// candidates yields every preferred hour on every day of the horizon,
// earliest day first, strictly after after.
func candidates(cfg Config, after time.Time) iter.Seq[time.Time] {
	return func(yield func(time.Time) bool) {
		start := util.StartOfDay(after, cfg.Location)
		for d := 0; d < cfg.HorizonDays; d++ {
			date := start.AddDate(0, 0, d)
			for _, hour := range cfg.PreferredHours {
				c := time.Date(date.Year(), date.Month(), date.Day(), hour, 0, 0, 0, cfg.Location)
				if !c.After(after) {
					continue
				}
				if !yield(c) {
					return
				}
			}
		}
	}
}

// Suggestions lazily yields acceptable times strictly after after. Every
// yielded time is treated as tentatively occupied for the rest of the
// sequence, so any two suggestions respect the minimum gap and daily cap.
// The sequence ends at the policy horizon. A storage error is yielded once
// and ends the sequence.
func (m *Manager) Suggestions(ctx context.Context, after time.Time) iter.Seq2[time.Time, error] {
	return func(yield func(time.Time, error) bool) {
		cfg := m.Config()

		from := util.StartOfDay(after, cfg.Location)
		if gapStart := after.Add(-cfg.MinGap()); gapStart.Before(from) {
			from = gapStart
		}
		horizonEnd := util.StartOfDay(after, cfg.Location).AddDate(0, 0, cfg.HorizonDays)
		occupied, err := m.store.Occupied(ctx, from, horizonEnd.Add(cfg.MinGap()))
		if err != nil {
			yield(time.Time{}, errors.Wrap(err, "failed to load occupied slots"))
			return
		}

		for c := range candidates(cfg, after) {
			if err := ctx.Err(); err != nil {
				yield(time.Time{}, err)
				return
			}
			if evaluate(cfg, c, occupied) != "" {
				continue
			}
			if !yield(c, nil) {
				return
			}
			occupied = append(occupied, Slot{Day: util.DayKey(c, cfg.Location), Time: c})
		}
	}
}

// SuggestOptimalSlots returns up to n acceptable times strictly after after,
// ordered by earliest day then earliest hour.
func (m *Manager) SuggestOptimalSlots(ctx context.Context, n int, after time.Time) ([]time.Time, error) {
	if n <= 0 {
		return nil, nil
	}
	out := make([]time.Time, 0, n)
	for t, err := range m.Suggestions(ctx, after) {
		if err != nil {
			return nil, err
		}
		out = append(out, t)
		if len(out) == n {
			break
		}
	}
	return out, nil
}

// ReserveNext reserves the earliest acceptable slot after after for jobID.
// Suggestions are computed outside the store's critical section, so a
// concurrent reservation can take a suggested time first; the next
// suggestion is tried in that case.
func (m *Manager) ReserveNext(ctx context.Context, jobID string, after time.Time) (Reservation, error) {
	const maxAttempts = 8

	var last Reservation
	for attempt := 0; attempt < maxAttempts; attempt++ {
		suggested, err := m.SuggestOptimalSlots(ctx, 1, after)
		if err != nil {
			return Reservation{}, err
		}
		if len(suggested) == 0 {
			return Reservation{Slot: Slot{JobID: jobID, Time: after}, Conflict: ReasonNoSlot}, nil
		}
		last, err = m.ReserveSlot(ctx, jobID, suggested[0])
		if err != nil || last.Reserved() {
			return last, err
		}
	}
	return last, nil
}

// Release frees the slot owned by jobID, if any.
func (m *Manager) Release(ctx context.Context, jobID string) error {
	released, err := m.store.Release(ctx, jobID)
	if err != nil {
		return err
	}
	if released {
		m.logger.Infow("Slot released", logger.FieldJobID, jobID)
	}
	return nil
}

// Occupied lists occupied slots between from and to.
func (m *Manager) Occupied(ctx context.Context, from, to time.Time) ([]Slot, error) {
	return m.store.Occupied(ctx, from, to)
}

// SlotFor returns the slot owned by jobID.
func (m *Manager) SlotFor(ctx context.Context, jobID string) (*Slot, error) {
	return m.store.Get(ctx, jobID)
}

package calendar

import (
	"math"
	"slices"
	"time"

	"github.com/teranos/showrunner/errors"
)

// DefaultHorizonDays bounds how far ahead suggestions scan.
const DefaultHorizonDays = 14

// Config is the placement policy. A Manager snapshots one Config per
// evaluation, so a concurrent SetConfig never changes the rules halfway
// through a reservation or a suggestion batch.
type Config struct {
	MinGapHours    float64
	MaxPerDay      int
	PreferredHours []int // ascending, unique, 0-23
	HorizonDays    int
	Location       *time.Location
}

// NewConfig builds a validated Config. Preferred hours are sorted and
// deduplicated; there is no fallback set when none are given.
func NewConfig(minGapHours float64, maxPerDay int, preferredHours []int, horizonDays int, loc *time.Location) (Config, error) {
	hours := slices.Clone(preferredHours)
	slices.Sort(hours)
	hours = slices.Compact(hours)

	if horizonDays == 0 {
		horizonDays = DefaultHorizonDays
	}
	if loc == nil {
		loc = time.Local
	}

	cfg := Config{
		MinGapHours:    minGapHours,
		MaxPerDay:      maxPerDay,
		PreferredHours: hours,
		HorizonDays:    horizonDays,
		Location:       loc,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the policy invariants.
func (c Config) Validate() error {
	if len(c.PreferredHours) == 0 {
		return errors.WithHint(
			errors.NewInvalidRequestError("calendar.preferred_hours must be a non-empty set"),
			"set calendar.preferred_hours explicitly, e.g. [9, 13, 17]",
		)
	}
	for _, h := range c.PreferredHours {
		if h < 0 || h > 23 {
			return errors.NewInvalidRequestError("calendar.preferred_hours contains %d, want 0-23", h)
		}
	}
	if !slices.IsSorted(c.PreferredHours) {
		return errors.NewInvalidRequestError("calendar.preferred_hours must be ascending")
	}
	if c.MinGapHours <= 0 || math.IsNaN(c.MinGapHours) || math.IsInf(c.MinGapHours, 0) {
		return errors.NewInvalidRequestError("calendar.min_gap_hours must be positive, got %v", c.MinGapHours)
	}
	if c.MaxPerDay <= 0 {
		return errors.NewInvalidRequestError("calendar.max_per_day must be positive, got %d", c.MaxPerDay)
	}
	if c.HorizonDays <= 0 {
		return errors.NewInvalidRequestError("calendar.horizon_days must be positive, got %d", c.HorizonDays)
	}
	if c.Location == nil {
		return errors.NewInvalidRequestError("calendar location is required")
	}
	return nil
}

// MinGap returns the minimum spacing as a duration.
func (c Config) MinGap() time.Duration {
	return time.Duration(c.MinGapHours * float64(time.Hour))
}

// IsPreferred reports whether hour is an acceptable hour-of-day.
func (c Config) IsPreferred(hour int) bool {
	_, found := slices.BinarySearch(c.PreferredHours, hour)
	return found
}

// Package schedule expands recurring production rules into calendar-checked
// jobs. A Ticker evaluates due rules periodically; the Expander turns one due
// occurrence into at most one job per rule and target day.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/teranos/showrunner/errors"
	"github.com/teranos/showrunner/internal/util"
	"github.com/teranos/showrunner/pulse/async"
)

// Frequency is how often a rule produces a job
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// ParseFrequency converts user input into a Frequency
func ParseFrequency(s string) (Frequency, error) {
	switch f := Frequency(strings.ToLower(strings.TrimSpace(s))); f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return f, nil
	}
	return "", errors.NewInvalidRequestError("unknown frequency %q (want daily, weekly or monthly)", s)
}

// ParseWeekday accepts a weekday name ("monday", "mon") or its number (0 = Sunday)
func ParseWeekday(s string) (time.Weekday, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(normalized); err == nil && n >= 0 && n <= 6 {
		return time.Weekday(n), nil
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if normalized == name || normalized == name[:3] {
			return d, nil
		}
	}
	return 0, errors.NewInvalidRequestError("unknown weekday %q", s)
}

// cronParser accepts five-field specs with an optional CRON_TZ prefix
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Rule is a recurring production pattern. NextRun is the time of the next
// occurrence to expand; it moves strictly forward after every expansion.
type Rule struct {
	ID             string         `json:"id"`
	LabelTemplate  string         `json:"label_template"` // text/template over LabelData
	Topic          string         `json:"topic,omitempty"`
	TargetDuration int            `json:"target_duration"`
	Priority       async.Priority `json:"priority"`
	Frequency      Frequency      `json:"frequency"`
	TimeOfDay      string         `json:"time_of_day"`            // HH:MM in Timezone
	DayOfWeek      time.Weekday   `json:"day_of_week,omitempty"`  // weekly only
	DayOfMonth     int            `json:"day_of_month,omitempty"` // monthly only, 1-31
	Timezone       string         `json:"timezone"`
	NextRun        time.Time      `json:"next_run"`
	Active         bool           `json:"active"`
	LastTargetDay  string         `json:"last_target_day,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// NewRule validates r, assigns an id and sets NextRun to the first
// occurrence after now.
func NewRule(r Rule, now time.Time) (*Rule, error) {
	if r.Timezone == "" {
		r.Timezone = "UTC"
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}

	next, err := r.NextAfter(now)
	if err != nil {
		return nil, err
	}

	r.ID = "RL" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	r.NextRun = next
	r.Active = true
	r.CreatedAt = now.UTC()
	r.UpdatedAt = now.UTC()
	return &r, nil
}

// Validate checks that the rule describes a schedulable pattern
func (r *Rule) Validate() error {
	if strings.TrimSpace(r.LabelTemplate) == "" {
		return errors.NewInvalidRequestError("rule label cannot be empty")
	}
	if _, err := template.New("label").Parse(r.LabelTemplate); err != nil {
		return errors.WithDetail(errors.NewInvalidRequestError("invalid label template %q", r.LabelTemplate), err.Error())
	}
	if r.TargetDuration <= 0 {
		return errors.NewInvalidRequestError("target duration must be positive, got %d", r.TargetDuration)
	}
	if !r.Priority.Valid() {
		return errors.NewInvalidRequestError("invalid priority %d", int(r.Priority))
	}
	if _, err := ParseFrequency(string(r.Frequency)); err != nil {
		return err
	}
	if _, _, err := r.clock(); err != nil {
		return err
	}
	if r.Frequency == FrequencyWeekly && (r.DayOfWeek < time.Sunday || r.DayOfWeek > time.Saturday) {
		return errors.NewInvalidRequestError("weekly rule needs day_of_week 0-6, got %d", r.DayOfWeek)
	}
	if r.Frequency == FrequencyMonthly && (r.DayOfMonth < 1 || r.DayOfMonth > 31) {
		return errors.NewInvalidRequestError("monthly rule needs day_of_month 1-31, got %d", r.DayOfMonth)
	}
	if _, err := time.LoadLocation(r.Timezone); err != nil {
		return errors.NewInvalidRequestError("unknown timezone %q", r.Timezone)
	}
	return nil
}

// clock parses TimeOfDay
func (r *Rule) clock() (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(r.TimeOfDay))
	if err != nil {
		return 0, 0, errors.NewInvalidRequestError("time_of_day must be HH:MM, got %q", r.TimeOfDay)
	}
	return t.Hour(), t.Minute(), nil
}

// CronSpec renders the rule as a five-field cron spec in its timezone.
// Monthly rules on day 29-31 skip months without that day.
func (r *Rule) CronSpec() (string, error) {
	hour, minute, err := r.clock()
	if err != nil {
		return "", err
	}
	tz := r.Timezone
	if tz == "" {
		tz = "UTC"
	}

	switch r.Frequency {
	case FrequencyDaily:
		return fmt.Sprintf("CRON_TZ=%s %d %d * * *", tz, minute, hour), nil
	case FrequencyWeekly:
		return fmt.Sprintf("CRON_TZ=%s %d %d * * %d", tz, minute, hour, int(r.DayOfWeek)), nil
	case FrequencyMonthly:
		return fmt.Sprintf("CRON_TZ=%s %d %d %d * *", tz, minute, hour, r.DayOfMonth), nil
	}
	return "", errors.NewInvalidRequestError("unknown frequency %q", r.Frequency)
}

// Schedule returns the cron schedule of the rule's occurrences
func (r *Rule) Schedule() (cron.Schedule, error) {
	spec, err := r.CronSpec()
	if err != nil {
		return nil, err
	}
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse cron spec %q", spec)
	}
	return sched, nil
}

// NextAfter returns the first occurrence strictly after t
func (r *Rule) NextAfter(t time.Time) (time.Time, error) {
	sched, err := r.Schedule()
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(t)
	if next.IsZero() {
		return time.Time{}, errors.Newf("rule %s has no occurrence after %s", r.ID, t.Format(time.RFC3339))
	}
	return next, nil
}

// Location returns the rule's timezone, UTC if unset or unknown
func (r *Rule) Location() *time.Location {
	if r.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// TargetDay returns the calendar day of an occurrence in the rule's timezone
func (r *Rule) TargetDay(occurrence time.Time) string {
	return util.DayKey(occurrence, r.Location())
}

// LabelData is available to label templates
type LabelData struct {
	Date    string // 2006-01-02
	Weekday string
	Month   string
	Rule    string // rule id
}

// RenderLabel renders the label template for an occurrence
func (r *Rule) RenderLabel(occurrence time.Time) (string, error) {
	tmpl, err := template.New("label").Option("missingkey=error").Parse(r.LabelTemplate)
	if err != nil {
		return "", errors.Wrapf(err, "invalid label template for rule %s", r.ID)
	}

	local := occurrence.In(r.Location())
	var b strings.Builder
	err = tmpl.Execute(&b, LabelData{
		Date:    local.Format(util.DayLayout),
		Weekday: local.Weekday().String(),
		Month:   local.Month().String(),
		Rule:    r.ID,
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to render label for rule %s", r.ID)
	}

	label := strings.TrimSpace(b.String())
	if label == "" {
		return "", errors.NewInvalidRequestError("label template of rule %s renders empty", r.ID)
	}
	return label, nil
}

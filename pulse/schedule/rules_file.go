package schedule

import (
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/teranos/showrunner/errors"
	"github.com/teranos/showrunner/pulse/async"
)

// RulesFile is an operator-authored list of recurring rules:
//
//	[[rule]]
//	label = "Morning brief {{.Date}}"
//	topic = "overnight headlines"
//	target_duration = 90
//	priority = "high"
//	frequency = "weekly"
//	time = "09:00"
//	day_of_week = "monday"
//	timezone = "Europe/Amsterdam"
type RulesFile struct {
	Rules []FileRule `toml:"rule"`
}

// FileRule is one [[rule]] entry
type FileRule struct {
	Label          string `toml:"label"`
	Topic          string `toml:"topic"`
	TargetDuration int    `toml:"target_duration"`
	Priority       string `toml:"priority"` // low, normal (default) or high
	Frequency      string `toml:"frequency"`
	Time           string `toml:"time"`
	DayOfWeek      string `toml:"day_of_week"`
	DayOfMonth     int    `toml:"day_of_month"`
	Timezone       string `toml:"timezone"`
}

// LoadRulesFile reads and validates a rules file. Rules come back without
// ids; pass each through NewRule before storing it.
func LoadRulesFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read rules file %s", path)
	}
	return ParseRules(string(data))
}

// ParseRules decodes rules from TOML text
func ParseRules(data string) ([]Rule, error) {
	file := RulesFile{}
	md, err := toml.Decode(data, &file)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse rules")
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, errors.NewInvalidRequestError("unknown keys in rules file: %s", strings.Join(keys, ", "))
	}

	rules := make([]Rule, 0, len(file.Rules))
	for i, fr := range file.Rules {
		rule, err := fr.toRule()
		if err != nil {
			return nil, errors.WithDetailf(err, "rule #%d (%q)", i+1, fr.Label)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func (fr FileRule) toRule() (Rule, error) {
	freq, err := ParseFrequency(fr.Frequency)
	if err != nil {
		return Rule{}, err
	}

	priority := async.PriorityNormal
	if fr.Priority != "" {
		if priority, err = async.ParsePriority(fr.Priority); err != nil {
			return Rule{}, err
		}
	}

	rule := Rule{
		LabelTemplate:  fr.Label,
		Topic:          fr.Topic,
		TargetDuration: fr.TargetDuration,
		Priority:       priority,
		Frequency:      freq,
		TimeOfDay:      fr.Time,
		DayOfMonth:     fr.DayOfMonth,
		Timezone:       fr.Timezone,
	}
	if rule.Timezone == "" {
		rule.Timezone = "UTC"
	}
	if freq == FrequencyWeekly {
		if rule.DayOfWeek, err = ParseWeekday(fr.DayOfWeek); err != nil {
			return Rule{}, err
		}
	}
	if err := rule.Validate(); err != nil {
		return Rule{}, err
	}
	return rule, nil
}

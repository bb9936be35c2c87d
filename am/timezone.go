package am

import (
	"strings"
	"time"

	"github.com/teranos/showrunner/errors"
)

// timezoneAbbreviations maps the abbreviations operators tend to type to IANA names
var timezoneAbbreviations = map[string]string{
	"PST":  "America/Los_Angeles",
	"PDT":  "America/Los_Angeles",
	"MST":  "America/Denver",
	"CST":  "America/Chicago",
	"EST":  "America/New_York",
	"EDT":  "America/New_York",
	"GMT":  "Europe/London",
	"BST":  "Europe/London",
	"CET":  "Europe/Berlin",
	"CEST": "Europe/Berlin",
	"JST":  "Asia/Tokyo",
	"AEST": "Australia/Sydney",
}

// ResolveLocation turns a configured timezone into a *time.Location.
// Empty and "Local" mean the host zone.
func ResolveLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	switch strings.ToLower(name) {
	case "", "local":
		return time.Local, nil
	case "utc", "z":
		return time.UTC, nil
	}

	if iana, ok := timezoneAbbreviations[strings.ToUpper(name)]; ok {
		name = iana
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		err = errors.Wrapf(errors.ErrInvalidRequest, "unknown timezone %q", name)
		return nil, errors.WithHint(err, "use an IANA name such as Europe/Amsterdam")
	}
	return loc, nil
}

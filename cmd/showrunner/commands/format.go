package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/teranos/showrunner/errors"
	"github.com/teranos/showrunner/pulse/async"
)

// timeInputLayouts are accepted by --at and --after, most specific first
var timeInputLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// parseTimeInput parses s in loc unless it carries its own offset
func parseTimeInput(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeInputLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.NewInvalidRequestError(
		"cannot parse time %q (use RFC3339, \"2006-01-02 15:04\" or \"2006-01-02\")", s)
}

// formatTime renders t in loc, or "-" for nil
func formatTime(t *time.Time, loc *time.Location) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.In(loc).Format("2006-01-02 15:04 MST")
}

func colorStatus(s async.JobStatus) string {
	switch s {
	case async.JobStatusCompleted:
		return pterm.LightGreen(string(s))
	case async.JobStatusFailed:
		return pterm.Red(string(s))
	case async.JobStatusRunning:
		return pterm.Cyan(string(s))
	case async.JobStatusPaused:
		return pterm.Yellow(string(s))
	case async.JobStatusCancelled:
		return pterm.Gray(string(s))
	default:
		return string(s)
	}
}

// stageProgress renders "assemble (2/4)" or "done (4/4)"
func stageProgress(job *async.Job) string {
	done, total := job.Progress()
	return fmt.Sprintf("%s (%d/%d)", job.CurrentStage, done, total)
}

// truncate shortens s to n runes with an ellipsis
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}

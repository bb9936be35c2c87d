package calendar

import (
	"fmt"
	"time"

	"github.com/teranos/showrunner/errors"
)

// Slot is a calendar placement occupied by exactly one job.
type Slot struct {
	JobID string    `json:"job_id"`
	Day   string    `json:"day"` // 2006-01-02 in the calendar's location
	Time  time.Time `json:"time"`
}

// ConflictReason is the machine-readable cause of a rejected placement.
type ConflictReason string

const (
	ReasonNotPreferred ConflictReason = "not in preferred hours"
	ReasonGapViolation ConflictReason = "gap violation"
	ReasonDailyMax     ConflictReason = "daily max reached"
	ReasonNoSlot       ConflictReason = "no slot within horizon"
)

// Reservation is the outcome of ReserveSlot: either a reserved Slot or a
// Conflict. Conflicts are ordinary results, not errors.
type Reservation struct {
	Slot     Slot
	Conflict ConflictReason
}

// Reserved reports whether the slot was committed.
func (r Reservation) Reserved() bool {
	return r.Conflict == ""
}

// Err converts a conflict into a ConflictError for callers that report it
// upward. It returns nil for a successful reservation.
func (r Reservation) Err() error {
	if r.Reserved() {
		return nil
	}
	return NewConflictError(r.Conflict, r.Slot.Time)
}

// ConflictError reports that placement is impossible under the current policy.
// It matches errors.ErrConflict.
type ConflictError struct {
	Reason    ConflictReason
	Requested time.Time
}

func (e *ConflictError) Error() string {
	if e.Requested.IsZero() {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s at %s", e.Reason, e.Requested.Format(time.RFC3339))
}

// NewConflictError builds a ConflictError marked as errors.ErrConflict.
func NewConflictError(reason ConflictReason, requested time.Time) error {
	return errors.Mark(&ConflictError{Reason: reason, Requested: requested}, errors.ErrConflict)
}

// ConflictReasonOf extracts the reason from an error chain, if any.
func ConflictReasonOf(err error) (ConflictReason, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce.Reason, true
	}
	return "", false
}

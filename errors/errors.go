// Package errors is the single error-handling entry point for showrunner.
//
// It re-exports github.com/cockroachdb/errors so every package gets stack
// traces, wrapping and user-facing details from one import:
//
//	if err := store.Create(ctx, job); err != nil {
//	    err = errors.Wrap(err, "failed to persist job")
//	    return errors.WithDetail(err, fmt.Sprintf("Label: %s", job.Label))
//	}
//
// Callers branch on the sentinels below with errors.Is.
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// User-facing context
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Sentinels shared across the scheduler. Wrap them to add context; check
// them with errors.Is.
var (
	// ErrNotFound indicates the requested job, rule or slot does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates a malformed scheduling request or config value
	ErrInvalidRequest = New("invalid request")

	// ErrConflict indicates the calendar cannot place a job under current policy
	ErrConflict = New("calendar conflict")

	// ErrConcurrencyConflict indicates another worker won the claim on a job
	ErrConcurrencyConflict = New("concurrency conflict")

	// ErrInvalidTransition indicates a status change the job state machine forbids
	ErrInvalidTransition = New("invalid status transition")

	// ErrTerminal indicates an attempt to mutate a job in a terminal status
	ErrTerminal = New("job is in a terminal status")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsConflictError checks if an error is or wraps ErrConflict
func IsConflictError(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}

// NewTransitionError reports a forbidden status change.
func NewTransitionError(from, to string) error {
	return Wrapf(ErrInvalidTransition, "cannot move job from %s to %s", from, to)
}

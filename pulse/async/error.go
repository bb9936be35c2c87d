package async

import (
	"context"
	"database/sql"

	"github.com/teranos/showrunner/db"
	"github.com/teranos/showrunner/errors"
)

// ErrorCode represents the classification of an error
type ErrorCode string

const (
	ErrorCodeTimeout        ErrorCode = "timeout"
	ErrorCodeCancelled      ErrorCode = "cancelled"
	ErrorCodeStageFailed    ErrorCode = "stage_failed"
	ErrorCodeStagePermanent ErrorCode = "stage_permanent"
	ErrorCodeStoreError     ErrorCode = "store_error"
	ErrorCodeUnknown        ErrorCode = "unknown"
)

// ErrorContext provides structured error information for stage failures
type ErrorContext struct {
	Stage     string    // Where the error occurred
	Code      ErrorCode // Error classification
	Message   string    // Human-readable message
	Retryable bool      // Can the stage be attempted again?
}

// ClassifyError categorizes a stage failure. A timeout counts as an
// ordinary, retryable failure.
func ClassifyError(stage string, err error) ErrorContext {
	if err == nil {
		return ErrorContext{
			Stage:   stage,
			Code:    ErrorCodeUnknown,
			Message: "unknown error",
		}
	}

	ec := ErrorContext{
		Stage:   stage,
		Message: err.Error(),
	}

	var se *StageError
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errors.ErrTimeout):
		ec.Code = ErrorCodeTimeout
		ec.Retryable = true

	case errors.Is(err, context.Canceled):
		ec.Code = ErrorCodeCancelled
		ec.Retryable = false

	case errors.As(err, &se) && se.Permanent:
		ec.Code = ErrorCodeStagePermanent
		ec.Retryable = false

	case errors.As(err, &se):
		ec.Code = ErrorCodeStageFailed
		ec.Retryable = true

	case errors.Is(err, sql.ErrConnDone) || db.IsDatabaseClosed(err):
		ec.Code = ErrorCodeStoreError
		ec.Retryable = false

	default:
		ec.Code = ErrorCodeUnknown
		ec.Retryable = true
	}

	return ec
}

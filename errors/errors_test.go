package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapKeepsSentinel(t *testing.T) {
	err := Wrap(ErrNotFound, "job JB123 not found")

	assert.True(t, Is(err, ErrNotFound))
	assert.True(t, IsNotFoundError(err))
	assert.False(t, IsConflictError(err))
	assert.Contains(t, err.Error(), "job JB123 not found")
}

func TestNewInvalidRequestError(t *testing.T) {
	err := NewInvalidRequestError("target duration must be positive, got %d", -5)

	require.True(t, IsInvalidRequestError(err))
	assert.Contains(t, err.Error(), "got -5")
}

func TestNewTransitionError(t *testing.T) {
	err := NewTransitionError("completed", "paused")

	assert.True(t, Is(err, ErrInvalidTransition))
	assert.Contains(t, err.Error(), "from completed to paused")
}

type reasonError struct {
	reason string
}

func (e *reasonError) Error() string { return e.reason }

func TestMarkAndAs(t *testing.T) {
	conflict := Mark(&reasonError{reason: "gap violation"}, ErrConflict)
	wrapped := Wrap(conflict, "failed to reserve slot")

	assert.True(t, IsConflictError(wrapped))

	var target *reasonError
	require.True(t, As(wrapped, &target))
	assert.Equal(t, "gap violation", target.reason)
}

func TestDetailsSurviveWrapping(t *testing.T) {
	err := WithDetail(ErrTerminal, "Job ID: JB42")
	err = WithHint(err, "resume only applies to failed or paused jobs")
	err = Wrap(err, "failed to update job")

	assert.True(t, Is(err, ErrTerminal))
	assert.Contains(t, GetAllDetails(err), "Job ID: JB42")
	assert.Contains(t, GetAllHints(err), "resume only applies to failed or paused jobs")
}

func TestNilHandling(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))
	assert.Nil(t, WithDetail(nil, "detail"))
	assert.False(t, IsNotFoundError(nil))
	assert.False(t, IsConflictError(nil))
}

func ExampleWrap() {
	err := Wrap(ErrConcurrencyConflict, "claim lost")
	fmt.Println(err)
	// Output: claim lost: concurrency conflict
}

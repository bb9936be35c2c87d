package async

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/showrunner/errors"
	"github.com/teranos/showrunner/internal/util"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewStore(conn), mock
}

func TestStore_CompareAndSetStatus_DriverError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE production_jobs").
		WillReturnError(errors.New("disk I/O error"))

	won, err := store.CompareAndSetStatus(context.Background(), "JB1", JobStatusPending, JobStatusRunning)
	require.Error(t, err)
	assert.False(t, won)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CompareAndSetStatus_LostRace(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE production_jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM production_jobs").
		WithArgs("JB1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("running"))

	won, err := store.CompareAndSetStatus(context.Background(), "JB1", JobStatusPending, JobStatusRunning)
	require.NoError(t, err)
	assert.False(t, won)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// The job turns terminal between the read and the write of one update
func TestStore_UpdateFields_TerminalDuringUpdate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status, stage_outputs, pipeline, current_stage, max_retries").
		WithArgs("JB1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "stage_outputs", "pipeline", "current_stage", "max_retries"}).
			AddRow("running", "{}", `["generate","publish"]`, "generate", 3))
	mock.ExpectExec("UPDATE production_jobs SET").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.UpdateFields(context.Background(), "JB1", JobUpdate{RetryCount: util.Ptr(1)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTerminal))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpdateFields_CorruptOutputs(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status, stage_outputs").
		WithArgs("JB1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "stage_outputs", "pipeline", "current_stage", "max_retries"}).
			AddRow("running", "not json", `["generate","publish"]`, "generate", 3))
	mock.ExpectRollback()

	next := "publish"
	err := store.UpdateFields(context.Background(), "JB1", JobUpdate{
		CurrentStage: &next,
		StageOutputs: map[string]string{"generate": "script.md"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal stage outputs")
	assert.NoError(t, mock.ExpectationsWereMet())
}

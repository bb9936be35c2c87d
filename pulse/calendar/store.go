package calendar

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/teranos/showrunner/db"
	"github.com/teranos/showrunner/errors"
)

// CheckFunc inspects the occupied slots around a candidate and returns the
// conflict reason, or "" to accept it.
type CheckFunc func(occupied []Slot) ConflictReason

// SlotStore persists occupied slots.
//
// Reserve must run check and, when it accepts, persist slot inside one
// critical section, so two callers can never both pass a check that only one
// of them should. Slots already owned by slot.JobID are excluded from the
// occupied set and replaced on success.
type SlotStore interface {
	Reserve(ctx context.Context, slot Slot, from, to time.Time, check CheckFunc) (ConflictReason, error)
	Occupied(ctx context.Context, from, to time.Time) ([]Slot, error)
	Release(ctx context.Context, jobID string) (bool, error)
	Get(ctx context.Context, jobID string) (*Slot, error)
}

// SQLSlotStore keeps slots in the calendar_slots table. The database must be
// opened through db.Open so BEGIN takes the write lock immediately.
type SQLSlotStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLSlotStore creates a slot store over an open database.
func NewSQLSlotStore(conn *sql.DB) *SQLSlotStore {
	return &SQLSlotStore{db: conn, now: time.Now}
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryOccupied(ctx context.Context, q queryer, from, to time.Time, excludeJobID string) ([]Slot, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT job_id, day, slot_time FROM calendar_slots
		WHERE slot_time >= ? AND slot_time < ? AND job_id != ?
		ORDER BY slot_time ASC`,
		db.FormatTime(from), db.FormatTime(to), excludeJobID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query occupied slots")
	}
	defer rows.Close()

	var slots []Slot
	for rows.Next() {
		var s Slot
		var slotTime string
		if err := rows.Scan(&s.JobID, &s.Day, &slotTime); err != nil {
			return nil, errors.Wrap(err, "failed to scan slot")
		}
		if s.Time, err = db.ParseTime(slotTime); err != nil {
			return nil, errors.WithDetail(err, fmt.Sprintf("Job ID: %s", s.JobID))
		}
		slots = append(slots, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating slots")
	}
	return slots, nil
}

// Reserve runs the read-check-write sequence in one immediate transaction.
func (s *SQLSlotStore) Reserve(ctx context.Context, slot Slot, from, to time.Time, check CheckFunc) (ConflictReason, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to begin slot reservation")
	}
	defer tx.Rollback()

	occupied, err := queryOccupied(ctx, tx, from, to, slot.JobID)
	if err != nil {
		return "", err
	}

	if reason := check(occupied); reason != "" {
		return reason, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO calendar_slots (job_id, day, slot_time, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET day = excluded.day, slot_time = excluded.slot_time`,
		slot.JobID, slot.Day, db.FormatTime(slot.Time), db.FormatTime(s.now()))
	if err != nil {
		err = errors.Wrap(err, "failed to insert slot")
		return "", errors.WithDetail(err, fmt.Sprintf("Job ID: %s", slot.JobID))
	}

	if err := tx.Commit(); err != nil {
		return "", errors.Wrap(err, "failed to commit slot reservation")
	}
	return "", nil
}

// Occupied returns slots in [from, to) ordered by time.
func (s *SQLSlotStore) Occupied(ctx context.Context, from, to time.Time) ([]Slot, error) {
	return queryOccupied(ctx, s.db, from, to, "")
}

// Release frees the slot owned by jobID. It reports whether a slot existed.
func (s *SQLSlotStore) Release(ctx context.Context, jobID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM calendar_slots WHERE job_id = ?`, jobID)
	if err != nil {
		return false, errors.WithDetail(errors.Wrap(err, "failed to release slot"), fmt.Sprintf("Job ID: %s", jobID))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read rows affected")
	}
	return n > 0, nil
}

// Get returns the slot owned by jobID.
func (s *SQLSlotStore) Get(ctx context.Context, jobID string) (*Slot, error) {
	var slot Slot
	var slotTime string
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, day, slot_time FROM calendar_slots WHERE job_id = ?`, jobID,
	).Scan(&slot.JobID, &slot.Day, &slotTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("no slot for job %s", jobID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get slot")
	}
	if slot.Time, err = db.ParseTime(slotTime); err != nil {
		return nil, err
	}
	return &slot, nil
}

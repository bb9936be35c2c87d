package calendar

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/teranos/showrunner/errors"
)

// MemorySlotStore is a process-local SlotStore. A single mutex serializes
// every reservation, which is enough when one process owns the calendar.
type MemorySlotStore struct {
	mu    sync.Mutex
	slots map[string]Slot
}

// NewMemorySlotStore creates an empty in-memory slot store.
func NewMemorySlotStore() *MemorySlotStore {
	return &MemorySlotStore{slots: make(map[string]Slot)}
}

func (m *MemorySlotStore) between(from, to time.Time, exclude string) []Slot {
	var out []Slot
	for id, s := range m.slots {
		if id == exclude || s.Time.Before(from) || !s.Time.Before(to) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

func (m *MemorySlotStore) Reserve(ctx context.Context, slot Slot, from, to time.Time, check CheckFunc) (ConflictReason, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if reason := check(m.between(from, to, slot.JobID)); reason != "" {
		return reason, nil
	}
	m.slots[slot.JobID] = slot
	return "", nil
}

func (m *MemorySlotStore) Occupied(_ context.Context, from, to time.Time) ([]Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.between(from, to, ""), nil
}

func (m *MemorySlotStore) Release(_ context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.slots[jobID]
	delete(m.slots, jobID)
	return ok, nil
}

func (m *MemorySlotStore) Get(_ context.Context, jobID string) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[jobID]
	if !ok {
		return nil, errors.NewNotFoundError("no slot for job %s", jobID)
	}
	return &s, nil
}

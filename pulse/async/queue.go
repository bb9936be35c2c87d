package async

import (
	"context"
	"sync"
	"time"

	"github.com/teranos/showrunner/errors"
)

const (
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100

	// maxClaimAttempts bounds how many lost claim races one Claim absorbs
	maxClaimAttempts = 8
)

// Queue is the ready queue seen by workers. The store is the queue itself;
// Queue adds claim retries, a wake signal for idle workers and job update
// subscriptions.
type Queue struct {
	store       *Store
	mu          sync.RWMutex
	ready       chan struct{}
	subscribers []chan *Job // Channels to notify of job updates
	now         func() time.Time
}

// NewQueue creates a queue over store
func NewQueue(store *Store) *Queue {
	return &Queue{
		store:       store,
		ready:       make(chan struct{}),
		subscribers: make([]chan *Job, 0),
		now:         time.Now,
	}
}

// Store returns the underlying job store
func (q *Queue) Store() *Store {
	return q.store
}

// Claim atomically claims the next ready job for the caller. It returns nil
// when no job is ready. A lost race with another worker is absorbed by
// moving on to the next candidate.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		job, err := q.store.ClaimNext(ctx, q.now())
		if errors.Is(err, errors.ErrConcurrencyConflict) {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to claim job")
		}
		if job != nil {
			q.Publish(job)
		}
		return job, nil
	}
	return nil, nil
}

// Ready returns a channel that is closed on the next Wake. Grab it before
// looking for work so a wake in between is not missed.
func (q *Queue) Ready() <-chan struct{} {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.ready
}

// Wake signals idle workers that a job may have become ready
func (q *Queue) Wake() {
	q.mu.Lock()
	defer q.mu.Unlock()
	close(q.ready)
	q.ready = make(chan struct{})
}

// Subscribe returns a channel that receives job updates.
// The caller is responsible for calling Unsubscribe when done.
// The returned channel is buffered to prevent blocking the notifier.
func (q *Queue) Subscribe() chan *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan *Job, SubscriberChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel from the queue.
// The channel is NOT closed by this method - callers should close it themselves
// after unsubscribing if needed. This prevents double-close panics.
func (q *Queue) Unsubscribe(ch chan *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

// Publish sends a snapshot of job to every subscriber. Slow subscribers miss
// updates rather than stall workers.
func (q *Queue) Publish(job *Job) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, ch := range q.subscribers {
		select {
		case ch <- job.Clone():
		default:
		}
	}
}

// QueueStats returns statistics about the queue
type QueueStats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Paused    int `json:"paused"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Total     int `json:"total"`
}

// GetStats returns job counts per status
func (q *Queue) GetStats(ctx context.Context) (*QueueStats, error) {
	counts, err := q.store.Counts(ctx)
	if err != nil {
		return nil, err
	}

	stats := &QueueStats{
		Pending:   counts[JobStatusPending],
		Running:   counts[JobStatusRunning],
		Paused:    counts[JobStatusPaused],
		Completed: counts[JobStatusCompleted],
		Failed:    counts[JobStatusFailed],
		Cancelled: counts[JobStatusCancelled],
	}
	for _, n := range counts {
		stats.Total += n
	}
	return stats, nil
}

// GetJobCounts returns quick counts of pending and running jobs (for system metrics)
func (q *Queue) GetJobCounts(ctx context.Context) (pending int, running int, err error) {
	counts, err := q.store.Counts(ctx)
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to count jobs")
	}
	return counts[JobStatusPending], counts[JobStatusRunning], nil
}

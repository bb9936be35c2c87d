package async

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	testdb "github.com/teranos/showrunner/internal/testing"
)

var testPipeline = []string{"generate", "assemble", "publish"}

// scriptedStage fails a fixed number of times, then returns output
type scriptedStage struct {
	mu        sync.Mutex
	name      string
	failures  int
	permanent bool
	calls     int
	contexts  []StageContext
	onRun     func(ctx context.Context, sc StageContext)
}

func (s *scriptedStage) Run(ctx context.Context, sc StageContext) (string, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.contexts = append(s.contexts, sc)
	onRun := s.onRun
	s.mu.Unlock()

	if onRun != nil {
		onRun(ctx, sc)
	}
	if call <= s.failures {
		if s.permanent {
			return "", NewPermanentStageError(s.name, "unsupported format")
		}
		return "", NewStageError(s.name, "upstream unavailable")
	}
	return s.name + "/" + sc.JobID + ".out", nil
}

func (s *scriptedStage) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *scriptedStage) LastContext() StageContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contexts[len(s.contexts)-1]
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(testdb.CreateTestDB(t))
}

func newTestRegistry(stages ...*scriptedStage) *StageRegistry {
	reg := NewStageRegistry()
	for _, s := range stages {
		reg.Register(s.name, s)
	}
	return reg
}

func newTestExecutor(store JobStore, reg *StageRegistry) *Executor {
	return NewExecutor(store, reg, ExecutorConfig{}, zap.NewNop().Sugar())
}

func newTestJob(t *testing.T, label string, pipeline []string, maxRetries int) *Job {
	t.Helper()
	job, err := NewJob(JobParams{
		Label:          label,
		Topic:          "deep sea creatures",
		TargetDuration: 60,
		Priority:       PriorityNormal,
		Pipeline:       pipeline,
		MaxRetries:     maxRetries,
	})
	require.NoError(t, err)
	return job
}

func createTestJob(t *testing.T, store *Store, label string, pipeline []string, maxRetries int) *Job {
	t.Helper()
	job := newTestJob(t, label, pipeline, maxRetries)
	_, err := store.Create(context.Background(), job)
	require.NoError(t, err)
	return job
}

func mustGet(t *testing.T, store *Store, id string) *Job {
	t.Helper()
	job, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func timePtr(t time.Time) *time.Time {
	return &t
}

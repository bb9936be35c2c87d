package async

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func stubMemory(t *testing.T, total, available uint64) {
	t.Helper()
	orig := getMemoryStats
	getMemoryStats = func() (uint64, uint64, error) { return total, available, nil }
	t.Cleanup(func() { getMemoryStats = orig })
}

const gb = 1024 * 1024 * 1024

func newTestPool(t *testing.T, store *Store, reg *StageRegistry, workers int) *WorkerPool {
	t.Helper()
	stubMemory(t, 64*gb, 32*gb)
	queue := NewQueue(store)
	exec := newTestExecutor(store, reg)
	pool := NewWorkerPool(context.Background(), queue, exec, WorkerPoolConfig{
		Workers:        workers,
		PollInterval:   10 * time.Millisecond,
		RecoverOrphans: true,
	}, zap.NewNop().Sugar())
	return pool
}

func TestWorkerPool_RunsJobsToCompletion(t *testing.T) {
	store := newTestStore(t)
	gen, asm, pub := threeStages()
	pool := newTestPool(t, store, newTestRegistry(gen, asm, pub), 2)

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, createTestJob(t, store, "EpisodeA", testPipeline, 3).ID)
	}

	pool.Start()
	defer pool.Stop()

	require.Eventually(t, func() bool {
		counts, err := store.Counts(context.Background())
		return err == nil && counts[JobStatusCompleted] == 3
	}, 5*time.Second, 10*time.Millisecond)

	for _, id := range ids {
		job := mustGet(t, store, id)
		assert.Len(t, job.StageOutputs, 3)
	}
	assert.Equal(t, 3, pool.JobsProcessed())
	assert.Equal(t, 3, gen.Calls())
}

func TestWorkerPool_WakePicksUpNewJob(t *testing.T) {
	store := newTestStore(t)
	stage := &scriptedStage{name: "generate"}
	pool := newTestPool(t, store, newTestRegistry(stage), 1)
	pool.poolConfig.PollInterval = time.Hour

	pool.Start()
	defer pool.Stop()

	job := createTestJob(t, store, "EpisodeA", []string{"generate"}, 3)
	pool.GetQueue().Wake()

	require.Eventually(t, func() bool {
		return mustGet(t, store, job.ID).Status == JobStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWorkerPool_RecoversOrphans(t *testing.T) {
	store := newTestStore(t)
	stage := &scriptedStage{name: "generate"}
	job := createTestJob(t, store, "EpisodeA", []string{"generate"}, 3)
	_, err := store.CompareAndSetStatus(context.Background(), job.ID, JobStatusPending, JobStatusRunning)
	require.NoError(t, err)

	pool := newTestPool(t, store, newTestRegistry(stage), 1)
	pool.Start()
	defer pool.Stop()

	require.Eventually(t, func() bool {
		return mustGet(t, store, job.ID).Status == JobStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWorkerPool_StopRequeuesRunningJob(t *testing.T) {
	store := newTestStore(t)
	gen := &scriptedStage{name: "generate"}
	started := make(chan struct{})
	asm := &scriptedStage{name: "assemble"}
	asm.onRun = func(ctx context.Context, sc StageContext) {
		close(started)
		<-ctx.Done()
	}
	pub := &scriptedStage{name: "publish"}
	pool := newTestPool(t, store, newTestRegistry(gen, asm, pub), 1)
	job := createTestJob(t, store, "EpisodeA", testPipeline, 3)

	pool.Start()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("assemble stage never started")
	}
	pool.Stop()

	got := mustGet(t, store, job.ID)
	assert.Equal(t, JobStatusPending, got.Status)
	assert.Contains(t, got.StageOutputs, "generate")
	assert.Equal(t, 0, pub.Calls())
}

func TestWorkerPool_SystemMetrics(t *testing.T) {
	store := newTestStore(t)
	pool := newTestPool(t, store, NewStageRegistry(), 3)
	createTestJob(t, store, "EpisodeA", testPipeline, 3)

	metrics := pool.GetSystemMetrics(context.Background())
	assert.Equal(t, 3, metrics.WorkersTotal)
	assert.Equal(t, 0, metrics.WorkersActive)
	assert.Equal(t, 1, metrics.JobsPending)
	assert.InDelta(t, 64.0, metrics.MemoryTotalGB, 0.01)
	assert.InDelta(t, 50.0, metrics.MemoryPercent, 0.01)
}

func TestCalculateSafeWorkerCount(t *testing.T) {
	tests := []struct {
		availableGB float64
		want        int
	}{
		{0.5, 1},
		{2.0, 1},
		{5.0, 2},
		{9.0, 4},
		{64.0, 16},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, calculateSafeWorkerCount(tt.availableGB), "available=%.1fGB", tt.availableGB)
	}
}

func TestCheckMemoryPressure(t *testing.T) {
	store := newTestStore(t)
	pool := newTestPool(t, store, NewStageRegistry(), 8)

	stubMemory(t, 16*gb, 4*gb)
	assert.Contains(t, pool.checkMemoryPressure(), "exceeds recommended")

	stubMemory(t, 64*gb, 40*gb)
	assert.Empty(t, pool.checkMemoryPressure())
}

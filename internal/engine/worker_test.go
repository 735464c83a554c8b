package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"acp-orchestrator/internal/executor"
	"acp-orchestrator/pkg/models"
)

// waitTerminal polls the store until the job reaches a terminal state.
func waitTerminal(t *testing.T, f *fixture, jobID string, timeout time.Duration) *models.WorkflowJob {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		job, err := f.store.GetJob(context.Background(), jobID)
		assert.NoError(t, err)
		if job.State.Terminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal state within %s", jobID, timeout)
	return nil
}

func TestPoolDrivesJobToCompletion(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 3})
	scriptHappyPath(f.exec)

	job, err := f.engine.Submit(context.Background(), "migrate billing reports", 0, "")
	assert.NoError(t, err)

	pool := NewPool(f.store, f.engine, nopLogger{}, PoolConfig{
		Size:         2,
		PollInterval: 5 * time.Millisecond,
		LeaseTTL:     time.Minute,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	got := waitTerminal(t, f, job.ID, 5*time.Second)
	cancel()
	<-done

	assert.Equal(t, models.StateCompleted, got.State)
	assert.Empty(t, got.PendingSteps)
	assert.NoError(t, f.ledger.Verify(context.Background(), job.ID))
}

func TestPoolProcessesJobsInPriorityOrder(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 3})
	scriptHappyPath(f.exec)

	low, err := f.engine.Submit(context.Background(), "low priority request", 1, "")
	assert.NoError(t, err)
	f.now = f.now.Add(time.Second)
	high, err := f.engine.Submit(context.Background(), "high priority request", 9, "")
	assert.NoError(t, err)

	// a single worker must pick the higher priority job first even
	// though it was submitted later
	pool := NewPool(f.store, f.engine, nopLogger{}, PoolConfig{
		Size:         1,
		PollInterval: 5 * time.Millisecond,
		LeaseTTL:     time.Minute,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	waitTerminal(t, f, high.ID, 5*time.Second)
	waitTerminal(t, f, low.ID, 5*time.Second)
	cancel()
	<-done

	retrievals := f.exec.seen[executor.StepContextRetrieval]
	assert.Len(t, retrievals, 2)
	assert.Equal(t, high.ID, retrievals[0].JobID)
	assert.Equal(t, low.ID, retrievals[1].JobID)
}

func TestPoolStopsWhenContextCancelled(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 3})

	pool := NewPool(f.store, f.engine, nopLogger{}, PoolConfig{
		Size:         3,
		PollInterval: 5 * time.Millisecond,
		LeaseTTL:     time.Minute,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after cancellation")
	}
}

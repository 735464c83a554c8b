package dlq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"acp-orchestrator/internal/audit"
	"acp-orchestrator/internal/repository"
	"acp-orchestrator/pkg/models"
)

type nopLogger struct{}

func (nopLogger) Debug(msg string, args ...interface{}) {}
func (nopLogger) Info(msg string, args ...interface{})  {}
func (nopLogger) Warn(msg string, args ...interface{})  {}
func (nopLogger) Error(msg string, args ...interface{}) {}

// MockReplayer satisfies Replayer
type MockReplayer struct {
	mock.Mock
}

func (m *MockReplayer) Replay(ctx context.Context, jobID string, attemptBudget int) error {
	args := m.Called(ctx, jobID, attemptBudget)
	return args.Error(0)
}

func seedEntry(t *testing.T, store *repository.MemoryStore, attempts int) *models.DeadLetterEntry {
	t.Helper()
	history := make([]models.StepAttempt, attempts)
	for i := range history {
		history[i] = models.StepAttempt{Attempt: i + 1, Outcome: "transient_failure", Error: "timeout"}
	}
	entry := &models.DeadLetterEntry{
		ID:         "entry-1",
		JobID:      "job-1",
		StepName:   "taskmaster",
		Attempts:   history,
		LastError:  "timeout",
		Status:     models.ReplayPending,
		EnqueuedAt: time.Now(),
	}
	assert.NoError(t, store.EnqueueEntry(context.Background(), entry))
	return entry
}

func TestReplayUsesRemainingBudget(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	ledger := audit.NewLedger(store)
	replayer := new(MockReplayer)
	q := NewQueue(store, ledger, replayer, nopLogger{}, 3)

	seedEntry(t, store, 1)
	replayer.On("Replay", mock.Anything, "job-1", 2).Return(nil)

	assert.NoError(t, q.Replay(ctx, "entry-1"))
	replayer.AssertExpectations(t)

	entry, err := q.Get(ctx, "entry-1")
	assert.NoError(t, err)
	assert.Equal(t, models.ReplayReplayed, entry.Status)
	assert.NotNil(t, entry.ResolvedAt)
}

func TestReplayAlwaysGrantsAtLeastOneAttempt(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	replayer := new(MockReplayer)
	q := NewQueue(store, audit.NewLedger(store), replayer, nopLogger{}, 3)

	seedEntry(t, store, 3)
	replayer.On("Replay", mock.Anything, "job-1", 1).Return(nil)

	assert.NoError(t, q.Replay(ctx, "entry-1"))
	replayer.AssertExpectations(t)
}

func TestReplayRejectsResolvedEntry(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	replayer := new(MockReplayer)
	q := NewQueue(store, audit.NewLedger(store), replayer, nopLogger{}, 3)

	seedEntry(t, store, 1)
	assert.NoError(t, store.ResolveEntry(ctx, "entry-1", models.ReplayDiscarded, "stale", time.Now()))

	assert.ErrorIs(t, q.Replay(ctx, "entry-1"), ErrEntryResolved)
	replayer.AssertNotCalled(t, "Replay", mock.Anything, mock.Anything, mock.Anything)
}

func TestReplayUnknownEntry(t *testing.T) {
	store := repository.NewMemoryStore()
	q := NewQueue(store, audit.NewLedger(store), new(MockReplayer), nopLogger{}, 3)
	assert.ErrorIs(t, q.Replay(context.Background(), "missing"), repository.ErrEntryNotFound)
}

func TestDiscardRequiresReasonAndAudits(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	ledger := audit.NewLedger(store)
	q := NewQueue(store, ledger, new(MockReplayer), nopLogger{}, 3)

	seedEntry(t, store, 2)

	assert.Error(t, q.Discard(ctx, "entry-1", ""))

	assert.NoError(t, q.Discard(ctx, "entry-1", "request withdrawn by analyst"))
	entry, _ := q.Get(ctx, "entry-1")
	assert.Equal(t, models.ReplayDiscarded, entry.Status)
	assert.Equal(t, "request withdrawn by analyst", entry.DiscardReason)

	events, err := ledger.Events(ctx, "job-1")
	assert.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, models.EventDLQDiscarded, events[0].EventType)

	// A second discard is rejected.
	assert.ErrorIs(t, q.Discard(ctx, "entry-1", "again"), ErrEntryResolved)
}

func TestListFiltersByStatus(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	q := NewQueue(store, audit.NewLedger(store), new(MockReplayer), nopLogger{}, 3)

	seedEntry(t, store, 1)
	assert.NoError(t, store.EnqueueEntry(ctx, &models.DeadLetterEntry{
		ID: "entry-2", JobID: "job-2", StepName: "verifier",
		Status: models.ReplayDiscarded, EnqueuedAt: time.Now(),
	}))

	pending, err := q.List(ctx, models.DeadLetterFilter{Status: models.ReplayPending})
	assert.NoError(t, err)
	assert.Len(t, pending, 1)
	assert.Equal(t, "entry-1", pending[0].ID)
}

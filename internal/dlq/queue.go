// Package dlq is the operator surface over the dead letter queue.
// Entries are written by the engine when a step exhausts its retries or
// fails fatally; operators inspect them here and either replay the job
// from its failed step or discard the entry with a reason.
package dlq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"acp-orchestrator/internal/audit"
	"acp-orchestrator/internal/repository"
	"acp-orchestrator/internal/resilience"
	"acp-orchestrator/pkg/models"
)

// ErrEntryResolved is returned when a replay or discard targets an entry
// that was already resolved.
var ErrEntryResolved = errors.New("dead letter entry already resolved")

// Replayer resumes a failed job from its failed step with a bounded
// retry budget. Implemented by the engine.
type Replayer interface {
	Replay(ctx context.Context, jobID string, attemptBudget int) error
}

// Queue exposes list, replay and discard over dead letter entries.
type Queue struct {
	store       repository.DeadLetterStore
	ledger      *audit.Ledger
	replayer    Replayer
	logger      resilience.Logger
	maxAttempts int
	now         func() time.Time

	resolved metric.Int64Counter
}

// NewQueue creates a Queue. maxAttempts is the default per-step retry
// budget; replay budgets are derived from it.
func NewQueue(store repository.DeadLetterStore, ledger *audit.Ledger, replayer Replayer, logger resilience.Logger, maxAttempts int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	meter := otel.Meter("acp-orchestrator/dlq")
	resolved, _ := meter.Int64Counter("dlq.entries_resolved",
		metric.WithDescription("Dead letter entries resolved, by disposition"))
	return &Queue{
		store:       store,
		ledger:      ledger,
		replayer:    replayer,
		logger:      logger,
		maxAttempts: maxAttempts,
		now:         time.Now,
		resolved:    resolved,
	}
}

// WithClock replaces the queue's clock. Tests only.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// List returns entries matching the filter.
func (q *Queue) List(ctx context.Context, f models.DeadLetterFilter) ([]*models.DeadLetterEntry, error) {
	return q.store.ListEntries(ctx, f)
}

// Get returns one entry by id.
func (q *Queue) Get(ctx context.Context, id string) (*models.DeadLetterEntry, error) {
	return q.store.GetEntry(ctx, id)
}

// Replay resumes the entry's job from the failed step. The retry budget
// is what the original budget left unspent, never less than one, so a
// replay always gets at least one fresh attempt.
func (q *Queue) Replay(ctx context.Context, id string) error {
	entry, err := q.store.GetEntry(ctx, id)
	if err != nil {
		return err
	}
	if entry.Status != models.ReplayPending {
		return fmt.Errorf("%w: entry %s is %s", ErrEntryResolved, id, entry.Status)
	}

	budget := q.maxAttempts - len(entry.Attempts)
	if budget < 1 {
		budget = 1
	}
	q.logger.Info("replaying dead letter %s: job %s step %s budget %d", id, entry.JobID, entry.StepName, budget)

	if err := q.replayer.Replay(ctx, entry.JobID, budget); err != nil {
		return fmt.Errorf("replay job %s: %w", entry.JobID, err)
	}
	if err := q.store.ResolveEntry(ctx, id, models.ReplayReplayed, "", q.now().UTC()); err != nil {
		return err
	}
	q.resolved.Add(ctx, 1, metric.WithAttributes(attribute.String("disposition", string(models.ReplayReplayed))))
	return nil
}

// Discard marks the entry discarded with the operator's reason and
// records the decision on the job's audit chain. The job itself stays
// failed.
func (q *Queue) Discard(ctx context.Context, id, reason string) error {
	if reason == "" {
		return errors.New("discard reason is required")
	}
	entry, err := q.store.GetEntry(ctx, id)
	if err != nil {
		return err
	}
	if entry.Status != models.ReplayPending {
		return fmt.Errorf("%w: entry %s is %s", ErrEntryResolved, id, entry.Status)
	}

	if err := q.store.ResolveEntry(ctx, id, models.ReplayDiscarded, reason, q.now().UTC()); err != nil {
		return err
	}
	if _, err := q.ledger.Append(ctx, entry.JobID, models.EventDLQDiscarded, map[string]interface{}{
		"entry_id": id,
		"step":     entry.StepName,
		"reason":   reason,
	}); err != nil {
		return err
	}
	q.resolved.Add(ctx, 1, metric.WithAttributes(attribute.String("disposition", string(models.ReplayDiscarded))))
	q.logger.Info("dead letter %s discarded: %s", id, reason)
	return nil
}

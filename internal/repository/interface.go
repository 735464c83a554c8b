package repository

import (
	"context"
	"errors"
	"time"

	"acp-orchestrator/pkg/models"
)

var (
	// ErrJobNotFound is returned when no job exists for the given id.
	ErrJobNotFound = errors.New("job not found")
	// ErrVersionConflict is returned when a write carries a stale version.
	ErrVersionConflict = errors.New("version conflict")
	// ErrEntryNotFound is returned when no dead letter entry exists.
	ErrEntryNotFound = errors.New("dead letter entry not found")
)

// JobStore persists workflow jobs. Jobs double as the durable work queue:
// NextRunnable claims the next unleased runnable job.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.WorkflowJob) error
	GetJob(ctx context.Context, id string) (*models.WorkflowJob, error)
	// UpdateJob persists job guarded by its version: the write succeeds
	// only if the stored version equals job.Version, and increments both.
	UpdateJob(ctx context.Context, job *models.WorkflowJob) error
	// NextRunnable claims one runnable job for owner with a lease of
	// leaseTTL. A job is runnable when it is in a non-terminal running
	// state with no live lease, when cancellation was requested, or when
	// it overstayed inputMaxAge in awaiting_input (if inputMaxAge > 0).
	// Returns (nil, nil) when nothing is runnable.
	NextRunnable(ctx context.Context, owner string, leaseTTL, inputMaxAge time.Duration) (*models.WorkflowJob, error)
	ReleaseLease(ctx context.Context, jobID, owner string) error
	ListJobs(ctx context.Context, state models.JobState, limit int) ([]*models.WorkflowJob, error)
}

// AuditStore persists the append-only audit chain per job.
type AuditStore interface {
	AppendEvent(ctx context.Context, ev *models.AuditEvent) error
	// LastEvent returns the newest event for the job, or (nil, nil).
	LastEvent(ctx context.Context, jobID string) (*models.AuditEvent, error)
	// ListEvents returns all events for the job ordered by sequence_no.
	ListEvents(ctx context.Context, jobID string) ([]*models.AuditEvent, error)
}

// DeadLetterStore persists dead letter entries.
type DeadLetterStore interface {
	EnqueueEntry(ctx context.Context, e *models.DeadLetterEntry) error
	GetEntry(ctx context.Context, id string) (*models.DeadLetterEntry, error)
	ListEntries(ctx context.Context, f models.DeadLetterFilter) ([]*models.DeadLetterEntry, error)
	ResolveEntry(ctx context.Context, id string, status models.ReplayStatus, reason string, at time.Time) error
}

// Store is the full persistence surface of the orchestrator.
type Store interface {
	JobStore
	AuditStore
	DeadLetterStore
	Ping(ctx context.Context) error
}

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"acp-orchestrator/pkg/models"
)

// PostgresStore is a PostgreSQL implementation of the Store interface.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

const jobColumns = `id, request_text, priority, state, failure_reason,
	pending_steps, completed_steps, context, exchange, cancel_requested,
	lease_owner, lease_expires_at, created_by, created_at, updated_at, version`

// CreateJob inserts a new job at version 1.
func (s *PostgresStore) CreateJob(ctx context.Context, job *models.WorkflowJob) error {
	pending, completed, contextJSON, exchange, err := encodeJobFields(job)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		job.ID, job.RequestText, job.Priority, job.State, job.FailureReason,
		pending, completed, contextJSON, exchange, job.CancelRequested,
		job.LeaseOwner, job.LeaseExpiresAt, job.CreatedBy, job.CreatedAt, job.UpdatedAt, job.Version)
	return err
}

// GetJob retrieves a job by its id.
func (s *PostgresStore) GetJob(ctx context.Context, id string) (*models.WorkflowJob, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return job, err
}

// UpdateJob persists a job guarded by optimistic concurrency. The row is
// only written when the stored version matches job.Version; on success
// both are incremented.
func (s *PostgresStore) UpdateJob(ctx context.Context, job *models.WorkflowJob) error {
	pending, completed, contextJSON, exchange, err := encodeJobFields(job)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `UPDATE jobs SET
		state = $1, failure_reason = $2, pending_steps = $3, completed_steps = $4,
		context = $5, exchange = $6, cancel_requested = $7,
		lease_owner = $8, lease_expires_at = $9, updated_at = $10,
		version = version + 1
		WHERE id = $11 AND version = $12`,
		job.State, job.FailureReason, pending, completed,
		contextJSON, exchange, job.CancelRequested,
		job.LeaseOwner, job.LeaseExpiresAt, job.UpdatedAt,
		job.ID, job.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, job.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrJobNotFound
		}
		return fmt.Errorf("%w: job %s at version %d", ErrVersionConflict, job.ID, job.Version)
	}
	job.Version++
	return nil
}

// NextRunnable claims one runnable job using SKIP LOCKED so concurrent
// workers never race for the same row.
func (s *PostgresStore) NextRunnable(ctx context.Context, owner string, leaseTTL, inputMaxAge time.Duration) (*models.WorkflowJob, error) {
	expires := time.Now().Add(leaseTTL)
	row := s.db.QueryRow(ctx, `UPDATE jobs SET lease_owner = $1, lease_expires_at = $2
		WHERE id = (
			SELECT id FROM jobs
			WHERE (lease_expires_at IS NULL OR lease_expires_at < now())
			  AND (
				state IN ('created', 'context_retrieval', 'running_step')
				OR (state = 'awaiting_input' AND cancel_requested)
				OR (state = 'awaiting_input' AND $3::float8 > 0 AND updated_at < now() - make_interval(secs => $3))
			  )
			ORDER BY priority DESC, created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns,
		owner, expires, inputMaxAge.Seconds())
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// ReleaseLease clears the lease if still held by owner.
func (s *PostgresStore) ReleaseLease(ctx context.Context, jobID, owner string) error {
	_, err := s.db.Exec(ctx, `UPDATE jobs SET lease_owner = '', lease_expires_at = NULL
		WHERE id = $1 AND lease_owner = $2`, jobID, owner)
	return err
}

// ListJobs returns jobs newest first, optionally filtered by state.
func (s *PostgresStore) ListJobs(ctx context.Context, state models.JobState, limit int) ([]*models.WorkflowJob, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows pgx.Rows
	var err error
	if state == "" {
		rows, err = s.db.Query(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT $1`, limit)
	} else {
		rows, err = s.db.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE state = $1 ORDER BY created_at DESC LIMIT $2`, state, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.WorkflowJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// AppendEvent inserts one audit event. The (job_id, sequence_no) primary
// key makes concurrent appends for the same job fail instead of forking
// the chain.
func (s *PostgresStore) AppendEvent(ctx context.Context, ev *models.AuditEvent) error {
	_, err := s.db.Exec(ctx, `INSERT INTO audit_events
		(job_id, sequence_no, event_type, payload, prev_hash, this_hash, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		ev.JobID, ev.SequenceNo, ev.EventType, []byte(ev.Payload), ev.PrevHash, ev.ThisHash, ev.RecordedAt)
	return err
}

// LastEvent returns the newest audit event for a job, or (nil, nil).
func (s *PostgresStore) LastEvent(ctx context.Context, jobID string) (*models.AuditEvent, error) {
	ev := &models.AuditEvent{}
	var payload []byte
	err := s.db.QueryRow(ctx, `SELECT job_id, sequence_no, event_type, payload, prev_hash, this_hash, recorded_at
		FROM audit_events WHERE job_id = $1 ORDER BY sequence_no DESC LIMIT 1`, jobID).
		Scan(&ev.JobID, &ev.SequenceNo, &ev.EventType, &payload, &ev.PrevHash, &ev.ThisHash, &ev.RecordedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ev.Payload = payload
	return ev, nil
}

// ListEvents returns the full ordered chain for a job.
func (s *PostgresStore) ListEvents(ctx context.Context, jobID string) ([]*models.AuditEvent, error) {
	rows, err := s.db.Query(ctx, `SELECT job_id, sequence_no, event_type, payload, prev_hash, this_hash, recorded_at
		FROM audit_events WHERE job_id = $1 ORDER BY sequence_no`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.AuditEvent
	for rows.Next() {
		ev := &models.AuditEvent{}
		var payload []byte
		if err := rows.Scan(&ev.JobID, &ev.SequenceNo, &ev.EventType, &payload, &ev.PrevHash, &ev.ThisHash, &ev.RecordedAt); err != nil {
			return nil, err
		}
		ev.Payload = payload
		events = append(events, ev)
	}
	return events, rows.Err()
}

// EnqueueEntry inserts a dead letter entry.
func (s *PostgresStore) EnqueueEntry(ctx context.Context, e *models.DeadLetterEntry) error {
	attempts, err := json.Marshal(e.Attempts)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `INSERT INTO dead_letters
		(id, job_id, step_name, attempts, last_error, raw_output, status, discard_reason, enqueued_at, resolved_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.ID, e.JobID, e.StepName, attempts, e.LastError, []byte(e.RawOutput),
		e.Status, e.DiscardReason, e.EnqueuedAt, e.ResolvedAt)
	return err
}

// GetEntry retrieves a dead letter entry by id.
func (s *PostgresStore) GetEntry(ctx context.Context, id string) (*models.DeadLetterEntry, error) {
	row := s.db.QueryRow(ctx, `SELECT id, job_id, step_name, attempts, last_error, raw_output,
		status, discard_reason, enqueued_at, resolved_at
		FROM dead_letters WHERE id = $1`, id)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	return e, err
}

// ListEntries lists dead letter entries newest first.
func (s *PostgresStore) ListEntries(ctx context.Context, f models.DeadLetterFilter) ([]*models.DeadLetterEntry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `SELECT id, job_id, step_name, attempts, last_error, raw_output,
		status, discard_reason, enqueued_at, resolved_at
		FROM dead_letters
		WHERE ($1 = '' OR job_id::text = $1)
		  AND ($2 = '' OR step_name = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY enqueued_at DESC LIMIT $4`,
		f.JobID, f.StepName, string(f.Status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.DeadLetterEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ResolveEntry marks an entry replayed or discarded.
func (s *PostgresStore) ResolveEntry(ctx context.Context, id string, status models.ReplayStatus, reason string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE dead_letters SET status = $1, discard_reason = $2, resolved_at = $3
		WHERE id = $4`, status, reason, at, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func encodeJobFields(job *models.WorkflowJob) (pending, completed, contextJSON, exchange []byte, err error) {
	if pending, err = json.Marshal(job.PendingSteps); err != nil {
		return
	}
	if completed, err = json.Marshal(job.CompletedSteps); err != nil {
		return
	}
	ctxMap := job.Context
	if ctxMap == nil {
		ctxMap = map[string]json.RawMessage{}
	}
	if contextJSON, err = json.Marshal(ctxMap); err != nil {
		return
	}
	if job.Exchange != nil {
		exchange, err = json.Marshal(job.Exchange)
	}
	return
}

func scanJob(row pgx.Row) (*models.WorkflowJob, error) {
	job := &models.WorkflowJob{}
	var pending, completed, contextJSON, exchange []byte
	err := row.Scan(&job.ID, &job.RequestText, &job.Priority, &job.State, &job.FailureReason,
		&pending, &completed, &contextJSON, &exchange, &job.CancelRequested,
		&job.LeaseOwner, &job.LeaseExpiresAt, &job.CreatedBy, &job.CreatedAt, &job.UpdatedAt, &job.Version)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(pending, &job.PendingSteps); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(completed, &job.CompletedSteps); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(contextJSON, &job.Context); err != nil {
		return nil, err
	}
	if len(exchange) > 0 {
		job.Exchange = &models.ClarificationExchange{}
		if err := json.Unmarshal(exchange, job.Exchange); err != nil {
			return nil, err
		}
	}
	return job, nil
}

func scanEntry(row pgx.Row) (*models.DeadLetterEntry, error) {
	e := &models.DeadLetterEntry{}
	var attempts, rawOutput []byte
	err := row.Scan(&e.ID, &e.JobID, &e.StepName, &attempts, &e.LastError, &rawOutput,
		&e.Status, &e.DiscardReason, &e.EnqueuedAt, &e.ResolvedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(attempts, &e.Attempts); err != nil {
		return nil, err
	}
	e.RawOutput = rawOutput
	return e, nil
}

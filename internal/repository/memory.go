package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"acp-orchestrator/pkg/models"
)

// MemoryStore is an in-memory implementation of the Store interface,
// used by tests and by dev mode when no database is configured. It keeps
// the same optimistic-versioning and lease semantics as PostgresStore.
type MemoryStore struct {
	mu      sync.Mutex
	jobs    map[string]*models.WorkflowJob
	events  map[string][]*models.AuditEvent
	entries map[string]*models.DeadLetterEntry
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*models.WorkflowJob),
		events:  make(map[string][]*models.AuditEvent),
		entries: make(map[string]*models.DeadLetterEntry),
		now:     time.Now,
	}
}

// WithClock replaces the store's clock. Tests only.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// CreateJob inserts a new job.
func (s *MemoryStore) CreateJob(ctx context.Context, job *models.WorkflowJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = copyJob(job)
	return nil
}

// GetJob retrieves a job by its id.
func (s *MemoryStore) GetJob(ctx context.Context, id string) (*models.WorkflowJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return copyJob(job), nil
}

// UpdateJob persists a job guarded by its version.
func (s *MemoryStore) UpdateJob(ctx context.Context, job *models.WorkflowJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobs[job.ID]
	if !ok {
		return ErrJobNotFound
	}
	if stored.Version != job.Version {
		return fmt.Errorf("%w: job %s at version %d", ErrVersionConflict, job.ID, job.Version)
	}
	job.Version++
	s.jobs[job.ID] = copyJob(job)
	return nil
}

// NextRunnable claims one runnable job under a lease.
func (s *MemoryStore) NextRunnable(ctx context.Context, owner string, leaseTTL, inputMaxAge time.Duration) (*models.WorkflowJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var candidates []*models.WorkflowJob
	for _, job := range s.jobs {
		if job.LeaseExpiresAt != nil && job.LeaseExpiresAt.After(now) {
			continue
		}
		runnable := false
		switch job.State {
		case models.StateCreated, models.StateContextRetrieval, models.StateRunningStep:
			runnable = true
		case models.StateAwaitingInput:
			if job.CancelRequested {
				runnable = true
			} else if inputMaxAge > 0 && now.Sub(job.UpdatedAt) > inputMaxAge {
				runnable = true
			}
		}
		if runnable {
			candidates = append(candidates, job)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	job := candidates[0]
	expires := now.Add(leaseTTL)
	job.LeaseOwner = owner
	job.LeaseExpiresAt = &expires
	return copyJob(job), nil
}

// ReleaseLease clears the lease if still held by owner.
func (s *MemoryStore) ReleaseLease(ctx context.Context, jobID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil
	}
	if job.LeaseOwner == owner {
		job.LeaseOwner = ""
		job.LeaseExpiresAt = nil
	}
	return nil
}

// ListJobs returns jobs newest first, optionally filtered by state.
func (s *MemoryStore) ListJobs(ctx context.Context, state models.JobState, limit int) ([]*models.WorkflowJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var jobs []*models.WorkflowJob
	for _, job := range s.jobs {
		if state != "" && job.State != state {
			continue
		}
		jobs = append(jobs, copyJob(job))
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// AppendEvent appends one audit event to the job's chain.
func (s *MemoryStore) AppendEvent(ctx context.Context, ev *models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.events[ev.JobID]
	if len(chain) > 0 && chain[len(chain)-1].SequenceNo >= ev.SequenceNo {
		return fmt.Errorf("audit sequence %d already written for job %s", ev.SequenceNo, ev.JobID)
	}
	cp := *ev
	cp.Payload = append(json.RawMessage(nil), ev.Payload...)
	s.events[ev.JobID] = append(chain, &cp)
	return nil
}

// LastEvent returns the newest audit event for a job, or (nil, nil).
func (s *MemoryStore) LastEvent(ctx context.Context, jobID string) (*models.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.events[jobID]
	if len(chain) == 0 {
		return nil, nil
	}
	cp := *chain[len(chain)-1]
	return &cp, nil
}

// ListEvents returns the full ordered chain for a job.
func (s *MemoryStore) ListEvents(ctx context.Context, jobID string) ([]*models.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.AuditEvent
	for _, ev := range s.events[jobID] {
		cp := *ev
		out = append(out, &cp)
	}
	return out, nil
}

// TamperEvent mutates a stored event's payload in place. Tests use it to
// prove that Verify detects altered history.
func (s *MemoryStore) TamperEvent(jobID string, sequenceNo int, payload json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events[jobID] {
		if ev.SequenceNo == sequenceNo {
			ev.Payload = payload
			return
		}
	}
}

// EnqueueEntry inserts a dead letter entry.
func (s *MemoryStore) EnqueueEntry(ctx context.Context, e *models.DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.entries[e.ID] = &cp
	return nil
}

// GetEntry retrieves a dead letter entry by id.
func (s *MemoryStore) GetEntry(ctx context.Context, id string) (*models.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

// ListEntries lists dead letter entries newest first.
func (s *MemoryStore) ListEntries(ctx context.Context, f models.DeadLetterFilter) ([]*models.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	var out []*models.DeadLetterEntry
	for _, e := range s.entries {
		if f.JobID != "" && e.JobID != f.JobID {
			continue
		}
		if f.StepName != "" && e.StepName != f.StepName {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.After(out[j].EnqueuedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ResolveEntry marks an entry replayed or discarded.
func (s *MemoryStore) ResolveEntry(ctx context.Context, id string, status models.ReplayStatus, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return ErrEntryNotFound
	}
	e.Status = status
	e.DiscardReason = reason
	e.ResolvedAt = &at
	return nil
}

func copyJob(job *models.WorkflowJob) *models.WorkflowJob {
	cp := *job
	cp.PendingSteps = append([]string(nil), job.PendingSteps...)
	cp.CompletedSteps = append([]string(nil), job.CompletedSteps...)
	if job.Context != nil {
		cp.Context = make(map[string]json.RawMessage, len(job.Context))
		for k, v := range job.Context {
			cp.Context[k] = append(json.RawMessage(nil), v...)
		}
	}
	if job.Exchange != nil {
		ex := *job.Exchange
		ex.Questions = append([]models.Question(nil), job.Exchange.Questions...)
		ex.Answers = append([]models.Answer(nil), job.Exchange.Answers...)
		cp.Exchange = &ex
	}
	if job.LeaseExpiresAt != nil {
		t := *job.LeaseExpiresAt
		cp.LeaseExpiresAt = &t
	}
	return &cp
}

// Package engine owns the workflow state machine. It is the only writer
// of job state: the facade and the MCP server submit work and read
// projections, workers call Advance, and the DLQ resumes failed jobs
// through Replay. Every transition is guarded by the job's version and
// recorded as exactly one audit event.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"acp-orchestrator/internal/audit"
	"acp-orchestrator/internal/executor"
	"acp-orchestrator/internal/repository"
	"acp-orchestrator/internal/resilience"
	"acp-orchestrator/pkg/models"
)

var (
	// ErrNotAwaitingInput is returned when answers arrive for a job that
	// has no open clarification exchange.
	ErrNotAwaitingInput = errors.New("job is not awaiting input")
	// ErrAnswersIncomplete is returned when required questions remain
	// unanswered. The job is left untouched.
	ErrAnswersIncomplete = errors.New("required questions unanswered")
	// ErrNotCompleted is returned when the result of an unfinished job
	// is requested.
	ErrNotCompleted = errors.New("job is not completed")
	// ErrNotReplayable is returned when a replay targets a job that is
	// not in the failed state.
	ErrNotReplayable = errors.New("job is not in a replayable state")
	// ErrTerminal is returned when a mutation targets a finished job.
	ErrTerminal = errors.New("job already reached a terminal state")
)

// contextAnswersKey is where submitted answers live in the job context,
// visible to the re-run step and every step after it.
const contextAnswersKey = "client_answers"

// Config tunes engine behavior.
type Config struct {
	// InputMaxAge fails jobs that wait longer than this for answers.
	// Zero disables the timeout.
	InputMaxAge time.Duration
	// MaxAttempts is the per-step retry budget on the normal execution
	// path. Replays override it with their remaining budget.
	MaxAttempts int
}

// Engine drives jobs through the declared pipeline.
type Engine struct {
	store    repository.Store
	ledger   *audit.Ledger
	executor executor.Executor
	pipeline *Pipeline
	logger   resilience.Logger
	cfg      Config
	now      func() time.Time

	stepsRun     metric.Int64Counter
	jobsFinished metric.Int64Counter
}

// New creates an Engine over the given store, ledger and executor.
func New(store repository.Store, ledger *audit.Ledger, exec executor.Executor, pipeline *Pipeline, logger resilience.Logger, cfg Config) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if pipeline == nil {
		pipeline = DefaultPipeline()
	}
	meter := otel.Meter("acp-orchestrator/engine")
	stepsRun, _ := meter.Int64Counter("engine.steps_run",
		metric.WithDescription("Workflow steps executed, by step and status"))
	jobsFinished, _ := meter.Int64Counter("engine.jobs_finished",
		metric.WithDescription("Jobs reaching a terminal state, by state"))
	return &Engine{
		store:        store,
		ledger:       ledger,
		executor:     exec,
		pipeline:     pipeline,
		logger:       logger,
		cfg:          cfg,
		now:          time.Now,
		stepsRun:     stepsRun,
		jobsFinished: jobsFinished,
	}
}

// WithClock replaces the engine's clock. Tests only.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Submit creates a new job for the request and records it as submitted.
// The job becomes runnable immediately; workers pick it up from there.
func (e *Engine) Submit(ctx context.Context, requestText string, priority int, createdBy string) (*models.WorkflowJob, error) {
	if requestText == "" {
		return nil, errors.New("request text is required")
	}
	now := e.now().UTC()
	job := &models.WorkflowJob{
		ID:           uuid.New().String(),
		RequestText:  requestText,
		Priority:     priority,
		State:        models.StateCreated,
		PendingSteps: e.pipeline.StepNames(),
		Context:      map[string]json.RawMessage{},
		CreatedBy:    createdBy,
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	_, err := e.ledger.Append(ctx, job.ID, models.EventJobSubmitted, map[string]interface{}{
		"request_text": requestText,
		"priority":     priority,
		"created_by":   createdBy,
		"steps":        job.PendingSteps,
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("job %s submitted with %d steps", job.ID, len(job.PendingSteps))
	return job, nil
}

// Advance moves the job forward by at most one step. It is safe to call
// repeatedly and from concurrent workers: stale writes are rejected by
// the store and the caller simply re-claims the job later.
func (e *Engine) Advance(ctx context.Context, jobID string) error {
	return e.advance(ctx, jobID, 0)
}

func (e *Engine) advance(ctx context.Context, jobID string, attemptBudget int) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return nil
	}

	if job.CancelRequested {
		return e.finishFailed(ctx, job, models.ReasonCancelled, models.EventJobCancelled, map[string]interface{}{
			"step": job.CurrentStep(),
		})
	}

	if job.State == models.StateAwaitingInput {
		if !job.Exchange.Open() {
			// answers landed between claim and advance; fall through
		} else if e.cfg.InputMaxAge > 0 && e.now().Sub(job.UpdatedAt) >= e.cfg.InputMaxAge {
			return e.finishFailed(ctx, job, models.ReasonInputTimeout, models.EventInputTimeout, map[string]interface{}{
				"step":        job.Exchange.StepName,
				"waited_for":  e.now().Sub(job.UpdatedAt).String(),
				"exchange_id": job.Exchange.ID,
			})
		} else {
			return nil
		}
	}

	step := job.CurrentStep()
	if step == "" {
		return e.complete(ctx, job)
	}

	// Make the running state visible before the step executes so status
	// reads during a long completion call reflect reality.
	if desired := stateForStep(step); job.State != desired {
		job.State = desired
		job.UpdatedAt = e.now().UTC()
		if err := e.store.UpdateJob(ctx, job); err != nil {
			return err
		}
	}

	// Replays carry a partially spent budget; the normal path gets the
	// configured default.
	if attemptBudget <= 0 {
		attemptBudget = e.cfg.MaxAttempts
	}

	started := e.now()
	res := e.executor.Execute(ctx, step, executor.StepContext{
		JobID:         job.ID,
		RequestText:   job.RequestText,
		Outputs:       job.Context,
		Answers:       e.answersFor(job),
		AttemptBudget: attemptBudget,
	})
	e.stepsRun.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step", step),
		attribute.String("status", string(res.Status)),
	))

	record := models.StepRecord{
		StepName:  step,
		Attempts:  res.Attempts,
		Output:    res.Output,
		Duration:  e.now().Sub(started),
		Timestamp: started.UTC(),
	}
	if res.Err != nil {
		record.Error = res.Err.Error()
	}

	switch res.Status {
	case executor.StatusSuccess:
		if len(res.Questions) > 0 {
			return e.suspendForInput(ctx, job, step, res)
		}
		return e.recordStepOutput(ctx, job, step, record)
	case executor.StatusRetryable:
		return e.failStep(ctx, job, record, res, models.ReasonRetryExhausted)
	case executor.StatusCircuitOpen:
		return e.failStep(ctx, job, record, res, models.ReasonDependencyDown)
	default:
		return e.failStep(ctx, job, record, res, models.ReasonFatalFailure)
	}
}

// recordStepOutput durably stores the step's accepted output, pops the
// step off the pending queue and moves the job to the next step or to
// completed.
func (e *Engine) recordStepOutput(ctx context.Context, job *models.WorkflowJob, step string, record models.StepRecord) error {
	now := e.now().UTC()
	job.Context[step] = record.Output
	job.PendingSteps = job.PendingSteps[1:]
	job.CompletedSteps = append(job.CompletedSteps, step)
	if next := job.CurrentStep(); next != "" {
		job.State = stateForStep(next)
	} else {
		job.State = models.StateCompleted
	}
	job.UpdatedAt = now
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	_, err := e.ledger.Append(ctx, job.ID, models.EventStepCompleted, map[string]interface{}{
		"step":      step,
		"record":    record,
		"job_state": job.State,
	})
	if err != nil {
		return err
	}
	if job.State == models.StateCompleted {
		e.jobsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(job.State))))
		e.logger.Info("job %s completed", job.ID)
	} else {
		e.logger.Debug("job %s finished step %s, next %s", job.ID, step, job.CurrentStep())
	}
	return nil
}

// suspendForInput opens a clarification exchange and parks the job in
// awaiting_input. The step stays at the head of the pending queue and
// re-runs once answers arrive.
func (e *Engine) suspendForInput(ctx context.Context, job *models.WorkflowJob, step string, res executor.StepResult) error {
	now := e.now().UTC()
	job.Exchange = &models.ClarificationExchange{
		ID:        uuid.New().String(),
		JobID:     job.ID,
		StepName:  step,
		Questions: res.Questions,
		OpenedAt:  now,
	}
	job.State = models.StateAwaitingInput
	job.UpdatedAt = now
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	_, err := e.ledger.Append(ctx, job.ID, models.EventAwaitingInput, map[string]interface{}{
		"step":        step,
		"exchange_id": job.Exchange.ID,
		"questions":   res.Questions,
	})
	if err != nil {
		return err
	}
	e.logger.Info("job %s awaiting input: %d questions from %s", job.ID, len(res.Questions), step)
	return nil
}

// failStep moves the job to failed and parks the step in the dead letter
// queue for operator replay.
func (e *Engine) failStep(ctx context.Context, job *models.WorkflowJob, record models.StepRecord, res executor.StepResult, reason string) error {
	now := e.now().UTC()
	entry := &models.DeadLetterEntry{
		ID:         uuid.New().String(),
		JobID:      job.ID,
		StepName:   record.StepName,
		Attempts:   res.Attempts,
		LastError:  record.Error,
		RawOutput:  res.RawOutput,
		Status:     models.ReplayPending,
		EnqueuedAt: now,
	}

	job.State = models.StateFailed
	job.FailureReason = reason
	job.UpdatedAt = now
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	if err := e.store.EnqueueEntry(ctx, entry); err != nil {
		return fmt.Errorf("enqueue dead letter: %w", err)
	}
	_, err := e.ledger.Append(ctx, job.ID, models.EventStepFailed, map[string]interface{}{
		"step":        record.StepName,
		"reason":      reason,
		"record":      record,
		"dead_letter": entry.ID,
	})
	if err != nil {
		return err
	}
	e.jobsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(models.StateFailed))))
	e.logger.Warn("job %s failed at %s (%s), dead letter %s", job.ID, record.StepName, reason, entry.ID)
	return nil
}

// finishFailed handles failures that do not stem from a step execution
// (cancellation, input timeout). No dead letter entry is written.
func (e *Engine) finishFailed(ctx context.Context, job *models.WorkflowJob, reason, eventType string, payload map[string]interface{}) error {
	job.State = models.StateFailed
	job.FailureReason = reason
	job.UpdatedAt = e.now().UTC()
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	if _, err := e.ledger.Append(ctx, job.ID, eventType, payload); err != nil {
		return err
	}
	e.jobsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(models.StateFailed))))
	e.logger.Info("job %s failed: %s", job.ID, reason)
	return nil
}

// complete marks a job with an empty pending queue as completed. Reached
// only through replay of a job whose last step already succeeded.
func (e *Engine) complete(ctx context.Context, job *models.WorkflowJob) error {
	job.State = models.StateCompleted
	job.UpdatedAt = e.now().UTC()
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	_, err := e.ledger.Append(ctx, job.ID, models.EventStepCompleted, map[string]interface{}{
		"job_state": job.State,
	})
	return err
}

// SubmitAnswers closes the open clarification exchange with the
// analyst's answers. Validation failures leave the job untouched; on
// success the requesting step becomes runnable again with the answers
// merged into the job context.
func (e *Engine) SubmitAnswers(ctx context.Context, jobID string, answers []models.Answer) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.CancelRequested {
		return fmt.Errorf("%w: job %s has a pending cancellation", ErrTerminal, jobID)
	}
	if job.State != models.StateAwaitingInput || !job.Exchange.Open() {
		return fmt.Errorf("%w: job %s is %s", ErrNotAwaitingInput, jobID, job.State)
	}
	if missing := job.Exchange.MissingRequired(answers); len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrAnswersIncomplete, missing)
	}

	now := e.now().UTC()
	job.Exchange.Answers = answers
	job.Exchange.ClosedAt = &now
	raw, err := json.Marshal(answers)
	if err != nil {
		return fmt.Errorf("marshal answers: %w", err)
	}
	job.Context[contextAnswersKey] = raw
	job.State = stateForStep(job.CurrentStep())
	job.UpdatedAt = now
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	_, err = e.ledger.Append(ctx, jobID, models.EventAnswersSubmitted, map[string]interface{}{
		"step":        job.Exchange.StepName,
		"exchange_id": job.Exchange.ID,
		"answers":     answers,
	})
	if err != nil {
		return err
	}
	e.logger.Info("job %s received %d answers, resuming %s", jobID, len(answers), job.Exchange.StepName)
	return nil
}

// Cancel requests cancellation. The flag is honored at the top of the
// next advance; the transition itself is what gets audited.
func (e *Engine) Cancel(ctx context.Context, jobID string) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return fmt.Errorf("%w: job %s is %s", ErrTerminal, jobID, job.State)
	}
	if job.CancelRequested {
		return nil
	}
	job.CancelRequested = true
	job.UpdatedAt = e.now().UTC()
	return e.store.UpdateJob(ctx, job)
}

// Replay returns a failed job to its failed step with the given retry
// budget and drives it forward. Used by the dead letter queue.
func (e *Engine) Replay(ctx context.Context, jobID string, attemptBudget int) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State != models.StateFailed {
		return fmt.Errorf("%w: job %s is %s", ErrNotReplayable, jobID, job.State)
	}
	step := job.CurrentStep()
	if step != "" {
		job.State = stateForStep(step)
	} else {
		job.State = models.StateRunningStep
	}
	job.FailureReason = ""
	job.UpdatedAt = e.now().UTC()
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	_, err = e.ledger.Append(ctx, jobID, models.EventManualReplay, map[string]interface{}{
		"step":           step,
		"attempt_budget": attemptBudget,
	})
	if err != nil {
		return err
	}
	e.logger.Info("job %s replaying from step %s with budget %d", jobID, step, attemptBudget)
	return e.advance(ctx, jobID, attemptBudget)
}

// Status returns the read-only status projection for the job.
func (e *Engine) Status(ctx context.Context, jobID string) (*models.JobStatus, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	st := &models.JobStatus{
		JobID:          job.ID,
		State:          job.State,
		CurrentStep:    job.CurrentStep(),
		CompletedSteps: job.CompletedSteps,
		FailureReason:  job.FailureReason,
		CreatedAt:      job.CreatedAt,
		UpdatedAt:      job.UpdatedAt,
	}
	if job.State.Terminal() {
		st.CurrentStep = ""
	}
	if job.Exchange.Open() {
		st.PendingQuestions = job.Exchange.Questions
	}
	return st, nil
}

// Result assembles the deliverable bundle for a completed job.
func (e *Engine) Result(ctx context.Context, jobID string) (*models.JobResult, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State != models.StateCompleted {
		return nil, fmt.Errorf("%w: job %s is %s", ErrNotCompleted, jobID, job.State)
	}

	result := &models.JobResult{
		JobID:       job.ID,
		RequestText: job.RequestText,
		CompletedAt: job.UpdatedAt,
	}
	if raw, ok := job.Context[executor.StepClarifier]; ok {
		var out models.ClarifierOutput
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode clarifier output: %w", err)
		}
		result.Clarification = &out
	}
	if raw, ok := job.Context[executor.StepSynthesizer]; ok {
		var out models.SynthesizerOutput
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode synthesizer output: %w", err)
		}
		result.Synthesis = &out
	}
	if raw, ok := job.Context[executor.StepTaskmaster]; ok {
		var out models.TaskmasterOutput
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode taskmaster output: %w", err)
		}
		result.Tasks = &out
	}
	if raw, ok := job.Context[executor.StepVerifier]; ok {
		var out models.VerifierOutput
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode verifier output: %w", err)
		}
		result.Verification = &out
	}
	return result, nil
}

// answersFor returns the answers available to the current step, if any
// were submitted earlier in the job's life.
func (e *Engine) answersFor(job *models.WorkflowJob) []models.Answer {
	raw, ok := job.Context[contextAnswersKey]
	if !ok {
		return nil
	}
	var answers []models.Answer
	if err := json.Unmarshal(raw, &answers); err != nil {
		e.logger.Warn("job %s: stored answers undecodable: %v", job.ID, err)
		return nil
	}
	return answers
}

// stateForStep maps the step at the head of the queue to the externally
// visible running state.
func stateForStep(step string) models.JobState {
	if step == executor.StepContextRetrieval {
		return models.StateContextRetrieval
	}
	return models.StateRunningStep
}

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"acp-orchestrator/internal/audit"
	"acp-orchestrator/internal/executor"
	"acp-orchestrator/internal/repository"
	"acp-orchestrator/pkg/models"
)

type nopLogger struct{}

func (nopLogger) Debug(msg string, args ...interface{}) {}
func (nopLogger) Info(msg string, args ...interface{})  {}
func (nopLogger) Warn(msg string, args ...interface{})  {}
func (nopLogger) Error(msg string, args ...interface{}) {}

// scriptedExecutor returns canned results per step and records the
// contexts it was called with.
type scriptedExecutor struct {
	script map[string]func(sc executor.StepContext) executor.StepResult
	calls  []string
	seen   map[string][]executor.StepContext
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{
		script: make(map[string]func(sc executor.StepContext) executor.StepResult),
		seen:   make(map[string][]executor.StepContext),
	}
}

func (s *scriptedExecutor) on(step string, fn func(sc executor.StepContext) executor.StepResult) {
	s.script[step] = fn
}

func (s *scriptedExecutor) succeed(step string, output interface{}) {
	raw, _ := json.Marshal(output)
	s.on(step, func(executor.StepContext) executor.StepResult {
		return executor.StepResult{Status: executor.StatusSuccess, Output: raw}
	})
}

func (s *scriptedExecutor) Execute(ctx context.Context, stepName string, sc executor.StepContext) executor.StepResult {
	s.calls = append(s.calls, stepName)
	s.seen[stepName] = append(s.seen[stepName], sc)
	fn, ok := s.script[stepName]
	if !ok {
		return executor.StepResult{Status: executor.StatusFatal, Err: errors.New("unscripted step " + stepName)}
	}
	return fn(sc)
}

func validClarifierOutput() models.ClarifierOutput {
	return models.ClarifierOutput{AnalysisSummary: "clear enough"}
}

func validSynthesizerOutput() models.SynthesizerOutput {
	return models.SynthesizerOutput{
		AsIs:                   models.AsIsDocument{Title: "AS-IS", ExecutiveSummary: "current state"},
		ToBe:                   models.ToBeDocument{Title: "TO-BE", ExecutiveSummary: "future state"},
		ImplementationApproach: "incremental",
	}
}

func validTaskmasterOutput() models.TaskmasterOutput {
	return models.TaskmasterOutput{
		BreakdownSummary: "two tasks",
		Tasks: []models.DeveloperTask{{
			TaskID: "T-1", Title: "Add login route", Priority: "high",
			AcceptanceCriteria: []models.AcceptanceCriterion{{CriteriaID: "AC-1", Description: "route exists"}},
		}},
	}
}

func validVerifierOutput() models.VerifierOutput {
	return models.VerifierOutput{ApprovalStatus: "approved"}
}

func scriptHappyPath(exec *scriptedExecutor) {
	exec.succeed(executor.StepContextRetrieval, models.RetrievedContext{Query: "q", TotalResults: 0})
	exec.succeed(executor.StepClarifier, validClarifierOutput())
	exec.succeed(executor.StepSynthesizer, validSynthesizerOutput())
	exec.succeed(executor.StepTaskmaster, validTaskmasterOutput())
	exec.succeed(executor.StepVerifier, validVerifierOutput())
}

type fixture struct {
	store  *repository.MemoryStore
	ledger *audit.Ledger
	exec   *scriptedExecutor
	engine *Engine
	now    time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		store: repository.NewMemoryStore(),
		exec:  newScriptedExecutor(),
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.store.WithClock(func() time.Time { return f.now })
	f.ledger = audit.NewLedger(f.store).WithClock(func() time.Time { return f.now })
	f.engine = New(f.store, f.ledger, f.exec, DefaultPipeline(), nopLogger{}, cfg).
		WithClock(func() time.Time { return f.now })
	return f
}

// drain advances the job until it stops moving.
func (f *fixture) drain(t *testing.T, jobID string) *models.WorkflowJob {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		before, err := f.store.GetJob(ctx, jobID)
		assert.NoError(t, err)
		assert.NoError(t, f.engine.Advance(ctx, jobID))
		after, err := f.store.GetJob(ctx, jobID)
		assert.NoError(t, err)
		if after.Version == before.Version {
			return after
		}
		f.now = f.now.Add(time.Second)
	}
	t.Fatal("job did not settle")
	return nil
}

func eventTypes(t *testing.T, f *fixture, jobID string) []string {
	t.Helper()
	events, err := f.ledger.Events(context.Background(), jobID)
	assert.NoError(t, err)
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.EventType
	}
	return types
}

func TestJobRunsThroughClarificationToCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxAttempts: 3})
	scriptHappyPath(f.exec)

	// First clarifier run raises two questions.
	asked := false
	f.exec.on(executor.StepClarifier, func(sc executor.StepContext) executor.StepResult {
		if !asked {
			asked = true
			return executor.StepResult{
				Status: executor.StatusSuccess,
				Questions: []models.Question{
					{QuestionID: "q1", Question: "Which providers?", Required: true},
					{QuestionID: "q2", Question: "Is MFA in scope?", Required: false},
				},
			}
		}
		raw, _ := json.Marshal(validClarifierOutput())
		return executor.StepResult{Status: executor.StatusSuccess, Output: raw}
	})

	job, err := f.engine.Submit(ctx, "add OAuth login support", 0, "analyst@example.com")
	assert.NoError(t, err)
	assert.Equal(t, models.StateCreated, job.State)

	job = f.drain(t, job.ID)
	assert.Equal(t, models.StateAwaitingInput, job.State)
	assert.True(t, job.Exchange.Open())
	assert.Equal(t, executor.StepClarifier, job.Exchange.StepName)

	status, err := f.engine.Status(ctx, job.ID)
	assert.NoError(t, err)
	assert.Len(t, status.PendingQuestions, 2)

	// The result is not available while suspended.
	_, err = f.engine.Result(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotCompleted)

	err = f.engine.SubmitAnswers(ctx, job.ID, []models.Answer{
		{QuestionID: "q1", Answer: "Google and GitHub"},
	})
	assert.NoError(t, err)

	job = f.drain(t, job.ID)
	assert.Equal(t, models.StateCompleted, job.State)
	assert.Empty(t, job.PendingSteps)
	assert.Equal(t, DefaultPipeline().StepNames(), job.CompletedSteps)

	// The re-run clarifier saw the answers.
	clarifierCalls := f.exec.seen[executor.StepClarifier]
	assert.Len(t, clarifierCalls, 2)
	assert.Empty(t, clarifierCalls[0].Answers)
	assert.Equal(t, "Google and GitHub", clarifierCalls[1].Answers[0].Answer)

	result, err := f.engine.Result(ctx, job.ID)
	assert.NoError(t, err)
	assert.Equal(t, "approved", result.Verification.ApprovalStatus)
	assert.Len(t, result.Tasks.Tasks, 1)

	assert.Equal(t, []string{
		models.EventJobSubmitted,
		models.EventStepCompleted, // context_retrieval
		models.EventAwaitingInput,
		models.EventAnswersSubmitted,
		models.EventStepCompleted, // clarifier
		models.EventStepCompleted, // synthesizer
		models.EventStepCompleted, // taskmaster
		models.EventStepCompleted, // verifier
	}, eventTypes(t, f, job.ID))

	assert.NoError(t, f.ledger.Verify(ctx, job.ID))
}

func TestEachStepContributesExactlyOneContextEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxAttempts: 3})
	scriptHappyPath(f.exec)

	job, err := f.engine.Submit(ctx, "migrate billing reports", 0, "")
	assert.NoError(t, err)
	job = f.drain(t, job.ID)

	assert.Equal(t, models.StateCompleted, job.State)
	assert.Len(t, job.Context, 5)
	for _, step := range DefaultPipeline().StepNames() {
		assert.Contains(t, job.Context, step)
	}
	// Each step ran exactly once.
	assert.Len(t, f.exec.calls, 5)
}

func TestFatalFailureParksJobInDeadLetterQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxAttempts: 3})
	scriptHappyPath(f.exec)

	schemaErr := errors.New("step output violates schema: taskmaster: no tasks generated")
	f.exec.on(executor.StepTaskmaster, func(executor.StepContext) executor.StepResult {
		return executor.StepResult{
			Status:    executor.StatusFatal,
			RawOutput: json.RawMessage(`{"tasks":[]}`),
			Attempts:  []models.StepAttempt{{Attempt: 1, Outcome: "fatal_failure", Error: schemaErr.Error()}},
			Err:       schemaErr,
		}
	})

	job, err := f.engine.Submit(ctx, "add OAuth login support", 0, "")
	assert.NoError(t, err)
	job = f.drain(t, job.ID)

	assert.Equal(t, models.StateFailed, job.State)
	assert.Equal(t, models.ReasonFatalFailure, job.FailureReason)
	// The failed step stays at the head of the queue for replay.
	assert.Equal(t, executor.StepTaskmaster, job.CurrentStep())

	entries, err := f.store.ListEntries(ctx, models.DeadLetterFilter{JobID: job.ID})
	assert.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, executor.StepTaskmaster, entries[0].StepName)
	assert.Equal(t, models.ReplayPending, entries[0].Status)
	assert.JSONEq(t, `{"tasks":[]}`, string(entries[0].RawOutput))

	types := eventTypes(t, f, job.ID)
	assert.Equal(t, models.EventStepFailed, types[len(types)-1])
	assert.NoError(t, f.ledger.Verify(ctx, job.ID))
}

func TestRetryExhaustionFailsJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxAttempts: 3})
	scriptHappyPath(f.exec)

	f.exec.on(executor.StepContextRetrieval, func(executor.StepContext) executor.StepResult {
		return executor.StepResult{
			Status: executor.StatusRetryable,
			Err:    errors.New("knowledge-service: retry budget exhausted: connection refused"),
		}
	})

	job, err := f.engine.Submit(ctx, "add OAuth login support", 0, "")
	assert.NoError(t, err)
	job = f.drain(t, job.ID)

	assert.Equal(t, models.StateFailed, job.State)
	assert.Equal(t, models.ReasonRetryExhausted, job.FailureReason)
}

func TestCircuitOpenFailsJobAsDependencyUnavailable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxAttempts: 3})
	scriptHappyPath(f.exec)

	f.exec.on(executor.StepContextRetrieval, func(executor.StepContext) executor.StepResult {
		return executor.StepResult{
			Status: executor.StatusCircuitOpen,
			Err:    errors.New("knowledge-service: circuit open"),
		}
	})

	job, err := f.engine.Submit(ctx, "add OAuth login support", 0, "")
	assert.NoError(t, err)
	job = f.drain(t, job.ID)

	assert.Equal(t, models.StateFailed, job.State)
	assert.Equal(t, models.ReasonDependencyDown, job.FailureReason)

	// Failing fast consumed no attempts.
	entries, err := f.store.ListEntries(ctx, models.DeadLetterFilter{JobID: job.ID})
	assert.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Empty(t, entries[0].Attempts)

	types := eventTypes(t, f, job.ID)
	assert.Equal(t, models.EventStepFailed, types[len(types)-1])
}

func TestAdvanceGrantsConfiguredAttemptBudget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxAttempts: 3})
	scriptHappyPath(f.exec)

	job, err := f.engine.Submit(ctx, "migrate billing reports", 0, "")
	assert.NoError(t, err)
	f.drain(t, job.ID)

	for _, step := range DefaultPipeline().StepNames() {
		assert.Equal(t, 3, f.exec.seen[step][0].AttemptBudget, step)
	}
}

func TestAnswersRejectedWhenNotAwaitingInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxAttempts: 3})
	scriptHappyPath(f.exec)

	job, err := f.engine.Submit(ctx, "add OAuth login support", 0, "")
	assert.NoError(t, err)

	before, _ := f.store.GetJob(ctx, job.ID)
	err = f.engine.SubmitAnswers(ctx, job.ID, []models.Answer{{QuestionID: "q1", Answer: "x"}})
	assert.ErrorIs(t, err, ErrNotAwaitingInput)

	after, _ := f.store.GetJob(ctx, job.ID)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.State, after.State)
}

func TestAnswersMissingRequiredQuestionLeaveJobUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxAttempts: 3})
	scriptHappyPath(f.exec)
	f.exec.on(executor.StepClarifier, func(executor.StepContext) executor.StepResult {
		return executor.StepResult{
			Status:    executor.StatusSuccess,
			Questions: []models.Question{{QuestionID: "q1", Question: "Which providers?", Required: true}},
		}
	})

	job, err := f.engine.Submit(ctx, "add OAuth login support", 0, "")
	assert.NoError(t, err)
	job = f.drain(t, job.ID)
	assert.Equal(t, models.StateAwaitingInput, job.State)

	before, _ := f.store.GetJob(ctx, job.ID)
	err = f.engine.SubmitAnswers(ctx, job.ID, []models.Answer{{QuestionID: "q2", Answer: "x"}})
	assert.ErrorIs(t, err, ErrAnswersIncomplete)

	after, _ := f.store.GetJob(ctx, job.ID)
	assert.Equal(t, before.Version, after.Version)
	assert.True(t, after.Exchange.Open())
}

func TestCancellationFailsJobWithoutDeadLetter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxAttempts: 3})
	scriptHappyPath(f.exec)

	job, err := f.engine.Submit(ctx, "add OAuth login support", 0, "")
	assert.NoError(t, err)
	assert.NoError(t, f.engine.Cancel(ctx, job.ID))

	job = f.drain(t, job.ID)
	assert.Equal(t, models.StateFailed, job.State)
	assert.Equal(t, models.ReasonCancelled, job.FailureReason)
	// No step ran after the cancel landed.
	assert.Empty(t, f.exec.calls)

	entries, _ := f.store.ListEntries(ctx, models.DeadLetterFilter{JobID: job.ID})
	assert.Empty(t, entries)

	types := eventTypes(t, f, job.ID)
	assert.Equal(t, models.EventJobCancelled, types[len(types)-1])
}

func TestCancelWhileAwaitingInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxAttempts: 3})
	scriptHappyPath(f.exec)
	f.exec.on(executor.StepClarifier, func(executor.StepContext) executor.StepResult {
		return executor.StepResult{
			Status:    executor.StatusSuccess,
			Questions: []models.Question{{QuestionID: "q1", Question: "Which providers?", Required: true}},
		}
	})

	job, err := f.engine.Submit(ctx, "add OAuth login support", 0, "")
	assert.NoError(t, err)
	job = f.drain(t, job.ID)
	assert.Equal(t, models.StateAwaitingInput, job.State)

	assert.NoError(t, f.engine.Cancel(ctx, job.ID))
	job = f.drain(t, job.ID)
	assert.Equal(t, models.StateFailed, job.State)
	assert.Equal(t, models.ReasonCancelled, job.FailureReason)
}

func TestAnswersRejectedAfterCancelRequested(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxAttempts: 3})
	scriptHappyPath(f.exec)
	f.exec.on(executor.StepClarifier, func(executor.StepContext) executor.StepResult {
		return executor.StepResult{
			Status:    executor.StatusSuccess,
			Questions: []models.Question{{QuestionID: "q1", Question: "Which providers?", Required: true}},
		}
	})

	job, err := f.engine.Submit(ctx, "add OAuth login support", 0, "")
	assert.NoError(t, err)
	job = f.drain(t, job.ID)
	assert.Equal(t, models.StateAwaitingInput, job.State)

	assert.NoError(t, f.engine.Cancel(ctx, job.ID))
	err = f.engine.SubmitAnswers(ctx, job.ID, []models.Answer{{QuestionID: "q1", Answer: "x"}})
	assert.ErrorIs(t, err, ErrTerminal)

	// The cancellation still lands on the next advance.
	job = f.drain(t, job.ID)
	assert.Equal(t, models.StateFailed, job.State)
	assert.Equal(t, models.ReasonCancelled, job.FailureReason)
}

func TestCancelTerminalJobRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxAttempts: 3})
	scriptHappyPath(f.exec)

	job, err := f.engine.Submit(ctx, "add OAuth login support", 0, "")
	assert.NoError(t, err)
	f.drain(t, job.ID)

	assert.ErrorIs(t, f.engine.Cancel(ctx, job.ID), ErrTerminal)
}

func TestInputTimeoutFailsOverdueJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxAttempts: 3, InputMaxAge: time.Hour})
	scriptHappyPath(f.exec)
	f.exec.on(executor.StepClarifier, func(executor.StepContext) executor.StepResult {
		return executor.StepResult{
			Status:    executor.StatusSuccess,
			Questions: []models.Question{{QuestionID: "q1", Question: "Which providers?", Required: true}},
		}
	})

	job, err := f.engine.Submit(ctx, "add OAuth login support", 0, "")
	assert.NoError(t, err)
	job = f.drain(t, job.ID)
	assert.Equal(t, models.StateAwaitingInput, job.State)

	// Still inside the window: the job stays parked.
	f.now = f.now.Add(30 * time.Minute)
	assert.NoError(t, f.engine.Advance(ctx, job.ID))
	job, _ = f.store.GetJob(ctx, job.ID)
	assert.Equal(t, models.StateAwaitingInput, job.State)

	f.now = f.now.Add(31 * time.Minute)
	job = f.drain(t, job.ID)
	assert.Equal(t, models.StateFailed, job.State)
	assert.Equal(t, models.ReasonInputTimeout, job.FailureReason)

	types := eventTypes(t, f, job.ID)
	assert.Equal(t, models.EventInputTimeout, types[len(types)-1])
}

func TestReplayResumesAtFailedStep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxAttempts: 3})
	scriptHappyPath(f.exec)

	failing := true
	f.exec.on(executor.StepTaskmaster, func(sc executor.StepContext) executor.StepResult {
		if failing {
			return executor.StepResult{
				Status: executor.StatusFatal,
				Err:    errors.New("step output violates schema: taskmaster: no tasks generated"),
			}
		}
		raw, _ := json.Marshal(validTaskmasterOutput())
		return executor.StepResult{Status: executor.StatusSuccess, Output: raw}
	})

	job, err := f.engine.Submit(ctx, "add OAuth login support", 0, "")
	assert.NoError(t, err)
	job = f.drain(t, job.ID)
	assert.Equal(t, models.StateFailed, job.State)
	priorCalls := len(f.exec.calls)

	failing = false
	assert.NoError(t, f.engine.Replay(ctx, job.ID, 2))

	job = f.drain(t, job.ID)
	assert.Equal(t, models.StateCompleted, job.State)
	// The replay re-ran taskmaster, not the already completed steps.
	assert.Equal(t, executor.StepTaskmaster, f.exec.calls[priorCalls])
	assert.Len(t, f.exec.seen[executor.StepContextRetrieval], 1)
	// The replayed step got the reduced budget.
	assert.Equal(t, 2, f.exec.seen[executor.StepTaskmaster][1].AttemptBudget)

	types := eventTypes(t, f, job.ID)
	assert.Contains(t, types, models.EventManualReplay)
	assert.NoError(t, f.ledger.Verify(ctx, job.ID))
}

func TestReplayRejectedForRunningJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxAttempts: 3})
	scriptHappyPath(f.exec)

	job, err := f.engine.Submit(ctx, "add OAuth login support", 0, "")
	assert.NoError(t, err)
	assert.ErrorIs(t, f.engine.Replay(ctx, job.ID, 1), ErrNotReplayable)
}

func TestVersionConflictOnStaleWrite(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxAttempts: 3})
	scriptHappyPath(f.exec)

	job, err := f.engine.Submit(ctx, "add OAuth login support", 0, "")
	assert.NoError(t, err)

	stale, _ := f.store.GetJob(ctx, job.ID)
	fresh, _ := f.store.GetJob(ctx, job.ID)

	fresh.Priority = 5
	assert.NoError(t, f.store.UpdateJob(ctx, fresh))

	stale.Priority = 9
	assert.ErrorIs(t, f.store.UpdateJob(ctx, stale), repository.ErrVersionConflict)

	current, _ := f.store.GetJob(ctx, job.ID)
	assert.Equal(t, 5, current.Priority)
}

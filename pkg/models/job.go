// Package models defines the domain models for the orchestrator service
package models

import (
	"encoding/json"
	"time"
)

// JobState represents the lifecycle state of a workflow job
type JobState string

const (
	StateCreated          JobState = "created"
	StateContextRetrieval JobState = "context_retrieval"
	StateRunningStep      JobState = "running_step"
	StateAwaitingInput    JobState = "awaiting_input"
	StateCompleted        JobState = "completed"
	StateFailed           JobState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Failure reasons recorded on jobs that reach StateFailed
const (
	ReasonCancelled      = "cancelled"
	ReasonInputTimeout   = "input_timeout"
	ReasonFatalFailure   = "fatal_failure"
	ReasonRetryExhausted = "retry_exhausted"
	ReasonDependencyDown = "dependency_unavailable"
)

// WorkflowJob is one analyst request being processed end to end.
// It is created by the facade and mutated exclusively by the engine.
type WorkflowJob struct {
	ID          string `json:"id" db:"id"`
	RequestText string `json:"request_text" db:"request_text"`
	Priority    int    `json:"priority" db:"priority"`

	State         JobState `json:"state" db:"state"`
	FailureReason string   `json:"failure_reason,omitempty" db:"failure_reason"`

	// PendingSteps[0] is the step currently being (re)tried; steps are
	// only popped once their output is durably recorded.
	PendingSteps   []string `json:"pending_steps" db:"pending_steps"`
	CompletedSteps []string `json:"completed_steps" db:"completed_steps"`

	// Context holds the latest accepted output per step. A step re-run
	// after clarification replaces its entry here; earlier attempts
	// survive only in the audit chain.
	Context map[string]json.RawMessage `json:"context" db:"context"`

	// Exchange is the open clarification exchange, nil otherwise.
	// At most one exchange is open at a time.
	Exchange *ClarificationExchange `json:"exchange,omitempty" db:"exchange"`

	CancelRequested bool `json:"cancel_requested" db:"cancel_requested"`

	LeaseOwner     string     `json:"-" db:"lease_owner"`
	LeaseExpiresAt *time.Time `json:"-" db:"lease_expires_at"`

	CreatedBy string    `json:"created_by,omitempty" db:"created_by"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`

	// Version increments on every persisted mutation; a write carrying a
	// stale version is rejected by the store.
	Version int64 `json:"version" db:"version"`
}

// CurrentStep returns the step at the head of the pending queue, or "".
func (j *WorkflowJob) CurrentStep() string {
	if len(j.PendingSteps) == 0 {
		return ""
	}
	return j.PendingSteps[0]
}

// StepAttempt records a single execution attempt of a step.
type StepAttempt struct {
	Attempt   int           `json:"attempt"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ms"`
	Outcome   string        `json:"outcome"`
	Error     string        `json:"error,omitempty"`
}

// StepRecord is the execution record of one step attempt sequence,
// appended to the audit trail and never mutated retroactively.
type StepRecord struct {
	StepName  string          `json:"step_name"`
	Attempts  []StepAttempt   `json:"attempts"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	Duration  time.Duration   `json:"duration_ms"`
	Timestamp time.Time       `json:"timestamp"`
}

// Question is one clarifying question raised by a step.
type Question struct {
	QuestionID string `json:"question_id"`
	Question   string `json:"question"`
	Type       string `json:"question_type,omitempty"`
	Required   bool   `json:"required"`
	Context    string `json:"context,omitempty"`
}

// Answer is the analyst's answer to one question.
type Answer struct {
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
}

// ClarificationExchange ties a set of questions raised by a step to the
// answers needed before that step can re-run.
type ClarificationExchange struct {
	ID        string     `json:"id"`
	JobID     string     `json:"job_id"`
	StepName  string     `json:"step_name"`
	Questions []Question `json:"questions"`
	Answers   []Answer   `json:"answers,omitempty"`
	OpenedAt  time.Time  `json:"opened_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// Open reports whether the exchange still awaits answers.
func (e *ClarificationExchange) Open() bool {
	return e != nil && e.ClosedAt == nil
}

// MissingRequired returns the ids of required questions not covered by
// the supplied answers.
func (e *ClarificationExchange) MissingRequired(answers []Answer) []string {
	answered := make(map[string]bool, len(answers))
	for _, a := range answers {
		answered[a.QuestionID] = true
	}
	var missing []string
	for _, q := range e.Questions {
		if q.Required && !answered[q.QuestionID] {
			missing = append(missing, q.QuestionID)
		}
	}
	return missing
}

// JobStatus is the read-only status projection returned by the facade.
type JobStatus struct {
	JobID            string     `json:"job_id"`
	State            JobState   `json:"state"`
	CurrentStep      string     `json:"current_step,omitempty"`
	CompletedSteps   []string   `json:"completed_steps"`
	PendingQuestions []Question `json:"pending_questions,omitempty"`
	FailureReason    string     `json:"failure_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// JobResult is the final deliverable bundle, available once completed.
type JobResult struct {
	JobID         string             `json:"job_id"`
	RequestText   string             `json:"request_text"`
	Clarification *ClarifierOutput   `json:"clarification,omitempty"`
	Synthesis     *SynthesizerOutput `json:"synthesis,omitempty"`
	Tasks         *TaskmasterOutput  `json:"tasks,omitempty"`
	Verification  *VerifierOutput    `json:"verification,omitempty"`
	CompletedAt   time.Time          `json:"completed_at"`
}

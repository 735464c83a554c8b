// Package executor runs exactly one named workflow step: it builds the
// step's structured input from the accumulated job context, invokes the
// completion or knowledge service through the resilience wrapper, and
// validates the structured output. All failures are resolved locally into
// a StepResult; nothing escapes the Execute boundary.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"acp-orchestrator/internal/resilience"
	"acp-orchestrator/internal/services"
	"acp-orchestrator/pkg/models"
)

// Step names, in their declared pipeline order.
const (
	StepContextRetrieval = "context_retrieval"
	StepClarifier        = "clarifier"
	StepSynthesizer      = "synthesizer"
	StepTaskmaster       = "taskmaster"
	StepVerifier         = "verifier"
)

// Dependency keys used with the resilience wrapper.
const (
	depKnowledge  = "knowledge-service"
	depCompletion = "completion-service"
)

// StepStatus classifies the outcome of a step execution.
type StepStatus string

const (
	StatusSuccess     StepStatus = "success"
	StatusRetryable   StepStatus = "retryable_failure"
	StatusFatal       StepStatus = "fatal_failure"
	StatusCircuitOpen StepStatus = "circuit_open"
)

// StepContext is the input to one step execution: the original request,
// the accumulated outputs of prior steps and, on a re-run after
// clarification, the analyst's answers.
type StepContext struct {
	JobID       string
	RequestText string
	Outputs     map[string]json.RawMessage
	Answers     []models.Answer
	// AttemptBudget overrides the default retry budget when positive.
	// DLQ replays use it to resume a partially spent budget.
	AttemptBudget int
}

// StepResult reports one step execution. Questions non-empty means the
// workflow must suspend for analyst input.
type StepResult struct {
	Status    StepStatus
	Output    json.RawMessage
	Questions []models.Question
	Attempts  []models.StepAttempt
	// RawOutput carries the offending structured output on a schema
	// violation, for the dead letter entry.
	RawOutput json.RawMessage
	Err       error
}

// Executor runs one named step against a step context.
type Executor interface {
	Execute(ctx context.Context, stepName string, sc StepContext) StepResult
}

type stepFunc func(e *AgentExecutor, ctx context.Context, sc StepContext) StepResult

// stepTable is the closed set of step variants, dispatched by name.
var stepTable = map[string]stepFunc{
	StepContextRetrieval: (*AgentExecutor).runContextRetrieval,
	StepClarifier:        (*AgentExecutor).runClarifier,
	StepSynthesizer:      (*AgentExecutor).runSynthesizer,
	StepTaskmaster:       (*AgentExecutor).runTaskmaster,
	StepVerifier:         (*AgentExecutor).runVerifier,
}

// KnownSteps returns the step names the executor can dispatch, sorted.
func KnownSteps() []string {
	names := make([]string, 0, len(stepTable))
	for name := range stepTable {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AgentExecutor is the production Executor backed by the completion and
// knowledge services.
type AgentExecutor struct {
	completion services.CompletionClient
	knowledge  services.KnowledgeClient
	caller     *resilience.Caller
	logger     resilience.Logger
	topK       int
}

// NewAgentExecutor creates a new AgentExecutor.
func NewAgentExecutor(completion services.CompletionClient, knowledge services.KnowledgeClient, caller *resilience.Caller, logger resilience.Logger, topK int) *AgentExecutor {
	if topK <= 0 {
		topK = 10
	}
	return &AgentExecutor{
		completion: completion,
		knowledge:  knowledge,
		caller:     caller,
		logger:     logger,
		topK:       topK,
	}
}

// Execute runs the named step. An unknown step name is a fatal failure:
// it can only come from a broken pipeline definition and will not fix
// itself on retry.
func (e *AgentExecutor) Execute(ctx context.Context, stepName string, sc StepContext) StepResult {
	fn, ok := stepTable[stepName]
	if !ok {
		return StepResult{
			Status: StatusFatal,
			Err:    fmt.Errorf("unknown step %q", stepName),
		}
	}
	e.logger.Debug("executing step %s for job %s", stepName, sc.JobID)
	return fn(e, ctx, sc)
}

// complete invokes the completion service for one step, decodes the raw
// structured output into out and validates it. Decode and validation
// failures are fatal; the raw output is preserved for inspection.
func (e *AgentExecutor) complete(ctx context.Context, sc StepContext, req services.CompletionRequest, out interface{ Validate() error }) (json.RawMessage, StepResult, bool) {
	var raw json.RawMessage
	outcome := e.caller.CallN(ctx, depCompletion, sc.AttemptBudget, func(cctx context.Context) error {
		r, err := e.completion.Complete(cctx, req)
		if err != nil {
			return err
		}
		raw = r
		return nil
	})

	switch outcome.Outcome {
	case resilience.OutcomeSuccess:
	case resilience.OutcomeFatalFailure:
		return nil, StepResult{Status: StatusFatal, Attempts: outcome.Attempts, Err: outcome.Err}, false
	case resilience.OutcomeCircuitOpen:
		return nil, StepResult{Status: StatusCircuitOpen, Attempts: outcome.Attempts, Err: outcome.Err}, false
	default:
		return nil, StepResult{Status: StatusRetryable, Attempts: outcome.Attempts, Err: outcome.Err}, false
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return nil, StepResult{
			Status:    StatusFatal,
			Attempts:  outcome.Attempts,
			RawOutput: raw,
			Err:       fmt.Errorf("%w: %s: %v", models.ErrSchemaViolation, req.Step, err),
		}, false
	}
	if err := out.Validate(); err != nil {
		return nil, StepResult{
			Status:    StatusFatal,
			Attempts:  outcome.Attempts,
			RawOutput: raw,
			Err:       err,
		}, false
	}
	return raw, StepResult{Status: StatusSuccess, Attempts: outcome.Attempts}, true
}

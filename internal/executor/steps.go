package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"acp-orchestrator/internal/resilience"
	"acp-orchestrator/internal/services"
	"acp-orchestrator/pkg/models"
)

// runContextRetrieval queries the knowledge service for material
// supporting the request and records it as the first context entry.
func (e *AgentExecutor) runContextRetrieval(ctx context.Context, sc StepContext) StepResult {
	query := searchQuery(sc.RequestText)

	var chunks []models.KnowledgeChunk
	outcome := e.caller.CallN(ctx, depKnowledge, sc.AttemptBudget, func(cctx context.Context) error {
		cs, err := e.knowledge.Query(cctx, query, e.topK)
		if err != nil {
			return err
		}
		chunks = cs
		return nil
	})

	switch outcome.Outcome {
	case resilience.OutcomeSuccess:
	case resilience.OutcomeFatalFailure:
		return StepResult{Status: StatusFatal, Attempts: outcome.Attempts, Err: outcome.Err}
	case resilience.OutcomeCircuitOpen:
		return StepResult{Status: StatusCircuitOpen, Attempts: outcome.Attempts, Err: outcome.Err}
	default:
		return StepResult{Status: StatusRetryable, Attempts: outcome.Attempts, Err: outcome.Err}
	}

	retrieved := models.RetrievedContext{
		Query:        query,
		Results:      chunks,
		TotalResults: len(chunks),
	}
	output, err := json.Marshal(retrieved)
	if err != nil {
		return StepResult{Status: StatusFatal, Attempts: outcome.Attempts, Err: err}
	}
	return StepResult{Status: StatusSuccess, Output: output, Attempts: outcome.Attempts}
}

const clarifierSystemPrompt = `You are an expert business analyst specializing in requirements gathering.
Given the initial request and the available context, either generate 3-5
clarifying questions (when material ambiguity remains) or, if answers are
already provided, an analysis summary with identified gaps and assumptions.
When answers are provided you must not raise further questions.
Respond only with JSON matching the given schema.`

const clarifierSchema = `{"type":"object","required":["analysis_summary"],
"properties":{"questions":{"type":"array"},"analysis_summary":{"type":"string"},
"identified_gaps":{"type":"array"},"assumptions":{"type":"array"}}}`

// runClarifier analyses the request and raises clarifying questions. On a
// re-run with answers present the step must resolve instead of asking
// again.
func (e *AgentExecutor) runClarifier(ctx context.Context, sc StepContext) StepResult {
	var out models.ClarifierOutput
	req := services.CompletionRequest{
		Step:         StepClarifier,
		SystemPrompt: clarifierSystemPrompt,
		UserPrompt: fmt.Sprintf("Initial request:\n%s\n\nAvailable context:\n%s\n\nAnalyst answers:\n%s",
			sc.RequestText, formatContext(sc.Outputs), formatAnswers(sc.Answers)),
		Schema: json.RawMessage(clarifierSchema),
	}
	raw, res, ok := e.complete(ctx, sc, req, &out)
	if !ok {
		return res
	}

	// Answers are in: the exchange is settled, whatever the model says.
	if len(sc.Answers) > 0 {
		out.Questions = nil
		raw, _ = json.Marshal(&out)
	}

	res.Output = raw
	res.Questions = out.Questions
	return res
}

const synthesizerSystemPrompt = `You are an expert business analyst. Produce an AS-IS document
describing the current state, a TO-BE document describing the desired
future state, and a gap analysis between them, grounded in the supplied
context and clarification answers. Respond only with JSON matching the
given schema.`

const synthesizerSchema = `{"type":"object",
"required":["as_is_document","to_be_document","implementation_approach"],
"properties":{"as_is_document":{"type":"object"},"to_be_document":{"type":"object"},
"gap_analysis":{"type":"array"},"implementation_approach":{"type":"string"},
"risks_and_mitigation":{"type":"array"}}}`

// runSynthesizer produces the AS-IS / TO-BE narrative and gap analysis.
func (e *AgentExecutor) runSynthesizer(ctx context.Context, sc StepContext) StepResult {
	var out models.SynthesizerOutput
	req := services.CompletionRequest{
		Step:         StepSynthesizer,
		SystemPrompt: synthesizerSystemPrompt,
		UserPrompt: fmt.Sprintf("Initial request:\n%s\n\nAvailable context:\n%s\n\nClarification:\n%s\n\nAnalyst answers:\n%s",
			sc.RequestText, formatContext(sc.Outputs), formatPriorOutput(sc.Outputs, StepClarifier), formatAnswers(sc.Answers)),
		Schema: json.RawMessage(synthesizerSchema),
	}
	raw, res, ok := e.complete(ctx, sc, req, &out)
	if !ok {
		return res
	}
	res.Output = raw
	return res
}

const taskmasterSystemPrompt = `You are an expert technical lead. Break down the TO-BE document and
gap analysis into concrete developer tasks. Every task needs a stable id,
a title, acceptance criteria, and a priority. Respond only with JSON
matching the given schema.`

const taskmasterSchema = `{"type":"object","required":["tasks","task_breakdown_summary"],
"properties":{"tasks":{"type":"array"},"task_breakdown_summary":{"type":"string"},
"implementation_phases":{"type":"array"},"timeline_estimate":{"type":"string"}}}`

// runTaskmaster derives developer tasks from the synthesis deliverables.
func (e *AgentExecutor) runTaskmaster(ctx context.Context, sc StepContext) StepResult {
	var out models.TaskmasterOutput
	req := services.CompletionRequest{
		Step:         StepTaskmaster,
		SystemPrompt: taskmasterSystemPrompt,
		UserPrompt: fmt.Sprintf("Initial request:\n%s\n\nSynthesis:\n%s",
			sc.RequestText, formatPriorOutput(sc.Outputs, StepSynthesizer)),
		Schema: json.RawMessage(taskmasterSchema),
	}
	raw, res, ok := e.complete(ctx, sc, req, &out)
	if !ok {
		return res
	}
	res.Output = raw
	return res
}

const verifierSystemPrompt = `You are a verification reviewer. Check the generated tasks for
consistency with the TO-BE document and the retrieved context, flag
issues, and produce an approval status of approved, needs_review or
rejected. Respond only with JSON matching the given schema.`

const verifierSchema = `{"type":"object","required":["verification_checks","approval_status"],
"properties":{"verification_checks":{"type":"array"},"recommendations":{"type":"array"},
"flagged_issues":{"type":"array"},"approval_status":{"type":"string"}}}`

// runVerifier validates the full deliverable set.
func (e *AgentExecutor) runVerifier(ctx context.Context, sc StepContext) StepResult {
	var out models.VerifierOutput
	req := services.CompletionRequest{
		Step:         StepVerifier,
		SystemPrompt: verifierSystemPrompt,
		UserPrompt: fmt.Sprintf("Initial request:\n%s\n\nContext:\n%s\n\nSynthesis:\n%s\n\nTasks:\n%s",
			sc.RequestText, formatContext(sc.Outputs),
			formatPriorOutput(sc.Outputs, StepSynthesizer),
			formatPriorOutput(sc.Outputs, StepTaskmaster)),
		Schema: json.RawMessage(verifierSchema),
	}
	raw, res, ok := e.complete(ctx, sc, req, &out)
	if !ok {
		return res
	}
	res.Output = raw
	return res
}

// searchQuery trims the request to its leading words for retrieval.
func searchQuery(request string) string {
	words := strings.Fields(request)
	if len(words) > 10 {
		words = words[:10]
	}
	return strings.Join(words, " ")
}

// formatContext renders retrieved knowledge chunks for a prompt, top
// five results, content truncated.
func formatContext(outputs map[string]json.RawMessage) string {
	raw, ok := outputs[StepContextRetrieval]
	if !ok {
		return "No relevant context found."
	}
	var retrieved models.RetrievedContext
	if err := json.Unmarshal(raw, &retrieved); err != nil || len(retrieved.Results) == 0 {
		return "No relevant context found."
	}
	results := retrieved.Results
	if len(results) > 5 {
		results = results[:5]
	}
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		content := r.Content
		if len(content) > 500 {
			content = content[:500] + "..."
		}
		fmt.Fprintf(&b, "Source: %s\nContent: %s", r.Source, content)
	}
	return b.String()
}

// formatAnswers renders analyst answers for a prompt.
func formatAnswers(answers []models.Answer) string {
	if len(answers) == 0 {
		return "No answers provided."
	}
	var b strings.Builder
	for i, a := range answers {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "Q: %s\nA: %s", a.QuestionID, a.Answer)
	}
	return b.String()
}

// formatPriorOutput inlines a prior step's raw output, or a placeholder.
func formatPriorOutput(outputs map[string]json.RawMessage, step string) string {
	raw, ok := outputs[step]
	if !ok {
		return "(not available)"
	}
	return string(raw)
}

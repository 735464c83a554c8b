package models

import (
	"errors"
	"fmt"
)

// ErrSchemaViolation marks a structured output that failed validation
// against its step schema. The executor treats it as fatal.
var ErrSchemaViolation = errors.New("step output violates schema")

func schemaErr(step, detail string) error {
	return fmt.Errorf("%w: %s: %s", ErrSchemaViolation, step, detail)
}

// KnowledgeChunk is one retrieved piece of supporting material.
type KnowledgeChunk struct {
	Content        string            `json:"chunk_text"`
	Source         string            `json:"source"`
	RelevanceScore float64           `json:"relevance_score"`
	Metadata       map[string]string `json:"source_metadata,omitempty"`
}

// RetrievedContext is the output of the context_retrieval step.
type RetrievedContext struct {
	Query        string           `json:"search_query"`
	Results      []KnowledgeChunk `json:"results"`
	TotalResults int              `json:"total_results"`
}

// Validate checks the retrieval output against its schema.
func (r *RetrievedContext) Validate() error {
	if r.Query == "" {
		return schemaErr("context_retrieval", "missing search_query")
	}
	if r.TotalResults != len(r.Results) {
		return schemaErr("context_retrieval", "total_results does not match results")
	}
	return nil
}

// ClarifierOutput is the structured output of the clarifier step.
type ClarifierOutput struct {
	Questions       []Question `json:"questions"`
	AnalysisSummary string     `json:"analysis_summary"`
	IdentifiedGaps  []string   `json:"identified_gaps"`
	Assumptions     []string   `json:"assumptions"`
}

// Validate checks the clarifier output against its schema.
func (c *ClarifierOutput) Validate() error {
	if c.AnalysisSummary == "" {
		return schemaErr("clarifier", "missing analysis_summary")
	}
	for i, q := range c.Questions {
		if q.QuestionID == "" || q.Question == "" {
			return schemaErr("clarifier", fmt.Sprintf("question %d missing id or text", i))
		}
	}
	return nil
}

// DocumentSection is a section of an AS-IS or TO-BE document.
type DocumentSection struct {
	SectionID string `json:"section_id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Order     int    `json:"order"`
}

// AsIsDocument captures the current state of the analysed system.
type AsIsDocument struct {
	Title            string            `json:"title"`
	ExecutiveSummary string            `json:"executive_summary"`
	Sections         []DocumentSection `json:"sections"`
	PainPoints       []string          `json:"pain_points"`
	Constraints      []string          `json:"constraints"`
}

// ToBeDocument captures the desired future state.
type ToBeDocument struct {
	Title             string            `json:"title"`
	ExecutiveSummary  string            `json:"executive_summary"`
	Sections          []DocumentSection `json:"sections"`
	FutureStateVision string            `json:"future_state_vision"`
	Benefits          []string          `json:"benefits"`
	SuccessCriteria   []string          `json:"success_criteria"`
}

// GapAnalysisItem describes one gap between the AS-IS and TO-BE states.
type GapAnalysisItem struct {
	GapID           string   `json:"gap_id"`
	Description     string   `json:"gap_description"`
	Impact          string   `json:"impact"`
	Priority        string   `json:"priority"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// SynthesizerOutput is the structured output of the synthesizer step.
type SynthesizerOutput struct {
	AsIs                   AsIsDocument      `json:"as_is_document"`
	ToBe                   ToBeDocument      `json:"to_be_document"`
	GapAnalysis            []GapAnalysisItem `json:"gap_analysis"`
	ImplementationApproach string            `json:"implementation_approach"`
	Risks                  []string          `json:"risks_and_mitigation,omitempty"`
}

// Validate checks the synthesizer output against its schema.
func (s *SynthesizerOutput) Validate() error {
	if s.AsIs.Title == "" || s.AsIs.ExecutiveSummary == "" {
		return schemaErr("synthesizer", "as_is_document missing title or executive_summary")
	}
	if s.ToBe.Title == "" || s.ToBe.ExecutiveSummary == "" {
		return schemaErr("synthesizer", "to_be_document missing title or executive_summary")
	}
	if s.ImplementationApproach == "" {
		return schemaErr("synthesizer", "missing implementation_approach")
	}
	return nil
}

// AcceptanceCriterion is one testable criterion on a developer task.
type AcceptanceCriterion struct {
	CriteriaID   string `json:"criteria_id"`
	Description  string `json:"description"`
	TestScenario string `json:"test_scenario,omitempty"`
}

// TechnicalNote is an implementation note attached to a task.
type TechnicalNote struct {
	Category    string `json:"category"`
	Description string `json:"description"`
}

// DeveloperTask is one unit of work derived from the TO-BE document.
type DeveloperTask struct {
	TaskID             string                `json:"task_id"`
	Title              string                `json:"title"`
	Description        string                `json:"description"`
	UserStory          string                `json:"user_story,omitempty"`
	AcceptanceCriteria []AcceptanceCriterion `json:"acceptance_criteria"`
	TechnicalNotes     []TechnicalNote       `json:"technical_notes,omitempty"`
	EstimatedEffort    string                `json:"estimated_effort,omitempty"`
	Priority           string                `json:"priority"`
	Dependencies       []string              `json:"dependencies,omitempty"`
	Labels             []string              `json:"labels,omitempty"`
}

// TaskmasterOutput is the structured output of the taskmaster step.
type TaskmasterOutput struct {
	Tasks                []DeveloperTask `json:"tasks"`
	BreakdownSummary     string          `json:"task_breakdown_summary"`
	ImplementationPhases []string        `json:"implementation_phases,omitempty"`
	TimelineEstimate     string          `json:"timeline_estimate,omitempty"`
}

// Validate checks the taskmaster output against its schema.
func (t *TaskmasterOutput) Validate() error {
	if len(t.Tasks) == 0 {
		return schemaErr("taskmaster", "no tasks generated")
	}
	for i, task := range t.Tasks {
		if task.TaskID == "" || task.Title == "" {
			return schemaErr("taskmaster", fmt.Sprintf("task %d missing id or title", i))
		}
		if len(task.AcceptanceCriteria) == 0 {
			return schemaErr("taskmaster", fmt.Sprintf("task %s has no acceptance criteria", task.TaskID))
		}
	}
	return nil
}

// VerificationCheck is one verification performed by the verifier step.
type VerificationCheck struct {
	CheckID     string  `json:"check_id"`
	CheckType   string  `json:"check_type"`
	Description string  `json:"description"`
	Passed      bool    `json:"result"`
	Confidence  float64 `json:"confidence"`
	Details     string  `json:"details,omitempty"`
}

// VerifierOutput is the structured output of the verifier step.
type VerifierOutput struct {
	Checks          []VerificationCheck `json:"verification_checks"`
	Recommendations []string            `json:"recommendations,omitempty"`
	FlaggedIssues   []string            `json:"flagged_issues,omitempty"`
	ApprovalStatus  string              `json:"approval_status"`
}

// Validate checks the verifier output against its schema.
func (v *VerifierOutput) Validate() error {
	switch v.ApprovalStatus {
	case "approved", "needs_review", "rejected":
	default:
		return schemaErr("verifier", "approval_status must be approved, needs_review or rejected")
	}
	for i, c := range v.Checks {
		if c.CheckID == "" {
			return schemaErr("verifier", fmt.Sprintf("check %d missing check_id", i))
		}
		if c.Confidence < 0 || c.Confidence > 1 {
			return schemaErr("verifier", fmt.Sprintf("check %s confidence out of range", c.CheckID))
		}
	}
	return nil
}

package services

import (
	"context"
	"encoding/json"

	"acp-orchestrator/pkg/models"
)

// CompletionRequest is the structured prompt sent to the completion
// service for one step.
type CompletionRequest struct {
	Step         string          `json:"step"`
	Model        string          `json:"model,omitempty"`
	SystemPrompt string          `json:"system_prompt"`
	UserPrompt   string          `json:"user_prompt"`
	Schema       json.RawMessage `json:"schema,omitempty"`
}

// CompletionClient is an interface for the structured-completion service.
type CompletionClient interface {
	// Complete returns the raw structured output for the request. The
	// caller validates it against the step schema.
	Complete(ctx context.Context, req CompletionRequest) (json.RawMessage, error)
}

// KnowledgeClient is an interface for the knowledge retrieval service.
type KnowledgeClient interface {
	// Query returns up to topK chunks ordered by relevance.
	Query(ctx context.Context, text string, topK int) ([]models.KnowledgeChunk, error)
}

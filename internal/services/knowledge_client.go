package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"acp-orchestrator/internal/resilience"
	"acp-orchestrator/pkg/models"
)

// HTTPKnowledgeClient is an HTTP implementation of the KnowledgeClient
// interface.
type HTTPKnowledgeClient struct {
	url    string
	client *http.Client
}

// NewHTTPKnowledgeClient creates a new HTTPKnowledgeClient.
func NewHTTPKnowledgeClient(url string) *HTTPKnowledgeClient {
	return &HTTPKnowledgeClient{url: url, client: http.DefaultClient}
}

// Query returns up to topK chunks ordered by relevance.
func (c *HTTPKnowledgeClient) Query(ctx context.Context, text string, topK int) ([]models.KnowledgeChunk, error) {
	body, err := json.Marshal(map[string]interface{}{"query": text, "top_k": topK})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+"/v1/query", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("knowledge query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("knowledge service returned status %d", resp.StatusCode)
	}

	var payload struct {
		Results []models.KnowledgeChunk `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, resilience.Fatal(fmt.Errorf("malformed knowledge response: %w", err))
	}
	return payload.Results, nil
}

package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"acp-orchestrator/internal/resilience"
)

// HTTPCompletionClient is an HTTP implementation of the CompletionClient
// interface. Transport errors and non-2xx responses surface as plain
// errors (transient to the resilience wrapper); a body that is not valid
// JSON is marked fatal, because the service answered and retrying an
// identical prompt is not expected to yield a different structure.
type HTTPCompletionClient struct {
	url    string
	apiKey string
	model  string
	client *http.Client
}

// NewHTTPCompletionClient creates a new HTTPCompletionClient.
func NewHTTPCompletionClient(url, apiKey, model string) *HTTPCompletionClient {
	return &HTTPCompletionClient{
		url:    url,
		apiKey: apiKey,
		model:  model,
		client: http.DefaultClient,
	}
}

// Complete posts the structured prompt and returns the raw structured output.
func (c *HTTPCompletionClient) Complete(ctx context.Context, req CompletionRequest) (json.RawMessage, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.url+"/v1/complete", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("completion service returned status %d", resp.StatusCode)
	}

	var payload struct {
		Output json.RawMessage `json:"output"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, resilience.Fatal(fmt.Errorf("malformed completion response: %w", err))
	}
	if len(payload.Output) == 0 {
		return nil, resilience.Fatal(fmt.Errorf("completion response missing output"))
	}
	return payload.Output, nil
}

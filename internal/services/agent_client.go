package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/oauth2/clientcredentials"
)

// HTTPAgentClient is an HTTP implementation of the AgentCapability interface.
// The agent service answers a submission with a task handle and later posts
// the result to the engine's /agent-results endpoint.
type HTTPAgentClient struct {
	url    string
	client *http.Client
}

// NewHTTPAgentClient creates a new HTTPAgentClient. When tokenURL is set the
// client authenticates with the OAuth2 client-credentials grant.
func NewHTTPAgentClient(url, tokenURL, clientID, clientSecret string) *HTTPAgentClient {
	client := http.DefaultClient
	if tokenURL != "" {
		cc := &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
		}
		client = cc.Client(context.Background())
	}
	return &HTTPAgentClient{url: url, client: client}
}

type submitTaskRequest struct {
	AgentType string         `json:"agent_type"`
	Input     map[string]any `json:"input"`
}

type submitTaskResponse struct {
	Handle string `json:"handle"`
}

// SubmitTask submits an agent task and returns its handle.
func (c *HTTPAgentClient) SubmitTask(ctx context.Context, agentType string, input map[string]any) (string, error) {
	requestBody, err := json.Marshal(submitTaskRequest{AgentType: agentType, Input: input})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+"/tasks", bytes.NewBuffer(requestBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("failed to submit agent task: status code %d", resp.StatusCode)
	}

	var out submitTaskResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response body: %w", err)
	}
	if out.Handle == "" {
		return "", fmt.Errorf("agent service returned no task handle")
	}

	return out.Handle, nil
}

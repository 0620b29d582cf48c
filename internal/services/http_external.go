package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"procgenie/backend/pkg/models"
)

// HTTPExternalAdapter calls integrations exposed over HTTP. Each integration
// ID maps to a base URL; operations are POSTed to {base}/operations/{op} and
// compensations to {base}/compensations/{action}. The dedup key travels in
// the Idempotency-Key header.
type HTTPExternalAdapter struct {
	baseURLs map[string]string
	client   *http.Client
}

// NewHTTPExternalAdapter creates a new HTTPExternalAdapter.
func NewHTTPExternalAdapter(baseURLs map[string]string, client *http.Client) *HTTPExternalAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPExternalAdapter{baseURLs: baseURLs, client: client}
}

func (a *HTTPExternalAdapter) post(ctx context.Context, integrationID, path, idempotencyKey string, body map[string]any) (map[string]any, error) {
	base, ok := a.baseURLs[integrationID]
	if !ok {
		return nil, fmt.Errorf("unknown integration %q", integrationID)
	}

	requestBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", base+path, bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &models.ExternalCallTransientError{IntegrationID: integrationID, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &models.ExternalCallTransientError{IntegrationID: integrationID, Err: fmt.Errorf("status code %d", resp.StatusCode)}
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("integration %s rejected request: status code %d", integrationID, resp.StatusCode)
	}

	out := map[string]any{}
	if resp.StatusCode == http.StatusNoContent {
		return out, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}
	return out, nil
}

// Invoke runs an operation.
func (a *HTTPExternalAdapter) Invoke(ctx context.Context, integrationID, operation, dedupKey string, fields map[string]any) (map[string]any, error) {
	return a.post(ctx, integrationID, "/operations/"+url.PathEscape(operation), dedupKey, fields)
}

// Compensate runs a compensation action with the context recorded at invoke time.
func (a *HTTPExternalAdapter) Compensate(ctx context.Context, integrationID, action string, recorded map[string]any) error {
	_, err := a.post(ctx, integrationID, "/compensations/"+url.PathEscape(action), "", recorded)
	return err
}

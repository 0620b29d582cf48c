package services

import (
	"context"

	"procgenie/backend/pkg/models"
)

// DirectoryLookup resolves a named approver/assignee resolver into user IDs.
type DirectoryLookup interface {
	Resolve(ctx context.Context, expression string, vars map[string]any) ([]string, error)
}

// AgentCapability runs agent tasks asynchronously. Results arrive later
// through the runtime's OnAgentResult callback, keyed by the returned handle.
type AgentCapability interface {
	SubmitTask(ctx context.Context, agentType string, input map[string]any) (handle string, err error)
}

// NotificationSink delivers templated messages.
type NotificationSink interface {
	Send(ctx context.Context, recipients []string, channel, templateID string, data map[string]any) error
}

// ExternalSystemAdapter invokes external integrations. Invoke must be
// idempotent for a given dedupKey.
type ExternalSystemAdapter interface {
	Invoke(ctx context.Context, integrationID, operation, dedupKey string, fields map[string]any) (map[string]any, error)
	Compensate(ctx context.Context, integrationID, action string, recorded map[string]any) error
}

// AuditSink records state transitions. Record must not block workflow progress.
type AuditSink interface {
	Record(ctx context.Context, event models.Event)
}

// EntityStatusSink marks the triggering entity with the terminal workflow outcome.
type EntityStatusSink interface {
	MarkOutcome(ctx context.Context, entityType, entityID string, status models.InstanceStatus, reason string) error
}

// OperatorAlerts surfaces failures that need manual reconciliation.
type OperatorAlerts interface {
	Alert(ctx context.Context, instanceID, message string, fields map[string]any)
}

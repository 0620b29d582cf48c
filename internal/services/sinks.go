package services

import (
	"context"

	"procgenie/backend/internal/logging"
	"procgenie/backend/pkg/models"
)

// LogNotificationSink writes notifications to the log instead of delivering them.
type LogNotificationSink struct {
	logger *logging.Logger
}

// NewLogNotificationSink creates a new LogNotificationSink.
func NewLogNotificationSink(logger *logging.Logger) *LogNotificationSink {
	return &LogNotificationSink{logger: logger}
}

func (s *LogNotificationSink) Send(ctx context.Context, recipients []string, channel, templateID string, data map[string]any) error {
	s.logger.Info("notification", "recipients", recipients, "channel", channel, "template_id", templateID, "data", data)
	return nil
}

// LogEntityStatusSink logs entity outcomes.
type LogEntityStatusSink struct {
	logger *logging.Logger
}

// NewLogEntityStatusSink creates a new LogEntityStatusSink.
func NewLogEntityStatusSink(logger *logging.Logger) *LogEntityStatusSink {
	return &LogEntityStatusSink{logger: logger}
}

func (s *LogEntityStatusSink) MarkOutcome(ctx context.Context, entityType, entityID string, status models.InstanceStatus, reason string) error {
	s.logger.Info("entity outcome", "entity_type", entityType, "entity_id", entityID, "status", status, "reason", reason)
	return nil
}

// LogOperatorAlerts raises alerts as error-level log entries.
type LogOperatorAlerts struct {
	logger *logging.Logger
}

// NewLogOperatorAlerts creates a new LogOperatorAlerts.
func NewLogOperatorAlerts(logger *logging.Logger) *LogOperatorAlerts {
	return &LogOperatorAlerts{logger: logger}
}

func (a *LogOperatorAlerts) Alert(ctx context.Context, instanceID, message string, fields map[string]any) {
	a.logger.Error("operator alert", "instance_id", instanceID, "message", message, "fields", fields)
}

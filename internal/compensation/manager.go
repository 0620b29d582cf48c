// Package compensation undoes completed external side effects of a failed
// instance. It is best effort: every attempt is logged once and failures
// raise an operator alert instead of stopping the walk.
package compensation

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"procgenie/backend/internal/clock"
	"procgenie/backend/internal/logging"
	"procgenie/backend/internal/services"
	"procgenie/backend/pkg/models"
)

// Manager runs compensation actions through the external system adapter.
type Manager struct {
	adapter services.ExternalSystemAdapter
	alerts  services.OperatorAlerts
	audit   services.AuditSink
	clock   clock.Clock
	logger  *logging.Logger
}

// NewManager creates a new Manager. alerts and audit may be nil.
func NewManager(adapter services.ExternalSystemAdapter, alerts services.OperatorAlerts, audit services.AuditSink, clk clock.Clock, logger *logging.Logger) *Manager {
	return &Manager{adapter: adapter, alerts: alerts, audit: audit, clock: clk, logger: logger}
}

func compensable(step *models.StepInstance) bool {
	return step.CompensationAction != "" && step.Status == models.StepCompleted
}

// Compensate walks completed steps newest first and compensates each one
// that registered an action and has not been attempted yet. It returns the
// number of failed attempts.
func (m *Manager) Compensate(ctx context.Context, inst *models.WorkflowInstance) int {
	return m.CompensateSteps(ctx, inst, inst.CompletedInReverse())
}

// CompensateSteps compensates the given steps in order, skipping any that
// are not compensable or were already attempted.
func (m *Manager) CompensateSteps(ctx context.Context, inst *models.WorkflowInstance, steps []*models.StepInstance) int {
	failed := 0
	for _, step := range steps {
		if !compensable(step) || inst.Compensated(step.ID) {
			continue
		}
		if !m.run(ctx, inst, step, false).Success {
			failed++
		}
	}
	if failed > 0 {
		m.logger.Warn("compensation incomplete", "instance_id", inst.ID, "failed", failed)
	}
	return failed
}

// Replay re-attempts the compensation of one step whose earlier attempt
// failed. The adapter sees the same dedup key as the original call.
func (m *Manager) Replay(ctx context.Context, inst *models.WorkflowInstance, stepInstanceID string) (models.CompensationEntry, error) {
	step, ok := inst.Step(stepInstanceID)
	if !ok {
		return models.CompensationEntry{}, fmt.Errorf("step %s: %w", stepInstanceID, models.ErrNotFound)
	}
	if !compensable(step) {
		return models.CompensationEntry{}, fmt.Errorf("step %s has no compensation action", stepInstanceID)
	}
	for _, e := range inst.CompensationLog {
		if e.StepID == stepInstanceID && e.Success {
			return models.CompensationEntry{}, fmt.Errorf("step %s is already compensated: %w", stepInstanceID, models.ErrConflict)
		}
	}
	entry := m.run(ctx, inst, step, true)
	if !entry.Success {
		return entry, &models.CompensationFailure{StepID: step.ID, Action: step.CompensationAction, Err: fmt.Errorf("%s", entry.Error)}
	}
	return entry, nil
}

func (m *Manager) run(ctx context.Context, inst *models.WorkflowInstance, step *models.StepInstance, replay bool) models.CompensationEntry {
	recorded := make(map[string]any, len(step.RecordedContext)+1)
	models.MergeContext(recorded, step.RecordedContext)
	recorded["dedup_key"] = step.DedupKey

	err := m.adapter.Compensate(ctx, step.IntegrationID, step.CompensationAction, recorded)
	entry := models.CompensationEntry{
		StepID:     step.ID,
		Action:     step.CompensationAction,
		ExecutedAt: m.clock.Now(),
		Success:    err == nil,
		Replay:     replay,
	}
	eventType := models.EventCompensationApplied
	if err != nil {
		entry.Error = err.Error()
		eventType = models.EventCompensationFailed
		m.logger.Error("compensation failed",
			"instance_id", inst.ID, "step_instance_id", step.ID, "action", step.CompensationAction, "error", err)
		if m.alerts != nil {
			m.alerts.Alert(ctx, inst.ID, "compensation failed", map[string]any{
				"step_instance_id": step.ID,
				"integration_id":   step.IntegrationID,
				"action":           step.CompensationAction,
				"error":            err.Error(),
			})
		}
	} else {
		m.logger.Info("compensation applied", "instance_id", inst.ID, "step_instance_id", step.ID, "action", step.CompensationAction)
	}
	inst.CompensationLog = append(inst.CompensationLog, entry)

	if m.audit != nil {
		m.audit.Record(ctx, models.Event{
			ID:             uuid.New().String(),
			Type:           eventType,
			TenantID:       inst.TenantID,
			InstanceID:     inst.ID,
			StepInstanceID: step.ID,
			StepID:         step.DefinitionStepID,
			Data:           map[string]any{"action": step.CompensationAction, "replay": replay},
			OccurredAt:     entry.ExecutedAt,
		})
	}
	return entry
}

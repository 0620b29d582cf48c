package runtime

import (
	"context"
	"errors"
	"fmt"

	"procgenie/backend/internal/executor"
	"procgenie/backend/pkg/models"
)

// StartChild starts a sub-workflow for a parent step. The child inherits
// the parent's tenant and entity.
func (t *tx) StartChild(ctx context.Context, parent *models.StepInstance, category string, input map[string]any) (string, error) {
	depth := t.inst.Depth + 1
	if depth > t.rt.cfg.MaxSubWorkflowDepth {
		return "", fmt.Errorf("depth %d: %w", depth, models.ErrDepthExceeded)
	}
	child, err := t.rt.start(ctx, StartRequest{
		TenantID:   t.inst.TenantID,
		Category:   category,
		EntityID:   t.inst.EntityID,
		EntityType: t.inst.EntityType,
		Context:    input,
	}, &parentLink{instanceID: t.inst.ID, stepID: parent.ID, depth: depth, hoist: t})
	if err != nil {
		return "", fmt.Errorf("failed to start sub-workflow %s: %w", category, err)
	}
	return child.ID, nil
}

func (r *Runtime) childDone(ctx context.Context, child *models.WorkflowInstance) error {
	_, err := r.withInstance(ctx, child.ParentInstanceID, "child_done", func(t *tx) error {
		if t.inst.Status.Terminal() || t.inst.Status == models.InstanceSuspended {
			// A suspended parent collects the child on Resume.
			return nil
		}
		_, err := t.deliverChild(child)
		return err
	})
	return err
}

func (t *tx) deliverChild(child *models.WorkflowInstance) (*models.StepInstance, error) {
	step, ok := t.inst.Step(child.ParentStepInstanceID)
	if !ok || !step.Live() || step.ChildInstanceID != child.ID {
		return nil, nil
	}
	return t.deliverActive(step.ID, executor.Input{
		Kind:        executor.InputChildDone,
		ChildStatus: child.Status,
		ChildReason: child.Reason,
		Data:        child.Context,
	})
}

// collectFinishedChildren delivers sub-workflows that ended while this
// instance could not take their result.
func (t *tx) collectFinishedChildren() error {
	var children []string
	for _, step := range t.inst.LiveSteps() {
		if step.Type == models.StepTypeSubWorkflow && step.ChildInstanceID != "" {
			children = append(children, step.ChildInstanceID)
		}
	}
	for _, id := range children {
		if t.stopped() {
			return nil
		}
		child, err := t.rt.Instances.GetInstance(t.ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if !child.Status.Terminal() {
			continue
		}
		if _, err := t.deliverChild(child); err != nil && !refusedInput(err) {
			return err
		}
	}
	return nil
}

func (r *Runtime) cancelChild(ctx context.Context, childID string) {
	_, err := r.Cancel(ctx, childID, "", "parent step skipped")
	if err != nil && !errors.Is(err, models.ErrInstanceTerminal) {
		r.Logger.Warn("failed to cancel sub-workflow", "instance_id", childID, "error", err)
	}
}

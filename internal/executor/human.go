package executor

import (
	"context"
	"fmt"
	"slices"

	"procgenie/backend/internal/expression"
	"procgenie/backend/pkg/models"
)

// HumanTask waits for any one assignee to complete the task.
type HumanTask struct {
	eval *expression.Evaluator
}

func (h *HumanTask) Activate(ctx context.Context, env *Env, step *models.StepInstance) (Activation, error) {
	cfg := env.Step.HumanTask
	users, err := resolveAssignees(ctx, h.eval, env, cfg.AssigneeIDs, cfg.AssigneeExpression)
	if err != nil {
		return Activation{}, err
	}
	step.Assignees = users
	step.Status = models.StepCurrent
	return Activation{}, nil
}

func (h *HumanTask) Complete(ctx context.Context, env *Env, step *models.StepInstance, in Input) (Completion, error) {
	if in.Kind != InputTaskComplete {
		return Completion{}, rejectInput(step, in)
	}
	if !slices.Contains(step.Assignees, in.ActorID) {
		return Completion{}, fmt.Errorf("actor %s on step %s: %w", in.ActorID, step.ID, models.ErrNotAssignee)
	}
	step.Result = in.Data
	step.Status = models.StepCompleted
	return Completion{Done: true}, nil
}

package executor

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"procgenie/backend/internal/expression"
	"procgenie/backend/internal/services"
	"procgenie/backend/pkg/models"
)

// AgentTask hands work to the agent capability and resumes on its result.
// Results below the confidence threshold raise a HITL checkpoint.
type AgentTask struct {
	eval   *expression.Evaluator
	agents services.AgentCapability
}

func (a *AgentTask) Activate(ctx context.Context, env *Env, step *models.StepInstance) (Activation, error) {
	cfg := env.Step.Agent
	if a.agents == nil {
		return Activation{}, fmt.Errorf("agent step %s: no agent capability configured", env.Step.ID)
	}
	handle, err := a.agents.SubmitTask(ctx, cfg.AgentType, mapInputs(cfg.InputMapping, env.Inst.Context))
	if err != nil {
		return Activation{}, fmt.Errorf("failed to submit %s task: %w", cfg.AgentType, err)
	}
	step.TaskHandle = handle
	step.Status = models.StepCurrent
	return Activation{}, nil
}

func (a *AgentTask) Complete(ctx context.Context, env *Env, step *models.StepInstance, in Input) (Completion, error) {
	switch in.Kind {
	case InputAgentResult:
		return a.onResult(ctx, env, step, in)
	case InputCheckpoint:
		return a.onCheckpoint(env, step, in)
	}
	return Completion{}, rejectInput(step, in)
}

func (a *AgentTask) onResult(ctx context.Context, env *Env, step *models.StepInstance, in Input) (Completion, error) {
	if step.HITL != nil {
		return Completion{}, fmt.Errorf("step %s already has a result under review: %w", step.ID, models.ErrStepNotActive)
	}
	cfg := env.Step.Agent
	if in.Confidence >= cfg.HITLThreshold {
		step.Result = in.Data
		step.Status = models.StepCompleted
		return Completion{Done: true}, nil
	}

	var reviewers []string
	if cfg.ReviewerExpression != "" {
		users, err := a.eval.ResolveUsers(ctx, cfg.ReviewerExpression, env.Inst.Context)
		if err != nil {
			return Completion{}, err
		}
		reviewers = applyDelegations(env.Def, env.Step.ID, users, env.Now)
	}
	step.HITL = &models.HITLCheckpoint{
		ID:             uuid.New().String(),
		Confidence:     in.Confidence,
		Threshold:      cfg.HITLThreshold,
		ProposedOutput: in.Data,
		Assignees:      reviewers,
		CreatedAt:      env.Now,
	}
	step.Assignees = reviewers
	return Completion{CheckpointRaised: true}, nil
}

func (a *AgentTask) onCheckpoint(env *Env, step *models.StepInstance, in Input) (Completion, error) {
	cp := step.HITL
	if cp == nil || cp.ResolvedAt != nil {
		return Completion{}, fmt.Errorf("step %s has no open checkpoint: %w", step.ID, models.ErrStepNotActive)
	}
	if len(cp.Assignees) > 0 && !slices.Contains(cp.Assignees, in.ActorID) {
		return Completion{}, fmt.Errorf("actor %s on checkpoint %s: %w", in.ActorID, cp.ID, models.ErrNotAssignee)
	}
	now := env.Now
	approved := in.Approve
	cp.ResolvedBy = in.ActorID
	cp.ResolvedAt = &now
	cp.Approved = &approved

	if !approved {
		step.Status = models.StepRejected
		return Completion{Done: true}, nil
	}
	result := make(map[string]any, len(cp.ProposedOutput)+len(in.Data))
	models.MergeContext(result, cp.ProposedOutput)
	models.MergeContext(result, in.Data)
	step.Result = result
	step.Status = models.StepCompleted
	return Completion{Done: true}, nil
}

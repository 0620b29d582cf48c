package executor

import (
	"context"
	"fmt"

	"procgenie/backend/internal/expression"
	"procgenie/backend/internal/logging"
	"procgenie/backend/internal/services"
	"procgenie/backend/pkg/models"
)

// Notification sends a templated message and completes on activation.
type Notification struct {
	eval   *expression.Evaluator
	sink   services.NotificationSink
	logger *logging.Logger
}

func (n *Notification) Activate(ctx context.Context, env *Env, step *models.StepInstance) (Activation, error) {
	cfg := env.Step.Notify
	recipients, err := n.eval.ResolveUsers(ctx, cfg.RecipientExpression, env.Inst.Context)
	if err != nil {
		return Activation{}, err
	}
	step.Assignees = recipients

	if err := n.send(ctx, recipients, cfg, env.Inst.Context); err != nil {
		if cfg.FailOnError {
			return Activation{}, fmt.Errorf("notification step %s: %w", env.Step.ID, err)
		}
		n.logger.Warn("notification failed", "instance_id", env.Inst.ID, "step_id", env.Step.ID, "error", err)
		step.Error = err.Error()
	}
	step.Status = models.StepCompleted
	return Activation{Done: true}, nil
}

func (n *Notification) send(ctx context.Context, recipients []string, cfg *models.NotificationConfig, vars map[string]any) error {
	if n.sink == nil {
		return fmt.Errorf("no notification sink configured")
	}
	if len(recipients) == 0 {
		return fmt.Errorf("%q resolved to no recipients", cfg.RecipientExpression)
	}
	return n.sink.Send(ctx, recipients, cfg.Channel, cfg.TemplateID, mapInputs(cfg.DataMapping, vars))
}

func (n *Notification) Complete(ctx context.Context, env *Env, step *models.StepInstance, in Input) (Completion, error) {
	return Completion{}, rejectInput(step, in)
}

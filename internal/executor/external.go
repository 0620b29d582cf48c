package executor

import (
	"context"
	"fmt"

	"procgenie/backend/internal/services"
	"procgenie/backend/pkg/models"
)

// ExternalSystem invokes an integration synchronously and records what
// compensation needs to undo it.
type ExternalSystem struct {
	adapter services.ExternalSystemAdapter
}

// DedupKey is stable per (instance, step definition) so that replays reach
// the integration with the same key.
func DedupKey(instanceID, stepDefID string) string {
	return instanceID + ":" + stepDefID
}

func (x *ExternalSystem) Activate(ctx context.Context, env *Env, step *models.StepInstance) (Activation, error) {
	cfg := env.Step.External
	if x.adapter == nil {
		return Activation{}, fmt.Errorf("external step %s: no adapter configured", env.Step.ID)
	}
	key := DedupKey(env.Inst.ID, env.Step.ID)
	fields := mapInputs(cfg.FieldMapping, env.Inst.Context)

	step.IntegrationID = cfg.IntegrationID
	step.CompensationAction = cfg.CompensationAction
	step.DedupKey = key

	result, err := x.adapter.Invoke(ctx, cfg.IntegrationID, cfg.Operation, key, fields)
	if err != nil {
		return Activation{}, err
	}
	step.RecordedContext = map[string]any{"fields": fields, "result": result}
	step.Result = result
	step.Status = models.StepCompleted
	return Activation{Done: true}, nil
}

func (x *ExternalSystem) Complete(ctx context.Context, env *Env, step *models.StepInstance, in Input) (Completion, error) {
	return Completion{}, rejectInput(step, in)
}

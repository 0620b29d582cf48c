package executor

import (
	"context"
	"fmt"

	"procgenie/backend/pkg/models"
)

// SubWorkflow starts a child instance and completes when the child finishes.
type SubWorkflow struct{}

func (s *SubWorkflow) Activate(ctx context.Context, env *Env, step *models.StepInstance) (Activation, error) {
	if env.Children == nil {
		return Activation{}, fmt.Errorf("sub-workflow step %s: no child starter", env.Step.ID)
	}
	cfg := env.Step.SubWorkflow
	step.Status = models.StepCurrent
	childID, err := env.Children.StartChild(ctx, step, cfg.Category, mapInputs(cfg.InputMapping, env.Inst.Context))
	if err != nil {
		return Activation{}, err
	}
	step.ChildInstanceID = childID
	return Activation{}, nil
}

func (s *SubWorkflow) Complete(ctx context.Context, env *Env, step *models.StepInstance, in Input) (Completion, error) {
	if in.Kind != InputChildDone {
		return Completion{}, rejectInput(step, in)
	}
	switch in.ChildStatus {
	case models.InstanceCompleted:
		step.Result = mapOutputs(env.Step.SubWorkflow.OutputMapping, in.Data)
		step.Status = models.StepCompleted
		return Completion{Done: true}, nil
	case models.InstanceRejected:
		step.Status = models.StepRejected
		step.Error = in.ChildReason
		return Completion{Done: true}, nil
	default:
		return Completion{}, fmt.Errorf("sub-workflow %s ended %s: %s", step.ChildInstanceID, in.ChildStatus, in.ChildReason)
	}
}

// mapOutputs copies child context paths into parent keys. An empty mapping
// passes nothing back.
func mapOutputs(mapping map[string]string, child map[string]any) map[string]any {
	if len(mapping) == 0 {
		return nil
	}
	return mapInputs(mapping, child)
}

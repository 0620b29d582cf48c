package executor

import (
	"context"
	"fmt"
	"slices"

	"procgenie/backend/internal/clock"
	"procgenie/backend/pkg/models"
)

// Timer waits for its duration and then applies the configured expiry action.
type Timer struct{}

func (t *Timer) Activate(ctx context.Context, env *Env, step *models.StepInstance) (Activation, error) {
	d, err := clock.ParseDuration(env.Step.Timer.Duration)
	if err != nil {
		return Activation{}, fmt.Errorf("timer step %s: %w", env.Step.ID, err)
	}
	step.Status = models.StepCurrent
	return Activation{Timers: []TimerRequest{{
		Kind:  models.TimerStepExpiry,
		DueAt: env.Now.Add(d),
	}}}, nil
}

func (t *Timer) Complete(ctx context.Context, env *Env, step *models.StepInstance, in Input) (Completion, error) {
	switch in.Kind {
	case InputTimerFired:
	case InputTaskComplete:
		// An escalated timer waits for a human to release it.
		if step.EscalationLevel == 0 {
			return Completion{}, rejectInput(step, in)
		}
		if len(step.Assignees) > 0 && !slices.Contains(step.Assignees, in.ActorID) {
			return Completion{}, fmt.Errorf("actor %s on step %s: %w", in.ActorID, step.ID, models.ErrNotAssignee)
		}
		step.Result = in.Data
		step.Status = models.StepCompleted
		return Completion{Done: true}, nil
	default:
		return Completion{}, rejectInput(step, in)
	}

	switch env.Step.Timer.OnExpiry {
	case models.ExpiryEscalate:
		return Completion{Escalate: true}, nil
	case models.ExpiryCancel:
		step.Status = models.StepTimedOut
		return Completion{Done: true, CancelInstance: true}, nil
	default:
		step.Status = models.StepCompleted
		return Completion{Done: true}, nil
	}
}

// Package executor implements activation and completion for every step type.
// Executors mutate the step instance handed to them; the runtime owns
// persistence, routing of successors and the instance status.
package executor

import (
	"context"
	"fmt"
	"slices"
	"time"

	"procgenie/backend/internal/expression"
	"procgenie/backend/internal/logging"
	"procgenie/backend/internal/services"
	"procgenie/backend/pkg/models"
)

// ChildStarter starts a sub-workflow instance on behalf of a parent step.
type ChildStarter interface {
	StartChild(ctx context.Context, parent *models.StepInstance, category string, input map[string]any) (childID string, err error)
}

// Env is what an executor sees of the instance it runs in.
type Env struct {
	Def      *models.WorkflowDefinition
	Step     *models.StepDefinition
	Inst     *models.WorkflowInstance
	Now      time.Time
	Children ChildStarter
}

// TimerRequest asks the runtime to schedule a durable timer for the step.
type TimerRequest struct {
	Kind  models.TimerKind
	Level int
	DueAt time.Time
}

// Activation is the outcome of activating a step.
type Activation struct {
	// Done means the step reached a terminal status during activation.
	Done   bool
	Timers []TimerRequest
}

// InputKind names the external signal delivered to a waiting step.
type InputKind string

const (
	InputDecision     InputKind = "decision"
	InputTaskComplete InputKind = "task_complete"
	InputAgentResult  InputKind = "agent_result"
	InputCheckpoint   InputKind = "checkpoint"
	InputTimerFired   InputKind = "timer_fired"
	InputChildDone    InputKind = "child_done"
)

// Input is an external signal for a waiting step.
type Input struct {
	Kind        InputKind
	ActorID     string
	Decision    models.Decision
	DelegateTo  string
	Comments    string
	Data        map[string]any
	Confidence  float64
	Approve     bool
	ChildStatus models.InstanceStatus
	ChildReason string
}

// Completion is the outcome of delivering an Input.
type Completion struct {
	// Done means the step reached a terminal status.
	Done bool
	// CheckpointRaised means a HITL checkpoint now blocks the step.
	CheckpointRaised bool
	// Escalate asks the runtime to raise the step's next escalation level.
	Escalate bool
	// CancelInstance asks the runtime to cancel the whole instance.
	CancelInstance bool
}

// StepExecutor is implemented once per step type.
type StepExecutor interface {
	Activate(ctx context.Context, env *Env, step *models.StepInstance) (Activation, error)
	Complete(ctx context.Context, env *Env, step *models.StepInstance, in Input) (Completion, error)
}

// Deps are the collaborators executors call out to.
type Deps struct {
	Eval     *expression.Evaluator
	Agents   services.AgentCapability
	Notifier services.NotificationSink
	External services.ExternalSystemAdapter
	Logger   *logging.Logger
}

// Registry maps step types to executors.
type Registry struct {
	executors map[models.StepType]StepExecutor
	eval      *expression.Evaluator
}

// NewRegistry creates a Registry with an executor for every step type.
func NewRegistry(d Deps) *Registry {
	auto := autoComplete{}
	return &Registry{
		eval: d.Eval,
		executors: map[models.StepType]StepExecutor{
			models.StepTypeStart:           auto,
			models.StepTypeEnd:             auto,
			models.StepTypeConditionalGate: auto,
			models.StepTypeParallelBranch:  auto,
			models.StepTypeApproval:        &Approval{eval: d.Eval},
			models.StepTypeHumanTask:       &HumanTask{eval: d.Eval},
			models.StepTypeTimer:           &Timer{},
			models.StepTypeAgentTask:       &AgentTask{eval: d.Eval, agents: d.Agents},
			models.StepTypeNotification:    &Notification{eval: d.Eval, sink: d.Notifier, logger: d.Logger},
			models.StepTypeExternalSystem:  &ExternalSystem{adapter: d.External},
			models.StepTypeSubWorkflow:     &SubWorkflow{},
		},
	}
}

// For returns the executor of a step type.
func (r *Registry) For(t models.StepType) (StepExecutor, error) {
	exec, ok := r.executors[t]
	if !ok {
		return nil, fmt.Errorf("no executor for step type %q", t)
	}
	return exec, nil
}

// autoComplete finishes immediately on activation. Gate and parallel
// steps complete this way; their successors are chosen by Route.
type autoComplete struct{}

func (autoComplete) Activate(ctx context.Context, env *Env, step *models.StepInstance) (Activation, error) {
	step.Status = models.StepCompleted
	return Activation{Done: true}, nil
}

func (autoComplete) Complete(ctx context.Context, env *Env, step *models.StepInstance, in Input) (Completion, error) {
	return Completion{}, rejectInput(step, in)
}

func rejectInput(step *models.StepInstance, in Input) error {
	return fmt.Errorf("%s step %s does not accept %s: %w", step.Type, step.ID, in.Kind, models.ErrStepNotActive)
}

// mapInputs builds a payload by reading each mapped dotted path from the
// context. Unmapped definitions pass the whole context.
func mapInputs(mapping map[string]string, vars map[string]any) map[string]any {
	if len(mapping) == 0 {
		out := make(map[string]any, len(vars))
		for k, v := range vars {
			out[k] = v
		}
		return out
	}
	out := make(map[string]any, len(mapping))
	for key, path := range mapping {
		if v, ok := expression.Lookup(vars, path); ok {
			out[key] = v
		}
	}
	return out
}

// resolveAssignees unions static IDs with the resolved expression and applies
// active delegation rules.
func resolveAssignees(ctx context.Context, eval *expression.Evaluator, env *Env, static []string, expr string) ([]string, error) {
	users := slices.Clone(static)
	if expr != "" {
		resolved, err := eval.ResolveUsers(ctx, expr, env.Inst.Context)
		if err != nil {
			return nil, err
		}
		users = append(users, resolved...)
	}
	users = applyDelegations(env.Def, env.Step.ID, users, env.Now)
	if len(users) == 0 {
		return nil, &models.UnresolvableApproverError{StepID: env.Step.ID, Expression: expr}
	}
	return users, nil
}

func applyDelegations(def *models.WorkflowDefinition, stepID string, users []string, now time.Time) []string {
	seen := make(map[string]bool, len(users))
	out := make([]string, 0, len(users))
	for _, u := range users {
		for _, rule := range def.DelegationRules {
			if rule.FromUserID == u && rule.ActiveAt(stepID, now) {
				u = rule.ToUserID
				break
			}
		}
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}

// Package runtime is the workflow state machine. It advances instances
// through their pinned definition, serializes every mutation of one
// instance behind a per-instance lock and persists each completed step
// before any successor is activated.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"procgenie/backend/internal/clock"
	"procgenie/backend/internal/compensation"
	"procgenie/backend/internal/escalation"
	"procgenie/backend/internal/executor"
	"procgenie/backend/internal/expression"
	"procgenie/backend/internal/lock"
	"procgenie/backend/internal/logging"
	"procgenie/backend/internal/repository"
	"procgenie/backend/internal/services"
	"procgenie/backend/internal/telemetry"
	"procgenie/backend/pkg/models"
)

// Definitions is the read side of the graph store.
type Definitions interface {
	GetDefinition(ctx context.Context, id string, version int) (*models.WorkflowDefinition, error)
	GetActiveDefinition(ctx context.Context, tenantID, category string) (*models.WorkflowDefinition, error)
}

// Deps are the runtime's collaborators. Notifier, Audit, Entities and
// Metrics may be nil.
type Deps struct {
	Definitions  Definitions
	Instances    repository.InstanceStore
	Timers       *clock.TimerService
	Locker       lock.Locker
	Executors    *executor.Registry
	Eval         *expression.Evaluator
	Compensation *compensation.Manager
	Notifier     services.NotificationSink
	Audit        services.AuditSink
	Entities     services.EntityStatusSink
	Metrics      *telemetry.Metrics
	Clock        clock.Clock
	Logger       *logging.Logger
}

// Config tunes the runtime.
type Config struct {
	MaxSubWorkflowDepth int
	// SuspendedRetry delays timers that fire while their instance is suspended.
	SuspendedRetry time.Duration
}

// Runtime is the WorkflowRuntime.
type Runtime struct {
	Deps
	cfg     Config
	tracer  trace.Tracer
	cancels sync.Map
}

var _ escalation.Handler = (*Runtime)(nil)

// New creates a new Runtime.
func New(d Deps, cfg Config) *Runtime {
	if cfg.MaxSubWorkflowDepth <= 0 {
		cfg.MaxSubWorkflowDepth = 8
	}
	if cfg.SuspendedRetry <= 0 {
		cfg.SuspendedRetry = 5 * time.Minute
	}
	return &Runtime{Deps: d, cfg: cfg, tracer: otel.Tracer("procgenie/runtime")}
}

// StartRequest triggers a new instance. Either Category or DefinitionID
// (with an optional Version) selects the definition.
type StartRequest struct {
	TenantID     string         `json:"tenant_id"`
	Category     string         `json:"category,omitempty"`
	DefinitionID string         `json:"definition_id,omitempty"`
	Version      int            `json:"version,omitempty"`
	EntityID     string         `json:"entity_id"`
	EntityType   string         `json:"entity_type"`
	Context      map[string]any `json:"context,omitempty"`
	ActorID      string         `json:"actor_id,omitempty"`
}

// DecisionRequest is an approver's decision on an Approval step.
type DecisionRequest struct {
	InstanceID     string          `json:"instance_id"`
	StepInstanceID string          `json:"step_instance_id"`
	ActorID        string          `json:"actor_id"`
	Decision       models.Decision `json:"decision"`
	DelegateTo     string          `json:"delegate_to,omitempty"`
	Comments       string          `json:"comments,omitempty"`
}

// parentLink ties a child instance to the step that started it.
type parentLink struct {
	instanceID string
	stepID     string
	depth      int
	hoist      *tx
}

// Start creates an instance of the requested definition and runs it until
// every live step waits on external input.
func (r *Runtime) Start(ctx context.Context, req StartRequest) (*models.WorkflowInstance, error) {
	return r.start(ctx, req, nil)
}

func (r *Runtime) resolveDefinition(ctx context.Context, req StartRequest) (*models.WorkflowDefinition, error) {
	if req.DefinitionID != "" {
		version := req.Version
		if version == 0 {
			return nil, fmt.Errorf("definition %s: a version is required: %w", req.DefinitionID, models.ErrInvalidInput)
		}
		def, err := r.Definitions.GetDefinition(ctx, req.DefinitionID, version)
		if err != nil {
			return nil, err
		}
		if def.Status == models.DefinitionStatusDraft {
			return nil, fmt.Errorf("definition %s v%d is a draft: %w", def.ID, def.Version, models.ErrInvalidInput)
		}
		return def, nil
	}
	if req.Category == "" {
		return nil, fmt.Errorf("a category or definition id is required: %w", models.ErrInvalidInput)
	}
	return r.Definitions.GetActiveDefinition(ctx, req.TenantID, req.Category)
}

func (r *Runtime) start(ctx context.Context, req StartRequest, parent *parentLink) (*models.WorkflowInstance, error) {
	ctx, span := r.tracer.Start(ctx, "workflow.start", trace.WithAttributes(
		attribute.String("workflow.tenant_id", req.TenantID),
		attribute.String("workflow.category", req.Category),
	))
	defer span.End()

	def, err := r.resolveDefinition(ctx, req)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	vars, err := models.NormalizeContext(req.Context)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	if _, ok := vars["requester"]; !ok && req.ActorID != "" {
		vars["requester"] = map[string]any{"id": req.ActorID}
	}

	now := r.Clock.Now()
	inst := &models.WorkflowInstance{
		ID:                uuid.New().String(),
		TenantID:          def.TenantID,
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		EntityID:          req.EntityID,
		EntityType:        req.EntityType,
		Status:            models.InstanceNotStarted,
		Context:           vars,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if parent != nil {
		inst.ParentInstanceID = parent.instanceID
		inst.ParentStepInstanceID = parent.stepID
		inst.Depth = parent.depth
	}
	span.SetAttributes(attribute.String("workflow.instance_id", inst.ID))

	unlock, err := r.Locker.Lock(ctx, inst.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock instance: %w", err)
	}
	t := r.newTx(ctx, inst, def, true)
	if parent != nil {
		t.hoist = parent.hoist
	}

	t.emit(models.EventInstanceStarted, nil, map[string]any{"category": def.Category, "version": def.Version})
	r.Metrics.InstanceStarted(ctx, def.TenantID, def.Category)
	inst.Status = models.InstanceInProgress

	startDef, _ := def.StartStep()
	if id, done := t.activate(startDef, ""); done {
		t.advance(id)
	}
	err = t.commit()
	unlock()
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	t.runAfter()

	r.Logger.Info("instance started", "instance_id", inst.ID, "definition_id", def.ID, "version", def.Version, "status", inst.Status)
	return inst.Clone(), nil
}

// withInstance runs fn under the instance lock against a freshly loaded
// instance and commits the result.
func (r *Runtime) withInstance(ctx context.Context, instanceID, op string, fn func(t *tx) error) (*models.WorkflowInstance, error) {
	ctx, span := r.tracer.Start(ctx, "workflow."+op, trace.WithAttributes(attribute.String("workflow.instance_id", instanceID)))
	defer span.End()
	began := time.Now()

	unlock, err := r.Locker.Lock(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock instance %s: %w", instanceID, err)
	}
	inst, err := r.Instances.GetInstance(ctx, instanceID)
	if err != nil {
		unlock()
		recordSpanError(span, err)
		return nil, err
	}
	def, err := r.Definitions.GetDefinition(ctx, inst.DefinitionID, inst.DefinitionVersion)
	if err != nil {
		unlock()
		recordSpanError(span, err)
		return nil, fmt.Errorf("failed to load definition of instance %s: %w", instanceID, err)
	}

	t := r.newTx(ctx, inst, def, false)
	if err := fn(t); err != nil {
		unlock()
		recordSpanError(span, err)
		return nil, err
	}
	err = t.commit()
	unlock()
	r.Metrics.TransitionDuration(ctx, op, time.Since(began).Seconds())
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	t.runAfter()
	return inst.Clone(), nil
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Get returns the stored instance.
func (r *Runtime) Get(ctx context.Context, instanceID string) (*models.WorkflowInstance, error) {
	return r.Instances.GetInstance(ctx, instanceID)
}

// List returns instances matching filter.
func (r *Runtime) List(ctx context.Context, filter repository.InstanceFilter) ([]*models.WorkflowInstance, error) {
	return r.Instances.ListInstances(ctx, filter)
}

// SubmitDecision records an approver's decision. Decisions on one instance
// are serialized, so concurrent approvers never double count.
func (r *Runtime) SubmitDecision(ctx context.Context, req DecisionRequest) (*models.WorkflowInstance, error) {
	return r.withInstance(ctx, req.InstanceID, "submit_decision", func(t *tx) error {
		step, err := t.deliver(req.StepInstanceID, executor.Input{
			Kind:       executor.InputDecision,
			ActorID:    req.ActorID,
			Decision:   req.Decision,
			DelegateTo: req.DelegateTo,
			Comments:   req.Comments,
		})
		if err != nil {
			return err
		}
		data := map[string]any{"decision": req.Decision}
		if req.DelegateTo != "" {
			data["delegate_to"] = req.DelegateTo
		}
		t.emitActor(models.EventDecisionRecorded, step, req.ActorID, data)
		return nil
	})
}

// CompleteTask finishes a HumanTask step, or an escalated Timer step.
func (r *Runtime) CompleteTask(ctx context.Context, instanceID, stepInstanceID, actorID string, data map[string]any) (*models.WorkflowInstance, error) {
	data, err := models.NormalizeContext(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	return r.withInstance(ctx, instanceID, "complete_task", func(t *tx) error {
		_, err := t.deliver(stepInstanceID, executor.Input{Kind: executor.InputTaskComplete, ActorID: actorID, Data: data})
		return err
	})
}

// InstanceByTaskHandle returns the instance whose AgentTask step was
// submitted under handle.
func (r *Runtime) InstanceByTaskHandle(ctx context.Context, handle string) (*models.WorkflowInstance, error) {
	instanceID, _, err := r.Instances.FindByTaskHandle(ctx, handle)
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, instanceID)
}

// OnAgentResult resumes the AgentTask step waiting on handle.
func (r *Runtime) OnAgentResult(ctx context.Context, handle string, output map[string]any, confidence float64) (*models.WorkflowInstance, error) {
	if confidence < 0 || confidence > 1 {
		return nil, fmt.Errorf("confidence %v outside [0, 1]: %w", confidence, models.ErrInvalidInput)
	}
	output, err := models.NormalizeContext(output)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	instanceID, stepInstanceID, err := r.Instances.FindByTaskHandle(ctx, handle)
	if err != nil {
		return nil, err
	}
	return r.withInstance(ctx, instanceID, "agent_result", func(t *tx) error {
		_, err := t.deliver(stepInstanceID, executor.Input{Kind: executor.InputAgentResult, Data: output, Confidence: confidence})
		return err
	})
}

// ResolveCheckpoint confirms or rejects a low-confidence agent result.
func (r *Runtime) ResolveCheckpoint(ctx context.Context, instanceID, stepInstanceID, actorID string, approve bool, data map[string]any) (*models.WorkflowInstance, error) {
	data, err := models.NormalizeContext(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	return r.withInstance(ctx, instanceID, "resolve_checkpoint", func(t *tx) error {
		step, err := t.deliver(stepInstanceID, executor.Input{Kind: executor.InputCheckpoint, ActorID: actorID, Approve: approve, Data: data})
		if err != nil {
			return err
		}
		t.emitActor(models.EventCheckpointResolved, step, actorID, map[string]any{"approved": approve})
		return nil
	})
}

// Cancel terminates an instance. A transition already under way on another
// goroutine stops at its next step boundary.
func (r *Runtime) Cancel(ctx context.Context, instanceID, actorID, reason string) (*models.WorkflowInstance, error) {
	r.cancels.Store(instanceID, struct{}{})
	inst, err := r.withInstance(ctx, instanceID, "cancel", func(t *tx) error {
		if t.inst.Status.Terminal() {
			return fmt.Errorf("instance %s is %s: %w", instanceID, t.inst.Status, models.ErrInstanceTerminal)
		}
		if reason == "" {
			reason = "cancelled by " + actorID
		}
		t.finish(models.InstanceCancelled, reason)
		return nil
	})
	if err != nil {
		r.cancels.Delete(instanceID)
	}
	return inst, err
}

// Suspend parks a non-terminal instance. Decisions are refused and timers
// are deferred until Resume.
func (r *Runtime) Suspend(ctx context.Context, instanceID, actorID, reason string) (*models.WorkflowInstance, error) {
	return r.withInstance(ctx, instanceID, "suspend", func(t *tx) error {
		if err := t.requireActive(); err != nil {
			return err
		}
		t.inst.PriorStatus = t.inst.Status
		t.inst.Status = models.InstanceSuspended
		t.inst.Reason = reason
		t.dirty = true
		t.emitActor(models.EventInstanceSuspended, nil, actorID, map[string]any{"reason": reason})
		return nil
	})
}

// Resume restores a suspended instance to the status its live steps imply
// and collects sub-workflows that finished in the meantime.
func (r *Runtime) Resume(ctx context.Context, instanceID, actorID string) (*models.WorkflowInstance, error) {
	return r.withInstance(ctx, instanceID, "resume", func(t *tx) error {
		if t.inst.Status != models.InstanceSuspended {
			return fmt.Errorf("instance %s is %s, not suspended: %w", instanceID, t.inst.Status, models.ErrConflict)
		}
		t.inst.Status = t.inst.PriorStatus
		t.inst.PriorStatus = ""
		t.inst.Reason = ""
		t.dirty = true
		t.emitActor(models.EventInstanceResumed, nil, actorID, nil)
		return t.collectFinishedChildren()
	})
}

// ReplayCompensation re-attempts a failed compensation for one step.
func (r *Runtime) ReplayCompensation(ctx context.Context, instanceID, stepInstanceID, actorID string) (*models.WorkflowInstance, error) {
	return r.withInstance(ctx, instanceID, "replay_compensation", func(t *tx) error {
		entry, err := r.Compensation.Replay(t.ctx, t.inst, stepInstanceID)
		if err != nil && !errors.As(err, new(*models.CompensationFailure)) {
			return err
		}
		t.dirty = true
		r.Logger.Info("compensation replayed", "instance_id", instanceID, "step_instance_id", stepInstanceID,
			"actor_id", actorID, "success", entry.Success)
		return nil
	})
}

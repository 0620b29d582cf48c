package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"procgenie/backend/internal/executor"
	"procgenie/backend/internal/logging"
	"procgenie/backend/pkg/models"
)

// tx is one locked unit of work on an instance. Timers and audit events are
// buffered and released only after the state they describe is stored;
// after hooks run once the lock is released.
type tx struct {
	rt      *Runtime
	ctx     context.Context
	inst    *models.WorkflowInstance
	def     *models.WorkflowDefinition
	now     time.Time
	log     *logging.Logger
	created bool
	dirty   bool
	err     error

	timerOps []func(context.Context) error
	events   []models.Event
	after    []func(context.Context)
	// hoist receives the after hooks of a child started inside this tx,
	// since they need this instance's lock.
	hoist *tx
}

func (r *Runtime) newTx(ctx context.Context, inst *models.WorkflowInstance, def *models.WorkflowDefinition, created bool) *tx {
	return &tx{
		rt:      r,
		ctx:     ctx,
		inst:    inst,
		def:     def,
		now:     r.Clock.Now(),
		log:     r.Logger.With("instance_id", inst.ID, "definition_id", def.ID, "version", def.Version),
		created: created,
		dirty:   created,
	}
}

func (t *tx) env(stepDef *models.StepDefinition) *executor.Env {
	return &executor.Env{Def: t.def, Step: stepDef, Inst: t.inst, Now: t.now, Children: t}
}

func (t *tx) stepDef(step *models.StepInstance) (*models.StepDefinition, error) {
	def, ok := t.def.Step(step.DefinitionStepID)
	if !ok {
		return nil, fmt.Errorf("step definition %s missing from %s v%d", step.DefinitionStepID, t.def.ID, t.def.Version)
	}
	return def, nil
}

func (t *tx) emit(typ models.EventType, step *models.StepInstance, data map[string]any) {
	t.emitActor(typ, step, "", data)
}

func (t *tx) emitActor(typ models.EventType, step *models.StepInstance, actorID string, data map[string]any) {
	ev := models.Event{
		ID:         uuid.New().String(),
		Type:       typ,
		TenantID:   t.inst.TenantID,
		InstanceID: t.inst.ID,
		EntityID:   t.inst.EntityID,
		EntityType: t.inst.EntityType,
		ActorID:    actorID,
		Data:       data,
		OccurredAt: t.now,
	}
	if step != nil {
		ev.StepInstanceID = step.ID
		ev.StepID = step.DefinitionStepID
	}
	t.events = append(t.events, ev)
	t.dirty = true
}

func (t *tx) scheduleTimer(step *models.StepInstance, kind models.TimerKind, level int, dueAt time.Time) {
	instanceID, stepID := t.inst.ID, step.ID
	t.timerOps = append(t.timerOps, func(ctx context.Context) error {
		_, err := t.rt.Timers.Schedule(ctx, kind, instanceID, stepID, level, dueAt)
		return err
	})
}

func (t *tx) cancelTimers(step *models.StepInstance) {
	stepID := step.ID
	t.timerOps = append(t.timerOps, func(ctx context.Context) error {
		return t.rt.Timers.Cancel(ctx, stepID)
	})
}

func (t *tx) timerDone(timer *models.Timer) {
	t.timerOps = append(t.timerOps, func(ctx context.Context) error {
		return t.rt.Timers.Done(ctx, timer)
	})
}

func (t *tx) afterUnlock(fn func(context.Context)) {
	t.after = append(t.after, fn)
}

// persist stores the instance and then releases buffered timers and events.
func (t *tx) persist() error {
	if t.err != nil {
		return t.err
	}
	if !t.dirty && len(t.timerOps) == 0 {
		return nil
	}
	if t.dirty {
		t.inst.UpdatedAt = t.now
		var err error
		if t.created {
			err = t.rt.Instances.CreateInstance(t.ctx, t.inst)
		} else {
			err = t.rt.Instances.SaveInstance(t.ctx, t.inst)
		}
		if err != nil {
			t.err = fmt.Errorf("failed to persist instance %s: %w", t.inst.ID, err)
			return t.err
		}
		t.created = false
		t.dirty = false
	}

	for _, op := range t.timerOps {
		if err := op(t.ctx); err != nil {
			// The overdue sweep recovers lost SLA timers.
			t.log.Error("timer update failed", "error", err)
		}
	}
	t.timerOps = nil

	if t.rt.Audit != nil {
		for _, ev := range t.events {
			t.rt.Audit.Record(t.ctx, ev)
		}
	}
	t.events = nil
	return nil
}

func (t *tx) commit() error {
	if t.err != nil {
		return t.err
	}
	t.deriveStatus()
	return t.persist()
}

func (t *tx) runAfter() {
	if t.hoist != nil {
		t.hoist.after = append(t.hoist.after, t.after...)
		t.after = nil
		return
	}
	ctx := context.WithoutCancel(t.ctx)
	for _, fn := range t.after {
		fn(ctx)
	}
	t.after = nil
}

// deriveStatus sets the non-terminal instance status from its live steps.
func (t *tx) deriveStatus() {
	switch t.inst.Status {
	case models.InstanceSuspended, models.InstanceNotStarted, models.InstanceCompensating:
		return
	}
	if t.inst.Status.Terminal() {
		return
	}
	status := models.InstanceInProgress
	for _, step := range t.inst.LiveSteps() {
		if step.BranchID != "" {
			status = models.InstanceInReviewParallel
			break
		}
		if awaitsHuman(step) {
			status = models.InstancePendingApproval
		}
	}
	if status != t.inst.Status {
		t.inst.Status = status
		t.dirty = true
	}
}

func awaitsHuman(step *models.StepInstance) bool {
	switch step.Type {
	case models.StepTypeApproval, models.StepTypeHumanTask:
		return true
	}
	return step.HITL != nil && step.HITL.ResolvedAt == nil
}

func (t *tx) requireActive() error {
	if t.inst.Status.Terminal() {
		return fmt.Errorf("instance %s is %s: %w", t.inst.ID, t.inst.Status, models.ErrInstanceTerminal)
	}
	if t.inst.Status == models.InstanceSuspended {
		return fmt.Errorf("instance %s: %w", t.inst.ID, models.ErrInstanceSuspended)
	}
	return nil
}

func (t *tx) liveStep(stepInstanceID string) (*models.StepInstance, error) {
	step, ok := t.inst.Step(stepInstanceID)
	if !ok {
		return nil, fmt.Errorf("step %s: %w", stepInstanceID, models.ErrNotFound)
	}
	if !step.Live() {
		return nil, fmt.Errorf("step %s is %s: %w", stepInstanceID, step.Status, models.ErrStepNotActive)
	}
	return step, nil
}

// refusedInput reports whether err rejects the caller's input rather than
// reflecting a failure of the step itself.
func refusedInput(err error) bool {
	return errors.Is(err, models.ErrNotAssignee) ||
		errors.Is(err, models.ErrDelegationNotAllowed) ||
		errors.Is(err, models.ErrStepNotActive) ||
		errors.Is(err, models.ErrInvalidInput)
}

// deliver hands an external signal to a live step and advances the
// instance if the step finished. Refused input leaves the instance
// untouched; any other executor error fails the instance.
func (t *tx) deliver(stepInstanceID string, in executor.Input) (*models.StepInstance, error) {
	if err := t.requireActive(); err != nil {
		return nil, err
	}
	return t.deliverActive(stepInstanceID, in)
}

func (t *tx) deliverActive(stepInstanceID string, in executor.Input) (*models.StepInstance, error) {
	step, err := t.liveStep(stepInstanceID)
	if err != nil {
		return nil, err
	}
	stepDef, err := t.stepDef(step)
	if err != nil {
		return nil, err
	}
	exec, err := t.rt.Executors.For(step.Type)
	if err != nil {
		return nil, err
	}

	result, err := exec.Complete(t.ctx, t.env(stepDef), step, in)
	if err != nil {
		if refusedInput(err) {
			return nil, err
		}
		t.failStep(step, err)
		return step, nil
	}
	t.dirty = true
	snapshot := *step

	if result.CheckpointRaised {
		t.emit(models.EventCheckpointRaised, step, map[string]any{"confidence": in.Confidence, "threshold": step.HITL.Threshold})
	}
	if result.Escalate {
		if step.SLADeadline == nil {
			at := t.now
			step.SLADeadline = &at
		}
		t.escalate(step, step.EscalationLevel+1)
	}
	if result.Done {
		t.markTerminal(step)
		snapshot = *step
		if result.CancelInstance {
			t.finish(models.InstanceCancelled, fmt.Sprintf("timer %s expired", step.DefinitionStepID))
		} else {
			t.advance(step.ID)
		}
	}
	return &snapshot, nil
}

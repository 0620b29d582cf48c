package runtime

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"procgenie/backend/internal/clock"
	"procgenie/backend/internal/escalation"
	"procgenie/backend/internal/executor"
	"procgenie/backend/pkg/models"
)

func (t *tx) cancelRequested() bool {
	_, ok := t.rt.cancels.Load(t.inst.ID)
	return ok
}

func (t *tx) stopped() bool {
	return t.err != nil || t.inst.Status.Terminal()
}

// activate creates and activates a step instance. It returns the new step
// instance ID and whether the step finished during activation.
func (t *tx) activate(stepDef *models.StepDefinition, branchID string) (string, bool) {
	t.inst.Steps = append(t.inst.Steps, models.StepInstance{
		ID:               uuid.New().String(),
		DefinitionStepID: stepDef.ID,
		Type:             stepDef.Type,
		Status:           models.StepPending,
		BranchID:         branchID,
		ActivatedAt:      t.now,
	})
	step := &t.inst.Steps[len(t.inst.Steps)-1]
	id := step.ID
	t.dirty = true

	exec, err := t.rt.Executors.For(stepDef.Type)
	if err != nil {
		t.failStep(step, err)
		return id, false
	}
	act, err := exec.Activate(t.ctx, t.env(stepDef), step)
	if err != nil {
		t.failStep(step, err)
		return id, false
	}

	t.emit(models.EventStepActivated, step, map[string]any{"type": stepDef.Type, "assignees": step.Assignees})
	t.rt.Metrics.StepActivated(t.ctx, string(stepDef.Type))
	for _, req := range act.Timers {
		t.scheduleTimer(step, req.Kind, req.Level, req.DueAt)
	}

	if act.Done {
		t.markTerminal(step)
		return id, true
	}
	t.startSLA(step, stepDef)
	return id, false
}

// startSLA sets the deadline of a waiting step and schedules its first
// escalation.
func (t *tx) startSLA(step *models.StepInstance, stepDef *models.StepDefinition) {
	sla := t.def.EffectiveSLA(stepDef)
	if sla == nil || sla.MaxDuration == "" {
		return
	}
	d, err := clock.ParseDuration(sla.MaxDuration)
	if err != nil {
		t.log.Warn("invalid sla duration", "step_id", stepDef.ID, "error", err)
		return
	}
	deadline := t.now.Add(d)
	step.SLADeadline = &deadline

	due, ok, err := escalation.DueAt(t.def, stepDef.ID, deadline, 1)
	if err != nil {
		t.log.Warn("invalid escalation offset", "step_id", stepDef.ID, "error", err)
		due, ok = deadline, true
	}
	if ok {
		t.scheduleTimer(step, models.TimerSLABreach, 1, due)
	}
}

func (t *tx) markTerminal(step *models.StepInstance) {
	at := t.now
	step.CompletedAt = &at
	step.CompletionSeq = t.inst.NextCompletionSeq()
	t.cancelTimers(step)
	t.dirty = true
	if step.Status == models.StepSkipped {
		t.emit(models.EventStepSkipped, step, nil)
		return
	}
	t.emit(models.EventStepCompleted, step, map[string]any{"status": step.Status})
}

func (t *tx) failStep(step *models.StepInstance, err error) {
	t.log.Error("step failed", "step_id", step.DefinitionStepID, "error", err)
	step.Status = models.StepFailed
	step.Error = err.Error()
	t.markTerminal(step)
	t.finish(models.InstanceFailed, fmt.Sprintf("step %s failed: %v", step.DefinitionStepID, err))
}

// advance routes terminal steps breadth first. Each completed step is
// merged into the context and stored before its successors are activated.
func (t *tx) advance(stepIDs ...string) {
	queue := slices.Clone(stepIDs)
	for len(queue) > 0 && !t.stopped() {
		if t.cancelRequested() {
			t.finish(models.InstanceCancelled, "cancelled")
			return
		}
		id := queue[0]
		queue = queue[1:]

		step, ok := t.inst.Step(id)
		if !ok || step.Status == models.StepSkipped || step.Status == models.StepFailed || t.branchSkipped(step.BranchID) {
			continue
		}
		if step.Result != nil {
			models.MergeContext(t.inst.Context, step.Result)
		}
		if t.persist() != nil {
			return
		}
		queue = append(queue, t.route(id)...)
	}
}

// branchSkipped reports whether branchID or any enclosing branch lost an
// "any" join.
func (t *tx) branchSkipped(branchID string) bool {
	for branchID != "" {
		join, branch, ok := t.inst.JoinForBranch(branchID)
		if !ok {
			return false
		}
		if branch.Skipped {
			return true
		}
		branchID = join.ParentBranchID
	}
	return false
}

// route activates the successors of a terminal step and returns those that
// finished during activation.
func (t *tx) route(stepID string) []string {
	step, _ := t.inst.Step(stepID)
	stepDef, err := t.stepDef(step)
	if err != nil {
		t.finish(models.InstanceFailed, err.Error())
		return nil
	}

	switch stepDef.Type {
	case models.StepTypeEnd:
		t.finish(models.InstanceCompleted, "")
		return nil
	case models.StepTypeParallelBranch:
		return t.fanOut(step, stepDef)
	}

	res, err := executor.Route(t.rt.Eval, t.env(stepDef), step)
	if err != nil {
		t.finish(models.InstanceFailed, fmt.Sprintf("routing from %s failed: %v", stepDef.ID, err))
		return nil
	}
	if res.Rejected {
		t.finish(models.InstanceRejected, fmt.Sprintf("step %s rejected", stepName(stepDef)))
		return nil
	}

	branchID := step.BranchID
	var done []string
	for _, target := range res.Next {
		if branchID != "" {
			if join, branch, ok := t.inst.JoinForBranch(branchID); ok && join.JoinStepID == target {
				done = append(done, t.arrive(join.GroupID, branch.ID, stepID)...)
				continue
			}
		}
		if id, finished := t.activateByID(target, branchID); finished {
			done = append(done, id)
		}
		if t.stopped() {
			return nil
		}
	}
	return done
}

func stepName(def *models.StepDefinition) string {
	if def.Name != "" {
		return def.Name
	}
	return def.ID
}

func (t *tx) activateByID(stepDefID, branchID string) (string, bool) {
	stepDef, ok := t.def.Step(stepDefID)
	if !ok {
		t.finish(models.InstanceFailed, fmt.Sprintf("unknown step %s", stepDefID))
		return "", false
	}
	return t.activate(stepDef, branchID)
}

// fanOut opens one branch per configured arm. Branch IDs nest under the
// ParallelBranch step instance so joins of nested groups stay distinct.
func (t *tx) fanOut(step *models.StepInstance, stepDef *models.StepDefinition) []string {
	cfg := stepDef.Parallel
	join := models.JoinState{
		GroupID:        step.ID,
		JoinStepID:     cfg.JoinStepID,
		Condition:      cfg.JoinCondition,
		ParentBranchID: step.BranchID,
	}
	for _, b := range cfg.Branches {
		join.Branches = append(join.Branches, models.BranchState{Name: b.Name, ID: step.ID + ":" + b.Name})
	}
	t.inst.Joins = append(t.inst.Joins, join)
	t.dirty = true

	var done []string
	for _, b := range cfg.Branches {
		if g, ok := t.inst.Join(join.GroupID); !ok || g.Joined {
			break
		}
		branchID := join.GroupID + ":" + b.Name
		if _, branch, ok := t.inst.JoinForBranch(branchID); ok && branch.Skipped {
			continue
		}
		if b.StartStepID == cfg.JoinStepID {
			done = append(done, t.arrive(join.GroupID, branchID, step.ID)...)
			continue
		}
		if id, finished := t.activateByID(b.StartStepID, branchID); finished {
			done = append(done, id)
		}
		if t.stopped() {
			return nil
		}
	}
	return done
}

// arrive records a branch reaching the join. With "any" the first arrival
// wins and every sibling branch is skipped; with "all" the join waits for
// every branch. Once joined, the join step is activated in the parent
// branch.
func (t *tx) arrive(groupID, branchID, viaStepID string) []string {
	join, ok := t.inst.Join(groupID)
	if !ok || join.Joined {
		return nil
	}
	var branch *models.BranchState
	for i := range join.Branches {
		if join.Branches[i].ID == branchID {
			branch = &join.Branches[i]
		}
	}
	if branch == nil || branch.Arrived || branch.Skipped {
		return nil
	}
	branch.Arrived = true
	branch.ArrivedVia = viaStepID
	t.dirty = true

	switch join.Condition {
	case models.JoinAny:
		join.Joined = true
		var losers []string
		for i := range join.Branches {
			if b := &join.Branches[i]; !b.Arrived {
				b.Skipped = true
				losers = append(losers, b.ID)
			}
		}
		parent := join.ParentBranchID
		joinStep := join.JoinStepID
		t.skipBranches(losers)
		return t.afterJoin(joinStep, parent)
	default:
		for _, b := range join.Branches {
			if !b.Arrived {
				return nil
			}
		}
		join.Joined = true
		return t.afterJoin(join.JoinStepID, join.ParentBranchID)
	}
}

func (t *tx) afterJoin(joinStepID, parentBranchID string) []string {
	if t.stopped() {
		return nil
	}
	if parentBranchID != "" {
		if outer, branch, ok := t.inst.JoinForBranch(parentBranchID); ok && outer.JoinStepID == joinStepID {
			return t.arrive(outer.GroupID, branch.ID, "")
		}
	}
	if id, finished := t.activateByID(joinStepID, parentBranchID); finished {
		return []string{id}
	}
	return nil
}

// skipBranches skips every live step inside the given branches, including
// nested ones, and compensates side effects those branches already made.
func (t *tx) skipBranches(branchIDs []string) {
	if len(branchIDs) == 0 {
		return
	}
	within := func(step *models.StepInstance) bool {
		for _, id := range branchIDs {
			if t.inst.BranchWithin(step.BranchID, id) {
				return true
			}
		}
		return false
	}

	for _, step := range t.inst.LiveSteps() {
		if within(step) {
			t.skipStep(step)
		}
	}

	var done []*models.StepInstance
	for _, step := range t.inst.CompletedInReverse() {
		if within(step) && step.Status == models.StepCompleted && step.CompensationAction != "" {
			done = append(done, step)
		}
	}
	if len(done) > 0 && t.rt.Compensation != nil {
		failed := t.rt.Compensation.CompensateSteps(t.ctx, t.inst, done)
		t.rt.Metrics.Compensated(t.ctx, failed, len(done))
		t.dirty = true
	}
}

func (t *tx) skipStep(step *models.StepInstance) {
	step.Status = models.StepSkipped
	t.markTerminal(step)
	if child := step.ChildInstanceID; child != "" {
		t.afterUnlock(func(ctx context.Context) {
			t.rt.cancelChild(ctx, child)
		})
	}
}

// finish moves the instance to a terminal status exactly once. Failed
// passes through Compensating while the saga runs.
func (t *tx) finish(status models.InstanceStatus, reason string) {
	if t.err != nil || t.inst.Status.Terminal() {
		return
	}
	for _, step := range t.inst.LiveSteps() {
		t.skipStep(step)
	}

	if status == models.InstanceFailed && t.rt.Compensation != nil {
		t.inst.Status = models.InstanceCompensating
		t.inst.Reason = reason
		t.dirty = true
		if t.persist() != nil {
			return
		}
		candidates := 0
		for _, step := range t.inst.CompletedInReverse() {
			if step.Status == models.StepCompleted && step.CompensationAction != "" && !t.inst.Compensated(step.ID) {
				candidates++
			}
		}
		failed := t.rt.Compensation.Compensate(t.ctx, t.inst)
		t.rt.Metrics.Compensated(t.ctx, failed, candidates)
	}

	at := t.now
	t.inst.Status = status
	t.inst.Reason = reason
	t.inst.CompletedAt = &at
	t.dirty = true
	t.rt.cancels.Delete(t.inst.ID)
	t.rt.Metrics.InstanceFinished(t.ctx, t.inst.TenantID, string(status))
	t.emit(terminalEvent(status), nil, map[string]any{"reason": reason})
	t.log.Info("instance finished", "status", status, "reason", reason)

	snapshot := t.inst.Clone()
	t.afterUnlock(func(ctx context.Context) {
		t.rt.terminalEffects(ctx, snapshot)
	})
}

func terminalEvent(status models.InstanceStatus) models.EventType {
	switch status {
	case models.InstanceCompleted:
		return models.EventInstanceCompleted
	case models.InstanceRejected:
		return models.EventInstanceRejected
	case models.InstanceCancelled:
		return models.EventInstanceCancelled
	}
	return models.EventInstanceFailed
}

// terminalEffects tells the requester, the triggering entity and the parent
// instance about the outcome. Failures here never change the outcome.
func (r *Runtime) terminalEffects(ctx context.Context, inst *models.WorkflowInstance) {
	if r.Notifier != nil {
		if recipients, err := r.Eval.ResolveUsers(ctx, "context:requester.id", inst.Context); err == nil && len(recipients) > 0 {
			data := map[string]any{"instance_id": inst.ID, "entity_id": inst.EntityID, "status": inst.Status, "reason": inst.Reason}
			if err := r.Notifier.Send(ctx, recipients, "email", "workflow_"+string(inst.Status), data); err != nil {
				r.Logger.Warn("requester notification failed", "instance_id", inst.ID, "error", err)
			}
		}
	}
	if r.Entities != nil && inst.EntityID != "" {
		if err := r.Entities.MarkOutcome(ctx, inst.EntityType, inst.EntityID, inst.Status, inst.Reason); err != nil {
			r.Logger.Warn("failed to mark entity outcome", "instance_id", inst.ID, "entity_id", inst.EntityID, "error", err)
		}
	}
	if inst.ParentInstanceID != "" {
		if err := r.childDone(ctx, inst); err != nil {
			r.Logger.Warn("failed to resume parent", "instance_id", inst.ID, "parent_instance_id", inst.ParentInstanceID, "error", err)
		}
	}
}

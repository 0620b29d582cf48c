package runtime

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"procgenie/backend/internal/escalation"
	"procgenie/backend/internal/executor"
	"procgenie/backend/internal/repository"
	"procgenie/backend/pkg/models"
)

const (
	defaultEscalationChannel  = "email"
	defaultEscalationTemplate = "sla_breach"
)

// escalate raises a live step to level. Repeating a level is a no-op, so
// a timer and the overdue sweep may both fire it.
func (t *tx) escalate(step *models.StepInstance, level int) {
	if level <= step.EscalationLevel {
		return
	}
	rule, hasRule := t.def.EscalationRule(step.DefinitionStepID, level)

	recipients := slices.Clone(step.Assignees)
	channel, template := defaultEscalationChannel, defaultEscalationTemplate
	if hasRule {
		targets, err := t.rt.Eval.ResolveUsers(t.ctx, rule.TargetExpression, t.inst.Context)
		if err != nil {
			t.log.Warn("escalation target unresolved, nudging assignees",
				"step_id", step.DefinitionStepID, "level", level, "error", err)
			targets = nil
		}
		if len(targets) > 0 {
			recipients = targets
			if rule.AutoReassign {
				step.Assignees = reassign(step, targets)
				step.Status = models.StepEscalated
			}
		}
		if rule.Channel != "" {
			channel = rule.Channel
		}
		if rule.TemplateID != "" {
			template = rule.TemplateID
		}
	}

	step.EscalationLevel = level
	t.dirty = true
	t.emit(models.EventStepEscalated, step, map[string]any{"level": level, "recipients": recipients})
	t.rt.Metrics.Escalated(t.ctx, level)
	t.log.Info("step escalated", "step_id", step.DefinitionStepID, "level", level)

	if t.rt.Notifier != nil && len(recipients) > 0 {
		data := map[string]any{
			"instance_id":      t.inst.ID,
			"step_id":          step.DefinitionStepID,
			"step_instance_id": step.ID,
			"level":            level,
			"entity_id":        t.inst.EntityID,
		}
		t.afterUnlock(func(ctx context.Context) {
			if err := t.rt.Notifier.Send(ctx, recipients, channel, template, data); err != nil {
				t.log.Warn("escalation notification failed", "level", level, "error", err)
			}
		})
	}

	if step.SLADeadline == nil {
		return
	}
	due, ok, err := escalation.DueAt(t.def, step.DefinitionStepID, *step.SLADeadline, level+1)
	if err != nil {
		t.log.Warn("invalid escalation offset", "level", level+1, "error", err)
		return
	}
	if ok {
		if due.Before(t.now) {
			due = t.now
		}
		t.scheduleTimer(step, models.TimerSLABreach, level+1, due)
	}
}

// reassign keeps assignees who already decided so their records stay
// meaningful, and hands the open obligation to the escalation targets.
func reassign(step *models.StepInstance, targets []string) []string {
	var out []string
	for _, r := range step.ApprovalRecords {
		if r.Decision != models.DecisionDelegated && slices.Contains(step.Assignees, r.ApproverID) && !slices.Contains(out, r.ApproverID) {
			out = append(out, r.ApproverID)
		}
	}
	for _, u := range targets {
		if !slices.Contains(out, u) {
			out = append(out, u)
		}
	}
	return out
}

// FireTimer applies a claimed durable timer. Timers whose step or instance
// has moved on are dropped.
func (r *Runtime) FireTimer(ctx context.Context, timer *models.Timer) error {
	_, err := r.withInstance(ctx, timer.InstanceID, "fire_timer", func(t *tx) error {
		step, ok := t.inst.Step(timer.StepInstanceID)
		if !ok || !step.Live() || t.inst.Status.Terminal() {
			t.timerDone(timer)
			return nil
		}
		if t.inst.Status == models.InstanceSuspended {
			due := t.now.Add(r.cfg.SuspendedRetry)
			t.timerOps = append(t.timerOps, func(ctx context.Context) error {
				return r.Timers.Reschedule(ctx, timer, due)
			})
			return nil
		}

		switch timer.Kind {
		case models.TimerSLABreach:
			t.escalate(step, timer.Level)
		case models.TimerStepExpiry:
			if _, err := t.deliverActive(step.ID, executor.Input{Kind: executor.InputTimerFired}); err != nil && !refusedInput(err) {
				return err
			}
		default:
			r.Logger.Warn("unknown timer kind", "timer_id", timer.ID, "kind", timer.Kind)
		}
		t.timerDone(timer)
		r.Metrics.TimerFired(t.ctx, string(timer.Kind))
		return nil
	})
	if errors.Is(err, models.ErrNotFound) {
		// The instance is gone; drop its timer.
		return r.Timers.Done(ctx, timer)
	}
	return err
}

// EscalateOverdue raises level 1 on a step the sweep found past its
// deadline, covering SLA timers that were lost.
func (r *Runtime) EscalateOverdue(ctx context.Context, o repository.OverdueStep) error {
	_, err := r.withInstance(ctx, o.InstanceID, "escalate_overdue", func(t *tx) error {
		if t.inst.Status.Terminal() || t.inst.Status == models.InstanceSuspended {
			return nil
		}
		step, ok := t.inst.Step(o.StepInstanceID)
		if !ok || !step.Live() || step.EscalationLevel > 0 || step.SLADeadline == nil {
			return nil
		}
		due, fires, err := escalation.DueAt(t.def, step.DefinitionStepID, *step.SLADeadline, 1)
		if err != nil {
			return fmt.Errorf("step %s: %w", step.DefinitionStepID, err)
		}
		if !fires || t.now.Before(due) {
			return nil
		}
		t.escalate(step, 1)
		return nil
	})
	return err
}

// Package escalation drives SLA breaches and durable timers: it plans when
// each escalation level fires and runs the scheduler loop that claims due
// timers and hands them to the runtime.
package escalation

import (
	"fmt"
	"time"

	"procgenie/backend/internal/clock"
	"procgenie/backend/pkg/models"
)

// DueAt returns when escalation level fires for a step whose SLA deadline
// is deadline. Levels without a rule fire at the deadline; ok is false for
// levels above 1 without a rule, which end the ladder.
func DueAt(def *models.WorkflowDefinition, stepDefID string, deadline time.Time, level int) (time.Time, bool, error) {
	rule, found := def.EscalationRule(stepDefID, level)
	if !found {
		return deadline, level == 1, nil
	}
	if rule.After == "" {
		return deadline, true, nil
	}
	offset, err := clock.ParseDuration(rule.After)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("escalation level %d: %w", level, err)
	}
	return deadline.Add(offset), true, nil
}

// Step is one planned escalation level.
type Step struct {
	Level int
	DueAt time.Time
	Rule  *models.EscalationRule
}

// Plan lists every escalation level that will fire for a step, in order.
func Plan(def *models.WorkflowDefinition, stepDefID string, deadline time.Time) ([]Step, error) {
	var out []Step
	for level := 1; ; level++ {
		due, ok, err := DueAt(def, stepDefID, deadline, level)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		rule, _ := def.EscalationRule(stepDefID, level)
		out = append(out, Step{Level: level, DueAt: due, Rule: rule})
		if rule == nil {
			return out, nil
		}
	}
}

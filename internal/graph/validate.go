package graph

import (
	"fmt"

	"procgenie/backend/internal/clock"
	"procgenie/backend/internal/expression"
	"procgenie/backend/pkg/models"
)

type validator struct {
	def      *models.WorkflowDefinition
	eval     *expression.Evaluator
	steps    map[string]*models.StepDefinition
	problems []string
}

func (v *validator) addf(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *validator) stepExists(id string) bool {
	_, ok := v.steps[id]
	return ok
}

func (v *validator) checkDuration(where, iso string) {
	if _, err := clock.ParseDuration(iso); err != nil {
		v.addf("%s: %v", where, err)
	}
}

func (v *validator) checkResolvers(where, expr string) {
	if _, err := expression.ParseResolvers(expr); err != nil {
		v.addf("%s: %v", where, err)
	}
}

func (v *validator) checkPredicate(where, expr string) {
	if err := v.eval.Compile(expr); err != nil {
		v.addf("%s: %v", where, err)
	}
}

// Validate checks a definition before it may become active. Every problem
// found is reported, not just the first.
func Validate(def *models.WorkflowDefinition, eval *expression.Evaluator) error {
	v := &validator{def: def, eval: eval, steps: make(map[string]*models.StepDefinition)}

	if def.TenantID == "" {
		v.addf("tenant_id is required")
	}
	if def.Category == "" {
		v.addf("category is required")
	}
	if def.Name == "" {
		v.addf("name is required")
	}
	if def.SLAConfig != nil {
		v.checkDuration("sla_config", def.SLAConfig.MaxDuration)
	}

	starts := 0
	ends := 0
	for i := range def.Steps {
		s := &def.Steps[i]
		if s.ID == "" {
			v.addf("step %d has no id", i)
			continue
		}
		if _, dup := v.steps[s.ID]; dup {
			v.addf("duplicate step id %s", s.ID)
			continue
		}
		v.steps[s.ID] = s
		switch s.Type {
		case models.StepTypeStart:
			starts++
		case models.StepTypeEnd:
			ends++
		}
	}
	if starts != 1 {
		v.addf("definition must have exactly one start step, found %d", starts)
	}
	if ends == 0 {
		v.addf("definition must have at least one end step")
	}

	for i, e := range def.Edges {
		if !v.stepExists(e.From) {
			v.addf("edge %d references unknown step %q", i, e.From)
		}
		if !v.stepExists(e.To) {
			v.addf("edge %d references unknown step %q", i, e.To)
		}
		if to, ok := v.steps[e.To]; ok && to.Type == models.StepTypeStart {
			v.addf("edge %d enters the start step", i)
		}
		if from, ok := v.steps[e.From]; ok && from.Type == models.StepTypeEnd {
			v.addf("edge %d leaves end step %s", i, e.From)
		}
		if e.Label != "" && e.Label != models.EdgeLabelApproved && e.Label != models.EdgeLabelRejected {
			v.addf("edge %d has unknown label %q", i, e.Label)
		}
		if e.Condition != "" {
			v.checkPredicate(fmt.Sprintf("edge %d condition", i), e.Condition)
		}
	}

	for i := range def.Steps {
		s := &def.Steps[i]
		if v.steps[s.ID] == s {
			v.checkStep(s)
		}
	}

	for i, r := range def.EscalationRules {
		where := fmt.Sprintf("escalation rule %d", i)
		if r.Level < 1 {
			v.addf("%s: level must be at least 1", where)
		}
		if r.After != "" {
			v.checkDuration(where, r.After)
		}
		v.checkResolvers(where, r.TargetExpression)
		for _, id := range r.StepIDs {
			if !v.stepExists(id) {
				v.addf("%s references unknown step %q", where, id)
			}
		}
	}
	for i, r := range def.DelegationRules {
		if r.FromUserID == "" || r.ToUserID == "" {
			v.addf("delegation rule %d needs from_user_id and to_user_id", i)
		}
	}

	if len(v.problems) == 0 {
		v.checkGraph()
	}

	if len(v.problems) > 0 {
		return &models.DefinitionValidationError{Problems: v.problems}
	}
	return nil
}

func (v *validator) checkStep(s *models.StepDefinition) {
	where := "step " + s.ID
	if s.SLAConfig != nil {
		v.checkDuration(where+" sla_config", s.SLAConfig.MaxDuration)
	}

	switch s.Type {
	case models.StepTypeStart, models.StepTypeEnd:
	case models.StepTypeApproval:
		c := s.Approval
		if c == nil {
			v.addf("%s: approval config is required", where)
			return
		}
		if len(c.ApproverIDs) == 0 && c.ApproverExpression == "" {
			v.addf("%s: approver_ids or approver_expression is required", where)
		}
		if c.ApproverExpression != "" {
			v.checkResolvers(where, c.ApproverExpression)
		}
		if c.RequiredApprovals < 1 {
			v.addf("%s: required_approvals must be at least 1", where)
		}
		if c.ApproverExpression == "" && c.RequiredApprovals > len(c.ApproverIDs) {
			v.addf("%s: required_approvals exceeds the %d static approvers", where, len(c.ApproverIDs))
		}
	case models.StepTypeParallelBranch:
		c := s.Parallel
		if c == nil {
			v.addf("%s: parallel config is required", where)
			return
		}
		if len(c.Branches) == 0 {
			v.addf("%s: at least one branch is required", where)
		}
		if c.JoinCondition != models.JoinAll && c.JoinCondition != models.JoinAny {
			v.addf("%s: join_condition must be all or any", where)
		}
		if !v.stepExists(c.JoinStepID) {
			v.addf("%s: join step %q does not exist", where, c.JoinStepID)
		}
		names := make(map[string]bool)
		for _, b := range c.Branches {
			if b.Name == "" || names[b.Name] {
				v.addf("%s: branch names must be unique and non-empty", where)
			}
			names[b.Name] = true
			if !v.stepExists(b.StartStepID) {
				v.addf("%s: branch %s starts at unknown step %q", where, b.Name, b.StartStepID)
			}
		}
	case models.StepTypeConditionalGate:
		c := s.Gate
		if c == nil {
			v.addf("%s: gate config is required", where)
			return
		}
		if c.DefaultTargetStepID == "" {
			v.addf("%s: default_target_step_id is required", where)
		} else if !v.stepExists(c.DefaultTargetStepID) {
			v.addf("%s: default target %q does not exist", where, c.DefaultTargetStepID)
		}
		for i, cond := range c.Conditions {
			v.checkPredicate(fmt.Sprintf("%s condition %d", where, i), cond.Expression)
			if !v.stepExists(cond.TargetStepID) {
				v.addf("%s condition %d targets unknown step %q", where, i, cond.TargetStepID)
			}
		}
	case models.StepTypeTimer:
		c := s.Timer
		if c == nil {
			v.addf("%s: timer config is required", where)
			return
		}
		v.checkDuration(where, c.Duration)
		switch c.OnExpiry {
		case models.ExpiryProceed, models.ExpiryEscalate, models.ExpiryCancel:
		default:
			v.addf("%s: on_expiry must be proceed, escalate or cancel", where)
		}
	case models.StepTypeAgentTask:
		c := s.Agent
		if c == nil {
			v.addf("%s: agent config is required", where)
			return
		}
		if c.AgentType == "" {
			v.addf("%s: agent_type is required", where)
		}
		if c.HITLThreshold < 0 || c.HITLThreshold > 1 {
			v.addf("%s: hitl_threshold must be within [0, 1]", where)
		}
		if c.ReviewerExpression != "" {
			v.checkResolvers(where, c.ReviewerExpression)
		}
	case models.StepTypeNotification:
		c := s.Notify
		if c == nil {
			v.addf("%s: notification config is required", where)
			return
		}
		v.checkResolvers(where, c.RecipientExpression)
		if c.TemplateID == "" {
			v.addf("%s: template_id is required", where)
		}
	case models.StepTypeExternalSystem:
		c := s.External
		if c == nil {
			v.addf("%s: external config is required", where)
			return
		}
		if c.IntegrationID == "" || c.Operation == "" {
			v.addf("%s: integration_id and operation are required", where)
		}
	case models.StepTypeHumanTask:
		c := s.HumanTask
		if c == nil {
			v.addf("%s: human_task config is required", where)
			return
		}
		if len(c.AssigneeIDs) == 0 && c.AssigneeExpression == "" {
			v.addf("%s: assignee_ids or assignee_expression is required", where)
		}
		if c.AssigneeExpression != "" {
			v.checkResolvers(where, c.AssigneeExpression)
		}
	case models.StepTypeSubWorkflow:
		if s.SubWorkflow == nil || s.SubWorkflow.Category == "" {
			v.addf("%s: sub_workflow category is required", where)
		}
	default:
		v.addf("%s: unknown step type %q", where, s.Type)
	}
}

// Successors returns every step a step may hand control to: its edges, gate
// targets, and branch starts for a parallel step.
func Successors(def *models.WorkflowDefinition, s *models.StepDefinition) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	switch s.Type {
	case models.StepTypeParallelBranch:
		if s.Parallel != nil {
			for _, b := range s.Parallel.Branches {
				add(b.StartStepID)
			}
		}
	case models.StepTypeConditionalGate:
		if s.Gate != nil {
			for _, c := range s.Gate.Conditions {
				add(c.TargetStepID)
			}
			add(s.Gate.DefaultTargetStepID)
		}
	}
	for _, e := range def.OutgoingEdges(s.ID) {
		add(e.To)
	}
	return out
}

func (v *validator) checkGraph() {
	start, _ := v.def.StartStep()

	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int)
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		for _, next := range Successors(v.def, v.steps[id]) {
			switch color[next] {
			case grey:
				v.addf("cycle detected through %s -> %s", id, next)
				return false
			case white:
				if !visit(next) {
					return false
				}
			}
		}
		color[id] = black
		return true
	}
	if !visit(start.ID) {
		return
	}

	for i := range v.def.Steps {
		s := &v.def.Steps[i]
		if color[s.ID] == white {
			v.addf("step %s is unreachable from start", s.ID)
			continue
		}
		if s.Type != models.StepTypeEnd && len(Successors(v.def, s)) == 0 {
			v.addf("step %s has no outgoing transition", s.ID)
			continue
		}
		v.checkRoutes(s)
	}

	for i := range v.def.Steps {
		s := &v.def.Steps[i]
		if s.Type != models.StepTypeParallelBranch {
			continue
		}
		for _, b := range s.Parallel.Branches {
			if !v.reaches(b.StartStepID, s.Parallel.JoinStepID) {
				v.addf("step %s: branch %s never reaches join step %s", s.ID, b.Name, s.Parallel.JoinStepID)
			}
		}
	}
}

// checkRoutes makes sure an edge-routed step always has exactly one edge to
// fall back on when none of its conditions match.
func (v *validator) checkRoutes(s *models.StepDefinition) {
	switch s.Type {
	case models.StepTypeEnd, models.StepTypeParallelBranch, models.StepTypeConditionalGate:
		return
	}
	defaults, rejected := 0, 0
	for _, e := range v.def.OutgoingEdges(s.ID) {
		switch {
		case e.Label == models.EdgeLabelRejected:
			rejected++
		case e.Condition == "":
			defaults++
		}
	}
	switch {
	case defaults == 0:
		v.addf("step %s needs an unconditional outgoing edge that is not labelled %s", s.ID, models.EdgeLabelRejected)
	case defaults > 1:
		v.addf("step %s has %d unconditional outgoing edges, only one can be followed", s.ID, defaults)
	}
	if rejected > 1 {
		v.addf("step %s has %d %s edges, only one can be followed", s.ID, rejected, models.EdgeLabelRejected)
	}
}

func (v *validator) reaches(from, to string) bool {
	seen := make(map[string]bool)
	stack := []string{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == to {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		stack = append(stack, Successors(v.def, v.steps[id])...)
	}
	return false
}

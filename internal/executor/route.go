package executor

import (
	"fmt"

	"procgenie/backend/internal/expression"
	"procgenie/backend/pkg/models"
)

// RouteResult names the successors of a terminal step.
type RouteResult struct {
	Next []string
	// Rejected means the step was rejected with nowhere to go; the instance
	// ends Rejected.
	Rejected bool
}

// Route picks the outgoing transitions of a step that reached a terminal
// status. Gates evaluate their conditions in order. Parallel steps fan out to
// every branch. Everything else follows edges: a rejection takes Rejected
// labelled edges, otherwise the first true conditional edge wins and the
// first unconditional edge is the fallback.
func Route(eval *expression.Evaluator, env *Env, step *models.StepInstance) (RouteResult, error) {
	def := env.Step
	vars := env.Inst.Context

	switch def.Type {
	case models.StepTypeEnd:
		return RouteResult{}, nil
	case models.StepTypeConditionalGate:
		for _, c := range def.Gate.Conditions {
			ok, err := eval.EvaluateBool(c.Expression, vars)
			if err != nil {
				return RouteResult{}, err
			}
			if ok {
				return RouteResult{Next: []string{c.TargetStepID}}, nil
			}
		}
		return RouteResult{Next: []string{def.Gate.DefaultTargetStepID}}, nil
	case models.StepTypeParallelBranch:
		next := make([]string, 0, len(def.Parallel.Branches))
		for _, b := range def.Parallel.Branches {
			next = append(next, b.StartStepID)
		}
		return RouteResult{Next: next}, nil
	}

	edges := env.Def.OutgoingEdges(def.ID)
	if step.Status == models.StepRejected || step.Status == models.StepTimedOut {
		var next []string
		for _, e := range edges {
			if e.Label == models.EdgeLabelRejected {
				next = append(next, e.To)
			}
		}
		if len(next) > 0 {
			return RouteResult{Next: next[:1]}, nil
		}
		if !def.Skippable {
			return RouteResult{Rejected: true}, nil
		}
	}

	var fallback string
	for _, e := range edges {
		if e.Label == models.EdgeLabelRejected {
			continue
		}
		if e.Condition == "" {
			if fallback == "" {
				fallback = e.To
			}
			continue
		}
		ok, err := eval.EvaluateBool(e.Condition, vars)
		if err != nil {
			return RouteResult{}, err
		}
		if ok {
			return RouteResult{Next: []string{e.To}}, nil
		}
	}
	if fallback == "" {
		return RouteResult{}, fmt.Errorf("step %s: no outgoing transition matched", def.ID)
	}
	return RouteResult{Next: []string{fallback}}, nil
}

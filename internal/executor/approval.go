package executor

import (
	"context"
	"fmt"
	"slices"

	"procgenie/backend/internal/expression"
	"procgenie/backend/pkg/models"
)

// Approval collects decisions from the resolved approvers.
type Approval struct {
	eval *expression.Evaluator
}

func (a *Approval) Activate(ctx context.Context, env *Env, step *models.StepInstance) (Activation, error) {
	cfg := env.Step.Approval
	users, err := resolveAssignees(ctx, a.eval, env, cfg.ApproverIDs, cfg.ApproverExpression)
	if err != nil {
		return Activation{}, err
	}
	if len(users) < cfg.RequiredApprovals {
		return Activation{}, &models.UnresolvableApproverError{
			StepID:     env.Step.ID,
			Expression: cfg.ApproverExpression,
			Resolved:   len(users),
			Required:   cfg.RequiredApprovals,
		}
	}
	step.Assignees = users
	step.Status = models.StepCurrent
	return Activation{}, nil
}

func (a *Approval) Complete(ctx context.Context, env *Env, step *models.StepInstance, in Input) (Completion, error) {
	if in.Kind != InputDecision {
		return Completion{}, rejectInput(step, in)
	}
	cfg := env.Step.Approval
	if !slices.Contains(step.Assignees, in.ActorID) {
		return Completion{}, fmt.Errorf("actor %s on step %s: %w", in.ActorID, step.ID, models.ErrNotAssignee)
	}

	record := models.ApprovalRecord{
		ApproverID: in.ActorID,
		Decision:   in.Decision,
		Comments:   in.Comments,
		DecidedAt:  env.Now,
	}

	switch in.Decision {
	case models.DecisionDelegated:
		if !cfg.AllowDelegation {
			return Completion{}, fmt.Errorf("step %s: %w", step.ID, models.ErrDelegationNotAllowed)
		}
		if in.DelegateTo == "" || in.DelegateTo == in.ActorID {
			return Completion{}, fmt.Errorf("step %s: delegation needs a different delegate: %w", step.ID, models.ErrInvalidInput)
		}
		if hasDecided(step.ApprovalRecords, in.ActorID) {
			return Completion{}, fmt.Errorf("actor %s on step %s already decided and cannot delegate: %w", in.ActorID, step.ID, models.ErrInvalidInput)
		}
		if slices.Contains(step.Assignees, in.DelegateTo) {
			return Completion{}, fmt.Errorf("step %s: %s is already an approver: %w", step.ID, in.DelegateTo, models.ErrInvalidInput)
		}
		record.DelegatedTo = in.DelegateTo
		step.ApprovalRecords = append(step.ApprovalRecords, record)
		// The delegate inherits the obligation; no approval slot is used.
		step.Assignees = replaceUser(step.Assignees, in.ActorID, in.DelegateTo)
		step.Status = models.StepDelegated
		return Completion{}, nil
	case models.DecisionApproved, models.DecisionRejected:
		step.ApprovalRecords = upsertDecision(step.ApprovalRecords, record)
	default:
		return Completion{}, fmt.Errorf("unknown decision %q: %w", in.Decision, models.ErrInvalidInput)
	}

	switch Tally(cfg, step) {
	case models.StepApproved:
		step.Status = models.StepApproved
		return Completion{Done: true}, nil
	case models.StepRejected:
		step.Status = models.StepRejected
		return Completion{Done: true}, nil
	}
	return Completion{}, nil
}

// Tally decides an approval step from its records. It returns StepApproved,
// StepRejected, or the empty status while the outcome is still open.
//
// With rejectOnFirst any rejection rejects the step. Otherwise the step is
// approved once RequiredApprovals approvals exist and rejected once the
// approvals plus the assignees who have not decided can no longer reach it.
func Tally(cfg *models.ApprovalConfig, step *models.StepInstance) models.StepStatus {
	approvals, rejections := 0, 0
	decided := make(map[string]bool)
	for _, r := range step.ApprovalRecords {
		switch r.Decision {
		case models.DecisionApproved:
			approvals++
			decided[r.ApproverID] = true
		case models.DecisionRejected:
			rejections++
			decided[r.ApproverID] = true
		}
	}

	if cfg.RejectOnFirst && rejections > 0 {
		return models.StepRejected
	}
	if approvals >= cfg.RequiredApprovals {
		return models.StepApproved
	}
	undecided := 0
	for _, u := range step.Assignees {
		if !decided[u] {
			undecided++
		}
	}
	if approvals+undecided < cfg.RequiredApprovals {
		return models.StepRejected
	}
	return ""
}

func hasDecided(records []models.ApprovalRecord, actorID string) bool {
	for _, r := range records {
		if r.ApproverID == actorID && r.Decision != models.DecisionDelegated {
			return true
		}
	}
	return false
}

// upsertDecision replaces an approver's earlier approve/reject decision.
func upsertDecision(records []models.ApprovalRecord, rec models.ApprovalRecord) []models.ApprovalRecord {
	for i := range records {
		r := records[i]
		if r.ApproverID == rec.ApproverID && r.Decision != models.DecisionDelegated {
			records[i] = rec
			return records
		}
	}
	return append(records, rec)
}

func replaceUser(users []string, from, to string) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		if u == from {
			u = to
		}
		if !slices.Contains(out, u) {
			out = append(out, u)
		}
	}
	return out
}

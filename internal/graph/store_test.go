package graph

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"procgenie/backend/internal/clock"
	"procgenie/backend/internal/expression"
	"procgenie/backend/internal/logging"
	"procgenie/backend/internal/repository"
	"procgenie/backend/pkg/models"
)

func newTestStore(t *testing.T) (*Store, *repository.MemoryStore) {
	t.Helper()
	mem := repository.NewMemoryStore()
	clk := clock.NewFake(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))
	return NewStore(mem, expression.NewEvaluator(nil, 64), clk, nil, logging.NewNop(), 16), mem
}

// purchaseFlow: start -> gate -> (approve | notify) -> end.
func purchaseFlow() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:       "purchase",
		TenantID: "acme",
		Name:     "Purchase request",
		Category: "purchase_request",
		Steps: []models.StepDefinition{
			{ID: "start", Type: models.StepTypeStart},
			{ID: "gate", Type: models.StepTypeConditionalGate, Gate: &models.ConditionalGateConfig{
				Conditions:          []models.GateCondition{{Expression: "amount > 10000", TargetStepID: "approve"}},
				DefaultTargetStepID: "notify",
			}},
			{ID: "approve", Type: models.StepTypeApproval, Approval: &models.ApprovalConfig{
				ApproverExpression: "requester.manager", RequiredApprovals: 1,
			}},
			{ID: "notify", Type: models.StepTypeNotification, Notify: &models.NotificationConfig{
				RecipientExpression: "context:requester.id", Channel: "email", TemplateID: "auto_approved",
			}},
			{ID: "end", Type: models.StepTypeEnd},
		},
		Edges: []models.Edge{
			{From: "start", To: "gate"},
			{From: "approve", To: "end"},
			{From: "notify", To: "end"},
		},
		SLAConfig: &models.SLAConfig{MaxDuration: "P2D"},
	}
}

func problemsOf(t *testing.T, err error) []string {
	t.Helper()
	var verr *models.DefinitionValidationError
	require.ErrorAs(t, err, &verr)
	return verr.Problems
}

func TestValidate(t *testing.T) {
	eval := expression.NewEvaluator(nil, 64)
	require.NoError(t, Validate(purchaseFlow(), eval))

	tests := []struct {
		name   string
		mutate func(d *models.WorkflowDefinition)
		want   string
	}{
		{"dangling edge", func(d *models.WorkflowDefinition) {
			d.Edges = append(d.Edges, models.Edge{From: "approve", To: "ghost"})
		}, `unknown step "ghost"`},
		{"missing gate default", func(d *models.WorkflowDefinition) {
			d.Steps[1].Gate.DefaultTargetStepID = ""
		}, "default_target_step_id is required"},
		{"cycle", func(d *models.WorkflowDefinition) {
			d.Edges = append(d.Edges, models.Edge{From: "approve", To: "gate", Label: models.EdgeLabelRejected})
		}, "cycle detected"},
		{"second start", func(d *models.WorkflowDefinition) {
			d.Steps = append(d.Steps, models.StepDefinition{ID: "start2", Type: models.StepTypeStart})
		}, "exactly one start step"},
		{"unreachable step", func(d *models.WorkflowDefinition) {
			d.Steps = append(d.Steps, models.StepDefinition{ID: "orphan", Type: models.StepTypeEnd})
		}, "orphan is unreachable"},
		{"dead end", func(d *models.WorkflowDefinition) {
			d.Edges = d.Edges[:2]
		}, "notify has no outgoing transition"},
		{"only a rejected edge", func(d *models.WorkflowDefinition) {
			d.Edges[1].Label = models.EdgeLabelRejected
		}, "approve needs an unconditional outgoing edge"},
		{"only conditional edges", func(d *models.WorkflowDefinition) {
			d.Edges[2].Condition = "amount > 10"
		}, "notify needs an unconditional outgoing edge"},
		{"two default edges", func(d *models.WorkflowDefinition) {
			d.Edges = append(d.Edges, models.Edge{From: "notify", To: "approve"})
		}, "notify has 2 unconditional outgoing edges"},
		{"two rejected edges", func(d *models.WorkflowDefinition) {
			d.Edges = append(d.Edges,
				models.Edge{From: "approve", To: "notify", Label: models.EdgeLabelRejected},
				models.Edge{From: "approve", To: "end", Label: models.EdgeLabelRejected})
		}, "approve has 2 Rejected edges"},
		{"bad duration", func(d *models.WorkflowDefinition) {
			d.SLAConfig.MaxDuration = "two days"
		}, "invalid ISO-8601 duration"},
		{"bad resolver", func(d *models.WorkflowDefinition) {
			d.Steps[2].Approval.ApproverExpression = "the boss"
		}, "unknown resolver"},
		{"bad predicate", func(d *models.WorkflowDefinition) {
			d.Steps[1].Gate.Conditions[0].Expression = "amount >"
		}, "condition 0"},
		{"unknown type", func(d *models.WorkflowDefinition) {
			d.Steps[3].Type = "script"
		}, `unknown step type "script"`},
		{"missing category", func(d *models.WorkflowDefinition) {
			d.Category = ""
		}, "category is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := purchaseFlow()
			tt.mutate(def)
			problems := problemsOf(t, Validate(def, eval))
			assert.Contains(t, joinProblems(problems), tt.want)
		})
	}
}

func TestValidate_ConditionalEdgesWithFallback(t *testing.T) {
	def := purchaseFlow()
	def.Edges = append(def.Edges[:2],
		models.Edge{From: "notify", To: "approve", Condition: "amount > 10"},
		models.Edge{From: "notify", To: "end"},
		models.Edge{From: "approve", To: "end", Label: models.EdgeLabelRejected},
	)
	assert.NoError(t, Validate(def, expression.NewEvaluator(nil, 64)))
}

func joinProblems(p []string) string {
	out := ""
	for _, s := range p {
		out += s + "\n"
	}
	return out
}

func TestValidate_ParallelJoin(t *testing.T) {
	def := &models.WorkflowDefinition{
		TenantID: "acme", Name: "Contract", Category: "contract",
		Steps: []models.StepDefinition{
			{ID: "start", Type: models.StepTypeStart},
			{ID: "fan", Type: models.StepTypeParallelBranch, Parallel: &models.ParallelBranchConfig{
				Branches:      []models.Branch{{Name: "legal", StartStepID: "legal"}, {Name: "finance", StartStepID: "finance"}},
				JoinCondition: models.JoinAll,
				JoinStepID:    "join",
			}},
			{ID: "legal", Type: models.StepTypeHumanTask, HumanTask: &models.HumanTaskConfig{AssigneeIDs: []string{"u-1"}}},
			{ID: "finance", Type: models.StepTypeHumanTask, HumanTask: &models.HumanTaskConfig{AssigneeIDs: []string{"u-2"}}},
			{ID: "join", Type: models.StepTypeNotification, Notify: &models.NotificationConfig{RecipientExpression: "user:u-3", TemplateID: "t"}},
			{ID: "end", Type: models.StepTypeEnd},
			{ID: "end2", Type: models.StepTypeEnd},
		},
		Edges: []models.Edge{
			{From: "start", To: "fan"},
			{From: "legal", To: "join"},
			{From: "finance", To: "end2"},
			{From: "join", To: "end"},
		},
	}
	problems := problemsOf(t, Validate(def, expression.NewEvaluator(nil, 8)))
	assert.Contains(t, joinProblems(problems), "branch finance never reaches join step join")

	def.Edges[2].To = "join"
	def.Steps = def.Steps[:6]
	assert.NoError(t, Validate(def, expression.NewEvaluator(nil, 8)))
}

func TestStore_PublishLifecycle(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	v1, err := store.Publish(ctx, purchaseFlow())
	require.NoError(t, err)
	assert.Equal(t, 1, v1)

	active, err := store.GetActiveDefinition(ctx, "acme", "purchase_request")
	require.NoError(t, err)
	assert.Equal(t, 1, active.Version)
	assert.Equal(t, models.DefinitionStatusActive, active.Status)

	edited := purchaseFlow()
	edited.Steps[2].Approval.RequiredApprovals = 2
	edited.Steps[2].Approval.ApproverIDs = []string{"u-1", "u-2"}
	v2, err := store.Publish(ctx, edited)
	require.NoError(t, err)
	assert.Equal(t, 2, v2)

	old, err := store.GetDefinition(ctx, "purchase", 1)
	require.NoError(t, err)
	assert.Equal(t, models.DefinitionStatusArchived, old.Status, "cache must not serve the stale active row")
	assert.Equal(t, 1, old.Steps[2].Approval.RequiredApprovals, "published rows are never edited")

	active, err = store.GetActiveDefinition(ctx, "acme", "purchase_request")
	require.NoError(t, err)
	assert.Equal(t, 2, active.Version)

	versions, err := store.ListVersions(ctx, "purchase")
	require.NoError(t, err)
	assert.Len(t, versions, 2)

	require.NoError(t, store.Archive(ctx, "acme", "purchase", 2))
	_, err = store.GetActiveDefinition(ctx, "acme", "purchase_request")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestStore_PublishRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	store, mem := newTestStore(t)

	def := purchaseFlow()
	def.Steps[1].Gate.DefaultTargetStepID = ""
	_, err := store.Publish(ctx, def)
	problemsOf(t, err)

	latest, err := mem.LatestVersion(ctx, "purchase")
	require.NoError(t, err)
	assert.Zero(t, latest)
}

func TestStore_Drafts(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	d1, err := store.SaveDraft(ctx, purchaseFlow())
	require.NoError(t, err)
	d2, err := store.SaveDraft(ctx, purchaseFlow())
	require.NoError(t, err)
	assert.Equal(t, d1.Version, d2.Version, "saving a draft twice overwrites it")

	v, err := store.Publish(ctx, purchaseFlow())
	require.NoError(t, err)
	assert.Equal(t, d1.Version, v, "publishing promotes the pending draft")

	d3, err := store.SaveDraft(ctx, purchaseFlow())
	require.NoError(t, err)
	assert.Equal(t, v+1, d3.Version)
}

func TestStore_ConcurrentPublishSingleActive(t *testing.T) {
	ctx := context.Background()
	store, mem := newTestStore(t)

	var wg sync.WaitGroup
	for _, id := range []string{"flow-a", "flow-b", "flow-c"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			def := purchaseFlow()
			def.ID = id
			_, _ = store.Publish(ctx, def)
		}(id)
	}
	wg.Wait()

	active, err := mem.ListActive(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestStore_TriggerCategoryAlias(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	def := purchaseFlow()
	def.TriggerCategories = []string{"it_hardware"}
	_, err := store.Publish(ctx, def)
	require.NoError(t, err)

	got, err := store.GetActiveDefinition(ctx, "acme", "it_hardware")
	require.NoError(t, err)
	assert.Equal(t, "purchase", got.ID)

	_, err = store.GetActiveDefinition(ctx, "acme", "travel")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"procgenie/backend/internal/clock"
	"procgenie/backend/internal/compensation"
	"procgenie/backend/internal/escalation"
	"procgenie/backend/internal/executor"
	"procgenie/backend/internal/expression"
	"procgenie/backend/internal/graph"
	"procgenie/backend/internal/lock"
	"procgenie/backend/internal/logging"
	"procgenie/backend/internal/repository"
	"procgenie/backend/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

type fakeAgents struct {
	mu    sync.Mutex
	tasks map[string]string
}

func (a *fakeAgents) SubmitTask(ctx context.Context, agentType string, input map[string]any) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tasks == nil {
		a.tasks = map[string]string{}
	}
	handle := fmt.Sprintf("task-%d", len(a.tasks)+1)
	a.tasks[handle] = agentType
	return handle, nil
}

type fakeExternal struct {
	mu            sync.Mutex
	fail          map[string]bool
	invocations   map[string]int
	compensations []string
}

func (f *fakeExternal) Invoke(ctx context.Context, integrationID, operation, dedupKey string, fields map[string]any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.invocations == nil {
		f.invocations = map[string]int{}
	}
	f.invocations[dedupKey]++
	if f.fail[integrationID] {
		return nil, &models.ExternalCallError{IntegrationID: integrationID, Operation: operation, Err: errors.New("503 service unavailable")}
	}
	return map[string]any{integrationID + "_ref": "ref-" + operation}, nil
}

func (f *fakeExternal) Compensate(ctx context.Context, integrationID, action string, recorded map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compensations = append(f.compensations, integrationID+":"+action)
	return nil
}

type sentMessage struct {
	recipients []string
	channel    string
	template   string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (n *recordingNotifier) Send(ctx context.Context, recipients []string, channel, templateID string, data map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMessage{recipients: recipients, channel: channel, template: templateID})
	return nil
}

func (n *recordingNotifier) templates() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, m := range n.sent {
		out = append(out, m.template)
	}
	return out
}

type recordingAudit struct {
	mu     sync.Mutex
	events []models.Event
}

func (a *recordingAudit) Record(ctx context.Context, ev models.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
}

func (a *recordingAudit) count(typ models.EventType) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, ev := range a.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type recordingEntities struct {
	mu       sync.Mutex
	outcomes map[string]models.InstanceStatus
}

func (e *recordingEntities) MarkOutcome(ctx context.Context, entityType, entityID string, status models.InstanceStatus, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.outcomes == nil {
		e.outcomes = map[string]models.InstanceStatus{}
	}
	e.outcomes[entityID] = status
	return nil
}

type harness struct {
	t         *testing.T
	rt        *Runtime
	store     *repository.MemoryStore
	graph     *graph.Store
	clock     *clock.Fake
	scheduler *escalation.Scheduler
	agents    *fakeAgents
	external  *fakeExternal
	notifier  *recordingNotifier
	audit     *recordingAudit
	entities  *recordingEntities
}

func newHarness(t *testing.T, cfg Config, defs ...*models.WorkflowDefinition) *harness {
	t.Helper()
	logger := logging.NewNop()
	store := repository.NewMemoryStore()
	clk := clock.NewFake(epoch)
	eval := expression.NewEvaluator(nil, 64)
	h := &harness{
		t:        t,
		store:    store,
		clock:    clk,
		agents:   &fakeAgents{},
		external: &fakeExternal{fail: map[string]bool{}},
		notifier: &recordingNotifier{},
		audit:    &recordingAudit{},
		entities: &recordingEntities{},
	}
	h.graph = graph.NewStore(store, eval, clk, h.audit, logger, 16)
	timers := clock.NewTimerService(store, clk, logger)

	h.rt = New(Deps{
		Definitions: h.graph,
		Instances:   store,
		Timers:      timers,
		Locker:      lock.NewLocalLocker(),
		Executors: executor.NewRegistry(executor.Deps{
			Eval:     eval,
			Agents:   h.agents,
			Notifier: h.notifier,
			External: h.external,
			Logger:   logger,
		}),
		Eval:         eval,
		Compensation: compensation.NewManager(h.external, nil, h.audit, clk, logger),
		Notifier:     h.notifier,
		Audit:        h.audit,
		Entities:     h.entities,
		Clock:        clk,
		Logger:       logger,
	}, cfg)
	h.scheduler = escalation.NewScheduler(timers, store, h.rt, escalation.Config{}, logger)

	for _, def := range defs {
		_, err := h.graph.Publish(context.Background(), def)
		require.NoError(t, err, "publish %s", def.Category)
	}
	return h
}

func (h *harness) start(category string, vars map[string]any) *models.WorkflowInstance {
	h.t.Helper()
	inst, err := h.rt.Start(context.Background(), StartRequest{
		TenantID:   "acme",
		Category:   category,
		EntityID:   "req-" + category,
		EntityType: "procurement_request",
		Context:    vars,
		ActorID:    "requester-1",
	})
	require.NoError(h.t, err)
	return inst
}

func (h *harness) get(id string) *models.WorkflowInstance {
	h.t.Helper()
	inst, err := h.rt.Get(context.Background(), id)
	require.NoError(h.t, err)
	return inst
}

// step returns the latest step instance of a step definition.
func step(t *testing.T, inst *models.WorkflowInstance, defID string) *models.StepInstance {
	t.Helper()
	for i := len(inst.Steps) - 1; i >= 0; i-- {
		if inst.Steps[i].DefinitionStepID == defID {
			return &inst.Steps[i]
		}
	}
	t.Fatalf("no step instance for %s", defID)
	return nil
}

func (h *harness) decide(inst *models.WorkflowInstance, defID, actor string, d models.Decision) (*models.WorkflowInstance, error) {
	return h.rt.SubmitDecision(context.Background(), DecisionRequest{
		InstanceID:     inst.ID,
		StepInstanceID: step(h.t, inst, defID).ID,
		ActorID:        actor,
		Decision:       d,
	})
}

func definition(category string, steps []models.StepDefinition, edges []models.Edge) *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:       category,
		TenantID: "acme",
		Name:     category,
		Category: category,
		Steps:    steps,
		Edges:    edges,
	}
}

func chain(ids ...string) []models.Edge {
	var out []models.Edge
	for i := 0; i+1 < len(ids); i++ {
		out = append(out, models.Edge{From: ids[i], To: ids[i+1]})
	}
	return out
}

var (
	startStep = models.StepDefinition{ID: "start", Type: models.StepTypeStart}
	endStep   = models.StepDefinition{ID: "end", Type: models.StepTypeEnd}
)

func approval(id string, required int, rejectOnFirst bool, approvers ...string) models.StepDefinition {
	return models.StepDefinition{ID: id, Name: id, Type: models.StepTypeApproval, Approval: &models.ApprovalConfig{
		ApproverIDs:       approvers,
		RequiredApprovals: required,
		RejectOnFirst:     rejectOnFirst,
	}}
}

func humanTask(id string, assignees ...string) models.StepDefinition {
	return models.StepDefinition{ID: id, Type: models.StepTypeHumanTask, HumanTask: &models.HumanTaskConfig{AssigneeIDs: assignees}}
}

func external(id, integration, compensationAction string) models.StepDefinition {
	return models.StepDefinition{ID: id, Type: models.StepTypeExternalSystem, External: &models.ExternalSystemConfig{
		IntegrationID:      integration,
		Operation:          "create",
		CompensationAction: compensationAction,
	}}
}

func TestApproval_RejectOnFirst(t *testing.T) {
	h := newHarness(t, Config{}, definition("contract",
		[]models.StepDefinition{startStep, approval("legal", 2, true, "u-1", "u-2"), endStep},
		chain("start", "legal", "end")))

	inst := h.start("contract", nil)
	assert.Equal(t, models.InstancePendingApproval, inst.Status)
	assert.Equal(t, []string{"u-1", "u-2"}, step(t, inst, "legal").Assignees)

	inst, err := h.decide(inst, "legal", "u-1", models.DecisionRejected)
	require.NoError(t, err)
	assert.Equal(t, models.StepRejected, step(t, inst, "legal").Status)
	assert.Equal(t, models.InstanceRejected, inst.Status)

	_, err = h.decide(inst, "legal", "u-2", models.DecisionApproved)
	assert.ErrorIs(t, err, models.ErrInstanceTerminal)

	stored := h.get(inst.ID)
	assert.Len(t, step(t, stored, "legal").ApprovalRecords, 1)
	assert.Equal(t, models.InstanceRejected, h.entities.outcomes["req-contract"])
	assert.Contains(t, h.notifier.templates(), "workflow_rejected")
}

func TestApproval_RequiredApprovals(t *testing.T) {
	h := newHarness(t, Config{}, definition("invoice",
		[]models.StepDefinition{startStep, approval("finance", 2, false, "u-1", "u-2", "u-3"), endStep},
		chain("start", "finance", "end")))

	inst := h.start("invoice", nil)

	inst, err := h.decide(inst, "finance", "u-1", models.DecisionApproved)
	require.NoError(t, err)
	assert.Equal(t, models.InstancePendingApproval, inst.Status)

	_, err = h.decide(inst, "finance", "outsider", models.DecisionApproved)
	assert.ErrorIs(t, err, models.ErrNotAssignee)

	inst, err = h.decide(inst, "finance", "u-3", models.DecisionApproved)
	require.NoError(t, err)
	assert.Equal(t, models.StepApproved, step(t, inst, "finance").Status)
	assert.Equal(t, models.InstanceCompleted, inst.Status)
	assert.NotNil(t, inst.CompletedAt)
	assert.Equal(t, 1, h.audit.count(models.EventInstanceCompleted))
	assert.Equal(t, 2, h.audit.count(models.EventDecisionRecorded))
}

func TestApproval_DelegationAfterDecidingIsRefused(t *testing.T) {
	legal := approval("legal", 2, false, "u-1", "u-2")
	legal.Approval.AllowDelegation = true
	h := newHarness(t, Config{}, definition("nda",
		[]models.StepDefinition{startStep, legal, endStep},
		chain("start", "legal", "end")))
	inst := h.start("nda", nil)

	inst, err := h.decide(inst, "legal", "u-1", models.DecisionApproved)
	require.NoError(t, err)

	_, err = h.rt.SubmitDecision(context.Background(), DecisionRequest{
		InstanceID:     inst.ID,
		StepInstanceID: step(t, inst, "legal").ID,
		ActorID:        "u-1",
		Decision:       models.DecisionDelegated,
		DelegateTo:     "u-9",
	})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = h.decide(inst, "legal", "u-9", models.DecisionApproved)
	assert.ErrorIs(t, err, models.ErrNotAssignee)

	stored := h.get(inst.ID)
	assert.Equal(t, models.InstancePendingApproval, stored.Status)
	assert.Equal(t, []string{"u-1", "u-2"}, step(t, stored, "legal").Assignees)
	assert.Len(t, step(t, stored, "legal").ApprovalRecords, 1)

	stored, err = h.decide(stored, "legal", "u-2", models.DecisionApproved)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceCompleted, stored.Status)
}

func TestApproval_TooFewApproversFailsAtActivation(t *testing.T) {
	def := definition("board_vote",
		[]models.StepDefinition{startStep, approval("board", 2, false, "u-1", "u-2"), endStep},
		chain("start", "board", "end"))
	def.DelegationRules = []models.DelegationRule{
		{FromUserID: "u-1", ToUserID: "chair"},
		{FromUserID: "u-2", ToUserID: "chair"},
	}
	h := newHarness(t, Config{}, def)

	inst := h.start("board_vote", nil)
	assert.Equal(t, models.InstanceFailed, inst.Status)
	assert.Contains(t, inst.Reason, "2 approvals are required")
}

func TestApproval_ConcurrentDecisions(t *testing.T) {
	approvers := []string{"u-1", "u-2", "u-3", "u-4", "u-5", "u-6"}
	h := newHarness(t, Config{}, definition("po",
		[]models.StepDefinition{startStep, approval("board", 3, false, approvers...), endStep},
		chain("start", "board", "end")))
	inst := h.start("po", nil)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for _, u := range approvers {
		wg.Add(1)
		go func(actor string) {
			defer wg.Done()
			_, err := h.decide(inst, "board", actor, models.DecisionApproved)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				accepted++
				return
			}
			assert.ErrorIs(t, err, models.ErrInstanceTerminal)
		}(u)
	}
	wg.Wait()

	stored := h.get(inst.ID)
	assert.Equal(t, 3, accepted)
	assert.Equal(t, models.InstanceCompleted, stored.Status)
	assert.Len(t, step(t, stored, "board").ApprovalRecords, 3)
}

func TestGate_RoutesOnMergedResult(t *testing.T) {
	steps := []models.StepDefinition{
		startStep,
		humanTask("quote", "buyer"),
		{ID: "gate", Type: models.StepTypeConditionalGate, Gate: &models.ConditionalGateConfig{
			Conditions:          []models.GateCondition{{Expression: "amount > 10000", TargetStepID: "cfo"}},
			DefaultTargetStepID: "end",
		}},
		approval("cfo", 1, false, "cfo-1"),
		endStep,
	}
	edges := append(chain("start", "quote", "gate"), models.Edge{From: "cfo", To: "end"})
	h := newHarness(t, Config{}, definition("purchase", steps, edges))

	low := h.start("purchase", nil)
	low, err := h.rt.CompleteTask(context.Background(), low.ID, step(t, low, "quote").ID, "buyer", map[string]any{"amount": 500})
	require.NoError(t, err)
	assert.Equal(t, models.InstanceCompleted, low.Status)
	assert.Equal(t, 500.0, low.Context["amount"])

	high := h.start("purchase", nil)
	_, err = h.rt.CompleteTask(context.Background(), high.ID, step(t, high, "quote").ID, "someone-else", nil)
	assert.ErrorIs(t, err, models.ErrNotAssignee)

	high, err = h.rt.CompleteTask(context.Background(), high.ID, step(t, high, "quote").ID, "buyer", map[string]any{"amount": 25000})
	require.NoError(t, err)
	assert.Equal(t, models.InstancePendingApproval, high.Status)
	assert.Equal(t, models.StepCurrent, step(t, high, "cfo").Status)
}

func parallelDefinition(join models.JoinCondition) *models.WorkflowDefinition {
	steps := []models.StepDefinition{
		startStep,
		{ID: "split", Type: models.StepTypeParallelBranch, Parallel: &models.ParallelBranchConfig{
			Branches: []models.Branch{
				{Name: "legal", StartStepID: "legal_review"},
				{Name: "finance", StartStepID: "reserve_budget"},
			},
			JoinCondition: join,
			JoinStepID:    "sign",
		}},
		humanTask("legal_review", "lawyer"),
		external("reserve_budget", "erp", "release_budget"),
		humanTask("finance_review", "controller"),
		humanTask("sign", "ceo"),
		endStep,
	}
	edges := append(chain("start", "split"),
		models.Edge{From: "legal_review", To: "sign"},
		models.Edge{From: "reserve_budget", To: "finance_review"},
		models.Edge{From: "finance_review", To: "sign"},
		models.Edge{From: "sign", To: "end"},
	)
	return definition("parallel_"+string(join), steps, edges)
}

func TestParallel_AnyJoinSkipsLosingBranch(t *testing.T) {
	h := newHarness(t, Config{}, parallelDefinition(models.JoinAny))
	inst := h.start("parallel_any", nil)

	assert.Equal(t, models.InstanceInReviewParallel, inst.Status)
	assert.Equal(t, models.StepCompleted, step(t, inst, "reserve_budget").Status)
	assert.Equal(t, models.StepCurrent, step(t, inst, "finance_review").Status)
	legal := step(t, inst, "legal_review")
	assert.Equal(t, "split", inst.Steps[1].DefinitionStepID)
	assert.Equal(t, inst.Steps[1].ID+":legal", legal.BranchID)

	inst, err := h.rt.CompleteTask(context.Background(), inst.ID, legal.ID, "lawyer", map[string]any{"clauses_ok": true})
	require.NoError(t, err)

	assert.Equal(t, models.StepSkipped, step(t, inst, "finance_review").Status)
	sign := step(t, inst, "sign")
	assert.Equal(t, models.StepCurrent, sign.Status)
	assert.Empty(t, sign.BranchID)
	assert.Equal(t, models.InstancePendingApproval, inst.Status)

	// The losing branch had already reserved budget.
	require.Len(t, inst.CompensationLog, 1)
	assert.Equal(t, step(t, inst, "reserve_budget").ID, inst.CompensationLog[0].StepID)
	assert.Equal(t, []string{"erp:release_budget"}, h.external.compensations)

	_, err = h.rt.CompleteTask(context.Background(), inst.ID, step(t, inst, "finance_review").ID, "controller", nil)
	assert.ErrorIs(t, err, models.ErrStepNotActive)

	inst, err = h.rt.CompleteTask(context.Background(), inst.ID, sign.ID, "ceo", nil)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceCompleted, inst.Status)
	assert.Equal(t, true, inst.Context["clauses_ok"])
}

func TestParallel_AllJoinWaitsForEveryBranch(t *testing.T) {
	h := newHarness(t, Config{}, parallelDefinition(models.JoinAll))
	inst := h.start("parallel_all", nil)

	inst, err := h.rt.CompleteTask(context.Background(), inst.ID, step(t, inst, "legal_review").ID, "lawyer", nil)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceInReviewParallel, inst.Status)
	for _, s := range inst.Steps {
		assert.NotEqual(t, "sign", s.DefinitionStepID, "join must wait for the finance branch")
	}

	inst, err = h.rt.CompleteTask(context.Background(), inst.ID, step(t, inst, "finance_review").ID, "controller", nil)
	require.NoError(t, err)
	assert.Equal(t, models.StepCurrent, step(t, inst, "sign").Status)
	assert.Equal(t, models.InstancePendingApproval, inst.Status)
	assert.Empty(t, inst.CompensationLog)

	join, ok := inst.Join(inst.Steps[1].ID)
	require.True(t, ok)
	assert.True(t, join.Joined)
}

func TestTimer_EscalateKeepsStepStatus(t *testing.T) {
	h := newHarness(t, Config{}, definition("hold",
		[]models.StepDefinition{
			startStep,
			{ID: "cooldown", Type: models.StepTypeTimer, Timer: &models.TimerConfig{Duration: "PT1H", OnExpiry: models.ExpiryEscalate}},
			endStep,
		},
		chain("start", "cooldown", "end")))
	inst := h.start("hold", nil)
	assert.Equal(t, models.InstanceInProgress, inst.Status)

	h.clock.Advance(59 * time.Minute)
	assert.Equal(t, 0, h.scheduler.Tick(context.Background()))
	assert.Equal(t, 0, step(t, h.get(inst.ID), "cooldown").EscalationLevel)

	h.clock.Advance(time.Minute)
	assert.Equal(t, 1, h.scheduler.Tick(context.Background()))

	inst = h.get(inst.ID)
	cooldown := step(t, inst, "cooldown")
	assert.Equal(t, 1, cooldown.EscalationLevel)
	assert.Equal(t, models.StepCurrent, cooldown.Status)
	assert.Equal(t, models.InstanceInProgress, inst.Status)
	assert.Equal(t, 1, h.audit.count(models.EventStepEscalated))

	inst, err := h.rt.CompleteTask(context.Background(), inst.ID, cooldown.ID, "ops", nil)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceCompleted, inst.Status)
}

func TestTimer_CancelOnExpiry(t *testing.T) {
	h := newHarness(t, Config{}, definition("quote_window",
		[]models.StepDefinition{
			startStep,
			{ID: "window", Type: models.StepTypeTimer, Timer: &models.TimerConfig{Duration: "P1D", OnExpiry: models.ExpiryCancel}},
			endStep,
		},
		chain("start", "window", "end")))
	inst := h.start("quote_window", nil)

	h.clock.Advance(24 * time.Hour)
	h.scheduler.Tick(context.Background())

	inst = h.get(inst.ID)
	assert.Equal(t, models.InstanceCancelled, inst.Status)
	assert.Equal(t, models.StepTimedOut, step(t, inst, "window").Status)
}

func escalatingDefinition() *models.WorkflowDefinition {
	def := definition("capex",
		[]models.StepDefinition{startStep, approval("manager", 1, false, "mgr-1"), endStep},
		chain("start", "manager", "end"))
	def.SLAConfig = &models.SLAConfig{MaxDuration: "PT4H"}
	def.EscalationRules = []models.EscalationRule{
		{Level: 1, TargetExpression: "user:director", AutoReassign: true, TemplateID: "approval_overdue"},
		{Level: 2, After: "PT2H", TargetExpression: "user:cfo", Channel: "sms"},
	}
	return def
}

func TestEscalation_Ladder(t *testing.T) {
	h := newHarness(t, Config{}, escalatingDefinition())
	inst := h.start("capex", nil)
	manager := step(t, inst, "manager")
	require.NotNil(t, manager.SLADeadline)
	assert.Equal(t, epoch.Add(4*time.Hour), *manager.SLADeadline)

	h.clock.Advance(4 * time.Hour)
	assert.Equal(t, 1, h.scheduler.Tick(context.Background()))

	inst = h.get(inst.ID)
	manager = step(t, inst, "manager")
	assert.Equal(t, 1, manager.EscalationLevel)
	assert.Equal(t, models.StepEscalated, manager.Status)
	assert.Equal(t, []string{"director"}, manager.Assignees)
	require.Len(t, h.notifier.sent, 1)
	assert.Equal(t, sentMessage{recipients: []string{"director"}, channel: "email", template: "approval_overdue"}, h.notifier.sent[0])

	// A duplicate delivery of the same level changes nothing.
	require.NoError(t, h.rt.FireTimer(context.Background(), &models.Timer{
		ID:             models.TimerID(models.TimerSLABreach, manager.ID, 1),
		Kind:           models.TimerSLABreach,
		InstanceID:     inst.ID,
		StepInstanceID: manager.ID,
		Level:          1,
	}))
	require.NoError(t, h.rt.EscalateOverdue(context.Background(), repository.OverdueStep{InstanceID: inst.ID, StepInstanceID: manager.ID}))
	assert.Len(t, h.notifier.sent, 1)
	assert.Equal(t, 1, h.audit.count(models.EventStepEscalated))

	h.clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, h.scheduler.Tick(context.Background()))
	inst = h.get(inst.ID)
	manager = step(t, inst, "manager")
	assert.Equal(t, 2, manager.EscalationLevel)
	assert.Equal(t, []string{"director"}, manager.Assignees, "level 2 only notifies")
	assert.Equal(t, sentMessage{recipients: []string{"cfo"}, channel: "sms", template: defaultEscalationTemplate}, h.notifier.sent[1])

	_, err := h.decide(inst, "manager", "mgr-1", models.DecisionApproved)
	assert.ErrorIs(t, err, models.ErrNotAssignee)
	inst, err = h.decide(inst, "manager", "director", models.DecisionApproved)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceCompleted, inst.Status)
}

func TestEscalation_OverdueSweepRecoversLostTimer(t *testing.T) {
	h := newHarness(t, Config{}, escalatingDefinition())
	inst := h.start("capex", nil)
	manager := step(t, inst, "manager")
	require.NoError(t, h.store.DeleteTimersForStep(context.Background(), manager.ID))

	h.clock.Advance(5 * time.Hour)
	assert.Equal(t, 1, h.scheduler.Tick(context.Background()), "the sweep handles the step")

	inst = h.get(inst.ID)
	assert.Equal(t, 1, step(t, inst, "manager").EscalationLevel)
	assert.Equal(t, []string{"director"}, step(t, inst, "manager").Assignees)
}

func TestSuspendResume(t *testing.T) {
	h := newHarness(t, Config{SuspendedRetry: 10 * time.Minute}, escalatingDefinition())
	inst := h.start("capex", nil)

	inst, err := h.rt.Suspend(context.Background(), inst.ID, "admin", "budget freeze")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceSuspended, inst.Status)
	assert.Equal(t, models.InstancePendingApproval, inst.PriorStatus)

	_, err = h.decide(inst, "manager", "mgr-1", models.DecisionApproved)
	assert.ErrorIs(t, err, models.ErrInstanceSuspended)
	_, err = h.rt.Suspend(context.Background(), inst.ID, "admin", "again")
	assert.ErrorIs(t, err, models.ErrInstanceSuspended)

	// The SLA timer fires during the freeze and is deferred.
	h.clock.Advance(4 * time.Hour)
	h.scheduler.Tick(context.Background())
	assert.Equal(t, 0, step(t, h.get(inst.ID), "manager").EscalationLevel)
	next, err := h.store.NextDue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, epoch.Add(4*time.Hour+10*time.Minute), *next)

	inst, err = h.rt.Resume(context.Background(), inst.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, models.InstancePendingApproval, inst.Status)
	_, err = h.rt.Resume(context.Background(), inst.ID, "admin")
	assert.ErrorIs(t, err, models.ErrConflict)

	inst, err = h.decide(inst, "manager", "mgr-1", models.DecisionApproved)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceCompleted, inst.Status)
}

func TestCancel(t *testing.T) {
	h := newHarness(t, Config{}, escalatingDefinition())
	inst := h.start("capex", nil)

	inst, err := h.rt.Cancel(context.Background(), inst.ID, "requester-1", "")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceCancelled, inst.Status)
	assert.Equal(t, "cancelled by requester-1", inst.Reason)
	assert.Equal(t, models.StepSkipped, step(t, inst, "manager").Status)

	next, err := h.store.NextDue(context.Background())
	require.NoError(t, err)
	assert.Nil(t, next, "timers of skipped steps are cancelled")

	_, err = h.rt.Cancel(context.Background(), inst.ID, "requester-1", "")
	assert.ErrorIs(t, err, models.ErrInstanceTerminal)
	assert.Equal(t, models.InstanceCancelled, h.entities.outcomes["req-capex"])
}

func TestAgentCheckpointThenCompensation(t *testing.T) {
	steps := []models.StepDefinition{
		startStep,
		external("create_po", "erp", "cancel_po"),
		{ID: "classify", Type: models.StepTypeAgentTask, Agent: &models.AgentTaskConfig{
			AgentType:          "classifier",
			HITLThreshold:      0.8,
			ReviewerExpression: "user:reviewer",
		}},
		external("post_ledger", "ledger", ""),
		endStep,
	}
	h := newHarness(t, Config{}, definition("po_flow", steps, chain("start", "create_po", "classify", "post_ledger", "end")))
	h.external.fail["ledger"] = true

	inst := h.start("po_flow", map[string]any{"amount": 1200})
	createPO := step(t, inst, "create_po")
	assert.Equal(t, models.StepCompleted, createPO.Status)
	assert.Equal(t, "ref-create", inst.Context["erp_ref"])
	classify := step(t, inst, "classify")
	require.NotEmpty(t, classify.TaskHandle)

	owner, err := h.rt.InstanceByTaskHandle(context.Background(), classify.TaskHandle)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, owner.ID)
	assert.Equal(t, "acme", owner.TenantID)
	_, err = h.rt.InstanceByTaskHandle(context.Background(), "task-unknown")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = h.rt.OnAgentResult(context.Background(), classify.TaskHandle, nil, 1.4)
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	inst, err = h.rt.OnAgentResult(context.Background(), classify.TaskHandle, map[string]any{"category": "hardware"}, 0.4)
	require.NoError(t, err)
	classify = step(t, inst, "classify")
	assert.Equal(t, models.StepCurrent, classify.Status)
	require.NotNil(t, classify.HITL)
	assert.Equal(t, 0.4, classify.HITL.Confidence)
	assert.Equal(t, models.InstancePendingApproval, inst.Status)
	assert.Equal(t, 1, h.audit.count(models.EventCheckpointRaised))

	inst, err = h.rt.ResolveCheckpoint(context.Background(), inst.ID, classify.ID, "reviewer", true, map[string]any{"category": "software"})
	require.NoError(t, err)

	assert.Equal(t, models.InstanceFailed, inst.Status)
	assert.Equal(t, models.StepFailed, step(t, inst, "post_ledger").Status)
	assert.Equal(t, "software", inst.Context["category"])
	require.Len(t, inst.CompensationLog, 1)
	assert.Equal(t, createPO.ID, inst.CompensationLog[0].StepID)
	assert.True(t, inst.CompensationLog[0].Success)
	assert.Equal(t, []string{"erp:cancel_po"}, h.external.compensations)
	assert.Equal(t, 1, h.external.invocations[executor.DedupKey(inst.ID, "create_po")])
	assert.Equal(t, 1, h.audit.count(models.EventCompensationApplied))
	assert.Equal(t, models.InstanceFailed, h.entities.outcomes["req-po_flow"])
}

func TestSubWorkflow_ResultFlowsToParent(t *testing.T) {
	parent := definition("onboarding",
		[]models.StepDefinition{
			startStep,
			{ID: "vendor", Type: models.StepTypeSubWorkflow, SubWorkflow: &models.SubWorkflowConfig{
				Category:      "vendor_check",
				InputMapping:  map[string]string{"vendor": "vendor.name"},
				OutputMapping: map[string]string{"vendor_risk": "risk"},
			}},
			endStep,
		},
		chain("start", "vendor", "end"))
	child := definition("vendor_check",
		[]models.StepDefinition{startStep, humanTask("assess", "risk-officer"), endStep},
		chain("start", "assess", "end"))
	h := newHarness(t, Config{}, parent, child)

	inst := h.start("onboarding", map[string]any{"vendor": map[string]any{"name": "Initech"}})
	vendor := step(t, inst, "vendor")
	require.NotEmpty(t, vendor.ChildInstanceID)

	kid := h.get(vendor.ChildInstanceID)
	assert.Equal(t, inst.ID, kid.ParentInstanceID)
	assert.Equal(t, vendor.ID, kid.ParentStepInstanceID)
	assert.Equal(t, 1, kid.Depth)
	assert.Equal(t, "Initech", kid.Context["vendor"])
	assert.Equal(t, models.InstancePendingApproval, kid.Status)

	_, err := h.rt.CompleteTask(context.Background(), kid.ID, step(t, kid, "assess").ID, "risk-officer", map[string]any{"risk": "low"})
	require.NoError(t, err)

	assert.Equal(t, models.InstanceCompleted, h.get(kid.ID).Status)
	inst = h.get(inst.ID)
	assert.Equal(t, models.InstanceCompleted, inst.Status)
	assert.Equal(t, "low", inst.Context["vendor_risk"])
}

func TestSubWorkflow_SuspendedParentCollectsOnResume(t *testing.T) {
	parent := definition("onboarding",
		[]models.StepDefinition{
			startStep,
			{ID: "vendor", Type: models.StepTypeSubWorkflow, SubWorkflow: &models.SubWorkflowConfig{Category: "vendor_check"}},
			endStep,
		},
		chain("start", "vendor", "end"))
	child := definition("vendor_check",
		[]models.StepDefinition{startStep, humanTask("assess", "risk-officer"), endStep},
		chain("start", "assess", "end"))
	h := newHarness(t, Config{}, parent, child)

	inst := h.start("onboarding", nil)
	kid := h.get(step(t, inst, "vendor").ChildInstanceID)

	_, err := h.rt.Suspend(context.Background(), inst.ID, "admin", "")
	require.NoError(t, err)
	_, err = h.rt.CompleteTask(context.Background(), kid.ID, step(t, kid, "assess").ID, "risk-officer", nil)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceSuspended, h.get(inst.ID).Status)

	inst, err = h.rt.Resume(context.Background(), inst.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceCompleted, inst.Status)
}

func TestSubWorkflow_DepthLimit(t *testing.T) {
	loop := definition("loop",
		[]models.StepDefinition{
			startStep,
			{ID: "again", Type: models.StepTypeSubWorkflow, SubWorkflow: &models.SubWorkflowConfig{Category: "loop"}},
			endStep,
		},
		chain("start", "again", "end"))
	h := newHarness(t, Config{MaxSubWorkflowDepth: 2}, loop)

	root := h.start("loop", nil)
	assert.Equal(t, models.InstanceFailed, h.get(root.ID).Status)

	all, err := h.rt.List(context.Background(), repository.InstanceFilter{TenantID: "acme"})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	for _, inst := range all {
		assert.Equal(t, models.InstanceFailed, inst.Status, "instance at depth %d", inst.Depth)
	}
}

func TestStart_Errors(t *testing.T) {
	h := newHarness(t, Config{}, definition("contract",
		[]models.StepDefinition{startStep, approval("legal", 1, false, "u-1"), endStep},
		chain("start", "legal", "end")))

	_, err := h.rt.Start(context.Background(), StartRequest{TenantID: "acme", Category: "unknown"})
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = h.rt.Start(context.Background(), StartRequest{TenantID: "acme"})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = h.rt.Start(context.Background(), StartRequest{TenantID: "acme", DefinitionID: "contract"})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	inst, err := h.rt.Start(context.Background(), StartRequest{TenantID: "acme", DefinitionID: "contract", Version: 1, ActorID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "bob"}, inst.Context["requester"])
}

func TestInstance_StoredStateMatchesReturned(t *testing.T) {
	h := newHarness(t, Config{}, parallelDefinition(models.JoinAll))
	inst := h.start("parallel_all", map[string]any{"amount": 42, "tags": []string{"it"}})

	stored := h.get(inst.ID)
	assert.Equal(t, inst.Status, stored.Status)
	assert.Equal(t, inst.Steps, stored.Steps)
	assert.Equal(t, inst.Context, stored.Context)
	assert.Equal(t, inst.Joins, stored.Joins)
}

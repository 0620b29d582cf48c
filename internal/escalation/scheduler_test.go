package escalation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"procgenie/backend/internal/clock"
	"procgenie/backend/internal/logging"
	"procgenie/backend/internal/repository"
	"procgenie/backend/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var deadline = time.Date(2026, 4, 3, 9, 0, 0, 0, time.UTC)

func ladderDefinition() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		EscalationRules: []models.EscalationRule{
			{Level: 1, TargetExpression: "requester.manager"},
			{Level: 2, After: "PT4H", TargetExpression: "role:procurement_head", AutoReassign: true},
			{Level: 3, After: "P1D", TargetExpression: "role:cfo", StepIDs: []string{"finance"}},
		},
	}
}

func TestDueAt(t *testing.T) {
	def := ladderDefinition()

	due, ok, err := DueAt(def, "approve", deadline, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, deadline, due)

	due, ok, err = DueAt(def, "approve", deadline, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, deadline.Add(4*time.Hour), due)

	_, ok, err = DueAt(def, "approve", deadline, 3)
	require.NoError(t, err)
	assert.False(t, ok, "level 3 only covers the finance step")

	_, ok, err = DueAt(&models.WorkflowDefinition{}, "approve", deadline, 1)
	require.NoError(t, err)
	assert.True(t, ok, "level 1 fires even without a rule")

	_, _, err = DueAt(&models.WorkflowDefinition{EscalationRules: []models.EscalationRule{{Level: 1, After: "soon"}}}, "x", deadline, 1)
	assert.Error(t, err)
}

func TestPlan(t *testing.T) {
	def := ladderDefinition()

	plan, err := Plan(def, "finance", deadline)
	require.NoError(t, err)
	require.Len(t, plan, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{plan[0].Level, plan[1].Level, plan[2].Level})
	assert.Equal(t, deadline.Add(24*time.Hour), plan[2].DueAt)

	plan, err = Plan(&models.WorkflowDefinition{}, "approve", deadline)
	require.NoError(t, err)
	require.Len(t, plan, 1)
	assert.Nil(t, plan[0].Rule)
}

type recordingHandler struct {
	mu      sync.Mutex
	fired   []string
	overdue []string
	fail    map[string]bool
	timers  *clock.TimerService
}

func (h *recordingHandler) FireTimer(ctx context.Context, t *models.Timer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail[t.ID] {
		return errors.New("instance locked")
	}
	h.fired = append(h.fired, t.ID)
	return h.timers.Done(ctx, t)
}

func (h *recordingHandler) EscalateOverdue(ctx context.Context, step repository.OverdueStep) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.overdue = append(h.overdue, step.StepInstanceID)
	return nil
}

func (h *recordingHandler) firedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.fired)
}

func newScheduler(t *testing.T, cfg Config) (*Scheduler, *clock.TimerService, *clock.Fake, *recordingHandler, *repository.MemoryStore) {
	t.Helper()
	mem := repository.NewMemoryStore()
	clk := clock.NewFake(deadline)
	timers := clock.NewTimerService(mem, clk, logging.NewNop())
	h := &recordingHandler{fail: map[string]bool{}, timers: timers}
	return NewScheduler(timers, mem, h, cfg, logging.NewNop()), timers, clk, h, mem
}

func TestScheduler_TickFiresDueTimers(t *testing.T) {
	ctx := context.Background()
	s, timers, clk, h, _ := newScheduler(t, Config{BatchSize: 2, Lease: time.Minute})

	for _, id := range []string{"s-1", "s-2", "s-3"} {
		_, err := timers.Schedule(ctx, models.TimerSLABreach, "inst-1", id, 1, deadline.Add(-time.Minute))
		require.NoError(t, err)
	}
	_, err := timers.Schedule(ctx, models.TimerSLABreach, "inst-1", "s-4", 1, deadline.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, 3, s.Tick(ctx), "batches are drained until a short batch")
	assert.Equal(t, 0, s.Tick(ctx))

	clk.Advance(2 * time.Hour)
	assert.Equal(t, 1, s.Tick(ctx))
	assert.Len(t, h.fired, 4)
}

func TestScheduler_FailedTimerIsRetriedAfterLease(t *testing.T) {
	ctx := context.Background()
	s, timers, clk, h, _ := newScheduler(t, Config{BatchSize: 10, Lease: time.Minute})

	timer, err := timers.Schedule(ctx, models.TimerStepExpiry, "inst-1", "s-1", 0, deadline)
	require.NoError(t, err)
	h.fail[timer.ID] = true

	assert.Equal(t, 0, s.Tick(ctx))
	h.fail[timer.ID] = false
	assert.Equal(t, 0, s.Tick(ctx), "still leased")

	clk.Advance(2 * time.Minute)
	assert.Equal(t, 1, s.Tick(ctx))
}

func TestScheduler_SweepsOverdueSteps(t *testing.T) {
	ctx := context.Background()
	s, _, _, h, mem := newScheduler(t, Config{BatchSize: 10})

	past := deadline.Add(-time.Hour)
	require.NoError(t, mem.CreateInstance(ctx, &models.WorkflowInstance{
		ID:     "inst-1",
		Status: models.InstancePendingApproval,
		Steps: []models.StepInstance{
			{ID: "s-1", Status: models.StepCurrent, SLADeadline: &past},
			{ID: "s-2", Status: models.StepCurrent, SLADeadline: &past, EscalationLevel: 1},
		},
	}))

	assert.Equal(t, 1, s.Tick(ctx))
	assert.Equal(t, []string{"s-1"}, h.overdue)
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	s, timers, _, h, _ := newScheduler(t, Config{PollInterval: 20 * time.Millisecond, BatchSize: 10})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	_, err := timers.Schedule(context.Background(), models.TimerSLABreach, "inst-1", "s-1", 1, deadline)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return h.firedCount() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

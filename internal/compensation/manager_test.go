package compensation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"procgenie/backend/internal/clock"
	"procgenie/backend/internal/logging"
	"procgenie/backend/pkg/models"
)

type mockAdapter struct {
	mock.Mock
}

func (m *mockAdapter) Invoke(ctx context.Context, integrationID, operation, dedupKey string, fields map[string]any) (map[string]any, error) {
	args := m.Called(ctx, integrationID, operation, dedupKey, fields)
	out, _ := args.Get(0).(map[string]any)
	return out, args.Error(1)
}

func (m *mockAdapter) Compensate(ctx context.Context, integrationID, action string, recorded map[string]any) error {
	return m.Called(ctx, integrationID, action, recorded).Error(0)
}

type recordingAlerts struct {
	mu       sync.Mutex
	messages []string
}

func (a *recordingAlerts) Alert(ctx context.Context, instanceID, message string, fields map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, instanceID+": "+message)
}

func completed(id, action string, seq int) models.StepInstance {
	at := time.Date(2026, 4, 1, 9, seq, 0, 0, time.UTC)
	return models.StepInstance{
		ID:                 id,
		DefinitionStepID:   id,
		Type:               models.StepTypeExternalSystem,
		Status:             models.StepCompleted,
		CompletedAt:        &at,
		CompletionSeq:      seq,
		IntegrationID:      "erp",
		CompensationAction: action,
		DedupKey:           "inst-1:" + id,
	}
}

func failedInstance() *models.WorkflowInstance {
	approval := models.StepInstance{ID: "approve", Type: models.StepTypeApproval, Status: models.StepApproved, CompletionSeq: 1}
	at := time.Date(2026, 4, 1, 9, 1, 0, 0, time.UTC)
	approval.CompletedAt = &at
	return &models.WorkflowInstance{
		ID:     "inst-1",
		Status: models.InstanceCompensating,
		Steps: []models.StepInstance{
			approval,
			completed("reserve_budget", "release_budget", 2),
			completed("create_po", "cancel_po", 3),
			completed("email", "", 4),
		},
	}
}

func newManager(adapter *mockAdapter, alerts *recordingAlerts) *Manager {
	clk := clock.NewFake(time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC))
	return NewManager(adapter, alerts, nil, clk, logging.NewNop())
}

func TestCompensate_ReverseOrder(t *testing.T) {
	ctx := context.Background()
	adapter := new(mockAdapter)
	var order []string
	adapter.On("Compensate", ctx, "erp", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { order = append(order, args.String(2)) }).
		Return(nil)

	inst := failedInstance()
	failed := newManager(adapter, &recordingAlerts{}).Compensate(ctx, inst)

	assert.Zero(t, failed)
	assert.Equal(t, []string{"cancel_po", "release_budget"}, order)
	require.Len(t, inst.CompensationLog, 2)
	assert.Equal(t, "create_po", inst.CompensationLog[0].StepID)
	assert.True(t, inst.CompensationLog[0].Success)
}

func TestCompensate_FailureAlertsAndContinues(t *testing.T) {
	ctx := context.Background()
	adapter := new(mockAdapter)
	adapter.On("Compensate", ctx, "erp", "cancel_po", mock.Anything).Return(errors.New("erp unavailable"))
	adapter.On("Compensate", ctx, "erp", "release_budget", mock.Anything).Return(nil)
	alerts := &recordingAlerts{}

	inst := failedInstance()
	failed := newManager(adapter, alerts).Compensate(ctx, inst)

	assert.Equal(t, 1, failed)
	require.Len(t, inst.CompensationLog, 2)
	assert.False(t, inst.CompensationLog[0].Success)
	assert.Contains(t, inst.CompensationLog[0].Error, "erp unavailable")
	assert.True(t, inst.CompensationLog[1].Success)
	assert.Equal(t, []string{"inst-1: compensation failed"}, alerts.messages)
}

func TestCompensate_PassesDedupKey(t *testing.T) {
	ctx := context.Background()
	adapter := new(mockAdapter)
	adapter.On("Compensate", ctx, "erp", "cancel_po", mock.MatchedBy(func(rec map[string]any) bool {
		return rec["dedup_key"] == "inst-1:create_po"
	})).Return(nil).Once()

	inst := &models.WorkflowInstance{ID: "inst-1", Steps: []models.StepInstance{completed("create_po", "cancel_po", 1)}}
	newManager(adapter, &recordingAlerts{}).Compensate(ctx, inst)
	adapter.AssertExpectations(t)
}

func TestCompensate_AttemptsEachStepOnce(t *testing.T) {
	ctx := context.Background()
	adapter := new(mockAdapter)
	adapter.On("Compensate", ctx, "erp", mock.Anything, mock.Anything).Return(errors.New("down"))

	inst := failedInstance()
	m := newManager(adapter, &recordingAlerts{})
	m.Compensate(ctx, inst)
	m.Compensate(ctx, inst)

	adapter.AssertNumberOfCalls(t, "Compensate", 2)
	assert.Len(t, inst.CompensationLog, 2)
}

func TestReplay(t *testing.T) {
	ctx := context.Background()
	adapter := new(mockAdapter)
	adapter.On("Compensate", ctx, "erp", "cancel_po", mock.Anything).Return(errors.New("down")).Once()
	adapter.On("Compensate", ctx, "erp", "release_budget", mock.Anything).Return(nil).Once()
	adapter.On("Compensate", ctx, "erp", "cancel_po", mock.Anything).Return(nil).Once()

	inst := failedInstance()
	m := newManager(adapter, &recordingAlerts{})
	m.Compensate(ctx, inst)

	entry, err := m.Replay(ctx, inst, "create_po")
	require.NoError(t, err)
	assert.True(t, entry.Success)
	assert.True(t, entry.Replay)
	assert.Len(t, inst.CompensationLog, 3)

	_, err = m.Replay(ctx, inst, "create_po")
	assert.ErrorIs(t, err, models.ErrConflict)

	_, err = m.Replay(ctx, inst, "approve")
	assert.Error(t, err)

	_, err = m.Replay(ctx, inst, "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestReplay_FailureIsReported(t *testing.T) {
	ctx := context.Background()
	adapter := new(mockAdapter)
	adapter.On("Compensate", ctx, "erp", "cancel_po", mock.Anything).Return(errors.New("still down"))

	inst := &models.WorkflowInstance{ID: "inst-1", Steps: []models.StepInstance{completed("create_po", "cancel_po", 1)}}
	_, err := newManager(adapter, &recordingAlerts{}).Replay(ctx, inst, "create_po")

	var failure *models.CompensationFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "cancel_po", failure.Action)
	assert.Len(t, inst.CompensationLog, 1)
}

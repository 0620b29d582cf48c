package repository

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"procgenie/backend/pkg/models"
)

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}
	require.NoError(t, Migrate(strings.Replace(connStr, "postgres://", "pgx5://", 1)))

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	store := NewPostgresStore(pool)
	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("Definitions CAS", func(t *testing.T) {
		id := uuid.New().String()
		v1 := draft(id, 1)
		v1.CreatedAt = now
		require.NoError(t, store.InsertDefinition(ctx, v1))
		require.NoError(t, store.Activate(ctx, v1, nil, now))

		v2 := draft(id, 2)
		v2.CreatedAt = now
		require.NoError(t, store.InsertDefinition(ctx, v2))
		assert.ErrorIs(t, store.Activate(ctx, v2, nil, now), models.ErrConflict)
		require.NoError(t, store.Activate(ctx, v2, &ActiveRef{DefinitionID: id, Version: 1}, now))

		got, err := store.GetDefinition(ctx, id, 1)
		require.NoError(t, err)
		assert.Equal(t, models.DefinitionStatusArchived, got.Status)

		ref, err := store.ActiveRef(ctx, "acme", "purchase_request")
		require.NoError(t, err)
		assert.Equal(t, 2, ref.Version)

		latest, err := store.LatestVersion(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 2, latest)
	})

	t.Run("Instance round trip", func(t *testing.T) {
		deadline := now.Add(time.Hour)
		inst := &models.WorkflowInstance{
			ID:                uuid.New().String(),
			TenantID:          "acme",
			DefinitionID:      "wf",
			DefinitionVersion: 2,
			EntityID:          "PR-1001",
			EntityType:        "purchase_request",
			Status:            models.InstancePendingApproval,
			Context: map[string]any{
				"amount":    4200.5,
				"requester": map[string]any{"id": "u-1", "manager": "u-2"},
				"tags":      []any{"it", "hardware"},
			},
			Steps: []models.StepInstance{
				{ID: "s-1", DefinitionStepID: "start", Type: models.StepTypeStart, Status: models.StepCompleted, ActivatedAt: now, CompletedAt: &now, CompletionSeq: 1},
				{ID: "s-2", DefinitionStepID: "approve", Type: models.StepTypeApproval, Status: models.StepCurrent, Assignees: []string{"u-2"}, SLADeadline: &deadline, ActivatedAt: now, TaskHandle: "task-9"},
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
		require.NoError(t, store.CreateInstance(ctx, inst))

		loaded, err := store.GetInstance(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, inst.Status, loaded.Status)
		assert.Equal(t, inst.Context, loaded.Context)
		require.Len(t, loaded.Steps, 2)
		assert.Equal(t, inst.Steps[1].Assignees, loaded.Steps[1].Assignees)
		assert.True(t, inst.Steps[1].SLADeadline.Equal(*loaded.Steps[1].SLADeadline))

		loaded.Steps[1].Status = models.StepApproved
		require.NoError(t, store.SaveInstance(ctx, loaded))
		assert.Equal(t, int64(2), loaded.Revision)

		inst.Status = models.InstanceCancelled
		assert.ErrorIs(t, store.SaveInstance(ctx, inst), models.ErrConflict)

		instanceID, stepID, err := store.FindByTaskHandle(ctx, "task-9")
		require.NoError(t, err)
		assert.Equal(t, inst.ID, instanceID)
		assert.Equal(t, "s-2", stepID)
	})

	t.Run("Timers", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			require.NoError(t, store.UpsertTimer(ctx, &models.Timer{
				ID:             fmt.Sprintf("t-%d", i),
				Kind:           models.TimerSLABreach,
				InstanceID:     "i",
				StepInstanceID: "s",
				Level:          i + 1,
				DueAt:          now.Add(time.Duration(i-1) * time.Minute),
				CreatedAt:      now,
			}))
		}

		claimed, err := store.ClaimDueTimers(ctx, now, time.Minute, 10)
		require.NoError(t, err)
		assert.Len(t, claimed, 2)

		again, err := store.ClaimDueTimers(ctx, now, time.Minute, 10)
		require.NoError(t, err)
		assert.Empty(t, again)

		require.NoError(t, store.DeleteTimersForStep(ctx, "s"))
		next, err := store.NextDue(ctx)
		require.NoError(t, err)
		assert.Nil(t, next)
	})
}

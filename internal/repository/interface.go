package repository

import (
	"context"
	"time"

	"procgenie/backend/pkg/models"
)

// ActiveRef identifies the definition version holding an activation slot.
type ActiveRef struct {
	DefinitionID string
	Version      int
}

// DefinitionStore persists immutable definition versions keyed by (id, version).
type DefinitionStore interface {
	// InsertDefinition stores a new version. Returns ErrConflict if (id, version) exists.
	InsertDefinition(ctx context.Context, def *models.WorkflowDefinition) error
	// UpdateDraft overwrites a version that is still a draft.
	UpdateDraft(ctx context.Context, def *models.WorkflowDefinition) error
	// GetDefinition retrieves one version.
	GetDefinition(ctx context.Context, id string, version int) (*models.WorkflowDefinition, error)
	// LatestVersion returns the highest stored version, or 0.
	LatestVersion(ctx context.Context, id string) (int, error)
	// ListVersions returns every version of a definition, oldest first.
	ListVersions(ctx context.Context, id string) ([]*models.WorkflowDefinition, error)
	// Activate atomically points the (tenant, category) slot at def, archiving
	// the previous holder. expected is the holder the caller observed; a
	// different holder yields ErrConflict.
	Activate(ctx context.Context, def *models.WorkflowDefinition, expected *ActiveRef, at time.Time) error
	// ActiveRef returns the slot holder for (tenant, category).
	ActiveRef(ctx context.Context, tenantID, category string) (*ActiveRef, error)
	// Archive marks a version archived and frees its slot if it holds one.
	Archive(ctx context.Context, tenantID, id string, version int) error
	// ListActive returns every active definition of a tenant.
	ListActive(ctx context.Context, tenantID string) ([]*models.WorkflowDefinition, error)
}

// OverdueStep is a live step whose SLA deadline has passed.
type OverdueStep struct {
	InstanceID      string
	StepInstanceID  string
	EscalationLevel int
	SLADeadline     time.Time
}

// InstanceFilter narrows ListInstances.
type InstanceFilter struct {
	TenantID string
	EntityID string
	Status   models.InstanceStatus
	Limit    int
}

// InstanceStore persists the instance aggregate: the instance row and its
// step history keyed by (instanceId, stepInstanceId).
type InstanceStore interface {
	CreateInstance(ctx context.Context, inst *models.WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (*models.WorkflowInstance, error)
	// SaveInstance persists inst if its revision matches the stored one and
	// increments inst.Revision. A stale revision yields ErrConflict.
	SaveInstance(ctx context.Context, inst *models.WorkflowInstance) error
	// FindByTaskHandle locates the step waiting on an agent task.
	FindByTaskHandle(ctx context.Context, handle string) (instanceID, stepInstanceID string, err error)
	// ListOverdueSteps returns live, never-escalated steps with deadline before now.
	ListOverdueSteps(ctx context.Context, now time.Time, limit int) ([]OverdueStep, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*models.WorkflowInstance, error)
}

// TimerStore persists durable timers indexed by due time.
type TimerStore interface {
	// UpsertTimer schedules t, replacing a timer with the same ID.
	UpsertTimer(ctx context.Context, t *models.Timer) error
	DeleteTimer(ctx context.Context, id string) error
	// DeleteTimersForStep removes every timer of a step instance.
	DeleteTimersForStep(ctx context.Context, stepInstanceID string) error
	// ClaimDueTimers leases up to limit timers due at or before now that are
	// not currently leased.
	ClaimDueTimers(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*models.Timer, error)
	// NextDue returns the earliest due time, or nil when there are no timers.
	NextDue(ctx context.Context) (*time.Time, error)
}

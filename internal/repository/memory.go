package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"procgenie/backend/pkg/models"
)

// MemoryStore is an in-process implementation of the definition, instance
// and timer stores. Values are deep-copied on the way in and out so callers
// observe the same isolation as with a database.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]map[int]*models.WorkflowDefinition
	active      map[string]ActiveRef // tenant/category -> holder
	instances   map[string]*models.WorkflowInstance
	timers      map[string]*models.Timer
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]map[int]*models.WorkflowDefinition),
		active:      make(map[string]ActiveRef),
		instances:   make(map[string]*models.WorkflowInstance),
		timers:      make(map[string]*models.Timer),
	}
}

func slotKey(tenantID, category string) string {
	return tenantID + "/" + category
}

// InsertDefinition stores a new definition version.
func (s *MemoryStore) InsertDefinition(ctx context.Context, def *models.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, ok := s.definitions[def.ID]
	if !ok {
		versions = make(map[int]*models.WorkflowDefinition)
		s.definitions[def.ID] = versions
	}
	if _, exists := versions[def.Version]; exists {
		return fmt.Errorf("definition %s version %d: %w", def.ID, def.Version, models.ErrConflict)
	}
	versions[def.Version] = def.Clone()
	return nil
}

// UpdateDraft overwrites a draft version.
func (s *MemoryStore) UpdateDraft(ctx context.Context, def *models.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.definitions[def.ID][def.Version]
	if !ok {
		return fmt.Errorf("definition %s version %d: %w", def.ID, def.Version, models.ErrNotFound)
	}
	if existing.Status != models.DefinitionStatusDraft {
		return fmt.Errorf("definition %s version %d: %w", def.ID, def.Version, models.ErrAlreadyPublished)
	}
	s.definitions[def.ID][def.Version] = def.Clone()
	return nil
}

// GetDefinition retrieves one version.
func (s *MemoryStore) GetDefinition(ctx context.Context, id string, version int) (*models.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.definitions[id][version]
	if !ok {
		return nil, fmt.Errorf("definition %s version %d: %w", id, version, models.ErrNotFound)
	}
	return def.Clone(), nil
}

// LatestVersion returns the highest stored version.
func (s *MemoryStore) LatestVersion(ctx context.Context, id string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := 0
	for v := range s.definitions[id] {
		if v > latest {
			latest = v
		}
	}
	return latest, nil
}

// ListVersions returns every version, oldest first.
func (s *MemoryStore) ListVersions(ctx context.Context, id string) ([]*models.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.WorkflowDefinition
	for _, def := range s.definitions[id] {
		out = append(out, def.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Activate flips the activation slot with compare-and-swap semantics.
func (s *MemoryStore) Activate(ctx context.Context, def *models.WorkflowDefinition, expected *ActiveRef, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := slotKey(def.TenantID, def.Category)
	current, held := s.active[key]
	switch {
	case expected == nil && held:
		return fmt.Errorf("activation slot %s already held by %s v%d: %w", key, current.DefinitionID, current.Version, models.ErrConflict)
	case expected != nil && (!held || current != *expected):
		return fmt.Errorf("activation slot %s changed: %w", key, models.ErrConflict)
	}

	stored, ok := s.definitions[def.ID][def.Version]
	if !ok {
		return fmt.Errorf("definition %s version %d: %w", def.ID, def.Version, models.ErrNotFound)
	}
	if stored.Status != models.DefinitionStatusDraft {
		return fmt.Errorf("definition %s version %d: %w", def.ID, def.Version, models.ErrAlreadyPublished)
	}

	if held {
		if prev, ok := s.definitions[current.DefinitionID][current.Version]; ok {
			prev.Status = models.DefinitionStatusArchived
		}
	}
	stored.Status = models.DefinitionStatusActive
	published := at
	stored.PublishedAt = &published
	s.active[key] = ActiveRef{DefinitionID: def.ID, Version: def.Version}
	return nil
}

// ActiveRef returns the slot holder.
func (s *MemoryStore) ActiveRef(ctx context.Context, tenantID, category string) (*ActiveRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ref, ok := s.active[slotKey(tenantID, category)]
	if !ok {
		return nil, fmt.Errorf("active definition for %s: %w", category, models.ErrNotFound)
	}
	return &ref, nil
}

// Archive marks a version archived.
func (s *MemoryStore) Archive(ctx context.Context, tenantID, id string, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.definitions[id][version]
	if !ok || def.TenantID != tenantID {
		return fmt.Errorf("definition %s version %d: %w", id, version, models.ErrNotFound)
	}
	def.Status = models.DefinitionStatusArchived
	key := slotKey(tenantID, def.Category)
	if ref, held := s.active[key]; held && ref.DefinitionID == id && ref.Version == version {
		delete(s.active, key)
	}
	return nil
}

// ListActive returns every active definition of a tenant.
func (s *MemoryStore) ListActive(ctx context.Context, tenantID string) ([]*models.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.WorkflowDefinition
	for _, versions := range s.definitions {
		for _, def := range versions {
			if def.TenantID == tenantID && def.Status == models.DefinitionStatusActive {
				out = append(out, def.Clone())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := out[i].PublishedAt, out[j].PublishedAt
		if pi == nil || pj == nil {
			return out[i].ID < out[j].ID
		}
		return pi.Before(*pj)
	})
	return out, nil
}

// CreateInstance stores a new instance.
func (s *MemoryStore) CreateInstance(ctx context.Context, inst *models.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return fmt.Errorf("instance %s: %w", inst.ID, models.ErrConflict)
	}
	inst.Revision = 1
	s.instances[inst.ID] = inst.Clone()
	return nil
}

// GetInstance retrieves an instance.
func (s *MemoryStore) GetInstance(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", id, models.ErrNotFound)
	}
	return inst.Clone(), nil
}

// SaveInstance persists inst with optimistic revision checking.
func (s *MemoryStore) SaveInstance(ctx context.Context, inst *models.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.instances[inst.ID]
	if !ok {
		return fmt.Errorf("instance %s: %w", inst.ID, models.ErrNotFound)
	}
	if stored.Revision != inst.Revision {
		return fmt.Errorf("instance %s revision %d (stored %d): %w", inst.ID, inst.Revision, stored.Revision, models.ErrConflict)
	}
	inst.Revision++
	s.instances[inst.ID] = inst.Clone()
	return nil
}

// FindByTaskHandle locates the step waiting on an agent task.
func (s *MemoryStore) FindByTaskHandle(ctx context.Context, handle string) (string, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, inst := range s.instances {
		for _, step := range inst.Steps {
			if step.TaskHandle == handle {
				return inst.ID, step.ID, nil
			}
		}
	}
	return "", "", fmt.Errorf("task handle %s: %w", handle, models.ErrNotFound)
}

// ListOverdueSteps returns live, never-escalated steps past their deadline.
func (s *MemoryStore) ListOverdueSteps(ctx context.Context, now time.Time, limit int) ([]OverdueStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []OverdueStep
	for _, inst := range s.instances {
		if inst.Status.Terminal() {
			continue
		}
		for _, step := range inst.Steps {
			if step.Live() && step.EscalationLevel == 0 && step.SLADeadline != nil && step.SLADeadline.Before(now) {
				out = append(out, OverdueStep{
					InstanceID:      inst.ID,
					StepInstanceID:  step.ID,
					EscalationLevel: step.EscalationLevel,
					SLADeadline:     *step.SLADeadline,
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SLADeadline.Before(out[j].SLADeadline) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListInstances returns instances matching filter, newest first.
func (s *MemoryStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*models.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.WorkflowInstance
	for _, inst := range s.instances {
		if filter.TenantID != "" && inst.TenantID != filter.TenantID {
			continue
		}
		if filter.EntityID != "" && inst.EntityID != filter.EntityID {
			continue
		}
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		out = append(out, inst.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// UpsertTimer schedules or replaces a timer.
func (s *MemoryStore) UpsertTimer(ctx context.Context, t *models.Timer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *t
	cp.ClaimedUntil = nil
	s.timers[t.ID] = &cp
	return nil
}

// DeleteTimer removes a timer.
func (s *MemoryStore) DeleteTimer(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.timers, id)
	return nil
}

// DeleteTimersForStep removes every timer of a step instance.
func (s *MemoryStore) DeleteTimersForStep(ctx context.Context, stepInstanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range s.timers {
		if t.StepInstanceID == stepInstanceID {
			delete(s.timers, id)
		}
	}
	return nil
}

// ClaimDueTimers leases due timers.
func (s *MemoryStore) ClaimDueTimers(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*models.Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*models.Timer
	for _, t := range s.timers {
		if t.DueAt.After(now) {
			continue
		}
		if t.ClaimedUntil != nil && t.ClaimedUntil.After(now) {
			continue
		}
		due = append(due, t)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].DueAt.Before(due[j].DueAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	until := now.Add(lease)
	out := make([]*models.Timer, 0, len(due))
	for _, t := range due {
		claimed := until
		t.ClaimedUntil = &claimed
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

// NextDue returns the earliest instant a timer becomes claimable.
func (s *MemoryStore) NextDue(ctx context.Context) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var next *time.Time
	for _, t := range s.timers {
		due := t.DueAt
		if t.ClaimedUntil != nil && t.ClaimedUntil.After(due) {
			due = *t.ClaimedUntil
		}
		if next == nil || due.Before(*next) {
			next = &due
		}
	}
	return next, nil
}

var (
	_ DefinitionStore = (*MemoryStore)(nil)
	_ InstanceStore   = (*MemoryStore)(nil)
	_ TimerStore      = (*MemoryStore)(nil)
)

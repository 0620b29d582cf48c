// Package graph stores versioned workflow definitions and controls which
// version is active per (tenant, category).
package graph

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"procgenie/backend/internal/clock"
	"procgenie/backend/internal/expression"
	"procgenie/backend/internal/logging"
	"procgenie/backend/internal/repository"
	"procgenie/backend/internal/services"
	"procgenie/backend/pkg/models"
)

const publishAttempts = 3

// Store is the GraphStore. Published versions are immutable, so reads are
// served from an LRU keyed by (id, version).
type Store struct {
	defs   repository.DefinitionStore
	eval   *expression.Evaluator
	clock  clock.Clock
	audit  services.AuditSink
	logger *logging.Logger
	cache  *lru.Cache[string, *models.WorkflowDefinition]
	group  singleflight.Group
}

// NewStore creates a new Store. audit may be nil.
func NewStore(defs repository.DefinitionStore, eval *expression.Evaluator, clk clock.Clock, audit services.AuditSink, logger *logging.Logger, cacheSize int) *Store {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, err := lru.New[string, *models.WorkflowDefinition](cacheSize)
	if err != nil {
		panic(err)
	}
	return &Store{defs: defs, eval: eval, clock: clk, audit: audit, logger: logger, cache: cache}
}

func cacheKey(id string, version int) string {
	return id + "@" + strconv.Itoa(version)
}

// Validate checks def without storing it.
func (s *Store) Validate(def *models.WorkflowDefinition) error {
	return Validate(def, s.eval)
}

// SaveDraft stores def as the latest draft version. If the latest version is
// already published a new draft version is created. Drafts are not validated.
func (s *Store) SaveDraft(ctx context.Context, def *models.WorkflowDefinition) (*models.WorkflowDefinition, error) {
	draft := def.Clone()
	if draft.ID == "" {
		draft.ID = uuid.New().String()
	}
	draft.Status = models.DefinitionStatusDraft
	draft.PublishedAt = nil
	if err := s.storeDraft(ctx, draft); err != nil {
		return nil, err
	}
	s.logger.Info("draft saved", "definition_id", draft.ID, "version", draft.Version)
	return draft, nil
}

func (s *Store) storeDraft(ctx context.Context, draft *models.WorkflowDefinition) error {
	latest, err := s.defs.LatestVersion(ctx, draft.ID)
	if err != nil {
		return fmt.Errorf("failed to read latest version: %w", err)
	}
	if latest > 0 {
		current, err := s.defs.GetDefinition(ctx, draft.ID, latest)
		if err != nil {
			return err
		}
		if current.Status == models.DefinitionStatusDraft {
			draft.Version = latest
			draft.CreatedAt = current.CreatedAt
			return s.defs.UpdateDraft(ctx, draft)
		}
	}
	draft.Version = latest + 1
	draft.CreatedAt = s.clock.Now()
	return s.defs.InsertDefinition(ctx, draft)
}

// Publish validates def and makes it the active version for its
// (tenant, category). Existing published rows are never edited; the new
// content lands in the latest draft or a fresh version N+1, and the previous
// active version is archived in the same compare-and-swap.
func (s *Store) Publish(ctx context.Context, def *models.WorkflowDefinition) (int, error) {
	if err := s.Validate(def); err != nil {
		return 0, err
	}

	draft := def.Clone()
	if draft.ID == "" {
		draft.ID = uuid.New().String()
	}
	draft.Status = models.DefinitionStatusDraft

	var lastErr error
	for attempt := 0; attempt < publishAttempts; attempt++ {
		if err := s.storeDraft(ctx, draft); err != nil {
			if errors.Is(err, models.ErrConflict) || errors.Is(err, models.ErrAlreadyPublished) {
				lastErr = err
				continue
			}
			return 0, err
		}

		expected, err := s.defs.ActiveRef(ctx, draft.TenantID, draft.Category)
		if errors.Is(err, models.ErrNotFound) {
			expected, err = nil, nil
		}
		if err != nil {
			return 0, err
		}

		now := s.clock.Now()
		err = s.defs.Activate(ctx, draft, expected, now)
		if errors.Is(err, models.ErrConflict) || errors.Is(err, models.ErrAlreadyPublished) {
			s.logger.Warn("activation raced, retrying", "definition_id", draft.ID, "version", draft.Version, "attempt", attempt+1)
			lastErr = err
			continue
		}
		if err != nil {
			return 0, err
		}

		if expected != nil {
			s.cache.Remove(cacheKey(expected.DefinitionID, expected.Version))
		}
		s.logger.Info("definition published", "definition_id", draft.ID, "version", draft.Version, "category", draft.Category)
		if s.audit != nil {
			s.audit.Record(ctx, models.Event{
				ID:         uuid.New().String(),
				Type:       models.EventDefinitionPublished,
				TenantID:   draft.TenantID,
				ActorID:    draft.CreatedBy,
				Data:       map[string]any{"definition_id": draft.ID, "version": draft.Version, "category": draft.Category},
				OccurredAt: now,
			})
		}
		return draft.Version, nil
	}
	return 0, fmt.Errorf("publish %s gave up after %d attempts: %w", draft.ID, publishAttempts, lastErr)
}

// Archive retires a version and frees its activation slot.
func (s *Store) Archive(ctx context.Context, tenantID, id string, version int) error {
	if err := s.defs.Archive(ctx, tenantID, id, version); err != nil {
		return err
	}
	s.cache.Remove(cacheKey(id, version))
	s.logger.Info("definition archived", "definition_id", id, "version", version)
	return nil
}

// GetDefinition returns one version. Drafts are never cached.
func (s *Store) GetDefinition(ctx context.Context, id string, version int) (*models.WorkflowDefinition, error) {
	key := cacheKey(id, version)
	if def, ok := s.cache.Get(key); ok {
		return def, nil
	}
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		def, err := s.defs.GetDefinition(ctx, id, version)
		if err != nil {
			return nil, err
		}
		if def.Status != models.DefinitionStatusDraft {
			s.cache.Add(key, def)
		}
		return def, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.WorkflowDefinition), nil
}

// GetActiveDefinition returns the active version for category. When no
// definition holds the category as its primary slot, active definitions
// listing it among their trigger categories are consulted in publish order.
func (s *Store) GetActiveDefinition(ctx context.Context, tenantID, category string) (*models.WorkflowDefinition, error) {
	ref, err := s.defs.ActiveRef(ctx, tenantID, category)
	if err == nil {
		return s.GetDefinition(ctx, ref.DefinitionID, ref.Version)
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	active, err := s.defs.ListActive(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	for _, def := range active {
		if slices.Contains(def.TriggerCategories, category) {
			return def, nil
		}
	}
	return nil, fmt.Errorf("active definition for %s/%s: %w", tenantID, category, models.ErrNotFound)
}

// ListVersions returns every version of a definition, oldest first.
func (s *Store) ListVersions(ctx context.Context, id string) ([]*models.WorkflowDefinition, error) {
	return s.defs.ListVersions(ctx, id)
}

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"procgenie/backend/pkg/models"
)

const uniqueViolation = "23505"

// PostgresStore is a PostgreSQL implementation of the definition, instance
// and timer stores.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// InsertDefinition stores a new definition version.
func (s *PostgresStore) InsertDefinition(ctx context.Context, def *models.WorkflowDefinition) error {
	doc, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal definition: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO workflow_definitions (id, version, tenant_id, category, status, document, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		def.ID, def.Version, def.TenantID, def.Category, string(def.Status), doc, def.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("definition %s version %d: %w", def.ID, def.Version, models.ErrConflict)
	}
	return err
}

// UpdateDraft overwrites a draft version.
func (s *PostgresStore) UpdateDraft(ctx context.Context, def *models.WorkflowDefinition) error {
	doc, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal definition: %w", err)
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE workflow_definitions SET document = $3, category = $4
		 WHERE id = $1 AND version = $2 AND status = 'draft'`,
		def.ID, def.Version, doc, def.Category)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetDefinition(ctx, def.ID, def.Version); getErr != nil {
			return getErr
		}
		return fmt.Errorf("definition %s version %d: %w", def.ID, def.Version, models.ErrAlreadyPublished)
	}
	return nil
}

func scanDefinition(row pgx.Row) (*models.WorkflowDefinition, error) {
	var (
		doc         []byte
		status      string
		publishedAt *time.Time
	)
	if err := row.Scan(&doc, &status, &publishedAt); err != nil {
		return nil, err
	}
	var def models.WorkflowDefinition
	if err := json.Unmarshal(doc, &def); err != nil {
		return nil, fmt.Errorf("failed to decode definition: %w", err)
	}
	def.Status = models.DefinitionStatus(status)
	def.PublishedAt = publishedAt
	return &def, nil
}

// GetDefinition retrieves one version.
func (s *PostgresStore) GetDefinition(ctx context.Context, id string, version int) (*models.WorkflowDefinition, error) {
	row := s.db.QueryRow(ctx,
		`SELECT document, status, published_at FROM workflow_definitions WHERE id = $1 AND version = $2`,
		id, version)
	def, err := scanDefinition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("definition %s version %d: %w", id, version, models.ErrNotFound)
	}
	return def, err
}

// LatestVersion returns the highest stored version.
func (s *PostgresStore) LatestVersion(ctx context.Context, id string) (int, error) {
	var latest int
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM workflow_definitions WHERE id = $1`, id).Scan(&latest)
	return latest, err
}

func (s *PostgresStore) queryDefinitions(ctx context.Context, sql string, args ...any) ([]*models.WorkflowDefinition, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*models.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// ListVersions returns every version, oldest first.
func (s *PostgresStore) ListVersions(ctx context.Context, id string) ([]*models.WorkflowDefinition, error) {
	return s.queryDefinitions(ctx,
		`SELECT document, status, published_at FROM workflow_definitions WHERE id = $1 ORDER BY version`, id)
}

// ListActive returns every active definition of a tenant.
func (s *PostgresStore) ListActive(ctx context.Context, tenantID string) ([]*models.WorkflowDefinition, error) {
	return s.queryDefinitions(ctx,
		`SELECT document, status, published_at FROM workflow_definitions
		 WHERE tenant_id = $1 AND status = 'active' ORDER BY published_at`, tenantID)
}

// Activate flips the activation slot inside one transaction. The slot row is
// locked FOR UPDATE; a concurrent first activation loses on the primary key.
func (s *PostgresStore) Activate(ctx context.Context, def *models.WorkflowDefinition, expected *ActiveRef, at time.Time) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var current ActiveRef
	err = tx.QueryRow(ctx,
		`SELECT definition_id, version FROM active_definitions
		 WHERE tenant_id = $1 AND category = $2 FOR UPDATE`,
		def.TenantID, def.Category).Scan(&current.DefinitionID, &current.Version)
	held := err == nil
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	switch {
	case expected == nil && held:
		return fmt.Errorf("activation slot %s/%s already held: %w", def.TenantID, def.Category, models.ErrConflict)
	case expected != nil && (!held || current != *expected):
		return fmt.Errorf("activation slot %s/%s changed: %w", def.TenantID, def.Category, models.ErrConflict)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE workflow_definitions SET status = 'active', published_at = $3
		 WHERE id = $1 AND version = $2 AND status = 'draft'`,
		def.ID, def.Version, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("definition %s version %d: %w", def.ID, def.Version, models.ErrAlreadyPublished)
	}

	if held {
		if _, err := tx.Exec(ctx,
			`UPDATE workflow_definitions SET status = 'archived' WHERE id = $1 AND version = $2`,
			current.DefinitionID, current.Version); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE active_definitions SET definition_id = $3, version = $4, activated_at = $5
			 WHERE tenant_id = $1 AND category = $2`,
			def.TenantID, def.Category, def.ID, def.Version, at)
	} else {
		_, err = tx.Exec(ctx,
			`INSERT INTO active_definitions (tenant_id, category, definition_id, version, activated_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			def.TenantID, def.Category, def.ID, def.Version, at)
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("activation slot %s/%s raced: %w", def.TenantID, def.Category, models.ErrConflict)
	}
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ActiveRef returns the slot holder.
func (s *PostgresStore) ActiveRef(ctx context.Context, tenantID, category string) (*ActiveRef, error) {
	var ref ActiveRef
	err := s.db.QueryRow(ctx,
		`SELECT definition_id, version FROM active_definitions WHERE tenant_id = $1 AND category = $2`,
		tenantID, category).Scan(&ref.DefinitionID, &ref.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("active definition for %s: %w", category, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

// Archive marks a version archived and frees its slot.
func (s *PostgresStore) Archive(ctx context.Context, tenantID, id string, version int) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE workflow_definitions SET status = 'archived'
		 WHERE id = $1 AND version = $2 AND tenant_id = $3`,
		id, version, tenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("definition %s version %d: %w", id, version, models.ErrNotFound)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM active_definitions WHERE tenant_id = $1 AND definition_id = $2 AND version = $3`,
		tenantID, id, version); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

var (
	_ DefinitionStore = (*PostgresStore)(nil)
	_ InstanceStore   = (*PostgresStore)(nil)
	_ TimerStore      = (*PostgresStore)(nil)
)

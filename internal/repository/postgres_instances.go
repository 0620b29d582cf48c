package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"procgenie/backend/pkg/models"
)

var liveStepStatuses = []string{
	string(models.StepPending),
	string(models.StepCurrent),
	string(models.StepEscalated),
	string(models.StepDelegated),
}

var terminalInstanceStatuses = []string{
	string(models.InstanceCompleted),
	string(models.InstanceRejected),
	string(models.InstanceCancelled),
	string(models.InstanceFailed),
}

// instanceDocument is the instance row without its step history.
func instanceDocument(inst *models.WorkflowInstance) ([]byte, error) {
	shallow := *inst
	shallow.Steps = nil
	return json.Marshal(&shallow)
}

// CreateInstance stores a new instance and its initial steps.
func (s *PostgresStore) CreateInstance(ctx context.Context, inst *models.WorkflowInstance) error {
	inst.Revision = 1
	doc, err := instanceDocument(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO workflow_instances
		   (id, tenant_id, definition_id, definition_version, entity_id, entity_type, status, revision, document, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		inst.ID, inst.TenantID, inst.DefinitionID, inst.DefinitionVersion, inst.EntityID, inst.EntityType,
		string(inst.Status), inst.Revision, doc, inst.CreatedAt, inst.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("instance %s: %w", inst.ID, models.ErrConflict)
	}
	if err != nil {
		return err
	}
	if err := upsertSteps(ctx, tx, inst); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func upsertSteps(ctx context.Context, tx pgx.Tx, inst *models.WorkflowInstance) error {
	if len(inst.Steps) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i := range inst.Steps {
		step := &inst.Steps[i]
		doc, err := json.Marshal(step)
		if err != nil {
			return fmt.Errorf("failed to marshal step %s: %w", step.ID, err)
		}
		var handle *string
		if step.TaskHandle != "" {
			handle = &step.TaskHandle
		}
		batch.Queue(
			`INSERT INTO step_instances
			   (instance_id, step_instance_id, position, definition_step_id, status, sla_deadline, escalation_level, task_handle, document)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (instance_id, step_instance_id) DO UPDATE SET
			   status = EXCLUDED.status,
			   sla_deadline = EXCLUDED.sla_deadline,
			   escalation_level = EXCLUDED.escalation_level,
			   task_handle = EXCLUDED.task_handle,
			   document = EXCLUDED.document`,
			inst.ID, step.ID, i, step.DefinitionStepID, string(step.Status), step.SLADeadline,
			step.EscalationLevel, handle, doc)
	}
	return tx.SendBatch(ctx, batch).Close()
}

// GetInstance retrieves an instance with its step history.
func (s *PostgresStore) GetInstance(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	var (
		doc      []byte
		revision int64
	)
	err := s.db.QueryRow(ctx,
		`SELECT document, revision FROM workflow_instances WHERE id = $1`, id).Scan(&doc, &revision)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("instance %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	var inst models.WorkflowInstance
	if err := json.Unmarshal(doc, &inst); err != nil {
		return nil, fmt.Errorf("failed to decode instance: %w", err)
	}
	inst.Revision = revision

	rows, err := s.db.Query(ctx,
		`SELECT document FROM step_instances WHERE instance_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	inst.Steps = []models.StepInstance{}
	for rows.Next() {
		var stepDoc []byte
		if err := rows.Scan(&stepDoc); err != nil {
			return nil, err
		}
		var step models.StepInstance
		if err := json.Unmarshal(stepDoc, &step); err != nil {
			return nil, fmt.Errorf("failed to decode step: %w", err)
		}
		inst.Steps = append(inst.Steps, step)
	}
	return &inst, rows.Err()
}

// SaveInstance persists inst with optimistic revision checking.
func (s *PostgresStore) SaveInstance(ctx context.Context, inst *models.WorkflowInstance) error {
	next := *inst
	next.Revision = inst.Revision + 1
	doc, err := instanceDocument(&next)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE workflow_instances SET status = $3, revision = $4, document = $5, updated_at = $6
		 WHERE id = $1 AND revision = $2`,
		inst.ID, inst.Revision, string(inst.Status), next.Revision, doc, inst.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM workflow_instances WHERE id = $1)`, inst.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("instance %s: %w", inst.ID, models.ErrNotFound)
		}
		return fmt.Errorf("instance %s revision %d: %w", inst.ID, inst.Revision, models.ErrConflict)
	}
	if err := upsertSteps(ctx, tx, inst); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	inst.Revision = next.Revision
	return nil
}

// FindByTaskHandle locates the step waiting on an agent task.
func (s *PostgresStore) FindByTaskHandle(ctx context.Context, handle string) (string, string, error) {
	var instanceID, stepID string
	err := s.db.QueryRow(ctx,
		`SELECT instance_id, step_instance_id FROM step_instances WHERE task_handle = $1`, handle).
		Scan(&instanceID, &stepID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", fmt.Errorf("task handle %s: %w", handle, models.ErrNotFound)
	}
	return instanceID, stepID, err
}

// ListOverdueSteps returns live, never-escalated steps past their deadline.
func (s *PostgresStore) ListOverdueSteps(ctx context.Context, now time.Time, limit int) ([]OverdueStep, error) {
	rows, err := s.db.Query(ctx,
		`SELECT s.instance_id, s.step_instance_id, s.escalation_level, s.sla_deadline
		 FROM step_instances s JOIN workflow_instances i ON i.id = s.instance_id
		 WHERE s.escalation_level = 0 AND s.sla_deadline < $1
		   AND s.status = ANY($2) AND i.status <> ALL($3)
		 ORDER BY s.sla_deadline LIMIT $4`,
		now, liveStepStatuses, terminalInstanceStatuses, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OverdueStep
	for rows.Next() {
		var o OverdueStep
		if err := rows.Scan(&o.InstanceID, &o.StepInstanceID, &o.EscalationLevel, &o.SLADeadline); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListInstances returns instances matching filter, newest first.
func (s *PostgresStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*models.WorkflowInstance, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.TenantID != "" {
		add("tenant_id = $%d", filter.TenantID)
	}
	if filter.EntityID != "" {
		add("entity_id = $%d", filter.EntityID)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}

	sql := `SELECT id FROM workflow_instances`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}

	out := make([]*models.WorkflowInstance, 0, len(ids))
	for _, id := range ids {
		inst, err := s.GetInstance(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

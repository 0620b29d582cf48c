package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"procgenie/backend/pkg/models"
)

// UpsertTimer schedules or replaces a timer and clears any lease.
func (s *PostgresStore) UpsertTimer(ctx context.Context, t *models.Timer) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO workflow_timers (id, kind, instance_id, step_instance_id, level, due_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET due_at = EXCLUDED.due_at, claimed_until = NULL`,
		t.ID, string(t.Kind), t.InstanceID, t.StepInstanceID, t.Level, t.DueAt, t.CreatedAt)
	return err
}

// DeleteTimer removes a timer.
func (s *PostgresStore) DeleteTimer(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM workflow_timers WHERE id = $1`, id)
	return err
}

// DeleteTimersForStep removes every timer of a step instance.
func (s *PostgresStore) DeleteTimersForStep(ctx context.Context, stepInstanceID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM workflow_timers WHERE step_instance_id = $1`, stepInstanceID)
	return err
}

// ClaimDueTimers leases due timers. SKIP LOCKED lets several schedulers
// drain the same table without handing one timer to two of them.
func (s *PostgresStore) ClaimDueTimers(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*models.Timer, error) {
	rows, err := s.db.Query(ctx,
		`UPDATE workflow_timers SET claimed_until = $2
		 WHERE id IN (
		   SELECT id FROM workflow_timers
		   WHERE due_at <= $1 AND (claimed_until IS NULL OR claimed_until <= $1)
		   ORDER BY due_at LIMIT $3
		   FOR UPDATE SKIP LOCKED)
		 RETURNING id, kind, instance_id, step_instance_id, level, due_at, claimed_until, created_at`,
		now, now.Add(lease), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Timer
	for rows.Next() {
		var (
			t    models.Timer
			kind string
		)
		if err := rows.Scan(&t.ID, &kind, &t.InstanceID, &t.StepInstanceID, &t.Level, &t.DueAt, &t.ClaimedUntil, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Kind = models.TimerKind(kind)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// NextDue returns the earliest instant a timer becomes claimable.
func (s *PostgresStore) NextDue(ctx context.Context) (*time.Time, error) {
	var due time.Time
	err := s.db.QueryRow(ctx, `
		SELECT GREATEST(due_at, COALESCE(claimed_until, due_at)) AS next_at
		FROM workflow_timers
		ORDER BY next_at
		LIMIT 1`).Scan(&due)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &due, nil
}

package clock

import (
	"context"
	"fmt"
	"time"

	"procgenie/backend/internal/logging"
	"procgenie/backend/internal/repository"
	"procgenie/backend/pkg/models"
)

// TimerService schedules durable wake-ups. Timers survive restarts because
// they live in the timer store; the wake channel only shortens the wait of
// an in-process scheduler.
type TimerService struct {
	store  repository.TimerStore
	clock  Clock
	logger *logging.Logger
	wake   chan struct{}
}

// NewTimerService creates a new TimerService.
func NewTimerService(store repository.TimerStore, clk Clock, logger *logging.Logger) *TimerService {
	return &TimerService{
		store:  store,
		clock:  clk,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Now returns the service clock's time.
func (s *TimerService) Now() time.Time {
	return s.clock.Now()
}

// Schedule upserts the timer identified by (kind, stepInstanceID, level).
// Scheduling the same wake-up twice replaces the earlier due time.
func (s *TimerService) Schedule(ctx context.Context, kind models.TimerKind, instanceID, stepInstanceID string, level int, dueAt time.Time) (*models.Timer, error) {
	t := &models.Timer{
		ID:             models.TimerID(kind, stepInstanceID, level),
		Kind:           kind,
		InstanceID:     instanceID,
		StepInstanceID: stepInstanceID,
		Level:          level,
		DueAt:          dueAt.UTC(),
		CreatedAt:      s.clock.Now(),
	}
	if err := s.store.UpsertTimer(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to schedule timer %s: %w", t.ID, err)
	}
	s.logger.Debug("timer scheduled", "timer_id", t.ID, "due_at", t.DueAt)
	s.nudge()
	return t, nil
}

// Reschedule moves an existing timer to a new due time, releasing its lease.
func (s *TimerService) Reschedule(ctx context.Context, t *models.Timer, dueAt time.Time) error {
	_, err := s.Schedule(ctx, t.Kind, t.InstanceID, t.StepInstanceID, t.Level, dueAt)
	return err
}

// Cancel removes every timer of a step instance.
func (s *TimerService) Cancel(ctx context.Context, stepInstanceID string) error {
	if err := s.store.DeleteTimersForStep(ctx, stepInstanceID); err != nil {
		return fmt.Errorf("failed to cancel timers for step %s: %w", stepInstanceID, err)
	}
	return nil
}

// Done removes a fired timer.
func (s *TimerService) Done(ctx context.Context, t *models.Timer) error {
	return s.store.DeleteTimer(ctx, t.ID)
}

// ClaimDue leases up to limit due timers. An unacknowledged timer becomes
// claimable again once its lease expires.
func (s *TimerService) ClaimDue(ctx context.Context, lease time.Duration, limit int) ([]*models.Timer, error) {
	return s.store.ClaimDueTimers(ctx, s.clock.Now(), lease, limit)
}

// NextDue returns how long until the earliest timer is due, or max when none
// is scheduled sooner.
func (s *TimerService) NextDue(ctx context.Context, max time.Duration) time.Duration {
	next, err := s.store.NextDue(ctx)
	if err != nil {
		s.logger.Warn("failed to read next timer", "error", err)
		return max
	}
	if next == nil {
		return max
	}
	wait := next.Sub(s.clock.Now())
	switch {
	case wait < 0:
		return 0
	case wait > max:
		return max
	}
	return wait
}

// Wake is signalled whenever a timer is scheduled.
func (s *TimerService) Wake() <-chan struct{} {
	return s.wake
}

func (s *TimerService) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

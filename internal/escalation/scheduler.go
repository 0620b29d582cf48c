package escalation

import (
	"context"
	"time"

	"procgenie/backend/internal/clock"
	"procgenie/backend/internal/logging"
	"procgenie/backend/internal/repository"
	"procgenie/backend/pkg/models"
)

// Handler applies fired timers and overdue sweeps. The workflow runtime
// implements it.
type Handler interface {
	FireTimer(ctx context.Context, t *models.Timer) error
	EscalateOverdue(ctx context.Context, step repository.OverdueStep) error
}

// Config tunes the scheduler loop.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	Lease        time.Duration
}

// Scheduler claims due timers and sweeps for overdue steps. Several
// schedulers may run against one store; the claim lease keeps them from
// firing the same timer concurrently.
type Scheduler struct {
	timers    *clock.TimerService
	instances repository.InstanceStore
	handler   Handler
	cfg       Config
	logger    *logging.Logger
}

// NewScheduler creates a new Scheduler.
func NewScheduler(timers *clock.TimerService, instances repository.InstanceStore, handler Handler, cfg Config, logger *logging.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Lease <= 0 {
		cfg.Lease = time.Minute
	}
	return &Scheduler{timers: timers, instances: instances, handler: handler, cfg: cfg, logger: logger}
}

// Run ticks until ctx is cancelled. It sleeps until the earliest timer is
// due, the poll interval elapses, or a new timer is scheduled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("escalation scheduler started", "poll_interval", s.cfg.PollInterval)
	for {
		s.Tick(ctx)

		wait := s.timers.NextDue(ctx, s.cfg.PollInterval)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("escalation scheduler stopped")
			return nil
		case <-s.timers.Wake():
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Tick fires every due timer and escalates steps found overdue without a
// timer. It returns how many items were handled.
func (s *Scheduler) Tick(ctx context.Context) int {
	handled := 0
	for ctx.Err() == nil {
		due, err := s.timers.ClaimDue(ctx, s.cfg.Lease, s.cfg.BatchSize)
		if err != nil {
			s.logger.Error("failed to claim timers", "error", err)
			break
		}
		for _, t := range due {
			if err := s.handler.FireTimer(ctx, t); err != nil {
				// The lease expires and the timer is claimed again.
				s.logger.Warn("timer failed", "timer_id", t.ID, "instance_id", t.InstanceID, "error", err)
				continue
			}
			handled++
		}
		if len(due) < s.cfg.BatchSize {
			break
		}
	}

	overdue, err := s.instances.ListOverdueSteps(ctx, s.timers.Now(), s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("failed to list overdue steps", "error", err)
		return handled
	}
	for _, step := range overdue {
		if err := s.handler.EscalateOverdue(ctx, step); err != nil {
			s.logger.Warn("overdue escalation failed", "instance_id", step.InstanceID, "step_instance_id", step.StepInstanceID, "error", err)
			continue
		}
		handled++
	}
	return handled
}

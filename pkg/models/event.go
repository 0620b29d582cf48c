package models

import (
	"strconv"
	"time"
)

// EventType names an audited state transition.
type EventType string

const (
	EventInstanceStarted     EventType = "instance.started"
	EventInstanceCompleted   EventType = "instance.completed"
	EventInstanceRejected    EventType = "instance.rejected"
	EventInstanceCancelled   EventType = "instance.cancelled"
	EventInstanceFailed      EventType = "instance.failed"
	EventInstanceSuspended   EventType = "instance.suspended"
	EventInstanceResumed     EventType = "instance.resumed"
	EventStepActivated       EventType = "step.activated"
	EventStepCompleted       EventType = "step.completed"
	EventStepSkipped         EventType = "step.skipped"
	EventDecisionRecorded    EventType = "decision.recorded"
	EventStepEscalated       EventType = "step.escalated"
	EventCheckpointRaised    EventType = "checkpoint.raised"
	EventCheckpointResolved  EventType = "checkpoint.resolved"
	EventCompensationApplied EventType = "compensation.applied"
	EventCompensationFailed  EventType = "compensation.failed"
	EventDefinitionPublished EventType = "definition.published"
)

// Event is emitted to the audit sink for every state transition.
type Event struct {
	ID             string         `json:"id"`
	Type           EventType      `json:"type"`
	TenantID       string         `json:"tenant_id,omitempty"`
	InstanceID     string         `json:"instance_id,omitempty"`
	StepInstanceID string         `json:"step_instance_id,omitempty"`
	StepID         string         `json:"step_id,omitempty"`
	EntityID       string         `json:"entity_id,omitempty"`
	EntityType     string         `json:"entity_type,omitempty"`
	ActorID        string         `json:"actor_id,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

// TimerKind distinguishes what a durable timer does when it fires.
type TimerKind string

const (
	TimerStepExpiry TimerKind = "step_timer"
	TimerSLABreach  TimerKind = "sla_breach"
)

// Timer is a durable wake-up persisted in the timer store.
type Timer struct {
	ID             string     `json:"id"`
	Kind           TimerKind  `json:"kind"`
	InstanceID     string     `json:"instance_id"`
	StepInstanceID string     `json:"step_instance_id"`
	Level          int        `json:"level,omitempty"`
	DueAt          time.Time  `json:"due_at"`
	ClaimedUntil   *time.Time `json:"claimed_until,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// TimerID derives the deterministic ID so rescheduling the same wake-up is idempotent.
func TimerID(kind TimerKind, stepInstanceID string, level int) string {
	return string(kind) + ":" + stepInstanceID + ":" + strconv.Itoa(level)
}

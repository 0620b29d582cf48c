// Package models defines the domain models for the workflow engine
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// StepType is the closed set of node types a definition may use.
type StepType string

const (
	StepTypeStart           StepType = "start"
	StepTypeEnd             StepType = "end"
	StepTypeApproval        StepType = "approval"
	StepTypeParallelBranch  StepType = "parallel_branch"
	StepTypeConditionalGate StepType = "conditional_gate"
	StepTypeTimer           StepType = "timer"
	StepTypeAgentTask       StepType = "agent_task"
	StepTypeNotification    StepType = "notification"
	StepTypeExternalSystem  StepType = "external_system"
	StepTypeHumanTask       StepType = "human_task"
	StepTypeSubWorkflow     StepType = "sub_workflow"
)

// DefinitionStatus is the publish lifecycle of a definition version.
type DefinitionStatus string

const (
	DefinitionStatusDraft    DefinitionStatus = "draft"
	DefinitionStatusActive   DefinitionStatus = "active"
	DefinitionStatusArchived DefinitionStatus = "archived"
)

// Edge labels with routing meaning.
const (
	EdgeLabelApproved = "Approved"
	EdgeLabelRejected = "Rejected"
)

// JoinCondition controls when a parallel branch group is collectively complete.
type JoinCondition string

const (
	JoinAll JoinCondition = "all"
	JoinAny JoinCondition = "any"
)

// TimerExpiry is the action a Timer step takes when its duration elapses.
type TimerExpiry string

const (
	ExpiryProceed  TimerExpiry = "proceed"
	ExpiryEscalate TimerExpiry = "escalate"
	ExpiryCancel   TimerExpiry = "cancel"
)

// WorkflowDefinition is one immutable version of a workflow graph.
type WorkflowDefinition struct {
	ID                string           `json:"id" yaml:"id"` // Stable concept ID shared by all versions
	TenantID          string           `json:"tenant_id" yaml:"tenant_id"`
	Name              string           `json:"name" yaml:"name"`
	Description       string           `json:"description,omitempty" yaml:"description,omitempty"`
	Category          string           `json:"category" yaml:"category"` // Activation key within a tenant
	Version           int              `json:"version" yaml:"version"`
	Status            DefinitionStatus `json:"status" yaml:"status"`
	Steps             []StepDefinition `json:"steps" yaml:"steps"`
	Edges             []Edge           `json:"edges" yaml:"edges"`
	SLAConfig         *SLAConfig       `json:"sla_config,omitempty" yaml:"sla_config,omitempty"`
	EscalationRules   []EscalationRule `json:"escalation_rules,omitempty" yaml:"escalation_rules,omitempty"`
	DelegationRules   []DelegationRule `json:"delegation_rules,omitempty" yaml:"delegation_rules,omitempty"`
	TriggerCategories []string         `json:"trigger_categories,omitempty" yaml:"trigger_categories,omitempty"`
	CreatedBy         string           `json:"created_by,omitempty" yaml:"created_by,omitempty"`
	CreatedAt         time.Time        `json:"created_at" yaml:"-"`
	PublishedAt       *time.Time       `json:"published_at,omitempty" yaml:"-"`
}

// StepDefinition is a node of the graph. Exactly one config pointer matching
// Type is set; Start and End carry none.
type StepDefinition struct {
	ID          string                 `json:"id" yaml:"id"`
	Name        string                 `json:"name" yaml:"name"`
	Type        StepType               `json:"type" yaml:"type"`
	Skippable   bool                   `json:"skippable,omitempty" yaml:"skippable,omitempty"`
	SLAConfig   *SLAConfig             `json:"sla_config,omitempty" yaml:"sla_config,omitempty"`
	Approval    *ApprovalConfig        `json:"approval,omitempty" yaml:"approval,omitempty"`
	Parallel    *ParallelBranchConfig  `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	Gate        *ConditionalGateConfig `json:"gate,omitempty" yaml:"gate,omitempty"`
	Timer       *TimerConfig           `json:"timer,omitempty" yaml:"timer,omitempty"`
	Agent       *AgentTaskConfig       `json:"agent,omitempty" yaml:"agent,omitempty"`
	Notify      *NotificationConfig    `json:"notification,omitempty" yaml:"notification,omitempty"`
	External    *ExternalSystemConfig  `json:"external,omitempty" yaml:"external,omitempty"`
	HumanTask   *HumanTaskConfig       `json:"human_task,omitempty" yaml:"human_task,omitempty"`
	SubWorkflow *SubWorkflowConfig     `json:"sub_workflow,omitempty" yaml:"sub_workflow,omitempty"`
}

// Edge is a directed transition between two steps.
type Edge struct {
	From      string `json:"from" yaml:"from"`
	To        string `json:"to" yaml:"to"`
	Label     string `json:"label,omitempty" yaml:"label,omitempty"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// SLAConfig bounds how long a step may stay live. MaxDuration is ISO-8601.
type SLAConfig struct {
	MaxDuration string `json:"max_duration" yaml:"max_duration"`
}

// EscalationRule describes who is nudged (and optionally made responsible)
// when a step breaches its SLA for the given level.
type EscalationRule struct {
	Level            int      `json:"level" yaml:"level"`
	After            string   `json:"after,omitempty" yaml:"after,omitempty"` // ISO-8601 offset from the SLA deadline
	TargetExpression string   `json:"target_expression" yaml:"target_expression"`
	AutoReassign     bool     `json:"auto_reassign,omitempty" yaml:"auto_reassign,omitempty"`
	Channel          string   `json:"channel,omitempty" yaml:"channel,omitempty"`
	TemplateID       string   `json:"template_id,omitempty" yaml:"template_id,omitempty"`
	StepIDs          []string `json:"step_ids,omitempty" yaml:"step_ids,omitempty"`
}

// AppliesTo reports whether the rule covers the given step definition.
func (r EscalationRule) AppliesTo(stepID string) bool {
	if len(r.StepIDs) == 0 {
		return true
	}
	for _, id := range r.StepIDs {
		if id == stepID {
			return true
		}
	}
	return false
}

// DelegationRule substitutes one assignee for another during a window.
type DelegationRule struct {
	FromUserID string     `json:"from_user_id" yaml:"from_user_id"`
	ToUserID   string     `json:"to_user_id" yaml:"to_user_id"`
	ValidFrom  *time.Time `json:"valid_from,omitempty" yaml:"valid_from,omitempty"`
	ValidUntil *time.Time `json:"valid_until,omitempty" yaml:"valid_until,omitempty"`
	StepIDs    []string   `json:"step_ids,omitempty" yaml:"step_ids,omitempty"`
}

// ActiveAt reports whether the rule applies to stepID at instant t.
func (r DelegationRule) ActiveAt(stepID string, t time.Time) bool {
	if r.ValidFrom != nil && t.Before(*r.ValidFrom) {
		return false
	}
	if r.ValidUntil != nil && !t.Before(*r.ValidUntil) {
		return false
	}
	if len(r.StepIDs) == 0 {
		return true
	}
	for _, id := range r.StepIDs {
		if id == stepID {
			return true
		}
	}
	return false
}

// ApprovalConfig configures an Approval step.
type ApprovalConfig struct {
	ApproverIDs        []string `json:"approver_ids,omitempty" yaml:"approver_ids,omitempty"`
	ApproverExpression string   `json:"approver_expression,omitempty" yaml:"approver_expression,omitempty"`
	RequiredApprovals  int      `json:"required_approvals" yaml:"required_approvals"`
	RejectOnFirst      bool     `json:"reject_on_first,omitempty" yaml:"reject_on_first,omitempty"`
	AllowDelegation    bool     `json:"allow_delegation,omitempty" yaml:"allow_delegation,omitempty"`
}

// Branch is one arm of a ParallelBranch step.
type Branch struct {
	Name        string `json:"name" yaml:"name"`
	StartStepID string `json:"start_step_id" yaml:"start_step_id"`
}

// ParallelBranchConfig fans out into Branches which rejoin at JoinStepID.
type ParallelBranchConfig struct {
	Branches      []Branch      `json:"branches" yaml:"branches"`
	JoinCondition JoinCondition `json:"join_condition" yaml:"join_condition"`
	JoinStepID    string        `json:"join_step_id" yaml:"join_step_id"`
}

// GateCondition routes to TargetStepID when Expression is true.
type GateCondition struct {
	Expression   string `json:"expression" yaml:"expression"`
	TargetStepID string `json:"target_step_id" yaml:"target_step_id"`
}

// ConditionalGateConfig evaluates Conditions in order.
type ConditionalGateConfig struct {
	Conditions          []GateCondition `json:"conditions" yaml:"conditions"`
	DefaultTargetStepID string          `json:"default_target_step_id" yaml:"default_target_step_id"`
}

// TimerConfig waits Duration (ISO-8601) then applies OnExpiry.
type TimerConfig struct {
	Duration string      `json:"duration" yaml:"duration"`
	OnExpiry TimerExpiry `json:"on_expiry" yaml:"on_expiry"`
}

// AgentTaskConfig delegates work to an external agent.
type AgentTaskConfig struct {
	AgentType string `json:"agent_type" yaml:"agent_type"`
	// InputMapping maps agent input keys to dotted context paths.
	InputMapping       map[string]string `json:"input_mapping,omitempty" yaml:"input_mapping,omitempty"`
	HITLThreshold      float64           `json:"hitl_threshold" yaml:"hitl_threshold"`
	ReviewerExpression string            `json:"reviewer_expression,omitempty" yaml:"reviewer_expression,omitempty"`
}

// NotificationConfig sends a templated message and completes immediately.
type NotificationConfig struct {
	RecipientExpression string            `json:"recipient_expression" yaml:"recipient_expression"`
	Channel             string            `json:"channel" yaml:"channel"`
	TemplateID          string            `json:"template_id" yaml:"template_id"`
	DataMapping         map[string]string `json:"data_mapping,omitempty" yaml:"data_mapping,omitempty"`
	FailOnError         bool              `json:"fail_on_error,omitempty" yaml:"fail_on_error,omitempty"`
}

// ExternalSystemConfig invokes an integration and registers its compensation.
type ExternalSystemConfig struct {
	IntegrationID      string            `json:"integration_id" yaml:"integration_id"`
	Operation          string            `json:"operation" yaml:"operation"`
	FieldMapping       map[string]string `json:"field_mapping,omitempty" yaml:"field_mapping,omitempty"`
	CompensationAction string            `json:"compensation_action,omitempty" yaml:"compensation_action,omitempty"`
}

// HumanTaskConfig waits for an assignee to complete a task.
type HumanTaskConfig struct {
	AssigneeIDs        []string `json:"assignee_ids,omitempty" yaml:"assignee_ids,omitempty"`
	AssigneeExpression string   `json:"assignee_expression,omitempty" yaml:"assignee_expression,omitempty"`
	Instructions       string   `json:"instructions,omitempty" yaml:"instructions,omitempty"`
}

// SubWorkflowConfig starts a child instance of the active definition for Category.
type SubWorkflowConfig struct {
	Category      string            `json:"category" yaml:"category"`
	InputMapping  map[string]string `json:"input_mapping,omitempty" yaml:"input_mapping,omitempty"`
	OutputMapping map[string]string `json:"output_mapping,omitempty" yaml:"output_mapping,omitempty"`
}

// Step returns the step definition with the given ID.
func (d *WorkflowDefinition) Step(id string) (*StepDefinition, bool) {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// StartStep returns the definition's single Start step.
func (d *WorkflowDefinition) StartStep() (*StepDefinition, bool) {
	for i := range d.Steps {
		if d.Steps[i].Type == StepTypeStart {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// OutgoingEdges returns the edges leaving stepID in declared order.
func (d *WorkflowDefinition) OutgoingEdges(stepID string) []Edge {
	var out []Edge
	for _, e := range d.Edges {
		if e.From == stepID {
			out = append(out, e)
		}
	}
	return out
}

// EffectiveSLA returns the step override or the definition default.
func (d *WorkflowDefinition) EffectiveSLA(step *StepDefinition) *SLAConfig {
	if step.SLAConfig != nil {
		return step.SLAConfig
	}
	return d.SLAConfig
}

// EscalationRule returns the rule for level covering stepID.
func (d *WorkflowDefinition) EscalationRule(stepID string, level int) (*EscalationRule, bool) {
	for i := range d.EscalationRules {
		r := &d.EscalationRules[i]
		if r.Level == level && r.AppliesTo(stepID) {
			return r, true
		}
	}
	return nil, false
}

// Clone returns a deep copy through the JSON representation.
func (d *WorkflowDefinition) Clone() *WorkflowDefinition {
	data, err := json.Marshal(d)
	if err != nil {
		panic(fmt.Sprintf("clone definition: %v", err))
	}
	var out WorkflowDefinition
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("clone definition: %v", err))
	}
	return &out
}

// ParseDefinitionYAML decodes a definition document.
func ParseDefinitionYAML(data []byte) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse definition: %w", err)
	}
	return &def, nil
}

package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// InstanceStatus is the workflow instance state machine.
type InstanceStatus string

const (
	InstanceNotStarted       InstanceStatus = "not_started"
	InstanceInProgress       InstanceStatus = "in_progress"
	InstanceInReviewParallel InstanceStatus = "in_review_parallel"
	InstancePendingApproval  InstanceStatus = "pending_approval"
	InstanceCompleted        InstanceStatus = "completed"
	InstanceRejected         InstanceStatus = "rejected"
	InstanceCancelled        InstanceStatus = "cancelled"
	InstanceFailed           InstanceStatus = "failed"
	InstanceCompensating     InstanceStatus = "compensating"
	InstanceSuspended        InstanceStatus = "suspended"
)

// Terminal reports whether no further transitions are possible.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case InstanceCompleted, InstanceRejected, InstanceCancelled, InstanceFailed:
		return true
	}
	return false
}

// StepStatus is the lifecycle of a single step instance.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepCurrent   StepStatus = "current"
	StepApproved  StepStatus = "approved"
	StepRejected  StepStatus = "rejected"
	StepSkipped   StepStatus = "skipped"
	StepEscalated StepStatus = "escalated"
	StepDelegated StepStatus = "delegated"
	StepTimedOut  StepStatus = "timed_out"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Terminal reports whether the step has reached its single final status.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepApproved, StepRejected, StepSkipped, StepTimedOut, StepCompleted, StepFailed:
		return true
	}
	return false
}

// Decision is an approver's response.
type Decision string

const (
	DecisionApproved  Decision = "approved"
	DecisionRejected  Decision = "rejected"
	DecisionDelegated Decision = "delegated"
)

// ApprovalRecord is one approver's decision on a step.
type ApprovalRecord struct {
	ApproverID  string    `json:"approver_id"`
	Decision    Decision  `json:"decision"`
	DelegatedTo string    `json:"delegated_to,omitempty"`
	Comments    string    `json:"comments,omitempty"`
	DecidedAt   time.Time `json:"decided_at"`
}

// HITLCheckpoint holds a low-confidence agent result until a human confirms it.
type HITLCheckpoint struct {
	ID             string         `json:"id"`
	Confidence     float64        `json:"confidence"`
	Threshold      float64        `json:"threshold"`
	ProposedOutput map[string]any `json:"proposed_output,omitempty"`
	Assignees      []string       `json:"assignees,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ResolvedBy     string         `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	Approved       *bool          `json:"approved,omitempty"`
}

// StepInstance is the run-time record of one activation of a step definition.
type StepInstance struct {
	ID               string           `json:"id"`
	DefinitionStepID string           `json:"definition_step_id"`
	Type             StepType         `json:"type"`
	Status           StepStatus       `json:"status"`
	BranchID         string           `json:"branch_id,omitempty"`
	Assignees        []string         `json:"assignees,omitempty"`
	ApprovalRecords  []ApprovalRecord `json:"approval_records,omitempty"`
	SLADeadline      *time.Time       `json:"sla_deadline,omitempty"`
	EscalationLevel  int              `json:"escalation_level"`
	Result           map[string]any   `json:"result,omitempty"`
	ActivatedAt      time.Time        `json:"activated_at"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
	CompletionSeq    int              `json:"completion_seq,omitempty"`
	Error            string           `json:"error,omitempty"`

	// External system bookkeeping used by compensation.
	IntegrationID      string         `json:"integration_id,omitempty"`
	CompensationAction string         `json:"compensation_action,omitempty"`
	DedupKey           string         `json:"dedup_key,omitempty"`
	RecordedContext    map[string]any `json:"recorded_context,omitempty"`

	TaskHandle      string          `json:"task_handle,omitempty"`
	HITL            *HITLCheckpoint `json:"hitl,omitempty"`
	ChildInstanceID string          `json:"child_instance_id,omitempty"`
}

// Live reports whether the step still awaits input or completion.
func (s *StepInstance) Live() bool {
	return !s.Status.Terminal()
}

// CompensationEntry records one compensation attempt. Never mutated after write.
type CompensationEntry struct {
	StepID     string    `json:"step_id"`
	Action     string    `json:"action"`
	ExecutedAt time.Time `json:"executed_at"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	Replay     bool      `json:"replay,omitempty"`
}

// BranchState tracks one arm of a parallel group.
type BranchState struct {
	Name       string `json:"name"`
	ID         string `json:"id"`
	Arrived    bool   `json:"arrived"`
	Skipped    bool   `json:"skipped"`
	ArrivedVia string `json:"arrived_via,omitempty"` // step instance that reached the join
}

// JoinState is the bookkeeping for one activation of a ParallelBranch step.
type JoinState struct {
	GroupID        string        `json:"group_id"` // step instance ID of the ParallelBranch step
	JoinStepID     string        `json:"join_step_id"`
	Condition      JoinCondition `json:"condition"`
	ParentBranchID string        `json:"parent_branch_id,omitempty"`
	Branches       []BranchState `json:"branches"`
	Joined         bool          `json:"joined"`
}

// WorkflowInstance is the aggregate owned by the runtime: the instance, its
// append-only step history and its compensation log.
type WorkflowInstance struct {
	ID                   string              `json:"id"`
	TenantID             string              `json:"tenant_id"`
	DefinitionID         string              `json:"definition_id"`
	DefinitionVersion    int                 `json:"definition_version"`
	EntityID             string              `json:"entity_id"`
	EntityType           string              `json:"entity_type"`
	Status               InstanceStatus      `json:"status"`
	PriorStatus          InstanceStatus      `json:"prior_status,omitempty"`
	Reason               string              `json:"reason,omitempty"`
	Steps                []StepInstance      `json:"steps"`
	Context              map[string]any      `json:"context"`
	CompensationLog      []CompensationEntry `json:"compensation_log,omitempty"`
	Joins                []JoinState         `json:"joins,omitempty"`
	ParentInstanceID     string              `json:"parent_instance_id,omitempty"`
	ParentStepInstanceID string              `json:"parent_step_instance_id,omitempty"`
	Depth                int                 `json:"depth,omitempty"`
	Revision             int64               `json:"revision"`
	CreatedAt            time.Time           `json:"created_at"`
	UpdatedAt            time.Time           `json:"updated_at"`
	CompletedAt          *time.Time          `json:"completed_at,omitempty"`
}

// Step returns the step instance with the given ID.
func (w *WorkflowInstance) Step(id string) (*StepInstance, bool) {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i], true
		}
	}
	return nil, false
}

// LiveSteps returns pointers to every non-terminal step.
func (w *WorkflowInstance) LiveSteps() []*StepInstance {
	var out []*StepInstance
	for i := range w.Steps {
		if w.Steps[i].Live() {
			out = append(out, &w.Steps[i])
		}
	}
	return out
}

// Join returns the join bookkeeping for a parallel group.
func (w *WorkflowInstance) Join(groupID string) (*JoinState, bool) {
	for i := range w.Joins {
		if w.Joins[i].GroupID == groupID {
			return &w.Joins[i], true
		}
	}
	return nil, false
}

// JoinForBranch returns the group that owns branchID.
func (w *WorkflowInstance) JoinForBranch(branchID string) (*JoinState, *BranchState, bool) {
	for i := range w.Joins {
		for j := range w.Joins[i].Branches {
			if w.Joins[i].Branches[j].ID == branchID {
				return &w.Joins[i], &w.Joins[i].Branches[j], true
			}
		}
	}
	return nil, nil, false
}

// BranchWithin reports whether branchID is ancestor or nested inside it.
func (w *WorkflowInstance) BranchWithin(branchID, ancestor string) bool {
	for branchID != "" {
		if branchID == ancestor {
			return true
		}
		join, _, ok := w.JoinForBranch(branchID)
		if !ok {
			return false
		}
		branchID = join.ParentBranchID
	}
	return false
}

// CompletedInReverse returns terminal steps ordered newest completion first.
func (w *WorkflowInstance) CompletedInReverse() []*StepInstance {
	var out []*StepInstance
	for i := range w.Steps {
		if w.Steps[i].CompletedAt != nil {
			out = append(out, &w.Steps[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CompletionSeq > out[j].CompletionSeq
	})
	return out
}

// NextCompletionSeq returns the next monotonic completion sequence.
func (w *WorkflowInstance) NextCompletionSeq() int {
	max := 0
	for i := range w.Steps {
		if w.Steps[i].CompletionSeq > max {
			max = w.Steps[i].CompletionSeq
		}
	}
	return max + 1
}

// Compensated reports whether a compensation attempt exists for stepID.
func (w *WorkflowInstance) Compensated(stepID string) bool {
	for _, e := range w.CompensationLog {
		if e.StepID == stepID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy through the JSON representation.
func (w *WorkflowInstance) Clone() *WorkflowInstance {
	data, err := json.Marshal(w)
	if err != nil {
		panic(fmt.Sprintf("clone instance: %v", err))
	}
	var out WorkflowInstance
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("clone instance: %v", err))
	}
	return &out
}

// NormalizeContext converts a context map to its JSON-typed form so that
// in-memory and stored representations agree (numbers become float64).
func NormalizeContext(in map[string]any) (map[string]any, error) {
	if in == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("context is not serializable: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MergeContext merges src into dst, replacing existing keys.
func MergeContext(dst, src map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}

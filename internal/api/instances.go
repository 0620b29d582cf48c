package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"procgenie/backend/internal/repository"
	"procgenie/backend/internal/runtime"
	"procgenie/backend/pkg/models"
)

// StartInstanceRequest triggers a workflow for a business entity.
type StartInstanceRequest struct {
	Category     string         `json:"category,omitempty"`
	DefinitionID string         `json:"definition_id,omitempty"`
	Version      int            `json:"version,omitempty"`
	EntityID     string         `json:"entity_id"`
	EntityType   string         `json:"entity_type"`
	Context      map[string]any `json:"context,omitempty"`
}

// DecisionBody is an approver's decision.
type DecisionBody struct {
	Decision   models.Decision `json:"decision"`
	DelegateTo string          `json:"delegate_to,omitempty"`
	Comments   string          `json:"comments,omitempty"`
}

// TaskBody carries the data a human attaches when completing a task.
type TaskBody struct {
	Data map[string]any `json:"data,omitempty"`
}

// CheckpointBody confirms or rejects a low-confidence agent result.
type CheckpointBody struct {
	Approve bool           `json:"approve"`
	Data    map[string]any `json:"data,omitempty"`
}

// ReasonBody is the optional body of cancel and suspend.
type ReasonBody struct {
	Reason string `json:"reason,omitempty"`
}

// AgentResultBody is the callback posted by the agent service.
type AgentResultBody struct {
	Handle     string         `json:"handle"`
	Output     map[string]any `json:"output"`
	Confidence float64        `json:"confidence"`
}

func bind(c echo.Context, v any) error {
	if c.Request().ContentLength == 0 {
		return nil
	}
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+fmt.Sprint(err))
	}
	return nil
}

// StartInstance starts a workflow
// (POST /api/v1/instances)
func (s *Server) StartInstance(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	var body StartInstanceRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	if body.Category == "" && body.DefinitionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "category or definition_id is required")
	}
	version := body.Version
	if body.DefinitionID != "" {
		def, err := s.tenantDefinitionVersion(c, body.DefinitionID, body.Version)
		if err != nil {
			return err
		}
		version = def.Version
	}

	inst, err := s.Instances.Start(c.Request().Context(), runtime.StartRequest{
		TenantID:     id.TenantID,
		Category:     body.Category,
		DefinitionID: body.DefinitionID,
		Version:      version,
		EntityID:     body.EntityID,
		EntityType:   body.EntityType,
		Context:      body.Context,
		ActorID:      id.ActorID(),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, inst)
}

// tenantDefinitionVersion checks ownership of an explicitly named
// definition. Version 0 resolves to the active version, or to the newest
// published one when the definition is no longer active.
func (s *Server) tenantDefinitionVersion(c echo.Context, defID string, version int) (*models.WorkflowDefinition, error) {
	if version > 0 {
		return s.tenantDefinition(c, defID, version)
	}
	id, err := identity(c)
	if err != nil {
		return nil, err
	}
	versions, err := s.Definitions.ListVersions(c.Request().Context(), defID)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 || versions[0].TenantID != id.TenantID {
		return nil, fmt.Errorf("definition %s: %w", defID, models.ErrNotFound)
	}
	var published *models.WorkflowDefinition
	for _, def := range versions {
		switch def.Status {
		case models.DefinitionStatusActive:
			return def, nil
		case models.DefinitionStatusArchived:
			published = def
		}
	}
	if published == nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("definition %s has no published version", defID))
	}
	return published, nil
}

// ListInstances lists the caller's tenant's instances
// (GET /api/v1/instances?entity_id=&status=&limit=)
func (s *Server) ListInstances(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	filter := repository.InstanceFilter{
		TenantID: id.TenantID,
		EntityID: c.QueryParam("entity_id"),
		Status:   models.InstanceStatus(c.QueryParam("status")),
		Limit:    100,
	}
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > 1000 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 1000")
		}
		filter.Limit = limit
	}
	instances, err := s.Instances.List(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	if instances == nil {
		instances = []*models.WorkflowInstance{}
	}
	return c.JSON(http.StatusOK, instances)
}

// GetInstance returns an instance with its step history
// (GET /api/v1/instances/:id)
func (s *Server) GetInstance(c echo.Context) error {
	inst, err := s.ownedInstance(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inst)
}

// ownedInstance loads the :id instance and hides other tenants' instances
// behind a 404.
func (s *Server) ownedInstance(c echo.Context) (*models.WorkflowInstance, error) {
	id, err := identity(c)
	if err != nil {
		return nil, err
	}
	inst, err := s.Instances.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return nil, err
	}
	if inst.TenantID != id.TenantID {
		return nil, fmt.Errorf("instance %s: %w", c.Param("id"), models.ErrNotFound)
	}
	return inst, nil
}

// SubmitDecision records an approval decision
// (POST /api/v1/instances/:id/steps/:stepId/decisions)
func (s *Server) SubmitDecision(c echo.Context) error {
	if _, err := s.ownedInstance(c); err != nil {
		return err
	}
	id, _ := identity(c)
	var body DecisionBody
	if err := bind(c, &body); err != nil {
		return err
	}
	switch body.Decision {
	case models.DecisionApproved, models.DecisionRejected, models.DecisionDelegated:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "decision must be approved, rejected or delegated")
	}

	inst, err := s.Instances.SubmitDecision(c.Request().Context(), runtime.DecisionRequest{
		InstanceID:     c.Param("id"),
		StepInstanceID: c.Param("stepId"),
		ActorID:        id.ActorID(),
		Decision:       body.Decision,
		DelegateTo:     body.DelegateTo,
		Comments:       body.Comments,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inst)
}

// CompleteTask completes a human task
// (POST /api/v1/instances/:id/steps/:stepId/complete)
func (s *Server) CompleteTask(c echo.Context) error {
	if _, err := s.ownedInstance(c); err != nil {
		return err
	}
	id, _ := identity(c)
	var body TaskBody
	if err := bind(c, &body); err != nil {
		return err
	}
	inst, err := s.Instances.CompleteTask(c.Request().Context(), c.Param("id"), c.Param("stepId"), id.ActorID(), body.Data)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inst)
}

// ResolveCheckpoint resolves a human checkpoint on an agent task
// (POST /api/v1/instances/:id/steps/:stepId/checkpoint)
func (s *Server) ResolveCheckpoint(c echo.Context) error {
	if _, err := s.ownedInstance(c); err != nil {
		return err
	}
	id, _ := identity(c)
	var body CheckpointBody
	if err := bind(c, &body); err != nil {
		return err
	}
	inst, err := s.Instances.ResolveCheckpoint(c.Request().Context(), c.Param("id"), c.Param("stepId"), id.ActorID(), body.Approve, body.Data)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inst)
}

// ReplayCompensation retries a failed compensation
// (POST /api/v1/instances/:id/steps/:stepId/compensation/replay)
func (s *Server) ReplayCompensation(c echo.Context) error {
	if _, err := s.ownedInstance(c); err != nil {
		return err
	}
	id, _ := identity(c)
	inst, err := s.Instances.ReplayCompensation(c.Request().Context(), c.Param("id"), c.Param("stepId"), id.ActorID())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inst)
}

// CancelInstance cancels an instance
// (POST /api/v1/instances/:id/cancel)
func (s *Server) CancelInstance(c echo.Context) error {
	if _, err := s.ownedInstance(c); err != nil {
		return err
	}
	id, _ := identity(c)
	var body ReasonBody
	if err := bind(c, &body); err != nil {
		return err
	}
	inst, err := s.Instances.Cancel(c.Request().Context(), c.Param("id"), id.ActorID(), body.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inst)
}

// SuspendInstance suspends an instance
// (POST /api/v1/instances/:id/suspend)
func (s *Server) SuspendInstance(c echo.Context) error {
	if _, err := s.ownedInstance(c); err != nil {
		return err
	}
	id, _ := identity(c)
	var body ReasonBody
	if err := bind(c, &body); err != nil {
		return err
	}
	inst, err := s.Instances.Suspend(c.Request().Context(), c.Param("id"), id.ActorID(), body.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inst)
}

// ResumeInstance resumes a suspended instance
// (POST /api/v1/instances/:id/resume)
func (s *Server) ResumeInstance(c echo.Context) error {
	if _, err := s.ownedInstance(c); err != nil {
		return err
	}
	id, _ := identity(c)
	inst, err := s.Instances.Resume(c.Request().Context(), c.Param("id"), id.ActorID())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inst)
}

// PostAgentResult delivers an agent callback
// (POST /api/v1/agent-results)
func (s *Server) PostAgentResult(c echo.Context) error {
	var body AgentResultBody
	if err := bind(c, &body); err != nil {
		return err
	}
	if body.Handle == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "handle is required")
	}
	id, err := identity(c)
	if err != nil {
		return err
	}
	owner, err := s.Instances.InstanceByTaskHandle(c.Request().Context(), body.Handle)
	if err != nil {
		return err
	}
	if owner.TenantID != id.TenantID {
		return fmt.Errorf("agent task %s: %w", body.Handle, models.ErrNotFound)
	}
	inst, err := s.Instances.OnAgentResult(c.Request().Context(), body.Handle, body.Output, body.Confidence)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inst)
}

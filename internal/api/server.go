// Package api contains the HTTP handlers for the workflow engine
package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"procgenie/backend/internal/auth"
	"procgenie/backend/internal/graph"
	"procgenie/backend/internal/repository"
	"procgenie/backend/internal/runtime"
	"procgenie/backend/pkg/models"
)

// Logger is the subset of the application logger used by the API.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// DefinitionService is the graph store as seen by the API.
type DefinitionService interface {
	SaveDraft(ctx context.Context, def *models.WorkflowDefinition) (*models.WorkflowDefinition, error)
	Publish(ctx context.Context, def *models.WorkflowDefinition) (int, error)
	Archive(ctx context.Context, tenantID, id string, version int) error
	GetDefinition(ctx context.Context, id string, version int) (*models.WorkflowDefinition, error)
	GetActiveDefinition(ctx context.Context, tenantID, category string) (*models.WorkflowDefinition, error)
	ListVersions(ctx context.Context, id string) ([]*models.WorkflowDefinition, error)
}

// InstanceService is the workflow runtime as seen by the API.
type InstanceService interface {
	Start(ctx context.Context, req runtime.StartRequest) (*models.WorkflowInstance, error)
	Get(ctx context.Context, instanceID string) (*models.WorkflowInstance, error)
	List(ctx context.Context, filter repository.InstanceFilter) ([]*models.WorkflowInstance, error)
	SubmitDecision(ctx context.Context, req runtime.DecisionRequest) (*models.WorkflowInstance, error)
	CompleteTask(ctx context.Context, instanceID, stepInstanceID, actorID string, data map[string]any) (*models.WorkflowInstance, error)
	InstanceByTaskHandle(ctx context.Context, handle string) (*models.WorkflowInstance, error)
	OnAgentResult(ctx context.Context, handle string, output map[string]any, confidence float64) (*models.WorkflowInstance, error)
	ResolveCheckpoint(ctx context.Context, instanceID, stepInstanceID, actorID string, approve bool, data map[string]any) (*models.WorkflowInstance, error)
	Cancel(ctx context.Context, instanceID, actorID, reason string) (*models.WorkflowInstance, error)
	Suspend(ctx context.Context, instanceID, actorID, reason string) (*models.WorkflowInstance, error)
	Resume(ctx context.Context, instanceID, actorID string) (*models.WorkflowInstance, error)
	ReplayCompensation(ctx context.Context, instanceID, stepInstanceID, actorID string) (*models.WorkflowInstance, error)
}

var (
	_ DefinitionService = (*graph.Store)(nil)
	_ InstanceService   = (*runtime.Runtime)(nil)
)

// Server holds the dependencies for the API server.
type Server struct {
	Definitions DefinitionService
	Instances   InstanceService
	Logger      Logger
}

// NewServer creates a new Server.
func NewServer(defs DefinitionService, instances InstanceService, logger Logger) *Server {
	return &Server{Definitions: defs, Instances: instances, Logger: logger}
}

// Register mounts the workflow routes on g. g must already run the
// authentication middleware.
func (s *Server) Register(g *echo.Group) {
	read := requireScope(auth.ScopeWorkflowRead)
	write := requireScope(auth.ScopeWorkflowWrite)
	admin := requireScope(auth.ScopeWorkflowAdmin)

	g.POST("/definitions", s.PublishDefinition, admin)
	g.POST("/definitions/drafts", s.SaveDraft, admin)
	g.GET("/definitions/active/:category", s.GetActiveDefinition, read)
	g.GET("/definitions/:id/versions", s.ListVersions, read)
	g.GET("/definitions/:id/versions/:version", s.GetDefinition, read)
	g.POST("/definitions/:id/versions/:version/archive", s.ArchiveDefinition, admin)

	g.POST("/instances", s.StartInstance, write)
	g.GET("/instances", s.ListInstances, read)
	g.GET("/instances/:id", s.GetInstance, read)
	g.POST("/instances/:id/steps/:stepId/decisions", s.SubmitDecision, write)
	g.POST("/instances/:id/steps/:stepId/complete", s.CompleteTask, write)
	g.POST("/instances/:id/steps/:stepId/checkpoint", s.ResolveCheckpoint, write)
	g.POST("/instances/:id/steps/:stepId/compensation/replay", s.ReplayCompensation, admin)
	g.POST("/instances/:id/cancel", s.CancelInstance, write)
	g.POST("/instances/:id/suspend", s.SuspendInstance, admin)
	g.POST("/instances/:id/resume", s.ResumeInstance, admin)

	g.POST("/agent-results", s.PostAgentResult, write)
}

func identity(c echo.Context) (*auth.Identity, error) {
	id, ok := auth.FromContext(c.Request().Context())
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
	}
	return id, nil
}

// requireScope rejects callers whose token lacks scope. The admin scope
// implies every other scope.
func requireScope(scope string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id, err := identity(c)
			if err != nil {
				return err
			}
			if !id.HasScope(scope) && !id.HasScope(auth.ScopeWorkflowAdmin) {
				return echo.NewHTTPError(http.StatusForbidden, "missing scope "+scope)
			}
			return next(c)
		}
	}
}

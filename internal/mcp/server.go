// Package mcp exposes workflow actions as Model Context Protocol tools so
// assistants and agents can inspect instances and act on their steps.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"procgenie/backend/internal/auth"
	"procgenie/backend/internal/runtime"
	"procgenie/backend/pkg/models"
)

// Engine is the slice of the runtime the tools drive.
type Engine interface {
	Get(ctx context.Context, instanceID string) (*models.WorkflowInstance, error)
	SubmitDecision(ctx context.Context, req runtime.DecisionRequest) (*models.WorkflowInstance, error)
	CompleteTask(ctx context.Context, instanceID, stepInstanceID, actorID string, data map[string]any) (*models.WorkflowInstance, error)
	InstanceByTaskHandle(ctx context.Context, handle string) (*models.WorkflowInstance, error)
	OnAgentResult(ctx context.Context, handle string, output map[string]any, confidence float64) (*models.WorkflowInstance, error)
}

type Server struct {
	mcpServer *server.MCPServer
	engine    Engine
}

func NewServer(engine Engine, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"ProcGenie Workflow",
			version,
			server.WithToolCapabilities(true),
		),
		engine: engine,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_workflow_instance",
			mcp.WithDescription("Fetch a workflow instance with its step history"),
			mcp.WithString("instance_id", mcp.Required(), mcp.Description("The ID of the instance")),
		),
		s.handleGetInstance,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"submit_decision",
			mcp.WithDescription("Approve, reject or delegate an approval step as the calling user"),
			mcp.WithString("instance_id", mcp.Required(), mcp.Description("The ID of the instance")),
			mcp.WithString("step_instance_id", mcp.Required(), mcp.Description("The ID of the live approval step")),
			mcp.WithString("decision", mcp.Required(), mcp.Enum("approved", "rejected", "delegated"), mcp.Description("The decision")),
			mcp.WithString("delegate_to", mcp.Description("User ID receiving a delegated approval")),
			mcp.WithString("comments", mcp.Description("Free-text comments recorded with the decision")),
		),
		s.handleSubmitDecision,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"complete_task",
			mcp.WithDescription("Complete a human task as the calling user"),
			mcp.WithString("instance_id", mcp.Required(), mcp.Description("The ID of the instance")),
			mcp.WithString("step_instance_id", mcp.Required(), mcp.Description("The ID of the live task step")),
			mcp.WithObject("data", mcp.Description("Data merged into the instance context")),
		),
		s.handleCompleteTask,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"post_agent_result",
			mcp.WithDescription("Deliver the result of an agent task"),
			mcp.WithString("handle", mcp.Required(), mcp.Description("The task handle issued when the agent was invoked")),
			mcp.WithObject("output", mcp.Required(), mcp.Description("The agent output")),
			mcp.WithNumber("confidence", mcp.Required(), mcp.Description("Confidence between 0 and 1")),
		),
		s.handlePostAgentResult,
	)
}

// caller returns the authenticated identity, which the HTTP transport copies
// from the request into the tool context.
func caller(ctx context.Context) (*auth.Identity, *mcp.CallToolResult) {
	id, ok := auth.FromContext(ctx)
	if !ok {
		return nil, mcp.NewToolResultError("unauthenticated")
	}
	return id, nil
}

func instanceResult(inst *models.WorkflowInstance) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(inst)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// ownedInstance hides other tenants' instances as not found.
func (s *Server) ownedInstance(ctx context.Context, id *auth.Identity, instanceID string) (*models.WorkflowInstance, error) {
	inst, err := s.engine.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.TenantID != id.TenantID {
		return nil, fmt.Errorf("instance %s: %w", instanceID, models.ErrNotFound)
	}
	return inst, nil
}

func (s *Server) handleGetInstance(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, denied := caller(ctx)
	if denied != nil {
		return denied, nil
	}
	instanceID, err := request.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: instance_id"), nil
	}

	inst, err := s.ownedInstance(ctx, id, instanceID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get instance: %v", err)), nil
	}
	return instanceResult(inst)
}

func (s *Server) handleSubmitDecision(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, denied := caller(ctx)
	if denied != nil {
		return denied, nil
	}
	instanceID, err := request.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: instance_id"), nil
	}
	stepID, err := request.RequireString("step_instance_id")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: step_instance_id"), nil
	}
	decision := models.Decision(request.GetString("decision", ""))
	switch decision {
	case models.DecisionApproved, models.DecisionRejected, models.DecisionDelegated:
	default:
		return mcp.NewToolResultError("decision must be approved, rejected or delegated"), nil
	}
	if !id.HasScope(auth.ScopeWorkflowWrite) && !id.HasScope(auth.ScopeWorkflowAdmin) {
		return mcp.NewToolResultError("missing scope " + auth.ScopeWorkflowWrite), nil
	}
	if _, err := s.ownedInstance(ctx, id, instanceID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to submit decision: %v", err)), nil
	}

	inst, err := s.engine.SubmitDecision(ctx, runtime.DecisionRequest{
		InstanceID:     instanceID,
		StepInstanceID: stepID,
		ActorID:        id.ActorID(),
		Decision:       decision,
		DelegateTo:     request.GetString("delegate_to", ""),
		Comments:       request.GetString("comments", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to submit decision: %v", err)), nil
	}
	return instanceResult(inst)
}

func (s *Server) handleCompleteTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, denied := caller(ctx)
	if denied != nil {
		return denied, nil
	}
	instanceID, err := request.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: instance_id"), nil
	}
	stepID, err := request.RequireString("step_instance_id")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: step_instance_id"), nil
	}
	data, _ := request.GetArguments()["data"].(map[string]any)
	if !id.HasScope(auth.ScopeWorkflowWrite) && !id.HasScope(auth.ScopeWorkflowAdmin) {
		return mcp.NewToolResultError("missing scope " + auth.ScopeWorkflowWrite), nil
	}
	if _, err := s.ownedInstance(ctx, id, instanceID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to complete task: %v", err)), nil
	}

	inst, err := s.engine.CompleteTask(ctx, instanceID, stepID, id.ActorID(), data)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to complete task: %v", err)), nil
	}
	return instanceResult(inst)
}

func (s *Server) handlePostAgentResult(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, denied := caller(ctx)
	if denied != nil {
		return denied, nil
	}
	handle, err := request.RequireString("handle")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: handle"), nil
	}
	output, ok := request.GetArguments()["output"].(map[string]any)
	if !ok {
		return mcp.NewToolResultError("Missing required parameter: output"), nil
	}
	confidence, err := request.RequireFloat("confidence")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: confidence"), nil
	}
	if !id.HasScope(auth.ScopeWorkflowWrite) && !id.HasScope(auth.ScopeWorkflowAdmin) {
		return mcp.NewToolResultError("missing scope " + auth.ScopeWorkflowWrite), nil
	}
	owner, err := s.engine.InstanceByTaskHandle(ctx, handle)
	if err == nil && owner.TenantID != id.TenantID {
		err = fmt.Errorf("agent task %s: %w", handle, models.ErrNotFound)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to post agent result: %v", err)), nil
	}

	inst, err := s.engine.OnAgentResult(ctx, handle, output, confidence)
	if errors.Is(err, models.ErrStepNotActive) {
		return mcp.NewToolResultError("Result already delivered or step no longer waiting"), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to post agent result: %v", err)), nil
	}
	return instanceResult(inst)
}

// Handler serves the SSE transport under basePath. The caller's identity
// on the HTTP request is carried into every tool call.
func Handler(mcpServer *server.MCPServer, basePath string) http.Handler {
	return server.NewSSEServer(mcpServer,
		server.WithStaticBasePath(basePath),
		server.WithSSEContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if id, ok := auth.FromContext(r.Context()); ok {
				return auth.WithIdentity(ctx, id)
			}
			return ctx
		}),
	)
}

// Package mcp exposes the workflow engine and schedule helpers as MCP tools.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"skillflow/internal/repository"
	"skillflow/internal/schedule"
	"skillflow/pkg/models"
)

// Engine is the part of the workflow engine the tools need.
type Engine interface {
	Validate(steps []models.WorkflowStep) models.ValidationResult
	Execute(ctx context.Context, req models.ExecuteRequest) *models.ExecutionResult
}

type Server struct {
	mcpServer *server.MCPServer
	engine    Engine
	store     repository.ExecutionStore
}

func NewServer(engine Engine, store repository.ExecutionStore, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Skill Workflows",
			version,
			server.WithToolCapabilities(true),
		),
		engine: engine,
		store:  store,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	stepsSchema := map[string]any{
		"type":     "object",
		"required": []string{"step_id", "skill_id"},
		"properties": map[string]any{
			"step_id":         map[string]any{"type": "string"},
			"skill_id":        map[string]any{"type": "string"},
			"inputs":          map[string]any{"type": "object"},
			"dependencies":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"condition":       map[string]any{"type": "string"},
			"timeout_seconds": map[string]any{"type": "integer"},
		},
	}

	s.mcpServer.AddTool(
		mcp.NewTool(
			"validate_workflow",
			mcp.WithDescription("Check that workflow steps form a DAG and return the execution order"),
			mcp.WithArray("steps", mcp.Required(), mcp.Items(stepsSchema), mcp.Description("The workflow steps")),
		),
		s.handleValidateWorkflow,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"execute_workflow",
			mcp.WithDescription("Run a workflow to completion, rolling back on step failure"),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("The workflow identifier")),
			mcp.WithArray("steps", mcp.Required(), mcp.Items(stepsSchema), mcp.Description("The workflow steps")),
			mcp.WithString("agent_id", mcp.Required(), mcp.Description("The agent the skills run as")),
			mcp.WithString("workspace_id", mcp.Description("Optional workspace scope")),
		),
		s.handleExecuteWorkflow,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_execution",
			mcp.WithDescription("Fetch the record of a workflow execution"),
			mcp.WithString("execution_id", mcp.Required(), mcp.Description("The execution identifier")),
		),
		s.handleGetExecution,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"translate_schedule",
			mcp.WithDescription("Translate a natural-language schedule such as 'every monday at 2:30pm' to cron"),
			mcp.WithString("text", mcp.Required(), mcp.Description("The schedule phrase")),
		),
		s.handleTranslateSchedule,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"next_run",
			mcp.WithDescription("Compute the next time a cron expression or schedule phrase fires"),
			mcp.WithString("schedule", mcp.Required(), mcp.Description("Cron expression or schedule phrase")),
			mcp.WithString("after", mcp.Description("RFC3339 reference time, defaults to now")),
		),
		s.handleNextRun,
	)
}

func (s *Server) handleValidateWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	steps, err := decodeSteps(args["steps"])
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return jsonResult(s.engine.Validate(steps), false)
}

func (s *Server) handleExecuteWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	workflowID, ok := args["workflow_id"].(string)
	if !ok || workflowID == "" {
		return mcp.NewToolResultError("Missing required parameter: workflow_id"), nil
	}
	agentID, ok := args["agent_id"].(string)
	if !ok || agentID == "" {
		return mcp.NewToolResultError("Missing required parameter: agent_id"), nil
	}
	workspaceID, _ := args["workspace_id"].(string)

	steps, err := decodeSteps(args["steps"])
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res := s.engine.Execute(ctx, models.ExecuteRequest{
		WorkflowID:  workflowID,
		Steps:       steps,
		AgentID:     agentID,
		WorkspaceID: workspaceID,
	})
	return jsonResult(res, !res.Success)
}

func (s *Server) handleGetExecution(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	id, ok := args["execution_id"].(string)
	if !ok || id == "" {
		return mcp.NewToolResultError("Missing required parameter: execution_id"), nil
	}

	exec, err := s.store.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("Execution %s not found", id)), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}
	return jsonResult(exec, false)
}

func (s *Server) handleTranslateSchedule(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	text, ok := args["text"].(string)
	if !ok || text == "" {
		return mcp.NewToolResultError("Missing required parameter: text"), nil
	}

	expr, err := schedule.Translate(text)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to translate: %v", err)), nil
	}
	return mcp.NewToolResultText(expr), nil
}

func (s *Server) handleNextRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	expr, ok := args["schedule"].(string)
	if !ok || expr == "" {
		return mcp.NewToolResultError("Missing required parameter: schedule"), nil
	}
	after := time.Now().UTC()
	if raw, ok := args["after"].(string); ok && raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Invalid after: %v", err)), nil
		}
		after = t
	}

	sched, err := schedule.Resolve(expr)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid schedule: %v", err)), nil
	}
	next, err := sched.NextAfter(after)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(next.Format(time.RFC3339)), nil
}

func decodeSteps(raw any) ([]models.WorkflowStep, error) {
	if raw == nil {
		return nil, errors.New("Missing required parameter: steps")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("Invalid steps: %v", err)
	}
	var steps []models.WorkflowStep
	if err := json.Unmarshal(data, &steps); err != nil {
		return nil, fmt.Errorf("Invalid steps: %v", err)
	}
	return steps, nil
}

func jsonResult(v any, isError bool) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	res := mcp.NewToolResultText(string(jsonBytes))
	res.IsError = isError
	return res, nil
}

// MountHTTPHandlers serves the MCP SSE transport under /mcp.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}

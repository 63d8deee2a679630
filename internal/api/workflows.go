// Package api contains the HTTP handlers for the workflow service
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"skillflow/internal/composition"
	"skillflow/internal/repository"
	"skillflow/internal/schedule"
	"skillflow/pkg/models"
)

// WorkflowEngine validates, runs and resumes workflows.
type WorkflowEngine interface {
	Validate(steps []models.WorkflowStep) models.ValidationResult
	Execute(ctx context.Context, req models.ExecuteRequest) *models.ExecutionResult
	Resume(ctx context.Context, executionID string) (*models.ExecutionResult, error)
}

// Server holds the dependencies for the API server.
type Server struct {
	Engine WorkflowEngine
	Store  repository.ExecutionStore
}

// NewServer creates a new Server.
func NewServer(engine WorkflowEngine, store repository.ExecutionStore) *Server {
	return &Server{Engine: engine, Store: store}
}

// RegisterHandlers mounts every route on g, which is expected to be /api/v1.
func RegisterHandlers(g *echo.Group, s *Server, h *Handler) {
	g.GET("/health", h.HandleHealth)
	g.POST("/workflows/validate", s.ValidateWorkflow)
	g.POST("/workflows/:workflow_id/executions", s.ExecuteWorkflow)
	g.GET("/workflows/:workflow_id/executions", s.ListExecutions)
	g.GET("/executions/:execution_id", s.GetExecution)
	g.POST("/executions/:execution_id/resume", s.ResumeExecution)
	g.POST("/schedules/translate", s.TranslateSchedule)
	g.POST("/schedules/next", s.NextRun)
}

type validateRequest struct {
	Steps []models.WorkflowStep `json:"steps"`
}

type executeRequest struct {
	Steps       []models.WorkflowStep `json:"steps"`
	AgentID     string                `json:"agent_id"`
	WorkspaceID string                `json:"workspace_id"`
}

type translateRequest struct {
	Text string `json:"text"`
}

type translateResponse struct {
	Text string `json:"text"`
	Cron string `json:"cron"`
}

type nextRunRequest struct {
	Schedule string     `json:"schedule"`
	After    *time.Time `json:"after,omitempty"`
}

type nextRunResponse struct {
	Schedule string    `json:"schedule"`
	Cron     string    `json:"cron"`
	After    time.Time `json:"after"`
	NextRun  time.Time `json:"next_run"`
}

// ValidateWorkflow checks a step list without running it. An invalid
// workflow is still a successful call.
// (POST /api/v1/workflows/validate)
func (s *Server) ValidateWorkflow(c echo.Context) error {
	var req validateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	return c.JSON(http.StatusOK, s.Engine.Validate(req.Steps))
}

// ExecuteWorkflow runs a workflow synchronously and returns its outcome.
// (POST /api/v1/workflows/:workflow_id/executions)
func (s *Server) ExecuteWorkflow(c echo.Context) error {
	var req executeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if req.AgentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent_id is required")
	}

	res := s.Engine.Execute(c.Request().Context(), models.ExecuteRequest{
		WorkflowID:  c.Param("workflow_id"),
		Steps:       req.Steps,
		AgentID:     req.AgentID,
		WorkspaceID: req.WorkspaceID,
	})
	return c.JSON(executionStatusCode(res), res)
}

// ListExecutions returns every execution of a workflow, oldest first.
// (GET /api/v1/workflows/:workflow_id/executions)
func (s *Server) ListExecutions(c echo.Context) error {
	execs, err := s.Store.ListByWorkflow(c.Request().Context(), c.Param("workflow_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, execs)
}

// GetExecution returns one execution record.
// (GET /api/v1/executions/:execution_id)
func (s *Server) GetExecution(c echo.Context) error {
	exec, err := s.Store.Get(c.Request().Context(), c.Param("execution_id"))
	if errors.Is(err, repository.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, exec)
}

// ResumeExecution continues an interrupted execution from its last checkpoint.
// (POST /api/v1/executions/:execution_id/resume)
func (s *Server) ResumeExecution(c echo.Context) error {
	res, err := s.Engine.Resume(c.Request().Context(), c.Param("execution_id"))
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, composition.ErrNotResumable):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(executionStatusCode(res), res)
}

// TranslateSchedule converts a natural-language phrase to a cron expression.
// (POST /api/v1/schedules/translate)
func (s *Server) TranslateSchedule(c echo.Context) error {
	var req translateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	expr, err := schedule.Translate(req.Text)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, translateResponse{Text: req.Text, Cron: expr})
}

// NextRun computes the next firing time of a cron expression or phrase.
// (POST /api/v1/schedules/next)
func (s *Server) NextRun(c echo.Context) error {
	var req nextRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	sched, err := schedule.Resolve(req.Schedule)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	after := time.Now().UTC()
	if req.After != nil {
		after = *req.After
	}
	next, err := sched.NextAfter(after)
	if errors.Is(err, schedule.ErrNoMatch) {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, nextRunResponse{
		Schedule: req.Schedule,
		Cron:     sched.String(),
		After:    after,
		NextRun:  next,
	})
}

// executionStatusCode answers 422 for workflows rejected by validation.
// Step failures and rollbacks are reported in the body with 200.
func executionStatusCode(res *models.ExecutionResult) int {
	if res.Validation != nil {
		return http.StatusUnprocessableEntity
	}
	return http.StatusOK
}

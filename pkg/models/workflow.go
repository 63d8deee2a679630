// Package models defines the domain models for the skill composition service
package models

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// ExecutionStatus is the lifecycle state of a workflow execution
type ExecutionStatus string

const (
	ExecutionStatusPending    ExecutionStatus = "pending"
	ExecutionStatusRunning    ExecutionStatus = "running"
	ExecutionStatusCompleted  ExecutionStatus = "completed"
	ExecutionStatusFailed     ExecutionStatus = "failed"
	ExecutionStatusRolledBack ExecutionStatus = "rolled_back"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusRolledBack:
		return true
	}
	return false
}

// ValidationStatus records the outcome of the graph check for an execution
type ValidationStatus string

const (
	ValidationStatusPending ValidationStatus = "pending"
	ValidationStatusValid   ValidationStatus = "valid"
	ValidationStatusInvalid ValidationStatus = "invalid"
)

// RetryPolicy declares how many times a step's skill call may be attempted.
// A nil policy means a single attempt.
type RetryPolicy struct {
	MaxAttempts    int     `json:"max_attempts" yaml:"max_attempts"`
	BackoffSeconds float64 `json:"backoff_seconds,omitempty" yaml:"backoff_seconds,omitempty"`
}

// Attempts returns the number of calls allowed, never less than one.
func (p *RetryPolicy) Attempts() int {
	if p == nil || p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Backoff returns the constant delay between attempts.
func (p *RetryPolicy) Backoff() time.Duration {
	if p == nil || p.BackoffSeconds <= 0 {
		return 0
	}
	return time.Duration(p.BackoffSeconds * float64(time.Second))
}

// WorkflowStep is a single node in a workflow DAG.
type WorkflowStep struct {
	StepID         string         `json:"step_id" yaml:"step_id"`
	SkillID        string         `json:"skill_id" yaml:"skill_id"`
	Inputs         map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Dependencies   []string       `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Condition      string         `json:"condition,omitempty" yaml:"condition,omitempty"`
	RetryPolicy    *RetryPolicy   `json:"retry_policy,omitempty" yaml:"retry_policy,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// CompensationOutcome records what happened when a completed step was compensated.
type CompensationOutcome struct {
	StepID      string `json:"step_id"`
	Compensated bool   `json:"compensated"`
	Error       string `json:"error,omitempty"`
}

// WorkflowExecution is one run of a workflow. The executor named by Owner
// holds it until it reaches a terminal status, refreshing HeartbeatAt while
// it runs; afterwards it is read-only history.
type WorkflowExecution struct {
	ExecutionID        string                `json:"execution_id"`
	WorkflowID         string                `json:"workflow_id"`
	AgentID            string                `json:"agent_id"`
	WorkspaceID        string                `json:"workspace_id,omitempty"`
	WorkflowDefinition []WorkflowStep        `json:"workflow_definition"`
	ValidationStatus   ValidationStatus      `json:"validation_status"`
	Status             ExecutionStatus       `json:"status"`
	CurrentStep        string                `json:"current_step,omitempty"`
	CompletedSteps     []string              `json:"completed_steps"`
	SkippedSteps       []string              `json:"skipped_steps,omitempty"`
	ExecutionResults   map[string]any        `json:"execution_results"`
	FinalOutput        map[string]any        `json:"final_output,omitempty"`
	RollbackPerformed  bool                  `json:"rollback_performed"`
	RollbackSteps      []string              `json:"rollback_steps,omitempty"`
	RollbackResults    []CompensationOutcome `json:"rollback_results,omitempty"`
	FailedStep         string                `json:"failed_step,omitempty"`
	StepError          string                `json:"step_error,omitempty"`
	StartedAt          time.Time             `json:"started_at"`
	CompletedAt        *time.Time            `json:"completed_at,omitempty"`
	DurationSeconds    *float64              `json:"duration_seconds,omitempty"`
	ErrorMessage       string                `json:"error_message,omitempty"`
	Owner              string                `json:"owner,omitempty"`
	HeartbeatAt        *time.Time            `json:"heartbeat_at,omitempty"`
}

// MarkFinished stamps the completion time and derives the duration from it.
func (e *WorkflowExecution) MarkFinished(at time.Time) {
	completed := AsUTC(at)
	e.CompletedAt = &completed
	d := DurationSeconds(e.StartedAt, completed)
	e.DurationSeconds = &d
}

// AsUTC normalises t to UTC. A zero-offset timestamp without location data
// is already UTC, so this only ever changes the presentation, never the instant.
func AsUTC(t time.Time) time.Time {
	return t.UTC()
}

// DurationSeconds returns end-start in seconds with both endpoints in UTC,
// clamped at zero so clock adjustments never produce a negative duration.
func DurationSeconds(start, end time.Time) float64 {
	d := AsUTC(end).Sub(AsUTC(start)).Seconds()
	if d < 0 {
		return 0
	}
	return d
}

// ValidationResult is the outcome of checking a step list for DAG-ness.
// CyclesTruncated is set when more cycles exist than Cycles lists. Warnings
// describe conditions that will not compile; they never make a workflow invalid.
type ValidationResult struct {
	Valid           bool       `json:"valid"`
	ExecutionOrder  []string   `json:"execution_order,omitempty"`
	Error           string     `json:"error,omitempty"`
	Cycles          [][]string `json:"cycles,omitempty"`
	CyclesTruncated bool       `json:"cycles_truncated,omitempty"`
	Missing         []string   `json:"missing,omitempty"`
	Warnings        []string   `json:"warnings,omitempty"`
	NodeCount       int        `json:"node_count"`
	EdgeCount       int        `json:"edge_count"`
}

// ExecuteRequest is the input to a workflow run.
type ExecuteRequest struct {
	WorkflowID  string         `json:"workflow_id"`
	Steps       []WorkflowStep `json:"steps"`
	AgentID     string         `json:"agent_id"`
	WorkspaceID string         `json:"workspace_id,omitempty"`
}

// ExecutionResult is the structured outcome of a run. Failures are reported
// here rather than as Go errors.
type ExecutionResult struct {
	Success         bool              `json:"success"`
	WorkflowID      string            `json:"workflow_id"`
	ExecutionID     string            `json:"execution_id"`
	Status          ExecutionStatus   `json:"status"`
	Results         map[string]any    `json:"results,omitempty"`
	DurationSeconds *float64          `json:"duration_seconds,omitempty"`
	Error           string            `json:"error,omitempty"`
	RolledBack      bool              `json:"rolled_back,omitempty"`
	FailedStep      string            `json:"failed_step,omitempty"`
	Validation      *ValidationResult `json:"validation,omitempty"`
}

// SkillResult is what the skill registry returns for one call.
type SkillResult struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// WorkflowDefinition is a named step list as authored in a definition file.
type WorkflowDefinition struct {
	WorkflowID string         `json:"workflow_id" yaml:"workflow_id"`
	Steps      []WorkflowStep `json:"steps" yaml:"steps"`
}

// ParseWorkflowDefinition decodes a YAML (or JSON) workflow definition.
func ParseWorkflowDefinition(data []byte) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow definition: %w", err)
	}
	if len(def.Steps) == 0 {
		return nil, fmt.Errorf("workflow definition has no steps")
	}
	return &def, nil
}

// Trigger binds a workflow definition to a recurring schedule. Schedule may be
// a 5-field cron expression or a supported natural-language phrase.
type Trigger struct {
	WorkflowID  string         `json:"workflow_id" yaml:"workflow_id"`
	Schedule    string         `json:"schedule" yaml:"schedule"`
	AgentID     string         `json:"agent_id" yaml:"agent_id"`
	WorkspaceID string         `json:"workspace_id,omitempty" yaml:"workspace_id,omitempty"`
	Steps       []WorkflowStep `json:"steps" yaml:"steps"`
}

// ParseTriggers decodes a YAML document holding a list of triggers under
// the "triggers" key.
func ParseTriggers(data []byte) ([]Trigger, error) {
	var doc struct {
		Triggers []Trigger `yaml:"triggers"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse triggers: %w", err)
	}
	for i, t := range doc.Triggers {
		if t.WorkflowID == "" || t.Schedule == "" {
			return nil, fmt.Errorf("trigger %d: workflow_id and schedule are required", i)
		}
	}
	return doc.Triggers, nil
}

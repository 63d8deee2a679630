package services

import (
	"context"
	"errors"

	"skillflow/pkg/models"
)

// ErrGovernanceDenied is returned when an agent may not run a workflow.
var ErrGovernanceDenied = errors.New("governance denied")

// SkillRegistry executes skills on behalf of agents. A returned error means the
// registry could not be reached or answered garbage; a skill that ran and
// failed is reported through SkillResult.
type SkillRegistry interface {
	// ExecuteSkill runs skillID with inputs as agentID.
	ExecuteSkill(ctx context.Context, skillID string, inputs map[string]any, agentID string) (models.SkillResult, error)
}

// Compensator undoes the effect of a completed skill call.
type Compensator interface {
	// Compensate reverses a skill call that produced result.
	Compensate(ctx context.Context, skillID string, result any, agentID string) error
}

// Governor decides whether an agent may run a set of skills in a workspace.
type Governor interface {
	// Authorize returns an error wrapping ErrGovernanceDenied on denial.
	Authorize(ctx context.Context, agentID, workspaceID string, skillIDs []string) error
}

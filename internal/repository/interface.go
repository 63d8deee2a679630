package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"skillflow/pkg/models"
)

var (
	// ErrNotFound is returned when no execution has the requested id.
	ErrNotFound = errors.New("execution not found")

	// ErrImmutable is returned when updating an execution that already reached a terminal status.
	ErrImmutable = errors.New("execution is in a terminal state")

	// ErrAlreadyExists is returned when creating an execution whose id is taken.
	ErrAlreadyExists = errors.New("execution already exists")

	// ErrLeased is returned when another run holds the execution's lease.
	ErrLeased = errors.New("execution is leased by another run")
)

// ExecutionStore persists workflow execution records.
type ExecutionStore interface {
	// Create saves a new execution.
	Create(ctx context.Context, exec *models.WorkflowExecution) error
	// Update overwrites a non-terminal execution with exec. It fails with
	// ErrLeased unless exec.Owner matches the stored owner.
	Update(ctx context.Context, exec *models.WorkflowExecution) error
	// Claim hands a non-terminal execution to owner and returns it. The
	// previous owner keeps its lease while its heartbeat is after staleBefore.
	Claim(ctx context.Context, executionID, owner string, at, staleBefore time.Time) (*models.WorkflowExecution, error)
	// Heartbeat refreshes owner's lease on an execution.
	Heartbeat(ctx context.Context, executionID, owner string, at time.Time) error
	// Get retrieves an execution by its ID.
	Get(ctx context.Context, executionID string) (*models.WorkflowExecution, error)
	// ListByWorkflow returns the executions of a workflow, oldest first.
	ListByWorkflow(ctx context.Context, workflowID string) ([]*models.WorkflowExecution, error)
	// Ping checks the backing store is reachable.
	Ping(ctx context.Context) error
}

// checkOwner rejects a write by anyone but the stored owner. Ownerless
// records accept any writer.
func checkOwner(stored *models.WorkflowExecution, owner string) error {
	if stored.Owner != "" && stored.Owner != owner {
		return fmt.Errorf("%w: %s", ErrLeased, stored.ExecutionID)
	}
	return nil
}

// checkClaim reports whether owner may take stored over.
func checkClaim(stored *models.WorkflowExecution, owner string, staleBefore time.Time) error {
	if stored.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrImmutable, stored.ExecutionID, stored.Status)
	}
	if stored.Owner == "" || stored.Owner == owner || stored.HeartbeatAt == nil {
		return nil
	}
	if stored.HeartbeatAt.After(staleBefore) {
		return fmt.Errorf("%w: %s heartbeat at %s", ErrLeased, stored.ExecutionID, stored.HeartbeatAt.Format(time.RFC3339))
	}
	return nil
}

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"skillflow/pkg/models"
)

// Schema creates the skill_composition_executions table if it does not exist.
const Schema = `
CREATE TABLE IF NOT EXISTS skill_composition_executions (
	execution_id        TEXT PRIMARY KEY,
	workflow_id         TEXT NOT NULL,
	agent_id            TEXT NOT NULL,
	workspace_id        TEXT NOT NULL DEFAULT '',
	workflow_definition JSONB NOT NULL,
	validation_status   TEXT NOT NULL,
	status              TEXT NOT NULL,
	current_step        TEXT NOT NULL DEFAULT '',
	completed_steps     TEXT[] NOT NULL DEFAULT '{}',
	skipped_steps       TEXT[] NOT NULL DEFAULT '{}',
	execution_results   JSONB NOT NULL DEFAULT '{}',
	final_output        JSONB,
	rollback_performed  BOOLEAN NOT NULL DEFAULT FALSE,
	rollback_steps      TEXT[] NOT NULL DEFAULT '{}',
	rollback_results    JSONB,
	failed_step         TEXT NOT NULL DEFAULT '',
	step_error          TEXT NOT NULL DEFAULT '',
	started_at          TIMESTAMPTZ NOT NULL,
	completed_at        TIMESTAMPTZ,
	duration_seconds    DOUBLE PRECISION,
	error_message       TEXT NOT NULL DEFAULT '',
	owner               TEXT NOT NULL DEFAULT '',
	heartbeat_at        TIMESTAMPTZ
);
ALTER TABLE skill_composition_executions ADD COLUMN IF NOT EXISTS owner TEXT NOT NULL DEFAULT '';
ALTER TABLE skill_composition_executions ADD COLUMN IF NOT EXISTS heartbeat_at TIMESTAMPTZ;
CREATE INDEX IF NOT EXISTS skill_composition_executions_workflow_idx
	ON skill_composition_executions (workflow_id, started_at);
`

const executionColumns = `execution_id, workflow_id, agent_id, workspace_id, workflow_definition,
	validation_status, status, current_step, completed_steps, skipped_steps, execution_results,
	final_output, rollback_performed, rollback_steps, rollback_results, failed_step, step_error,
	started_at, completed_at, duration_seconds, error_message, owner, heartbeat_at`

const terminalPredicate = `status NOT IN ('completed', 'failed', 'rolled_back')`

// uniqueViolation is the Postgres SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// PostgresExecutionStore is a PostgreSQL implementation of the ExecutionStore interface.
type PostgresExecutionStore struct {
	db *pgxpool.Pool
}

// NewPostgresExecutionStore creates a new PostgresExecutionStore.
func NewPostgresExecutionStore(db *pgxpool.Pool) *PostgresExecutionStore {
	return &PostgresExecutionStore{db: db}
}

// EnsureSchema creates the executions table and its index.
func (s *PostgresExecutionStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Create saves a new execution.
func (s *PostgresExecutionStore) Create(ctx context.Context, exec *models.WorkflowExecution) error {
	row, err := toRow(exec)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `INSERT INTO skill_composition_executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`,
		row.args()...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, exec.ExecutionID)
		}
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

// Update overwrites a non-terminal execution held by exec.Owner.
func (s *PostgresExecutionStore) Update(ctx context.Context, exec *models.WorkflowExecution) error {
	row, err := toRow(exec)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `UPDATE skill_composition_executions SET
		workflow_id = $2, agent_id = $3, workspace_id = $4, workflow_definition = $5,
		validation_status = $6, status = $7, current_step = $8, completed_steps = $9,
		skipped_steps = $10, execution_results = $11, final_output = $12, rollback_performed = $13,
		rollback_steps = $14, rollback_results = $15, failed_step = $16, step_error = $17,
		started_at = $18, completed_at = $19, duration_seconds = $20, error_message = $21,
		owner = $22, heartbeat_at = $23
		WHERE execution_id = $1 AND `+terminalPredicate+` AND (owner = '' OR owner = $22)`,
		row.args()...)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.rejection(ctx, exec.ExecutionID, func(stored *models.WorkflowExecution) error {
		return checkOwner(stored, exec.Owner)
	})
}

// Claim hands a non-terminal execution to owner unless a live run holds it.
// The lease check and the takeover are one statement.
func (s *PostgresExecutionStore) Claim(ctx context.Context, executionID, owner string, at, staleBefore time.Time) (*models.WorkflowExecution, error) {
	exec, err := scanExecution(s.db.QueryRow(ctx, `UPDATE skill_composition_executions
		SET owner = $2, heartbeat_at = $3
		WHERE execution_id = $1 AND `+terminalPredicate+`
			AND (owner = '' OR owner = $2 OR heartbeat_at IS NULL OR heartbeat_at <= $4)
		RETURNING `+executionColumns,
		executionID, owner, models.AsUTC(at), models.AsUTC(staleBefore)))
	if err == nil {
		return exec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to claim execution: %w", err)
	}
	return nil, s.rejection(ctx, executionID, func(stored *models.WorkflowExecution) error {
		return checkClaim(stored, owner, staleBefore)
	})
}

// Heartbeat refreshes owner's lease.
func (s *PostgresExecutionStore) Heartbeat(ctx context.Context, executionID, owner string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE skill_composition_executions SET heartbeat_at = $3
		WHERE execution_id = $1 AND owner = $2 AND `+terminalPredicate,
		executionID, owner, models.AsUTC(at))
	if err != nil {
		return fmt.Errorf("failed to refresh lease: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.rejection(ctx, executionID, func(*models.WorkflowExecution) error { return nil })
}

// rejection explains why a guarded write touched no row. check covers the
// owner conditions; a row that passes it lost a race with another writer.
func (s *PostgresExecutionStore) rejection(ctx context.Context, executionID string, check func(*models.WorkflowExecution) error) error {
	stored, err := s.Get(ctx, executionID)
	if err != nil {
		return err
	}
	if stored.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrImmutable, executionID, stored.Status)
	}
	if err := check(stored); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrLeased, executionID)
}

// Get retrieves an execution by its ID.
func (s *PostgresExecutionStore) Get(ctx context.Context, executionID string) (*models.WorkflowExecution, error) {
	exec, err := scanExecution(s.db.QueryRow(ctx,
		"SELECT "+executionColumns+" FROM skill_composition_executions WHERE execution_id = $1", executionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, executionID)
	}
	return exec, err
}

// ListByWorkflow returns the executions of a workflow, oldest first.
func (s *PostgresExecutionStore) ListByWorkflow(ctx context.Context, workflowID string) ([]*models.WorkflowExecution, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+executionColumns+" FROM skill_composition_executions WHERE workflow_id = $1 ORDER BY started_at, execution_id", workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var executions []*models.WorkflowExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}
	return executions, rows.Err()
}

// Ping checks the database connection.
func (s *PostgresExecutionStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// executionRow is a WorkflowExecution with its JSON columns pre-encoded.
type executionRow struct {
	exec            *models.WorkflowExecution
	definition      []byte
	results         []byte
	finalOutput     []byte
	rollbackResults []byte
}

func toRow(exec *models.WorkflowExecution) (*executionRow, error) {
	row := &executionRow{exec: exec}
	var err error
	if row.definition, err = json.Marshal(exec.WorkflowDefinition); err != nil {
		return nil, fmt.Errorf("failed to encode workflow definition: %w", err)
	}
	results := exec.ExecutionResults
	if results == nil {
		results = map[string]any{}
	}
	if row.results, err = json.Marshal(results); err != nil {
		return nil, fmt.Errorf("failed to encode execution results: %w", err)
	}
	if exec.FinalOutput != nil {
		if row.finalOutput, err = json.Marshal(exec.FinalOutput); err != nil {
			return nil, fmt.Errorf("failed to encode final output: %w", err)
		}
	}
	if exec.RollbackResults != nil {
		if row.rollbackResults, err = json.Marshal(exec.RollbackResults); err != nil {
			return nil, fmt.Errorf("failed to encode rollback results: %w", err)
		}
	}
	return row, nil
}

func (r *executionRow) args() []any {
	e := r.exec
	return []any{
		e.ExecutionID, e.WorkflowID, e.AgentID, e.WorkspaceID, r.definition,
		string(e.ValidationStatus), string(e.Status), e.CurrentStep,
		nonNil(e.CompletedSteps), nonNil(e.SkippedSteps), r.results, r.finalOutput,
		e.RollbackPerformed, nonNil(e.RollbackSteps), r.rollbackResults, e.FailedStep, e.StepError,
		models.AsUTC(e.StartedAt), e.CompletedAt, e.DurationSeconds, e.ErrorMessage,
		e.Owner, e.HeartbeatAt,
	}
}

func scanExecution(row pgx.Row) (*models.WorkflowExecution, error) {
	var (
		exec                                              models.WorkflowExecution
		validationStatus, status                          string
		definition, results, finalOutput, rollbackResults []byte
	)
	err := row.Scan(
		&exec.ExecutionID, &exec.WorkflowID, &exec.AgentID, &exec.WorkspaceID, &definition,
		&validationStatus, &status, &exec.CurrentStep, &exec.CompletedSteps, &exec.SkippedSteps,
		&results, &finalOutput, &exec.RollbackPerformed, &exec.RollbackSteps, &rollbackResults,
		&exec.FailedStep, &exec.StepError, &exec.StartedAt, &exec.CompletedAt, &exec.DurationSeconds,
		&exec.ErrorMessage, &exec.Owner, &exec.HeartbeatAt,
	)
	if err != nil {
		return nil, err
	}
	exec.ValidationStatus = models.ValidationStatus(validationStatus)
	exec.Status = models.ExecutionStatus(status)
	exec.StartedAt = models.AsUTC(exec.StartedAt)
	if exec.CompletedAt != nil {
		completed := models.AsUTC(*exec.CompletedAt)
		exec.CompletedAt = &completed
	}
	if exec.HeartbeatAt != nil {
		beat := models.AsUTC(*exec.HeartbeatAt)
		exec.HeartbeatAt = &beat
	}

	if err := json.Unmarshal(definition, &exec.WorkflowDefinition); err != nil {
		return nil, fmt.Errorf("failed to decode workflow definition: %w", err)
	}
	if err := json.Unmarshal(results, &exec.ExecutionResults); err != nil {
		return nil, fmt.Errorf("failed to decode execution results: %w", err)
	}
	if len(finalOutput) > 0 {
		if err := json.Unmarshal(finalOutput, &exec.FinalOutput); err != nil {
			return nil, fmt.Errorf("failed to decode final output: %w", err)
		}
	}
	if len(rollbackResults) > 0 {
		if err := json.Unmarshal(rollbackResults, &exec.RollbackResults); err != nil {
			return nil, fmt.Errorf("failed to decode rollback results: %w", err)
		}
	}
	return &exec, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

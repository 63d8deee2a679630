package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"skillflow/pkg/models"
)

// MemoryExecutionStore keeps executions in process memory. Records are
// copied on the way in and out so callers never share state with the store.
type MemoryExecutionStore struct {
	mu         sync.RWMutex
	executions map[string][]byte
	order      []string
}

// NewMemoryExecutionStore creates an empty MemoryExecutionStore.
func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{executions: make(map[string][]byte)}
}

// Create saves a new execution.
func (s *MemoryExecutionStore) Create(_ context.Context, exec *models.WorkflowExecution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to encode execution: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[exec.ExecutionID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, exec.ExecutionID)
	}
	s.executions[exec.ExecutionID] = data
	s.order = append(s.order, exec.ExecutionID)
	return nil
}

// Update overwrites a non-terminal execution.
func (s *MemoryExecutionStore) Update(_ context.Context, exec *models.WorkflowExecution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to encode execution: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.executions[exec.ExecutionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, exec.ExecutionID)
	}
	stored, err := decodeExecution(current)
	if err != nil {
		return err
	}
	if stored.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrImmutable, exec.ExecutionID, stored.Status)
	}
	if err := checkOwner(stored, exec.Owner); err != nil {
		return err
	}
	s.executions[exec.ExecutionID] = data
	return nil
}

// Claim hands a non-terminal execution to owner unless a live run holds it.
func (s *MemoryExecutionStore) Claim(_ context.Context, executionID, owner string, at, staleBefore time.Time) (*models.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.load(executionID)
	if err != nil {
		return nil, err
	}
	if err := checkClaim(stored, owner, staleBefore); err != nil {
		return nil, err
	}
	at = models.AsUTC(at)
	stored.Owner = owner
	stored.HeartbeatAt = &at
	if err := s.store(stored); err != nil {
		return nil, err
	}
	return stored, nil
}

// Heartbeat refreshes owner's lease.
func (s *MemoryExecutionStore) Heartbeat(_ context.Context, executionID, owner string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.load(executionID)
	if err != nil {
		return err
	}
	if stored.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrImmutable, executionID, stored.Status)
	}
	if stored.Owner != owner {
		return fmt.Errorf("%w: %s", ErrLeased, executionID)
	}
	at = models.AsUTC(at)
	stored.HeartbeatAt = &at
	return s.store(stored)
}

// load decodes a stored record. Callers hold mu.
func (s *MemoryExecutionStore) load(executionID string) (*models.WorkflowExecution, error) {
	data, ok := s.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, executionID)
	}
	return decodeExecution(data)
}

// store encodes exec over its stored record. Callers hold mu.
func (s *MemoryExecutionStore) store(exec *models.WorkflowExecution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to encode execution: %w", err)
	}
	s.executions[exec.ExecutionID] = data
	return nil
}

// Get retrieves an execution by its ID.
func (s *MemoryExecutionStore) Get(_ context.Context, executionID string) (*models.WorkflowExecution, error) {
	s.mu.RLock()
	data, ok := s.executions[executionID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, executionID)
	}
	return decodeExecution(data)
}

// ListByWorkflow returns the executions of a workflow, oldest first.
func (s *MemoryExecutionStore) ListByWorkflow(_ context.Context, workflowID string) ([]*models.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.WorkflowExecution
	for _, id := range s.order {
		exec, err := decodeExecution(s.executions[id])
		if err != nil {
			return nil, err
		}
		if exec.WorkflowID == workflowID {
			out = append(out, exec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// Ping always succeeds.
func (s *MemoryExecutionStore) Ping(context.Context) error {
	return nil
}

func decodeExecution(data []byte) (*models.WorkflowExecution, error) {
	var exec models.WorkflowExecution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, fmt.Errorf("failed to decode execution: %w", err)
	}
	return &exec, nil
}

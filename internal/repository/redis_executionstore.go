package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"skillflow/pkg/models"
)

// maxUpdateRetries bounds optimistic-lock retries on a watched key.
const maxUpdateRetries = 5

// RedisExecutionStore keeps each execution as a JSON string and indexes
// executions per workflow in a sorted set scored by start time.
type RedisExecutionStore struct {
	client *redis.Client
	prefix string
}

// NewRedisExecutionStore creates a new RedisExecutionStore. Keys are
// namespaced under prefix.
func NewRedisExecutionStore(client *redis.Client, prefix string) *RedisExecutionStore {
	if prefix == "" {
		prefix = "skillflow"
	}
	return &RedisExecutionStore{client: client, prefix: prefix}
}

func (s *RedisExecutionStore) executionKey(id string) string {
	return fmt.Sprintf("%s:execution:%s", s.prefix, id)
}

func (s *RedisExecutionStore) workflowKey(workflowID string) string {
	return fmt.Sprintf("%s:workflow:%s:executions", s.prefix, workflowID)
}

// Create saves a new execution and indexes it in one MULTI block.
func (s *RedisExecutionStore) Create(ctx context.Context, exec *models.WorkflowExecution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to encode execution: %w", err)
	}
	key := s.executionKey(exec.ExecutionID)
	score := float64(models.AsUTC(exec.StartedAt).UnixNano())

	err = s.watch(ctx, key, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, exec.ExecutionID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, s.workflowKey(exec.WorkflowID), redis.Z{Score: score, Member: exec.ExecutionID})
			return nil
		})
		return err
	})
	return storeError("save", err)
}

// Update overwrites a non-terminal execution held by exec.Owner. The checks
// and the write happen under WATCH so a concurrent write is never overwritten.
func (s *RedisExecutionStore) Update(ctx context.Context, exec *models.WorkflowExecution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to encode execution: %w", err)
	}
	err = s.modify(ctx, exec.ExecutionID, func(stored *models.WorkflowExecution) ([]byte, error) {
		if stored.Status.IsTerminal() {
			return nil, fmt.Errorf("%w: %s is %s", ErrImmutable, exec.ExecutionID, stored.Status)
		}
		if err := checkOwner(stored, exec.Owner); err != nil {
			return nil, err
		}
		return data, nil
	})
	return storeError("update", err)
}

// Claim hands a non-terminal execution to owner unless a live run holds it.
func (s *RedisExecutionStore) Claim(ctx context.Context, executionID, owner string, at, staleBefore time.Time) (*models.WorkflowExecution, error) {
	var claimed *models.WorkflowExecution
	err := s.modify(ctx, executionID, func(stored *models.WorkflowExecution) ([]byte, error) {
		if err := checkClaim(stored, owner, staleBefore); err != nil {
			return nil, err
		}
		beat := models.AsUTC(at)
		stored.Owner = owner
		stored.HeartbeatAt = &beat
		claimed = stored
		return json.Marshal(stored)
	})
	if err != nil {
		return nil, storeError("claim", err)
	}
	return claimed, nil
}

// Heartbeat refreshes owner's lease.
func (s *RedisExecutionStore) Heartbeat(ctx context.Context, executionID, owner string, at time.Time) error {
	err := s.modify(ctx, executionID, func(stored *models.WorkflowExecution) ([]byte, error) {
		if stored.Status.IsTerminal() {
			return nil, fmt.Errorf("%w: %s is %s", ErrImmutable, executionID, stored.Status)
		}
		if stored.Owner != owner {
			return nil, fmt.Errorf("%w: %s", ErrLeased, executionID)
		}
		beat := models.AsUTC(at)
		stored.HeartbeatAt = &beat
		return json.Marshal(stored)
	})
	return storeError("refresh lease on", err)
}

// modify rewrites the record for executionID with whatever fn returns from
// the stored copy.
func (s *RedisExecutionStore) modify(ctx context.Context, executionID string, fn func(stored *models.WorkflowExecution) ([]byte, error)) error {
	key := s.executionKey(executionID)
	return s.watch(ctx, key, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", ErrNotFound, executionID)
		}
		if err != nil {
			return err
		}
		stored, err := decodeExecution(current)
		if err != nil {
			return err
		}
		data, err := fn(stored)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	})
}

// watch runs txf under WATCH on key, retrying when another client wins the race.
func (s *RedisExecutionStore) watch(ctx context.Context, key string, txf func(tx *redis.Tx) error) error {
	var err error
	for i := 0; i < maxUpdateRetries; i++ {
		err = s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func storeError(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrImmutable) ||
		errors.Is(err, ErrAlreadyExists) || errors.Is(err, ErrLeased) {
		return err
	}
	return fmt.Errorf("failed to %s execution: %w", op, err)
}

// Get retrieves an execution by its ID.
func (s *RedisExecutionStore) Get(ctx context.Context, executionID string) (*models.WorkflowExecution, error) {
	data, err := s.client.Get(ctx, s.executionKey(executionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return decodeExecution(data)
}

// ListByWorkflow returns the executions of a workflow, oldest first.
func (s *RedisExecutionStore) ListByWorkflow(ctx context.Context, workflowID string) ([]*models.WorkflowExecution, error) {
	ids, err := s.client.ZRange(ctx, s.workflowKey(workflowID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.executionKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load executions: %w", err)
	}

	executions := make([]*models.WorkflowExecution, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		exec, err := decodeExecution([]byte(raw))
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}
	return executions, nil
}

// Ping checks the Redis connection.
func (s *RedisExecutionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

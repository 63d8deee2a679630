package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"skillflow/internal/logging"
	"skillflow/pkg/models"
)

// Runner starts one workflow execution.
type Runner interface {
	Execute(ctx context.Context, req models.ExecuteRequest) *models.ExecutionResult
}

// Scheduler fires registered triggers through a Runner.
type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	logger  *logging.Logger
	loc     *time.Location
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewScheduler creates a Scheduler evaluating schedules in loc. runTimeout
// bounds each triggered execution; zero means no bound.
func NewScheduler(runner Runner, logger *logging.Logger, loc *time.Location, runTimeout time.Duration) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(loc)),
		runner:  runner,
		logger:  logger,
		loc:     loc,
		timeout: runTimeout,
		entries: make(map[string]cron.EntryID),
	}
}

// Add registers trigger, replacing any trigger for the same workflow.
func (s *Scheduler) Add(trigger models.Trigger) (time.Time, error) {
	if trigger.WorkflowID == "" {
		return time.Time{}, fmt.Errorf("trigger has no workflow_id")
	}
	sched, err := Resolve(trigger.Schedule)
	if err != nil {
		return time.Time{}, fmt.Errorf("trigger %s: %w", trigger.WorkflowID, err)
	}
	next, err := sched.NextAfter(time.Now().In(s.loc))
	if err != nil {
		return time.Time{}, fmt.Errorf("trigger %s: %w", trigger.WorkflowID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[trigger.WorkflowID]; ok {
		s.cron.Remove(id)
	}
	s.entries[trigger.WorkflowID] = s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(trigger) }))

	s.logger.Info("trigger registered", "workflow_id", trigger.WorkflowID, "cron", sched.String(), "next_run", next)
	return next, nil
}

// Remove unregisters the trigger for workflowID, if any.
func (s *Scheduler) Remove(workflowID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entries[workflowID]
	if ok {
		s.cron.Remove(id)
		delete(s.entries, workflowID)
	}
	return ok
}

// Len returns the number of registered triggers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs or ctx, whichever is first.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

func (s *Scheduler) fire(trigger models.Trigger) {
	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	res := s.runner.Execute(ctx, models.ExecuteRequest{
		WorkflowID:  trigger.WorkflowID,
		Steps:       trigger.Steps,
		AgentID:     trigger.AgentID,
		WorkspaceID: trigger.WorkspaceID,
	})
	if !res.Success {
		s.logger.Warn("triggered execution did not complete",
			"workflow_id", trigger.WorkflowID, "execution_id", res.ExecutionID, "status", res.Status, "error", res.Error)
		return
	}
	s.logger.Info("triggered execution completed", "workflow_id", trigger.WorkflowID, "execution_id", res.ExecutionID)
}

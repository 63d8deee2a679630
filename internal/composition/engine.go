// Package composition validates and executes multi-step skill workflows.
//
// A workflow is a list of steps forming a DAG over their dependencies. The
// Engine walks the steps in topological order, one at a time, feeding each
// step the outputs of its dependencies and checkpointing the execution record
// after every step. When a step fails the completed steps are recorded for
// rollback in reverse completion order.
package composition

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"skillflow/internal/logging"
	"skillflow/internal/repository"
	"skillflow/internal/services"
	"skillflow/pkg/models"
)

// ErrNotResumable is returned by Resume for executions already in a terminal
// state or still held by a live run.
var ErrNotResumable = errors.New("execution cannot be resumed")

// DefaultLeaseTTL is how long a run may go without a heartbeat before
// another Resume may take its execution over.
const DefaultLeaseTTL = 2 * time.Minute

// Engine runs workflow executions.
type Engine struct {
	store       repository.ExecutionStore
	skills      services.SkillRegistry
	conditions  *ConditionEvaluator
	governor    services.Governor
	compensator services.Compensator
	logger      *logging.Logger
	meter       metric.Meter
	metrics     *engineMetrics
	now         func() time.Time
	newID       func() string
	leaseTTL    time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithGovernor checks every execution against g before any step runs.
func WithGovernor(g services.Governor) Option {
	return func(e *Engine) { e.governor = g }
}

// WithCompensator invokes c for each completed step during rollback.
func WithCompensator(c services.Compensator) Option {
	return func(e *Engine) { e.compensator = c }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMeter sets the meter used for execution metrics.
func WithMeter(m metric.Meter) Option {
	return func(e *Engine) { e.meter = m }
}

// WithLeaseTTL sets how stale a run's heartbeat must be before Resume may
// claim its execution. The run heartbeats every third of ttl.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.leaseTTL = ttl }
}

// WithClock overrides time.Now. now is called from the heartbeat goroutine
// too, so it must be safe for concurrent use.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides execution id generation.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// NewEngine creates an Engine persisting to store and delegating step work to skills.
func NewEngine(store repository.ExecutionStore, skills services.SkillRegistry, opts ...Option) (*Engine, error) {
	conditions, err := NewConditionEvaluator()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		store:      store,
		skills:     skills,
		conditions: conditions,
		logger:     logging.Nop(),
		meter:      otel.Meter(meterName),
		now:        time.Now,
		newID:      uuid.NewString,
		leaseTTL:   DefaultLeaseTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics, err = newEngineMetrics(e.meter); err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	return e, nil
}

// Validate checks steps without running anything. For a valid workflow it
// also compiles every step condition and lists the ones that cannot compile
// as warnings; such steps would be skipped at run time.
func (e *Engine) Validate(steps []models.WorkflowStep) models.ValidationResult {
	result := ValidateWorkflow(steps)
	if result.Valid {
		result.Warnings = e.conditionWarnings(steps)
	}
	return result
}

func (e *Engine) conditionWarnings(steps []models.WorkflowStep) []string {
	ids := make([]string, len(steps))
	for i, s := range steps {
		ids[i] = s.StepID
	}
	var warnings []string
	for _, s := range steps {
		if s.Condition == "" {
			continue
		}
		if err := e.conditions.Check(s.Condition, ids); err != nil {
			warnings = append(warnings, fmt.Sprintf("Step %s condition will always skip: %v", s.StepID, err))
		}
	}
	return warnings
}

// Execute runs a workflow to a terminal state. Every outcome, including
// infrastructure failures, is reported in the returned result.
func (e *Engine) Execute(ctx context.Context, req models.ExecuteRequest) *models.ExecutionResult {
	started := models.AsUTC(e.now())
	exec := &models.WorkflowExecution{
		ExecutionID:        e.newID(),
		WorkflowID:         req.WorkflowID,
		AgentID:            req.AgentID,
		WorkspaceID:        req.WorkspaceID,
		WorkflowDefinition: req.Steps,
		ValidationStatus:   models.ValidationStatusPending,
		Status:             models.ExecutionStatusPending,
		CompletedSteps:     []string{},
		ExecutionResults:   map[string]any{},
		StartedAt:          started,
		Owner:              uuid.NewString(),
		HeartbeatAt:        &started,
	}

	if err := e.store.Create(ctx, exec); err != nil {
		e.logger.Error("failed to create execution record",
			"workflow_id", exec.WorkflowID, "execution_id", exec.ExecutionID, "error", err)
		return &models.ExecutionResult{
			WorkflowID:  exec.WorkflowID,
			ExecutionID: exec.ExecutionID,
			Status:      models.ExecutionStatusFailed,
			Error:       fmt.Sprintf("failed to create execution record: %v", err),
		}
	}

	validation := ValidateWorkflow(req.Steps)
	if !validation.Valid {
		exec.ValidationStatus = models.ValidationStatusInvalid
		res := e.fail(ctx, exec, errors.New(describeValidation(validation)))
		res.Validation = &validation
		return res
	}
	exec.ValidationStatus = models.ValidationStatusValid
	for _, w := range e.conditionWarnings(req.Steps) {
		e.logger.Warn("workflow condition does not compile",
			"workflow_id", exec.WorkflowID, "execution_id", exec.ExecutionID, "warning", w)
	}

	return e.start(ctx, exec, validation.ExecutionOrder)
}

// Resume continues a pending or running execution from its last checkpoint.
// Completed and skipped steps are not run again; the step that was current
// when the previous run stopped is run again. An execution whose run is
// still heartbeating is not resumable.
func (e *Engine) Resume(ctx context.Context, executionID string) (*models.ExecutionResult, error) {
	now := models.AsUTC(e.now())
	exec, err := e.store.Claim(ctx, executionID, uuid.NewString(), now, now.Add(-e.leaseTTL))
	switch {
	case errors.Is(err, repository.ErrImmutable), errors.Is(err, repository.ErrLeased):
		return nil, fmt.Errorf("%w: %w", ErrNotResumable, err)
	case err != nil:
		return nil, err
	}

	validation := ValidateWorkflow(exec.WorkflowDefinition)
	if !validation.Valid {
		exec.ValidationStatus = models.ValidationStatusInvalid
		res := e.fail(ctx, exec, errors.New(describeValidation(validation)))
		res.Validation = &validation
		return res, nil
	}
	exec.ValidationStatus = models.ValidationStatusValid

	if exec.Status == models.ExecutionStatusPending {
		return e.start(ctx, exec, validation.ExecutionOrder), nil
	}
	e.logger.Info("resuming execution",
		"workflow_id", exec.WorkflowID, "execution_id", exec.ExecutionID,
		"completed_steps", len(exec.CompletedSteps), "current_step", exec.CurrentStep)
	return e.run(ctx, exec, validation.ExecutionOrder), nil
}

func (e *Engine) start(ctx context.Context, exec *models.WorkflowExecution, order []string) *models.ExecutionResult {
	if e.governor != nil {
		if err := e.governor.Authorize(ctx, exec.AgentID, exec.WorkspaceID, skillIDs(exec.WorkflowDefinition)); err != nil {
			return e.fail(ctx, exec, err)
		}
	}

	exec.Status = models.ExecutionStatusRunning
	if err := e.save(ctx, exec); err != nil {
		return e.fail(ctx, exec, fmt.Errorf("failed to mark execution running: %w", err))
	}
	return e.run(ctx, exec, order)
}

// run walks order sequentially. A panic anywhere in the loop, including
// inside the skill registry, ends the execution as failed.
func (e *Engine) run(ctx context.Context, exec *models.WorkflowExecution, order []string) (res *models.ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			res = e.fail(ctx, exec, fmt.Errorf("unexpected error: %v", r))
		}
	}()

	log := e.logger.With("workflow_id", exec.WorkflowID, "execution_id", exec.ExecutionID)
	stop := e.keepAlive(ctx, exec.ExecutionID, exec.Owner, log)
	defer stop()

	steps := make(map[string]models.WorkflowStep, len(exec.WorkflowDefinition))
	for _, s := range exec.WorkflowDefinition {
		steps[s.StepID] = s
	}
	if exec.ExecutionResults == nil {
		exec.ExecutionResults = map[string]any{}
	}
	results := exec.ExecutionResults

	done := make(map[string]bool, len(exec.CompletedSteps)+len(exec.SkippedSteps))
	for _, id := range exec.CompletedSteps {
		done[id] = true
	}
	for _, id := range exec.SkippedSteps {
		done[id] = true
	}

	for _, id := range order {
		if done[id] {
			continue
		}
		step := steps[id]

		exec.CurrentStep = id
		if err := e.save(ctx, exec); err != nil {
			return e.fail(ctx, exec, fmt.Errorf("failed to checkpoint step %s: %w", id, err))
		}

		inputs := ResolveInputs(step, results)

		if step.Condition != "" && !e.conditionMet(step, results, log) {
			log.Info("step skipped", "step_id", id, "condition", step.Condition)
			exec.SkippedSteps = append(exec.SkippedSteps, id)
			e.metrics.recordStep(ctx, step.SkillID, "skipped")
			if err := e.save(ctx, exec); err != nil {
				return e.fail(ctx, exec, fmt.Errorf("failed to checkpoint step %s: %w", id, err))
			}
			continue
		}

		log.Debug("executing step", "step_id", id, "skill_id", step.SkillID)
		outcome := e.invoke(ctx, exec.AgentID, step, inputs, log)
		if !outcome.Success {
			e.metrics.recordStep(ctx, step.SkillID, "failed")
			return e.rollback(ctx, exec, id, outcome.Error)
		}
		e.metrics.recordStep(ctx, step.SkillID, "succeeded")

		results[id] = outcome.Result
		exec.CompletedSteps = append(exec.CompletedSteps, id)
		if err := e.save(ctx, exec); err != nil {
			return e.fail(ctx, exec, fmt.Errorf("failed to checkpoint step %s: %w", id, err))
		}
	}

	return e.complete(ctx, exec)
}

// save checkpoints exec under its lease.
func (e *Engine) save(ctx context.Context, exec *models.WorkflowExecution) error {
	at := models.AsUTC(e.now())
	exec.HeartbeatAt = &at
	return e.store.Update(ctx, exec)
}

// keepAlive refreshes the lease on executionID until the returned func is
// called. Steps can outlast the lease, so checkpoints alone are not enough.
func (e *Engine) keepAlive(ctx context.Context, executionID, owner string, log *logging.Logger) func() {
	if e.leaseTTL <= 0 || owner == "" {
		return func() {}
	}
	interval := e.leaseTTL / 3
	if interval <= 0 {
		interval = e.leaseTTL
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := e.store.Heartbeat(ctx, executionID, owner, models.AsUTC(e.now()))
				if errors.Is(err, repository.ErrLeased) || errors.Is(err, repository.ErrImmutable) {
					log.Warn("execution lease lost", "error", err)
					return
				}
				if err != nil {
					log.Warn("failed to refresh execution lease", "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (e *Engine) conditionMet(step models.WorkflowStep, results map[string]any, log *logging.Logger) bool {
	ok, err := e.conditions.Evaluate(step.Condition, results)
	if err != nil {
		log.Warn("condition evaluation failed, treating as not met",
			"step_id", step.StepID, "condition", step.Condition, "error", err)
		return false
	}
	return ok
}

// invoke calls the skill registry up to the step's declared attempt count.
func (e *Engine) invoke(ctx context.Context, agentID string, step models.WorkflowStep, inputs map[string]any, log *logging.Logger) models.SkillResult {
	attempts := step.RetryPolicy.Attempts()
	for attempt := 1; ; attempt++ {
		res := e.callSkill(ctx, agentID, step, inputs)
		if res.Success || attempt >= attempts || ctx.Err() != nil {
			return res
		}
		log.Warn("step attempt failed, retrying",
			"step_id", step.StepID, "attempt", attempt, "max_attempts", attempts, "error", res.Error)

		if backoff := step.RetryPolicy.Backoff(); backoff > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return res
			case <-timer.C:
			}
		}
	}
}

type skillReply struct {
	res      models.SkillResult
	err      error
	panicked any
}

func (e *Engine) callSkill(ctx context.Context, agentID string, step models.WorkflowStep, inputs map[string]any) models.SkillResult {
	if step.TimeoutSeconds <= 0 {
		return normalizeReply(e.skills.ExecuteSkill(ctx, step.SkillID, inputs, agentID))
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(step.TimeoutSeconds)*time.Second)
	defer cancel()

	replies := make(chan skillReply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				replies <- skillReply{panicked: r}
			}
		}()
		res, err := e.skills.ExecuteSkill(callCtx, step.SkillID, inputs, agentID)
		replies <- skillReply{res: res, err: err}
	}()

	timedOut := models.SkillResult{Error: fmt.Sprintf("step timed out after %ds", step.TimeoutSeconds)}
	select {
	case r := <-replies:
		if r.panicked != nil {
			panic(r.panicked)
		}
		res := normalizeReply(r.res, r.err)
		if !res.Success && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return timedOut
		}
		return res
	case <-callCtx.Done():
		if ctx.Err() == nil {
			return timedOut
		}
		return models.SkillResult{Error: ctx.Err().Error()}
	}
}

func normalizeReply(res models.SkillResult, err error) models.SkillResult {
	if err != nil {
		return models.SkillResult{Error: err.Error()}
	}
	if !res.Success && res.Error == "" {
		res.Error = "skill reported failure without an error message"
	}
	return res
}

func (e *Engine) complete(ctx context.Context, exec *models.WorkflowExecution) *models.ExecutionResult {
	exec.Status = models.ExecutionStatusCompleted
	exec.FinalOutput = exec.ExecutionResults
	exec.MarkFinished(e.now())

	if err := e.save(context.WithoutCancel(ctx), exec); err != nil {
		return e.fail(ctx, exec, fmt.Errorf("failed to persist completion: %w", err))
	}
	e.metrics.recordExecution(ctx, exec)
	e.logger.Info("workflow completed",
		"workflow_id", exec.WorkflowID, "execution_id", exec.ExecutionID,
		"steps", len(exec.CompletedSteps), "skipped", len(exec.SkippedSteps), "duration_seconds", *exec.DurationSeconds)

	return &models.ExecutionResult{
		Success:         true,
		WorkflowID:      exec.WorkflowID,
		ExecutionID:     exec.ExecutionID,
		Status:          exec.Status,
		Results:         exec.FinalOutput,
		DurationSeconds: exec.DurationSeconds,
	}
}

// rollback ends exec after stepID failed. Completed steps are recorded in
// reverse completion order and handed to the compensator when one is set.
func (e *Engine) rollback(ctx context.Context, exec *models.WorkflowExecution, stepID, stepErr string) *models.ExecutionResult {
	if stepErr == "" {
		stepErr = "unknown error"
	}
	message := fmt.Sprintf("Step %s failed: %s", stepID, stepErr)

	exec.FailedStep = stepID
	exec.StepError = stepErr
	exec.RollbackPerformed = true
	exec.RollbackSteps = reversed(exec.CompletedSteps)
	if e.compensator != nil {
		exec.RollbackResults = e.compensate(ctx, exec)
	}
	exec.Status = models.ExecutionStatusRolledBack
	exec.MarkFinished(e.now())

	if err := e.save(context.WithoutCancel(ctx), exec); err != nil {
		return e.fail(ctx, exec, fmt.Errorf("%s; failed to persist rollback: %w", message, err))
	}
	e.metrics.recordExecution(ctx, exec)
	e.logger.Warn("workflow rolled back",
		"workflow_id", exec.WorkflowID, "execution_id", exec.ExecutionID,
		"failed_step", stepID, "error", stepErr, "rollback_steps", exec.RollbackSteps)

	return &models.ExecutionResult{
		WorkflowID:      exec.WorkflowID,
		ExecutionID:     exec.ExecutionID,
		Status:          exec.Status,
		Error:           message,
		RolledBack:      true,
		FailedStep:      stepID,
		DurationSeconds: exec.DurationSeconds,
	}
}

func (e *Engine) compensate(ctx context.Context, exec *models.WorkflowExecution) []models.CompensationOutcome {
	skills := make(map[string]string, len(exec.WorkflowDefinition))
	for _, s := range exec.WorkflowDefinition {
		skills[s.StepID] = s.SkillID
	}
	cctx := context.WithoutCancel(ctx)

	outcomes := make([]models.CompensationOutcome, 0, len(exec.RollbackSteps))
	for _, id := range exec.RollbackSteps {
		outcome := models.CompensationOutcome{StepID: id, Compensated: true}
		if err := e.compensator.Compensate(cctx, skills[id], exec.ExecutionResults[id], exec.AgentID); err != nil {
			outcome.Compensated = false
			outcome.Error = err.Error()
			e.logger.Warn("compensation failed",
				"execution_id", exec.ExecutionID, "step_id", id, "error", err)
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func reversed(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[len(ids)-1-i] = id
	}
	return out
}

// fail ends exec as failed. Persisting is best effort: the caller gets the
// structured failure either way.
func (e *Engine) fail(ctx context.Context, exec *models.WorkflowExecution, cause error) *models.ExecutionResult {
	exec.Status = models.ExecutionStatusFailed
	exec.ErrorMessage = cause.Error()
	exec.MarkFinished(e.now())

	if err := e.save(context.WithoutCancel(ctx), exec); err != nil {
		e.logger.Error("failed to persist failed execution",
			"workflow_id", exec.WorkflowID, "execution_id", exec.ExecutionID, "error", err)
	}
	e.metrics.recordExecution(ctx, exec)
	e.logger.Error("workflow failed",
		"workflow_id", exec.WorkflowID, "execution_id", exec.ExecutionID, "error", cause)

	return &models.ExecutionResult{
		WorkflowID:      exec.WorkflowID,
		ExecutionID:     exec.ExecutionID,
		Status:          exec.Status,
		Error:           exec.ErrorMessage,
		DurationSeconds: exec.DurationSeconds,
	}
}

func describeValidation(v models.ValidationResult) string {
	switch {
	case len(v.Cycles) > 0:
		parts := make([]string, len(v.Cycles))
		for i, c := range v.Cycles {
			parts[i] = strings.Join(c, " -> ")
		}
		return fmt.Sprintf("%s: %s", v.Error, strings.Join(parts, "; "))
	case len(v.Missing) > 0:
		return fmt.Sprintf("%s: %s", v.Error, strings.Join(v.Missing, "; "))
	}
	return v.Error
}

func skillIDs(steps []models.WorkflowStep) []string {
	ids := make([]string, 0, len(steps))
	for _, s := range steps {
		ids = append(ids, s.SkillID)
	}
	return ids
}

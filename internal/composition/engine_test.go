package composition

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"skillflow/internal/repository"
	"skillflow/internal/services"
	"skillflow/pkg/models"
)

type MockSkillRegistry struct {
	mock.Mock
}

func (m *MockSkillRegistry) ExecuteSkill(ctx context.Context, skillID string, inputs map[string]any, agentID string) (models.SkillResult, error) {
	args := m.Called(ctx, skillID, inputs, agentID)
	return args.Get(0).(models.SkillResult), args.Error(1)
}

type MockCompensator struct {
	mock.Mock
}

func (m *MockCompensator) Compensate(ctx context.Context, skillID string, result any, agentID string) error {
	args := m.Called(ctx, skillID, result, agentID)
	return args.Error(0)
}

// failingStore passes through to a memory store until allowed updates run out.
type failingStore struct {
	repository.ExecutionStore
	allowedUpdates int
}

func (s *failingStore) Update(ctx context.Context, exec *models.WorkflowExecution) error {
	if s.allowedUpdates <= 0 {
		return errors.New("connection reset by peer")
	}
	s.allowedUpdates--
	return s.ExecutionStore.Update(ctx, exec)
}

// recordingStore keeps a copy of every record passed to Update.
type recordingStore struct {
	repository.ExecutionStore
	mu      sync.Mutex
	updates []models.WorkflowExecution
}

func (s *recordingStore) Update(ctx context.Context, exec *models.WorkflowExecution) error {
	s.mu.Lock()
	snapshot := *exec
	snapshot.SkippedSteps = slices.Clone(exec.SkippedSteps)
	snapshot.CompletedSteps = slices.Clone(exec.CompletedSteps)
	s.updates = append(s.updates, snapshot)
	s.mu.Unlock()
	return s.ExecutionStore.Update(ctx, exec)
}

// steppingClock advances one second on every reading.
func steppingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := now
		now = now.Add(time.Second)
		return t
	}
}

func newTestEngine(t *testing.T, store repository.ExecutionStore, skills services.SkillRegistry, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{
		WithClock(steppingClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))),
		WithIDGenerator(func() string { return "ex-1" }),
	}, opts...)
	e, err := NewEngine(store, skills, opts...)
	require.NoError(t, err)
	return e
}

func step(id, skill string, deps ...string) models.WorkflowStep {
	return models.WorkflowStep{StepID: id, SkillID: skill, Dependencies: deps}
}

func TestEngine_ExecuteCompletes(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryExecutionStore()
	skills := new(MockSkillRegistry)

	var called []string
	record := func(args mock.Arguments) { called = append(called, args.String(1)) }
	skills.On("ExecuteSkill", mock.Anything, "skill.a", mock.Anything, "agent-1").
		Return(models.SkillResult{Success: true, Result: map[string]any{"user": "ada"}}, nil).Run(record).Once()
	skills.On("ExecuteSkill", mock.Anything, "skill.b", mock.Anything, "agent-1").
		Return(models.SkillResult{Success: true, Result: "posted"}, nil).Run(record).Once()
	skills.On("ExecuteSkill", mock.Anything, "skill.c", mock.Anything, "agent-1").
		Return(models.SkillResult{Success: true, Result: 3}, nil).Run(record).Once()

	e := newTestEngine(t, store, skills)
	res := e.Execute(ctx, models.ExecuteRequest{
		WorkflowID: "wf-1",
		AgentID:    "agent-1",
		Steps:      []models.WorkflowStep{step("A", "skill.a"), step("B", "skill.b", "A"), step("C", "skill.c", "A")},
	})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "ex-1", res.ExecutionID)
	assert.Equal(t, "wf-1", res.WorkflowID)
	assert.Equal(t, models.ExecutionStatusCompleted, res.Status)
	assert.Equal(t, []string{"skill.a", "skill.b", "skill.c"}, called)
	assert.Equal(t, map[string]any{"user": "ada"}, res.Results["A"])
	assert.Equal(t, "posted", res.Results["B"])
	assert.Equal(t, 3, res.Results["C"])
	require.NotNil(t, res.DurationSeconds)
	assert.GreaterOrEqual(t, *res.DurationSeconds, 0.0)
	skills.AssertExpectations(t)

	stored, err := store.Get(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, stored.Status)
	assert.Equal(t, models.ValidationStatusValid, stored.ValidationStatus)
	assert.Equal(t, []string{"A", "B", "C"}, stored.CompletedSteps)
	assert.Len(t, stored.FinalOutput, 3)
	assert.Len(t, stored.WorkflowDefinition, 3)
	assert.Equal(t, "C", stored.CurrentStep)
	require.NotNil(t, stored.CompletedAt)
	assert.Empty(t, stored.ErrorMessage)
	assert.False(t, stored.RollbackPerformed)
}

func TestEngine_StepFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryExecutionStore()
	skills := new(MockSkillRegistry)
	skills.On("ExecuteSkill", mock.Anything, "skill.a", mock.Anything, "agent-1").
		Return(models.SkillResult{Success: true, Result: "ok"}, nil).Once()
	skills.On("ExecuteSkill", mock.Anything, "skill.b", mock.Anything, "agent-1").
		Return(models.SkillResult{Success: false, Error: "boom"}, nil).Once()

	e := newTestEngine(t, store, skills)
	res := e.Execute(ctx, models.ExecuteRequest{
		WorkflowID: "wf-1",
		AgentID:    "agent-1",
		Steps:      []models.WorkflowStep{step("A", "skill.a"), step("B", "skill.b", "A")},
	})

	assert.False(t, res.Success)
	assert.Equal(t, "Step B failed: boom", res.Error)
	assert.True(t, res.RolledBack)
	assert.Equal(t, "B", res.FailedStep)
	assert.Equal(t, models.ExecutionStatusRolledBack, res.Status)
	skills.AssertExpectations(t)

	stored, err := store.Get(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRolledBack, stored.Status)
	assert.True(t, stored.RollbackPerformed)
	assert.Equal(t, []string{"A"}, stored.RollbackSteps)
	assert.Equal(t, "B", stored.FailedStep)
	assert.Equal(t, "boom", stored.StepError)
	assert.Empty(t, stored.ErrorMessage)
	assert.Empty(t, stored.RollbackResults)
	require.NotNil(t, stored.DurationSeconds)
	assert.GreaterOrEqual(t, *stored.DurationSeconds, 0.0)
}

func TestEngine_RollbackCompensatesInReverse(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryExecutionStore()
	skills := new(MockSkillRegistry)
	skills.On("ExecuteSkill", mock.Anything, "skill.a", mock.Anything, "agent-1").
		Return(models.SkillResult{Success: true, Result: "a"}, nil)
	skills.On("ExecuteSkill", mock.Anything, "skill.b", mock.Anything, "agent-1").
		Return(models.SkillResult{Success: true, Result: "b"}, nil)
	skills.On("ExecuteSkill", mock.Anything, "skill.c", mock.Anything, "agent-1").
		Return(models.SkillResult{Success: false}, nil)

	var compensated []string
	comp := new(MockCompensator)
	comp.On("Compensate", mock.Anything, "skill.b", "b", "agent-1").
		Return(errors.New("undo unsupported")).Run(func(args mock.Arguments) { compensated = append(compensated, args.String(1)) })
	comp.On("Compensate", mock.Anything, "skill.a", "a", "agent-1").
		Return(nil).Run(func(args mock.Arguments) { compensated = append(compensated, args.String(1)) })

	e := newTestEngine(t, store, skills, WithCompensator(comp))
	res := e.Execute(ctx, models.ExecuteRequest{
		WorkflowID: "wf-1",
		AgentID:    "agent-1",
		Steps: []models.WorkflowStep{
			step("A", "skill.a"), step("B", "skill.b", "A"), step("C", "skill.c", "B"),
		},
	})

	assert.True(t, res.RolledBack)
	assert.Equal(t, "Step C failed: skill reported failure without an error message", res.Error)
	assert.Equal(t, []string{"skill.b", "skill.a"}, compensated)
	comp.AssertExpectations(t)

	stored, err := store.Get(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A"}, stored.RollbackSteps)
	assert.Equal(t, []models.CompensationOutcome{
		{StepID: "B", Compensated: false, Error: "undo unsupported"},
		{StepID: "A", Compensated: true},
	}, stored.RollbackResults)
}

func TestEngine_InvalidWorkflowRunsNothing(t *testing.T) {
	tests := []struct {
		name      string
		steps     []models.WorkflowStep
		wantError string
	}{
		{
			name:      "cycle",
			steps:     []models.WorkflowStep{step("A", "skill.a", "B"), step("B", "skill.b", "A")},
			wantError: "Workflow contains circular dependencies: A -> B",
		},
		{
			name:      "missing dependency",
			steps:     []models.WorkflowStep{step("A", "skill.a", "ghost")},
			wantError: "Workflow has missing dependencies: Step A depends on missing step ghost",
		},
		{
			name:      "empty",
			steps:     nil,
			wantError: "Workflow has no steps",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := repository.NewMemoryExecutionStore()
			skills := new(MockSkillRegistry)

			e := newTestEngine(t, store, skills)
			res := e.Execute(ctx, models.ExecuteRequest{WorkflowID: "wf-bad", AgentID: "agent-1", Steps: tt.steps})

			assert.False(t, res.Success)
			assert.Equal(t, tt.wantError, res.Error)
			assert.Equal(t, models.ExecutionStatusFailed, res.Status)
			assert.False(t, res.RolledBack)
			require.NotNil(t, res.Validation)
			assert.False(t, res.Validation.Valid)
			skills.AssertNotCalled(t, "ExecuteSkill", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

			stored, err := store.Get(ctx, "ex-1")
			require.NoError(t, err)
			assert.Equal(t, models.ValidationStatusInvalid, stored.ValidationStatus)
			assert.Equal(t, models.ExecutionStatusFailed, stored.Status)
			assert.Equal(t, tt.wantError, stored.ErrorMessage)
			assert.Empty(t, stored.CompletedSteps)
		})
	}
}

func TestEngine_Conditions(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryExecutionStore()
	skills := new(MockSkillRegistry)
	skills.On("ExecuteSkill", mock.Anything, "crm.lookup", mock.Anything, "agent-1").
		Return(models.SkillResult{Success: true, Result: map[string]any{"found": true, "score": 7}}, nil).Once()
	skills.On("ExecuteSkill", mock.Anything, "slack.post", mock.Anything, "agent-1").
		Return(models.SkillResult{Success: true, Result: "sent"}, nil).Once()

	steps := []models.WorkflowStep{
		step("lookup", "crm.lookup"),
		{StepID: "notify", SkillID: "slack.post", Dependencies: []string{"lookup"}, Condition: "lookup.found && lookup.score > 5"},
		{StepID: "escalate", SkillID: "pager.page", Dependencies: []string{"lookup"}, Condition: `results["lookup"].score > 10`},
		{StepID: "broken", SkillID: "pager.page", Dependencies: []string{"lookup"}, Condition: "lookup.nosuchfield == 1"},
		{StepID: "illegal", SkillID: "pager.page", Condition: `size("abc") == 3`},
	}

	e := newTestEngine(t, store, skills)
	res := e.Execute(ctx, models.ExecuteRequest{WorkflowID: "wf-cond", AgentID: "agent-1", Steps: steps})

	require.True(t, res.Success, res.Error)
	assert.Contains(t, res.Results, "notify")
	assert.NotContains(t, res.Results, "escalate")
	skills.AssertExpectations(t)
	skills.AssertNotCalled(t, "ExecuteSkill", mock.Anything, "pager.page", mock.Anything, mock.Anything)

	stored, err := store.Get(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"lookup", "notify"}, stored.CompletedSteps)
	assert.Equal(t, []string{"escalate", "broken", "illegal"}, stored.SkippedSteps)
}

func TestEngine_PassesResolvedInputs(t *testing.T) {
	ctx := context.Background()
	skills := new(MockSkillRegistry)
	skills.On("ExecuteSkill", mock.Anything, "skill.a", map[string]any{"email": "a@example.com"}, "agent-1").
		Return(models.SkillResult{Success: true, Result: map[string]any{"user_id": "u-1", "channel": "#ops"}}, nil).Once()
	skills.On("ExecuteSkill", mock.Anything, "skill.b", map[string]any{"channel": "#ops", "user_id": "u-1", "greeting": "hi"}, "agent-1").
		Return(models.SkillResult{Success: true, Result: 42}, nil).Once()
	skills.On("ExecuteSkill", mock.Anything, "skill.c", map[string]any{"B_output": 42}, "agent-1").
		Return(models.SkillResult{Success: true}, nil).Once()

	e := newTestEngine(t, repository.NewMemoryExecutionStore(), skills)
	res := e.Execute(ctx, models.ExecuteRequest{
		WorkflowID: "wf-inputs",
		AgentID:    "agent-1",
		Steps: []models.WorkflowStep{
			{StepID: "A", SkillID: "skill.a", Inputs: map[string]any{"email": "a@example.com"}},
			{StepID: "B", SkillID: "skill.b", Dependencies: []string{"A"}, Inputs: map[string]any{"channel": "#general", "greeting": "hi"}},
			{StepID: "C", SkillID: "skill.c", Dependencies: []string{"B"}},
		},
	})

	require.True(t, res.Success, res.Error)
	skills.AssertExpectations(t)
}

func TestEngine_RetriesDeclaredAttempts(t *testing.T) {
	ctx := context.Background()
	skills := new(MockSkillRegistry)
	skills.On("ExecuteSkill", mock.Anything, "flaky", mock.Anything, "agent-1").
		Return(models.SkillResult{Success: false, Error: "503"}, nil).Twice()
	skills.On("ExecuteSkill", mock.Anything, "flaky", mock.Anything, "agent-1").
		Return(models.SkillResult{Success: true, Result: "ok"}, nil).Once()

	e := newTestEngine(t, repository.NewMemoryExecutionStore(), skills)
	res := e.Execute(ctx, models.ExecuteRequest{
		WorkflowID: "wf-retry",
		AgentID:    "agent-1",
		Steps: []models.WorkflowStep{
			{StepID: "A", SkillID: "flaky", RetryPolicy: &models.RetryPolicy{MaxAttempts: 3, BackoffSeconds: 0.01}},
		},
	})

	require.True(t, res.Success, res.Error)
	skills.AssertNumberOfCalls(t, "ExecuteSkill", 3)
}

func TestEngine_NoRetryWithoutPolicy(t *testing.T) {
	skills := new(MockSkillRegistry)
	skills.On("ExecuteSkill", mock.Anything, "flaky", mock.Anything, "agent-1").
		Return(models.SkillResult{}, errors.New("registry unreachable")).Once()

	e := newTestEngine(t, repository.NewMemoryExecutionStore(), skills)
	res := e.Execute(context.Background(), models.ExecuteRequest{
		WorkflowID: "wf-retry",
		AgentID:    "agent-1",
		Steps:      []models.WorkflowStep{step("A", "flaky")},
	})

	assert.True(t, res.RolledBack)
	assert.Equal(t, "Step A failed: registry unreachable", res.Error)
	skills.AssertNumberOfCalls(t, "ExecuteSkill", 1)
}

func TestEngine_StepTimeout(t *testing.T) {
	skills := new(MockSkillRegistry)
	skills.On("ExecuteSkill", mock.Anything, "slow", mock.Anything, "agent-1").
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(models.SkillResult{}, context.DeadlineExceeded).Once()

	e := newTestEngine(t, repository.NewMemoryExecutionStore(), skills)
	res := e.Execute(context.Background(), models.ExecuteRequest{
		WorkflowID: "wf-timeout",
		AgentID:    "agent-1",
		Steps:      []models.WorkflowStep{{StepID: "A", SkillID: "slow", TimeoutSeconds: 1}},
	})

	assert.True(t, res.RolledBack)
	assert.Equal(t, "Step A failed: step timed out after 1s", res.Error)
}

func TestEngine_PanicFailsExecution(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryExecutionStore()
	skills := new(MockSkillRegistry)
	skills.On("ExecuteSkill", mock.Anything, "skill.a", mock.Anything, "agent-1").
		Run(func(mock.Arguments) { panic("registry exploded") }).
		Return(models.SkillResult{}, nil)

	e := newTestEngine(t, store, skills)
	res := e.Execute(ctx, models.ExecuteRequest{WorkflowID: "wf-1", AgentID: "agent-1", Steps: []models.WorkflowStep{step("A", "skill.a")}})

	assert.False(t, res.Success)
	assert.False(t, res.RolledBack)
	assert.Equal(t, models.ExecutionStatusFailed, res.Status)
	assert.Equal(t, "unexpected error: registry exploded", res.Error)

	stored, err := store.Get(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, stored.Status)
	assert.Equal(t, "unexpected error: registry exploded", stored.ErrorMessage)
	assert.False(t, stored.RollbackPerformed)
}

func TestEngine_PersistenceFailureFails(t *testing.T) {
	skills := new(MockSkillRegistry)
	// One update marks the run as running; the first checkpoint fails.
	store := &failingStore{ExecutionStore: repository.NewMemoryExecutionStore(), allowedUpdates: 1}

	e := newTestEngine(t, store, skills)
	res := e.Execute(context.Background(), models.ExecuteRequest{WorkflowID: "wf-1", AgentID: "agent-1", Steps: []models.WorkflowStep{step("A", "skill.a")}})

	assert.False(t, res.Success)
	assert.Equal(t, models.ExecutionStatusFailed, res.Status)
	assert.Equal(t, "failed to checkpoint step A: connection reset by peer", res.Error)
	skills.AssertNotCalled(t, "ExecuteSkill", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestEngine_GovernanceDenial(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryExecutionStore()
	skills := new(MockSkillRegistry)
	governor := services.NewAllowListGovernor(map[string][]string{"agent-1": {"skill.a"}})

	e := newTestEngine(t, store, skills, WithGovernor(governor))
	res := e.Execute(ctx, models.ExecuteRequest{
		WorkflowID:  "wf-1",
		AgentID:     "agent-1",
		WorkspaceID: "ws-1",
		Steps:       []models.WorkflowStep{step("A", "skill.a"), step("B", "skill.b", "A")},
	})

	assert.False(t, res.Success)
	assert.Equal(t, models.ExecutionStatusFailed, res.Status)
	assert.Contains(t, res.Error, "governance denied")
	assert.Contains(t, res.Error, "skill.b")
	skills.AssertNotCalled(t, "ExecuteSkill", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	stored, err := store.Get(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, models.ValidationStatusValid, stored.ValidationStatus)
	assert.Equal(t, models.ExecutionStatusFailed, stored.Status)
}

func TestEngine_CreateFailure(t *testing.T) {
	store := repository.NewMemoryExecutionStore()
	skills := new(MockSkillRegistry)
	e := newTestEngine(t, store, skills)

	// The generator always returns ex-1, so the second run collides.
	first := e.Execute(context.Background(), models.ExecuteRequest{WorkflowID: "wf-1", Steps: nil})
	require.Equal(t, "ex-1", first.ExecutionID)
	second := e.Execute(context.Background(), models.ExecuteRequest{WorkflowID: "wf-1", Steps: nil})

	assert.False(t, second.Success)
	assert.Equal(t, models.ExecutionStatusFailed, second.Status)
	assert.Contains(t, second.Error, "failed to create execution record")
}

func TestEngine_Resume(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryExecutionStore()
	start := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)

	interrupted := &models.WorkflowExecution{
		ExecutionID: "ex-crashed",
		WorkflowID:  "wf-1",
		AgentID:     "agent-1",
		WorkflowDefinition: []models.WorkflowStep{
			step("A", "skill.a"), step("B", "skill.b", "A"), step("C", "skill.c", "B"),
		},
		ValidationStatus: models.ValidationStatusValid,
		Status:           models.ExecutionStatusPending,
		CompletedSteps:   []string{},
		ExecutionResults: map[string]any{},
		StartedAt:        start,
	}
	require.NoError(t, store.Create(ctx, interrupted))
	interrupted.Status = models.ExecutionStatusRunning
	interrupted.CurrentStep = "B"
	interrupted.CompletedSteps = []string{"A"}
	interrupted.ExecutionResults = map[string]any{"A": map[string]any{"token": "t-1"}}
	require.NoError(t, store.Update(ctx, interrupted))

	skills := new(MockSkillRegistry)
	skills.On("ExecuteSkill", mock.Anything, "skill.b", map[string]any{"token": "t-1"}, "agent-1").
		Return(models.SkillResult{Success: true, Result: "b"}, nil).Once()
	skills.On("ExecuteSkill", mock.Anything, "skill.c", map[string]any{"B_output": "b"}, "agent-1").
		Return(models.SkillResult{Success: true, Result: "c"}, nil).Once()

	e := newTestEngine(t, store, skills)
	res, err := e.Resume(ctx, "ex-crashed")
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "ex-crashed", res.ExecutionID)
	skills.AssertExpectations(t)
	skills.AssertNotCalled(t, "ExecuteSkill", mock.Anything, "skill.a", mock.Anything, mock.Anything)

	stored, err := store.Get(ctx, "ex-crashed")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, stored.CompletedSteps)
	assert.Equal(t, models.ExecutionStatusCompleted, stored.Status)
	require.NotNil(t, stored.DurationSeconds)
	assert.Greater(t, *stored.DurationSeconds, 3600.0)

	_, err = e.Resume(ctx, "ex-crashed")
	assert.ErrorIs(t, err, ErrNotResumable)

	_, err = e.Resume(ctx, "ex-unknown")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestEngine_ResumePending(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryExecutionStore()
	require.NoError(t, store.Create(ctx, &models.WorkflowExecution{
		ExecutionID:        "ex-pending",
		WorkflowID:         "wf-1",
		AgentID:            "agent-1",
		WorkflowDefinition: []models.WorkflowStep{step("A", "skill.a")},
		ValidationStatus:   models.ValidationStatusPending,
		Status:             models.ExecutionStatusPending,
		CompletedSteps:     []string{},
		ExecutionResults:   map[string]any{},
		StartedAt:          time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC),
	}))

	skills := new(MockSkillRegistry)
	skills.On("ExecuteSkill", mock.Anything, "skill.a", mock.Anything, "agent-1").
		Return(models.SkillResult{Success: true, Result: "a"}, nil).Once()

	e := newTestEngine(t, store, skills)
	res, err := e.Resume(ctx, "ex-pending")
	require.NoError(t, err)
	assert.True(t, res.Success, res.Error)
	skills.AssertExpectations(t)
}

func TestEngine_ResumeRefusesLiveRun(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryExecutionStore()
	skills := new(MockSkillRegistry)

	entered := make(chan struct{})
	release := make(chan struct{})
	skills.On("ExecuteSkill", mock.Anything, "skill.a", mock.Anything, "agent-1").
		Return(models.SkillResult{Success: true, Result: "a"}, nil).
		Run(func(mock.Arguments) {
			close(entered)
			<-release
		}).Once()

	e := newTestEngine(t, store, skills)
	done := make(chan *models.ExecutionResult, 1)
	go func() {
		done <- e.Execute(ctx, models.ExecuteRequest{WorkflowID: "wf-1", AgentID: "agent-1", Steps: []models.WorkflowStep{step("A", "skill.a")}})
	}()
	<-entered

	live, err := store.Get(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, live.Status)
	assert.NotEmpty(t, live.Owner)
	require.NotNil(t, live.HeartbeatAt)

	_, err = e.Resume(ctx, "ex-1")
	assert.ErrorIs(t, err, ErrNotResumable)
	assert.ErrorIs(t, err, repository.ErrLeased)

	close(release)
	res := <-done
	require.True(t, res.Success, res.Error)
	skills.AssertNumberOfCalls(t, "ExecuteSkill", 1)

	stored, err := store.Get(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, stored.Status)
	assert.Equal(t, []string{"A"}, stored.CompletedSteps)
	assert.Equal(t, live.Owner, stored.Owner)
}

func TestEngine_ResumeTakesOverStaleLease(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	leased := func(id string, heartbeat time.Time) *models.WorkflowExecution {
		return &models.WorkflowExecution{
			ExecutionID:        id,
			WorkflowID:         "wf-1",
			AgentID:            "agent-1",
			WorkflowDefinition: []models.WorkflowStep{step("A", "skill.a")},
			ValidationStatus:   models.ValidationStatusValid,
			Status:             models.ExecutionStatusRunning,
			CurrentStep:        "A",
			CompletedSteps:     []string{},
			ExecutionResults:   map[string]any{},
			StartedAt:          now.Add(-time.Hour),
			Owner:              "crashed-run",
			HeartbeatAt:        &heartbeat,
		}
	}

	store := repository.NewMemoryExecutionStore()
	require.NoError(t, store.Create(ctx, leased("ex-fresh", now.Add(-30*time.Second))))
	require.NoError(t, store.Create(ctx, leased("ex-stale", now.Add(-10*time.Minute))))

	skills := new(MockSkillRegistry)
	skills.On("ExecuteSkill", mock.Anything, "skill.a", mock.Anything, "agent-1").
		Return(models.SkillResult{Success: true, Result: "a"}, nil).Once()

	e := newTestEngine(t, store, skills, WithLeaseTTL(time.Minute))

	_, err := e.Resume(ctx, "ex-fresh")
	assert.ErrorIs(t, err, ErrNotResumable)

	res, err := e.Resume(ctx, "ex-stale")
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	skills.AssertExpectations(t)

	stored, err := store.Get(ctx, "ex-stale")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, stored.Status)
	assert.NotEqual(t, "crashed-run", stored.Owner)

	fresh, err := store.Get(ctx, "ex-fresh")
	require.NoError(t, err)
	assert.Equal(t, "crashed-run", fresh.Owner)
}

func TestEngine_HeartbeatsDuringLongStep(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryExecutionStore()
	skills := new(MockSkillRegistry)

	entered := make(chan struct{})
	release := make(chan struct{})
	skills.On("ExecuteSkill", mock.Anything, "skill.a", mock.Anything, "agent-1").
		Return(models.SkillResult{Success: true, Result: "a"}, nil).
		Run(func(mock.Arguments) {
			close(entered)
			<-release
		}).Once()

	e := newTestEngine(t, store, skills, WithLeaseTTL(30*time.Millisecond))
	done := make(chan *models.ExecutionResult, 1)
	go func() {
		done <- e.Execute(ctx, models.ExecuteRequest{WorkflowID: "wf-1", AgentID: "agent-1", Steps: []models.WorkflowStep{step("A", "skill.a")}})
	}()
	<-entered

	before, err := store.Get(ctx, "ex-1")
	require.NoError(t, err)
	require.NotNil(t, before.HeartbeatAt)
	assert.Eventually(t, func() bool {
		got, err := store.Get(ctx, "ex-1")
		return err == nil && got.HeartbeatAt != nil && got.HeartbeatAt.After(*before.HeartbeatAt)
	}, time.Second, 5*time.Millisecond)

	close(release)
	res := <-done
	assert.True(t, res.Success, res.Error)
}

func TestEngine_SkippedStepIsCheckpointed(t *testing.T) {
	ctx := context.Background()
	store := &recordingStore{ExecutionStore: repository.NewMemoryExecutionStore()}
	skills := new(MockSkillRegistry)
	skills.On("ExecuteSkill", mock.Anything, "skill.a", mock.Anything, "agent-1").
		Return(models.SkillResult{Success: true, Result: map[string]any{"found": false}}, nil).Once()

	e := newTestEngine(t, store, skills)
	res := e.Execute(ctx, models.ExecuteRequest{
		WorkflowID: "wf-1",
		AgentID:    "agent-1",
		Steps: []models.WorkflowStep{
			step("A", "skill.a"),
			{StepID: "B", SkillID: "skill.b", Dependencies: []string{"A"}, Condition: "A.found == true"},
		},
	})
	require.True(t, res.Success, res.Error)

	var checkpointed bool
	for _, u := range store.updates {
		if u.Status == models.ExecutionStatusRunning && slices.Equal(u.SkippedSteps, []string{"B"}) {
			checkpointed = true
		}
	}
	assert.True(t, checkpointed, "no running checkpoint recorded the skip")
	skills.AssertNotCalled(t, "ExecuteSkill", mock.Anything, "skill.b", mock.Anything, mock.Anything)
}

func TestEngine_SkipCheckpointFailureFails(t *testing.T) {
	skills := new(MockSkillRegistry)
	skills.On("ExecuteSkill", mock.Anything, "skill.a", mock.Anything, "agent-1").
		Return(models.SkillResult{Success: true, Result: "a"}, nil).Once()
	// Running, checkpoint A, A done and checkpoint B succeed; the skip write fails.
	store := &failingStore{ExecutionStore: repository.NewMemoryExecutionStore(), allowedUpdates: 4}

	e := newTestEngine(t, store, skills)
	res := e.Execute(context.Background(), models.ExecuteRequest{
		WorkflowID: "wf-1",
		AgentID:    "agent-1",
		Steps: []models.WorkflowStep{
			step("A", "skill.a"),
			{StepID: "B", SkillID: "skill.b", Dependencies: []string{"A"}, Condition: "false"},
		},
	})

	assert.False(t, res.Success)
	assert.Equal(t, "failed to checkpoint step B: connection reset by peer", res.Error)
}

func TestEngine_ValidateWarnsOnUncompilableConditions(t *testing.T) {
	e := newTestEngine(t, repository.NewMemoryExecutionStore(), new(MockSkillRegistry))

	v := e.Validate([]models.WorkflowStep{
		step("A", "skill.a"),
		{StepID: "B", SkillID: "skill.b", Dependencies: []string{"A"}, Condition: "A.found == true"},
		{StepID: "C", SkillID: "skill.c", Dependencies: []string{"A"}, Condition: "ghost.found"},
		{StepID: "D", SkillID: "skill.d", Dependencies: []string{"A"}, Condition: `matches("a", "b")`},
	})
	assert.True(t, v.Valid)
	assert.Equal(t, []string{"A", "B", "C", "D"}, v.ExecutionOrder)
	require.Len(t, v.Warnings, 2)
	assert.Contains(t, v.Warnings[0], "Step C condition will always skip")
	assert.Contains(t, v.Warnings[1], "Step D condition will always skip")

	clean := e.Validate([]models.WorkflowStep{step("A", "skill.a")})
	assert.Empty(t, clean.Warnings)

	invalid := e.Validate([]models.WorkflowStep{{StepID: "A", SkillID: "skill.a", Dependencies: []string{"A"}, Condition: "ghost"}})
	assert.False(t, invalid.Valid)
	assert.Empty(t, invalid.Warnings)
}

func TestEngine_Validate(t *testing.T) {
	e := newTestEngine(t, repository.NewMemoryExecutionStore(), new(MockSkillRegistry))

	v := e.Validate([]models.WorkflowStep{step("A", "skill.a"), step("B", "skill.b", "A")})
	assert.True(t, v.Valid)
	assert.Equal(t, []string{"A", "B"}, v.ExecutionOrder)
}

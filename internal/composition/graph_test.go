package composition

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillflow/pkg/models"
)

func TestValidateWorkflow(t *testing.T) {
	tests := []struct {
		name      string
		steps     []models.WorkflowStep
		wantValid bool
		wantOrder []string
		wantError string
		nodes     int
		edges     int
	}{
		{
			name:      "fan out keeps declaration order",
			steps:     []models.WorkflowStep{step("A", "a"), step("B", "b", "A"), step("C", "c", "A")},
			wantValid: true,
			wantOrder: []string{"A", "B", "C"},
			nodes:     3,
			edges:     2,
		},
		{
			name:      "dependencies declared later",
			steps:     []models.WorkflowStep{step("report", "r", "fetch", "score"), step("score", "s", "fetch"), step("fetch", "f")},
			wantValid: true,
			wantOrder: []string{"fetch", "score", "report"},
			nodes:     3,
			edges:     3,
		},
		{
			name:      "duplicate dependency counts once",
			steps:     []models.WorkflowStep{step("A", "a"), step("B", "b", "A", "A")},
			wantValid: true,
			wantOrder: []string{"A", "B"},
			nodes:     2,
			edges:     1,
		},
		{
			name:      "no steps",
			wantError: "Workflow has no steps",
		},
		{
			name:      "empty step id",
			steps:     []models.WorkflowStep{step("", "a")},
			wantError: "Workflow has 1 step(s) without a step_id",
		},
		{
			name:      "duplicate step ids",
			steps:     []models.WorkflowStep{step("A", "a"), step("A", "b")},
			wantError: "Workflow has duplicate step ids: [A]",
			nodes:     1,
		},
		{
			name:      "self dependency",
			steps:     []models.WorkflowStep{step("A", "a", "A")},
			wantError: "Workflow contains circular dependencies",
			nodes:     1,
			edges:     1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ValidateWorkflow(tt.steps)
			assert.Equal(t, tt.wantValid, got.Valid)
			assert.Equal(t, tt.wantOrder, got.ExecutionOrder)
			assert.Equal(t, tt.wantError, got.Error)
			assert.Equal(t, tt.nodes, got.NodeCount)
			assert.Equal(t, tt.edges, got.EdgeCount)
		})
	}
}

func TestValidateWorkflow_Cycles(t *testing.T) {
	got := ValidateWorkflow([]models.WorkflowStep{step("A", "a", "B"), step("B", "b", "A")})
	assert.False(t, got.Valid)
	assert.Equal(t, [][]string{{"A", "B"}}, got.Cycles)
	assert.Empty(t, got.ExecutionOrder)

	got = ValidateWorkflow([]models.WorkflowStep{
		step("A", "a", "C"),
		step("B", "b", "A"),
		step("C", "c", "B"),
		step("D", "d", "C", "E"),
		step("E", "e", "D"),
	})
	assert.False(t, got.Valid)
	assert.Equal(t, [][]string{{"A", "B", "C"}, {"D", "E"}}, got.Cycles)
}

func TestValidateWorkflow_CyclesReportedBeforeMissing(t *testing.T) {
	got := ValidateWorkflow([]models.WorkflowStep{step("A", "a", "B"), step("B", "b", "A", "ghost")})
	assert.Equal(t, "Workflow contains circular dependencies", got.Error)
	assert.NotEmpty(t, got.Cycles)
	assert.Empty(t, got.Missing)
}

func TestValidateWorkflow_Missing(t *testing.T) {
	got := ValidateWorkflow([]models.WorkflowStep{step("A", "a", "x"), step("B", "b", "A", "y")})
	assert.False(t, got.Valid)
	assert.Equal(t, "Workflow has missing dependencies", got.Error)
	assert.Equal(t, []string{
		"Step A depends on missing step x",
		"Step B depends on missing step y",
	}, got.Missing)
	assert.Equal(t, 1, got.EdgeCount)
}

func TestGraph_CycleEnumerationIsCapped(t *testing.T) {
	// A complete digraph on eight nodes has far more simple cycles than the cap.
	var steps []models.WorkflowStep
	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, id := range ids {
		var deps []string
		for _, other := range ids {
			if other != id {
				deps = append(deps, other)
			}
		}
		steps = append(steps, step(id, "skill", deps...))
	}

	cycles, truncated := BuildGraph(steps).Cycles()
	assert.Len(t, cycles, maxReportedCycles)
	assert.True(t, truncated)

	got := ValidateWorkflow(steps)
	assert.False(t, got.Valid)
	assert.True(t, got.CyclesTruncated)
	assert.Len(t, got.Cycles, maxReportedCycles)
}

func TestGraph_CyclesNotTruncatedWhenAllListed(t *testing.T) {
	cycles, truncated := BuildGraph([]models.WorkflowStep{
		step("A", "a", "C"), step("B", "b", "A"), step("C", "c", "B", "A"),
	}).Cycles()
	assert.Equal(t, [][]string{{"A", "B", "C"}, {"A", "C"}}, cycles)
	assert.False(t, truncated)

	none, truncated := BuildGraph([]models.WorkflowStep{step("A", "a"), step("B", "b", "A")}).Cycles()
	assert.Empty(t, none)
	assert.False(t, truncated)
}

func TestGraph_SelfLoopIsACycle(t *testing.T) {
	got := ValidateWorkflow([]models.WorkflowStep{step("A", "a"), step("B", "b", "B", "A")})
	assert.False(t, got.Valid)
	assert.Equal(t, [][]string{{"B"}}, got.Cycles)
}

// layeredDAG builds layers of width steps where every step depends on every
// step of the previous layer. The number of paths grows as width^layers.
func layeredDAG(layers, width int) []models.WorkflowStep {
	var steps []models.WorkflowStep
	var previous []string
	for l := 0; l < layers; l++ {
		var current []string
		for w := 0; w < width; w++ {
			id := fmt.Sprintf("L%02d_%d", l, w)
			steps = append(steps, step(id, "skill", previous...))
			current = append(current, id)
		}
		previous = current
	}
	return steps
}

func TestValidateWorkflow_LargeDAGIsFast(t *testing.T) {
	steps := layeredDAG(60, 2)

	start := time.Now()
	got := ValidateWorkflow(steps)
	elapsed := time.Since(start)

	require.True(t, got.Valid, got.Error)
	assert.Len(t, got.ExecutionOrder, 120)
	assert.Equal(t, 59*4, got.EdgeCount)
	assert.Less(t, elapsed, time.Second)
}

func TestValidateWorkflow_LargeDAGWithOneCycleIsFast(t *testing.T) {
	steps := layeredDAG(60, 2)
	// Close a loop from the last layer back to the first.
	steps[0].Dependencies = []string{"L59_0"}

	start := time.Now()
	got := ValidateWorkflow(steps)
	elapsed := time.Since(start)

	assert.False(t, got.Valid)
	assert.NotEmpty(t, got.Cycles)
	assert.Less(t, elapsed, 5*time.Second)
}

func TestGraph_TopologicalOrderRejectsCycle(t *testing.T) {
	_, err := BuildGraph([]models.WorkflowStep{step("A", "a", "B"), step("B", "b", "A")}).TopologicalOrder()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ordered 0 of 2 steps")
}

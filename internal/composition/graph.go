package composition

import (
	"fmt"
	"sort"

	"skillflow/pkg/models"
)

// maxReportedCycles caps simple-cycle enumeration. A dense cyclic graph has
// exponentially many simple cycles; results past the cap are flagged as
// truncated rather than listed.
const maxReportedCycles = 64

// Graph is the dependency graph of a step list: one node per step, one edge
// dependency -> step per declared dependency.
type Graph struct {
	nodes      []string // declaration order
	known      map[string]bool
	dependents map[string][]string
	indegree   map[string]int
	edges      int
	duplicates []string
	empty      int
	missing    []string
}

// BuildGraph constructs the graph for steps. Dependencies naming unknown
// steps are recorded as missing rather than added as nodes.
func BuildGraph(steps []models.WorkflowStep) *Graph {
	g := &Graph{
		known:      make(map[string]bool, len(steps)),
		dependents: make(map[string][]string),
		indegree:   make(map[string]int, len(steps)),
	}
	for _, step := range steps {
		if step.StepID == "" {
			g.empty++
			continue
		}
		if g.known[step.StepID] {
			g.duplicates = append(g.duplicates, step.StepID)
			continue
		}
		g.known[step.StepID] = true
		g.nodes = append(g.nodes, step.StepID)
		g.indegree[step.StepID] = 0
	}

	seen := make(map[string]bool)
	for _, step := range steps {
		if step.StepID == "" || seen[step.StepID] {
			continue
		}
		seen[step.StepID] = true
		for _, dep := range uniqueStrings(step.Dependencies) {
			if !g.known[dep] {
				g.missing = append(g.missing, fmt.Sprintf("Step %s depends on missing step %s", step.StepID, dep))
				continue
			}
			g.dependents[dep] = append(g.dependents[dep], step.StepID)
			g.indegree[step.StepID]++
			g.edges++
		}
	}
	return g
}

// NodeCount returns the number of distinct steps.
func (g *Graph) NodeCount() int { return len(g.nodes) }

// EdgeCount returns the number of dependency edges between known steps.
func (g *Graph) EdgeCount() int { return g.edges }

// Missing returns one message per dependency on an unknown step.
func (g *Graph) Missing() []string { return g.missing }

// Cycles returns the simple cycles of the graph, each listed from its
// earliest-declared node in dependency order, and whether the list was cut
// at maxReportedCycles. Enumeration is Johnson's algorithm restricted to
// the strongly connected component of each start node, so an acyclic graph
// costs one pass per node regardless of how many paths it has.
func (g *Graph) Cycles() ([][]string, bool) {
	if _, err := g.TopologicalOrder(); err == nil {
		return nil, false
	}

	var (
		cycles    [][]string
		truncated bool
	)
	for start := range g.nodes {
		scc := g.componentOf(start)
		if scc == nil {
			continue
		}
		if g.circuitsFrom(start, scc, &cycles) {
			truncated = true
			break
		}
	}
	return cycles, truncated
}

// componentOf returns the strongly connected component containing
// g.nodes[start] in the subgraph of nodes declared at or after start, or nil
// when that component cannot hold a cycle.
func (g *Graph) componentOf(start int) map[string]bool {
	index := make(map[string]int, len(g.nodes))
	for i, n := range g.nodes {
		index[n] = i
	}

	var (
		counter int
		stack   []string
		onStack = make(map[string]bool)
		order   = make(map[string]int)
		low     = make(map[string]int)
		result  map[string]bool
	)
	var connect func(v string)
	connect = func(v string) {
		order[v] = counter
		low[v] = counter
		counter++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g.dependents[v] {
			if index[w] < start {
				continue
			}
			if _, seen := order[w]; !seen {
				connect(w)
				low[v] = min(low[v], low[w])
			} else if onStack[w] {
				low[v] = min(low[v], order[w])
			}
		}

		if low[v] != order[v] {
			return
		}
		component := make(map[string]bool)
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			component[w] = true
			if w == v {
				break
			}
		}
		if component[g.nodes[start]] {
			result = component
		}
	}
	connect(g.nodes[start])

	root := g.nodes[start]
	if len(result) == 1 && !g.hasSelfLoop(root) {
		return nil
	}
	return result
}

func (g *Graph) hasSelfLoop(node string) bool {
	for _, w := range g.dependents[node] {
		if w == node {
			return true
		}
	}
	return false
}

// circuitsFrom appends every simple cycle through g.nodes[start] inside scc.
// It reports true once more than maxReportedCycles cycles exist, leaving
// exactly maxReportedCycles in *cycles.
func (g *Graph) circuitsFrom(start int, scc map[string]bool, cycles *[][]string) bool {
	root := g.nodes[start]
	blocked := make(map[string]bool, len(scc))
	blockedBy := make(map[string]map[string]bool, len(scc))
	var path []string
	full := false

	var unblock func(u string)
	unblock = func(u string) {
		blocked[u] = false
		for w := range blockedBy[u] {
			delete(blockedBy[u], w)
			if blocked[w] {
				unblock(w)
			}
		}
	}

	var circuit func(v string) bool
	circuit = func(v string) bool {
		found := false
		path = append(path, v)
		blocked[v] = true

		for _, w := range g.dependents[v] {
			if full {
				break
			}
			if !scc[w] {
				continue
			}
			if w == root {
				if len(*cycles) == maxReportedCycles {
					full = true
					break
				}
				*cycles = append(*cycles, append([]string(nil), path...))
				found = true
			} else if !blocked[w] && circuit(w) {
				found = true
			}
		}

		if found {
			unblock(v)
		} else {
			for _, w := range g.dependents[v] {
				if !scc[w] {
					continue
				}
				if blockedBy[w] == nil {
					blockedBy[w] = make(map[string]bool)
				}
				blockedBy[w][v] = true
			}
		}
		path = path[:len(path)-1]
		return found
	}
	circuit(root)
	return full
}

// TopologicalOrder returns every node after all of its dependencies. Among
// independent steps declaration order is kept. It fails if the graph has a cycle.
func (g *Graph) TopologicalOrder() ([]string, error) {
	indegree := make(map[string]int, len(g.indegree))
	for k, v := range g.indegree {
		indegree[k] = v
	}
	position := make(map[string]int, len(g.nodes))
	for i, n := range g.nodes {
		position[n] = i
	}

	var ready []string
	for _, n := range g.nodes {
		if indegree[n] == 0 {
			ready = append(ready, n)
		}
	}

	order := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		sort.SliceStable(ready, func(i, j int) bool { return position[ready[i]] < position[ready[j]] })
		node := ready[0]
		ready = ready[1:]
		order = append(order, node)
		for _, next := range g.dependents[node] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(order) != len(g.nodes) {
		return nil, fmt.Errorf("graph contains a cycle: ordered %d of %d steps", len(order), len(g.nodes))
	}
	return order, nil
}

// ValidateWorkflow checks that steps form a DAG with no dangling
// dependencies and returns the execution order when they do.
func ValidateWorkflow(steps []models.WorkflowStep) models.ValidationResult {
	g := BuildGraph(steps)
	result := models.ValidationResult{
		NodeCount: g.NodeCount(),
		EdgeCount: g.EdgeCount(),
	}

	if len(steps) == 0 {
		result.Error = "Workflow has no steps"
		return result
	}
	if g.empty > 0 {
		result.Error = fmt.Sprintf("Workflow has %d step(s) without a step_id", g.empty)
		return result
	}
	if len(g.duplicates) > 0 {
		result.Error = fmt.Sprintf("Workflow has duplicate step ids: %v", g.duplicates)
		return result
	}

	order, err := g.TopologicalOrder()
	if err != nil {
		cycles, truncated := g.Cycles()
		result.Error = "Workflow contains circular dependencies"
		result.Cycles = cycles
		result.CyclesTruncated = truncated
		return result
	}

	if missing := g.Missing(); len(missing) > 0 {
		result.Error = "Workflow has missing dependencies"
		result.Missing = missing
		return result
	}

	result.Valid = true
	result.ExecutionOrder = order
	return result
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

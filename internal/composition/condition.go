package composition

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/ast"
	"github.com/google/cel-go/common/operators"
)

// resultsVariable exposes the whole results map to condition expressions.
const resultsVariable = "results"

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// celReserved lists words CEL will not accept as variable names.
var celReserved = map[string]bool{
	"as": true, "break": true, "const": true, "continue": true, "else": true,
	"false": true, "for": true, "function": true, "if": true, "import": true,
	"in": true, "let": true, "loop": true, "package": true, "namespace": true,
	"null": true, "return": true, "true": true, "var": true, "void": true, "while": true,
	resultsVariable: true,
}

// allowedOperators is the closed set of functions a condition may use:
// comparison, boolean logic, membership and indexing. Everything else,
// including every named function, is rejected at compile time.
var allowedOperators = map[string]bool{
	operators.Equals:        true,
	operators.NotEquals:     true,
	operators.Less:          true,
	operators.LessEquals:    true,
	operators.Greater:       true,
	operators.GreaterEquals: true,
	operators.LogicalAnd:    true,
	operators.LogicalOr:     true,
	operators.LogicalNot:    true,
	operators.In:            true,
	operators.Index:         true,
	operators.Negate:        true,
}

// ConditionEvaluator evaluates step conditions against the accumulated
// results map. Results are visible as results["step_id"] and, when the step id
// is a valid identifier, directly by name.
type ConditionEvaluator struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewConditionEvaluator creates an evaluator with macros disabled.
func NewConditionEvaluator() (*ConditionEvaluator, error) {
	env, err := cel.NewEnv(
		cel.ClearMacros(),
		cel.CrossTypeNumericComparisons(true),
		cel.Variable(resultsVariable, cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create condition environment: %w", err)
	}
	return &ConditionEvaluator{env: env, programs: make(map[string]cel.Program)}, nil
}

// Evaluate returns the boolean value of expr. Any compile or runtime error,
// or a non-boolean result, is returned as an error.
func (e *ConditionEvaluator) Evaluate(expr string, results map[string]any) (bool, error) {
	names := stepVariables(results)
	prg, err := e.program(expr, names)
	if err != nil {
		return false, err
	}

	activation := make(map[string]any, len(names)+1)
	activation[resultsVariable] = results
	for _, name := range names {
		activation[name] = results[name]
	}

	val, _, err := prg.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", expr, err)
	}
	b, ok := val.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition %q evaluated to %T, not bool", expr, val.Value())
	}
	return b, nil
}

// Check compiles expr with the given step ids in scope without evaluating it.
func (e *ConditionEvaluator) Check(expr string, stepIDs []string) error {
	var names []string
	for _, id := range stepIDs {
		if isStepVariable(id) {
			names = append(names, id)
		}
	}
	sort.Strings(names)
	_, err := e.program(expr, names)
	return err
}

func (e *ConditionEvaluator) program(expr string, names []string) (cel.Program, error) {
	key := expr + "\x00" + strings.Join(names, ",")

	e.mu.RLock()
	prg, ok := e.programs[key]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	env := e.env
	if len(names) > 0 {
		opts := make([]cel.EnvOption, 0, len(names))
		for _, name := range names {
			opts = append(opts, cel.Variable(name, cel.DynType))
		}
		var err error
		if env, err = e.env.Extend(opts...); err != nil {
			return nil, fmt.Errorf("failed to extend condition environment: %w", err)
		}
	}

	checked, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("condition %q: %w", expr, issues.Err())
	}
	if err := restrictOperators(expr, checked); err != nil {
		return nil, err
	}
	prg, err := env.Program(checked)
	if err != nil {
		return nil, fmt.Errorf("condition %q: %w", expr, err)
	}

	e.mu.Lock()
	e.programs[key] = prg
	e.mu.Unlock()
	return prg, nil
}

func restrictOperators(expr string, checked *cel.Ast) error {
	root := ast.NavigateAST(checked.NativeRep())
	for _, call := range ast.MatchDescendants(root, ast.KindMatcher(ast.CallKind)) {
		fn := call.AsCall().FunctionName()
		if !allowedOperators[fn] {
			return fmt.Errorf("condition %q: function %q is not allowed", expr, displayName(fn))
		}
	}
	return nil
}

func displayName(fn string) string {
	if op, ok := operators.FindReverse(fn); ok && op != "" {
		return op
	}
	return fn
}

func stepVariables(results map[string]any) []string {
	names := make([]string, 0, len(results))
	for id := range results {
		if isStepVariable(id) {
			names = append(names, id)
		}
	}
	sort.Strings(names)
	return names
}

func isStepVariable(id string) bool {
	return identifierPattern.MatchString(id) && !celReserved[id]
}

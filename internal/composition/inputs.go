package composition

import "skillflow/pkg/models"

// ResolveInputs builds the inputs for step from its declared inputs and the
// outputs of dependencies already present in results. Map outputs are merged
// key by key and may overwrite declared inputs; any other output is injected
// as "<dependency>_output". Neither argument is modified.
func ResolveInputs(step models.WorkflowStep, results map[string]any) map[string]any {
	resolved := make(map[string]any, len(step.Inputs))
	for k, v := range step.Inputs {
		resolved[k] = v
	}

	for _, dep := range step.Dependencies {
		output, ok := results[dep]
		if !ok {
			continue
		}
		if m, ok := output.(map[string]any); ok {
			for k, v := range m {
				resolved[k] = v
			}
			continue
		}
		resolved[dep+"_output"] = output
	}
	return resolved
}

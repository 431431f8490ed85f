package expressions

import "context"

// Engine evaluates a textual expression against a data map. Implemented by
// CELEngine (condition steps) and ExprEngine (loop collections).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// EngineData converts a Scope into the data map shared by both engines.
func EngineData(scope *Scope) map[string]any {
	steps := scope.Steps
	if steps == nil {
		steps = map[string]any{}
	}
	vars := scope.Vars
	if vars == nil {
		vars = map[string]any{}
	}
	return map[string]any{
		"steps": steps,
		"vars":  vars,
	}
}

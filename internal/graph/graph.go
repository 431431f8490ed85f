package graph

import (
	"fmt"
	"sort"

	"github.com/rendis/conduit/pkg/schema"
)

// Graph is the in-memory dependency graph of a workflow. Steps live in an
// arena keyed by ID with adjacency lists computed once at build time; the
// graph itself is immutable after Build.
type Graph struct {
	Steps   map[string]*schema.StepDefinition // step ID → definition
	Edges   map[string][]string               // step ID → dependencies (depends_on)
	Reverse map[string][]string               // step ID → dependents
	Order   []string                          // topological order
	Roots   []string                          // steps with no dependencies
}

var validStepTypes = map[schema.StepType]bool{
	schema.StepTypeToolCall:    true,
	schema.StepTypeCondition:   true,
	schema.StepTypeParallel:    true,
	schema.StepTypeLoop:        true,
	schema.StepTypeDelay:       true,
	schema.StepTypeHTTPRequest: true,
}

// Build constructs and validates the dependency graph for a definition.
// It rejects duplicate or empty step IDs, unknown step types, references to
// absent steps, self-dependencies, missing entry points, and cycles.
func Build(def *schema.WorkflowDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	g, err := BuildSteps(def.Steps)
	if err != nil {
		return nil, err
	}

	if def.EntryPoint != "" {
		if _, ok := g.Steps[def.EntryPoint]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeUnknownStepRef, "entry_point %q is not a step in the workflow", def.EntryPoint)
		}
		if len(g.Edges[def.EntryPoint]) > 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "entry_point %q must not declare dependencies", def.EntryPoint)
		}
	}

	return g, nil
}

// BuildSteps constructs a graph from a bare step list. Used by Build for the
// workflow itself and by the executor for the children of a parallel step.
func BuildSteps(steps []schema.StepDefinition) (*Graph, error) {
	if len(steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no steps")
	}

	g := &Graph{
		Steps:   make(map[string]*schema.StepDefinition, len(steps)),
		Edges:   make(map[string][]string, len(steps)),
		Reverse: make(map[string][]string, len(steps)),
	}

	// First pass: register steps, check duplicates and types.
	for i := range steps {
		step := &steps[i]
		if step.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step at index %d has empty ID", i)
		}
		if _, exists := g.Steps[step.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step ID: %s", step.ID)
		}
		if !validStepTypes[step.Type] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has unknown type: %s", step.ID, step.Type)
		}
		g.Steps[step.ID] = step
	}

	// Second pass: build adjacency lists and validate references.
	for id, step := range g.Steps {
		seen := make(map[string]bool, len(step.DependsOn))
		deps := make([]string, 0, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			if _, exists := g.Steps[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeUnknownStepRef, "step %s depends on non-existent step: %s", id, dep).WithStep(id)
			}
			if dep == id {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "step %s depends on itself", id).WithStep(id)
			}
			if seen[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has duplicate dependency: %s", id, dep).WithStep(id)
			}
			seen[dep] = true
			deps = append(deps, dep)
			g.Reverse[dep] = append(g.Reverse[dep], id)
		}
		g.Edges[id] = deps

		if step.When != nil && !seen[step.When.Step] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"step %s gates on %q which is not among its dependencies", id, step.When.Step).WithStep(id)
		}
	}

	order, err := topoSort(g)
	if err != nil {
		return nil, err
	}
	g.Order = order

	for _, id := range g.Order {
		if len(g.Edges[id]) == 0 {
			g.Roots = append(g.Roots, id)
		}
	}

	return g, nil
}

// topoSort orders steps by depth-first traversal with a recursion-stack set
// (tri-color marking). A gray→gray edge is a cycle.
func topoSort(g *Graph) ([]string, error) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.Steps))
	order := make([]string, 0, len(g.Steps))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, dep := range g.Edges[id] {
			switch color[dep] {
			case gray:
				return schema.NewErrorf(schema.ErrCodeCycleDetected, "dependency cycle through %s -> %s", id, dep)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		order = append(order, id)
		return nil
	}

	ids := sortedIDs(g.Steps)
	for _, id := range ids {
		if color[id] == white {
			if err := visit(id); err != nil {
				return nil, err
			}
		}
	}
	return order, nil
}

// Eligible returns the step IDs that may be dispatched now: steps not yet
// attempted whose dependencies are all terminal and satisfied. A dependency
// is satisfied when it succeeded, or when it failed or was skipped and the
// dependent declares continue_on_error; a cancelled dependency never
// satisfies. Pure: the same statuses always yield the same (sorted) result.
func (g *Graph) Eligible(statuses map[string]schema.StepStatus) []string {
	var ready []string
	for _, id := range g.Order {
		if attempted(statuses[id]) {
			continue
		}
		if g.depsReady(id, statuses) && g.depsSatisfied(id, statuses) {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// SkipCandidates returns unattempted steps whose dependencies are all
// terminal but not satisfied. The scheduler marks these skipped, which makes
// the skip cascade through the graph as further dependents become blocked.
func (g *Graph) SkipCandidates(statuses map[string]schema.StepStatus) []string {
	var blocked []string
	for _, id := range g.Order {
		if attempted(statuses[id]) {
			continue
		}
		if g.depsReady(id, statuses) && !g.depsSatisfied(id, statuses) {
			blocked = append(blocked, id)
		}
	}
	sort.Strings(blocked)
	return blocked
}

// Downstream returns the transitive dependents of a step.
func (g *Graph) Downstream(id string) []string {
	seen := map[string]bool{}
	var out []string
	queue := append([]string(nil), g.Reverse[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		queue = append(queue, g.Reverse[next]...)
	}
	sort.Strings(out)
	return out
}

func (g *Graph) depsReady(id string, statuses map[string]schema.StepStatus) bool {
	for _, dep := range g.Edges[id] {
		if !statuses[dep].Terminal() {
			return false
		}
	}
	return true
}

func (g *Graph) depsSatisfied(id string, statuses map[string]schema.StepStatus) bool {
	step := g.Steps[id]
	for _, dep := range g.Edges[id] {
		switch statuses[dep] {
		case schema.StepStatusSucceeded:
		case schema.StepStatusFailed, schema.StepStatusSkipped:
			if !step.ContinueOnError {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func attempted(s schema.StepStatus) bool {
	return s != "" && s != schema.StepStatusPending
}

func sortedIDs(m map[string]*schema.StepDefinition) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// String renders a compact description for logs.
func (g *Graph) String() string {
	return fmt.Sprintf("graph{steps=%d roots=%d}", len(g.Steps), len(g.Roots))
}

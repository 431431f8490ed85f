package engine

import (
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/rendis/conduit/pkg/schema"
)

// OperatorFunc evaluates a binary comparison and returns its boolean result.
type OperatorFunc func(left, right any) (bool, error)

// OperatorRegistry maps condition operator names to their implementations.
// The engine seeds the default set; callers may register additional operators
// before executions start.
type OperatorRegistry struct {
	mu  sync.RWMutex
	ops map[string]OperatorFunc
}

// NewOperatorRegistry creates a registry seeded with the built-in operators.
func NewOperatorRegistry() *OperatorRegistry {
	r := &OperatorRegistry{ops: make(map[string]OperatorFunc)}
	r.Register("equals", opEquals)
	r.Register("not_equals", negate(opEquals))
	r.Register("greater_than", opGreaterThan)
	r.Register("greater_or_equal", opGreaterOrEqual)
	r.Register("less_than", negate(opGreaterOrEqual))
	r.Register("less_or_equal", negate(opGreaterThan))
	r.Register("contains", opContains)
	r.Register("not_contains", negate(opContains))
	r.Register("exists", opExists)
	r.Register("not_exists", negate(opExists))
	r.Register("in", opIn)
	return r
}

// Register adds or replaces an operator.
func (r *OperatorRegistry) Register(name string, fn OperatorFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[name] = fn
}

// Evaluate applies a named operator to its operands. Unknown operators are a
// validation error listing the registered names.
func (r *OperatorRegistry) Evaluate(name string, left, right any) (bool, error) {
	r.mu.RLock()
	fn, ok := r.ops[name]
	r.mu.RUnlock()
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown operator %q; registered: [%s]", name, strings.Join(r.Names(), ", "))
	}
	return fn(left, right)
}

// Names returns the registered operator names, sorted.
func (r *OperatorRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func negate(fn OperatorFunc) OperatorFunc {
	return func(left, right any) (bool, error) {
		ok, err := fn(left, right)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}
}

// opEquals compares with numeric coercion so 3 == 3.0 regardless of whether
// a value arrived from JSON (float64) or Go code (int).
func opEquals(left, right any) (bool, error) {
	if lf, lok := asFloat(left); lok {
		if rf, rok := asFloat(right); rok {
			return lf == rf, nil
		}
	}
	return reflect.DeepEqual(left, right), nil
}

func opGreaterThan(left, right any) (bool, error) {
	return compareOrdered(left, right, func(cmp int) bool { return cmp > 0 })
}

func opGreaterOrEqual(left, right any) (bool, error) {
	return compareOrdered(left, right, func(cmp int) bool { return cmp >= 0 })
}

func compareOrdered(left, right any, pred func(cmp int) bool) (bool, error) {
	if lf, lok := asFloat(left); lok {
		rf, rok := asFloat(right)
		if !rok {
			return false, schema.NewErrorf(schema.ErrCodeStepExecution,
				"cannot compare number with %T", right)
		}
		switch {
		case lf > rf:
			return pred(1), nil
		case lf < rf:
			return pred(-1), nil
		default:
			return pred(0), nil
		}
	}
	ls, lok := left.(string)
	rs, rok := right.(string)
	if lok && rok {
		return pred(strings.Compare(ls, rs)), nil
	}
	return false, schema.NewErrorf(schema.ErrCodeStepExecution,
		"operands %T and %T are not ordered", left, right)
}

// opContains: string containment, list membership, or map key presence.
func opContains(left, right any) (bool, error) {
	switch l := left.(type) {
	case string:
		rs, ok := right.(string)
		if !ok {
			return false, schema.NewErrorf(schema.ErrCodeStepExecution,
				"contains on a string requires a string operand, got %T", right)
		}
		return strings.Contains(l, rs), nil
	case []any:
		for _, item := range l {
			if eq, _ := opEquals(item, right); eq {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		key, ok := right.(string)
		if !ok {
			return false, schema.NewErrorf(schema.ErrCodeStepExecution,
				"contains on a map requires a string key, got %T", right)
		}
		_, present := l[key]
		return present, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeStepExecution,
			"contains is not defined for %T", left)
	}
}

// opExists checks the left operand only; the right is ignored.
func opExists(left, _ any) (bool, error) {
	return left != nil, nil
}

// opIn is membership with the operands flipped: left in right.
func opIn(left, right any) (bool, error) {
	return opContains(right, left)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

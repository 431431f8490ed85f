package expressions

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rendis/conduit/pkg/schema"
)

// Scope holds all data available for variable resolution during one step's
// argument resolution. Steps maps step ID to the output of a succeeded step;
// Vars holds the workflow's seeded bindings plus any loop overlay.
type Scope struct {
	Steps map[string]any
	Vars  map[string]any
}

// WithVars returns a copy of the scope with extra variable bindings layered
// on top. Used for per-iteration loop variables; the receiver is unchanged.
func (s *Scope) WithVars(extra map[string]any) *Scope {
	if len(extra) == 0 {
		return s
	}
	vars := make(map[string]any, len(s.Vars)+len(extra))
	for k, v := range s.Vars {
		vars[k] = v
	}
	for k, v := range extra {
		vars[k] = v
	}
	return &Scope{Steps: s.Steps, Vars: vars}
}

// WithSteps returns a copy of the scope with extra step outputs layered on
// top. Used inside parallel and loop bodies so children can reference the
// outputs of completed siblings; the receiver is unchanged.
func (s *Scope) WithSteps(extra map[string]any) *Scope {
	if len(extra) == 0 {
		return s
	}
	steps := make(map[string]any, len(s.Steps)+len(extra))
	for k, v := range s.Steps {
		steps[k] = v
	}
	for k, v := range extra {
		steps[k] = v
	}
	return &Scope{Steps: steps, Vars: s.Vars}
}

// refPattern matches $name, $name.field.sub, $name.items.0.id and the $$
// escape. Path segments are identifiers or numeric indexes.
var refPattern = regexp.MustCompile(`\$\$|\$[A-Za-z_][A-Za-z0-9_-]*(?:\.[A-Za-z0-9_-]+)*`)

// HasReference reports whether a string contains at least one $ reference.
func HasReference(s string) bool {
	m := refPattern.FindString(s)
	return m != "" && m != "$$"
}

// Resolve substitutes $ references in a value against the scope. Maps and
// slices are resolved recursively; strings that are exactly one reference
// resolve to the referenced value with its original type; strings with
// embedded references have each reference stringified in place. All other
// values pass through unchanged. Resolution is deterministic and has no side
// effects; a dangling reference yields an UNRESOLVED_VARIABLE error.
func Resolve(value any, scope *Scope) (any, error) {
	switch v := value.(type) {
	case string:
		return resolveString(v, scope)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := Resolve(item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := Resolve(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

// ResolveMap is a convenience wrapper for resolving an argument map.
func ResolveMap(args map[string]any, scope *Scope) (map[string]any, error) {
	resolved, err := Resolve(args, scope)
	if err != nil {
		return nil, err
	}
	if resolved == nil {
		return nil, nil
	}
	return resolved.(map[string]any), nil
}

// ResolveToString resolves a string and stringifies the result. Used for
// fields that must end up textual (URLs, durations, headers).
func ResolveToString(s string, scope *Scope) (string, error) {
	v, err := resolveString(s, scope)
	if err != nil {
		return "", err
	}
	return stringify(v), nil
}

func resolveString(s string, scope *Scope) (any, error) {
	matches := refPattern.FindAllStringIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// Whole-string reference: return the raw value, preserving its type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) && s != "$$" {
		return lookup(s[1:], scope)
	}

	var b strings.Builder
	b.Grow(len(s))
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		token := s[m[0]:m[1]]
		if token == "$$" {
			b.WriteByte('$')
		} else {
			val, err := lookup(token[1:], scope)
			if err != nil {
				return nil, err
			}
			b.WriteString(stringify(val))
		}
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// lookup resolves a dotted path. The first segment names either a step whose
// output is present in the scope or a seeded variable; remaining segments
// traverse into the value.
func lookup(path string, scope *Scope) (any, error) {
	segments := strings.Split(path, ".")
	name := segments[0]

	var root any
	if v, ok := scope.Steps[name]; ok {
		root = v
	} else if v, ok := scope.Vars[name]; ok {
		root = v
	} else {
		return nil, schema.NewErrorf(schema.ErrCodeUnresolvedVariable,
			"cannot resolve $%s: no completed step or variable named %q", path, name).
			WithDetails(map[string]any{"reference": "$" + path})
	}

	return traverse(root, segments[1:], path)
}

// traverse walks the remaining path segments into maps and slices.
func traverse(root any, segments []string, path string) (any, error) {
	current := root
	for _, seg := range segments {
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeUnresolvedVariable,
					"cannot resolve $%s: field %q not found; available: [%s]", path, seg, strings.Join(mapKeys(v), ", ")).
					WithDetails(map[string]any{"reference": "$" + path, "missing_field": seg})
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, schema.NewErrorf(schema.ErrCodeUnresolvedVariable,
					"cannot resolve $%s: %q is not a valid index for a list of %d elements", path, seg, len(v)).
					WithDetails(map[string]any{"reference": "$" + path})
			}
			current = v[idx]
		default:
			return nil, schema.NewErrorf(schema.ErrCodeUnresolvedVariable,
				"cannot resolve $%s: cannot traverse into %T at %q", path, current, seg).
				WithDetails(map[string]any{"reference": "$" + path})
		}
	}
	return current, nil
}

// stringify renders a resolved value for embedding inside a larger string.
func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case json.RawMessage:
		return string(val)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Insertion sort keeps error messages deterministic without pulling in sort.
	for i := 1; i < len(keys); i++ {
		key := keys[i]
		j := i - 1
		for j >= 0 && keys[j] > key {
			keys[j+1] = keys[j]
			j--
		}
		keys[j+1] = key
	}
	return keys
}

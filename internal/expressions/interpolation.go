package expressions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/agentflow/pkg/schema"
)

// namespaces available inside ${{...}} references.
var namespaces = []string{"workflow", "shared", "steps", "input"}

// Interpolate resolves ${{namespace.path}} references inside the string
// values of params. A string that is exactly one reference takes the
// referenced value with its type; references embedded in longer strings are
// stringified. params is never mutated.
func Interpolate(params map[string]any, scope *Scope) (map[string]any, error) {
	if params == nil {
		return nil, nil
	}
	out, err := interpolateValue(params, scope)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func interpolateValue(v any, scope *Scope) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := interpolateValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := interpolateValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case string:
		return interpolateString(val, scope)
	default:
		return deepCopyAny(v), nil
	}
}

func interpolateString(input string, scope *Scope) (any, error) {
	if !strings.Contains(input, "${{") {
		return input, nil
	}

	// Whole-value reference keeps the resolved type.
	trimmed := strings.TrimSpace(input)
	if strings.HasPrefix(trimmed, "${{") && strings.HasSuffix(trimmed, "}}") &&
		strings.Count(trimmed, "${{") == 1 {
		expr := strings.TrimSpace(trimmed[3 : len(trimmed)-2])
		return resolveRef(expr, scope)
	}

	var result strings.Builder
	result.Grow(len(input))
	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}
		result.WriteString(input[i : i+idx])
		start := i + idx + 3

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeValidation, "unclosed ${{ expression")
		}
		end += start

		expr := strings.TrimSpace(input[start:end])
		if strings.Contains(expr, "${{") {
			return nil, schema.NewError(schema.ErrCodeValidation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}
		val, err := resolveRef(expr, scope)
		if err != nil {
			return nil, err
		}
		result.WriteString(stringify(val))
		i = end + 2
	}
	return result.String(), nil
}

// resolveRef resolves a single reference such as "steps.intake.company".
func resolveRef(expr string, scope *Scope) (any, error) {
	if expr == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty variable reference: ${{  }}")
	}
	ns, path, _ := strings.Cut(expr, ".")

	var root map[string]any
	switch ns {
	case "workflow":
		root = scope.Workflow
	case "shared":
		root = scope.Shared
	case "steps":
		root = scope.Steps
	case "input":
		root = scope.Input
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown namespace %q in ${{%s}}; available: %s", ns, expr, strings.Join(namespaces, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_namespaces": namespaces})
	}
	if path == "" {
		return deepCopyMap(orEmpty(root)), nil
	}
	if root == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"cannot resolve %q: %s scope is empty", expr, ns).
			WithDetails(map[string]any{"expression": expr})
	}
	// Direct key lookup first, so keys containing dots still resolve.
	if val, ok := root[path]; ok {
		return deepCopyAny(val), nil
	}
	val, err := traversePath(root, path, expr)
	if err != nil {
		return nil, err
	}
	return deepCopyAny(val), nil
}

// traversePath navigates into nested maps using a dot-delimited path.
func traversePath(root any, path, expr string) (any, error) {
	current := root
	for i, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"empty segment in path %q at position %d", expr, i).
				WithDetails(map[string]any{"expression": expr})
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, expr, current).
				WithDetails(map[string]any{"expression": expr})
		}
		val, ok := m[seg]
		if !ok {
			available := mapKeys(m)
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"field %q not found in %q; available: [%s]", seg, expr, strings.Join(available, ", ")).
				WithDetails(map[string]any{"expression": expr, "available_fields": available})
		}
		current = val
	}
	return current, nil
}

// stringify renders a resolved value for embedding inside a longer string.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool, float64, int, int64:
		return fmt.Sprintf("%v", v)
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
	sort.Strings(keys)
	return keys
}

// HasInterpolation reports whether any string value in params contains a ${{...}} reference.
func HasInterpolation(params map[string]any) bool {
	b, err := json.Marshal(params)
	if err != nil {
		return false
	}
	return strings.Contains(string(b), "${{")
}

package expressions

import (
	"context"

	"github.com/itchyny/gojq"
)

// JQMapper evaluates step input mappings: jq programs that reshape the
// workflow, shared-context and step-output documents into agent parameters.
// $ENV is empty inside programs.
type JQMapper struct {
	programs *programCache[*gojq.Code]
}

var _ Engine = (*JQMapper)(nil)

func NewJQMapper() *JQMapper {
	return &JQMapper{programs: newProgramCache("jq", compileJQ)}
}

func compileJQ(src string) (*gojq.Code, error) {
	query, err := gojq.Parse(src)
	if err != nil {
		return nil, exprError("jq", "parse", src, err)
	}
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, exprError("jq", "compile", src, err)
	}
	return code, nil
}

func (m *JQMapper) Name() string { return "jq" }

// Check compiles src without running it.
func (m *JQMapper) Check(src string) error {
	_, err := m.programs.get(src)
	return err
}

// Evaluate runs src against data. A program yielding nothing maps to nil,
// a single value is returned as is and several values are collected into a
// []any, so ".items[]" maps a parameter to a list.
func (m *JQMapper) Evaluate(ctx context.Context, src string, data map[string]any) (any, error) {
	code, err := m.programs.get(src)
	if err != nil {
		return nil, err
	}

	input, _ := jqValue(data).(map[string]any)
	if input == nil {
		input = map[string]any{}
	}

	var values []any
	iter := code.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, exprError("jq", "evaluation", src, err)
		}
		values = append(values, v)
	}

	switch len(values) {
	case 0:
		return nil, nil
	case 1:
		return values[0], nil
	default:
		return values, nil
	}
}

// jqValue rewrites Go numbers as float64, the only number type gojq accepts
// besides int. YAML decoding yields int64 and float32 in places.
func jqValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = jqValue(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = jqValue(e)
		}
		return out
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case float32:
		return float64(x)
	}
	return v
}

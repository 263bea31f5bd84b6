package expressions

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/agentflow/pkg/schema"
)

// Engine evaluates expressions declared on step definitions.
// Implementations: ConditionEngine (CEL approval conditions), JQMapper (jq input
// mappings) and AssertionEngine (expr assertions).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Set bundles the three engines behind the step-level operations the executor needs.
// It also satisfies validation.ExpressionChecker.
type Set struct {
	jq   *JQMapper
	cel  *ConditionEngine
	expr *AssertionEngine
}

// NewSet creates the engines.
func NewSet() (*Set, error) {
	cond, err := NewConditionEngine()
	if err != nil {
		return nil, err
	}
	return &Set{jq: NewJQMapper(), cel: cond, expr: NewAssertionEngine()}, nil
}

// CheckMapping compiles a jq input mapping.
func (s *Set) CheckMapping(expr string) error { return s.jq.Check(expr) }

// CheckCondition compiles a CEL approval condition.
func (s *Set) CheckCondition(expr string) error { return s.cel.Check(expr) }

// CheckAssertion compiles an expr assertion.
func (s *Set) CheckAssertion(expr string) error { return s.expr.Check(expr) }

// ResolveInput builds a step's agent input parameters: static input_params with
// ${{...}} references resolved, overlaid by the results of input_mapping.
func (s *Set) ResolveInput(ctx context.Context, step schema.StepDefinition, scope *Scope) (map[string]any, error) {
	params, err := Interpolate(step.InputParams, scope)
	if err != nil {
		return nil, fmt.Errorf("input_params: %w", err)
	}
	if params == nil {
		params = make(map[string]any, len(step.InputMapping))
	}
	if len(step.InputMapping) == 0 {
		return params, nil
	}

	data := scope.Map()
	keys := make([]string, 0, len(step.InputMapping))
	for k := range step.InputMapping {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := s.jq.Evaluate(ctx, step.InputMapping[k], data)
		if err != nil {
			return nil, fmt.Errorf("input_mapping.%s: %w", k, err)
		}
		params[k] = v
	}
	return params, nil
}

// NeedsApproval decides whether an agent result must be reviewed by a human.
// A step's approval_condition wins; otherwise the result needs approval when
// confidence is below the step threshold (or defaultThreshold when unset).
func (s *Set) NeedsApproval(ctx context.Context, step schema.StepDefinition, confidence float64, output any, workflow map[string]any, defaultThreshold float64) (bool, error) {
	if step.ApprovalCondition != "" {
		return s.cel.EvaluateBool(ctx, step.ApprovalCondition, map[string]any{
			"confidence": confidence,
			"output":     output,
			"step":       stepVars(step, defaultThreshold),
			"workflow":   orEmpty(workflow),
		})
	}
	threshold := step.ApprovalThreshold
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	return confidence < threshold, nil
}

// CheckAssertions evaluates every assertion against the output. It returns a
// VALIDATION_ERROR naming each assertion that did not hold.
func (s *Set) CheckAssertions(ctx context.Context, step schema.StepDefinition, output any, workflow map[string]any) error {
	if len(step.Assertions) == 0 {
		return nil
	}
	env := map[string]any{
		"output":   output,
		"step":     stepVars(step, 0),
		"workflow": orEmpty(workflow),
	}
	var failed []string
	for _, a := range step.Assertions {
		v, err := s.expr.Evaluate(ctx, a, env)
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s (%s)", a, errMessage(err)))
			continue
		}
		if ok, isBool := v.(bool); !isBool || !ok {
			failed = append(failed, a)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "output assertions failed: %s", strings.Join(failed, "; ")).
		WithStep(step.ID).
		WithDetails(map[string]any{"assertions": failed})
}

func stepVars(step schema.StepDefinition, defaultThreshold float64) map[string]any {
	threshold := step.ApprovalThreshold
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	return map[string]any{
		"id":                 step.ID,
		"name":               step.DisplayName(),
		"agent":              step.Agent,
		"approval_threshold": threshold,
	}
}

func errMessage(err error) string {
	if fe, ok := err.(*schema.FlowError); ok {
		return fe.Message
	}
	return err.Error()
}

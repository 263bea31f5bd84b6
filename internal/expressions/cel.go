package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/rendis/agentflow/pkg/schema"
)

// ConditionEngine evaluates approval conditions in CEL. Declared variables:
//
//	confidence  double            agent confidence score
//	output      dyn               parsed agent output
//	step        map(string, dyn)  id, name, agent, approval_threshold
//	workflow    map(string, dyn)  instance workflow context
//
// Undeclared identifiers fail at compile time, which lets definition
// validation reject typos before any instance runs.
type ConditionEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

var _ Engine = (*ConditionEngine)(nil)

func NewConditionEngine() (*ConditionEngine, error) {
	obj := cel.MapType(cel.StringType, cel.DynType)
	env, err := cel.NewEnv(
		cel.Variable("confidence", cel.DoubleType),
		cel.Variable("output", cel.DynType),
		cel.Variable("step", obj),
		cel.Variable("workflow", obj),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	c := &ConditionEngine{env: env}
	c.programs = newProgramCache("CEL", c.compile)
	return c, nil
}

func (c *ConditionEngine) compile(src string) (cel.Program, error) {
	ast, iss := c.env.Compile(src)
	if iss != nil && iss.Err() != nil {
		return nil, exprError("CEL", "compile", src, iss.Err())
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, exprError("CEL", "program", src, err)
	}
	return prg, nil
}

func (c *ConditionEngine) Name() string { return "cel" }

// Check compiles src without evaluating it.
func (c *ConditionEngine) Check(src string) error {
	_, err := c.programs.get(src)
	return err
}

// Evaluate runs src with vars bound; absent variables take their zero value.
func (c *ConditionEngine) Evaluate(ctx context.Context, src string, vars map[string]any) (any, error) {
	prg, err := c.programs.get(src)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.ContextEval(ctx, activation(vars))
	if err != nil {
		return nil, exprError("CEL", "evaluation", src, err)
	}
	return out.Value(), nil
}

// EvaluateBool is Evaluate for predicates; a non-bool result is an error.
func (c *ConditionEngine) EvaluateBool(ctx context.Context, src string, vars map[string]any) (bool, error) {
	v, err := c.Evaluate(ctx, src, vars)
	if err != nil {
		return false, err
	}
	if b, ok := v.(bool); ok {
		return b, nil
	}
	return false, schema.NewErrorf(schema.ErrCodeValidation, "CEL condition %q yielded %T, want bool", src, v)
}

func activation(vars map[string]any) map[string]any {
	act := map[string]any{
		"confidence": 0.0,
		"output":     nil,
		"step":       map[string]any{},
		"workflow":   map[string]any{},
	}
	for k, v := range vars {
		if v != nil || k == "output" {
			act[k] = v
		}
	}
	if f, ok := act["confidence"].(float32); ok {
		act["confidence"] = float64(f)
	}
	return act
}

package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// AssertionEngine evaluates step assertions with expr-lang. Assertions see
// the parsed agent output as "output", the step as "step" and the workflow
// context as "workflow"; builtins such as all, any, len and the ?? and ?.
// operators are available.
type AssertionEngine struct {
	programs *programCache[*vm.Program]
}

var _ Engine = (*AssertionEngine)(nil)

func NewAssertionEngine() *AssertionEngine {
	return &AssertionEngine{programs: newProgramCache("expr", compileAssertion)}
}

// compileAssertion compiles against an untyped environment so one program
// serves every output shape.
func compileAssertion(src string) (*vm.Program, error) {
	prg, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, exprError("expr", "compile", src, err)
	}
	return prg, nil
}

func (a *AssertionEngine) Name() string { return "expr" }

// Check compiles src without running it.
func (a *AssertionEngine) Check(src string) error {
	_, err := a.programs.get(src)
	return err
}

func (a *AssertionEngine) Evaluate(_ context.Context, src string, env map[string]any) (any, error) {
	prg, err := a.programs.get(src)
	if err != nil {
		return nil, err
	}
	if env == nil {
		env = map[string]any{}
	}
	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, exprError("expr", "evaluation", src, err)
	}
	return out, nil
}

// Package expreval compiles textual expressions into flow guards,
// validations, and context-assigning actions using expr-lang.
//
// Expressions are evaluated against the flow context: every context key is an
// identifier, and unknown identifiers resolve to nil rather than failing
// compilation, since the context is schemaless.
package expreval

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/dshills/stateflow-go/flow"
)

func compile(expression string) (*vm.Program, error) {
	program, err := expr.Compile(expression,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compile expression %q: %w", expression, err)
	}
	return program, nil
}

func run(program *vm.Program, data flow.Context) (any, error) {
	env := map[string]any(data)
	if env == nil {
		env = map[string]any{}
	}
	return expr.Run(program, env)
}

// Guard compiles a boolean expression into a flow.GuardFunc.
//
// A runtime error or a non-boolean result is returned as the guard's error,
// which the transition resolver treats as "this candidate does not apply".
func Guard(expression string) (flow.GuardFunc, error) {
	program, err := compile(expression)
	if err != nil {
		return nil, err
	}
	return func(_ context.Context, data flow.Context) (bool, error) {
		out, err := run(program, data)
		if err != nil {
			return false, err
		}
		ok, isBool := out.(bool)
		if !isBool {
			return false, fmt.Errorf("guard expression %q returned %T, want bool", expression, out)
		}
		return ok, nil
	}, nil
}

// Validate compiles an expression into a flow.ValidateFunc. A true result
// passes; a string result fails with that string as the message; anything
// else fails with the message left to the machine's precedence rules.
func Validate(expression string) (flow.ValidateFunc, error) {
	program, err := compile(expression)
	if err != nil {
		return nil, err
	}
	return func(_ context.Context, data flow.Context) (bool, string) {
		out, err := run(program, data)
		if err != nil {
			return false, err.Error()
		}
		switch v := out.(type) {
		case bool:
			return v, ""
		case string:
			return false, v
		default:
			return false, ""
		}
	}, nil
}

// Assign compiles an expression into a flow.HookFunc that stores the result
// into the context under key. Evaluation errors are hook errors, subject to
// the transition's retry policy.
func Assign(key, expression string) (flow.HookFunc, error) {
	if key == "" {
		return nil, fmt.Errorf("assign requires a context key")
	}
	program, err := compile(expression)
	if err != nil {
		return nil, err
	}
	return func(_ context.Context, data flow.Context) error {
		out, err := run(program, data)
		if err != nil {
			return fmt.Errorf("failed to evaluate %q: %w", expression, err)
		}
		data[key] = out
		return nil
	}, nil
}

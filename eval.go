package sentinel

import (
	"context"
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

const defaultEvalTimeout = time.Second

// Evaluator executes configured rule expressions against a bounded, explicit
// context. Expressions have no access to the store, network or filesystem;
// the only names visible are the keys of the provided environment, and a
// reference to anything else fails compilation. Every evaluation runs under a
// time budget so a misbehaving configured expression cannot stall the
// pipeline.
type Evaluator struct {
	timeout time.Duration
}

type EvaluatorOption func(*Evaluator)

// WithEvalTimeout overrides the per-evaluation time budget.
func WithEvalTimeout(d time.Duration) EvaluatorOption {
	return func(e *Evaluator) {
		e.timeout = d
	}
}

func NewEvaluator(opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		timeout: defaultEvalTimeout,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Evaluate compiles expression against the given environment and runs it,
// returning the produced value. Syntax errors, runtime errors and references
// to undeclared context variables are all reported as ErrEval.
func (e *Evaluator) Evaluate(ctx context.Context, expression string, env map[string]any) (any, error) {
	program, err := expr.Compile(expression, expr.Env(env))
	if err != nil {
		return nil, errors.Wrap(ErrEval, err.Error(), j.MKV{
			"expression": expression,
		})
	}

	return e.run(ctx, program, env, expression)
}

type evalResult struct {
	out any
	err error
}

func (e *Evaluator) run(ctx context.Context, program *vm.Program, env map[string]any, expression string) (any, error) {
	ch := make(chan evalResult, 1)
	go func() {
		out, err := expr.Run(program, env)
		ch <- evalResult{out: out, err: err}
	}()

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, errors.Wrap(ErrEval, "expression evaluation timed out", j.MKV{
			"expression": expression,
			"timeout":    e.timeout.String(),
		})
	case res := <-ch:
		if res.err != nil {
			return nil, errors.Wrap(ErrEval, res.err.Error(), j.MKV{
				"expression": expression,
			})
		}
		return res.out, nil
	}
}

// EvaluateBool evaluates expression and reduces the result to a condition
// outcome: nil, false, zero and the empty string are false, anything else
// true.
func (e *Evaluator) EvaluateBool(ctx context.Context, expression string, env map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, env)
	if err != nil {
		return false, err
	}

	return truthy(out), nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}

// ResolvePhones resolves configured recipients against a counted-report
// context. A recipient is either a literal phone pattern, matched
// structurally and never evaluated, or an expression expected to yield a
// string or array of strings. Any other yielded value produces a non-fatal
// per-recipient error so the remaining recipients still get their messages.
// Duplicate phones are removed preserving first occurrence.
func (e *Evaluator) ResolvePhones(ctx context.Context, recipients []string, countedReports []map[string]any) ([]string, []string) {
	var (
		phones []string
		errs   []string
		seen   = make(map[string]bool)
	)

	add := func(phone string) {
		if seen[phone] {
			return
		}
		seen[phone] = true
		phones = append(phones, phone)
	}

	env := map[string]any{"countedReports": countedReports}

	for _, recipient := range recipients {
		if recipient == "" {
			continue
		}
		if phoneLiteral.MatchString(recipient) {
			add(recipient)
			continue
		}

		out, err := e.Evaluate(ctx, recipient, env)
		if err != nil {
			errs = append(errs, fmt.Sprintf("could not find a phone number for %q. Message will not be sent. Error: %v", recipient, err))
			continue
		}

		switch v := out.(type) {
		case string:
			add(v)
		case []any:
			for _, el := range v {
				s, ok := el.(string)
				if !ok {
					errs = append(errs, fmt.Sprintf("one of the phone numbers for %q is not a string. Message will not be sent. Found: %v", recipient, el))
					continue
				}
				add(s)
			}
		case []string:
			for _, s := range v {
				add(s)
			}
		default:
			errs = append(errs, fmt.Sprintf("phone number for %q is not a string or array of strings. Message will not be sent. Found: %v", recipient, out))
		}
	}

	return phones, errs
}

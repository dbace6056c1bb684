// Package rules evaluates the boolean expressions that gate generated
// content, such as the identity synthesis acceptance threshold.
package rules

import (
	"errors"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// DefaultAcceptance accepts a judged aspiration scoring 8 or more out of 10.
const DefaultAcceptance = "score >= 8"

var ErrInvalidRule = errors.New("invalid rule")

// Evaluator evaluates rule expressions against an environment.
type Evaluator interface {
	Evaluate(expression string, env map[string]interface{}) (bool, error)
}

// ExprEvaluator is an Evaluator backed by expr-lang/expr with a compiled
// program cache keyed by expression.
type ExprEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
	funcs map[string]func(env map[string]interface{}) interface{}
}

// NewExprEvaluator creates an evaluator with an empty cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache: make(map[string]*vm.Program),
		funcs: make(map[string]func(map[string]interface{}) interface{}),
	}
}

// AddDerived registers a value computed from the environment on every
// evaluation, exposed to expressions under name.
func (e *ExprEvaluator) AddDerived(name string, f func(env map[string]interface{}) interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.funcs[name] = f
}

// Evaluate runs expression against env. The caller's map is not modified.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	scope := e.scope(env)

	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()

	if !ok {
		e.mu.Lock()
		if program, ok = e.cache[expression]; !ok {
			var err error
			program, err = expr.Compile(expression, expr.Env(scope), expr.AsBool())
			if err != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("%w: %q: %v", ErrInvalidRule, expression, err)
			}
			e.cache[expression] = program
		}
		e.mu.Unlock()
	}

	result, err := expr.Run(program, scope)
	if err != nil {
		return false, err
	}
	if b, ok := result.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("expression %q did not evaluate to a boolean, got %T", expression, result)
}

func (e *ExprEvaluator) scope(env map[string]interface{}) map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	scope := make(map[string]interface{}, len(env)+len(e.funcs))
	for k, v := range env {
		scope[k] = v
	}
	for k, f := range e.funcs {
		scope[k] = f(env)
	}
	return scope
}

// AcceptancePolicy decides whether a judged score is good enough. The
// expression sees score, total and ratio (score/total, 0 when total is 0).
type AcceptancePolicy struct {
	expression string
	eval       *ExprEvaluator
}

// NewAcceptancePolicy compiles expression, failing fast on syntax or type
// errors. An empty expression selects DefaultAcceptance.
func NewAcceptancePolicy(expression string) (*AcceptancePolicy, error) {
	if expression == "" {
		expression = DefaultAcceptance
	}
	eval := NewExprEvaluator()
	eval.AddDerived("ratio", func(env map[string]interface{}) interface{} {
		total, _ := env["total"].(int)
		score, _ := env["score"].(int)
		if total == 0 {
			return 0.0
		}
		return float64(score) / float64(total)
	})
	p := &AcceptancePolicy{expression: expression, eval: eval}
	if _, err := p.Accept(0, 10); err != nil {
		return nil, err
	}
	return p, nil
}

// MustAcceptancePolicy is NewAcceptancePolicy that panics on error.
func MustAcceptancePolicy(expression string) *AcceptancePolicy {
	p, err := NewAcceptancePolicy(expression)
	if err != nil {
		panic(err)
	}
	return p
}

// Accept reports whether score out of total passes the policy.
func (p *AcceptancePolicy) Accept(score, total int) (bool, error) {
	return p.eval.Evaluate(p.expression, map[string]interface{}{"score": score, "total": total})
}

// String returns the policy expression.
func (p *AcceptancePolicy) String() string {
	return p.expression
}

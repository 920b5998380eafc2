package policy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Input is what rule expressions can see.
type Input struct {
	AgentID    string
	IntentType string
	Intent     map[string]any
	CostCents  int64
}

// Verdict is the outcome of evaluating a policy's rules.
type Verdict struct {
	Denied bool
	Rule   string
	Reason string
}

// Evaluator compiles and caches CEL rule programs.
type Evaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewEvaluator builds the CEL environment for policy rules.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("agent_id", cel.StringType),
		cel.Variable("intent_type", cel.StringType),
		cel.Variable("intent", cel.DynType),
		cel.Variable("cost_cents", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: create CEL environment: %w", err)
	}
	return &Evaluator{env: env, programs: make(map[string]cel.Program)}, nil
}

// Validate compiles every rule without evaluating it.
func (e *Evaluator) Validate(rules []Rule) error {
	var errs []error
	for _, r := range rules {
		if _, err := e.program(r.Expr); err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", r.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Evaluate runs rules in order and stops at the first that denies. A rule that
// fails to evaluate denies.
func (e *Evaluator) Evaluate(rules []Rule, in Input) Verdict {
	vars := map[string]any{
		"agent_id":    in.AgentID,
		"intent_type": in.IntentType,
		"intent":      in.Intent,
		"cost_cents":  in.CostCents,
	}
	for _, r := range rules {
		reason := r.Reason
		if reason == "" {
			reason = "policy_rule_denied"
		}
		prg, err := e.program(r.Expr)
		if err != nil {
			return Verdict{Denied: true, Rule: r.Name, Reason: reason}
		}
		out, _, err := prg.Eval(vars)
		if err != nil {
			return Verdict{Denied: true, Rule: r.Name, Reason: reason}
		}
		deny, ok := out.Value().(bool)
		if !ok || deny {
			return Verdict{Denied: true, Rule: r.Name, Reason: reason}
		}
	}
	return Verdict{}
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.programs[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.programs[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.programs[expr] = prg
	return prg, nil
}

package jobs

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// PolicyEvaluator evaluates retention predicates using CEL (Common
// Expression Language) with a compiled-program cache. A retention
// predicate decides whether a finished non-blocking job may still publish
// its state updates, e.g. after the session has moved to another branch.
type PolicyEvaluator struct {
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewPolicyEvaluator creates a new policy evaluator with caching
func NewPolicyEvaluator() *PolicyEvaluator {
	return &PolicyEvaluator{
		cache: make(map[string]cel.Program),
	}
}

// Compile parses and caches an expression so configuration errors surface
// at startup instead of on the first finished job. An empty expression is
// valid and keeps everything.
func (e *PolicyEvaluator) Compile(expr string) error {
	if expr == "" {
		return nil
	}
	_, err := e.program(expr)
	return err
}

// Allows reports whether the policy keeps a job's state updates
func (e *PolicyEvaluator) Allows(expr string, job, session map[string]interface{}) (bool, error) {
	if expr == "" {
		return true, nil
	}

	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"job":     job,
		"session": session,
	})
	if err != nil {
		return false, fmt.Errorf("retention policy evaluation error: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("retention policy did not return boolean, got %T", out.Value())
	}

	return result, nil
}

func (e *PolicyEvaluator) program(expr string) (cel.Program, error) {
	// Check cache first
	e.mu.RLock()
	prg, exists := e.cache[expr]
	e.mu.RUnlock()
	if exists {
		return prg, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("job", cel.DynType),
		cel.Variable("session", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("retention policy compile error: %w", issues.Err())
	}

	prg, err = env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	e.mu.Lock()
	e.cache[expr] = prg
	e.mu.Unlock()

	return prg, nil
}

// CacheSize returns the number of cached expressions
func (e *PolicyEvaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

package expr

import (
	"sync"

	"github.com/jmespath/go-jmespath"

	"github.com/lyzr/storyflow/common/fault"
)

// Evaluator evaluates JMESPath expressions with compiled-program caching
type Evaluator struct {
	cache map[string]*jmespath.JMESPath
	mu    sync.RWMutex
}

// NewEvaluator creates a new expression evaluator with caching
func NewEvaluator() *Evaluator {
	return &Evaluator{
		cache: make(map[string]*jmespath.JMESPath),
	}
}

// Scope builds the document every expression is evaluated against:
// the current record, the whole stream, and the state prompt view.
// Values must be plain map[string]interface{} / []interface{} trees;
// the JMESPath interpreter does not see through named types.
func Scope(item map[string]interface{}, stream []interface{}, state map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"item":  item,
		"items": stream,
		"state": state,
	}
}

// Search evaluates an expression against a scope document and returns
// the raw result value.
func (e *Evaluator) Search(expression string, scope map[string]interface{}) (interface{}, error) {
	prg, err := e.compiled(expression)
	if err != nil {
		return nil, err
	}

	out, err := prg.Search(scope)
	if err != nil {
		return nil, fault.Wrap(fault.KindExpression, err)
	}
	return out, nil
}

// Truthy evaluates an expression and reduces the result to a boolean:
// false, null, empty string, empty sequence and empty record are false,
// everything else is true.
func (e *Evaluator) Truthy(expression string, scope map[string]interface{}) (bool, error) {
	out, err := e.Search(expression, scope)
	if err != nil {
		return false, err
	}
	return IsTruthy(out), nil
}

// IsTruthy applies JMESPath truthiness to a value.
func IsTruthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case []interface{}:
		return len(val) > 0
	case map[string]interface{}:
		return len(val) > 0
	default:
		// Numbers, including zero, are true
		return true
	}
}

func (e *Evaluator) compiled(expression string) (*jmespath.JMESPath, error) {
	// Check cache first
	e.mu.RLock()
	prg, exists := e.cache[expression]
	e.mu.RUnlock()

	if exists {
		return prg, nil
	}

	// Compile and cache
	prg, err := jmespath.Compile(expression)
	if err != nil {
		return nil, fault.New(fault.KindExpression, "compiling %q: %v", expression, err)
	}

	e.mu.Lock()
	e.cache[expression] = prg
	e.mu.Unlock()

	return prg, nil
}

// ClearCache clears the compiled expression cache
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]*jmespath.JMESPath)
}

// CacheSize returns the number of cached expressions
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

package node

import (
	"context"
	"time"

	"github.com/lyzr/storyflow/common/expr"
	"github.com/lyzr/storyflow/common/items"
	"github.com/lyzr/storyflow/common/llm"
	"github.com/lyzr/storyflow/common/state"
)

// Logger interface for node execution logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// CodeFunc is a whitelisted function a Code node may invoke
type CodeFunc func(ctx context.Context, in []items.Item, nc *Context) ([]items.Item, error)

// Resources is the shared service bag handed to every node
type Resources struct {
	LLM          llm.Client
	CodeFuncs    map[string]CodeFunc
	AllowMockLLM bool
}

// Context carries the per-run bindings every node receives
type Context struct {
	SessionID string
	BranchID  string
	RoundNo   int
	State     *state.Manager
	Resources *Resources
	Eval      *expr.Evaluator
	Logger    Logger
}

// PromptState returns the state prompt view, or an empty record when
// the run is stateless.
func (nc *Context) PromptState() map[string]interface{} {
	if nc == nil || nc.State == nil {
		return map[string]interface{}{}
	}
	return nc.State.GetForPrompt()
}

// Node is one executable step. Run must not mutate its input stream.
type Node interface {
	Run(ctx context.Context, in []items.Item, nc *Context) (*items.NodeResult, error)
}

// Factory builds a node from its document params
type Factory func(params map[string]interface{}) (Node, error)

// SafeRun executes a node, converting errors and panics into a result
// that carries the input stream unchanged plus an error log. The
// returned flag tells the executor whether the node failed.
func SafeRun(ctx context.Context, label string, n Node, in []items.Item, nc *Context) (res *items.NodeResult, failed bool) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			res = items.NewResult(items.DeepCopy(in))
			res.AddLog("error: node %s panicked: %v", label, r)
			failed = true
		}
		finishMetrics(res, start, len(in))
	}()

	out, err := n.Run(ctx, in, nc)
	if err != nil {
		res = items.NewResult(items.DeepCopy(in))
		res.AddLog("error: node %s: %v", label, err)
		return res, true
	}
	if out == nil {
		out = items.NewResult(nil)
	}
	return out, false
}

func finishMetrics(res *items.NodeResult, start time.Time, itemsIn int) {
	if res == nil {
		return
	}
	res.SetMetric("duration_ms", float64(time.Since(start).Microseconds())/1000.0)
	res.SetMetric("items_in", float64(itemsIn))
	res.SetMetric("items_out", float64(len(res.Items)))
}

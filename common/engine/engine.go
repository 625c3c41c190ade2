package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/lyzr/storyflow/common/expr"
	"github.com/lyzr/storyflow/common/fault"
	"github.com/lyzr/storyflow/common/ir"
	"github.com/lyzr/storyflow/common/items"
	"github.com/lyzr/storyflow/common/node"
)

// Logger interface for executor logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Result is a finished run: the accumulated NodeResult plus whether a
// node failure stopped the run early.
type Result struct {
	*items.NodeResult
	Failed bool
}

// Executor runs IR documents. Composites (Sequence, If, Subflow) are
// dispatched here; atomic types resolve through the registry. The flow
// index and registry swap atomically on reload.
type Executor struct {
	mu        sync.RWMutex
	flows     *ir.Index
	registry  *node.Registry
	providers []node.Provider
	eval      *expr.Evaluator
	maxDepth  int
	logger    Logger
}

// New creates an executor over a loaded flow index and registry
func New(flows *ir.Index, registry *node.Registry, maxDepth int, logger Logger) *Executor {
	if maxDepth < 1 {
		maxDepth = 16
	}
	return &Executor{
		flows:     flows,
		registry:  registry,
		providers: node.DefaultProviders(),
		eval:      expr.NewEvaluator(),
		maxDepth:  maxDepth,
		logger:    logger,
	}
}

// Resolve finds a loaded document by ref
func (e *Executor) Resolve(ref string) (*ir.Document, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.flows.Resolve(ref)
}

// Run resolves a ref and executes the document
func (e *Executor) Run(ctx context.Context, ref string, in []items.Item, nc *node.Context) (*Result, error) {
	doc, err := e.Resolve(ref)
	if err != nil {
		return nil, err
	}
	return e.RunDoc(ctx, doc, in, nc)
}

// RunDoc executes a document from its entry node. Node failures do not
// error: the result carries whatever was produced plus the Failed flag.
func (e *Executor) RunDoc(ctx context.Context, doc *ir.Document, in []items.Item, nc *node.Context) (*Result, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	if nc == nil {
		return nil, fault.New(fault.KindInternal, "run without a node context")
	}
	if nc.Eval == nil {
		nc.Eval = e.eval
	}

	e.logger.Debug("running flow", "flow", doc.Ref(), "items_in", len(in))

	res, failed := e.runNode(ctx, doc, doc.Entry, in, nc, 0)
	if failed {
		e.logger.Warn("flow run failed", "flow", doc.Ref(), "logs", len(res.Logs))
	}
	return &Result{NodeResult: res, Failed: failed}, nil
}

// Validate checks a document without executing it
func (e *Executor) Validate(doc *ir.Document) error {
	return doc.Validate()
}

// Reload rebuilds the flow index from dirs and the registry from the
// provider set, swapping both atomically. Returns loaded flow refs and
// the full node type list.
func (e *Executor) Reload(dirs []string) ([]string, []string, error) {
	flows, err := ir.LoadDirs(dirs)
	if err != nil {
		return nil, nil, err
	}
	registry, err := node.BuildRegistry(e.providers...)
	if err != nil {
		return nil, nil, err
	}

	e.mu.Lock()
	e.flows = flows
	e.registry = registry
	e.mu.Unlock()

	e.logger.Info("flows reloaded", "flows", len(flows.Refs()), "dirs", dirs)
	return flows.Refs(), e.NodeTypes(), nil
}

// Refs lists loaded flow refs
func (e *Executor) Refs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.flows.Refs()
}

// NodeTypes lists every runnable type: registry entries plus the
// executor's own composites.
func (e *Executor) NodeTypes() []string {
	e.mu.RLock()
	types := e.registry.Types()
	e.mu.RUnlock()

	types = append(types, ir.TypeIf, ir.TypeSequence, ir.TypeSubflow)
	sort.Strings(types)
	return types
}

// runNode dispatches one node. A true second return means the node
// failed and the enclosing sequence must stop.
func (e *Executor) runNode(ctx context.Context, doc *ir.Document, nodeID string, in []items.Item, nc *node.Context, depth int) (*items.NodeResult, bool) {
	if err := ctx.Err(); err != nil {
		return failResult(in, "error: node %s: run cancelled: %v", nodeID, err)
	}

	def, ok := doc.Node(nodeID)
	if !ok {
		return failResult(in, "error: node %s is not defined in %s", nodeID, doc.Ref())
	}

	switch def.Type {
	case ir.TypeSequence:
		return e.runChildren(ctx, doc, def.Children, in, nc, depth)
	case ir.TypeIf:
		return e.runIf(ctx, doc, def, in, nc, depth)
	case ir.TypeSubflow:
		return e.runSubflow(ctx, doc, def, in, nc, depth)
	default:
		return e.runAtomic(ctx, def, in, nc)
	}
}

// runChildren threads the stream through children left to right,
// accumulating logs and metrics. A failing child stops the walk; the
// stream it returned (its unchanged input) is what the caller sees.
func (e *Executor) runChildren(ctx context.Context, doc *ir.Document, children []string, in []items.Item, nc *node.Context, depth int) (*items.NodeResult, bool) {
	acc := items.NewResult(in)
	current := in

	for _, childID := range children {
		res, failed := e.runNode(ctx, doc, childID, current, nc, depth)
		acc.Absorb(res)
		current = res.Items
		if failed {
			acc.Items = current
			return acc, true
		}
	}

	acc.Items = current
	return acc, false
}

func (e *Executor) runIf(ctx context.Context, doc *ir.Document, def *ir.NodeDef, in []items.Item, nc *node.Context, depth int) (*items.NodeResult, bool) {
	var first map[string]interface{}
	if len(in) > 0 {
		first = map[string]interface{}(in[0])
	}
	scope := expr.Scope(first, streamScope(in), nc.PromptState())

	cond, err := nc.Eval.Truthy(def.If.Cond, scope)
	if err != nil {
		return failResult(in, "error: node %s: %v", def.ID, err)
	}

	branch := def.If.Then
	if !cond {
		branch = def.If.Else
	}

	acc := items.NewResult(nil)
	acc.AddLog("if %s: cond=%v, running %d nodes", def.ID, cond, len(branch))

	res, failed := e.runChildren(ctx, doc, branch, in, nc, depth)
	acc.Absorb(res)
	acc.Items = res.Items
	return acc, failed
}

func (e *Executor) runSubflow(ctx context.Context, doc *ir.Document, def *ir.NodeDef, in []items.Item, nc *node.Context, depth int) (*items.NodeResult, bool) {
	spec := def.Subflow
	if depth+1 > e.maxDepth {
		return failResult(in, "error: node %s: subflow depth cap %d exceeded", def.ID, e.maxDepth)
	}

	child, err := e.Resolve(spec.Ref)
	if err != nil {
		return failResult(in, "error: node %s: %v", def.ID, err)
	}

	childIn := buildSubflowInput(in, spec)

	childNC := *nc
	if !spec.SharesState() {
		// Scratch state seeded from the parent's working copy,
		// discarded when the subflow exits
		childNC.State = scratchFrom(nc)
	}

	childRes, failed := e.runNode(ctx, child, child.Entry, childIn, &childNC, depth+1)

	acc := items.NewResult(nil)
	acc.Absorb(childRes)
	if failed {
		acc.Items = items.DeepCopy(in)
		acc.AddLog("error: node %s: subflow %s failed", def.ID, spec.Ref)
		return acc, true
	}

	acc.Items = applySubflowOutput(in, childRes.Items, spec)
	acc.AddLog("subflow %s: ran %s (%d -> %d items)", def.ID, spec.Ref, len(childIn), len(childRes.Items))
	return acc, false
}

func (e *Executor) runAtomic(ctx context.Context, def *ir.NodeDef, in []items.Item, nc *node.Context) (*items.NodeResult, bool) {
	e.mu.RLock()
	registry := e.registry
	e.mu.RUnlock()

	n, err := registry.Instantiate(def.Type, def.Params)
	if err != nil {
		return failResult(in, "error: node %s: %v", def.ID, err)
	}

	label := def.ID
	if label == "" {
		label = def.Type
	}
	return node.SafeRun(ctx, label, n, in, nc)
}

func failResult(in []items.Item, format string, args ...interface{}) (*items.NodeResult, bool) {
	res := items.NewResult(items.DeepCopy(in))
	res.AddLog(format, args...)
	return res, true
}

func streamScope(in []items.Item) []interface{} {
	out := make([]interface{}, len(in))
	for i, it := range in {
		out[i] = map[string]interface{}(it)
	}
	return out
}

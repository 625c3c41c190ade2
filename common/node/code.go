package node

import (
	"context"
	"fmt"

	"github.com/lyzr/storyflow/common/fault"
	"github.com/lyzr/storyflow/common/items"
)

// codeNode invokes a whitelisted function from the resource bag. The
// outputs param is advisory: fields the function is expected to set.
type codeNode struct {
	function string
	outputs  []string
}

// NewCode builds a Code node
func NewCode(params map[string]interface{}) (Node, error) {
	function, err := requireParamString(params, "Code", "function")
	if err != nil {
		return nil, err
	}
	outputs, _ := paramStringSlice(params, "outputs")
	return &codeNode{function: function, outputs: outputs}, nil
}

func (n *codeNode) Run(ctx context.Context, in []items.Item, nc *Context) (*items.NodeResult, error) {
	if nc.Resources == nil {
		return nil, fault.New(fault.KindInternal, "no resources bound")
	}
	fn, ok := nc.Resources.CodeFuncs[n.function]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "function %q is not whitelisted", n.function)
	}

	out, err := fn(ctx, items.DeepCopy(in), nc)
	if err != nil {
		return nil, fmt.Errorf("function %s: %w", n.function, err)
	}

	res := items.NewResult(out)
	res.AddLog("code %s: %d -> %d items", n.function, len(in), len(out))

	// Violations are logged, never enforced
	for _, field := range n.outputs {
		for i, it := range out {
			if _, present := it[field]; !present {
				res.AddLog("warning: function %s did not set %q on item %d", n.function, field, i)
			}
		}
	}
	return res, nil
}

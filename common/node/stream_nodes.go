package node

import (
	"context"
	"sort"
	"strings"

	"github.com/lyzr/storyflow/common/expr"
	"github.com/lyzr/storyflow/common/fault"
	"github.com/lyzr/storyflow/common/items"
)

// mapNode sets computed fields on every item. String values in
// params.set are expressions; anything else is a constant.
type mapNode struct {
	set   map[string]interface{}
	dests []string
}

// NewMap builds a Map node
func NewMap(params map[string]interface{}) (Node, error) {
	set, ok := paramMap(params, "set")
	if !ok {
		return nil, fault.New(fault.KindSchema, "Map: params.set is required")
	}

	dests := make([]string, 0, len(set))
	for dest := range set {
		dests = append(dests, dest)
	}
	sort.Strings(dests)
	return &mapNode{set: set, dests: dests}, nil
}

func (n *mapNode) Run(_ context.Context, in []items.Item, nc *Context) (*items.NodeResult, error) {
	view := nc.PromptState()
	stream := scopeStream(in)

	out := make([]items.Item, len(in))
	for i, it := range in {
		scope := expr.Scope(map[string]interface{}(it), stream, view)
		copied := items.DeepCopyItem(it)
		for _, dest := range n.dests {
			raw := n.set[dest]
			s, isExpr := raw.(string)
			if !isExpr {
				copied[dest] = items.DeepCopyValue(raw)
				continue
			}
			val, err := nc.Eval.Search(s, scope)
			if err != nil {
				return nil, err
			}
			copied[dest] = val
		}
		out[i] = copied
	}

	res := items.NewResult(out)
	res.AddLog("map: set %d fields on %d items", len(n.dests), len(out))
	return res, nil
}

// filterNode keeps items where the condition is truthy
type filterNode struct {
	where string
}

// NewFilter builds a Filter node
func NewFilter(params map[string]interface{}) (Node, error) {
	where, err := requireParamString(params, "Filter", "where")
	if err != nil {
		return nil, err
	}
	return &filterNode{where: where}, nil
}

func (n *filterNode) Run(_ context.Context, in []items.Item, nc *Context) (*items.NodeResult, error) {
	view := nc.PromptState()
	stream := scopeStream(in)

	kept := make([]items.Item, 0, len(in))
	for _, it := range in {
		ok, err := nc.Eval.Truthy(n.where, expr.Scope(map[string]interface{}(it), stream, view))
		if err != nil {
			return nil, err
		}
		if ok {
			kept = append(kept, items.DeepCopyItem(it))
		}
	}

	res := items.NewResult(kept)
	res.AddLog("filter: kept %d of %d", len(kept), len(in))
	return res, nil
}

// mergeNode passes the stream through, appending an optional constant
// sequence. Fan-in across branches arrives with multi-input sequences;
// until then this is identity plus params.with.
type mergeNode struct {
	with []items.Item
}

// NewMerge builds a Merge node
func NewMerge(params map[string]interface{}) (Node, error) {
	n := &mergeNode{}
	if raw, ok := params["with"]; ok {
		seq, ok := raw.([]interface{})
		if !ok {
			return nil, fault.New(fault.KindSchema, "Merge: params.with must be a sequence")
		}
		for _, entry := range seq {
			rec, ok := entry.(map[string]interface{})
			if !ok {
				return nil, fault.New(fault.KindSchema, "Merge: params.with entries must be records")
			}
			n.with = append(n.with, items.Item(rec))
		}
	}
	return n, nil
}

func (n *mergeNode) Run(_ context.Context, in []items.Item, _ *Context) (*items.NodeResult, error) {
	out := items.DeepCopy(in)
	out = append(out, items.DeepCopy(n.with)...)

	res := items.NewResult(out)
	res.AddLog("merge: %d + %d items", len(in), len(n.with))
	return res, nil
}

// splitNode fans one item out per element of the value at a path. Each
// element lands in dest_field on a copy of the source item, so context
// fields survive the split.
type splitNode struct {
	at    string
	dest  string
	delim string
}

// NewSplit builds a Split node
func NewSplit(params map[string]interface{}) (Node, error) {
	at, err := requireParamString(params, "Split", "at")
	if err != nil {
		return nil, err
	}
	return &splitNode{
		at:    at,
		dest:  paramString(params, "dest_field", "element"),
		delim: paramString(params, "delimiter", ","),
	}, nil
}

func (n *splitNode) Run(_ context.Context, in []items.Item, nc *Context) (*items.NodeResult, error) {
	view := nc.PromptState()
	stream := scopeStream(in)

	var out []items.Item
	for _, it := range in {
		val, err := nc.Eval.Search(n.at, expr.Scope(map[string]interface{}(it), stream, view))
		if err != nil {
			return nil, err
		}

		// Sequences split element-wise, strings split on the
		// delimiter, null skips the item, anything else is a single
		// element.
		var elements []interface{}
		switch v := val.(type) {
		case nil:
			continue
		case []interface{}:
			elements = v
		case string:
			for _, part := range strings.Split(v, n.delim) {
				elements = append(elements, strings.TrimSpace(part))
			}
		default:
			elements = []interface{}{v}
		}

		for _, elem := range elements {
			copied := items.DeepCopyItem(it)
			copied[n.dest] = items.DeepCopyValue(elem)
			out = append(out, copied)
		}
	}

	res := items.NewResult(out)
	res.AddLog("split %s: %d -> %d items", n.at, len(in), len(out))
	return res, nil
}

func scopeStream(in []items.Item) []interface{} {
	out := make([]interface{}, len(in))
	for i, it := range in {
		out[i] = map[string]interface{}(it)
	}
	return out
}

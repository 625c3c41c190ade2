package node

import (
	"context"
	"sort"

	"github.com/lyzr/storyflow/common/fault"
	"github.com/lyzr/storyflow/common/items"
)

// readStateNode copies prompt-view values into each item
type readStateNode struct {
	mapping map[string]string // state key -> item field
	into    string            // when set, nest the copies under this field
}

// NewReadState builds a ReadState node. Accepts either params.keys
// (same name on the item) or params.map (source -> dest). With
// params.into the copied record lands under a single field instead
// of merging into the item top-level.
func NewReadState(params map[string]interface{}) (Node, error) {
	into := paramString(params, "into", "")
	if m, ok := paramStringMap(params, "map"); ok && len(m) > 0 {
		return &readStateNode{mapping: m, into: into}, nil
	}
	if keys, ok := paramStringSlice(params, "keys"); ok && len(keys) > 0 {
		m := make(map[string]string, len(keys))
		for _, k := range keys {
			m[k] = k
		}
		return &readStateNode{mapping: m, into: into}, nil
	}
	return nil, fault.New(fault.KindSchema, "ReadState: params.keys or params.map is required")
}

func (n *readStateNode) Run(_ context.Context, in []items.Item, nc *Context) (*items.NodeResult, error) {
	view := nc.PromptState()

	out := make([]items.Item, len(in))
	for i, it := range in {
		copied := items.DeepCopyItem(it)
		dest := map[string]interface{}(copied)
		if n.into != "" {
			dest = map[string]interface{}{}
			copied[n.into] = dest
		}
		for _, source := range sortedKeys(n.mapping) {
			if v, ok := view[source]; ok {
				dest[n.mapping[source]] = items.DeepCopyValue(v)
			}
		}
		out[i] = copied
	}

	res := items.NewResult(out)
	res.AddLog("read_state: %d keys -> %d items", len(n.mapping), len(out))
	return res, nil
}

// writeStateNode moves item fields into state synchronously
type writeStateNode struct {
	fromItemMap map[string]string // item field -> state key
	perItem     bool
}

// NewWriteState builds a WriteState node
func NewWriteState(params map[string]interface{}) (Node, error) {
	m, ok := paramStringMap(params, "from_item_map")
	if !ok || len(m) == 0 {
		return nil, fault.New(fault.KindSchema, "WriteState: params.from_item_map is required")
	}
	return &writeStateNode{
		fromItemMap: m,
		perItem:     paramBool(params, "per_item", false),
	}, nil
}

func (n *writeStateNode) Run(ctx context.Context, in []items.Item, nc *Context) (*items.NodeResult, error) {
	if nc.State == nil {
		return nil, fault.New(fault.KindInternal, "no state bound")
	}

	written := 0
	if len(in) > 0 {
		sources := in[:1]
		if n.perItem {
			sources = in
		}
		for _, it := range sources {
			updates := map[string]interface{}{}
			for _, field := range sortedKeys(n.fromItemMap) {
				if v, ok := it[field]; ok {
					updates[n.fromItemMap[field]] = v
				}
			}
			if len(updates) == 0 {
				continue
			}
			if err := nc.State.UpdateSync(ctx, updates); err != nil {
				return nil, err
			}
			written += len(updates)
		}
	}

	res := items.NewResult(items.DeepCopy(in))
	res.AddLog("write_state: %d keys", written)
	res.SetMetric("state_keys_written", float64(written))
	return res, nil
}

// incrementCounterNode bumps a numeric state key, creating it at zero
type incrementCounterNode struct {
	field string
	step  float64
}

// NewIncrementCounter builds an IncrementCounter node
func NewIncrementCounter(params map[string]interface{}) (Node, error) {
	field, err := requireParamString(params, "IncrementCounter", "field")
	if err != nil {
		return nil, err
	}

	step := 1.0
	if raw, ok := params["step"]; ok {
		n, numeric := items.Number(raw)
		if !numeric {
			return nil, fault.New(fault.KindSchema, "IncrementCounter: params.step must be numeric")
		}
		step = n
	}
	return &incrementCounterNode{field: field, step: step}, nil
}

func (n *incrementCounterNode) Run(ctx context.Context, in []items.Item, nc *Context) (*items.NodeResult, error) {
	if nc.State == nil {
		return nil, fault.New(fault.KindInternal, "no state bound")
	}

	base := 0.0
	if current, ok := nc.State.Read(n.field); ok {
		num, numeric := items.Number(current)
		if !numeric {
			return nil, fault.New(fault.KindStateConflict, "counter %q holds a non-numeric value", n.field)
		}
		base = num
	}

	next := base + n.step
	if err := nc.State.UpdateSync(ctx, map[string]interface{}{n.field: next}); err != nil {
		return nil, err
	}

	res := items.NewResult(items.DeepCopy(in))
	res.AddLog("increment %s: %v -> %v", n.field, base, next)
	return res, nil
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

package engine

import (
	"github.com/lyzr/storyflow/common/ir"
	"github.com/lyzr/storyflow/common/items"
	"github.com/lyzr/storyflow/common/node"
	"github.com/lyzr/storyflow/common/state"
)

// buildSubflowInput maps each parent item into a child item. Without
// share_items the child sees only the mapped fields; with it, a full
// copy plus the mapped renames.
func buildSubflowInput(in []items.Item, spec *ir.SubflowSpec) []items.Item {
	out := make([]items.Item, len(in))
	for i, parent := range in {
		var childItem items.Item
		if spec.ShareItems {
			childItem = items.DeepCopyItem(parent)
		} else {
			childItem = items.Item{}
		}
		for source, dest := range spec.InputMap {
			if v, ok := parent[source]; ok {
				childItem[dest] = items.DeepCopyValue(v)
			}
		}
		out[i] = childItem
	}
	return out
}

// applySubflowOutput merges named child fields back onto parent items,
// index-aligned. Surplus child items come back as fresh projections;
// with no output_map the parent stream passes through untouched.
func applySubflowOutput(parents, children []items.Item, spec *ir.SubflowSpec) []items.Item {
	if len(spec.OutputMap) == 0 {
		return items.DeepCopy(parents)
	}

	out := make([]items.Item, 0, len(parents))
	for i, parent := range parents {
		merged := items.DeepCopyItem(parent)
		if i < len(children) {
			for childField, parentField := range spec.OutputMap {
				if v, ok := children[i][childField]; ok {
					merged[parentField] = items.DeepCopyValue(v)
				}
			}
		}
		out = append(out, merged)
	}

	for i := len(parents); i < len(children); i++ {
		extra := items.Item{}
		for childField, parentField := range spec.OutputMap {
			if v, ok := children[i][childField]; ok {
				extra[parentField] = items.DeepCopyValue(v)
			}
		}
		if len(extra) > 0 {
			out = append(out, extra)
		}
	}
	return out
}

// scratchFrom builds a throwaway manager seeded with the parent's
// working state.
func scratchFrom(nc *node.Context) *state.Manager {
	if nc.State == nil {
		return state.Scratch(nil)
	}
	return state.Scratch(nc.State.GetWorking())
}

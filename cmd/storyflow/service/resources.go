package service

import (
	"encoding/json"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/lyzr/storyflow/common/fault"
	"github.com/lyzr/storyflow/common/items"
	"github.com/lyzr/storyflow/common/llm"
	"github.com/lyzr/storyflow/common/node"
	"github.com/lyzr/storyflow/common/story"
)

// composeInitialState builds the opening LSS for a new session or a
// scratch run. With useWorld the caller-provided state is merge-patched
// (RFC 7386) over the built-in world defaults; without it the provided
// state alone is used.
func composeInitialState(useWorld bool, initial map[string]interface{}) (map[string]interface{}, error) {
	if !useWorld {
		out := make(map[string]interface{}, len(initial))
		for k, v := range initial {
			out[k] = items.DeepCopyValue(v)
		}
		return out, nil
	}

	base := story.WorldDefaults()
	if len(initial) == 0 {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err)
	}
	patchJSON, err := json.Marshal(initial)
	if err != nil {
		return nil, fault.New(fault.KindSchema, "initial_state is not a JSON object: %v", err)
	}
	mergedJSON, err := jsonpatch.MergePatch(baseJSON, patchJSON)
	if err != nil {
		return nil, fault.New(fault.KindSchema, "merging initial_state: %v", err)
	}

	var merged map[string]interface{}
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, fault.Wrap(fault.KindInternal, err)
	}
	return merged, nil
}

// resolveResources applies request-level resource overrides to the
// service defaults. Only the llm slot may be overridden, and only to a
// named selector; anything else is a schema error.
func resolveResources(base *node.Resources, overrides map[string]interface{}) (*node.Resources, error) {
	if len(overrides) == 0 {
		return base, nil
	}

	out := *base
	for k, v := range overrides {
		if k != "llm" {
			return nil, fault.New(fault.KindSchema, "unknown resource key %q", k)
		}
		name, ok := v.(string)
		if !ok {
			return nil, fault.New(fault.KindSchema, "resource llm must be a string selector")
		}
		switch name {
		case "mock":
			out.LLM = llm.NewMockClient()
		case "", "default":
			// keep the configured adapter
		default:
			return nil, fault.New(fault.KindSchema, "unknown llm resource %q", name)
		}
	}
	return &out, nil
}

// replyFrom extracts the player-visible reply from a run's output: the
// first item's llm_response, falling back to narrative.
func replyFrom(its []items.Item) string {
	if len(its) == 0 {
		return ""
	}
	first := its[0]
	if s, ok := first["llm_response"].(string); ok && s != "" {
		return s
	}
	if s, ok := first["narrative"].(string); ok && s != "" {
		return s
	}
	return ""
}

func boolValue(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

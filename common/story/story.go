package story

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/lyzr/storyflow/common/items"
	"github.com/lyzr/storyflow/common/llm"
	"github.com/lyzr/storyflow/common/node"
)

// WorldDefaults is the built-in opening state for new adventures
func WorldDefaults() map[string]interface{} {
	return map[string]interface{}{
		"location":         "The Crossroads Inn",
		"turn_count":       0,
		"protagonist_mood": "curious",
	}
}

// Funcs returns the whitelisted code functions the bundled flows call
func Funcs() map[string]node.CodeFunc {
	return map[string]node.CodeFunc{
		"build_prompt":          BuildPrompt,
		"build_status_prompt":   BuildStatusPrompt,
		"build_guidance_prompt": BuildGuidancePrompt,
		"extract_status":        ExtractStatus,
	}
}

const narratorInstruction = "You narrate an interactive fiction adventure. " +
	"Continue the story in second person, a few paragraphs at most, and end " +
	"at a point where the player can act."

const analystInstruction = "You are the story analyst. Read the latest " +
	"narration and reply with a JSON object of updated state fields, for " +
	"example {\"narrative_status\": \"...\", \"protagonist_mood\": \"...\"}. " +
	"Reply with JSON only."

// BuildPrompt assembles the narrator transcript for a story turn from the
// prompt state view and the player's input.
func BuildPrompt(_ context.Context, in []items.Item, nc *node.Context) ([]items.Item, error) {
	system := narratorInstruction + "\n\n" + stateSystemPrompt(nc.PromptState())

	out := make([]items.Item, 0, len(in))
	for _, it := range in {
		msgs := []llm.Message{{Role: llm.RoleSystem, Content: system}}
		if input := textField(it, "user_input"); input != "" {
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: input})
		}
		copied := items.DeepCopyItem(it)
		copied["messages"] = msgs
		out = append(out, copied)
	}
	return out, nil
}

// BuildStatusPrompt assembles the analyst transcript that asks for state
// updates after a narration.
func BuildStatusPrompt(_ context.Context, in []items.Item, nc *node.Context) ([]items.Item, error) {
	system := stateSystemPrompt(nc.PromptState()) + "\n\n" + analystInstruction

	out := make([]items.Item, 0, len(in))
	for _, it := range in {
		msgs := []llm.Message{{Role: llm.RoleSystem, Content: system}}
		if text := textField(it, "text", "llm_reply", "llm_response", "narrative"); text != "" {
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: text})
		}
		copied := items.DeepCopyItem(it)
		copied["messages"] = msgs
		out = append(out, copied)
	}
	return out, nil
}

// BuildGuidancePrompt assembles the transcript for behind-the-scenes
// guidance generation (non-blocking).
func BuildGuidancePrompt(_ context.Context, in []items.Item, nc *node.Context) ([]items.Item, error) {
	view := nc.PromptState()
	systemLines := []string{"[guidance_context]"}
	for _, k := range []string{"location", "protagonist_mood", "turn_count"} {
		if v, ok := view[k]; ok {
			systemLines = append(systemLines, fmt.Sprintf("%s=%v", k, v))
		}
	}
	system := strings.Join(systemLines, "\n")

	out := make([]items.Item, 0, len(in))
	for _, it := range in {
		msgs := []llm.Message{{Role: llm.RoleSystem, Content: system}}
		if recent := textField(it, "narrative", "text", "llm_reply", "llm_response"); recent != "" {
			msgs = append(msgs, llm.Message{
				Role:    llm.RoleUser,
				Content: "Based on the recent narrative, write brief behind-the-scenes guidance for the next turn:\n" + recent,
			})
		} else {
			msgs = append(msgs, llm.Message{
				Role:    llm.RoleUser,
				Content: "Write brief behind-the-scenes guidance for the next story turn.",
			})
		}
		copied := items.DeepCopyItem(it)
		copied["messages"] = msgs
		out = append(out, copied)
	}
	return out, nil
}

// ExtractStatus parses the analyst reply into a state_updates record,
// tolerating fenced or prose-wrapped JSON.
func ExtractStatus(_ context.Context, in []items.Item, nc *node.Context) ([]items.Item, error) {
	out := make([]items.Item, 0, len(in))
	for _, it := range in {
		text := textField(it, "llm_response", "text")
		copied := items.DeepCopyItem(it)
		copied["state_updates"] = parseStatusReply(text)
		out = append(out, copied)
	}
	return out, nil
}

// stateSystemPrompt renders the prompt state view the way prompts embed
// it: sorted k=v lines under a [world_state] header.
func stateSystemPrompt(view map[string]interface{}) string {
	keys := make([]string, 0, len(view))
	for k := range view {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if len(keys) == 0 {
		return "[world_state]\n(empty)"
	}
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s=%v", k, view[k]))
	}
	return "[world_state]\n" + strings.Join(lines, "\n")
}

func parseStatusReply(text string) map[string]interface{} {
	raw := stripFence(strings.TrimSpace(text))
	if raw == "" {
		return map[string]interface{}{}
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &parsed); err == nil && len(parsed) > 0 {
		return parsed
	}

	// Analysts wrap JSON in prose often enough to be worth a salvage pass.
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			if err := json.Unmarshal([]byte(raw[start:end+1]), &parsed); err == nil && len(parsed) > 0 {
				return parsed
			}
		}
	}

	// Unparseable replies still land as a status line.
	return map[string]interface{}{"narrative_status": raw}
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.Index(s, "\n"); i >= 0 {
		// Drop the language tag line.
		s = s[i+1:]
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// textField returns the first non-empty of the named fields, stringified
func textField(it items.Item, keys ...string) string {
	for _, k := range keys {
		v, ok := it[k]
		if !ok || v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			if s != "" {
				return s
			}
			continue
		}
		return fmt.Sprintf("%v", v)
	}
	return ""
}

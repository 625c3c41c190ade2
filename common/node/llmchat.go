package node

import (
	"context"

	"github.com/lyzr/storyflow/common/fault"
	"github.com/lyzr/storyflow/common/items"
	"github.com/lyzr/storyflow/common/llm"
)

// llmChatNode sends each item's transcript to the adapter and writes
// the reply back onto the item.
type llmChatNode struct {
	model         string
	messagesFrom  string
	responseField string
}

// NewLLMChat builds an LLMChat node
func NewLLMChat(params map[string]interface{}) (Node, error) {
	model, err := requireParamString(params, "LLMChat", "model")
	if err != nil {
		return nil, err
	}
	return &llmChatNode{
		model:         model,
		messagesFrom:  paramString(params, "messages_from", "messages"),
		responseField: paramString(params, "response_field", "llm_response"),
	}, nil
}

func (n *llmChatNode) Run(ctx context.Context, in []items.Item, nc *Context) (*items.NodeResult, error) {
	if nc.Resources == nil || nc.Resources.LLM == nil {
		return nil, fault.New(fault.KindAdapterUnavail, "no llm adapter bound")
	}

	res := items.NewResult(nil)
	out := make([]items.Item, 0, len(in))
	var calls, promptTokens, completionTokens float64

	for i, it := range in {
		msgs, err := transcriptFrom(it, n.messagesFrom, i)
		if err != nil {
			return nil, err
		}

		calls++
		reply, err := nc.Resources.LLM.Chat(ctx, n.model, msgs)
		if err != nil {
			if llm.IsUnavailable(err) && nc.Resources.AllowMockLLM {
				copied := items.DeepCopyItem(it)
				copied[n.responseField] = llm.MockReplyText(n.model, msgs)
				out = append(out, copied)
				res.AddLog("llm %s: adapter unavailable, mock reply used (%v)", n.model, err)
				continue
			}
			return nil, llm.ToFault(err)
		}

		copied := items.DeepCopyItem(it)
		copied[n.responseField] = reply.Text
		out = append(out, copied)
		if reply.Usage != nil {
			promptTokens += float64(reply.Usage.PromptTokens)
			completionTokens += float64(reply.Usage.CompletionTokens)
		}
		res.AddLog("llm %s: reply %d chars", n.model, len(reply.Text))
	}

	res.Items = out
	res.SetMetric("llm_calls", calls)
	if promptTokens > 0 {
		res.SetMetric("prompt_tokens", promptTokens)
	}
	if completionTokens > 0 {
		res.SetMetric("completion_tokens", completionTokens)
	}
	return res, nil
}

// transcriptFrom reads the messages sequence off an item. An item
// without a usable transcript fails the node.
func transcriptFrom(it items.Item, field string, index int) ([]llm.Message, error) {
	raw, ok := it[field]
	if !ok {
		return nil, fault.New(fault.KindSchema, "item %d has no %q field", index, field)
	}

	switch seq := raw.(type) {
	case []llm.Message:
		return seq, nil
	case []interface{}:
		msgs := make([]llm.Message, 0, len(seq))
		for _, entry := range seq {
			rec, ok := entry.(map[string]interface{})
			if !ok {
				return nil, fault.New(fault.KindSchema, "item %d: %q entries must be records", index, field)
			}
			role, _ := rec["role"].(string)
			content, _ := rec["content"].(string)
			if role == "" {
				return nil, fault.New(fault.KindSchema, "item %d: %q entry has no role", index, field)
			}
			msgs = append(msgs, llm.Message{Role: role, Content: content})
		}
		if len(msgs) == 0 {
			return nil, fault.New(fault.KindSchema, "item %d: %q is empty", index, field)
		}
		return msgs, nil
	default:
		return nil, fault.New(fault.KindSchema, "item %d: %q is not a sequence", index, field)
	}
}

package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lyzr/storyflow/common/fault"
)

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a chat transcript
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage holds token accounting when the provider reports it
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Reply is a successful adapter response
type Reply struct {
	Text  string                 `json:"text"`
	Usage *Usage                 `json:"usage,omitempty"`
	Raw   map[string]interface{} `json:"raw,omitempty"`
}

// Client is the adapter contract nodes call through
type Client interface {
	Chat(ctx context.Context, modelAlias string, msgs []Message) (*Reply, error)
}

// Adapter error kinds
const (
	ErrKindTimeout     = "timeout"
	ErrKindUnavailable = "unavailable"
	ErrKindProtocol    = "protocol"
	ErrKindAuth        = "auth"
)

// Error is the adapter-level failure contract
type Error struct {
	Kind    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("llm %s: %s", e.Kind, e.Message)
}

func newError(kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// IsUnavailable reports whether the failure permits a mock substitute:
// the adapter is unreachable or its credentials are rejected.
func IsUnavailable(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == ErrKindUnavailable || ae.Kind == ErrKindAuth
	}
	return false
}

// ToFault maps an adapter error onto engine fault kinds. Auth failures
// count as unavailable: the adapter cannot serve with bad credentials.
func ToFault(err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if !errors.As(err, &ae) {
		return fault.Wrap(fault.KindInternal, err)
	}
	switch ae.Kind {
	case ErrKindTimeout:
		return fault.Wrap(fault.KindAdapterTimeout, err)
	case ErrKindUnavailable, ErrKindAuth:
		return fault.Wrap(fault.KindAdapterUnavail, err)
	default:
		return fault.Wrap(fault.KindAdapterProtocol, err)
	}
}

// MockReplyText produces the deterministic stand-in reply used when the
// adapter is unavailable and mock substitution is allowed.
func MockReplyText(model string, msgs []Message) string {
	last := ""
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			last = msgs[i].Content
			break
		}
	}
	last = strings.TrimSpace(last)
	if len(last) > 80 {
		last = last[:80] + "..."
	}
	if last == "" {
		return fmt.Sprintf("[mock:%s] The story continues.", model)
	}
	return fmt.Sprintf("[mock:%s] You said: %q. The story continues.", model, last)
}

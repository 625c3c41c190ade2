package llm

import (
	"context"
	"sync"
)

// MockCall captures one Chat invocation for assertions
type MockCall struct {
	Model    string
	Messages []Message
}

// MockClient is a deterministic in-memory adapter for tests and for
// requests that ask for the mock resource explicitly. Replies are
// returned in order; after they run out the last one repeats.
type MockClient struct {
	mu      sync.Mutex
	Replies []string
	Err     error
	calls   []MockCall
	next    int
}

// NewMockClient creates a mock returning the given replies in order
func NewMockClient(replies ...string) *MockClient {
	return &MockClient{Replies: replies}
}

// Chat records the call and returns the next canned reply
func (m *MockClient) Chat(_ context.Context, modelAlias string, msgs []Message) (*Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make([]Message, len(msgs))
	copy(copied, msgs)
	m.calls = append(m.calls, MockCall{Model: modelAlias, Messages: copied})

	if m.Err != nil {
		return nil, m.Err
	}

	if len(m.Replies) == 0 {
		return &Reply{Text: MockReplyText(modelAlias, msgs)}, nil
	}

	i := m.next
	if i >= len(m.Replies) {
		i = len(m.Replies) - 1
	} else {
		m.next++
	}
	return &Reply{Text: m.Replies[i]}, nil
}

// Calls returns the captured invocations
func (m *MockClient) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

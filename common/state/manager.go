package state

import (
	"context"
	"sort"
	"sync"

	"github.com/lyzr/storyflow/common/items"
)

// CommitFunc persists a new LSS and returns its revision. A nil commit
// makes the manager scratch: mutations stay in memory.
type CommitFunc func(ctx context.Context, lss map[string]interface{}) (int64, error)

// Manager owns the dual state view for one session: LSS (last stable
// state), a Working copy, and the set of keys currently being refreshed
// asynchronously. All mutations are serialized by the manager's lock
// and callers only ever see deep copies.
type Manager struct {
	mu      sync.Mutex
	lss     map[string]interface{}
	working map[string]interface{}
	pending map[string]bool
	rev     int64
	commit  CommitFunc
}

// NewManager creates a manager whose Working starts as a deep copy of
// the initial LSS and whose pending set is empty.
func NewManager(initial map[string]interface{}, rev int64, commit CommitFunc) *Manager {
	lss := deepCopyMap(initial)
	if lss == nil {
		lss = map[string]interface{}{}
	}
	return &Manager{
		lss:     lss,
		working: deepCopyMap(lss),
		pending: map[string]bool{},
		rev:     rev,
		commit:  commit,
	}
}

// Scratch creates an uncommitted manager, used for rerolls and for
// subflows that opt out of shared state.
func Scratch(initial map[string]interface{}) *Manager {
	return NewManager(initial, 0, nil)
}

// GetWorking returns a deep copy of the Working record.
func (m *Manager) GetWorking() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return deepCopyMap(m.working)
}

// Read returns Working's value for key.
func (m *Manager) Read(key string) (interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.working[key]
	if !ok {
		return nil, false
	}
	return items.DeepCopyValue(v), true
}

// GetForPrompt returns the prompt view: Working, except that every
// pending key falls back to its last stable value. A pending key with
// no stable value is omitted entirely.
func (m *Manager) GetForPrompt() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]interface{}, len(m.working))
	for k, v := range m.working {
		if m.pending[k] {
			continue
		}
		out[k] = items.DeepCopyValue(v)
	}
	for k := range m.pending {
		if stable, ok := m.lss[k]; ok {
			out[k] = items.DeepCopyValue(stable)
		}
	}
	return out
}

// UpdateSync applies updates to both LSS and Working atomically and
// persists the new LSS. Pending keys are untouched.
func (m *Manager) UpdateSync(ctx context.Context, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	newLSS := applyUpdates(m.lss, updates)
	rev, err := m.persist(ctx, newLSS)
	if err != nil {
		return err
	}

	m.lss = newLSS
	m.working = applyUpdates(m.working, updates)
	m.rev = rev
	return nil
}

// StartAsync marks keys as pending. Marking an already-pending key is
// a no-op.
func (m *Manager) StartAsync(keys []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		m.pending[k] = true
	}
}

// CompleteAsync atomically writes updates to LSS and Working, persists,
// and clears the updated keys from pending.
func (m *Manager) CompleteAsync(ctx context.Context, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	newLSS := applyUpdates(m.lss, updates)
	rev, err := m.persist(ctx, newLSS)
	if err != nil {
		return err
	}

	m.lss = newLSS
	m.working = applyUpdates(m.working, updates)
	for k := range updates {
		delete(m.pending, k)
	}
	m.rev = rev
	return nil
}

// AbsorbCommit folds in updates that were already persisted through
// the store (job completion writes the document directly): both copies
// advance, the updated keys stop being pending, and the revision moves
// forward without a second commit.
func (m *Manager) AbsorbCommit(updates map[string]interface{}, rev int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(updates) > 0 {
		m.lss = applyUpdates(m.lss, updates)
		m.working = applyUpdates(m.working, updates)
		for k := range updates {
			delete(m.pending, k)
		}
	}
	if rev > m.rev {
		m.rev = rev
	}
}

// ClearPending drops keys from the pending set without writing. Used
// when an async refresh fails terminally, so prompts stop falling back
// to a stale value that will never be replaced.
func (m *Manager) ClearPending(keys []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.pending, k)
	}
}

// Pending returns the pending keys, sorted.
func (m *Manager) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.pending))
	for k := range m.pending {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Rev reports the last persisted revision.
func (m *Manager) Rev() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rev
}

// persist runs under m.mu
func (m *Manager) persist(ctx context.Context, lss map[string]interface{}) (int64, error) {
	if m.commit == nil {
		return m.rev, nil
	}
	return m.commit(ctx, deepCopyMap(lss))
}

func applyUpdates(base, updates map[string]interface{}) map[string]interface{} {
	out := deepCopyMap(base)
	for k, v := range updates {
		out[k] = items.DeepCopyValue(v)
	}
	return out
}

func deepCopyMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = items.DeepCopyValue(v)
	}
	return out
}

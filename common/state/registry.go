package state

import (
	"context"
	"sync"
)

// Store is the slice of session storage the registry needs: read the
// stable state with its revision, and replace it.
type Store interface {
	LoadState(ctx context.Context, sessionID string) (map[string]interface{}, int64, error)
	SaveState(ctx context.Context, sessionID string, lss map[string]interface{}) (int64, error)
}

// Registry hands out one Manager per session and keeps them fresh
// against the store. When another process advances a session's state
// revision, the cached manager is rebuilt from storage on next acquire.
type Registry struct {
	mu       sync.Mutex
	managers map[string]*Manager
	store    Store
}

// NewRegistry creates a registry backed by the given store.
func NewRegistry(store Store) *Registry {
	return &Registry{
		managers: make(map[string]*Manager),
		store:    store,
	}
}

// Acquire returns the session's manager, building or rebuilding it
// from the store when missing or stale.
func (r *Registry) Acquire(ctx context.Context, sessionID string) (*Manager, error) {
	lss, rev, err := r.store.LoadState(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if mgr, ok := r.managers[sessionID]; ok && mgr.Rev() >= rev {
		return mgr, nil
	}

	mgr := NewManager(lss, rev, func(ctx context.Context, newLSS map[string]interface{}) (int64, error) {
		return r.store.SaveState(ctx, sessionID, newLSS)
	})
	r.managers[sessionID] = mgr
	return mgr, nil
}

// AbsorbCommit forwards an externally persisted write to the session's
// cached manager, if any. Sessions without a live manager pick the
// change up on next acquire via the revision check.
func (r *Registry) AbsorbCommit(sessionID string, updates map[string]interface{}, rev int64) {
	r.mu.Lock()
	mgr, ok := r.managers[sessionID]
	r.mu.Unlock()
	if ok {
		mgr.AbsorbCommit(updates, rev)
	}
}

// ClearPending drops pending markers on the session's cached manager,
// if any.
func (r *Registry) ClearPending(sessionID string, keys []string) {
	r.mu.Lock()
	mgr, ok := r.managers[sessionID]
	r.mu.Unlock()
	if ok {
		mgr.ClearPending(keys)
	}
}

// Invalidate drops the cached manager so the next acquire rebuilds
// from storage. Called after snapshot restores.
func (r *Registry) Invalidate(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.managers, sessionID)
}

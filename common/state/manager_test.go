package state

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManagerCopiesInitial(t *testing.T) {
	initial := map[string]interface{}{"location": "inn", "bag": []interface{}{"rope"}}
	m := NewManager(initial, 0, nil)

	initial["location"] = "cave"
	initial["bag"].([]interface{})[0] = "torch"

	w := m.GetWorking()
	assert.Equal(t, "inn", w["location"])
	assert.Equal(t, "rope", w["bag"].([]interface{})[0])
}

func TestReadAndWorkingAreCopies(t *testing.T) {
	m := Scratch(map[string]interface{}{"stats": map[string]interface{}{"hp": 10}})

	v, ok := m.Read("stats")
	require.True(t, ok)
	v.(map[string]interface{})["hp"] = 1

	again, _ := m.Read("stats")
	assert.Equal(t, 10, again.(map[string]interface{})["hp"])

	_, ok = m.Read("missing")
	assert.False(t, ok)
}

func TestUpdateSync(t *testing.T) {
	m := Scratch(map[string]interface{}{"turn_count": 0})
	require.NoError(t, m.UpdateSync(context.Background(), map[string]interface{}{
		"turn_count": 1,
		"location":   "forest",
	}))

	w := m.GetWorking()
	assert.Equal(t, 1, w["turn_count"])
	assert.Equal(t, "forest", w["location"])

	// Sync writes land in the prompt view too
	p := m.GetForPrompt()
	assert.Equal(t, 1, p["turn_count"])
}

func TestPromptViewFallsBackToStable(t *testing.T) {
	m := Scratch(map[string]interface{}{"narrative_status": "calm", "location": "inn"})

	// A sync write moves Working and LSS together
	require.NoError(t, m.UpdateSync(context.Background(), map[string]interface{}{"narrative_status": "tense"}))

	m.StartAsync([]string{"narrative_status"})

	p := m.GetForPrompt()
	assert.Equal(t, "tense", p["narrative_status"], "pending key reads last stable value")
	assert.Equal(t, "inn", p["location"])

	require.NoError(t, m.CompleteAsync(context.Background(), map[string]interface{}{"narrative_status": "dire"}))

	p = m.GetForPrompt()
	assert.Equal(t, "dire", p["narrative_status"])
	assert.Empty(t, m.Pending())
}

func TestPromptViewOmitsPendingKeyMissingFromStable(t *testing.T) {
	m := Scratch(nil)
	m.StartAsync([]string{"guidance"})

	// Working picks up a value while the key is still pending
	// (async completion is what normally writes it)
	p := m.GetForPrompt()
	_, present := p["guidance"]
	assert.False(t, present, "pending key with no stable value is omitted")
}

func TestStartAsyncIdempotent(t *testing.T) {
	m := Scratch(nil)
	m.StartAsync([]string{"a", "b"})
	m.StartAsync([]string{"b"})
	assert.Equal(t, []string{"a", "b"}, m.Pending())
}

func TestClearPending(t *testing.T) {
	m := Scratch(map[string]interface{}{"a": 1})
	m.StartAsync([]string{"a", "b"})
	m.ClearPending([]string{"b"})
	assert.Equal(t, []string{"a"}, m.Pending())
}

func TestCommitFailureLeavesStateUntouched(t *testing.T) {
	boom := errors.New("disk full")
	m := NewManager(map[string]interface{}{"k": "old"}, 3, func(ctx context.Context, lss map[string]interface{}) (int64, error) {
		return 0, boom
	})

	err := m.UpdateSync(context.Background(), map[string]interface{}{"k": "new"})
	require.ErrorIs(t, err, boom)

	w := m.GetWorking()
	assert.Equal(t, "old", w["k"])
	assert.Equal(t, int64(3), m.Rev())
}

func TestCommitAdvancesRev(t *testing.T) {
	var rev int64
	m := NewManager(nil, 0, func(ctx context.Context, lss map[string]interface{}) (int64, error) {
		rev++
		return rev, nil
	})

	require.NoError(t, m.UpdateSync(context.Background(), map[string]interface{}{"a": 1}))
	require.NoError(t, m.CompleteAsync(context.Background(), map[string]interface{}{"b": 2}))
	assert.Equal(t, int64(2), m.Rev())
}

func TestEmptyUpdateIsNoop(t *testing.T) {
	calls := 0
	m := NewManager(nil, 0, func(ctx context.Context, lss map[string]interface{}) (int64, error) {
		calls++
		return 1, nil
	})

	require.NoError(t, m.UpdateSync(context.Background(), nil))
	require.NoError(t, m.CompleteAsync(context.Background(), map[string]interface{}{}))
	assert.Equal(t, 0, calls)
}

// memStore is a Store stub tracking revisions like the session store does
type memStore struct {
	lss map[string]map[string]interface{}
	rev map[string]int64
}

func newMemStore() *memStore {
	return &memStore{
		lss: map[string]map[string]interface{}{},
		rev: map[string]int64{},
	}
}

func (s *memStore) LoadState(_ context.Context, id string) (map[string]interface{}, int64, error) {
	return s.lss[id], s.rev[id], nil
}

func (s *memStore) SaveState(_ context.Context, id string, lss map[string]interface{}) (int64, error) {
	s.lss[id] = lss
	s.rev[id]++
	return s.rev[id], nil
}

func TestRegistryAcquireCachesManager(t *testing.T) {
	st := newMemStore()
	st.lss["s1"] = map[string]interface{}{"location": "inn"}
	r := NewRegistry(st)

	m1, err := r.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	m2, err := r.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	assert.Same(t, m1, m2)
}

func TestRegistryRebuildsWhenStale(t *testing.T) {
	st := newMemStore()
	st.lss["s1"] = map[string]interface{}{"location": "inn"}
	r := NewRegistry(st)

	m1, err := r.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	m1.StartAsync([]string{"narrative_status"})

	// Another process advances the stored state
	_, err = st.SaveState(context.Background(), "s1", map[string]interface{}{"location": "cave"})
	require.NoError(t, err)

	m2, err := r.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	assert.NotSame(t, m1, m2, "stale manager must be rebuilt")
	assert.Equal(t, "cave", m2.GetWorking()["location"])
	assert.Empty(t, m2.Pending())
}

func TestRegistryManagerCommitsThroughStore(t *testing.T) {
	st := newMemStore()
	r := NewRegistry(st)

	m, err := r.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	require.NoError(t, m.UpdateSync(context.Background(), map[string]interface{}{"turn_count": 1}))

	assert.Equal(t, int64(1), st.rev["s1"])
	assert.Equal(t, 1, st.lss["s1"]["turn_count"])

	// Same-process manager stays cached because its rev kept pace
	m2, err := r.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	assert.Same(t, m, m2)
}

func TestRegistryInvalidate(t *testing.T) {
	st := newMemStore()
	r := NewRegistry(st)

	m1, err := r.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	r.Invalidate("s1")

	m2, err := r.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	assert.NotSame(t, m1, m2)
}

func TestAbsorbCommit(t *testing.T) {
	m := NewManager(map[string]interface{}{"narrative_status": "calm"}, 1, nil)
	m.StartAsync([]string{"narrative_status", "guidance"})

	// A job completion already wrote the store; fold it in locally
	m.AbsorbCommit(map[string]interface{}{"narrative_status": "tense"}, 2)

	assert.Equal(t, "tense", m.GetWorking()["narrative_status"])
	assert.Equal(t, "tense", m.GetForPrompt()["narrative_status"])
	assert.Equal(t, []string{"guidance"}, m.Pending())
	assert.Equal(t, int64(2), m.Rev())

	// Stale revisions never move the manager backwards
	m.AbsorbCommit(map[string]interface{}{"guidance": "go north"}, 1)
	assert.Equal(t, int64(2), m.Rev())
	assert.Equal(t, "go north", m.GetWorking()["guidance"])
	assert.Empty(t, m.Pending())
}

func TestRegistryAbsorbCommitKeepsManagerFresh(t *testing.T) {
	st := newMemStore()
	r := NewRegistry(st)

	m1, err := r.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	m1.StartAsync([]string{"narrative_status"})

	// The worker path persists through the store, then notifies
	rev, err := st.SaveState(context.Background(), "s1", map[string]interface{}{"narrative_status": "grim"})
	require.NoError(t, err)
	r.AbsorbCommit("s1", map[string]interface{}{"narrative_status": "grim"}, rev)

	// The cached manager kept pace, so acquire does not rebuild it
	m2, err := r.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	assert.Same(t, m1, m2)
	assert.Equal(t, "grim", m2.GetWorking()["narrative_status"])
	assert.Empty(t, m2.Pending())

	// Unknown sessions are a no-op
	r.AbsorbCommit("ghost", map[string]interface{}{"k": "v"}, 5)
}

func TestRegistryClearPending(t *testing.T) {
	st := newMemStore()
	r := NewRegistry(st)

	m, err := r.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	m.StartAsync([]string{"guidance"})

	r.ClearPending("s1", []string{"guidance"})
	assert.Empty(t, m.Pending())

	r.ClearPending("ghost", []string{"guidance"})
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lyzr/storyflow/common/fault"
)

const sessionFile = "session.json"

// Logger interface for store logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// errUnchanged signals a mutation that resolved to a no-op; the
// document is not rewritten.
var errUnchanged = errors.New("unchanged")

// Store persists session documents, one directory per session with a
// single canonical JSON file. Writes are atomic (temp, fsync, rename)
// and serialized per session; loaded documents are cached and every
// value handed out is a detached copy.
type Store struct {
	dataDir            string
	failRoundOnBlocker bool
	logger             Logger

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	cacheMu sync.RWMutex
	cache   map[string]*Session
}

// New opens a store rooted at dataDir, creating it if needed, and runs
// crash recovery: jobs stuck in enqueued or running revert to pending
// for redelivery.
func New(dataDir string, failRoundOnBlockerFailure bool, log Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fault.Wrap(fault.KindInternal, err)
	}

	s := &Store{
		dataDir:            dataDir,
		failRoundOnBlocker: failRoundOnBlockerFailure,
		logger:             log,
		locks:              make(map[string]*sync.Mutex),
		cache:              make(map[string]*Session),
	}
	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

// recover scans every session and requeues in-flight jobs. Unreadable
// documents are logged and skipped so one corrupt file cannot take the
// service down.
func (s *Store) recover() error {
	ids, err := s.sessionIDs()
	if err != nil {
		return err
	}

	requeued := 0
	for _, id := range ids {
		_, err := s.mutate(context.Background(), id, func(sess *Session) error {
			changed := false
			for _, j := range sess.Jobs {
				if j.Status != JobEnqueued && j.Status != JobRunning {
					continue
				}
				j.Status = JobPending
				j.UpdatedAt = time.Now().UTC()
				if e, ok := sess.outboxEntry(j.ID); ok {
					e.Delivered = false
					e.EnqueuedAt = nil
				}
				requeued++
				changed = true
			}
			if !changed {
				return errUnchanged
			}
			return nil
		})
		if err != nil {
			s.logger.Error("recovery skipped session", "session_id", id, "error", err)
		}
	}

	if requeued > 0 {
		s.logger.Info("recovered in-flight jobs", "requeued", requeued, "sessions", len(ids))
	}
	return nil
}

// CreateSession creates a session with a default branch and an initial
// snapshot holding the starting state.
func (s *Store) CreateSession(ctx context.Context, initialState map[string]interface{}) (*Session, *Branch, error) {
	now := time.Now().UTC()
	branch := &Branch{ID: newID("br"), CreatedAt: now}
	lss := copyState(initialState)

	sess := &Session{
		ID:             newID("sess"),
		CreatedAt:      now,
		ActiveBranchID: branch.ID,
		Branches:       []*Branch{branch},
		Rounds:         []*Round{},
		Snapshots: []*Snapshot{{
			ID:             newID("snap"),
			BranchID:       branch.ID,
			TakenAtRoundNo: 0,
			LSSCopy:        copyState(lss),
			Range:          [2]int{0, turnCount(lss)},
		}},
		Jobs:     []*Job{},
		Outbox:   []*OutboxEntry{},
		LSS:      lss,
		StateRev: 1,
	}

	lock := s.lockFor(sess.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.save(sess); err != nil {
		return nil, nil, err
	}
	s.cachePut(sess)
	s.logger.Info("session created", "session_id", sess.ID, "branch_id", branch.ID)

	out, err := cloneSession(sess)
	if err != nil {
		return nil, nil, err
	}
	br, _ := out.Branch(branch.ID)
	return out, br, nil
}

// LoadSession returns a detached copy of the session document.
func (s *Store) LoadSession(ctx context.Context, sessionID string) (*Session, error) {
	doc, err := s.load(sessionID)
	if err != nil {
		return nil, err
	}
	return cloneSession(doc)
}

// ListSessions returns all session ids, sorted.
func (s *Store) ListSessions(ctx context.Context) ([]string, error) {
	return s.sessionIDs()
}

// Health verifies the data directory is still reachable
func (s *Store) Health(ctx context.Context) error {
	if _, err := os.Stat(s.dataDir); err != nil {
		return fault.Wrap(fault.KindInternal, err)
	}
	return nil
}

// DeleteSession removes the session directory and drops the cache
// entry.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if !validSessionID(sessionID) {
		return fault.New(fault.KindNotFound, "session %q not found", sessionID)
	}

	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	dir := filepath.Join(s.dataDir, sessionID)
	if _, err := os.Stat(filepath.Join(dir, sessionFile)); err != nil {
		return fault.New(fault.KindNotFound, "session %q not found", sessionID)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fault.Wrap(fault.KindInternal, err)
	}

	s.cacheMu.Lock()
	delete(s.cache, sessionID)
	s.cacheMu.Unlock()

	s.logger.Info("session deleted", "session_id", sessionID)
	return nil
}

// LoadState returns a copy of the session's LSS and its revision.
// Together with SaveState this is the state manager's commit surface.
func (s *Store) LoadState(ctx context.Context, sessionID string) (map[string]interface{}, int64, error) {
	// Cached documents are replaced wholesale on write, never mutated,
	// so reading off the snapshot needs no lock.
	doc, err := s.load(sessionID)
	if err != nil {
		return nil, 0, err
	}
	return copyState(doc.LSS), doc.StateRev, nil
}

// SaveState replaces the session's LSS and bumps the revision.
func (s *Store) SaveState(ctx context.Context, sessionID string, lss map[string]interface{}) (int64, error) {
	var rev int64
	_, err := s.mutate(ctx, sessionID, func(sess *Session) error {
		sess.LSS = copyState(lss)
		sess.StateRev++
		rev = sess.StateRev
		return nil
	})
	if err != nil {
		return 0, err
	}
	return rev, nil
}

// mutate runs fn against a working copy of the document under the
// session lock, persists it, then swaps the cache. A failed save
// leaves the cached document untouched. fn may return errUnchanged to
// skip the write.
func (s *Store) mutate(ctx context.Context, sessionID string, fn func(*Session) error) (*Session, error) {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	doc, err := s.load(sessionID)
	if err != nil {
		return nil, err
	}
	working, err := cloneSession(doc)
	if err != nil {
		return nil, err
	}

	if err := fn(working); err != nil {
		if errors.Is(err, errUnchanged) {
			return cloneSession(doc)
		}
		return nil, err
	}

	if err := s.save(working); err != nil {
		return nil, err
	}
	s.cachePut(working)
	return cloneSession(working)
}

// load returns the cached canonical document, reading it from disk on
// a miss. Callers must not mutate the result.
func (s *Store) load(sessionID string) (*Session, error) {
	if !validSessionID(sessionID) {
		return nil, fault.New(fault.KindNotFound, "session %q not found", sessionID)
	}

	s.cacheMu.RLock()
	doc, ok := s.cache[sessionID]
	s.cacheMu.RUnlock()
	if ok {
		return doc, nil
	}

	data, err := os.ReadFile(filepath.Join(s.dataDir, sessionID, sessionFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fault.New(fault.KindNotFound, "session %q not found", sessionID)
		}
		return nil, fault.Wrap(fault.KindInternal, err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fault.New(fault.KindInternal, "session %s: corrupt document: %v", sessionID, err)
	}

	s.cachePut(&sess)
	return &sess, nil
}

// save writes the document atomically: temp file in the session dir,
// fsync, rename over the canonical name.
func (s *Store) save(sess *Session) error {
	dir := filepath.Join(s.dataDir, sess.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fault.Wrap(fault.KindInternal, err)
	}

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fault.Wrap(fault.KindInternal, err)
	}

	tmp, err := os.CreateTemp(dir, ".session-*.tmp")
	if err != nil {
		return fault.Wrap(fault.KindInternal, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fault.Wrap(fault.KindInternal, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fault.Wrap(fault.KindInternal, err)
	}
	if err := tmp.Close(); err != nil {
		return fault.Wrap(fault.KindInternal, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, sessionFile)); err != nil {
		return fault.Wrap(fault.KindInternal, err)
	}
	return nil
}

func (s *Store) lockFor(sessionID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	lock, ok := s.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[sessionID] = lock
	}
	return lock
}

func (s *Store) cachePut(sess *Session) {
	s.cacheMu.Lock()
	s.cache[sess.ID] = sess
	s.cacheMu.Unlock()
}

func (s *Store) sessionIDs() ([]string, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.dataDir, e.Name(), sessionFile)); err != nil {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// cloneSession detaches a document from the cache via a JSON round
// trip, which also normalizes values to the JSON domain exactly as a
// reload from disk would.
func cloneSession(sess *Session) (*Session, error) {
	data, err := json.Marshal(sess)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err)
	}
	var out Session
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fault.Wrap(fault.KindInternal, err)
	}
	return &out, nil
}

// validSessionID rejects ids that could escape the data dir.
func validSessionID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, "/\\")
}

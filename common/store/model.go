package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/storyflow/common/items"
)

// Round statuses
const (
	RoundOpen      = "open"
	RoundBlocked   = "blocked"
	RoundCompleted = "completed"
	RoundFailed    = "failed"
)

// Job statuses
const (
	JobPending   = "pending"
	JobEnqueued  = "enqueued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Job kinds
const (
	KindStatusUpdate = "StatusUpdate"
	KindGuidance     = "Guidance"
	KindSummarize    = "Summarize"
)

// Session is the canonical per-session document. Everything durable
// about a session lives here: the branch tree, rounds, snapshots, jobs,
// the outbox and the last stable state.
type Session struct {
	ID             string                 `json:"id"`
	CreatedAt      time.Time              `json:"created_at"`
	ActiveBranchID string                 `json:"active_branch_id"`
	Branches       []*Branch              `json:"branches"`
	Rounds         []*Round               `json:"rounds"`
	Snapshots      []*Snapshot            `json:"snapshots"`
	Jobs           []*Job                 `json:"jobs"`
	Outbox         []*OutboxEntry         `json:"outbox"`
	LSS            map[string]interface{} `json:"lss"`
	StateRev       int64                  `json:"state_rev"`
}

// Branch is one line of rounds, optionally forked from a parent branch
// at a given round.
type Branch struct {
	ID             string    `json:"id"`
	ParentBranchID string    `json:"parent_branch_id,omitempty"`
	ParentRoundNo  int       `json:"parent_round_no,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Round is one player-send cycle on a branch.
type Round struct {
	BranchID         string                 `json:"branch_id"`
	RoundNo          int                    `json:"round_no"`
	Status           string                 `json:"status"`
	Blockers         []string               `json:"blockers"`
	AnchorSnapshotID string                 `json:"anchor_snapshot_id"`
	UserInput        string                 `json:"user_input"`
	LLMReply         string                 `json:"llm_reply,omitempty"`
	Items            []items.Item           `json:"items,omitempty"`
	Metrics          map[string]interface{} `json:"metrics,omitempty"`
	Logs             []string               `json:"logs"`
}

// Snapshot is an immutable copy of the LSS, taken when a round begins
// or when a branch forks.
type Snapshot struct {
	ID             string                 `json:"id"`
	BranchID       string                 `json:"branch_id"`
	TakenAtRoundNo int                    `json:"taken_at_round_no"`
	LSSCopy        map[string]interface{} `json:"lss_copy"`
	Range          [2]int                 `json:"range"`
}

// Job is one unit of asynchronous post-processing anchored to a round.
type Job struct {
	ID             string                 `json:"id"`
	Kind           string                 `json:"kind"`
	Blocking       bool                   `json:"blocking"`
	SessionID      string                 `json:"session_id"`
	BranchID       string                 `json:"branch_id"`
	RoundNo        int                    `json:"round_no"`
	Ref            string                 `json:"ref"`
	InputPayload   map[string]interface{} `json:"input_payload,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key"`
	Status         string                 `json:"status"`
	Attempts       int                    `json:"attempts"`
	LastError      string                 `json:"last_error,omitempty"`
	NextAttemptAt  time.Time              `json:"next_attempt_at"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// Terminal reports whether the job reached a final status.
func (j *Job) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}

// Due reports whether the job's backoff window has elapsed.
func (j *Job) Due(now time.Time) bool {
	return j.NextAttemptAt.IsZero() || !now.Before(j.NextAttemptAt)
}

// OutboxEntry tracks delivery of one job to the queue.
type OutboxEntry struct {
	JobID      string     `json:"job_id"`
	EnqueuedAt *time.Time `json:"enqueued_at,omitempty"`
	Delivered  bool       `json:"delivered"`
}

// Branch finds a branch by id.
func (s *Session) Branch(id string) (*Branch, bool) {
	for _, b := range s.Branches {
		if b.ID == id {
			return b, true
		}
	}
	return nil, false
}

// Round finds a round by branch and number.
func (s *Session) Round(branchID string, roundNo int) (*Round, bool) {
	for _, r := range s.Rounds {
		if r.BranchID == branchID && r.RoundNo == roundNo {
			return r, true
		}
	}
	return nil, false
}

// LatestRound returns the highest-numbered round on a branch.
func (s *Session) LatestRound(branchID string) (*Round, bool) {
	var latest *Round
	for _, r := range s.Rounds {
		if r.BranchID != branchID {
			continue
		}
		if latest == nil || r.RoundNo > latest.RoundNo {
			latest = r
		}
	}
	return latest, latest != nil
}

// BlockedRound returns the highest-numbered blocked round on a branch.
func (s *Session) BlockedRound(branchID string) (*Round, bool) {
	var blocked *Round
	for _, r := range s.Rounds {
		if r.BranchID != branchID || r.Status != RoundBlocked {
			continue
		}
		if blocked == nil || r.RoundNo > blocked.RoundNo {
			blocked = r
		}
	}
	return blocked, blocked != nil
}

// NextRoundNo allocates the next round number for a branch: one past
// the fork point until the branch has rounds of its own.
func (s *Session) NextRoundNo(branchID string) int {
	max := 0
	if b, ok := s.Branch(branchID); ok {
		max = b.ParentRoundNo
	}
	for _, r := range s.Rounds {
		if r.BranchID == branchID && r.RoundNo > max {
			max = r.RoundNo
		}
	}
	return max + 1
}

// Snapshot finds a snapshot by id.
func (s *Session) Snapshot(id string) (*Snapshot, bool) {
	for _, snap := range s.Snapshots {
		if snap.ID == id {
			return snap, true
		}
	}
	return nil, false
}

// SnapshotAt finds the snapshot taken for a given branch and round.
func (s *Session) SnapshotAt(branchID string, roundNo int) (*Snapshot, bool) {
	for _, snap := range s.Snapshots {
		if snap.BranchID == branchID && snap.TakenAtRoundNo == roundNo {
			return snap, true
		}
	}
	return nil, false
}

// latestSnapshot returns the snapshot with the highest round number on
// a branch; later entries win ties.
func (s *Session) latestSnapshot(branchID string) (*Snapshot, bool) {
	var latest *Snapshot
	for _, snap := range s.Snapshots {
		if snap.BranchID != branchID {
			continue
		}
		if latest == nil || snap.TakenAtRoundNo >= latest.TakenAtRoundNo {
			latest = snap
		}
	}
	return latest, latest != nil
}

// Job finds a job by id.
func (s *Session) Job(id string) (*Job, bool) {
	for _, j := range s.Jobs {
		if j.ID == id {
			return j, true
		}
	}
	return nil, false
}

func (s *Session) jobByKey(key string) (*Job, bool) {
	for _, j := range s.Jobs {
		if j.IdempotencyKey == key {
			return j, true
		}
	}
	return nil, false
}

func (s *Session) outboxEntry(jobID string) (*OutboxEntry, bool) {
	for _, e := range s.Outbox {
		if e.JobID == jobID {
			return e, true
		}
	}
	return nil, false
}

// IdempotencyKey derives the deterministic key that deduplicates job
// insertions for the same (session, branch, round, kind, ref).
func IdempotencyKey(sessionID, branchID string, roundNo int, kind, ref string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s|%s", sessionID, branchID, roundNo, kind, ref)))
	return hex.EncodeToString(sum[:])
}

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// copyState deep-copies a state record. Always returns a non-nil map.
func copyState(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = items.DeepCopyValue(v)
	}
	return out
}

// turnCount reads the numeric turn counter out of a state record.
func turnCount(lss map[string]interface{}) int {
	if n, ok := items.Number(lss["turn_count"]); ok {
		return int(n)
	}
	return 0
}

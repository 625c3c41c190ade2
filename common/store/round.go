package store

import (
	"context"

	"github.com/lyzr/storyflow/common/fault"
	"github.com/lyzr/storyflow/common/items"
)

// BeginRound opens the next round on a branch: allocates the round
// number, snapshots the current LSS as the round's anchor, and rejects
// the call while an earlier round is still blocked.
func (s *Store) BeginRound(ctx context.Context, sessionID, branchID, userInput string) (*Round, *Snapshot, error) {
	var roundNo int
	sess, err := s.mutate(ctx, sessionID, func(sess *Session) error {
		if _, ok := sess.Branch(branchID); !ok {
			return fault.New(fault.KindNotFound, "branch %q not found in session %s", branchID, sess.ID)
		}
		if blocked, ok := sess.BlockedRound(branchID); ok {
			return fault.New(fault.KindRoundBlocked, "round %d is blocked", blocked.RoundNo)
		}

		roundNo = sess.NextRoundNo(branchID)
		snapshot := &Snapshot{
			ID:             newID("snap"),
			BranchID:       branchID,
			TakenAtRoundNo: roundNo,
			LSSCopy:        copyState(sess.LSS),
			Range:          [2]int{0, turnCount(sess.LSS)},
		}
		sess.Snapshots = append(sess.Snapshots, snapshot)
		sess.Rounds = append(sess.Rounds, &Round{
			BranchID:         branchID,
			RoundNo:          roundNo,
			Status:           RoundOpen,
			Blockers:         []string{},
			AnchorSnapshotID: snapshot.ID,
			UserInput:        userInput,
			Logs:             []string{},
		})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	round, _ := sess.Round(branchID, roundNo)
	snapshot, _ := sess.Snapshot(round.AnchorSnapshotID)
	s.logger.Debug("round opened", "session_id", sessionID, "branch_id", branchID, "round_no", roundNo)
	return round, snapshot, nil
}

// SaveRoundResult stores the main run's output on the round. Called on
// first execution and again on reroll, which overwrites in place.
func (s *Store) SaveRoundResult(ctx context.Context, sessionID, branchID string, roundNo int, reply string, its []items.Item, metrics map[string]interface{}, logs []string) error {
	_, err := s.mutate(ctx, sessionID, func(sess *Session) error {
		round, ok := sess.Round(branchID, roundNo)
		if !ok {
			return fault.New(fault.KindNotFound, "round %d not found on branch %s", roundNo, branchID)
		}
		round.LLMReply = reply
		round.Items = items.DeepCopy(its)
		round.Metrics = metrics
		round.Logs = append([]string{}, logs...)
		return nil
	})
	return err
}

// CompleteRoundIfUnblocked closes an open round that has no blockers.
// Blocked rounds are left for their gating job to finish.
func (s *Store) CompleteRoundIfUnblocked(ctx context.Context, sessionID, branchID string, roundNo int) error {
	_, err := s.mutate(ctx, sessionID, func(sess *Session) error {
		round, ok := sess.Round(branchID, roundNo)
		if !ok {
			return fault.New(fault.KindNotFound, "round %d not found on branch %s", roundNo, branchID)
		}
		if round.Status != RoundOpen || len(round.Blockers) > 0 {
			return errUnchanged
		}
		round.Status = RoundCompleted
		return nil
	})
	return err
}

// FailRound marks a round failed, clearing its blockers and appending
// the failure logs.
func (s *Store) FailRound(ctx context.Context, sessionID, branchID string, roundNo int, logs []string) error {
	_, err := s.mutate(ctx, sessionID, func(sess *Session) error {
		round, ok := sess.Round(branchID, roundNo)
		if !ok {
			return fault.New(fault.KindNotFound, "round %d not found on branch %s", roundNo, branchID)
		}
		round.Status = RoundFailed
		round.Blockers = []string{}
		round.Logs = append(round.Logs, logs...)
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Warn("round failed", "session_id", sessionID, "branch_id", branchID, "round_no", roundNo)
	return nil
}

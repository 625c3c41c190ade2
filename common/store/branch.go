package store

import (
	"context"
	"time"

	"github.com/lyzr/storyflow/common/fault"
)

// CreateBranch forks a new branch off parentBranchID (the active
// branch when empty) at fromRound (the parent's latest round when
// zero). The branch starts from the anchor snapshot of that round; a
// fork snapshot pins the starting state so the branch can be
// reactivated later. With setActive the session switches to the new
// branch and its LSS is restored to the fork point.
func (s *Store) CreateBranch(ctx context.Context, sessionID, parentBranchID string, fromRound int, setActive bool) (*Branch, error) {
	var branchID string
	sess, err := s.mutate(ctx, sessionID, func(sess *Session) error {
		if parentBranchID == "" {
			parentBranchID = sess.ActiveBranchID
		}
		parent, ok := sess.Branch(parentBranchID)
		if !ok {
			return fault.New(fault.KindNotFound, "branch %q not found in session %s", parentBranchID, sess.ID)
		}
		if fromRound == 0 {
			if latest, ok := sess.LatestRound(parent.ID); ok {
				fromRound = latest.RoundNo
			} else {
				fromRound = parent.ParentRoundNo
			}
		}

		// The branch starts from the state the fork round saw, not
		// the state it produced
		startLSS := sess.LSS
		if fromRound > 0 {
			anchor, ok := sess.SnapshotAt(parent.ID, fromRound)
			if !ok {
				return fault.New(fault.KindNotFound, "round %d not found on branch %s", fromRound, parent.ID)
			}
			startLSS = anchor.LSSCopy
		}

		now := time.Now().UTC()
		branch := &Branch{
			ID:             newID("br"),
			ParentBranchID: parent.ID,
			ParentRoundNo:  fromRound,
			CreatedAt:      now,
		}
		branchID = branch.ID
		sess.Branches = append(sess.Branches, branch)
		sess.Snapshots = append(sess.Snapshots, &Snapshot{
			ID:             newID("snap"),
			BranchID:       branch.ID,
			TakenAtRoundNo: fromRound,
			LSSCopy:        copyState(startLSS),
			Range:          [2]int{0, turnCount(startLSS)},
		})

		if setActive {
			sess.ActiveBranchID = branch.ID
			sess.LSS = copyState(startLSS)
			sess.StateRev++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	branch, _ := sess.Branch(branchID)
	s.logger.Info("branch created", "session_id", sessionID, "branch_id", branchID,
		"parent_branch_id", branch.ParentBranchID, "from_round", branch.ParentRoundNo, "active", setActive)
	return branch, nil
}

// SetActiveBranch switches the session to branchID and restores its
// LSS from the branch's latest snapshot, rewinding the deactivated
// line's in-flight effects.
func (s *Store) SetActiveBranch(ctx context.Context, sessionID, branchID string) error {
	_, err := s.mutate(ctx, sessionID, func(sess *Session) error {
		if _, ok := sess.Branch(branchID); !ok {
			return fault.New(fault.KindNotFound, "branch %q not found in session %s", branchID, sess.ID)
		}
		if sess.ActiveBranchID == branchID {
			return errUnchanged
		}

		sess.ActiveBranchID = branchID
		if snap, ok := sess.latestSnapshot(branchID); ok {
			sess.LSS = copyState(snap.LSSCopy)
			sess.StateRev++
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("active branch switched", "session_id", sessionID, "branch_id", branchID)
	return nil
}

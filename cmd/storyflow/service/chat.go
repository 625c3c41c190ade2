package service

import (
	"context"
	"fmt"

	"github.com/lyzr/storyflow/common/bootstrap"
	"github.com/lyzr/storyflow/common/engine"
	"github.com/lyzr/storyflow/common/fault"
	"github.com/lyzr/storyflow/common/items"
	"github.com/lyzr/storyflow/common/node"
	"github.com/lyzr/storyflow/common/state"
	"github.com/lyzr/storyflow/common/store"
)

// RoundBlockedError reports a send rejected because an earlier round on
// the branch still has unfinished blocking jobs.
type RoundBlockedError struct {
	RoundNo  int
	Blockers []string
}

func (e *RoundBlockedError) Error() string {
	return fmt.Sprintf("round %d is blocked", e.RoundNo)
}

// ChatService drives interactive story rounds: opening a round, running
// the main flow against the session state, recording post-round jobs,
// and serving reroll/branch/status.
type ChatService struct {
	store      *store.Store
	states     *state.Registry
	engine     *engine.Executor
	resources  *node.Resources
	components *bootstrap.Components
}

// NewChatService creates the chat pipeline service
func NewChatService(st *store.Store, states *state.Registry, eng *engine.Executor, resources *node.Resources, components *bootstrap.Components) *ChatService {
	return &ChatService{
		store:      st,
		states:     states,
		engine:     eng,
		resources:  resources,
		components: components,
	}
}

type StartSessionRequest struct {
	InitialState  map[string]interface{} `json:"initial_state"`
	UseWorldState *bool                  `json:"use_world_state"`
}

type StartSessionResponse struct {
	SessionID     string                 `json:"session_id"`
	BranchID      string                 `json:"branch_id"`
	StateSnapshot map[string]interface{} `json:"state_snapshot"`
}

// StartSession creates a session with its default branch. use_world_state
// (default true) seeds the LSS from the built-in world, with
// initial_state merge-patched over it.
func (s *ChatService) StartSession(ctx context.Context, req *StartSessionRequest) (*StartSessionResponse, error) {
	initial, err := composeInitialState(boolValue(req.UseWorldState, true), req.InitialState)
	if err != nil {
		return nil, err
	}

	sess, branch, err := s.store.CreateSession(ctx, initial)
	if err != nil {
		return nil, err
	}

	s.components.Logger.Info("chat session started", "session_id", sess.ID, "branch_id", branch.ID)
	return &StartSessionResponse{
		SessionID:     sess.ID,
		BranchID:      branch.ID,
		StateSnapshot: sess.LSS,
	}, nil
}

type SendRequest struct {
	SessionID string                 `json:"session_id"`
	BranchID  string                 `json:"branch_id"`
	UserInput string                 `json:"user_input"`
	Ref       string                 `json:"ref"`
	Extras    map[string]interface{} `json:"extras"`
	Resources map[string]interface{} `json:"resources"`
}

type SendResponse struct {
	RoundNo       int                    `json:"round_no"`
	SnapshotID    string                 `json:"snapshot_id,omitempty"`
	LLMReply      string                 `json:"llm_reply"`
	Items         []items.Item           `json:"items"`
	Logs          []string               `json:"logs"`
	Metrics       map[string]interface{} `json:"metrics"`
	StateSnapshot map[string]interface{} `json:"state_snapshot"`
	RoundStatus   string                 `json:"round_status"`
}

// Send runs one story round: snapshot the state, run the main flow,
// persist the reply and schedule the round's post-processing jobs. A
// branch whose latest round is still blocked rejects the send.
func (s *ChatService) Send(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	sess, err := s.store.LoadSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	branchID, err := resolveBranch(sess, req.BranchID)
	if err != nil {
		return nil, err
	}

	if blocked, ok := sess.BlockedRound(branchID); ok {
		return nil, fault.Wrap(fault.KindRoundBlocked, &RoundBlockedError{
			RoundNo:  blocked.RoundNo,
			Blockers: append([]string{}, blocked.Blockers...),
		})
	}

	resources, err := resolveResources(s.resources, req.Resources)
	if err != nil {
		return nil, err
	}
	ref := req.Ref
	if ref == "" {
		ref = s.components.Config.Chat.MainFlowRef
	}
	// Resolve up front so an unknown ref does not burn a round number
	if _, err := s.engine.Resolve(ref); err != nil {
		return nil, err
	}

	round, snapshot, err := s.store.BeginRound(ctx, req.SessionID, branchID, req.UserInput)
	if err != nil {
		return nil, err
	}
	mgr, err := s.states.Acquire(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	s.components.Logger.Info("chat send",
		"session_id", req.SessionID, "branch_id", branchID, "round_no", round.RoundNo, "ref", ref)

	res, err := s.runFlow(ctx, ref, roundInput(req.UserInput, req.Extras), &node.Context{
		SessionID: req.SessionID,
		BranchID:  branchID,
		RoundNo:   round.RoundNo,
		State:     mgr,
		Resources: resources,
		Logger:    s.components.Logger,
	})
	if err != nil {
		_ = s.store.FailRound(ctx, req.SessionID, branchID, round.RoundNo, []string{err.Error()})
		return nil, err
	}

	resp := &SendResponse{
		RoundNo:    round.RoundNo,
		SnapshotID: snapshot.ID,
		Items:      res.Items,
		Logs:       res.Logs,
		Metrics:    res.Metrics,
	}

	if res.Failed {
		// Timeouts and node failures land here: the round fails but the
		// caller still gets the partial output and logs.
		if err := s.store.FailRound(ctx, req.SessionID, branchID, round.RoundNo, res.Logs); err != nil {
			return nil, err
		}
		resp.StateSnapshot = mgr.GetForPrompt()
		resp.RoundStatus = store.RoundFailed
		return resp, nil
	}

	resp.LLMReply = replyFrom(res.Items)
	if err := s.store.SaveRoundResult(ctx, req.SessionID, branchID, round.RoundNo, resp.LLMReply, res.Items, res.Metrics, res.Logs); err != nil {
		return nil, err
	}
	if err := s.recordRoundJobs(ctx, req.SessionID, branchID, round.RoundNo, req.UserInput, resp.LLMReply, mgr); err != nil {
		return nil, err
	}
	if err := s.store.CompleteRoundIfUnblocked(ctx, req.SessionID, branchID, round.RoundNo); err != nil {
		return nil, err
	}

	resp.StateSnapshot = mgr.GetForPrompt()
	resp.RoundStatus = s.roundStatusOf(ctx, req.SessionID, branchID, round.RoundNo)
	return resp, nil
}

type RerollRequest struct {
	SessionID string                 `json:"session_id"`
	BranchID  string                 `json:"branch_id"`
	RoundNo   int                    `json:"round_no"`
	Ref       string                 `json:"ref"`
	Extras    map[string]interface{} `json:"extras"`
	Resources map[string]interface{} `json:"resources"`
}

// Reroll re-runs a round's main flow from its anchor snapshot with the
// original user input, replacing the stored reply in place. No new
// round number, no new jobs; state effects stay on a scratch manager.
func (s *ChatService) Reroll(ctx context.Context, req *RerollRequest) (*SendResponse, error) {
	sess, err := s.store.LoadSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	branchID, err := resolveBranch(sess, req.BranchID)
	if err != nil {
		return nil, err
	}
	round, ok := sess.Round(branchID, req.RoundNo)
	if !ok {
		return nil, fault.New(fault.KindNotFound, "round %d not found on branch %s", req.RoundNo, branchID)
	}
	snap, ok := sess.Snapshot(round.AnchorSnapshotID)
	if !ok {
		return nil, fault.New(fault.KindInternal, "round %d has no anchor snapshot", req.RoundNo)
	}

	resources, err := resolveResources(s.resources, req.Resources)
	if err != nil {
		return nil, err
	}
	ref := req.Ref
	if ref == "" {
		ref = s.components.Config.Chat.MainFlowRef
	}

	// The rerun sees the world exactly as the round originally did
	scratch := state.Scratch(snap.LSSCopy)
	res, err := s.runFlow(ctx, ref, roundInput(round.UserInput, req.Extras), &node.Context{
		SessionID: req.SessionID,
		BranchID:  branchID,
		RoundNo:   round.RoundNo,
		State:     scratch,
		Resources: resources,
		Logger:    s.components.Logger,
	})
	if err != nil {
		return nil, err
	}

	resp := &SendResponse{
		RoundNo:       round.RoundNo,
		Items:         res.Items,
		Logs:          res.Logs,
		Metrics:       res.Metrics,
		StateSnapshot: scratch.GetForPrompt(),
	}

	if res.Failed {
		// The stored round keeps its previous reply; the caller only
		// sees the failed attempt's logs.
		resp.RoundStatus = round.Status
		return resp, nil
	}

	resp.LLMReply = replyFrom(res.Items)
	if err := s.store.SaveRoundResult(ctx, req.SessionID, branchID, round.RoundNo, resp.LLMReply, res.Items, res.Metrics, res.Logs); err != nil {
		return nil, err
	}
	resp.RoundStatus = s.roundStatusOf(ctx, req.SessionID, branchID, round.RoundNo)

	s.components.Logger.Info("round rerolled",
		"session_id", req.SessionID, "branch_id", branchID, "round_no", round.RoundNo)
	return resp, nil
}

type BranchRequest struct {
	SessionID      string `json:"session_id"`
	FromRound      int    `json:"from_round"`
	ParentBranchID string `json:"parent_branch_id"`
	SetActive      *bool  `json:"set_active"`
}

type BranchResponse struct {
	BranchID string `json:"branch_id"`
}

// Branch forks a new branch from a parent round's snapshot. set_active
// (default true) switches the session to the new branch, restoring its
// LSS to the fork point.
func (s *ChatService) Branch(ctx context.Context, req *BranchRequest) (*BranchResponse, error) {
	setActive := boolValue(req.SetActive, true)

	branch, err := s.store.CreateBranch(ctx, req.SessionID, req.ParentBranchID, req.FromRound, setActive)
	if err != nil {
		return nil, err
	}
	if setActive {
		// The store rewrote the session LSS; cached managers are stale
		s.states.Invalidate(req.SessionID)
	}
	return &BranchResponse{BranchID: branch.ID}, nil
}

type RoundStatusResponse struct {
	RoundNo       int                    `json:"round_no"`
	Status        string                 `json:"status"`
	Blockers      []string               `json:"blockers"`
	StateSnapshot map[string]interface{} `json:"state_snapshot"`
}

// RoundStatus reports a round's blocking state plus the current session
// LSS, so pollers see state updates as soon as the gate lifts.
func (s *ChatService) RoundStatus(ctx context.Context, sessionID, branchID string, roundNo int) (*RoundStatusResponse, error) {
	sess, err := s.store.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if branchID == "" {
		branchID = sess.ActiveBranchID
	}
	round, ok := sess.Round(branchID, roundNo)
	if !ok {
		return nil, fault.New(fault.KindNotFound, "round %d not found on branch %s", roundNo, branchID)
	}

	return &RoundStatusResponse{
		RoundNo:       round.RoundNo,
		Status:        round.Status,
		Blockers:      append([]string{}, round.Blockers...),
		StateSnapshot: sess.LSS,
	}, nil
}

// runFlow executes a ref under the round cap.
func (s *ChatService) runFlow(ctx context.Context, ref string, in []items.Item, nc *node.Context) (*engine.Result, error) {
	if timeout := s.components.Config.Chat.RoundTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return s.engine.Run(ctx, ref, in, nc)
}

// recordRoundJobs schedules the round's post-processing per JOBS_MODE
// and marks the affected state keys pending on the manager. Payloads are
// self-contained so workers need no chat configuration.
func (s *ChatService) recordRoundJobs(ctx context.Context, sessionID, branchID string, roundNo int, userInput, llmReply string, mgr *state.Manager) error {
	cfg := s.components.Config.Chat

	payload := func(stateKeys []string) map[string]interface{} {
		return map[string]interface{}{
			"user_input": userInput,
			"llm_reply":  llmReply,
			"round_no":   roundNo,
			"state_keys": stateKeys,
		}
	}

	if cfg.JobsMode == "combined" {
		keys := append([]string{}, cfg.StatusStateKeys...)
		if cfg.GuidanceEnabled {
			keys = append(keys, cfg.GuidanceStateKeys...)
		}
		if _, _, err := s.store.RecordJob(ctx, sessionID, branchID, roundNo,
			store.KindStatusUpdate, true, cfg.CombinedFlowRef, payload(keys)); err != nil {
			return err
		}
		mgr.StartAsync(keys)
		return nil
	}

	if cfg.GatingFlowRef != "" {
		if _, _, err := s.store.RecordJob(ctx, sessionID, branchID, roundNo,
			store.KindStatusUpdate, true, cfg.GatingFlowRef, payload(cfg.StatusStateKeys)); err != nil {
			return err
		}
		mgr.StartAsync(cfg.StatusStateKeys)
	}
	if cfg.GuidanceEnabled && cfg.GuidanceFlowRef != "" {
		if _, _, err := s.store.RecordJob(ctx, sessionID, branchID, roundNo,
			store.KindGuidance, false, cfg.GuidanceFlowRef, payload(cfg.GuidanceStateKeys)); err != nil {
			return err
		}
		mgr.StartAsync(cfg.GuidanceStateKeys)
	}
	return nil
}

func (s *ChatService) roundStatusOf(ctx context.Context, sessionID, branchID string, roundNo int) string {
	sess, err := s.store.LoadSession(ctx, sessionID)
	if err != nil {
		return store.RoundOpen
	}
	round, ok := sess.Round(branchID, roundNo)
	if !ok {
		return store.RoundOpen
	}
	return round.Status
}

// resolveBranch picks the active branch when none is named, and rejects
// branch ids that do not belong to the session.
func resolveBranch(sess *store.Session, branchID string) (string, error) {
	if branchID == "" {
		if sess.ActiveBranchID == "" {
			return "", fault.New(fault.KindNotFound, "session %s has no active branch", sess.ID)
		}
		return sess.ActiveBranchID, nil
	}
	if _, ok := sess.Branch(branchID); !ok {
		return "", fault.New(fault.KindNotFound, "branch %q not found in session %s", branchID, sess.ID)
	}
	return branchID, nil
}

// roundInput builds the single seed item for a round run. user_input is
// set first; extras may add or override fields, matching the send
// contract.
func roundInput(userInput string, extras map[string]interface{}) []items.Item {
	it := items.Item{"user_input": userInput}
	for k, v := range extras {
		it[k] = items.DeepCopyValue(v)
	}
	return []items.Item{it}
}

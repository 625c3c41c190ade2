package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/storyflow/common/bootstrap"
	"github.com/lyzr/storyflow/common/config"
	"github.com/lyzr/storyflow/common/engine"
	"github.com/lyzr/storyflow/common/fault"
	"github.com/lyzr/storyflow/common/ir"
	"github.com/lyzr/storyflow/common/llm"
	"github.com/lyzr/storyflow/common/logger"
	"github.com/lyzr/storyflow/common/node"
	"github.com/lyzr/storyflow/common/state"
	"github.com/lyzr/storyflow/common/store"
	"github.com/lyzr/storyflow/common/story"
)

func testChatConfig() *config.Config {
	return &config.Config{
		Chat: config.ChatConfig{
			RoundTimeout:      5 * time.Second,
			JobsMode:          "split",
			MainFlowRef:       "main@1",
			CombinedFlowRef:   "postprocess@1",
			GuidanceFlowRef:   "guidance@1",
			StatusStateKeys:   []string{"narrative_status"},
			GuidanceStateKeys: []string{"guidance"},
		},
		Flows: config.FlowConfig{Dirs: []string{"./flows"}, SubflowMaxDepth: 16},
	}
}

// storyMainFlow mirrors the bundled main flow: prompt assembly, one
// narrator call, then the turn counter.
func storyMainFlow() *ir.Document {
	return &ir.Document{
		ID:      "main",
		Version: 1,
		Entry:   "root",
		Nodes: []ir.NodeDef{
			{ID: "root", Type: ir.TypeSequence, Children: []string{"prompt", "narrate", "advance_turn"}},
			{ID: "prompt", Type: "Code", Params: map[string]interface{}{
				"function": "build_prompt",
				"outputs":  []interface{}{"messages"},
			}},
			{ID: "narrate", Type: "LLMChat", Params: map[string]interface{}{"model": "default"}},
			{ID: "advance_turn", Type: "IncrementCounter", Params: map[string]interface{}{"field": "turn_count"}},
		},
	}
}

// crashFlow fails at runtime: a Code function nothing whitelists.
func crashFlow() *ir.Document {
	return &ir.Document{
		ID:      "crash",
		Version: 1,
		Entry:   "seq",
		Nodes: []ir.NodeDef{
			{ID: "seq", Type: ir.TypeSequence, Children: []string{"boom"}},
			{ID: "boom", Type: "Code", Params: map[string]interface{}{"function": "explode"}},
		},
	}
}

type chatEnv struct {
	store  *store.Store
	states *state.Registry
	mock   *llm.MockClient
	chat   *ChatService
	flows  *FlowService
}

func newChatEnv(t *testing.T, cfg *config.Config, docs ...*ir.Document) *chatEnv {
	t.Helper()
	log := logger.New("error", "text")

	st, err := store.New(t.TempDir(), true, log)
	require.NoError(t, err)

	idx, err := ir.NewIndex(docs)
	require.NoError(t, err)
	reg, err := node.BuildRegistry(node.DefaultProviders()...)
	require.NoError(t, err)

	states := state.NewRegistry(st)
	eng := engine.New(idx, reg, cfg.Flows.SubflowMaxDepth, log)
	mock := llm.NewMockClient()
	resources := &node.Resources{LLM: mock, CodeFuncs: story.Funcs()}
	components := &bootstrap.Components{Config: cfg, Logger: log, Store: st}

	return &chatEnv{
		store:  st,
		states: states,
		mock:   mock,
		chat:   NewChatService(st, states, eng, resources, components),
		flows:  NewFlowService(states, eng, resources, components),
	}
}

func startSession(t *testing.T, env *chatEnv) *StartSessionResponse {
	t.Helper()
	resp, err := env.chat.StartSession(context.Background(), &StartSessionRequest{})
	require.NoError(t, err)
	return resp
}

func TestStartSessionWorldDefaults(t *testing.T) {
	env := newChatEnv(t, testChatConfig(), storyMainFlow())

	resp := startSession(t, env)
	assert.NotEmpty(t, resp.SessionID)
	assert.NotEmpty(t, resp.BranchID)
	assert.Equal(t, "The Crossroads Inn", resp.StateSnapshot["location"])
	assert.EqualValues(t, 0, resp.StateSnapshot["turn_count"])
}

func TestStartSessionInitialStateMerge(t *testing.T) {
	env := newChatEnv(t, testChatConfig(), storyMainFlow())

	resp, err := env.chat.StartSession(context.Background(), &StartSessionRequest{
		InitialState: map[string]interface{}{
			"location":         "The Docks",
			"protagonist_mood": nil,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "The Docks", resp.StateSnapshot["location"])
	assert.NotContains(t, resp.StateSnapshot, "protagonist_mood")
	assert.EqualValues(t, 0, resp.StateSnapshot["turn_count"])
}

func TestStartSessionWithoutWorldState(t *testing.T) {
	env := newChatEnv(t, testChatConfig(), storyMainFlow())
	useWorld := false

	resp, err := env.chat.StartSession(context.Background(), &StartSessionRequest{
		UseWorldState: &useWorld,
		InitialState:  map[string]interface{}{"hp": 7},
	})
	require.NoError(t, err)

	assert.EqualValues(t, 7, resp.StateSnapshot["hp"])
	assert.NotContains(t, resp.StateSnapshot, "location")
}

func TestSendRunsRound(t *testing.T) {
	ctx := context.Background()
	env := newChatEnv(t, testChatConfig(), storyMainFlow())
	sess := startSession(t, env)

	resp, err := env.chat.Send(ctx, &SendRequest{SessionID: sess.SessionID, UserInput: "go north"})
	require.NoError(t, err)

	assert.Equal(t, 1, resp.RoundNo)
	assert.NotEmpty(t, resp.SnapshotID)
	assert.Equal(t, store.RoundCompleted, resp.RoundStatus)
	assert.Contains(t, resp.LLMReply, "[mock:default]")
	assert.Contains(t, resp.LLMReply, "go north")
	require.Len(t, resp.Items, 1)
	assert.Equal(t, resp.LLMReply, resp.Items[0]["llm_response"])
	assert.NotEmpty(t, resp.Logs)
	assert.EqualValues(t, 1, resp.Metrics["llm_calls"])
	assert.EqualValues(t, 1, resp.StateSnapshot["turn_count"])

	loaded, err := env.store.LoadSession(ctx, sess.SessionID)
	require.NoError(t, err)
	round, ok := loaded.Round(sess.BranchID, 1)
	require.True(t, ok)
	assert.Equal(t, resp.LLMReply, round.LLMReply)
	assert.Equal(t, "go north", round.UserInput)
	assert.EqualValues(t, 1, loaded.LSS["turn_count"])
}

func TestSendSecondRoundIncrements(t *testing.T) {
	ctx := context.Background()
	env := newChatEnv(t, testChatConfig(), storyMainFlow())
	sess := startSession(t, env)

	_, err := env.chat.Send(ctx, &SendRequest{SessionID: sess.SessionID, UserInput: "look around"})
	require.NoError(t, err)
	resp, err := env.chat.Send(ctx, &SendRequest{SessionID: sess.SessionID, UserInput: "open the door"})
	require.NoError(t, err)

	assert.Equal(t, 2, resp.RoundNo)
	assert.EqualValues(t, 2, resp.StateSnapshot["turn_count"])
}

func TestSendBlockedRound(t *testing.T) {
	ctx := context.Background()
	cfg := testChatConfig()
	cfg.Chat.GatingFlowRef = "status_update@1"
	env := newChatEnv(t, cfg, storyMainFlow())
	sess := startSession(t, env)

	first, err := env.chat.Send(ctx, &SendRequest{SessionID: sess.SessionID, UserInput: "go north"})
	require.NoError(t, err)
	assert.Equal(t, store.RoundBlocked, first.RoundStatus)
	// The pending key has no stable value yet, so the prompt view
	// omits it rather than serving a placeholder.
	assert.NotContains(t, first.StateSnapshot, "narrative_status")
	assert.EqualValues(t, 1, first.StateSnapshot["turn_count"])

	_, err = env.chat.Send(ctx, &SendRequest{SessionID: sess.SessionID, UserInput: "keep going"})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindRoundBlocked))

	var blocked *RoundBlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, 1, blocked.RoundNo)
	assert.Len(t, blocked.Blockers, 1)

	loaded, err := env.store.LoadSession(ctx, sess.SessionID)
	require.NoError(t, err)
	require.Len(t, loaded.Jobs, 1)
	assert.Equal(t, store.KindStatusUpdate, loaded.Jobs[0].Kind)
	assert.True(t, loaded.Jobs[0].Blocking)
	assert.Equal(t, "status_update@1", loaded.Jobs[0].Ref)
}

func TestSendSplitModeRecordsGuidanceJob(t *testing.T) {
	ctx := context.Background()
	cfg := testChatConfig()
	cfg.Chat.GatingFlowRef = "status_update@1"
	cfg.Chat.GuidanceEnabled = true
	env := newChatEnv(t, cfg, storyMainFlow())
	sess := startSession(t, env)

	_, err := env.chat.Send(ctx, &SendRequest{SessionID: sess.SessionID, UserInput: "go north"})
	require.NoError(t, err)

	loaded, err := env.store.LoadSession(ctx, sess.SessionID)
	require.NoError(t, err)
	require.Len(t, loaded.Jobs, 2)

	round, ok := loaded.Round(sess.BranchID, 1)
	require.True(t, ok)
	// Only the status job gates the round.
	assert.Equal(t, store.RoundBlocked, round.Status)
	assert.Len(t, round.Blockers, 1)

	byKind := map[string]*store.Job{}
	for _, j := range loaded.Jobs {
		byKind[j.Kind] = j
	}
	require.Contains(t, byKind, store.KindStatusUpdate)
	require.Contains(t, byKind, store.KindGuidance)
	assert.True(t, byKind[store.KindStatusUpdate].Blocking)
	assert.False(t, byKind[store.KindGuidance].Blocking)
	assert.Equal(t, "guidance@1", byKind[store.KindGuidance].Ref)
}

func TestSendCombinedMode(t *testing.T) {
	ctx := context.Background()
	cfg := testChatConfig()
	cfg.Chat.JobsMode = "combined"
	cfg.Chat.GuidanceEnabled = true
	env := newChatEnv(t, cfg, storyMainFlow())
	sess := startSession(t, env)

	_, err := env.chat.Send(ctx, &SendRequest{SessionID: sess.SessionID, UserInput: "go north"})
	require.NoError(t, err)

	loaded, err := env.store.LoadSession(ctx, sess.SessionID)
	require.NoError(t, err)
	require.Len(t, loaded.Jobs, 1)

	job := loaded.Jobs[0]
	assert.Equal(t, "postprocess@1", job.Ref)
	assert.True(t, job.Blocking)
	assert.Equal(t, []interface{}{"narrative_status", "guidance"},
		job.InputPayload["state_keys"])
}

func TestSendUnknownRefBurnsNoRound(t *testing.T) {
	ctx := context.Background()
	env := newChatEnv(t, testChatConfig(), storyMainFlow())
	sess := startSession(t, env)

	_, err := env.chat.Send(ctx, &SendRequest{
		SessionID: sess.SessionID,
		UserInput: "go north",
		Ref:       "nope@1",
	})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindNotFound))

	loaded, err := env.store.LoadSession(ctx, sess.SessionID)
	require.NoError(t, err)
	_, ok := loaded.Round(sess.BranchID, 1)
	assert.False(t, ok)
}

func TestSendNodeFailureFailsRound(t *testing.T) {
	ctx := context.Background()
	env := newChatEnv(t, testChatConfig(), storyMainFlow(), crashFlow())
	sess := startSession(t, env)

	resp, err := env.chat.Send(ctx, &SendRequest{
		SessionID: sess.SessionID,
		UserInput: "go north",
		Ref:       "crash@1",
	})
	require.NoError(t, err)

	assert.Equal(t, store.RoundFailed, resp.RoundStatus)
	assert.Empty(t, resp.LLMReply)
	assert.NotEmpty(t, resp.Logs)

	loaded, err := env.store.LoadSession(ctx, sess.SessionID)
	require.NoError(t, err)
	round, ok := loaded.Round(sess.BranchID, 1)
	require.True(t, ok)
	assert.Equal(t, store.RoundFailed, round.Status)

	// A failed round does not gate the branch.
	next, err := env.chat.Send(ctx, &SendRequest{SessionID: sess.SessionID, UserInput: "again"})
	require.NoError(t, err)
	assert.Equal(t, 2, next.RoundNo)
}

func TestSendUnknownSession(t *testing.T) {
	env := newChatEnv(t, testChatConfig(), storyMainFlow())

	_, err := env.chat.Send(context.Background(), &SendRequest{SessionID: "sess_missing", UserInput: "hi"})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindNotFound))
}

func TestRerollReplacesInPlace(t *testing.T) {
	ctx := context.Background()
	env := newChatEnv(t, testChatConfig(), storyMainFlow())
	env.mock.Replies = []string{"first telling", "second telling"}
	sess := startSession(t, env)

	sent, err := env.chat.Send(ctx, &SendRequest{SessionID: sess.SessionID, UserInput: "go north"})
	require.NoError(t, err)
	assert.Equal(t, "first telling", sent.LLMReply)

	rerolled, err := env.chat.Reroll(ctx, &RerollRequest{SessionID: sess.SessionID, RoundNo: 1})
	require.NoError(t, err)

	assert.Equal(t, 1, rerolled.RoundNo)
	assert.Empty(t, rerolled.SnapshotID)
	assert.Equal(t, "second telling", rerolled.LLMReply)
	assert.Equal(t, store.RoundCompleted, rerolled.RoundStatus)
	// The rerun replayed from the anchor, so its scratch state advanced
	// one turn from zero.
	assert.EqualValues(t, 1, rerolled.StateSnapshot["turn_count"])

	loaded, err := env.store.LoadSession(ctx, sess.SessionID)
	require.NoError(t, err)
	round, ok := loaded.Round(sess.BranchID, 1)
	require.True(t, ok)
	assert.Equal(t, "second telling", round.LLMReply)
	_, ok = loaded.Round(sess.BranchID, 2)
	assert.False(t, ok)
	// Session state is untouched by the reroll.
	assert.EqualValues(t, 1, loaded.LSS["turn_count"])
}

func TestRerollUnknownRound(t *testing.T) {
	env := newChatEnv(t, testChatConfig(), storyMainFlow())
	sess := startSession(t, env)

	_, err := env.chat.Reroll(context.Background(), &RerollRequest{SessionID: sess.SessionID, RoundNo: 7})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindNotFound))
}

func TestBranchForksAndActivates(t *testing.T) {
	ctx := context.Background()
	env := newChatEnv(t, testChatConfig(), storyMainFlow())
	sess := startSession(t, env)

	_, err := env.chat.Send(ctx, &SendRequest{SessionID: sess.SessionID, UserInput: "go north"})
	require.NoError(t, err)
	_, err = env.chat.Send(ctx, &SendRequest{SessionID: sess.SessionID, UserInput: "go east"})
	require.NoError(t, err)

	resp, err := env.chat.Branch(ctx, &BranchRequest{SessionID: sess.SessionID, FromRound: 1})
	require.NoError(t, err)
	require.NotEmpty(t, resp.BranchID)
	assert.NotEqual(t, sess.BranchID, resp.BranchID)

	loaded, err := env.store.LoadSession(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, resp.BranchID, loaded.ActiveBranchID)
	// The fork restores the state round 1 saw, before it ran.
	assert.EqualValues(t, 0, loaded.LSS["turn_count"])

	branch, ok := loaded.Branch(resp.BranchID)
	require.True(t, ok)
	assert.Equal(t, sess.BranchID, branch.ParentBranchID)
	assert.Equal(t, 1, branch.ParentRoundNo)

	// Cached managers were invalidated along with the switch.
	mgr, err := env.states.Acquire(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, mgr.GetWorking()["turn_count"])

	// A branch forked at round 1 continues with round 2.
	next, err := env.chat.Send(ctx, &SendRequest{SessionID: sess.SessionID, UserInput: "go west"})
	require.NoError(t, err)
	assert.Equal(t, 2, next.RoundNo)
	assert.EqualValues(t, 1, next.StateSnapshot["turn_count"])
}

func TestBranchWithoutActivation(t *testing.T) {
	ctx := context.Background()
	env := newChatEnv(t, testChatConfig(), storyMainFlow())
	sess := startSession(t, env)

	_, err := env.chat.Send(ctx, &SendRequest{SessionID: sess.SessionID, UserInput: "go north"})
	require.NoError(t, err)

	active := false
	resp, err := env.chat.Branch(ctx, &BranchRequest{
		SessionID: sess.SessionID,
		FromRound: 1,
		SetActive: &active,
	})
	require.NoError(t, err)

	loaded, err := env.store.LoadSession(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, sess.BranchID, loaded.ActiveBranchID)
	assert.EqualValues(t, 1, loaded.LSS["turn_count"])
	_, ok := loaded.Branch(resp.BranchID)
	assert.True(t, ok)
}

func TestRoundStatusBlocked(t *testing.T) {
	ctx := context.Background()
	cfg := testChatConfig()
	cfg.Chat.GatingFlowRef = "status_update@1"
	env := newChatEnv(t, cfg, storyMainFlow())
	sess := startSession(t, env)

	_, err := env.chat.Send(ctx, &SendRequest{SessionID: sess.SessionID, UserInput: "go north"})
	require.NoError(t, err)

	status, err := env.chat.RoundStatus(ctx, sess.SessionID, "", 1)
	require.NoError(t, err)

	assert.Equal(t, 1, status.RoundNo)
	assert.Equal(t, store.RoundBlocked, status.Status)
	assert.Len(t, status.Blockers, 1)
	assert.Equal(t, "The Crossroads Inn", status.StateSnapshot["location"])
	// The job has not completed, so its keys are not in the LSS yet.
	assert.NotContains(t, status.StateSnapshot, "narrative_status")
}

func TestRoundStatusUnknownRound(t *testing.T) {
	env := newChatEnv(t, testChatConfig(), storyMainFlow())
	sess := startSession(t, env)

	_, err := env.chat.RoundStatus(context.Background(), sess.SessionID, "", 5)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindNotFound))
}

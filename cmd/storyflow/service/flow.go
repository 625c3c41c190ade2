package service

import (
	"context"
	"encoding/json"

	"github.com/lyzr/storyflow/common/bootstrap"
	"github.com/lyzr/storyflow/common/engine"
	"github.com/lyzr/storyflow/common/fault"
	"github.com/lyzr/storyflow/common/ir"
	"github.com/lyzr/storyflow/common/items"
	"github.com/lyzr/storyflow/common/node"
	"github.com/lyzr/storyflow/common/state"
)

// FlowService runs, validates and reloads flow documents outside the
// chat pipeline.
type FlowService struct {
	states     *state.Registry
	engine     *engine.Executor
	resources  *node.Resources
	components *bootstrap.Components
}

// NewFlowService creates the flow execution service
func NewFlowService(states *state.Registry, eng *engine.Executor, resources *node.Resources, components *bootstrap.Components) *FlowService {
	return &FlowService{
		states:     states,
		engine:     eng,
		resources:  resources,
		components: components,
	}
}

type RunFlowRequest struct {
	Ref           string                 `json:"ref"`
	Items         []items.Item           `json:"items"`
	SessionID     string                 `json:"session_id"`
	UseWorldState *bool                  `json:"use_world_state"`
	InitialState  map[string]interface{} `json:"initial_state"`
	Resources     map[string]interface{} `json:"resources"`
}

type RunFlowResponse struct {
	Items         []items.Item           `json:"items"`
	Logs          []string               `json:"logs"`
	Metrics       map[string]interface{} `json:"metrics"`
	StateSnapshot map[string]interface{} `json:"state_snapshot"`
}

// Run executes a loaded flow. With session_id the run binds to that
// session's state manager; otherwise it gets a scratch manager seeded
// from the world defaults and initial_state.
func (s *FlowService) Run(ctx context.Context, req *RunFlowRequest) (*RunFlowResponse, error) {
	if req.Ref == "" {
		return nil, fault.New(fault.KindSchema, "ref is required")
	}
	resources, err := resolveResources(s.resources, req.Resources)
	if err != nil {
		return nil, err
	}

	var mgr *state.Manager
	if req.SessionID != "" {
		mgr, err = s.states.Acquire(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
	} else {
		initial, err := composeInitialState(boolValue(req.UseWorldState, true), req.InitialState)
		if err != nil {
			return nil, err
		}
		mgr = state.Scratch(initial)
	}

	if timeout := s.components.Config.Chat.RoundTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := s.engine.Run(ctx, req.Ref, req.Items, &node.Context{
		SessionID: req.SessionID,
		State:     mgr,
		Resources: resources,
		Logger:    s.components.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &RunFlowResponse{
		Items:         res.Items,
		Logs:          res.Logs,
		Metrics:       res.Metrics,
		StateSnapshot: mgr.GetForPrompt(),
	}, nil
}

type ValidateRequest struct {
	Doc map[string]interface{} `json:"doc"`
}

type ValidateResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// Validate checks a document body without loading it. Validation
// problems come back in the response, never as an HTTP error.
func (s *FlowService) Validate(req *ValidateRequest) *ValidateResponse {
	if len(req.Doc) == 0 {
		return &ValidateResponse{Valid: false, Error: "doc is required"}
	}

	data, err := json.Marshal(req.Doc)
	if err != nil {
		return &ValidateResponse{Valid: false, Error: err.Error()}
	}
	doc, err := ir.Parse(data, "json")
	if err != nil {
		return &ValidateResponse{Valid: false, Error: err.Error()}
	}
	if err := doc.Validate(); err != nil {
		return &ValidateResponse{Valid: false, Error: err.Error()}
	}
	return &ValidateResponse{Valid: true}
}

type ReloadRequest struct {
	Dirs []string `json:"dirs"`
}

type ReloadResponse struct {
	Flows     []string `json:"flows"`
	NodeTypes []string `json:"node_types"`
}

// Reload rebuilds the flow index (from the given dirs, or the configured
// ones) and the node registry, swapping both atomically.
func (s *FlowService) Reload(req *ReloadRequest) (*ReloadResponse, error) {
	dirs := req.Dirs
	if len(dirs) == 0 {
		dirs = s.components.Config.Flows.Dirs
	}

	flows, nodeTypes, err := s.engine.Reload(dirs)
	if err != nil {
		return nil, err
	}
	return &ReloadResponse{Flows: flows, NodeTypes: nodeTypes}, nil
}

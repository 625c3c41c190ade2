package container

import (
	"github.com/lyzr/storyflow/cmd/storyflow/service"
	"github.com/lyzr/storyflow/common/bootstrap"
	"github.com/lyzr/storyflow/common/engine"
	"github.com/lyzr/storyflow/common/jobs"
	"github.com/lyzr/storyflow/common/llm"
	"github.com/lyzr/storyflow/common/node"
	"github.com/lyzr/storyflow/common/outbox"
	"github.com/lyzr/storyflow/common/ratelimit"
	"github.com/lyzr/storyflow/common/state"
	"github.com/lyzr/storyflow/common/story"
	"github.com/lyzr/storyflow/common/traffic"
)

// Container holds all initialized services (singleton pattern)
type Container struct {
	Components *bootstrap.Components

	Traffic     *traffic.Buffer
	LLM         llm.Client
	Resources   *node.Resources
	States      *state.Registry
	Engine      *engine.Executor
	Runner      *jobs.Runner
	Poller      *outbox.Poller
	RateLimiter *ratelimit.RateLimiter

	ChatService *service.ChatService
	FlowService *service.FlowService
}

// NewContainer initializes all services once
func NewContainer(components *bootstrap.Components) (*Container, error) {
	cfg := components.Config

	trafficBuf := traffic.NewBuffer(cfg.Traffic.BufferSize)
	llmClient := llm.NewHTTPClient(llm.Options{
		BaseURL:   cfg.LLM.BaseURL,
		APIKey:    cfg.LLM.APIKey,
		Models:    cfg.LLM.Models,
		AuthStyle: cfg.LLM.AuthStyle,
		Timeout:   cfg.LLM.Timeout,
	}, trafficBuf, components.Logger)

	resources := &node.Resources{
		LLM:          llmClient,
		CodeFuncs:    story.Funcs(),
		AllowMockLLM: cfg.LLM.AllowMock,
	}

	states := state.NewRegistry(components.Store)
	eng := engine.New(components.Flows, components.Nodes, cfg.Flows.SubflowMaxDepth, components.Logger)

	runner, err := jobs.NewRunner(components.Store, states, eng, resources, jobs.Config{
		RunTimeout:      cfg.Chat.RoundTimeout,
		MaxAttempts:     cfg.Queue.JobMaxAttempts,
		RetryBase:       cfg.Queue.JobRetryBase,
		RetryFactor:     cfg.Queue.JobRetryFactor,
		RetentionPolicy: cfg.Chat.RetentionPolicy,
	}, components.Logger)
	if err != nil {
		return nil, err
	}

	poller := outbox.NewPoller(components.Store, components.Queue, runner, cfg.Queue.OutboxPollInterval, components.Logger)

	var limiter *ratelimit.RateLimiter
	if cfg.RateLimit.Enabled && components.Redis != nil {
		limiter = ratelimit.NewRateLimiter(components.Redis.GetUnderlying(), components.Logger)
	}

	return &Container{
		Components:  components,
		Traffic:     trafficBuf,
		LLM:         llmClient,
		Resources:   resources,
		States:      states,
		Engine:      eng,
		Runner:      runner,
		Poller:      poller,
		RateLimiter: limiter,
		ChatService: service.NewChatService(components.Store, states, eng, resources, components),
		FlowService: service.NewFlowService(states, eng, resources, components),
	}, nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lyzr/storyflow/cmd/flow-worker/worker"
	"github.com/lyzr/storyflow/common/bootstrap"
	"github.com/lyzr/storyflow/common/engine"
	"github.com/lyzr/storyflow/common/jobs"
	"github.com/lyzr/storyflow/common/llm"
	"github.com/lyzr/storyflow/common/node"
	"github.com/lyzr/storyflow/common/queue"
	"github.com/lyzr/storyflow/common/state"
	"github.com/lyzr/storyflow/common/story"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bootstrap service components
	components, err := bootstrap.Setup(ctx, "flow-worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	cfg := components.Config
	if cfg.Queue.Type != queue.KindRedis || components.Redis == nil {
		components.Logger.Error("flow-worker requires the redis queue", "queue_type", cfg.Queue.Type)
		os.Exit(1)
	}

	// Same execution stack as the service, against the shared store. No
	// traffic recorder here: capture is a service-side debug surface.
	llmClient := llm.NewHTTPClient(llm.Options{
		BaseURL:   cfg.LLM.BaseURL,
		APIKey:    cfg.LLM.APIKey,
		Models:    cfg.LLM.Models,
		AuthStyle: cfg.LLM.AuthStyle,
		Timeout:   cfg.LLM.Timeout,
	}, nil, components.Logger)

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
		components.Logger.Error("failed to initialize job runner", "error", err)
		os.Exit(1)
	}

	flowWorker := worker.NewFlowWorker(components.Redis, runner, cfg.Queue.JobStream, cfg.Queue.JobGroup, cfg.Queue.Consumer, components.Logger)

	// Start worker in goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := flowWorker.Start(ctx); err != nil && err != context.Canceled {
			errChan <- fmt.Errorf("flow worker error: %w", err)
		}
	}()

	components.Logger.Info("flow-worker started successfully")

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		components.Logger.Error("worker failed", "error", err)
		os.Exit(1)
	case sig := <-sigChan:
		components.Logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}

	components.Logger.Info("flow-worker shutting down gracefully")
}

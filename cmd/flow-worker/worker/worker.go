package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/lyzr/storyflow/common/jobs"
	"github.com/lyzr/storyflow/common/logger"
	"github.com/lyzr/storyflow/common/queue"
	redisWrapper "github.com/lyzr/storyflow/common/redis"
)

// FlowWorker consumes job refs from the Redis stream and hands each one
// to the shared runner. Delivery is at-least-once: every message is
// acked after handling, and failed attempts come back through the
// outbox reschedule, never through stream redelivery.
type FlowWorker struct {
	redis    *redisWrapper.Client
	runner   *jobs.Runner
	logger   *logger.Logger
	stream   string
	group    string
	consumer string
}

// NewFlowWorker creates a worker attached to the configured job stream.
// An empty consumer name gets a generated one; a stable name lets the
// consumer keep its identity in the group across restarts.
func NewFlowWorker(redisClient *redisWrapper.Client, runner *jobs.Runner, stream, group, consumer string, log *logger.Logger) *FlowWorker {
	if consumer == "" {
		consumer = fmt.Sprintf("flow_worker_%s", uuid.New().String()[:8])
	}
	return &FlowWorker{
		redis:    redisClient,
		runner:   runner,
		logger:   log,
		stream:   stream,
		group:    group,
		consumer: consumer,
	}
}

// Start begins consuming jobs until the context is canceled
func (w *FlowWorker) Start(ctx context.Context) error {
	w.logger.Info("starting flow worker",
		"stream", w.stream,
		"group", w.group,
		"consumer", w.consumer)

	// Create consumer group if it doesn't exist
	if err := w.redis.CreateStreamGroup(ctx, w.stream, w.group); err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("flow worker stopping")
			return nil
		default:
			if err := w.processNext(ctx); err != nil {
				if ctx.Err() != nil {
					w.logger.Info("flow worker stopping")
					return nil
				}
				w.logger.Error("failed to process job delivery", "error", err)
				time.Sleep(1 * time.Second) // Back off on error
			}
		}
	}
}

// processNext reads and handles one delivery
func (w *FlowWorker) processNext(ctx context.Context) error {
	streams, err := w.redis.ReadFromStreamGroup(ctx, w.group, w.consumer, w.stream, 1, 5*time.Second)
	if err != nil {
		return fmt.Errorf("XREADGROUP error: %w", err)
	}

	if streams == nil {
		// Timeout, no messages
		return nil
	}

	for _, stream := range streams {
		for _, message := range stream.Messages {
			w.handleDelivery(ctx, message)

			// ACK unconditionally: the runner reschedules failed attempts
			// on the job record, so redelivery is never the retry path
			if err := w.redis.AckStreamMessage(ctx, w.stream, w.group, message.ID); err != nil {
				w.logger.Error("failed to ACK job message", "message_id", message.ID, "error", err)
			}
		}
	}

	return nil
}

// handleDelivery decodes one message and runs its job
func (w *FlowWorker) handleDelivery(ctx context.Context, message goredis.XMessage) {
	ref, err := queue.ParseJobRef(message.Values)
	if err != nil {
		w.logger.Error("dropping malformed job message", "message_id", message.ID, "error", err)
		return
	}

	w.logger.Info("job delivery received",
		"job_id", ref.JobID,
		"session_id", ref.SessionID,
		"kind", ref.Kind,
		"ref", ref.Ref)

	if err := w.runner.Run(ctx, ref.SessionID, ref.JobID); err != nil {
		w.logger.Error("job run failed",
			"job_id", ref.JobID,
			"session_id", ref.SessionID,
			"error", err)
	}
}

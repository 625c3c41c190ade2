package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/lyzr/storyflow/common/fault"
	"github.com/lyzr/storyflow/common/redis"
)

// Queue kinds
const (
	KindRedis = "redis"
	KindNull  = "null"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// JobRef is the delivery payload handed to flow workers: just enough to
// locate the job inside its session document. The document is the source
// of truth, so a duplicate or stale delivery resolves there, not here.
type JobRef struct {
	SessionID string `json:"session_id"`
	JobID     string `json:"job_id"`
	Kind      string `json:"kind"`
	Ref       string `json:"ref"`
}

// Validate checks that the ref can be resolved by a worker
func (r *JobRef) Validate() error {
	if r.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if r.JobID == "" {
		return fmt.Errorf("job_id is required")
	}
	if r.Ref == "" {
		return fmt.Errorf("ref is required")
	}
	return nil
}

// ParseJobRef decodes a stream message's values back into a JobRef
func ParseJobRef(values map[string]interface{}) (JobRef, error) {
	var ref JobRef
	raw, ok := values["job"].(string)
	if !ok {
		return ref, fmt.Errorf("stream message missing job field")
	}
	if err := json.Unmarshal([]byte(raw), &ref); err != nil {
		return ref, fmt.Errorf("failed to decode job ref: %w", err)
	}
	if err := ref.Validate(); err != nil {
		return ref, fmt.Errorf("invalid job ref: %w", err)
	}
	return ref, nil
}

// Queue delivers job refs to workers. Delivery is at-least-once; the
// receiving side must be idempotent.
type Queue interface {
	Enqueue(ctx context.Context, ref JobRef) error
	Kind() string
	Close() error
}

// RedisQueue delivers job refs over a Redis stream consumed by a worker
// consumer group
type RedisQueue struct {
	client *redis.Client
	stream string
	group  string
	logger Logger
}

// NewRedisQueue creates the stream's consumer group up front so workers
// can attach before the first enqueue
func NewRedisQueue(ctx context.Context, client *redis.Client, stream, group string, logger Logger) (*RedisQueue, error) {
	if err := client.CreateStreamGroup(ctx, stream, group); err != nil {
		return nil, fault.Wrap(fault.KindQueueUnavailable, err)
	}
	return &RedisQueue{
		client: client,
		stream: stream,
		group:  group,
		logger: logger,
	}, nil
}

// Enqueue publishes the ref as a single-field stream entry
func (q *RedisQueue) Enqueue(ctx context.Context, ref JobRef) error {
	if err := ref.Validate(); err != nil {
		return fault.New(fault.KindSchema, "invalid job ref: %v", err)
	}
	data, err := json.Marshal(ref)
	if err != nil {
		return fault.Wrap(fault.KindInternal, err)
	}
	id, err := q.client.AddToStream(ctx, q.stream, map[string]interface{}{
		"job": string(data),
	})
	if err != nil {
		return fault.Wrap(fault.KindQueueUnavailable, err)
	}
	q.logger.Debug("enqueued job", "job_id", ref.JobID, "session_id", ref.SessionID, "stream_id", id)
	return nil
}

// Kind returns the queue type
func (q *RedisQueue) Kind() string {
	return KindRedis
}

// Close is a no-op: the redis client is owned by the caller
func (q *RedisQueue) Close() error {
	return nil
}

// NullQueue records enqueues in memory. Used when no broker is configured
// (jobs run inline off the outbox poller) and in tests.
type NullQueue struct {
	mu   sync.Mutex
	refs []JobRef
}

// NewNullQueue creates an in-memory queue
func NewNullQueue() *NullQueue {
	return &NullQueue{}
}

// Enqueue records the ref
func (q *NullQueue) Enqueue(ctx context.Context, ref JobRef) error {
	if err := ref.Validate(); err != nil {
		return fault.New(fault.KindSchema, "invalid job ref: %v", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.refs = append(q.refs, ref)
	return nil
}

// Enqueued returns a copy of everything recorded so far
func (q *NullQueue) Enqueued() []JobRef {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]JobRef, len(q.refs))
	copy(out, q.refs)
	return out
}

// Kind returns the queue type
func (q *NullQueue) Kind() string {
	return KindNull
}

// Close is a no-op
func (q *NullQueue) Close() error {
	return nil
}

package jobs

import (
	"context"
	"time"

	"github.com/lyzr/storyflow/common/engine"
	"github.com/lyzr/storyflow/common/fault"
	"github.com/lyzr/storyflow/common/items"
	"github.com/lyzr/storyflow/common/node"
	"github.com/lyzr/storyflow/common/state"
	"github.com/lyzr/storyflow/common/store"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Config holds the execution knobs for job runs
type Config struct {
	RunTimeout      time.Duration
	MaxAttempts     int
	RetryBase       time.Duration
	RetryFactor     int
	RetentionPolicy string
}

// Runner is the single job execution path. The inline poller and the
// worker binary both hand deliveries here, so retries, the retention
// policy and status bookkeeping behave identically in both modes.
type Runner struct {
	store     *store.Store
	states    *state.Registry
	engine    *engine.Executor
	resources *node.Resources
	policy    *PolicyEvaluator
	cfg       Config
	logger    Logger
}

// NewRunner validates the retention policy up front so a bad expression
// fails service startup rather than the first finished job.
func NewRunner(st *store.Store, states *state.Registry, eng *engine.Executor, resources *node.Resources, cfg Config, logger Logger) (*Runner, error) {
	policy := NewPolicyEvaluator()
	if err := policy.Compile(cfg.RetentionPolicy); err != nil {
		return nil, fault.Wrap(fault.KindSchema, err)
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.RetryFactor < 1 {
		cfg.RetryFactor = 1
	}
	return &Runner{
		store:     st,
		states:    states,
		engine:    eng,
		resources: resources,
		policy:    policy,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// Run executes one delivered job to completion, reschedule or permanent
// failure. Deliveries are at-least-once, so everything here tolerates
// duplicates: terminal jobs are skipped, and a concurrent claim loses the
// MarkJobRunning race.
func (r *Runner) Run(ctx context.Context, sessionID, jobID string) error {
	job, err := r.store.GetJob(ctx, sessionID, jobID)
	if err != nil {
		if fault.Is(err, fault.KindNotFound) {
			// Session or job deleted after delivery; nothing to do.
			r.logger.Warn("dropping delivery for missing job", "session_id", sessionID, "job_id", jobID)
			return nil
		}
		return err
	}
	if job.Terminal() {
		r.logger.Debug("job already terminal, skipping", "job_id", job.ID, "status", job.Status)
		return nil
	}

	job, started, err := r.store.MarkJobRunning(ctx, sessionID, jobID)
	if err != nil {
		return err
	}
	if !started {
		r.logger.Debug("job finished elsewhere, skipping", "job_id", jobID)
		return nil
	}

	r.logger.Info("running job",
		"job_id", job.ID,
		"kind", job.Kind,
		"ref", job.Ref,
		"session_id", job.SessionID,
		"round_no", job.RoundNo,
		"attempt", job.Attempts)

	res, runErr := r.execute(ctx, job)
	if runErr != nil {
		return r.fail(ctx, job, runErr.Error())
	}
	if res.Failed {
		return r.fail(ctx, job, lastLog(res.Logs))
	}

	return r.complete(ctx, job, res)
}

// execute runs the job's flow ref with a node context bound to the job's
// session, branch and round.
func (r *Runner) execute(ctx context.Context, job *store.Job) (*engine.Result, error) {
	mgr, err := r.states.Acquire(ctx, job.SessionID)
	if err != nil {
		return nil, err
	}

	nc := &node.Context{
		SessionID: job.SessionID,
		BranchID:  job.BranchID,
		RoundNo:   job.RoundNo,
		State:     mgr,
		Resources: r.resources,
		Logger:    r.logger,
	}

	runCtx := ctx
	if r.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.RunTimeout)
		defer cancel()
	}

	return r.engine.Run(runCtx, job.Ref, []items.Item{jobInput(job)}, nc)
}

// complete applies the run's state updates through the store (one durable
// commit) and folds them into the cached state manager.
func (r *Runner) complete(ctx context.Context, job *store.Job, res *engine.Result) error {
	updates := CollectStateUpdates(res.Items)

	if !job.Blocking && len(updates) > 0 {
		keep, err := r.retain(ctx, job)
		if err != nil {
			// Keep the updates: a policy breakage should not silently
			// drop finished work.
			r.logger.Error("retention policy check failed, keeping updates", "job_id", job.ID, "error", err)
			keep = true
		}
		if !keep {
			r.logger.Info("retention policy discarded job updates",
				"job_id", job.ID,
				"kind", job.Kind,
				"branch_id", job.BranchID,
				"keys", len(updates))
			updates = nil
		}
	}

	_, rev, err := r.store.UpdateJobStatus(ctx, job.SessionID, job.ID, store.JobCompleted, "", updates)
	if err != nil {
		return err
	}

	if len(updates) > 0 {
		r.states.AbsorbCommit(job.SessionID, updates, rev)
	}
	if keys := payloadStateKeys(job); len(keys) > 0 {
		// Unmark keys the run never produced so prompts stop reporting
		// them as in flight.
		r.states.ClearPending(job.SessionID, keys)
	}

	r.logger.Info("job completed",
		"job_id", job.ID,
		"kind", job.Kind,
		"session_id", job.SessionID,
		"updated_keys", len(updates))
	return nil
}

// fail reschedules with exponential backoff while attempts remain, then
// marks the job failed for good.
func (r *Runner) fail(ctx context.Context, job *store.Job, reason string) error {
	if job.Attempts < r.cfg.MaxAttempts {
		delay := retryDelay(r.cfg.RetryBase, r.cfg.RetryFactor, job.Attempts)
		if _, err := r.store.RescheduleJob(ctx, job.SessionID, job.ID, reason, time.Now().UTC().Add(delay)); err != nil {
			return err
		}
		r.logger.Warn("job attempt failed, rescheduled",
			"job_id", job.ID,
			"attempt", job.Attempts,
			"max_attempts", r.cfg.MaxAttempts,
			"retry_in", delay,
			"error", reason)
		return nil
	}

	if _, _, err := r.store.UpdateJobStatus(ctx, job.SessionID, job.ID, store.JobFailed, reason, nil); err != nil {
		return err
	}
	if keys := payloadStateKeys(job); len(keys) > 0 {
		r.states.ClearPending(job.SessionID, keys)
	}
	r.logger.Error("job failed permanently",
		"job_id", job.ID,
		"kind", job.Kind,
		"session_id", job.SessionID,
		"attempts", job.Attempts,
		"error", reason)
	return nil
}

// retain evaluates the retention policy for a finished non-blocking job
func (r *Runner) retain(ctx context.Context, job *store.Job) (bool, error) {
	if r.cfg.RetentionPolicy == "" {
		return true, nil
	}
	sess, err := r.store.LoadSession(ctx, job.SessionID)
	if err != nil {
		return false, err
	}
	return r.policy.Allows(r.cfg.RetentionPolicy,
		map[string]interface{}{
			"id":        job.ID,
			"kind":      job.Kind,
			"branch_id": job.BranchID,
			"round_no":  job.RoundNo,
			"blocking":  job.Blocking,
		},
		map[string]interface{}{
			"id":               sess.ID,
			"active_branch_id": sess.ActiveBranchID,
		})
}

// CollectStateUpdates gathers state_updates records from a run's output
// items, later items winning per key.
func CollectStateUpdates(list []items.Item) map[string]interface{} {
	var updates map[string]interface{}
	for _, it := range list {
		rec, ok := updatesRecord(it["state_updates"])
		if !ok {
			continue
		}
		for k, v := range rec {
			if updates == nil {
				updates = make(map[string]interface{}, len(rec))
			}
			updates[k] = items.DeepCopyValue(v)
		}
	}
	return updates
}

func updatesRecord(raw interface{}) (map[string]interface{}, bool) {
	switch v := raw.(type) {
	case map[string]interface{}:
		return v, true
	case items.Item:
		return v, true
	}
	return nil, false
}

// payloadStateKeys returns the state keys the job was recorded to resolve
// (carried in the payload so worker processes need no chat configuration).
func payloadStateKeys(job *store.Job) []string {
	raw, ok := job.InputPayload["state_keys"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		keys := make([]string, 0, len(v))
		for _, k := range v {
			if s, ok := k.(string); ok {
				keys = append(keys, s)
			}
		}
		return keys
	}
	return nil
}

func jobInput(job *store.Job) items.Item {
	if job.InputPayload == nil {
		return items.Item{}
	}
	return items.DeepCopyItem(items.Item(job.InputPayload))
}

func retryDelay(base time.Duration, factor, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= time.Duration(factor)
	}
	return delay
}

func lastLog(logs []string) string {
	if len(logs) == 0 {
		return "flow run failed"
	}
	return logs[len(logs)-1]
}

package outbox

import (
	"context"
	"time"

	"github.com/lyzr/storyflow/common/jobs"
	"github.com/lyzr/storyflow/common/queue"
	"github.com/lyzr/storyflow/common/store"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Poller drains the session outboxes. Each tick it lists due pending jobs
// and either hands them to the broker (redis mode) or runs them inline
// through the Runner (null mode). One goroutine does all of it, so claims
// and inline runs stay serialized.
type Poller struct {
	store    *store.Store
	queue    queue.Queue
	runner   *jobs.Runner
	interval time.Duration
	logger   Logger
}

// NewPoller creates a poller; a non-positive interval falls back to 250ms
func NewPoller(st *store.Store, q queue.Queue, runner *jobs.Runner, interval time.Duration, logger Logger) *Poller {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Poller{
		store:    st,
		queue:    q,
		runner:   runner,
		interval: interval,
		logger:   logger,
	}
}

// Start runs the poll loop until the context is cancelled
func (p *Poller) Start(ctx context.Context) error {
	p.logger.Info("outbox poller starting",
		"interval", p.interval,
		"queue", p.queue.Kind())

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("outbox poller shutting down")
			return ctx.Err()
		case <-ticker.C:
			if err := p.Tick(ctx); err != nil {
				p.logger.Error("outbox tick failed", "error", err)
			}
		}
	}
}

// Tick processes one poll cycle. Exported so tests and inline setups can
// drive the poller without the goroutine.
func (p *Poller) Tick(ctx context.Context) error {
	pending, err := p.store.ListPendingJobs(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	if p.queue.Kind() == queue.KindNull {
		p.runInline(ctx, pending)
		return nil
	}
	p.dispatch(ctx, pending)
	return nil
}

// dispatch enqueues each job ref, then claims the job so the next tick
// skips it. An enqueue failure leaves the job pending for the next tick.
func (p *Poller) dispatch(ctx context.Context, pending []*store.Job) {
	for _, job := range pending {
		ref := queue.JobRef{
			SessionID: job.SessionID,
			JobID:     job.ID,
			Kind:      job.Kind,
			Ref:       job.Ref,
		}
		if err := p.queue.Enqueue(ctx, ref); err != nil {
			p.logger.Warn("enqueue failed, retrying next tick", "job_id", job.ID, "error", err)
			continue
		}
		claimed, err := p.store.ClaimJob(ctx, job.SessionID, job.ID)
		if err != nil {
			p.logger.Error("claim after enqueue failed", "job_id", job.ID, "error", err)
			continue
		}
		if !claimed {
			// Someone else moved the job first; the duplicate delivery
			// resolves at the runner.
			p.logger.Debug("job no longer claimable", "job_id", job.ID)
		}
	}
}

// runInline claims and executes jobs in list order. The listing walks
// sessions in sorted order with each session's jobs in record order, so
// per-session ordering holds without extra bookkeeping.
func (p *Poller) runInline(ctx context.Context, pending []*store.Job) {
	for _, job := range pending {
		if ctx.Err() != nil {
			return
		}
		claimed, err := p.store.ClaimJob(ctx, job.SessionID, job.ID)
		if err != nil {
			p.logger.Error("claim failed", "job_id", job.ID, "error", err)
			continue
		}
		if !claimed {
			continue
		}
		if err := p.runner.Run(ctx, job.SessionID, job.ID); err != nil {
			p.logger.Error("inline job run failed", "job_id", job.ID, "error", err)
		}
	}
}

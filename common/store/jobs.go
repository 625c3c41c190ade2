package store

import (
	"context"
	"time"

	"github.com/lyzr/storyflow/common/fault"
)

// RecordJob registers a post-processing job for a round, plus its
// outbox entry. The idempotency key makes re-recording a no-op that
// returns the existing job (created=false). A blocking job becomes a
// round blocker and flips the round to blocked.
func (s *Store) RecordJob(ctx context.Context, sessionID, branchID string, roundNo int, kind string, blocking bool, ref string, payload map[string]interface{}) (*Job, bool, error) {
	key := IdempotencyKey(sessionID, branchID, roundNo, kind, ref)

	var jobID string
	created := false
	sess, err := s.mutate(ctx, sessionID, func(sess *Session) error {
		if _, ok := sess.Round(branchID, roundNo); !ok {
			return fault.New(fault.KindNotFound, "round %d not found on branch %s", roundNo, branchID)
		}
		if existing, ok := sess.jobByKey(key); ok {
			jobID = existing.ID
			return errUnchanged
		}

		now := time.Now().UTC()
		job := &Job{
			ID:             newID("job"),
			Kind:           kind,
			Blocking:       blocking,
			SessionID:      sessionID,
			BranchID:       branchID,
			RoundNo:        roundNo,
			Ref:            ref,
			InputPayload:   copyState(payload),
			IdempotencyKey: key,
			Status:         JobPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		jobID = job.ID
		created = true
		sess.Jobs = append(sess.Jobs, job)
		sess.Outbox = append(sess.Outbox, &OutboxEntry{JobID: job.ID})

		if blocking {
			round, _ := sess.Round(branchID, roundNo)
			round.Blockers = append(round.Blockers, job.ID)
			round.Status = RoundBlocked
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	job, _ := sess.Job(jobID)
	if created {
		s.logger.Info("job recorded", "session_id", sessionID, "job_id", job.ID,
			"kind", kind, "ref", ref, "blocking", blocking, "round_no", roundNo)
	}
	return job, created, nil
}

// GetJob returns a detached copy of one job.
func (s *Store) GetJob(ctx context.Context, sessionID, jobID string) (*Job, error) {
	sess, err := s.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	job, ok := sess.Job(jobID)
	if !ok {
		return nil, fault.New(fault.KindNotFound, "job %q not found in session %s", jobID, sessionID)
	}
	return job, nil
}

// ClaimJob moves a due pending job to enqueued and marks its outbox
// entry delivered, all in one critical section. Returns false when the
// job is not claimable (already claimed, terminal, or backing off).
func (s *Store) ClaimJob(ctx context.Context, sessionID, jobID string) (bool, error) {
	claimed := false
	_, err := s.mutate(ctx, sessionID, func(sess *Session) error {
		job, ok := sess.Job(jobID)
		if !ok {
			return fault.New(fault.KindNotFound, "job %q not found in session %s", jobID, sessionID)
		}
		if job.Status != JobPending || !job.Due(time.Now().UTC()) {
			return errUnchanged
		}

		now := time.Now().UTC()
		job.Status = JobEnqueued
		job.UpdatedAt = now
		if e, ok := sess.outboxEntry(job.ID); ok {
			e.Delivered = true
			e.EnqueuedAt = &now
		}
		claimed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// MarkJobRunning transitions a claimed job to running and counts the
// attempt. Terminal jobs are not restarted; started=false tells the
// caller to drop the delivery.
func (s *Store) MarkJobRunning(ctx context.Context, sessionID, jobID string) (*Job, bool, error) {
	started := false
	sess, err := s.mutate(ctx, sessionID, func(sess *Session) error {
		job, ok := sess.Job(jobID)
		if !ok {
			return fault.New(fault.KindNotFound, "job %q not found in session %s", jobID, sessionID)
		}
		if job.Terminal() {
			return errUnchanged
		}
		job.Status = JobRunning
		job.Attempts++
		job.UpdatedAt = time.Now().UTC()
		started = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	job, _ := sess.Job(jobID)
	return job, started, nil
}

// UpdateJobStatus finalizes a job attempt. Completed jobs may carry
// state updates, which merge into the LSS. A completed blocking job
// releases its round blocker, completing the round when it was the
// last one; a failed blocking job fails the round (policy) or leaves
// it blocked for inspection. Returns the job and the session's state
// revision after the update.
func (s *Store) UpdateJobStatus(ctx context.Context, sessionID, jobID, status, lastErr string, stateUpdates map[string]interface{}) (*Job, int64, error) {
	var rev int64
	sess, err := s.mutate(ctx, sessionID, func(sess *Session) error {
		job, ok := sess.Job(jobID)
		if !ok {
			return fault.New(fault.KindNotFound, "job %q not found in session %s", jobID, sessionID)
		}

		job.Status = status
		job.LastError = lastErr
		job.UpdatedAt = time.Now().UTC()

		if status == JobCompleted && len(stateUpdates) > 0 {
			for k, v := range copyState(stateUpdates) {
				sess.LSS[k] = v
			}
			sess.StateRev++
		}
		rev = sess.StateRev

		round, ok := sess.Round(job.BranchID, job.RoundNo)
		if !ok || !job.Blocking {
			return nil
		}
		switch status {
		case JobCompleted:
			round.Blockers = removeString(round.Blockers, job.ID)
			if len(round.Blockers) == 0 && round.Status == RoundBlocked {
				round.Status = RoundCompleted
			}
		case JobFailed:
			if s.failRoundOnBlocker {
				round.Status = RoundFailed
				round.Blockers = []string{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	job, _ := sess.Job(jobID)
	s.logger.Info("job status updated", "session_id", sessionID, "job_id", jobID,
		"status", status, "state_rev", rev)
	return job, rev, nil
}

// RescheduleJob puts a failed attempt back in the pending pool with a
// backoff deadline; the outbox entry reopens so the poller redelivers.
func (s *Store) RescheduleJob(ctx context.Context, sessionID, jobID, lastErr string, nextAttempt time.Time) (*Job, error) {
	sess, err := s.mutate(ctx, sessionID, func(sess *Session) error {
		job, ok := sess.Job(jobID)
		if !ok {
			return fault.New(fault.KindNotFound, "job %q not found in session %s", jobID, sessionID)
		}
		job.Status = JobPending
		job.LastError = lastErr
		job.NextAttemptAt = nextAttempt
		job.UpdatedAt = time.Now().UTC()
		if e, ok := sess.outboxEntry(job.ID); ok {
			e.Delivered = false
			e.EnqueuedAt = nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	job, _ := sess.Job(jobID)
	s.logger.Warn("job rescheduled", "session_id", sessionID, "job_id", jobID,
		"attempts", job.Attempts, "next_attempt_at", nextAttempt, "error", lastErr)
	return job, nil
}

// ListPendingJobs returns detached copies of every due pending job
// across all sessions, in session order.
func (s *Store) ListPendingJobs(ctx context.Context) ([]*Job, error) {
	ids, err := s.sessionIDs()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var jobs []*Job
	for _, id := range ids {
		sess, err := s.LoadSession(ctx, id)
		if err != nil {
			s.logger.Error("listing jobs skipped session", "session_id", id, "error", err)
			continue
		}
		for _, j := range sess.Jobs {
			if j.Status == JobPending && j.Due(now) {
				jobs = append(jobs, j)
			}
		}
	}
	return jobs, nil
}

func removeString(in []string, s string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

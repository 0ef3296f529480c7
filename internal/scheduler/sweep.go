// ABOUTME: The periodic sweep: claims due jobs one at a time and submits them.
// ABOUTME: Recovers stale claims, bounds retries, and isolates per-job failures.

package scheduler

import (
	"context"
	"fmt"

	"github.com/inboxkit/mailagent/internal/store"
)

// SweepResult summarizes one CheckAndSend pass.
type SweepResult struct {
	Sent   int
	Failed int
	Errors []string
}

// CheckAndSend walks the working area once, strictly sequentially. Records
// are visited in ascending send-time order so the most urgent job is
// attempted first. A failure on one record never aborts the rest of the
// sweep. Callers must not run two sweeps concurrently: the claim below is a
// plain status write, not an atomic test-and-set.
func (s *Scheduler) CheckAndSend(ctx context.Context) (*SweepResult, error) {
	jobs, err := s.store.ListJobs(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("listing working area: %w", err)
	}

	result := &SweepResult{}
	now := s.now()

	for _, job := range jobs {
		// A sending record older than the stale threshold was abandoned by
		// a crashed sweep. Recover it before re-evaluating.
		if job.Status == store.StatusSending && now.Sub(job.CreatedAt) > s.staleClaimAfter {
			s.logger.Warn("recovering stale claim", "job_id", job.ID, "created_at", job.CreatedAt)
			job.Status = store.StatusPending
			if err := s.store.UpdateJob(ctx, job); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("job %s: recovering stale claim: %v", job.ID, err))
				continue
			}
		}

		if job.Status != store.StatusPending || job.SendAt.After(now) {
			continue
		}

		if job.Attempts >= s.maxAttempts {
			job.Status = store.StatusFailed
			if err := s.store.UpdateJob(ctx, job); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("job %s: forcing failed: %v", job.ID, err))
				continue
			}
			result.Failed++
			continue
		}

		// The persisted write below is the claim. Never submit without it.
		job.Status = store.StatusSending
		job.Attempts++
		if err := s.store.UpdateJob(ctx, job); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("job %s: claiming: %v", job.ID, err))
			continue
		}

		artifactID, err := s.submitter.Submit(ctx, job)
		if err != nil {
			s.failAttempt(ctx, job, err, result)
			continue
		}

		s.finishSent(ctx, job, artifactID, result)
	}

	s.logger.Info("sweep complete", "sent", result.Sent, "failed", result.Failed, "errors", len(result.Errors))
	return result, nil
}

// failAttempt records a failed submission: back to pending while retries
// remain, terminal failed once attempts are exhausted.
func (s *Scheduler) failAttempt(ctx context.Context, job *store.ScheduledJob, submitErr error, result *SweepResult) {
	if job.Attempts < s.maxAttempts {
		job.Status = store.StatusPending
	} else {
		job.Status = store.StatusFailed
	}
	job.LastErr = submitErr.Error()

	if err := s.store.UpdateJob(ctx, job); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("job %s: persisting failure: %v", job.ID, err))
		return
	}

	s.logger.Warn("submission failed",
		"job_id", job.ID,
		"account", job.Account,
		"attempts", job.Attempts,
		"status", job.Status,
		"error", submitErr,
	)
	result.Failed++
	result.Errors = append(result.Errors, fmt.Sprintf("job %s: %v", job.ID, submitErr))
}

// finishSent stamps the sent outcome, relocates the record to history, and
// best-effort discards the mirrored draft.
func (s *Scheduler) finishSent(ctx context.Context, job *store.ScheduledJob, artifactID string, result *SweepResult) {
	sentAt := s.now().UTC()
	job.Status = store.StatusSent
	job.SentAt = &sentAt
	job.SentArtifactID = artifactID

	if err := s.store.MoveJobToHistory(ctx, job); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("job %s: moving to history: %v", job.ID, err))
		return
	}

	if job.Mirror != nil {
		if err := s.mirror.Discard(ctx, job.Account, job.Mirror); err != nil {
			s.logger.Warn("discarding mirrored draft failed", "job_id", job.ID, "error", err)
		}
	}

	s.logger.Info("job sent",
		"job_id", job.ID,
		"account", job.Account,
		"artifact_id", artifactID,
		"attempts", job.Attempts,
	)
	result.Sent++
}

// ABOUTME: Deferred-send job lifecycle: schedule, list, cancel.
// ABOUTME: Mirror operations are best-effort and never fail the primary operation.

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/inboxkit/mailagent/internal/store"
)

// ErrSendAtNotFuture indicates the requested send time is not strictly after now.
var ErrSendAtNotFuture = errors.New("send time must be in the future")

// ErrInvalidState indicates an operation that requires a pending job hit one
// that has already been claimed, sent, or failed.
var ErrInvalidState = errors.New("job is not pending")

// Submitter delivers a job's message and returns the sent artifact id.
type Submitter interface {
	Submit(ctx context.Context, job *store.ScheduledJob) (artifactID string, err error)
}

// Mirror maintains a human-visible preview of a scheduled job.
type Mirror interface {
	Save(ctx context.Context, job *store.ScheduledJob) (*store.MirrorRef, error)
	Discard(ctx context.Context, account string, ref *store.MirrorRef) error
}

// JobSpec describes one message to schedule.
type JobSpec struct {
	To         []string
	Cc         []string
	Bcc        []string
	Subject    string
	Body       string
	HTML       bool
	InReplyTo  string
	References []string
	SendAt     time.Time
}

// ListFilter narrows a List call. Zero values mean no filtering.
type ListFilter struct {
	Account string
	Status  store.JobStatus
}

// CancelResult reports the outcome of a cancellation.
type CancelResult struct {
	Cancelled     bool
	MirrorDeleted bool
}

// Scheduler coordinates the durable job areas with the submission and
// mirror capabilities.
type Scheduler struct {
	store     store.JobStore
	submitter Submitter
	mirror    Mirror

	maxAttempts     int
	staleClaimAfter time.Duration

	now    func() time.Time
	logger *slog.Logger
}

// New creates a Scheduler over the given store and capabilities.
func New(st store.JobStore, submitter Submitter, mirror Mirror, maxAttempts int, staleClaimAfter time.Duration) *Scheduler {
	return &Scheduler{
		store:           st,
		submitter:       submitter,
		mirror:          mirror,
		maxAttempts:     maxAttempts,
		staleClaimAfter: staleClaimAfter,
		now:             time.Now,
		logger:          slog.Default().With("component", "scheduler"),
	}
}

// Schedule validates and persists a new pending job, then best-effort mirrors
// it as a draft. A mirror failure is swallowed: the returned job simply
// carries no mirror reference.
func (s *Scheduler) Schedule(ctx context.Context, account string, spec JobSpec) (*store.ScheduledJob, error) {
	now := s.now()
	if !spec.SendAt.After(now) {
		return nil, fmt.Errorf("%w: %s", ErrSendAtNotFuture, spec.SendAt.Format(time.RFC3339))
	}

	job := &store.ScheduledJob{
		ID:         uuid.New().String(),
		Account:    account,
		To:         spec.To,
		Cc:         spec.Cc,
		Bcc:        spec.Bcc,
		Subject:    spec.Subject,
		Body:       spec.Body,
		HTML:       spec.HTML,
		InReplyTo:  spec.InReplyTo,
		References: spec.References,
		SendAt:     spec.SendAt.UTC(),
		CreatedAt:  now.UTC(),
		Status:     store.StatusPending,
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("persisting job: %w", err)
	}

	ref, err := s.mirror.Save(ctx, job)
	if err != nil {
		s.logger.Warn("draft mirror failed", "job_id", job.ID, "account", account, "error", err)
		return job, nil
	}

	job.Mirror = ref
	if err := s.store.UpdateJob(ctx, job); err != nil {
		s.logger.Warn("persisting mirror reference failed", "job_id", job.ID, "error", err)
		job.Mirror = nil
	}

	s.logger.Info("job scheduled",
		"job_id", job.ID,
		"account", account,
		"send_at", job.SendAt,
		"mirrored", job.Mirror != nil,
	)
	return job, nil
}

// List is a pure read over the working and/or history areas, filtered by
// account and status, ordered ascending by send time.
func (s *Scheduler) List(ctx context.Context, filter ListFilter) ([]*store.ScheduledJob, error) {
	var out []*store.ScheduledJob

	if filter.Status != store.StatusSent {
		jobs, err := s.store.ListJobs(ctx, filter.Account)
		if err != nil {
			return nil, fmt.Errorf("listing working area: %w", err)
		}
		for _, job := range jobs {
			if filter.Status == "" || job.Status == filter.Status {
				out = append(out, job)
			}
		}
	}

	if filter.Status == "" || filter.Status == store.StatusSent {
		history, err := s.store.ListHistory(ctx, filter.Account)
		if err != nil {
			return nil, fmt.Errorf("listing history area: %w", err)
		}
		out = append(out, history...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SendAt.Before(out[j].SendAt)
	})
	return out, nil
}

// Overdue reports whether a job is still pending past its send time.
func (s *Scheduler) Overdue(job *store.ScheduledJob) bool {
	return job.Status == store.StatusPending && job.SendAt.Before(s.now())
}

// Cancel removes a pending job. Jobs already claimed, sent, or failed cannot
// be cancelled; this prevents racing with an in-flight sweep. The mirrored
// draft is discarded best-effort, reflected only in MirrorDeleted.
func (s *Scheduler) Cancel(ctx context.Context, id string) (*CancelResult, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	if job.Status != store.StatusPending {
		return nil, fmt.Errorf("%w: job %s is %s", ErrInvalidState, id, job.Status)
	}

	result := &CancelResult{Cancelled: true}
	if job.Mirror != nil {
		if err := s.mirror.Discard(ctx, job.Account, job.Mirror); err != nil {
			s.logger.Warn("discarding mirrored draft failed", "job_id", id, "error", err)
		} else {
			result.MirrorDeleted = true
		}
	}

	if err := s.store.DeleteJob(ctx, id); err != nil {
		return nil, fmt.Errorf("deleting job: %w", err)
	}

	s.logger.Info("job cancelled", "job_id", id, "mirror_deleted", result.MirrorDeleted)
	return result, nil
}

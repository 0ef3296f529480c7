// ABOUTME: Store interface and data types for scheduled send job persistence
// ABOUTME: Defines ScheduledJob, MirrorRef and the JobStore interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested job does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateJob is returned when trying to create a job whose id already exists
var ErrDuplicateJob = errors.New("job already exists")

// ErrCorruptRecord is returned when a persisted job record cannot be decoded.
// List operations skip such records rather than failing the whole read.
var ErrCorruptRecord = errors.New("corrupt job record")

// JobStatus is the closed set of states a job record can be in.
type JobStatus string

// Job statuses. Sent and failed are terminal; sent records live only in the
// history area, the other three only in the working area.
const (
	StatusPending JobStatus = "pending"
	StatusSending JobStatus = "sending"
	StatusSent    JobStatus = "sent"
	StatusFailed  JobStatus = "failed"
)

// Valid reports whether s is one of the defined job statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSending, StatusSent, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is an absorbing state.
func (s JobStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// MirrorRef points at a best-effort preview artifact stored alongside a job,
// e.g. a draft message appended to the account's Drafts folder.
type MirrorRef struct {
	ArtifactID string `json:"artifact_id"`
	Container  string `json:"container"`
}

// ScheduledJob is the durable record for one deferred send.
type ScheduledJob struct {
	ID         string
	Account    string
	To         []string
	Cc         []string
	Bcc        []string
	Subject    string
	Body       string
	HTML       bool
	InReplyTo  string
	References []string

	SendAt    time.Time
	CreatedAt time.Time

	Status   JobStatus
	Attempts int
	LastErr  string
	Mirror   *MirrorRef

	// Set only on the transition to sent.
	SentAt         *time.Time
	SentArtifactID string
}

// JobStore defines the persistence operations for scheduled jobs.
type JobStore interface {
	// Working area
	CreateJob(ctx context.Context, job *ScheduledJob) error
	GetJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateJob(ctx context.Context, job *ScheduledJob) error
	DeleteJob(ctx context.Context, id string) error
	ListJobs(ctx context.Context, account string) ([]*ScheduledJob, error)

	// History area
	MoveJobToHistory(ctx context.Context, job *ScheduledJob) error
	ListHistory(ctx context.Context, account string) ([]*ScheduledJob, error)

	// Close releases any resources held by the store
	Close() error
}

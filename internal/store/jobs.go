// ABOUTME: JobStore CRUD operations over the scheduled_jobs and sent_jobs tables
// ABOUTME: Handles JSON-encoded address lists and per-row corrupt record isolation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const jobColumns = `id, account, recipients, cc, bcc, subject, body, html,
	in_reply_to, references_list, send_at, created_at, status, attempts,
	last_error, mirror_artifact_id, mirror_container`

// CreateJob inserts a new job into the working area.
// Returns ErrDuplicateJob if a job with the same id already exists.
func (s *SQLiteStore) CreateJob(ctx context.Context, job *ScheduledJob) error {
	if !job.Status.Valid() || job.Status.Terminal() {
		return fmt.Errorf("invalid status for working area: %q", job.Status)
	}

	recipients, cc, bcc, refs, err := encodeLists(job)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO scheduled_jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var mirrorID, mirrorContainer any
	if job.Mirror != nil {
		mirrorID = job.Mirror.ArtifactID
		mirrorContainer = job.Mirror.Container
	}

	_, err = s.db.ExecContext(ctx, query,
		job.ID,
		job.Account,
		recipients,
		cc,
		bcc,
		job.Subject,
		job.Body,
		job.HTML,
		nullString(job.InReplyTo),
		refs,
		job.SendAt.UTC().Format(time.RFC3339),
		job.CreatedAt.UTC().Format(time.RFC3339),
		string(job.Status),
		job.Attempts,
		nullString(job.LastErr),
		mirrorID,
		mirrorContainer,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateJob
		}
		return fmt.Errorf("inserting job: %w", err)
	}

	s.logger.Debug("created job", "id", job.ID, "account", job.Account, "send_at", job.SendAt)
	return nil
}

// GetJob retrieves a working-area job by id.
// Returns ErrNotFound if the job doesn't exist and ErrCorruptRecord if the
// stored record cannot be decoded.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*ScheduledJob, error) {
	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return job, err
}

// UpdateJob rewrites the mutable fields of a working-area job.
// Returns ErrNotFound if the job doesn't exist.
func (s *SQLiteStore) UpdateJob(ctx context.Context, job *ScheduledJob) error {
	if !job.Status.Valid() || job.Status == StatusSent {
		return fmt.Errorf("invalid status for working area: %q", job.Status)
	}

	var mirrorID, mirrorContainer any
	if job.Mirror != nil {
		mirrorID = job.Mirror.ArtifactID
		mirrorContainer = job.Mirror.Container
	}

	query := `
		UPDATE scheduled_jobs
		SET status = ?, attempts = ?, last_error = ?, mirror_artifact_id = ?, mirror_container = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(job.Status),
		job.Attempts,
		nullString(job.LastErr),
		mirrorID,
		mirrorContainer,
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("updating job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated job", "id", job.ID, "status", job.Status, "attempts", job.Attempts)
	return nil
}

// DeleteJob removes a working-area job.
// Returns ErrNotFound if the job doesn't exist.
func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted job", "id", id)
	return nil
}

// ListJobs returns working-area jobs ordered by send_at ascending.
// An empty account matches all accounts. Rows that cannot be decoded are
// skipped with a logged diagnostic so one corrupt record never hides the rest.
func (s *SQLiteStore) ListJobs(ctx context.Context, account string) ([]*ScheduledJob, error) {
	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs`
	var args []any
	if account != "" {
		query += ` WHERE account = ?`
		args = append(args, account)
	}
	query += ` ORDER BY send_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying jobs: %w", err)
	}
	defer rows.Close()

	return s.collectJobs(rows)
}

// MoveJobToHistory archives a job in the history area and removes it from the
// working area in a single transaction. The job must carry SentAt; the record
// lands in history exactly once.
func (s *SQLiteStore) MoveJobToHistory(ctx context.Context, job *ScheduledJob) error {
	if job.SentAt == nil {
		return fmt.Errorf("job %s has no sent_at timestamp", job.ID)
	}

	recipients, cc, bcc, refs, err := encodeLists(job)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sent_jobs (id, account, recipients, cc, bcc, subject, body, html,
			in_reply_to, references_list, send_at, created_at, attempts, sent_at, sent_artifact_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.Account,
		recipients,
		cc,
		bcc,
		job.Subject,
		job.Body,
		job.HTML,
		nullString(job.InReplyTo),
		refs,
		job.SendAt.UTC().Format(time.RFC3339),
		job.CreatedAt.UTC().Format(time.RFC3339),
		job.Attempts,
		job.SentAt.UTC().Format(time.RFC3339),
		nullString(job.SentArtifactID),
	)
	if err != nil {
		return fmt.Errorf("inserting history record: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, job.ID); err != nil {
		return fmt.Errorf("deleting working record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing history move: %w", err)
	}

	s.logger.Debug("moved job to history", "id", job.ID, "sent_artifact_id", job.SentArtifactID)
	return nil
}

// ListHistory returns history-area jobs ordered by send_at ascending.
// An empty account matches all accounts.
func (s *SQLiteStore) ListHistory(ctx context.Context, account string) ([]*ScheduledJob, error) {
	query := `
		SELECT id, account, recipients, cc, bcc, subject, body, html,
			in_reply_to, references_list, send_at, created_at, attempts, sent_at, sent_artifact_id
		FROM sent_jobs
	`
	var args []any
	if account != "" {
		query += ` WHERE account = ?`
		args = append(args, account)
	}
	query += ` ORDER BY send_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sent jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		job, err := scanHistoryJob(rows)
		if err != nil {
			s.logger.Warn("skipping unreadable history record", "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sent job rows: %w", err)
	}
	return jobs, nil
}

// collectJobs drains rows of working-area jobs, skipping corrupt records.
func (s *SQLiteStore) collectJobs(rows *sql.Rows) ([]*ScheduledJob, error) {
	var jobs []*ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			s.logger.Warn("skipping unreadable job record", "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating job rows: %w", err)
	}
	return jobs, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanJob decodes one working-area row. Decode failures other than
// sql.ErrNoRows are reported as ErrCorruptRecord.
func scanJob(row scanner) (*ScheduledJob, error) {
	var job ScheduledJob
	var recipients string
	var cc, bcc, refs, inReplyTo, lastErr, mirrorID, mirrorContainer sql.NullString
	var sendAtStr, createdAtStr, statusStr string

	err := row.Scan(
		&job.ID,
		&job.Account,
		&recipients,
		&cc,
		&bcc,
		&job.Subject,
		&job.Body,
		&job.HTML,
		&inReplyTo,
		&refs,
		&sendAtStr,
		&createdAtStr,
		&statusStr,
		&job.Attempts,
		&lastErr,
		&mirrorID,
		&mirrorContainer,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scanning row: %v", ErrCorruptRecord, err)
	}

	if err := decodeInto(&job, recipients, cc, bcc, refs, sendAtStr, createdAtStr); err != nil {
		return nil, fmt.Errorf("%w: job %s: %v", ErrCorruptRecord, job.ID, err)
	}

	status := JobStatus(statusStr)
	if !status.Valid() || status == StatusSent {
		return nil, fmt.Errorf("%w: job %s: unknown status %q", ErrCorruptRecord, job.ID, statusStr)
	}
	job.Status = status

	job.InReplyTo = inReplyTo.String
	job.LastErr = lastErr.String
	if mirrorID.Valid && mirrorID.String != "" {
		job.Mirror = &MirrorRef{ArtifactID: mirrorID.String, Container: mirrorContainer.String}
	}
	return &job, nil
}

// scanHistoryJob decodes one history-area row.
func scanHistoryJob(row scanner) (*ScheduledJob, error) {
	var job ScheduledJob
	var recipients string
	var cc, bcc, refs, inReplyTo, sentArtifactID sql.NullString
	var sendAtStr, createdAtStr, sentAtStr string

	err := row.Scan(
		&job.ID,
		&job.Account,
		&recipients,
		&cc,
		&bcc,
		&job.Subject,
		&job.Body,
		&job.HTML,
		&inReplyTo,
		&refs,
		&sendAtStr,
		&createdAtStr,
		&job.Attempts,
		&sentAtStr,
		&sentArtifactID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: scanning history row: %v", ErrCorruptRecord, err)
	}

	if err := decodeInto(&job, recipients, cc, bcc, refs, sendAtStr, createdAtStr); err != nil {
		return nil, fmt.Errorf("%w: job %s: %v", ErrCorruptRecord, job.ID, err)
	}

	sentAt, err := time.Parse(time.RFC3339, sentAtStr)
	if err != nil {
		return nil, fmt.Errorf("%w: job %s: parsing sent_at: %v", ErrCorruptRecord, job.ID, err)
	}
	job.SentAt = &sentAt
	job.SentArtifactID = sentArtifactID.String
	job.InReplyTo = inReplyTo.String
	job.Status = StatusSent
	return &job, nil
}

// decodeInto fills the shared list and timestamp fields of a job.
func decodeInto(job *ScheduledJob, recipients string, cc, bcc, refs sql.NullString, sendAtStr, createdAtStr string) error {
	if err := json.Unmarshal([]byte(recipients), &job.To); err != nil {
		return fmt.Errorf("parsing recipients: %v", err)
	}
	if len(job.To) == 0 {
		return errors.New("empty recipients")
	}
	if cc.Valid && cc.String != "" {
		if err := json.Unmarshal([]byte(cc.String), &job.Cc); err != nil {
			return fmt.Errorf("parsing cc: %v", err)
		}
	}
	if bcc.Valid && bcc.String != "" {
		if err := json.Unmarshal([]byte(bcc.String), &job.Bcc); err != nil {
			return fmt.Errorf("parsing bcc: %v", err)
		}
	}
	if refs.Valid && refs.String != "" {
		if err := json.Unmarshal([]byte(refs.String), &job.References); err != nil {
			return fmt.Errorf("parsing references: %v", err)
		}
	}

	var err error
	job.SendAt, err = time.Parse(time.RFC3339, sendAtStr)
	if err != nil {
		return fmt.Errorf("parsing send_at: %v", err)
	}
	job.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return fmt.Errorf("parsing created_at: %v", err)
	}
	return nil
}

// encodeLists JSON-encodes the address and reference lists of a job.
func encodeLists(job *ScheduledJob) (recipients string, cc, bcc, refs any, err error) {
	data, err := json.Marshal(job.To)
	if err != nil {
		return "", nil, nil, nil, fmt.Errorf("encoding recipients: %w", err)
	}
	recipients = string(data)

	encode := func(list []string) (any, error) {
		if len(list) == 0 {
			return nil, nil
		}
		d, err := json.Marshal(list)
		if err != nil {
			return nil, err
		}
		return string(d), nil
	}

	if cc, err = encode(job.Cc); err != nil {
		return "", nil, nil, nil, fmt.Errorf("encoding cc: %w", err)
	}
	if bcc, err = encode(job.Bcc); err != nil {
		return "", nil, nil, nil, fmt.Errorf("encoding bcc: %w", err)
	}
	if refs, err = encode(job.References); err != nil {
		return "", nil, nil, nil, fmt.Errorf("encoding references: %w", err)
	}
	return recipients, cc, bcc, refs, nil
}

// ABOUTME: SMTP submission with a per-account send throttle and Sent-folder copy.
// ABOUTME: The generated Message-ID is returned as the sent artifact identifier.

package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/emersion/go-imap/v2"

	"github.com/inboxkit/mailagent/internal/config"
	"github.com/inboxkit/mailagent/internal/mailconn"
	"github.com/inboxkit/mailagent/internal/store"
)

// ErrRateLimited indicates the account exhausted its send allowance for the
// current window. The caller records it like any other submission failure.
var ErrRateLimited = errors.New("send rate limit exceeded")

// ConnManager is the slice of mailconn.Manager that outbound needs.
type ConnManager interface {
	WithRetrieval(ctx context.Context, account string, fn func(mailconn.RetrievalConn) error) error
	WithSubmission(ctx context.Context, account string, fn func(mailconn.SubmissionConn) error) error
}

// RateLimiter gates sends per account key.
type RateLimiter interface {
	TryConsume(key string) bool
}

// Submitter delivers messages over the account's submission connection.
type Submitter struct {
	cfg     *config.Config
	conns   ConnManager
	limiter RateLimiter
	logger  *slog.Logger
}

// NewSubmitter creates a Submitter over the given connection manager and limiter.
func NewSubmitter(cfg *config.Config, conns ConnManager, limiter RateLimiter) *Submitter {
	return &Submitter{
		cfg:     cfg,
		conns:   conns,
		limiter: limiter,
		logger:  slog.Default().With("component", "outbound"),
	}
}

// Submit renders and sends the job's message. On success it returns the
// Message-ID of the delivered message and best-effort copies it into the
// account's Sent folder.
func (s *Submitter) Submit(ctx context.Context, job *store.ScheduledJob) (string, error) {
	acct := s.cfg.Account(job.Account)
	if acct == nil {
		return "", fmt.Errorf("%w: %q", mailconn.ErrUnknownAccount, job.Account)
	}

	if !s.limiter.TryConsume(job.Account) {
		return "", fmt.Errorf("%w for account %q", ErrRateLimited, job.Account)
	}

	raw, messageID, err := BuildMessage(acct.Address, job)
	if err != nil {
		return "", fmt.Errorf("building message: %w", err)
	}

	rcpts := make([]string, 0, len(job.To)+len(job.Cc)+len(job.Bcc))
	rcpts = append(rcpts, job.To...)
	rcpts = append(rcpts, job.Cc...)
	rcpts = append(rcpts, job.Bcc...)

	err = s.conns.WithSubmission(ctx, job.Account, func(c mailconn.SubmissionConn) error {
		return c.SendMail(ctx, acct.Address, rcpts, raw)
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("message submitted",
		"account", job.Account,
		"message_id", messageID,
		"recipients", len(rcpts),
	)

	// Best effort: a missing Sent copy never fails a delivered send.
	err = s.conns.WithRetrieval(ctx, job.Account, func(c mailconn.RetrievalConn) error {
		_, err := c.Append(ctx, acct.SentFolder, raw, []string{string(imap.FlagSeen)})
		return err
	})
	if err != nil {
		s.logger.Warn("failed to copy message to sent folder",
			"account", job.Account,
			"folder", acct.SentFolder,
			"error", err,
		)
	}

	return messageID, nil
}

// ABOUTME: Draft mirroring into the account's Drafts folder over IMAP.
// ABOUTME: Saved drafts are addressed by UID so they can be discarded after the send.

package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/emersion/go-imap/v2"

	"github.com/inboxkit/mailagent/internal/config"
	"github.com/inboxkit/mailagent/internal/mailconn"
	"github.com/inboxkit/mailagent/internal/store"
)

// DraftMirror keeps a visible copy of each scheduled message in the
// account's Drafts folder until the message is sent or cancelled.
type DraftMirror struct {
	cfg    *config.Config
	conns  ConnManager
	logger *slog.Logger
}

// NewDraftMirror creates a DraftMirror over the given connection manager.
func NewDraftMirror(cfg *config.Config, conns ConnManager) *DraftMirror {
	return &DraftMirror{
		cfg:    cfg,
		conns:  conns,
		logger: slog.Default().With("component", "mirror"),
	}
}

// Save appends the rendered message to the Drafts folder and returns a
// reference addressing it by UID.
func (m *DraftMirror) Save(ctx context.Context, job *store.ScheduledJob) (*store.MirrorRef, error) {
	acct := m.cfg.Account(job.Account)
	if acct == nil {
		return nil, fmt.Errorf("%w: %q", mailconn.ErrUnknownAccount, job.Account)
	}

	raw, _, err := BuildMessage(acct.Address, job)
	if err != nil {
		return nil, fmt.Errorf("building draft: %w", err)
	}

	var uid uint32
	err = m.conns.WithRetrieval(ctx, job.Account, func(c mailconn.RetrievalConn) error {
		u, err := c.Append(ctx, acct.DraftsFolder, raw, []string{string(imap.FlagDraft)})
		uid = u
		return err
	})
	if err != nil {
		return nil, err
	}

	// Without a reported UID the draft cannot be discarded later.
	if uid == 0 {
		return nil, errors.New("server did not report the draft UID")
	}

	m.logger.Info("draft mirrored",
		"account", job.Account,
		"folder", acct.DraftsFolder,
		"uid", uid,
	)
	return &store.MirrorRef{
		ArtifactID: strconv.FormatUint(uint64(uid), 10),
		Container:  acct.DraftsFolder,
	}, nil
}

// Discard removes a previously saved draft by UID.
func (m *DraftMirror) Discard(ctx context.Context, account string, ref *store.MirrorRef) error {
	uid, err := strconv.ParseUint(ref.ArtifactID, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid draft reference %q: %w", ref.ArtifactID, err)
	}

	return m.conns.WithRetrieval(ctx, account, func(c mailconn.RetrievalConn) error {
		return c.Delete(ctx, ref.Container, uint32(uid))
	})
}

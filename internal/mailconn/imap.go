// ABOUTME: IMAP implementation of the retrieval connection handle.
// ABOUTME: Dials per the endpoint TLS mode, authenticates, and wraps APPEND/STORE/EXPUNGE.

package mailconn

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/inboxkit/mailagent/internal/config"
)

type imapConn struct {
	cli *imapclient.Client
}

// dialRetrieval connects and authenticates an IMAP session for the account.
func dialRetrieval(acct *config.Account) (RetrievalConn, error) {
	addr := acct.IMAP.Addr()

	var cli *imapclient.Client
	var err error
	switch {
	case acct.IMAP.SSL:
		cli, err = imapclient.DialTLS(addr, &imapclient.Options{})
	case acct.IMAP.StartTLS:
		cli, err = imapclient.DialStartTLS(addr, &imapclient.Options{})
	default:
		cli, err = imapclient.DialInsecure(addr, &imapclient.Options{})
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}

	if err := cli.Login(acct.Username, acct.Password).Wait(); err != nil {
		cli.Close()
		return nil, fmt.Errorf("authenticating: %w", err)
	}

	return &imapConn{cli: cli}, nil
}

func (c *imapConn) Usable() bool {
	return c.cli.Noop().Wait() == nil
}

func (c *imapConn) Append(ctx context.Context, folder string, raw []byte, flags []string) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var opts *imap.AppendOptions
	if len(flags) > 0 {
		imapFlags := make([]imap.Flag, len(flags))
		for i, f := range flags {
			imapFlags[i] = imap.Flag(f)
		}
		opts = &imap.AppendOptions{Flags: imapFlags}
	}

	cmd := c.cli.Append(folder, int64(len(raw)), opts)
	if _, err := cmd.Write(raw); err != nil {
		return 0, fmt.Errorf("writing message to %s: %w", folder, err)
	}
	if err := cmd.Close(); err != nil {
		return 0, fmt.Errorf("finishing append to %s: %w", folder, err)
	}

	data, err := cmd.Wait()
	if err != nil {
		return 0, fmt.Errorf("appending to %s: %w", folder, err)
	}

	// Servers without UIDPLUS don't report the assigned UID.
	if data == nil {
		return 0, nil
	}
	return uint32(data.UID), nil
}

func (c *imapConn) Delete(ctx context.Context, folder string, uid uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := c.cli.Select(folder, nil).Wait(); err != nil {
		return fmt.Errorf("selecting %s: %w", folder, err)
	}

	uidSet := imap.UIDSetNum(imap.UID(uid))
	_, err := c.cli.Store(uidSet, &imap.StoreFlags{
		Op:    imap.StoreFlagsAdd,
		Flags: []imap.Flag{imap.FlagDeleted},
	}, nil).Collect()
	if err != nil {
		return fmt.Errorf("flagging message %d deleted: %w", uid, err)
	}

	if _, err := c.cli.Expunge().Collect(); err != nil {
		return fmt.Errorf("expunging %s: %w", folder, err)
	}
	return nil
}

func (c *imapConn) Stats(ctx context.Context) (*RetrievalStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mailboxes, err := c.cli.List("", "*", &imap.ListOptions{}).Collect()
	if err != nil {
		return nil, fmt.Errorf("listing folders: %w", err)
	}

	stats := &RetrievalStats{Folders: len(mailboxes)}

	status, err := c.cli.Status("INBOX", &imap.StatusOptions{
		NumMessages: true,
		NumUnseen:   true,
	}).Wait()
	if err != nil {
		return nil, fmt.Errorf("reading INBOX status: %w", err)
	}
	if status.NumMessages != nil {
		stats.InboxMessages = *status.NumMessages
	}
	if status.NumUnseen != nil {
		stats.InboxUnseen = *status.NumUnseen
	}

	return stats, nil
}

func (c *imapConn) Close() error {
	return c.cli.Close()
}

var _ RetrievalConn = (*imapConn)(nil)

// ABOUTME: SMTP implementation of the submission connection handle.
// ABOUTME: Dials per the endpoint TLS mode, authenticates with SASL PLAIN, and sends raw messages.

package mailconn

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/inboxkit/mailagent/internal/config"
)

type smtpConn struct {
	cli *smtp.Client
}

// dialSubmission connects and authenticates an SMTP session for the account.
func dialSubmission(acct *config.Account) (SubmissionConn, error) {
	addr := acct.SMTP.Addr()
	tlsCfg := &tls.Config{ServerName: acct.SMTP.Host}

	var cli *smtp.Client
	var err error
	switch {
	case acct.SMTP.SSL:
		cli, err = smtp.DialTLS(addr, tlsCfg)
	case acct.SMTP.StartTLS:
		cli, err = smtp.DialStartTLS(addr, tlsCfg)
	default:
		cli, err = smtp.Dial(addr)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}

	if acct.Password != "" {
		auth := sasl.NewPlainClient("", acct.Username, acct.Password)
		if err := cli.Auth(auth); err != nil {
			cli.Close()
			return nil, fmt.Errorf("authenticating: %w", err)
		}
	}

	return &smtpConn{cli: cli}, nil
}

func (c *smtpConn) Usable() bool {
	return c.cli.Noop() == nil
}

func (c *smtpConn) SendMail(ctx context.Context, from string, rcpts []string, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.cli.SendMail(from, rcpts, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("sending mail: %w", err)
	}
	return nil
}

func (c *smtpConn) Close() error {
	return c.cli.Close()
}

var _ SubmissionConn = (*smtpConn)(nil)

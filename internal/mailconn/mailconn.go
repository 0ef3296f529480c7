// ABOUTME: Connection manager caching one live handle per (account, role) pair.
// ABOUTME: Handles health-checked reuse, coalesced dials, diagnostics, and scoped shutdown.

package mailconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/inboxkit/mailagent/internal/config"
)

// Role selects which protocol endpoint of an account a connection serves.
type Role string

const (
	// RoleRetrieval is the IMAP side of an account.
	RoleRetrieval Role = "retrieval"
	// RoleSubmission is the SMTP side of an account.
	RoleSubmission Role = "submission"
)

// ErrUnknownAccount indicates the account name is not configured.
var ErrUnknownAccount = errors.New("unknown account")

// ErrUnknownRole indicates an unrecognized connection role.
var ErrUnknownRole = errors.New("unknown connection role")

// ConnError wraps a connection failure with the account and role it occurred on.
type ConnError struct {
	Account string
	Role    Role
	Err     error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("%s connection for account %q: %v", e.Role, e.Account, e.Err)
}

func (e *ConnError) Unwrap() error {
	return e.Err
}

// RetrievalConn is a live IMAP session for one account.
type RetrievalConn interface {
	// Usable reports whether the session still responds to a NOOP round-trip.
	Usable() bool
	// Append stores a raw RFC 5322 message in the named folder and returns
	// the assigned UID when the server reports one.
	Append(ctx context.Context, folder string, raw []byte, flags []string) (uint32, error)
	// Delete flags the message deleted and expunges the folder.
	Delete(ctx context.Context, folder string, uid uint32) error
	// Stats collects folder count and INBOX message volume.
	Stats(ctx context.Context) (*RetrievalStats, error)
	Close() error
}

// SubmissionConn is a live authenticated SMTP session for one account.
type SubmissionConn interface {
	Usable() bool
	SendMail(ctx context.Context, from string, rcpts []string, raw []byte) error
	Close() error
}

// RetrievalStats summarizes the mailbox state seen over a retrieval session.
type RetrievalStats struct {
	Folders       int
	InboxMessages uint32
	InboxUnseen   uint32
}

// Diagnostics is the result of a throwaway connection test.
type Diagnostics struct {
	Account string          `json:"account"`
	Role    Role            `json:"role"`
	Latency time.Duration   `json:"latency"`
	Stats   *RetrievalStats `json:"stats,omitempty"`
}

// Dialer functions create fresh authenticated handles. They are fields on the
// Manager so tests can substitute fakes.
type (
	RetrievalDialer  func(acct *config.Account) (RetrievalConn, error)
	SubmissionDialer func(acct *config.Account) (SubmissionConn, error)
)

type connKey struct {
	account string
	role    Role
}

// entry holds the cached handle for one key. Its mutex is held for the whole
// checkout, which both coalesces concurrent dials and guarantees a single
// in-flight operation per handle.
type entry struct {
	mu         sync.Mutex
	retrieval  RetrievalConn
	submission SubmissionConn
}

// Manager caches one connection per (account, role) and hands them out one
// caller at a time.
type Manager struct {
	cfg            *config.Config
	dialRetrieval  RetrievalDialer
	dialSubmission SubmissionDialer

	mu      sync.Mutex
	entries map[connKey]*entry

	logger *slog.Logger
}

// NewManager creates a connection manager over the configured accounts.
func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		cfg:            cfg,
		dialRetrieval:  dialRetrieval,
		dialSubmission: dialSubmission,
		entries:        make(map[connKey]*entry),
		logger:         slog.Default().With("component", "mailconn"),
	}
}

func (m *Manager) entryFor(key connKey) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	return e
}

// WithRetrieval runs fn with the account's retrieval handle, connecting or
// reconnecting first if the cached handle is missing or fails its health
// check. The handle is exclusive to fn for the duration of the call.
func (m *Manager) WithRetrieval(ctx context.Context, account string, fn func(RetrievalConn) error) error {
	acct := m.cfg.Account(account)
	if acct == nil {
		return fmt.Errorf("%w: %q", ErrUnknownAccount, account)
	}

	e := m.entryFor(connKey{account: account, role: RoleRetrieval})
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	if e.retrieval != nil && !e.retrieval.Usable() {
		m.logger.Info("retrieval connection unusable, reconnecting", "account", account)
		e.retrieval.Close()
		e.retrieval = nil
	}

	if e.retrieval == nil {
		conn, err := m.dialRetrieval(acct)
		if err != nil {
			return &ConnError{Account: account, Role: RoleRetrieval, Err: err}
		}
		m.logger.Info("retrieval connection established", "account", account)
		e.retrieval = conn
	}

	return fn(e.retrieval)
}

// WithSubmission runs fn with the account's submission handle, with the same
// reuse and exclusivity rules as WithRetrieval.
func (m *Manager) WithSubmission(ctx context.Context, account string, fn func(SubmissionConn) error) error {
	acct := m.cfg.Account(account)
	if acct == nil {
		return fmt.Errorf("%w: %q", ErrUnknownAccount, account)
	}

	e := m.entryFor(connKey{account: account, role: RoleSubmission})
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	if e.submission != nil && !e.submission.Usable() {
		m.logger.Info("submission connection unusable, reconnecting", "account", account)
		e.submission.Close()
		e.submission = nil
	}

	if e.submission == nil {
		conn, err := m.dialSubmission(acct)
		if err != nil {
			return &ConnError{Account: account, Role: RoleSubmission, Err: err}
		}
		m.logger.Info("submission connection established", "account", account)
		e.submission = conn
	}

	return fn(e.submission)
}

// TestConnection dials a throwaway connection for the account and role,
// verifies it end to end, and closes it. The cached handles are never touched,
// so a diagnostic run cannot disturb in-flight work.
func (m *Manager) TestConnection(ctx context.Context, account string, role Role) (*Diagnostics, error) {
	acct := m.cfg.Account(account)
	if acct == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAccount, account)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	diag := &Diagnostics{Account: account, Role: role}

	switch role {
	case RoleRetrieval:
		conn, err := m.dialRetrieval(acct)
		if err != nil {
			return nil, &ConnError{Account: account, Role: role, Err: err}
		}
		defer conn.Close()

		stats, err := conn.Stats(ctx)
		if err != nil {
			return nil, &ConnError{Account: account, Role: role, Err: err}
		}
		diag.Stats = stats

	case RoleSubmission:
		conn, err := m.dialSubmission(acct)
		if err != nil {
			return nil, &ConnError{Account: account, Role: role, Err: err}
		}
		defer conn.Close()

		if !conn.Usable() {
			return nil, &ConnError{Account: account, Role: role, Err: errors.New("server did not respond to NOOP")}
		}

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}

	diag.Latency = time.Since(start)
	return diag, nil
}

// CloseAll closes every cached connection. Each close failure is collected
// rather than aborting the pass, so one bad handle cannot keep others open.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[connKey]*entry)
	m.mu.Unlock()

	var errs []error
	for key, e := range entries {
		e.mu.Lock()
		if e.retrieval != nil {
			if err := e.retrieval.Close(); err != nil {
				errs = append(errs, &ConnError{Account: key.account, Role: key.role, Err: err})
			}
			e.retrieval = nil
		}
		if e.submission != nil {
			if err := e.submission.Close(); err != nil {
				errs = append(errs, &ConnError{Account: key.account, Role: key.role, Err: err})
			}
			e.submission = nil
		}
		e.mu.Unlock()
	}

	m.logger.Info("closed all cached connections", "errors", len(errs))
	return errors.Join(errs...)
}

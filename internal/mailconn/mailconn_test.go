// ABOUTME: Tests for the connection manager's caching, health checks, and shutdown.
// ABOUTME: Uses fake dialers and handles so no real IMAP/SMTP servers are needed.

package mailconn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/inboxkit/mailagent/internal/config"
)

type fakeRetrieval struct {
	usable   bool
	closed   bool
	closeErr error
}

func (f *fakeRetrieval) Usable() bool { return f.usable }

func (f *fakeRetrieval) Append(ctx context.Context, folder string, raw []byte, flags []string) (uint32, error) {
	return 42, nil
}

func (f *fakeRetrieval) Delete(ctx context.Context, folder string, uid uint32) error {
	return nil
}

func (f *fakeRetrieval) Stats(ctx context.Context) (*RetrievalStats, error) {
	return &RetrievalStats{Folders: 3, InboxMessages: 10, InboxUnseen: 2}, nil
}

func (f *fakeRetrieval) Close() error {
	f.closed = true
	return f.closeErr
}

type fakeSubmission struct {
	usable   bool
	closed   bool
	closeErr error
}

func (f *fakeSubmission) Usable() bool { return f.usable }

func (f *fakeSubmission) SendMail(ctx context.Context, from string, rcpts []string, raw []byte) error {
	return nil
}

func (f *fakeSubmission) Close() error {
	f.closed = true
	return f.closeErr
}

func testConfig() *config.Config {
	return &config.Config{
		Accounts: []config.Account{
			{
				Name:     "work",
				Address:  "me@example.com",
				IMAP:     config.Endpoint{Host: "imap.example.com", Port: 993, SSL: true},
				SMTP:     config.Endpoint{Host: "smtp.example.com", Port: 465, SSL: true},
				Username: "me",
				Password: "pw",
			},
		},
	}
}

func TestWithRetrieval_ReusesUsableConnection(t *testing.T) {
	m := NewManager(testConfig())

	var dials int
	conn := &fakeRetrieval{usable: true}
	m.dialRetrieval = func(acct *config.Account) (RetrievalConn, error) {
		dials++
		return conn, nil
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		err := m.WithRetrieval(ctx, "work", func(c RetrievalConn) error {
			if c != conn {
				t.Error("unexpected connection handed out")
			}
			return nil
		})
		if err != nil {
			t.Fatalf("WithRetrieval: %v", err)
		}
	}

	if dials != 1 {
		t.Errorf("expected 1 dial, got %d", dials)
	}
}

func TestWithRetrieval_DiscardsUnusableConnection(t *testing.T) {
	m := NewManager(testConfig())

	stale := &fakeRetrieval{usable: false}
	fresh := &fakeRetrieval{usable: true}
	conns := []RetrievalConn{stale, fresh}
	var dials int
	m.dialRetrieval = func(acct *config.Account) (RetrievalConn, error) {
		c := conns[dials]
		dials++
		return c, nil
	}

	ctx := context.Background()
	if err := m.WithRetrieval(ctx, "work", func(RetrievalConn) error { return nil }); err != nil {
		t.Fatalf("first checkout: %v", err)
	}

	// Second checkout finds the cached handle unusable.
	err := m.WithRetrieval(ctx, "work", func(c RetrievalConn) error {
		if c != fresh {
			t.Error("expected the fresh connection")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("second checkout: %v", err)
	}

	if dials != 2 {
		t.Errorf("expected 2 dials, got %d", dials)
	}
	if !stale.closed {
		t.Error("stale connection was not closed")
	}
}

func TestWithRetrieval_CoalescesConcurrentDials(t *testing.T) {
	m := NewManager(testConfig())

	var dials atomic.Int32
	m.dialRetrieval = func(acct *config.Account) (RetrievalConn, error) {
		dials.Add(1)
		time.Sleep(50 * time.Millisecond)
		return &fakeRetrieval{usable: true}, nil
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.WithRetrieval(ctx, "work", func(RetrievalConn) error { return nil }); err != nil {
				t.Errorf("WithRetrieval: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := dials.Load(); got != 1 {
		t.Errorf("expected 1 coalesced dial, got %d", got)
	}
}

func TestWithRetrieval_DialFailure(t *testing.T) {
	m := NewManager(testConfig())

	dialErr := errors.New("connection refused")
	m.dialRetrieval = func(acct *config.Account) (RetrievalConn, error) {
		return nil, dialErr
	}

	err := m.WithRetrieval(context.Background(), "work", func(RetrievalConn) error { return nil })
	if err == nil {
		t.Fatal("expected dial error")
	}
	var connErr *ConnError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnError, got %T", err)
	}
	if connErr.Account != "work" || connErr.Role != RoleRetrieval {
		t.Errorf("unexpected error context: %+v", connErr)
	}
	if !errors.Is(err, dialErr) {
		t.Error("error should wrap the dial failure")
	}
}

func TestWithSubmission_UnknownAccount(t *testing.T) {
	m := NewManager(testConfig())

	err := m.WithSubmission(context.Background(), "nope", func(SubmissionConn) error { return nil })
	if !errors.Is(err, ErrUnknownAccount) {
		t.Errorf("expected ErrUnknownAccount, got %v", err)
	}
}

func TestTestConnection_NeverTouchesCache(t *testing.T) {
	m := NewManager(testConfig())

	cached := &fakeRetrieval{usable: true}
	var dials int
	m.dialRetrieval = func(acct *config.Account) (RetrievalConn, error) {
		dials++
		if dials == 1 {
			return cached, nil
		}
		return &fakeRetrieval{usable: true}, nil
	}

	ctx := context.Background()
	if err := m.WithRetrieval(ctx, "work", func(RetrievalConn) error { return nil }); err != nil {
		t.Fatalf("priming cache: %v", err)
	}

	diag, err := m.TestConnection(ctx, "work", RoleRetrieval)
	if err != nil {
		t.Fatalf("TestConnection: %v", err)
	}
	if diag.Stats == nil || diag.Stats.Folders != 3 {
		t.Errorf("unexpected diagnostics: %+v", diag)
	}
	if diag.Account != "work" || diag.Role != RoleRetrieval {
		t.Errorf("unexpected diagnostics identity: %+v", diag)
	}
	if cached.closed {
		t.Error("diagnostic run closed the cached connection")
	}

	// The cached handle is still handed out without a new dial.
	before := dials
	if err := m.WithRetrieval(ctx, "work", func(c RetrievalConn) error {
		if c != cached {
			t.Error("cache was replaced by the diagnostic run")
		}
		return nil
	}); err != nil {
		t.Fatalf("checkout after test: %v", err)
	}
	if dials != before {
		t.Error("checkout after diagnostic should not redial")
	}
}

func TestTestConnection_Submission(t *testing.T) {
	m := NewManager(testConfig())

	sub := &fakeSubmission{usable: true}
	m.dialSubmission = func(acct *config.Account) (SubmissionConn, error) {
		return sub, nil
	}

	diag, err := m.TestConnection(context.Background(), "work", RoleSubmission)
	if err != nil {
		t.Fatalf("TestConnection: %v", err)
	}
	if diag.Stats != nil {
		t.Error("submission diagnostics should not carry retrieval stats")
	}
	if !sub.closed {
		t.Error("throwaway connection was not closed")
	}
}

func TestTestConnection_UnknownRole(t *testing.T) {
	m := NewManager(testConfig())

	_, err := m.TestConnection(context.Background(), "work", Role("carrier-pigeon"))
	if !errors.Is(err, ErrUnknownRole) {
		t.Errorf("expected ErrUnknownRole, got %v", err)
	}
}

func TestCloseAll_IsolatesFailures(t *testing.T) {
	cfg := testConfig()
	cfg.Accounts = append(cfg.Accounts, config.Account{
		Name:    "personal",
		Address: "me@home.example.com",
		IMAP:    config.Endpoint{Host: "imap.home.example.com", Port: 993, SSL: true},
		SMTP:    config.Endpoint{Host: "smtp.home.example.com", Port: 465, SSL: true},
	})
	m := NewManager(cfg)

	bad := &fakeRetrieval{usable: true, closeErr: errors.New("already gone")}
	good := &fakeRetrieval{usable: true}
	byAccount := map[string]*fakeRetrieval{"work": bad, "personal": good}
	m.dialRetrieval = func(acct *config.Account) (RetrievalConn, error) {
		return byAccount[acct.Name], nil
	}
	sub := &fakeSubmission{usable: true}
	m.dialSubmission = func(acct *config.Account) (SubmissionConn, error) {
		return sub, nil
	}

	ctx := context.Background()
	for _, account := range []string{"work", "personal"} {
		if err := m.WithRetrieval(ctx, account, func(RetrievalConn) error { return nil }); err != nil {
			t.Fatalf("priming %s: %v", account, err)
		}
	}
	if err := m.WithSubmission(ctx, "work", func(SubmissionConn) error { return nil }); err != nil {
		t.Fatalf("priming submission: %v", err)
	}

	err := m.CloseAll()
	if err == nil {
		t.Fatal("expected joined close error")
	}

	// The failing handle did not stop the others from being closed.
	if !bad.closed || !good.closed || !sub.closed {
		t.Errorf("not all handles closed: bad=%v good=%v sub=%v", bad.closed, good.closed, sub.closed)
	}

	var connErr *ConnError
	if !errors.As(err, &connErr) || connErr.Account != "work" {
		t.Errorf("close error missing account context: %v", err)
	}
}

func TestCloseAll_EmptiesCache(t *testing.T) {
	m := NewManager(testConfig())

	var dials int
	m.dialRetrieval = func(acct *config.Account) (RetrievalConn, error) {
		dials++
		return &fakeRetrieval{usable: true}, nil
	}

	ctx := context.Background()
	if err := m.WithRetrieval(ctx, "work", func(RetrievalConn) error { return nil }); err != nil {
		t.Fatalf("priming cache: %v", err)
	}
	if err := m.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	if err := m.WithRetrieval(ctx, "work", func(RetrievalConn) error { return nil }); err != nil {
		t.Fatalf("checkout after CloseAll: %v", err)
	}
	if dials != 2 {
		t.Errorf("expected redial after CloseAll, got %d dials", dials)
	}
}

// ABOUTME: Tests for the email tool pack handlers and the registry.
// ABOUTME: Uses fake scheduler/sender/diagnoser implementations.

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/inboxkit/mailagent/internal/config"
	"github.com/inboxkit/mailagent/internal/mailconn"
	"github.com/inboxkit/mailagent/internal/scheduler"
	"github.com/inboxkit/mailagent/internal/store"
)

type fakeScheduler struct {
	job       *store.ScheduledJob
	jobs      []*store.ScheduledJob
	cancelRes *scheduler.CancelResult
	err       error

	gotAccount string
	gotSpec    scheduler.JobSpec
	gotFilter  scheduler.ListFilter
	gotCancel  string
}

func (f *fakeScheduler) Schedule(ctx context.Context, account string, spec scheduler.JobSpec) (*store.ScheduledJob, error) {
	f.gotAccount = account
	f.gotSpec = spec
	return f.job, f.err
}

func (f *fakeScheduler) List(ctx context.Context, filter scheduler.ListFilter) ([]*store.ScheduledJob, error) {
	f.gotFilter = filter
	return f.jobs, f.err
}

func (f *fakeScheduler) Cancel(ctx context.Context, id string) (*scheduler.CancelResult, error) {
	f.gotCancel = id
	return f.cancelRes, f.err
}

func (f *fakeScheduler) Overdue(job *store.ScheduledJob) bool {
	return job.Status == store.StatusPending && job.SendAt.Before(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
}

type fakeSender struct {
	messageID string
	err       error
	gotJob    *store.ScheduledJob
}

func (f *fakeSender) Submit(ctx context.Context, job *store.ScheduledJob) (string, error) {
	f.gotJob = job
	return f.messageID, f.err
}

type fakeDiagnoser struct {
	diag *mailconn.Diagnostics
	err  error
}

func (f *fakeDiagnoser) TestConnection(ctx context.Context, account string, role mailconn.Role) (*mailconn.Diagnostics, error) {
	return f.diag, f.err
}

func toolsConfig() *config.Config {
	return &config.Config{
		Accounts: []config.Account{{Name: "work", Address: "me@example.com"}},
	}
}

func newTestRegistry(t *testing.T, sched *fakeScheduler, send *fakeSender, diag *fakeDiagnoser) *Registry {
	t.Helper()
	r := NewRegistry()
	if err := RegisterEmailPack(r, toolsConfig(), sched, send, diag); err != nil {
		t.Fatalf("RegisterEmailPack: %v", err)
	}
	return r
}

func call(t *testing.T, r *Registry, tool, input string, out any) error {
	t.Helper()
	raw, err := r.Call(context.Background(), tool, "agent-1", json.RawMessage(input))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("unmarshaling %s output: %v", tool, err)
	}
	return nil
}

func TestRegistry(t *testing.T) {
	r := newTestRegistry(t, &fakeScheduler{}, &fakeSender{}, &fakeDiagnoser{})

	names := make([]string, 0)
	for _, tool := range r.List() {
		names = append(names, tool.Name)
		if tool.InputSchema == "" || tool.Description == "" {
			t.Errorf("tool %s missing schema or description", tool.Name)
		}
	}
	want := []string{"email_schedule", "email_scheduled_list", "email_schedule_cancel", "email_send", "email_test_connection"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("unexpected tool list: %v", names)
	}

	if err := r.Register(&Tool{Name: "email_send"}); !errors.Is(err, ErrToolCollision) {
		t.Errorf("expected ErrToolCollision, got %v", err)
	}

	_, err := r.Call(context.Background(), "nope", "agent-1", nil)
	if !errors.Is(err, ErrToolNotFound) {
		t.Errorf("expected ErrToolNotFound, got %v", err)
	}
}

func TestSchedule(t *testing.T) {
	sendAt := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	sched := &fakeScheduler{
		job: &store.ScheduledJob{
			ID:     "job-1",
			SendAt: sendAt,
			Mirror: &store.MirrorRef{ArtifactID: "7", Container: "Drafts"},
		},
	}
	r := newTestRegistry(t, sched, &fakeSender{}, &fakeDiagnoser{})

	var out scheduleOutput
	err := call(t, r, "email_schedule", `{
		"account": "work",
		"to": ["alice@example.com"],
		"subject": "hello",
		"body": "text",
		"send_at": "2026-04-01T09:00:00Z",
		"cc": ["bob@example.com"],
		"html": true
	}`, &out)
	if err != nil {
		t.Fatalf("email_schedule: %v", err)
	}

	if out.ID != "job-1" || out.Status != "scheduled" || !out.MirrorSaved {
		t.Errorf("unexpected output: %+v", out)
	}
	if sched.gotAccount != "work" {
		t.Errorf("account = %q", sched.gotAccount)
	}
	if !sched.gotSpec.SendAt.Equal(sendAt) || !sched.gotSpec.HTML {
		t.Errorf("unexpected spec: %+v", sched.gotSpec)
	}
}

func TestSchedule_Validation(t *testing.T) {
	r := newTestRegistry(t, &fakeScheduler{}, &fakeSender{}, &fakeDiagnoser{})

	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"unknown account", `{"account":"nope","to":["a@b.c"],"subject":"s","body":"b","send_at":"2026-04-01T09:00:00Z"}`, "unknown account"},
		{"no recipients", `{"account":"work","to":[],"subject":"s","body":"b","send_at":"2026-04-01T09:00:00Z"}`, "recipient"},
		{"missing subject", `{"account":"work","to":["a@b.c"],"body":"b","send_at":"2026-04-01T09:00:00Z"}`, "subject"},
		{"bad send_at", `{"account":"work","to":["a@b.c"],"subject":"s","body":"b","send_at":"tomorrow"}`, "send_at"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var out scheduleOutput
			err := call(t, r, "email_schedule", tc.input, &out)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error = %v, want substring %q", err, tc.want)
			}
		})
	}
}

func TestList(t *testing.T) {
	sched := &fakeScheduler{
		jobs: []*store.ScheduledJob{
			{
				ID:      "job-1",
				Account: "work",
				To:      []string{"alice@example.com"},
				Subject: "overdue one",
				SendAt:  time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC),
				Status:  store.StatusPending,
			},
			{
				ID:      "job-2",
				Account: "work",
				Subject: "failed one",
				SendAt:  time.Date(2026, 3, 14, 13, 0, 0, 0, time.UTC),
				Status:  store.StatusFailed,
				LastErr: "smtp timeout",
			},
		},
	}
	r := newTestRegistry(t, sched, &fakeSender{}, &fakeDiagnoser{})

	var out listOutput
	if err := call(t, r, "email_scheduled_list", `{"status":"all"}`, &out); err != nil {
		t.Fatalf("email_scheduled_list: %v", err)
	}

	if out.Count != 2 || len(out.Jobs) != 2 {
		t.Fatalf("unexpected count: %+v", out)
	}
	if !out.Jobs[0].Overdue {
		t.Error("past-due pending job should be overdue")
	}
	if out.Jobs[1].Overdue {
		t.Error("failed job must never be overdue")
	}
	if out.Jobs[1].LastError != "smtp timeout" {
		t.Errorf("last_error = %q", out.Jobs[1].LastError)
	}
	if sched.gotFilter.Status != "" {
		t.Errorf("status 'all' should not filter, got %q", sched.gotFilter.Status)
	}
}

func TestList_DefaultsToPending(t *testing.T) {
	sched := &fakeScheduler{}
	r := newTestRegistry(t, sched, &fakeSender{}, &fakeDiagnoser{})

	var out listOutput
	if err := call(t, r, "email_scheduled_list", `{}`, &out); err != nil {
		t.Fatalf("email_scheduled_list: %v", err)
	}
	if sched.gotFilter.Status != store.StatusPending {
		t.Errorf("default status = %q, want pending", sched.gotFilter.Status)
	}
}

func TestList_InvalidStatus(t *testing.T) {
	r := newTestRegistry(t, &fakeScheduler{}, &fakeSender{}, &fakeDiagnoser{})

	var out listOutput
	err := call(t, r, "email_scheduled_list", `{"status":"sending"}`, &out)
	if err == nil || !strings.Contains(err.Error(), "invalid status") {
		t.Errorf("expected invalid status error, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	sched := &fakeScheduler{cancelRes: &scheduler.CancelResult{Cancelled: true, MirrorDeleted: true}}
	r := newTestRegistry(t, sched, &fakeSender{}, &fakeDiagnoser{})

	var out cancelOutput
	if err := call(t, r, "email_schedule_cancel", `{"id":"job-1"}`, &out); err != nil {
		t.Fatalf("email_schedule_cancel: %v", err)
	}
	if !out.Cancelled || !out.MirrorDeleted {
		t.Errorf("unexpected output: %+v", out)
	}
	if sched.gotCancel != "job-1" {
		t.Errorf("cancel id = %q", sched.gotCancel)
	}
}

func TestCancel_ErrorsPassThrough(t *testing.T) {
	sched := &fakeScheduler{err: store.ErrNotFound}
	r := newTestRegistry(t, sched, &fakeSender{}, &fakeDiagnoser{})

	var out cancelOutput
	err := call(t, r, "email_schedule_cancel", `{"id":"missing"}`, &out)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSend(t *testing.T) {
	send := &fakeSender{messageID: "<id@example.com>"}
	r := newTestRegistry(t, &fakeScheduler{}, send, &fakeDiagnoser{})

	var out sendOutput
	err := call(t, r, "email_send", `{
		"account": "work",
		"to": ["alice@example.com"],
		"bcc": ["hidden@example.com"],
		"subject": "now",
		"body": "text"
	}`, &out)
	if err != nil {
		t.Fatalf("email_send: %v", err)
	}
	if out.MessageID != "<id@example.com>" || out.Status != "sent" {
		t.Errorf("unexpected output: %+v", out)
	}
	if send.gotJob == nil || send.gotJob.ID == "" {
		t.Fatal("submitted job missing id")
	}
	if len(send.gotJob.Bcc) != 1 {
		t.Errorf("bcc not forwarded: %+v", send.gotJob)
	}
}

func TestTestConnection(t *testing.T) {
	diag := &fakeDiagnoser{
		diag: &mailconn.Diagnostics{
			Account: "work",
			Role:    mailconn.RoleRetrieval,
			Latency: 120 * time.Millisecond,
			Stats:   &mailconn.RetrievalStats{Folders: 4, InboxMessages: 12},
		},
	}
	r := newTestRegistry(t, &fakeScheduler{}, &fakeSender{}, diag)

	var out testConnectionOutput
	if err := call(t, r, "email_test_connection", `{"account":"work","role":"retrieval"}`, &out); err != nil {
		t.Fatalf("email_test_connection: %v", err)
	}
	if !out.Success || out.LatencyMs != 120 {
		t.Errorf("unexpected output: %+v", out)
	}
	if out.Details == nil || out.Details.Folders != 4 {
		t.Errorf("missing details: %+v", out)
	}
}

func TestTestConnection_FailureIsDiagnostic(t *testing.T) {
	diag := &fakeDiagnoser{err: errors.New("authentication failed")}
	r := newTestRegistry(t, &fakeScheduler{}, &fakeSender{}, diag)

	var out testConnectionOutput
	if err := call(t, r, "email_test_connection", `{"account":"work","role":"submission"}`, &out); err != nil {
		t.Fatalf("probe failure should not be a tool error: %v", err)
	}
	if out.Success || !strings.Contains(out.Error, "authentication failed") {
		t.Errorf("unexpected output: %+v", out)
	}
}

func TestTestConnection_InvalidRole(t *testing.T) {
	r := newTestRegistry(t, &fakeScheduler{}, &fakeSender{}, &fakeDiagnoser{})

	var out testConnectionOutput
	err := call(t, r, "email_test_connection", `{"account":"work","role":"carrier-pigeon"}`, &out)
	if err == nil || !strings.Contains(err.Error(), "invalid role") {
		t.Errorf("expected invalid role error, got %v", err)
	}
}
